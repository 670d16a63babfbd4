// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package testrand produces pseudo-random test data.
package testrand

import (
	"io"
	"math/rand"
)

// Intn returns a non-negative pseudo-random int in [0,n).
func Intn(n int) int {
	return rand.Intn(n)
}

// Read fills data with pseudo-random bytes.
func Read(data []byte) {
	const newSourceThreshold = 64
	if len(data) < newSourceThreshold {
		_, _ = rand.Read(data)
		return
	}
	r := rand.New(rand.NewSource(rand.Int63()))
	_, _ = r.Read(data)
}

// BytesN generates n bytes of random data.
func BytesN(n int) []byte {
	data := make([]byte, n)
	Read(data)
	return data
}

// Reader creates an endless random data reader.
func Reader() io.Reader {
	return rand.New(rand.NewSource(rand.Int63()))
}

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// String generates an n character alphanumeric string.
func String(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(out)
}
