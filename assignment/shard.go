// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package assignment

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// MaxShardBits bounds the shard space; shard ids are stored as 32 bit
// integers.
const MaxShardBits = 32

// HashHex returns the full lowercase SHA-256 hex digest of name.
func HashHex(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}

// ShardID maps a name to its shard: the top bits (1..32) of the name's
// SHA-256 digest, big-endian. Panics on an out-of-range bit count, which
// is a configuration error.
func ShardID(name string, bits int) uint32 {
	if bits < 1 || bits > MaxShardBits {
		panic(Error.New("shard bits %d out of range [1,%d]", bits, MaxShardBits))
	}
	sum := sha256.Sum256([]byte(name))
	top := binary.BigEndian.Uint32(sum[:4])
	return top >> (32 - uint(bits))
}

// NumShards returns the size of the shard space for the given bit count.
func NumShards(bits int) int {
	return 1 << uint(bits)
}

// ShardHexWidth returns the zero-padded hex width used for shard ids in
// container keys.
func ShardHexWidth(bits int) int {
	return (bits + 3) / 4
}

// ShardHex formats a shard id at the width implied by bits.
func ShardHex(shard uint32, bits int) string {
	return fmt.Sprintf("%0*x", ShardHexWidth(bits), shard)
}

// ContainerKey builds the object key of the container holding a shard's
// objects for one UTC day: <prefix>/<YYYY-MM-DD>/shard_<hex>.des.
func ContainerKey(prefix string, day time.Time, shard uint32, bits int) string {
	key := fmt.Sprintf("%s/shard_%s.des", day.UTC().Format("2006-01-02"), ShardHex(shard, bits))
	if prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

// ContainerKeyForName resolves the container key a name lives in, using
// the name's embedded day and hash-derived shard.
func ContainerKeyForName(prefix, name string, bits int) (string, error) {
	day, err := ParseDay(name)
	if err != nil {
		return "", err
	}
	return ContainerKey(prefix, day, ShardID(name, bits), bits), nil
}
