// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/zeebo/errs"
)

// Error wraps retry exhaustion failures.
var Error = errs.Class("retry")

// Options controls the retry schedule.
type Options struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Base is the backoff unit: the wait before attempt n is
	// Base * 2^(n-1), jittered by a uniform factor in [0.5, 1.5).
	Base time.Duration
	// Max caps a single wait. Zero means no cap.
	Max time.Duration
	// Transient decides whether an error is worth retrying. Nil retries
	// everything.
	Transient func(error) bool
}

// Do runs fn until it succeeds, returns a permanent error, or the
// attempts are exhausted.
func Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if opts.Transient != nil && !opts.Transient(err) {
			return err
		}
		if attempt >= opts.MaxAttempts {
			return Error.New("%d attempts: %w", attempt, err)
		}
		if !sleep(ctx, backoff(opts, attempt)) {
			return errs.Combine(ctx.Err(), err)
		}
	}
}

func backoff(opts Options, attempt int) time.Duration {
	d := time.Duration(float64(opts.Base) * math.Pow(2, float64(attempt-1)))
	jitter := 0.5 + rand.Float64()
	d = time.Duration(float64(d) * jitter)
	if opts.Max > 0 && d > opts.Max {
		d = opts.Max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
