// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"

	"github.com/datavision-io/des/internal/testcontext"
)

var errTransient = errs.New("transient")

func TestDoSucceedsFirstTry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	calls := 0
	err := Do(ctx, Options{MaxAttempts: 3}, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	calls := 0
	err := Do(ctx, Options{MaxAttempts: 5, Base: time.Microsecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	calls := 0
	err := Do(ctx, Options{MaxAttempts: 4, Base: time.Microsecond}, func(ctx context.Context) error {
		calls++
		return errTransient
	})
	assert.True(t, Error.Has(err), "%v", err)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
}

func TestDoPermanentErrorStopsEarly(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	permanent := errs.New("permanent")
	calls := 0
	err := Do(ctx, Options{
		MaxAttempts: 10,
		Base:        time.Microsecond,
		Transient:   func(err error) bool { return err == errTransient },
	}, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errTransient
		}
		return permanent
	})
	assert.Equal(t, permanent, err)
	assert.Equal(t, 2, calls)
}

func TestDoStopsOnCancel(t *testing.T) {
	tctx := testcontext.New(t)
	defer tctx.Cleanup()

	ctx, cancel := context.WithCancel(tctx)
	calls := 0
	err := Do(ctx, Options{MaxAttempts: 10, Base: time.Hour}, func(ctx context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "transient")
	assert.Equal(t, 1, calls)
}

func TestDoZeroAttemptsMeansOne(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	calls := 0
	err := Do(ctx, Options{}, func(ctx context.Context) error {
		calls++
		return errTransient
	})
	assert.True(t, Error.Has(err), "%v", err)
	assert.Equal(t, 1, calls)
}

func TestBackoffSchedule(t *testing.T) {
	opts := Options{Base: 100 * time.Millisecond, Max: 300 * time.Millisecond}
	for attempt := 1; attempt <= 6; attempt++ {
		d := backoff(opts, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, opts.Max)
	}

	// without a cap the wait doubles per attempt, up to jitter
	uncapped := Options{Base: 100 * time.Millisecond}
	d := backoff(uncapped, 4)
	assert.GreaterOrEqual(t, d, 400*time.Millisecond)
	assert.Less(t, d, 1200*time.Millisecond)
}
