// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package cache

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/datavision-io/des/internal/testcontext"
)

// openRedis skips unless DES_TEST_REDIS points at a redis server and
// returns the backend plus a raw client for planting fixtures.
func openRedis(t *testing.T, ctx *testcontext.Context) (*Redis, *redis.Client) {
	url := os.Getenv("DES_TEST_REDIS")
	if url == "" {
		t.Skip("DES_TEST_REDIS not set, e.g. redis://localhost:6379/15")
	}
	backend, err := NewRedis(ctx, zaptest.NewLogger(t), url, time.Minute)
	require.NoError(t, err)

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	return backend, redis.NewClient(opts)
}

func TestRedisRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	backend, raw := openRedis(t, ctx)
	defer func() { require.NoError(t, backend.Close()) }()
	defer func() { require.NoError(t, raw.Close()) }()

	key := fmt.Sprintf("des:test:%d", time.Now().UnixNano())
	defer raw.Del(ctx, key)

	_, ok := backend.Get(ctx, key)
	assert.False(t, ok)

	backend.Set(ctx, key, index("a"))
	entries, ok := backend.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, index("a"), entries)

	backend.Invalidate(ctx, key)
	_, ok = backend.Get(ctx, key)
	assert.False(t, ok)
}

func TestRedisCorruptRecordDropped(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	backend, raw := openRedis(t, ctx)
	defer func() { require.NoError(t, backend.Close()) }()
	defer func() { require.NoError(t, raw.Close()) }()

	key := fmt.Sprintf("des:test:%d", time.Now().UnixNano())
	defer raw.Del(ctx, key)

	require.NoError(t, raw.Set(ctx, key, "not json", 0).Err())

	_, ok := backend.Get(ctx, key)
	assert.False(t, ok, "corrupt record must read as a miss")

	err := raw.Get(ctx, key).Err()
	assert.ErrorIs(t, err, redis.Nil, "corrupt record must be deleted")
}
