// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/datavision-io/des/des"
)

// Redis is a Backend shared between retriever replicas. Index entries
// are stored as JSON so they stay inspectable with redis-cli.
type Redis struct {
	log    *zap.Logger
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to a redis:// URL. Zero ttl means entries never
// expire.
func NewRedis(ctx context.Context, log *zap.Logger, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, Error.New("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, Error.Wrap(errors.Join(err, client.Close()))
	}
	return &Redis{log: log, client: client, ttl: ttl}, nil
}

// Ping checks the connection, used by readiness probes.
func (r *Redis) Ping(ctx context.Context) error {
	return Error.Wrap(r.client.Ping(ctx).Err())
}

// Get implements Backend.
func (r *Redis) Get(ctx context.Context, key string) ([]des.IndexEntry, bool) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("index cache get failed", zap.String("key", key), zap.Error(err))
		}
		mon.Counter("index_cache_miss").Inc(1)
		return nil, false
	}
	var entries []des.IndexEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		// a corrupt record would turn every future hit into this same
		// failure, so drop it and let the next read repopulate
		r.log.Warn("index cache entry corrupt, dropping", zap.String("key", key), zap.Error(err))
		if err := r.client.Del(ctx, key).Err(); err != nil {
			r.log.Warn("index cache delete failed", zap.String("key", key), zap.Error(err))
		}
		mon.Counter("index_cache_miss").Inc(1)
		return nil, false
	}
	mon.Counter("index_cache_hit").Inc(1)
	return entries, true
}

// Set implements Backend.
func (r *Redis) Set(ctx context.Context, key string, entries []des.IndexEntry) {
	raw, err := json.Marshal(entries)
	if err != nil {
		r.log.Warn("index cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, key, raw, r.ttl).Err(); err != nil {
		r.log.Warn("index cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate implements Backend.
func (r *Redis) Invalidate(ctx context.Context, key string) {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.log.Warn("index cache invalidate failed", zap.String("key", key), zap.Error(err))
	}
}

// Close implements Backend.
func (r *Redis) Close() error {
	return Error.Wrap(r.client.Close())
}
