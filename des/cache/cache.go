// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package cache provides index cache backends for container readers.
// Backends are best effort: failures count as misses and are logged,
// never returned to the read path.
package cache

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/datavision-io/des/des"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the cache package.
	Error = errs.Class("cache")
)

// Backend stores decoded index regions keyed by container identity.
type Backend interface {
	Get(ctx context.Context, key string) ([]des.IndexEntry, bool)
	Set(ctx context.Context, key string, entries []des.IndexEntry)
	Invalidate(ctx context.Context, key string)
	Close() error
}

// Null is a Backend that caches nothing.
type Null struct{}

// Get implements Backend.
func (Null) Get(ctx context.Context, key string) ([]des.IndexEntry, bool) { return nil, false }

// Set implements Backend.
func (Null) Set(ctx context.Context, key string, entries []des.IndexEntry) {}

// Invalidate implements Backend.
func (Null) Invalidate(ctx context.Context, key string) {}

// Close implements Backend.
func (Null) Close() error { return nil }
