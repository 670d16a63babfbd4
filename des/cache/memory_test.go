// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datavision-io/des/des"
	"github.com/datavision-io/des/internal/testcontext"
)

func index(name string) []des.IndexEntry {
	return []des.IndexEntry{{Name: name, DataOffset: 16, DataLength: 4}}
}

func TestMemoryBasics(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	m := NewMemory(4, 0)

	_, ok := m.Get(ctx, "a")
	assert.False(t, ok)

	m.Set(ctx, "a", index("a"))
	entries, ok := m.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, index("a"), entries)

	m.Set(ctx, "a", index("a2"))
	entries, ok = m.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, index("a2"), entries)
	assert.Equal(t, 1, m.Len())

	m.Invalidate(ctx, "a")
	_, ok = m.Get(ctx, "a")
	assert.False(t, ok)
	m.Invalidate(ctx, "a") // unknown keys are fine

	require.NoError(t, m.Close())
}

func TestMemoryEviction(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	m := NewMemory(3, 0)
	for i := 0; i < 3; i++ {
		m.Set(ctx, fmt.Sprintf("k%d", i), index("x"))
	}

	// touching k0 makes k1 the oldest
	_, ok := m.Get(ctx, "k0")
	require.True(t, ok)

	m.Set(ctx, "k3", index("x"))
	assert.Equal(t, 3, m.Len())
	_, ok = m.Get(ctx, "k1")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = m.Get(ctx, "k0")
	assert.True(t, ok)
	_, ok = m.Get(ctx, "k3")
	assert.True(t, ok)
}

func TestMemoryTTL(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	now := time.Now()
	m := NewMemory(4, time.Minute)
	m.now = func() time.Time { return now }

	m.Set(ctx, "a", index("a"))
	_, ok := m.Get(ctx, "a")
	assert.True(t, ok)

	now = now.Add(time.Minute + time.Second)
	_, ok = m.Get(ctx, "a")
	assert.False(t, ok, "expired entry should not be served")
	assert.Equal(t, 0, m.Len())

	// a fresh Set resets the deadline
	m.Set(ctx, "a", index("a"))
	now = now.Add(30 * time.Second)
	_, ok = m.Get(ctx, "a")
	assert.True(t, ok)
}

func TestNull(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	var n Null
	n.Set(ctx, "a", index("a"))
	_, ok := n.Get(ctx, "a")
	assert.False(t, ok)
	n.Invalidate(ctx, "a")
	require.NoError(t, n.Close())
}
