// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/datavision-io/des/des"
)

// Memory is an in-process LRU Backend with per-entry TTL.
type Memory struct {
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element
}

type memoryItem struct {
	key      string
	entries  []des.IndexEntry
	deadline time.Time
}

// NewMemory returns an LRU cache holding at most maxEntries indexes,
// each for at most ttl. Zero ttl disables expiry.
func NewMemory(maxEntries int, ttl time.Duration) *Memory {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Memory{
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
		order:      list.New(),
		items:      map[string]*list.Element{},
	}
}

// Get implements Backend.
func (m *Memory) Get(ctx context.Context, key string) ([]des.IndexEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		mon.Counter("index_cache_miss").Inc(1)
		return nil, false
	}
	item := elem.Value.(*memoryItem)
	if m.ttl > 0 && m.now().After(item.deadline) {
		m.order.Remove(elem)
		delete(m.items, key)
		mon.Counter("index_cache_expired").Inc(1)
		return nil, false
	}
	m.order.MoveToFront(elem)
	mon.Counter("index_cache_hit").Inc(1)
	return item.entries, true
}

// Set implements Backend.
func (m *Memory) Set(ctx context.Context, key string, entries []des.IndexEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		item := elem.Value.(*memoryItem)
		item.entries = entries
		item.deadline = m.now().Add(m.ttl)
		m.order.MoveToFront(elem)
		return
	}
	m.items[key] = m.order.PushFront(&memoryItem{
		key:      key,
		entries:  entries,
		deadline: m.now().Add(m.ttl),
	})
	for m.order.Len() > m.maxEntries {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.items, oldest.Value.(*memoryItem).key)
		mon.Counter("index_cache_evicted").Inc(1)
	}
}

// Invalidate implements Backend.
func (m *Memory) Invalidate(ctx context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.order.Remove(elem)
		delete(m.items, key)
	}
}

// Len returns the number of cached indexes.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Close implements Backend.
func (m *Memory) Close() error { return nil }
