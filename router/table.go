// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package router fronts the retriever fleet: it routes file requests by
// hash byte and fails over around unhealthy retrievers.
package router

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/datavision-io/des/assignment"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the router package.
	Error = errs.Class("router")
	// ErrNoHealthy means every retriever's circuit breaker is open.
	ErrNoHealthy = errs.Class("no healthy retrievers")
)

// Routing strategies.
const (
	StrategyHashByte   = "hash_byte"
	StrategyRoundRobin = "round_robin"
)

// Endpoint is one retriever as the router sees it.
type Endpoint struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Healthy  bool   `json:"healthy"`
	Failures int    `json:"failures"`

	lastFailure time.Time
}

// Table maps hash bytes to retriever endpoints and tracks their health
// with a per-endpoint circuit breaker. Safe for concurrent use.
type Table struct {
	strategy  string
	threshold int
	timeout   time.Duration
	now       func() time.Time

	mu        sync.Mutex
	endpoints []*Endpoint
	counter   int
}

// NewTable builds a table over the given retriever URLs.
func NewTable(urls []string, strategy string, threshold int, timeout time.Duration) (*Table, error) {
	if len(urls) == 0 {
		return nil, Error.New("at least one retriever is required")
	}
	switch strategy {
	case StrategyHashByte, StrategyRoundRobin:
	default:
		return nil, Error.New("unknown routing strategy %q", strategy)
	}
	table := &Table{
		strategy:  strategy,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
	for i, url := range urls {
		table.endpoints = append(table.endpoints, &Endpoint{
			ID:      fmt.Sprint(i),
			URL:     url,
			Healthy: true,
		})
	}
	return table, nil
}

// HashByte derives the routing byte for a request: an explicit byte
// wins, then the first byte of a caller-provided hash, then the first
// byte of the name's own hash.
func HashByte(name, hashHex string, explicit int) (byte, error) {
	if explicit >= 0 {
		if explicit > 255 {
			return 0, Error.New("hash byte %d out of range", explicit)
		}
		return byte(explicit), nil
	}
	if hashHex != "" {
		if len(hashHex) < 2 {
			return 0, Error.New("hash %q too short", hashHex)
		}
		b, err := strconv.ParseUint(hashHex[:2], 16, 8)
		if err != nil {
			return 0, Error.New("invalid hash %q", hashHex)
		}
		return byte(b), nil
	}
	digest := assignment.HashHex(name)
	b, _ := strconv.ParseUint(digest[:2], 16, 8)
	return byte(b), nil
}

// Sequence returns the endpoints to try for a routing byte: the primary
// first, then healthy fallbacks. When every breaker is open, breakers
// past their timeout are reset; with none to reset it returns
// ErrNoHealthy.
func (table *Table) Sequence(routing byte) ([]*Endpoint, error) {
	table.mu.Lock()
	defer table.mu.Unlock()

	healthy := table.healthyLocked()
	if len(healthy) == 0 {
		table.resetExpiredLocked()
		healthy = table.healthyLocked()
		if len(healthy) == 0 {
			return nil, ErrNoHealthy.New("%d retrievers, all failing", len(table.endpoints))
		}
	}

	var primary *Endpoint
	if table.strategy == StrategyRoundRobin {
		primary = healthy[table.counter%len(healthy)]
		table.counter++
	} else {
		primary = table.endpoints[int(routing)%len(table.endpoints)]
		if !table.isHealthyLocked(primary) {
			primary = healthy[0]
		}
	}

	sequence := []*Endpoint{primary}
	for _, endpoint := range healthy {
		if endpoint != primary {
			sequence = append(sequence, endpoint)
		}
	}
	return sequence, nil
}

// MarkFailure counts a failure; reaching the threshold opens the
// breaker.
func (table *Table) MarkFailure(id string) {
	table.mu.Lock()
	defer table.mu.Unlock()

	endpoint := table.byIDLocked(id)
	if endpoint == nil {
		return
	}
	endpoint.Failures++
	endpoint.lastFailure = table.now()
	if endpoint.Failures >= table.threshold {
		if endpoint.Healthy {
			mon.Counter("router_breaker_opened").Inc(1)
		}
		endpoint.Healthy = false
	}
}

// MarkSuccess closes the breaker and clears the failure count.
func (table *Table) MarkSuccess(id string) {
	table.mu.Lock()
	defer table.mu.Unlock()

	endpoint := table.byIDLocked(id)
	if endpoint == nil {
		return
	}
	endpoint.Failures = 0
	endpoint.Healthy = true
	endpoint.lastFailure = time.Time{}
}

// Snapshot returns a copy of the endpoint states.
func (table *Table) Snapshot() []Endpoint {
	table.mu.Lock()
	defer table.mu.Unlock()

	out := make([]Endpoint, len(table.endpoints))
	for i, endpoint := range table.endpoints {
		out[i] = *endpoint
		out[i].Healthy = table.isHealthyLocked(endpoint)
	}
	return out
}

// HealthyCount returns how many endpoints are currently routable.
func (table *Table) HealthyCount() int {
	table.mu.Lock()
	defer table.mu.Unlock()
	return len(table.healthyLocked())
}

func (table *Table) byIDLocked(id string) *Endpoint {
	for _, endpoint := range table.endpoints {
		if endpoint.ID == id {
			return endpoint
		}
	}
	return nil
}

// isHealthyLocked also half-opens breakers whose timeout has passed.
func (table *Table) isHealthyLocked(endpoint *Endpoint) bool {
	if endpoint.Healthy {
		return true
	}
	if !endpoint.lastFailure.IsZero() && table.now().Sub(endpoint.lastFailure) > table.timeout {
		endpoint.Healthy = true
		endpoint.Failures = 0
		return true
	}
	return false
}

func (table *Table) healthyLocked() []*Endpoint {
	var out []*Endpoint
	for _, endpoint := range table.endpoints {
		if table.isHealthyLocked(endpoint) {
			out = append(out, endpoint)
		}
	}
	return out
}

func (table *Table) resetExpiredLocked() {
	for _, endpoint := range table.endpoints {
		if !endpoint.Healthy && !endpoint.lastFailure.IsZero() &&
			table.now().Sub(endpoint.lastFailure) > table.timeout {
			endpoint.Healthy = true
			endpoint.Failures = 0
		}
	}
}
