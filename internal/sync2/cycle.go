// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package sync2 provides synchronization helpers for long-running loops.
package sync2

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Cycle implements a controllable recurring event: fn runs once
// immediately and then every interval until the context is canceled,
// Stop is called, or fn returns an error. Trigger forces an early run.
type Cycle struct {
	interval time.Duration

	trigger  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	done     chan struct{}
}

// NewCycle returns a cycle with the given interval.
func NewCycle(interval time.Duration) *Cycle {
	return &Cycle{
		interval: interval,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run executes fn on the cycle's schedule until fn errors or the cycle
// stops. A canceled context returns ctx.Err unless the cycle was stopped
// first.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.running.Store(true)
	defer close(cycle.done)

	ticker := time.NewTicker(cycle.interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil {
			return err
		}
		select {
		case <-ticker.C:
		case <-cycle.trigger:
		case <-cycle.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Trigger schedules an immediate run if one is not already pending.
func (cycle *Cycle) Trigger() {
	select {
	case cycle.trigger <- struct{}{}:
	default:
	}
}

// Stop ends the cycle and waits for the current run to finish. Stopping
// a cycle that never ran is a no-op.
func (cycle *Cycle) Stop() {
	cycle.stopOnce.Do(func() { close(cycle.stop) })
	if cycle.running.Load() {
		<-cycle.done
	}
}

// Sleep blocks for the duration or until the context is canceled,
// reporting whether the full duration elapsed.
func Sleep(ctx context.Context, duration time.Duration) bool {
	if duration <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
