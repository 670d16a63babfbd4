// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package healthcheck aggregates dependency probes for the packing
// pipeline.
package healthcheck

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/datavision-io/des/internal/promexp"
	"github.com/datavision-io/des/metabase"
	"github.com/datavision-io/des/objectstore"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the healthcheck package.
	Error = errs.Class("healthcheck")
)

// Statuses of an aggregated report.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Config configures the checker.
type Config struct {
	Bucket  string        `help:"bucket probed for reachability" default:""`
	Timeout time.Duration `help:"per-probe timeout" default:"5s"`
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	OK      bool          `json:"ok"`
	Detail  string        `json:"detail,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Report aggregates all probes. Core probes (database, object store)
// failing makes the report unhealthy; source probes failing only
// degrades it.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Checker runs dependency probes concurrently.
type Checker struct {
	log    *zap.Logger
	db     *metabase.DB
	store  objectstore.Store
	config Config

	mu      sync.Mutex
	sources map[string]func(ctx context.Context) error
}

// New creates a checker over the core dependencies.
func New(log *zap.Logger, db *metabase.DB, store objectstore.Store, config Config) *Checker {
	return &Checker{
		log:     log,
		db:      db,
		store:   store,
		config:  config,
		sources: map[string]func(ctx context.Context) error{},
	}
}

// AddSource registers an extra probe counted as non-core.
func (checker *Checker) AddSource(name string, ping func(ctx context.Context) error) {
	checker.mu.Lock()
	defer checker.mu.Unlock()
	checker.sources["source:"+name] = ping
}

// Check runs every probe with its own timeout and aggregates the
// results.
func (checker *Checker) Check(ctx context.Context) (_ Report) {
	defer mon.Task()(&ctx)(nil)

	type outcome struct {
		name   string
		core   bool
		result CheckResult
	}

	probes := map[string]struct {
		core bool
		run  func(ctx context.Context) error
	}{
		"database":     {core: true, run: checker.checkDatabase},
		"object_store": {core: true, run: checker.checkObjectStore},
		"shard_locks":  {core: false, run: checker.checkShardLocks},
	}
	checker.mu.Lock()
	for name, ping := range checker.sources {
		probes[name] = struct {
			core bool
			run  func(ctx context.Context) error
		}{core: false, run: ping}
	}
	checker.mu.Unlock()

	results := make(chan outcome, len(probes))
	for name, probe := range probes {
		name, probe := name, probe
		go func() {
			probeCtx, cancel := context.WithTimeout(ctx, checker.config.Timeout)
			defer cancel()
			start := time.Now()
			err := probe.run(probeCtx)
			result := CheckResult{OK: err == nil, Elapsed: time.Since(start)}
			if err != nil {
				result.Detail = err.Error()
			}
			results <- outcome{name: name, core: probe.core, result: result}
		}()
	}

	report := Report{Status: StatusHealthy, Checks: map[string]CheckResult{}}
	for range probes {
		o := <-results
		report.Checks[o.name] = o.result
		if o.result.OK {
			continue
		}
		if o.core {
			report.Status = StatusUnhealthy
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	if report.Status != StatusHealthy {
		mon.Counter("healthcheck_not_healthy").Inc(1)
		checker.log.Warn("health degraded", zap.String("status", report.Status))
	}
	return report
}

func (checker *Checker) checkDatabase(ctx context.Context) error {
	return checker.db.Ping(ctx)
}

func (checker *Checker) checkObjectStore(ctx context.Context) error {
	ok, err := checker.store.BucketExists(ctx, checker.config.Bucket)
	if err != nil {
		return err
	}
	if !ok {
		return Error.New("bucket %q does not exist", checker.config.Bucket)
	}
	return nil
}

func (checker *Checker) checkShardLocks(ctx context.Context) error {
	stats, err := checker.db.GetLockStats(ctx)
	if err != nil {
		return err
	}
	mon.IntVal("shard_locks_held").Observe(stats.Held)
	mon.IntVal("shard_locks_expired").Observe(stats.Expired)
	return nil
}

// Handler serves /health, /health/ready and /metrics for worker
// processes that have no service listener of their own.
func (checker *Checker) Handler() http.Handler {
	handler := http.NewServeMux()
	handler.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	handler.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		report := checker.Check(r.Context())
		status := http.StatusOK
		if report.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	})
	handler.Handle("/metrics", promexp.Handler())
	return handler
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
