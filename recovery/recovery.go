// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package recovery repairs state left behind by crashed packers: stale
// claims, abandoned container rows, expired leases and miscounted
// containers.
package recovery

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/datavision-io/des/des"
	"github.com/datavision-io/des/internal/sync2"
	"github.com/datavision-io/des/metabase"
	"github.com/datavision-io/des/objectstore"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the recovery package.
	Error = errs.Class("recovery")
)

// Config configures the recovery manager.
type Config struct {
	ClaimTimeout   time.Duration `help:"claims older than this return to the marked state" default:"30m"`
	StaleWriting   time.Duration `help:"writing containers untouched for this long get resolved" default:"2h"`
	Interval       time.Duration `help:"delay between recovery sweeps" default:"10m"`
	VerifyWindow   int           `help:"recently uploaded containers to integrity check per sweep" default:"25"`
	CleanupOrphans bool          `help:"delete store objects of failed containers" default:"false"`
}

// Manager runs the recovery sweeps.
type Manager struct {
	log    *zap.Logger
	db     *metabase.DB
	store  objectstore.Store
	config Config

	Loop *sync2.Cycle
}

// New creates a recovery manager.
func New(log *zap.Logger, db *metabase.DB, store objectstore.Store, config Config) *Manager {
	return &Manager{
		log:    log,
		db:     db,
		store:  store,
		config: config,
		Loop:   sync2.NewCycle(config.Interval),
	}
}

// Run sweeps until the context is canceled.
func (m *Manager) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return m.Loop.Run(ctx, func(ctx context.Context) error {
		if err := m.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			m.log.Error("recovery sweep failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the sweep loop.
func (m *Manager) Close() error {
	m.Loop.Stop()
	return nil
}

// RunOnce runs every sweep once. Sweeps are independent; one failing
// does not stop the others.
func (m *Manager) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errs.Group
	group.Add(m.RecoverStaleClaims(ctx))
	group.Add(m.CleanupPartialContainers(ctx))
	group.Add(m.ReleaseExpiredLocks(ctx))
	group.Add(m.VerifyContainerIntegrity(ctx))
	return group.Err()
}

// RecoverStaleClaims returns long-claimed catalog rows to the marked
// state so a live packer can pick them up again.
func (m *Manager) RecoverStaleClaims(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	released, err := m.db.ReleaseStaleClaims(ctx, m.config.ClaimTimeout)
	if err != nil {
		return err
	}
	if released > 0 {
		mon.Counter("recovery_claims_released").Inc(released)
		m.log.Info("released stale claims", zap.Int64("rows", released))
	}
	return nil
}

// CleanupPartialContainers resolves container rows stuck in the writing
// state: if the store object exists and carries a valid footer the
// upload finished and only the row update was lost, so the row becomes
// uploaded; otherwise the row becomes failed and the orphan object is
// optionally deleted.
func (m *Manager) CleanupPartialContainers(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	stale, err := m.db.StaleWritingContainers(ctx, time.Now().Add(-m.config.StaleWriting))
	if err != nil {
		return err
	}

	var group errs.Group
	for _, container := range stale {
		footer, found, err := m.containerFooter(ctx, container)
		if err != nil {
			group.Add(err)
			continue
		}
		if found {
			m.log.Info("recovered finished container",
				zap.Int64("container", container.ID),
				zap.String("key", container.Key),
				zap.Uint64("files", footer.FileCount))
			group.Add(m.db.MarkContainerUploaded(ctx, container.ID,
				int64(footer.FileCount), int64(footer.DataLength), container.ExternalCount))
			mon.Counter("recovery_containers_recovered").Inc(1)
			continue
		}
		m.log.Warn("failing abandoned container",
			zap.Int64("container", container.ID),
			zap.String("key", container.Key))
		group.Add(m.db.MarkContainerFailed(ctx, container.ID))
		mon.Counter("recovery_containers_failed").Inc(1)
		if m.config.CleanupOrphans {
			err := m.store.Delete(ctx, container.Bucket, container.Key)
			if err != nil && !objectstore.ErrObjectNotFound.Has(err) {
				group.Add(err)
			}
		}
	}
	return group.Err()
}

// containerFooter opens the stored container and returns its footer.
// found is false when the object is missing or not a valid container.
func (m *Manager) containerFooter(ctx context.Context, container metabase.Container) (_ des.Footer, found bool, err error) {
	src, err := objectstore.NewRangeReader(ctx, m.store, container.Bucket, container.Key)
	if err != nil {
		if objectstore.ErrObjectNotFound.Has(err) {
			return des.Footer{}, false, nil
		}
		return des.Footer{}, false, err
	}
	reader, err := des.NewReader(ctx, src, des.ReaderOptions{})
	if err != nil {
		if des.ErrFormat.Has(err) {
			return des.Footer{}, false, nil
		}
		return des.Footer{}, false, err
	}
	return reader.Footer(), true, nil
}

// ReleaseExpiredLocks drops expired shard leases.
func (m *Manager) ReleaseExpiredLocks(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	released, err := m.db.ReleaseExpiredLocks(ctx)
	if err != nil {
		return err
	}
	if released > 0 {
		mon.Counter("recovery_locks_released").Inc(released)
		m.log.Info("released expired leases", zap.Int64("leases", released))
	}
	return nil
}

// VerifyContainerIntegrity compares recently uploaded container rows
// with their stored footers. The container is the source of truth; the
// row is fixed to match.
func (m *Manager) VerifyContainerIntegrity(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	containers, err := m.db.ListContainers(ctx, metabase.ContainerUploaded, m.config.VerifyWindow)
	if err != nil {
		return err
	}

	var group errs.Group
	for _, container := range containers {
		footer, found, err := m.containerFooter(ctx, container)
		if err != nil {
			group.Add(err)
			continue
		}
		if !found {
			m.log.Error("uploaded container missing or corrupt in store, failing",
				zap.Int64("container", container.ID),
				zap.String("key", container.Key))
			group.Add(m.db.MarkContainerFailed(ctx, container.ID))
			mon.Counter("recovery_integrity_missing").Inc(1)
			continue
		}
		if int64(footer.FileCount) != container.FileCount {
			m.log.Warn("container row disagrees with footer, fixing",
				zap.Int64("container", container.ID),
				zap.Int64("row_count", container.FileCount),
				zap.Uint64("footer_count", footer.FileCount))
			group.Add(m.db.SetContainerFileCount(ctx, container.ID, int64(footer.FileCount)))
			mon.Counter("recovery_integrity_fixed").Inc(1)
		}
	}
	return group.Err()
}
