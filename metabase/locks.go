// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package metabase

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// LockStats counts the current lease rows.
type LockStats struct {
	Held    int64
	Expired int64
}

// TryAcquireLock attempts to take the lease on a shard. A single upsert
// wins the row when it is free, expired, or already held by the same
// holder; anything else leaves the row untouched and reports false.
func (db *DB) TryAcquireLock(ctx context.Context, shard uint32, holder string, ttl time.Duration) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var got string
	err = db.db.QueryRowContext(ctx, `
		INSERT INTO des_shard_locks (shard_id, holder_id, acquired_at, renewed_at, expires_at)
		VALUES ($1, $2, now(), now(), now() + $3 * interval '1 second')
		ON CONFLICT (shard_id) DO UPDATE
			SET holder_id = EXCLUDED.holder_id,
				acquired_at = EXCLUDED.acquired_at,
				renewed_at = EXCLUDED.renewed_at,
				expires_at = EXCLUDED.expires_at
			WHERE des_shard_locks.expires_at < now()
				OR des_shard_locks.holder_id = EXCLUDED.holder_id
		RETURNING holder_id
	`, int32(shard), holder, ttl.Seconds()).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	return got == holder, nil
}

// RenewLock extends a lease still held by holder. Reports false when the
// lease was lost or already expired; the caller must stop writing.
func (db *DB) RenewLock(ctx context.Context, shard uint32, holder string, ttl time.Duration) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	res, err := db.db.ExecContext(ctx, `
		UPDATE des_shard_locks
		SET renewed_at = now(),
			expires_at = now() + $3 * interval '1 second'
		WHERE shard_id = $1 AND holder_id = $2 AND expires_at >= now()
	`, int32(shard), holder, ttl.Seconds())
	if err != nil {
		return false, Error.Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, Error.Wrap(err)
	}
	return affected == 1, nil
}

// ReleaseLock drops the lease if holder still owns it. Releasing a lease
// held by someone else, or no lease at all, is a no-op.
func (db *DB) ReleaseLock(ctx context.Context, shard uint32, holder string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		DELETE FROM des_shard_locks
		WHERE shard_id = $1 AND holder_id = $2
	`, int32(shard), holder)
	return Error.Wrap(err)
}

// ReleaseExpiredLocks removes leases past their expiry, returning how
// many were dropped.
func (db *DB) ReleaseExpiredLocks(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	res, err := db.db.ExecContext(ctx, `
		DELETE FROM des_shard_locks WHERE expires_at < now()
	`)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	dropped, err := res.RowsAffected()
	return dropped, Error.Wrap(err)
}

// GetLockStats counts live and expired leases.
func (db *DB) GetLockStats(ctx context.Context) (_ LockStats, err error) {
	defer mon.Task()(&ctx)(&err)

	var stats LockStats
	err = db.db.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE expires_at >= now()),
			count(*) FILTER (WHERE expires_at < now())
		FROM des_shard_locks
	`).Scan(&stats.Held, &stats.Expired)
	return stats, Error.Wrap(err)
}
