// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package metabase

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/zeebo/errs"
)

// SourceFile is one row of the source catalog: an object waiting to be
// hashed, claimed and packed.
type SourceFile struct {
	ID           int64
	SourceBucket string
	SourceKey    string
	SizeBytes    int64
	Hash         string
	Shard        uint32
	Status       string
	Name         string
	ContainerID  int64
	Attempts     int
}

// Source catalog statuses.
const (
	StatusPending = "pending"
	StatusMarked  = "marked"
	StatusClaimed = "claimed"
	StatusPacked  = "packed"
	StatusFailed  = "failed"
)

// SourceMark carries the name assignment for one catalog row. Hash and
// Shard are derived from Name.
type SourceMark struct {
	ID    int64
	Name  string
	Hash  string
	Shard uint32
}

// InsertSourceFiles seeds catalog rows, used by ingestion and tests.
func (db *DB) InsertSourceFiles(ctx context.Context, files []SourceFile) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO des_source_catalog (source_bucket, source_key, size_bytes, des_status)
			VALUES ($1, $2, $3, 'pending')
		`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, f := range files {
			if _, err := stmt.ExecContext(ctx, f.SourceBucket, f.SourceKey, f.SizeBytes); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkNextBatch claims up to limit pending rows at least maxAge old with
// SKIP LOCKED row locks, assigns each a hash via assign, and moves them
// to the marked state, all in one transaction. Concurrent markers skip
// each other's rows. Zero maxAge marks rows as soon as they are
// ingested. Returns the rows that were marked.
func (db *DB) MarkNextBatch(ctx context.Context, limit int, maxAge time.Duration, assign func(SourceFile) SourceMark) (_ []SourceFile, err error) {
	defer mon.Task()(&ctx)(&err)

	var out []SourceFile
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, source_bucket, source_key, size_bytes, attempts
			FROM des_source_catalog
			WHERE des_status = 'pending'
				AND created_at <= now() - $2 * interval '1 second'
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit, maxAge.Seconds())
		if err != nil {
			return err
		}
		for rows.Next() {
			var f SourceFile
			if err := rows.Scan(&f.ID, &f.SourceBucket, &f.SourceKey, &f.SizeBytes, &f.Attempts); err != nil {
				return errs.Combine(err, rows.Close())
			}
			f.Status = StatusPending
			out = append(out, f)
		}
		if err := errs.Combine(rows.Err(), rows.Close()); err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}

		ids := make([]int64, len(out))
		names := make([]string, len(out))
		hashes := make([]string, len(out))
		shards := make([]int32, len(out))
		for i, f := range out {
			m := assign(f)
			ids[i] = f.ID
			names[i] = m.Name
			hashes[i] = m.Hash
			shards[i] = int32(m.Shard)
			out[i].Name = m.Name
			out[i].Hash = m.Hash
			out[i].Shard = m.Shard
			out[i].Status = StatusMarked
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE des_source_catalog AS c
			SET des_name = m.name,
				des_hash = m.hash,
				des_shard = m.shard,
				des_status = 'marked',
				marked_at = now(),
				attempts = c.attempts + 1
			FROM (
				SELECT unnest($1::bigint[]) AS id,
					unnest($2::text[]) AS name,
					unnest($3::text[]) AS hash,
					unnest($4::integer[]) AS shard
			) AS m
			WHERE c.id = m.id
		`, pq.Array(ids), pq.Array(names), pq.Array(hashes), pq.Array(shards))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PendingSourceFiles lists pending rows at least maxAge old without
// locking them, used by the marker's row-by-row fallback path.
func (db *DB) PendingSourceFiles(ctx context.Context, limit int, maxAge time.Duration) (_ []SourceFile, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, source_bucket, source_key, size_bytes, attempts
		FROM des_source_catalog
		WHERE des_status = 'pending'
			AND created_at <= now() - $2 * interval '1 second'
		ORDER BY id
		LIMIT $1
	`, limit, maxAge.Seconds())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Close())) }()

	var out []SourceFile
	for rows.Next() {
		var f SourceFile
		if err := rows.Scan(&f.ID, &f.SourceBucket, &f.SourceKey, &f.SizeBytes, &f.Attempts); err != nil {
			return nil, Error.Wrap(err)
		}
		f.Status = StatusPending
		out = append(out, f)
	}
	return out, Error.Wrap(rows.Err())
}

// MarkSourceFiles applies name assignments, moving rows to the marked
// state. Re-applying the same marks is idempotent; re-marking with a
// fresh name simply supersedes the old one, nothing references a name
// before the row is packed.
func (db *DB) MarkSourceFiles(ctx context.Context, marks []SourceMark) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(marks) == 0 {
		return nil
	}
	ids := make([]int64, len(marks))
	names := make([]string, len(marks))
	hashes := make([]string, len(marks))
	shards := make([]int32, len(marks))
	for i, m := range marks {
		ids[i] = m.ID
		names[i] = m.Name
		hashes[i] = m.Hash
		shards[i] = int32(m.Shard)
	}
	_, err = db.db.ExecContext(ctx, `
		UPDATE des_source_catalog AS c
		SET des_name = m.name,
			des_hash = m.hash,
			des_shard = m.shard,
			des_status = 'marked',
			marked_at = now(),
			attempts = c.attempts + 1
		FROM (
			SELECT unnest($1::bigint[]) AS id,
				unnest($2::text[]) AS name,
				unnest($3::text[]) AS hash,
				unnest($4::integer[]) AS shard
		) AS m
		WHERE c.id = m.id
	`, pq.Array(ids), pq.Array(names), pq.Array(hashes), pq.Array(shards))
	return Error.Wrap(err)
}

// ClaimForPacking atomically claims up to limit marked rows of one shard
// for a packer holder.
func (db *DB) ClaimForPacking(ctx context.Context, shard uint32, holder string, limit int) (_ []SourceFile, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		WITH picked AS (
			SELECT id
			FROM des_source_catalog
			WHERE des_status = 'marked' AND des_shard = $1
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE des_source_catalog AS c
		SET des_status = 'claimed',
			claimed_by = $2,
			claimed_at = now()
		FROM picked
		WHERE c.id = picked.id
		RETURNING c.id, c.source_bucket, c.source_key, c.size_bytes, c.des_name, c.des_hash, c.des_shard, c.attempts
	`, int32(shard), holder, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Close())) }()

	var out []SourceFile
	for rows.Next() {
		var f SourceFile
		var name sql.NullString
		var dbShard int32
		if err := rows.Scan(&f.ID, &f.SourceBucket, &f.SourceKey, &f.SizeBytes, &name, &f.Hash, &dbShard, &f.Attempts); err != nil {
			return nil, Error.Wrap(err)
		}
		f.Name = name.String
		f.Shard = uint32(dbShard)
		f.Status = StatusClaimed
		out = append(out, f)
	}
	return out, Error.Wrap(rows.Err())
}

// MarkPacked records the container id for claimed rows once their
// container is durably uploaded. The archive name was assigned at
// marking time and does not change here.
func (db *DB) MarkPacked(ctx context.Context, ids []int64, containerID int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(ids) == 0 {
		return nil
	}
	_, err = db.db.ExecContext(ctx, `
		UPDATE des_source_catalog
		SET des_status = 'packed',
			des_container_id = $2,
			packed_at = now()
		WHERE id = ANY($1::bigint[])
	`, pq.Array(ids), containerID)
	return Error.Wrap(err)
}

// MarkSourceFailed moves rows to the failed state with a truncated error
// message.
func (db *DB) MarkSourceFailed(ctx context.Context, ids []int64, msg string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(ids) == 0 {
		return nil
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}
	_, err = db.db.ExecContext(ctx, `
		UPDATE des_source_catalog
		SET des_status = 'failed', error_message = $2
		WHERE id = ANY($1::bigint[])
	`, pq.Array(ids), msg)
	return Error.Wrap(err)
}

// ReleaseStaleClaims returns rows claimed before the cutoff to the
// marked state so another packer can pick them up.
func (db *DB) ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	res, err := db.db.ExecContext(ctx, `
		UPDATE des_source_catalog
		SET des_status = 'marked', claimed_by = NULL, claimed_at = NULL
		WHERE des_status = 'claimed' AND claimed_at < now() - $1 * interval '1 second'
	`, olderThan.Seconds())
	if err != nil {
		return 0, Error.Wrap(err)
	}
	released, err := res.RowsAffected()
	return released, Error.Wrap(err)
}

// MoveToDLQ parks a row in the dead letter queue and marks it failed in
// one transaction.
func (db *DB) MoveToDLQ(ctx context.Context, file SourceFile, msg string, attempts int) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(msg) > 500 {
		msg = msg[:500]
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO des_marker_dlq (catalog_id, source_key, error_message, attempts)
			VALUES ($1, $2, $3, $4)
		`, file.ID, file.SourceKey, msg, attempts); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE des_source_catalog
			SET des_status = 'failed', error_message = $2, attempts = $3
			WHERE id = $1
		`, file.ID, msg, attempts)
		return err
	})
}

// CatalogStats counts catalog rows by status.
func (db *DB) CatalogStats(ctx context.Context) (_ map[string]int64, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT des_status, count(*) FROM des_source_catalog GROUP BY des_status
	`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Close())) }()

	stats := map[string]int64{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, Error.Wrap(err)
		}
		stats[status] = count
	}
	return stats, Error.Wrap(rows.Err())
}

// DLQCount returns the number of dead letter rows, used by tests and
// health reporting.
func (db *DB) DLQCount(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int64
	err = db.db.QueryRowContext(ctx, `SELECT count(*) FROM des_marker_dlq`).Scan(&count)
	return count, Error.Wrap(err)
}
