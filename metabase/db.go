// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package metabase holds the relational state of the packing pipeline:
// shard leases, container records, the source catalog and the marker
// dead letter queue.
package metabase

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/lib/pq"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the metabase package.
	Error = errs.Class("metabase")
)

// DB wraps the postgres connection used by all metadata operations.
type DB struct {
	log *zap.Logger
	db  *sql.DB
}

// Open connects to postgres and verifies the connection.
func Open(ctx context.Context, log *zap.Logger, url string) (*DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return &DB{log: log, db: db}, nil
}

// Close releases the connection pool.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Ping checks the connection, used by health probes.
func (db *DB) Ping(ctx context.Context) error {
	return Error.Wrap(db.db.PingContext(ctx))
}

// MigrateToLatest creates the schema if it does not exist yet.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, stmt := range schema {
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			return Error.New("migrate: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS des_shard_locks (
		shard_id    integer PRIMARY KEY,
		holder_id   text NOT NULL,
		acquired_at timestamptz NOT NULL DEFAULT now(),
		renewed_at  timestamptz NOT NULL DEFAULT now(),
		expires_at  timestamptz NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS des_containers (
		id             bigserial PRIMARY KEY,
		shard_id       integer NOT NULL,
		day            date NOT NULL,
		s3_bucket      text NOT NULL,
		s3_key         text NOT NULL UNIQUE,
		status         text NOT NULL DEFAULT 'writing'
			CHECK (status IN ('writing', 'uploaded', 'failed')),
		file_count     bigint NOT NULL DEFAULT 0,
		data_bytes     bigint NOT NULL DEFAULT 0,
		external_count bigint NOT NULL DEFAULT 0,
		created_at     timestamptz NOT NULL DEFAULT now(),
		updated_at     timestamptz NOT NULL DEFAULT now(),
		uploaded_at    timestamptz
	)`,
	`CREATE INDEX IF NOT EXISTS des_containers_status_updated
		ON des_containers (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS des_source_catalog (
		id               bigserial PRIMARY KEY,
		source_bucket    text NOT NULL,
		source_key       text NOT NULL,
		size_bytes       bigint NOT NULL DEFAULT 0,
		des_hash         text,
		des_shard        integer,
		des_status       text NOT NULL DEFAULT 'pending'
			CHECK (des_status IN ('pending', 'marked', 'claimed', 'packed', 'failed')),
		des_name         text,
		des_container_id bigint,
		claimed_by       text,
		claimed_at       timestamptz,
		marked_at        timestamptz,
		packed_at        timestamptz,
		error_message    text,
		attempts         integer NOT NULL DEFAULT 0,
		created_at       timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS des_source_catalog_status
		ON des_source_catalog (des_status)`,
	`CREATE INDEX IF NOT EXISTS des_source_catalog_shard_status
		ON des_source_catalog (des_shard, des_status)`,
	`CREATE TABLE IF NOT EXISTS des_marker_dlq (
		id            bigserial PRIMARY KEY,
		catalog_id    bigint NOT NULL,
		source_key    text NOT NULL,
		error_message text NOT NULL,
		attempts      integer NOT NULL,
		created_at    timestamptz NOT NULL DEFAULT now()
	)`,
}

// DropSchema removes all tables, used by tests.
func (db *DB) DropSchema(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, `
		DROP TABLE IF EXISTS des_marker_dlq, des_source_catalog,
			des_containers, des_shard_locks`)
	return Error.Wrap(err)
}

// IsTransient reports whether a database error is worth retrying:
// serialization failures, deadlocks, lock timeouts, connection trouble.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch code {
		case "40001", "40P01", "55P03", "57014":
			return true
		}
		if strings.HasPrefix(code, "08") { // connection exceptions
			return true
		}
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"timeout", "connection", "deadlock", "lock", "temporar"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// withTx runs fn inside a transaction, rolling back on error.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := fn(tx); err != nil {
		return Error.Wrap(errs.Combine(err, tx.Rollback()))
	}
	return Error.Wrap(tx.Commit())
}
