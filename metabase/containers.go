// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package metabase

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"
)

// ErrContainerNotFound means no container row matches.
var ErrContainerNotFound = Error.New("container not found")

// Container is one row of des_containers.
type Container struct {
	ID            int64
	ShardID       uint32
	Day           time.Time
	Bucket        string
	Key           string
	Status        string
	FileCount     int64
	DataBytes     int64
	ExternalCount int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	UploadedAt    *time.Time
}

// Container statuses.
const (
	ContainerWriting  = "writing"
	ContainerUploaded = "uploaded"
	ContainerFailed   = "failed"
)

// CreateContainer registers a container in the writing state and returns
// its id. The s3 key is unique; colliding keys fail.
func (db *DB) CreateContainer(ctx context.Context, shard uint32, day time.Time, bucket, key string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var id int64
	err = db.db.QueryRowContext(ctx, `
		INSERT INTO des_containers (shard_id, day, s3_bucket, s3_key, status)
		VALUES ($1, $2, $3, $4, 'writing')
		RETURNING id
	`, int32(shard), day.UTC().Format("2006-01-02"), bucket, key).Scan(&id)
	return id, Error.Wrap(err)
}

// AddContainerProgress bumps the running counters of a writing
// container, used as a checkpoint trail.
func (db *DB) AddContainerProgress(ctx context.Context, id, files, bytes int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE des_containers
		SET file_count = file_count + $2,
			data_bytes = data_bytes + $3,
			updated_at = now()
		WHERE id = $1
	`, id, files, bytes)
	return Error.Wrap(err)
}

// MarkContainerUploaded finalizes a container row with the counts the
// writer observed.
func (db *DB) MarkContainerUploaded(ctx context.Context, id, fileCount, dataBytes, externalCount int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE des_containers
		SET status = 'uploaded',
			file_count = $2,
			data_bytes = $3,
			external_count = $4,
			updated_at = now(),
			uploaded_at = now()
		WHERE id = $1
	`, id, fileCount, dataBytes, externalCount)
	return Error.Wrap(err)
}

// MarkContainerFailed moves a container row to the failed state.
func (db *DB) MarkContainerFailed(ctx context.Context, id int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE des_containers
		SET status = 'failed', updated_at = now()
		WHERE id = $1
	`, id)
	return Error.Wrap(err)
}

// ReclaimContainerKey drops a writing or failed container row so a new
// run can reuse its key. A row in the writing state can only belong to a
// crashed holder of the same shard lease; uploaded rows are durable and
// stay untouched. Reports whether a row was removed.
func (db *DB) ReclaimContainerKey(ctx context.Context, key string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	res, err := db.db.ExecContext(ctx, `
		DELETE FROM des_containers
		WHERE s3_key = $1 AND status IN ('writing', 'failed')
	`, key)
	if err != nil {
		return false, Error.Wrap(err)
	}
	n, err := res.RowsAffected()
	return n > 0, Error.Wrap(err)
}

// SetContainerFileCount overwrites a container's file count, used when
// the container footer disagrees with the row.
func (db *DB) SetContainerFileCount(ctx context.Context, id, fileCount int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE des_containers
		SET file_count = $2, updated_at = now()
		WHERE id = $1
	`, id, fileCount)
	return Error.Wrap(err)
}

const containerColumns = `
	id, shard_id, day, s3_bucket, s3_key, status,
	file_count, data_bytes, external_count,
	created_at, updated_at, uploaded_at`

func scanContainer(row interface{ Scan(...any) error }) (Container, error) {
	var c Container
	var shard int32
	err := row.Scan(&c.ID, &shard, &c.Day, &c.Bucket, &c.Key, &c.Status,
		&c.FileCount, &c.DataBytes, &c.ExternalCount,
		&c.CreatedAt, &c.UpdatedAt, &c.UploadedAt)
	c.ShardID = uint32(shard)
	return c, err
}

// GetContainer fetches one container row.
func (db *DB) GetContainer(ctx context.Context, id int64) (_ Container, err error) {
	defer mon.Task()(&ctx)(&err)

	c, err := scanContainer(db.db.QueryRowContext(ctx,
		`SELECT `+containerColumns+` FROM des_containers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Container{}, ErrContainerNotFound
	}
	return c, Error.Wrap(err)
}

// ListContainers returns containers in a status, newest first.
func (db *DB) ListContainers(ctx context.Context, status string, limit int) (_ []Container, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT `+containerColumns+`
		FROM des_containers
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Close())) }()

	var out []Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, c)
	}
	return out, Error.Wrap(rows.Err())
}

// StaleWritingContainers returns containers stuck in the writing state
// since before the cutoff.
func (db *DB) StaleWritingContainers(ctx context.Context, olderThan time.Time) (_ []Container, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT `+containerColumns+`
		FROM des_containers
		WHERE status = 'writing' AND updated_at < $1
		ORDER BY updated_at
	`, olderThan.UTC())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Close())) }()

	var out []Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, c)
	}
	return out, Error.Wrap(rows.Err())
}

// DeleteContainer removes a container row, used for empty aborted
// containers that never reached the store.
func (db *DB) DeleteContainer(ctx context.Context, id int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `DELETE FROM des_containers WHERE id = $1`, id)
	return Error.Wrap(err)
}
