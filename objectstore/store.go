// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package objectstore abstracts the S3-compatible store the containers
// and their side objects live in.
package objectstore

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the objectstore package.
	Error = errs.Class("objectstore")
	// ErrObjectNotFound means the key does not exist in the bucket.
	ErrObjectNotFound = errs.Class("object not found")
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Store is the object-store surface the rest of the system needs.
type Store interface {
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	GetRange(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error)
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64) (ObjectInfo, error)
	PutFile(ctx context.Context, bucket, key, path string) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string, fn func(ObjectInfo) error) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

// IsTransient reports whether err looks like a retryable store failure:
// throttling, server-side 5xx, or a network timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	switch resp.StatusCode {
	case 429, 500, 502, 503, 504:
		return true
	}
	switch resp.Code {
	case "RequestTimeout", "SlowDown", "TooManyRequests", "InternalError", "ServiceUnavailable":
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
