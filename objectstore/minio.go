// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package objectstore

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Config holds S3-compatible endpoint settings.
type Config struct {
	Endpoint  string `help:"S3 endpoint host:port" default:""`
	AccessKey string `help:"S3 access key" default:""`
	SecretKey string `help:"S3 secret key" default:""`
	UseSSL    bool   `help:"use TLS towards the S3 endpoint" default:"true"`
	Region    string `help:"S3 region" default:""`
}

// Minio is a Store backed by any S3-compatible service.
type Minio struct {
	log    *zap.Logger
	client *minio.Client
}

// New dials an S3-compatible endpoint.
func New(log *zap.Logger, config Config) (*Minio, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Minio{log: log, client: client}, nil
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == 404 || resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return ErrObjectNotFound.Wrap(err)
	}
	return Error.Wrap(err)
}

// Stat implements Store.
func (m *Minio) Stat(ctx context.Context, bucket, key string) (_ ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	info, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, wrap(err)
	}
	return ObjectInfo{Key: info.Key, Size: info.Size, ETag: info.ETag, LastModified: info.LastModified}, nil
}

// Get implements Store.
func (m *Minio) Get(ctx context.Context, bucket, key string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrap(err)
	}
	defer func() { _ = obj.Close() }()
	data, err := io.ReadAll(obj)
	return data, wrap(err)
}

// GetRange implements Store.
func (m *Minio) GetRange(ctx context.Context, bucket, key string, offset, length int64) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, Error.Wrap(err)
	}
	obj, err := m.client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, wrap(err)
	}
	defer func() { _ = obj.Close() }()
	data, err := io.ReadAll(obj)
	return data, wrap(err)
}

// Put implements Store.
func (m *Minio) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) (_ ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	info, err := m.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return ObjectInfo{}, wrap(err)
	}
	return ObjectInfo{Key: info.Key, Size: info.Size, ETag: info.ETag}, nil
}

// PutFile implements Store.
func (m *Minio) PutFile(ctx context.Context, bucket, key, path string) (_ ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	info, err := m.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return ObjectInfo{}, wrap(err)
	}
	return ObjectInfo{Key: info.Key, Size: info.Size, ETag: info.ETag}, nil
}

// Delete implements Store.
func (m *Minio) Delete(ctx context.Context, bucket, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return wrap(m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}))
}

// List implements Store. fn is called for every object under prefix;
// returning an error stops the listing.
func (m *Minio) List(ctx context.Context, bucket, prefix string, fn func(ObjectInfo) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	for info := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return wrap(info.Err)
		}
		err := fn(ObjectInfo{Key: info.Key, Size: info.Size, ETag: info.ETag, LastModified: info.LastModified})
		if err != nil {
			return err
		}
	}
	return nil
}

// BucketExists implements Store.
func (m *Minio) BucketExists(ctx context.Context, bucket string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	ok, err := m.client.BucketExists(ctx, bucket)
	return ok, Error.Wrap(err)
}
