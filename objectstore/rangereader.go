// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package objectstore

import (
	"context"
	"path"
)

// ObjectRangeReader serves a stored container through range GETs. It
// satisfies the range reader contract of the des package: one HEAD at
// construction, a range GET per read, and side objects resolved under
// the container's _bigFiles sibling prefix.
type ObjectRangeReader struct {
	store  Store
	bucket string
	key    string
	size   int64
	etag   string
}

// NewRangeReader stats bucket/key and returns a reader over it.
func NewRangeReader(ctx context.Context, store Store, bucket, key string) (_ *ObjectRangeReader, err error) {
	defer mon.Task()(&ctx)(&err)

	info, err := store.Stat(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return &ObjectRangeReader{
		store:  store,
		bucket: bucket,
		key:    key,
		size:   info.Size,
		etag:   info.ETag,
	}, nil
}

// Size returns the object size learned from the initial stat.
func (r *ObjectRangeReader) Size() int64 { return r.size }

// Identity names the exact object generation this reader serves.
func (r *ObjectRangeReader) Identity() string {
	return r.bucket + "/" + r.key + "@" + r.etag
}

// ReadRange fetches one byte range of the container.
func (r *ObjectRangeReader) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	return r.store.GetRange(ctx, r.bucket, r.key, offset, length)
}

// ReadExternal fetches a side object stored next to the container.
func (r *ObjectRangeReader) ReadExternal(ctx context.Context, name string) ([]byte, error) {
	externalKey := path.Join(path.Dir(r.key), "_bigFiles", name)
	return r.store.Get(ctx, r.bucket, externalKey)
}
