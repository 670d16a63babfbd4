// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package packer

import (
	"context"

	"github.com/datavision-io/des/metabase"
	"github.com/datavision-io/des/objectstore"
)

// SourceObject is one object waiting to be packed into a container. Name
// is the archive name assigned at marking time; its hash already placed
// the object in the shard it was claimed from.
type SourceObject struct {
	ID     int64
	Bucket string
	Key    string
	Name   string
	Size   int64
}

// SourceProvider supplies claimable source objects and records their
// fate. Implementations must make Claim atomic so that concurrent
// packers never receive the same object.
type SourceProvider interface {
	Claim(ctx context.Context, shard uint32, holder string, limit int) ([]SourceObject, error)
	Fetch(ctx context.Context, obj SourceObject) ([]byte, error)
	MarkPacked(ctx context.Context, ids []int64, containerID int64) error
	MarkFailed(ctx context.Context, ids []int64, msg string) error
}

// CatalogProvider sources objects from the metabase catalog and fetches
// their payloads from the object store.
type CatalogProvider struct {
	db    *metabase.DB
	store objectstore.Store
}

// NewCatalogProvider wires the catalog-backed provider.
func NewCatalogProvider(db *metabase.DB, store objectstore.Store) *CatalogProvider {
	return &CatalogProvider{db: db, store: store}
}

// Claim implements SourceProvider.
func (p *CatalogProvider) Claim(ctx context.Context, shard uint32, holder string, limit int) ([]SourceObject, error) {
	files, err := p.db.ClaimForPacking(ctx, shard, holder, limit)
	if err != nil {
		return nil, err
	}
	objects := make([]SourceObject, len(files))
	for i, f := range files {
		objects[i] = SourceObject{
			ID:     f.ID,
			Bucket: f.SourceBucket,
			Key:    f.SourceKey,
			Name:   f.Name,
			Size:   f.SizeBytes,
		}
	}
	return objects, nil
}

// Fetch implements SourceProvider.
func (p *CatalogProvider) Fetch(ctx context.Context, obj SourceObject) ([]byte, error) {
	return p.store.Get(ctx, obj.Bucket, obj.Key)
}

// MarkPacked implements SourceProvider.
func (p *CatalogProvider) MarkPacked(ctx context.Context, ids []int64, containerID int64) error {
	return p.db.MarkPacked(ctx, ids, containerID)
}

// MarkFailed implements SourceProvider.
func (p *CatalogProvider) MarkFailed(ctx context.Context, ids []int64, msg string) error {
	return p.db.MarkSourceFailed(ctx, ids, msg)
}
