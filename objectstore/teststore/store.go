// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package teststore implements an in-memory object store for tests.
package teststore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/errs"

	"github.com/datavision-io/des/objectstore"
)

// Client is an in-memory objectstore.Store. The zero value is not usable,
// call New.
type Client struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte

	// forcedError, when set, is returned by the next forcedErrorCalls
	// operations and then cleared. Used to exercise retry paths.
	forcedError      error
	forcedErrorCalls int

	// CallCount tracks operations by name.
	CallCount map[string]int
}

// New returns an empty store with the given buckets created.
func New(buckets ...string) *Client {
	c := &Client{
		buckets:   map[string]map[string][]byte{},
		CallCount: map[string]int{},
	}
	for _, b := range buckets {
		c.buckets[b] = map[string][]byte{}
	}
	return c
}

// ForceError makes the next calls operations fail with err.
func (c *Client) ForceError(err error, calls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forcedError, c.forcedErrorCalls = err, calls
}

func (c *Client) step(op string) error {
	c.CallCount[op]++
	if c.forcedErrorCalls > 0 {
		c.forcedErrorCalls--
		err := c.forcedError
		if c.forcedErrorCalls == 0 {
			c.forcedError = nil
		}
		return err
	}
	return nil
}

func (c *Client) object(bucket, key string) ([]byte, error) {
	objects, ok := c.buckets[bucket]
	if !ok {
		return nil, objectstore.ErrObjectNotFound.New("bucket %q", bucket)
	}
	data, ok := objects[key]
	if !ok {
		return nil, objectstore.ErrObjectNotFound.New("%s/%s", bucket, key)
	}
	return data, nil
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Stat implements objectstore.Store.
func (c *Client) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.step("Stat"); err != nil {
		return objectstore.ObjectInfo{}, err
	}
	data, err := c.object(bucket, key)
	if err != nil {
		return objectstore.ObjectInfo{}, err
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(data)), ETag: etag(data)}, nil
}

// Get implements objectstore.Store.
func (c *Client) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.step("Get"); err != nil {
		return nil, err
	}
	data, err := c.object(bucket, key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// GetRange implements objectstore.Store.
func (c *Client) GetRange(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.step("GetRange"); err != nil {
		return nil, err
	}
	data, err := c.object(bucket, key)
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 || offset+length > int64(len(data)) {
		return nil, errs.New("range [%d,+%d) outside object of %d bytes", offset, length, len(data))
	}
	out := make([]byte, length)
	copy(out, data[offset:offset+length])
	return out, nil
}

// Put implements objectstore.Store.
func (c *Client) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) (objectstore.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return objectstore.ObjectInfo{}, errs.Wrap(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.step("Put"); err != nil {
		return objectstore.ObjectInfo{}, err
	}
	objects, ok := c.buckets[bucket]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrObjectNotFound.New("bucket %q", bucket)
	}
	objects[key] = data
	return objectstore.ObjectInfo{Key: key, Size: int64(len(data)), ETag: etag(data)}, nil
}

// PutFile implements objectstore.Store.
func (c *Client) PutFile(ctx context.Context, bucket, key, path string) (objectstore.ObjectInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return objectstore.ObjectInfo{}, errs.Wrap(err)
	}
	return c.Put(ctx, bucket, key, bytes.NewReader(data), int64(len(data)))
}

// Delete implements objectstore.Store.
func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.step("Delete"); err != nil {
		return err
	}
	if _, err := c.object(bucket, key); err != nil {
		return err
	}
	delete(c.buckets[bucket], key)
	return nil
}

// List implements objectstore.Store.
func (c *Client) List(ctx context.Context, bucket, prefix string, fn func(objectstore.ObjectInfo) error) error {
	c.mu.Lock()
	if err := c.step("List"); err != nil {
		c.mu.Unlock()
		return err
	}
	objects, ok := c.buckets[bucket]
	if !ok {
		c.mu.Unlock()
		return objectstore.ErrObjectNotFound.New("bucket %q", bucket)
	}
	var infos []objectstore.ObjectInfo
	for key, data := range objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, objectstore.ObjectInfo{Key: key, Size: int64(len(data)), ETag: etag(data)})
		}
	}
	c.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// BucketExists implements objectstore.Store.
func (c *Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.step("BucketExists"); err != nil {
		return false, err
	}
	_, ok := c.buckets[bucket]
	return ok, nil
}

var _ objectstore.Store = (*Client)(nil)
