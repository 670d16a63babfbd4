// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package retriever serves archived objects over HTTP by resolving names
// to their daily shard containers.
package retriever

import (
	"container/list"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/datavision-io/des/des"
	"github.com/datavision-io/des/des/cache"
	"github.com/datavision-io/des/internal/promexp"
	"github.com/datavision-io/des/objectstore"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the retriever package.
	Error = errs.Class("retriever")
)

// Config configures the retriever peer.
type Config struct {
	Address         string        `help:"address to listen on" default:":8001"`
	Bucket          string        `help:"bucket holding the containers" default:""`
	Prefix          string        `help:"key prefix of the containers" default:"des"`
	ShardBits       int           `help:"width of the shard space in bits (1-32)" default:"8"`
	MaxGapSize      int64         `help:"batch read coalescing limit, bytes" default:"1048576"`
	ReaderCacheSize int           `help:"open container readers kept per process" default:"64"`
	ShutdownTimeout time.Duration `help:"graceful shutdown limit" default:"10s"`

	Cache CacheConfig
}

// CacheConfig selects the shared index cache backend.
type CacheConfig struct {
	Backend    string        `help:"index cache backend: memory, redis or none" default:"memory"`
	TTL        time.Duration `help:"index cache entry lifetime" default:"1h"`
	MaxEntries int           `help:"memory backend capacity, in indexes" default:"1024"`
	RedisURL   string        `help:"redis backend url" default:""`
}

// NewCache builds the index cache backend named by the config.
func NewCache(ctx context.Context, log *zap.Logger, config CacheConfig) (cache.Backend, error) {
	switch config.Backend {
	case "", "none":
		return cache.Null{}, nil
	case "memory":
		return cache.NewMemory(config.MaxEntries, config.TTL), nil
	case "redis":
		return cache.NewRedis(ctx, log, config.RedisURL, config.TTL)
	default:
		return nil, Error.New("unknown cache backend %q", config.Backend)
	}
}

// Peer is the retriever service: an HTTP listener over an object store
// and an index cache.
type Peer struct {
	Log    *zap.Logger
	Config Config

	store objectstore.Store
	cache cache.Backend

	Listener net.Listener
	Server   *http.Server

	readers readerCache
}

// New creates the peer and binds its listener.
func New(log *zap.Logger, store objectstore.Store, indexCache cache.Backend, config Config) (*Peer, error) {
	peer := &Peer{
		Log:    log,
		Config: config,
		store:  store,
		cache:  indexCache,
	}
	peer.readers.init(config.ReaderCacheSize)

	router := mux.NewRouter()
	router.HandleFunc("/files/{name}", peer.handleGetFile).Methods(http.MethodGet)
	router.HandleFunc("/files/{name}", peer.handleHeadFile).Methods(http.MethodHead)
	router.HandleFunc("/files/{name}/meta", peer.handleGetMeta).Methods(http.MethodGet)
	router.HandleFunc("/containers/{day}/{shard}/stats", peer.handleContainerStats).Methods(http.MethodGet)
	router.HandleFunc("/health", peer.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", peer.handleReady).Methods(http.MethodGet)
	router.Handle("/metrics", promexp.Handler()).Methods(http.MethodGet)

	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	peer.Listener = listener
	peer.Server = &http.Server{Handler: router}
	return peer, nil
}

// Addr returns the bound listen address.
func (peer *Peer) Addr() string { return peer.Listener.Addr().String() }

// Run serves requests until the context is canceled.
func (peer *Peer) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), peer.Config.ShutdownTimeout)
		defer cancel()
		return peer.Server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		peer.Log.Info("retriever listening", zap.String("address", peer.Addr()))
		err := peer.Server.Serve(peer.Listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close releases the listener and the cache backend.
func (peer *Peer) Close() error {
	return errs.Combine(
		peer.Server.Close(),
		peer.cache.Close(),
	)
}

// readerCache is a small LRU of open container readers. Containers are
// immutable once uploaded, so entries never go stale; the bound only
// caps memory.
type readerCache struct {
	mu    sync.Mutex
	max   int
	order *list.List
	items map[string]*list.Element
}

type readerItem struct {
	key    string
	reader *des.Reader
}

func (rc *readerCache) init(max int) {
	if max <= 0 {
		max = 64
	}
	rc.max = max
	rc.order = list.New()
	rc.items = map[string]*list.Element{}
}

func (rc *readerCache) get(key string) (*des.Reader, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	elem, ok := rc.items[key]
	if !ok {
		return nil, false
	}
	rc.order.MoveToFront(elem)
	return elem.Value.(*readerItem).reader, true
}

func (rc *readerCache) put(key string, reader *des.Reader) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, ok := rc.items[key]; ok {
		return
	}
	rc.items[key] = rc.order.PushFront(&readerItem{key: key, reader: reader})
	for rc.order.Len() > rc.max {
		oldest := rc.order.Back()
		rc.order.Remove(oldest)
		delete(rc.items, oldest.Value.(*readerItem).key)
	}
}

// readerFor opens (or reuses) the reader of the container a key points
// at.
func (peer *Peer) readerFor(ctx context.Context, containerKey string) (*des.Reader, error) {
	if reader, ok := peer.readers.get(containerKey); ok {
		return reader, nil
	}
	src, err := objectstore.NewRangeReader(ctx, peer.store, peer.Config.Bucket, containerKey)
	if err != nil {
		return nil, err
	}
	reader, err := des.NewReader(ctx, src, des.ReaderOptions{Cache: peer.cache})
	if err != nil {
		return nil, err
	}
	peer.readers.put(containerKey, reader)
	return reader, nil
}
