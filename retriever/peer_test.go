// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package retriever

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/datavision-io/des/assignment"
	"github.com/datavision-io/des/des"
	"github.com/datavision-io/des/des/cache"
	"github.com/datavision-io/des/internal/testcontext"
	"github.com/datavision-io/des/internal/testrand"
	"github.com/datavision-io/des/objectstore/teststore"
)

const testBucket = "archive"

func newTestPeer(t *testing.T, store *teststore.Client) *Peer {
	peer, err := New(zaptest.NewLogger(t), store, cache.NewMemory(16, time.Hour), Config{
		Address:         "127.0.0.1:0",
		Bucket:          testBucket,
		Prefix:          "des",
		ShardBits:       8,
		MaxGapSize:      des.DefaultMaxGapSize,
		ReaderCacheSize: 4,
		ShutdownTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })
	return peer
}

// uploadObject packs one object into the container its name resolves to
// and uploads the container.
func uploadObject(ctx *testcontext.Context, t *testing.T, store *teststore.Client, name string, data []byte, meta map[string]any, externalThreshold int64) string {
	key, err := assignment.ContainerKeyForName("des", name, 8)
	require.NoError(t, err)

	opts := des.WriterOptions{}
	if externalThreshold > 0 {
		opts.BigFileThreshold = externalThreshold
		opts.External = &des.ExternalConfig{
			Store:  store,
			Bucket: testBucket,
			Prefix: path.Dir(key),
		}
	}
	local := ctx.File("containers", path.Base(key))
	w, err := des.NewWriter(local, opts)
	require.NoError(t, err)
	require.NoError(t, w.Add(ctx, name, data, meta))
	require.NoError(t, w.Close(ctx))

	_, err = store.PutFile(ctx, testBucket, key, local)
	require.NoError(t, err)
	return key
}

func serve(peer *Peer, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	peer.Server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestGetFile(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New(testBucket)
	peer := newTestPeer(t, store)

	gen := assignment.MustGenerator(assignment.GeneratorOptions{})
	name := gen.Next()
	data := testrand.BytesN(2048)
	key := uploadObject(ctx, t, store, name, data, map[string]any{"origin": "ingest"}, 0)

	rec := serve(peer, http.MethodGet, "/files/"+name)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, key, rec.Header().Get("X-Des-Container"))
	assert.Equal(t, assignment.ShardHex(assignment.ShardID(name, 8), 8),
		rec.Header().Get("X-Des-Shard-Id"))
	assert.Equal(t, "2048", rec.Header().Get("X-Des-Size-Bytes"))
	assert.Equal(t, "false", rec.Header().Get("X-Des-Is-External"))

	// second request hits the cached reader
	rec = serve(peer, http.MethodGet, "/files/"+name)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetFileExternal(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New(testBucket)
	peer := newTestPeer(t, store)

	gen := assignment.MustGenerator(assignment.GeneratorOptions{})
	name := gen.Next()
	data := testrand.BytesN(4096)
	uploadObject(ctx, t, store, name, data, nil, 1024)

	rec := serve(peer, http.MethodGet, "/files/"+name)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())
	assert.Equal(t, "true", rec.Header().Get("X-Des-Is-External"))
}

func TestGetFileErrors(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New(testBucket)
	peer := newTestPeer(t, store)

	// well-formed name whose container does not exist
	rec := serve(peer, http.MethodGet, "/files/DES_20260115_(000000000000_00)")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// valid characters but no date segment
	rec = serve(peer, http.MethodGet, "/files/no-date-here")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// disallowed characters
	rec = serve(peer, http.MethodGet, "/files/bad%2Bname")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// known container, unknown member
	gen := assignment.MustGenerator(assignment.GeneratorOptions{})
	name := gen.Next()
	uploadObject(ctx, t, store, name, []byte("data"), nil, 0)
	shard := assignment.ShardID(name, 8)
	missing := ""
	for i := 0; i < 10000; i++ {
		candidate := gen.Next()
		if assignment.ShardID(candidate, 8) == shard {
			missing = candidate
			break
		}
	}
	require.NotEmpty(t, missing, "expected a second name in the same shard")
	rec = serve(peer, http.MethodGet, "/files/"+missing)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetFileStoreUnavailable(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New(testBucket)
	peer := newTestPeer(t, store)

	gen := assignment.MustGenerator(assignment.GeneratorOptions{})
	name := gen.Next()
	uploadObject(ctx, t, store, name, testrand.BytesN(256), nil, 0)

	// a backend failure is the server's problem, not the client's
	store.ForceError(errs.New("backend down"), 1)
	rec := serve(peer, http.MethodGet, "/files/"+name)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// once the store recovers the same request succeeds
	rec = serve(peer, http.MethodGet, "/files/"+name)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetMeta(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New(testBucket)
	peer := newTestPeer(t, store)

	gen := assignment.MustGenerator(assignment.GeneratorOptions{})
	name := gen.Next()
	uploadObject(ctx, t, store, name, []byte("data"), map[string]any{
		"source_bucket": "ingest",
		"source_key":    "a/b/c",
	}, 0)

	rec := serve(peer, http.MethodGet, "/files/"+name+"/meta")
	require.Equal(t, http.StatusOK, rec.Code)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, "ingest", meta["source_bucket"])
	assert.Equal(t, "a/b/c", meta["source_key"])
}

func TestHeadFile(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New(testBucket)
	peer := newTestPeer(t, store)

	gen := assignment.MustGenerator(assignment.GeneratorOptions{})
	name := gen.Next()
	uploadObject(ctx, t, store, name, testrand.BytesN(512), nil, 0)

	rec := serve(peer, http.MethodHead, "/files/"+name)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "512", rec.Header().Get("Content-Length"))
	assert.Equal(t, "512", rec.Header().Get("X-Des-Size-Bytes"))
	assert.Empty(t, rec.Body.Bytes())

	rec = serve(peer, http.MethodHead, "/files/DES_20260115_(000000000000_00)")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContainerStats(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New(testBucket)
	peer := newTestPeer(t, store)

	gen := assignment.MustGenerator(assignment.GeneratorOptions{})
	name := gen.Next()
	uploadObject(ctx, t, store, name, testrand.BytesN(100), nil, 0)

	day, err := assignment.ParseDay(name)
	require.NoError(t, err)
	shard := assignment.ShardHex(assignment.ShardID(name, 8), 8)

	rec := serve(peer, http.MethodGet, "/containers/"+day.Format("2006-01-02")+"/"+shard+"/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats des.ReaderStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats.TotalFiles)
	assert.EqualValues(t, 100, stats.InternalBytes)

	rec = serve(peer, http.MethodGet, "/containers/not-a-day/00/stats")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(peer, http.MethodGet, "/containers/2026-01-15/zzz/stats")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// in range but absent
	rec = serve(peer, http.MethodGet, "/containers/1999-01-01/00/stats")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReady(t *testing.T) {
	store := teststore.New(testBucket)
	peer := newTestPeer(t, store)

	rec := serve(peer, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(peer, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	missing := teststore.New("other-bucket")
	peer2 := newTestPeer(t, missing)
	rec = serve(peer2, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewCacheBackends(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	log := zaptest.NewLogger(t)

	backend, err := NewCache(ctx, log, CacheConfig{Backend: "none"})
	require.NoError(t, err)
	assert.IsType(t, cache.Null{}, backend)

	backend, err = NewCache(ctx, log, CacheConfig{Backend: "memory", MaxEntries: 8, TTL: time.Minute})
	require.NoError(t, err)
	assert.IsType(t, &cache.Memory{}, backend)

	_, err = NewCache(ctx, log, CacheConfig{Backend: "bogus"})
	assert.True(t, Error.Has(err), "%v", err)
}
