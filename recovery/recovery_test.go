// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package recovery_test

import (
	"path"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/datavision-io/des/assignment"
	"github.com/datavision-io/des/des"
	"github.com/datavision-io/des/internal/testcontext"
	"github.com/datavision-io/des/internal/testrand"
	"github.com/datavision-io/des/metabase"
	"github.com/datavision-io/des/metabase/metabasetest"
	"github.com/datavision-io/des/objectstore/teststore"
	"github.com/datavision-io/des/recovery"
)

const bucket = "archive"

func newManager(t *testing.T, db *metabase.DB, store *teststore.Client, tweak func(*recovery.Config)) *recovery.Manager {
	config := recovery.Config{
		ClaimTimeout: time.Hour,
		StaleWriting: time.Hour,
		Interval:     time.Hour,
		VerifyWindow: 25,
	}
	if tweak != nil {
		tweak(&config)
	}
	return recovery.New(zaptest.NewLogger(t), db, store, config)
}

// uploadContainer builds a valid n-file container and uploads it at key.
func uploadContainer(ctx *testcontext.Context, t *testing.T, store *teststore.Client, key string, n int) {
	gen := assignment.MustGenerator(assignment.GeneratorOptions{Prefix: "DES"})
	local := ctx.File("containers", path.Base(key))
	w, err := des.NewWriter(local, des.WriterOptions{})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, w.Add(ctx, gen.Next(), testrand.BytesN(64), nil))
	}
	require.NoError(t, w.Close(ctx))
	_, err = store.PutFile(ctx, bucket, key, local)
	require.NoError(t, err)
}

func TestRecoverStaleClaims(t *testing.T) {
	metabasetest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *metabase.DB) {
		store := teststore.New(bucket)

		require.NoError(t, db.InsertSourceFiles(ctx, []metabase.SourceFile{
			{SourceBucket: "ingest", SourceKey: "a", SizeBytes: 1},
			{SourceBucket: "ingest", SourceKey: "b", SizeBytes: 1},
		}))
		gen := assignment.MustGenerator(assignment.GeneratorOptions{Prefix: "DES"})
		marked, err := db.MarkNextBatch(ctx, 2, 0, func(f metabase.SourceFile) metabase.SourceMark {
			name := gen.Next()
			return metabase.SourceMark{
				ID:    f.ID,
				Name:  name,
				Hash:  assignment.HashHex(name),
				Shard: assignment.ShardID(name, 8),
			}
		})
		require.NoError(t, err)
		for _, f := range marked {
			_, err := db.ClaimForPacking(ctx, f.Shard, "dead-pod", 10)
			require.NoError(t, err)
		}

		// fresh claims survive a sweep
		m := newManager(t, db, store, nil)
		require.NoError(t, m.RunOnce(ctx))
		stats, err := db.CatalogStats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, stats[metabase.StatusClaimed])

		// with everything past the cutoff the claims come back
		m = newManager(t, db, store, func(config *recovery.Config) {
			config.ClaimTimeout = -time.Second
		})
		require.NoError(t, m.RunOnce(ctx))
		stats, err = db.CatalogStats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, stats[metabase.StatusMarked])
		assert.EqualValues(t, 0, stats[metabase.StatusClaimed])
	})
}

func TestCleanupPartialContainers(t *testing.T) {
	metabasetest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *metabase.DB) {
		store := teststore.New(bucket)
		day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

		// the upload finished but the row update was lost
		finishedKey := "des/2026-01-15/shard_01.des"
		finished, err := db.CreateContainer(ctx, 1, day, bucket, finishedKey)
		require.NoError(t, err)
		uploadContainer(ctx, t, store, finishedKey, 3)

		// the upload never happened
		abandonedKey := "des/2026-01-15/shard_02.des"
		abandoned, err := db.CreateContainer(ctx, 2, day, bucket, abandonedKey)
		require.NoError(t, err)

		m := newManager(t, db, store, func(config *recovery.Config) {
			config.StaleWriting = -time.Second
			config.CleanupOrphans = true
		})
		require.NoError(t, m.RunOnce(ctx))

		c, err := db.GetContainer(ctx, finished)
		require.NoError(t, err)
		assert.Equal(t, metabase.ContainerUploaded, c.Status)
		assert.EqualValues(t, 3, c.FileCount, "file count comes from the footer")

		c, err = db.GetContainer(ctx, abandoned)
		require.NoError(t, err)
		assert.Equal(t, metabase.ContainerFailed, c.Status)
	})
}

func TestReleaseExpiredLocks(t *testing.T) {
	metabasetest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *metabase.DB) {
		store := teststore.New(bucket)

		ok, err := db.TryAcquireLock(ctx, 1, "dead-pod", -time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = db.TryAcquireLock(ctx, 2, "live-pod", time.Hour)
		require.NoError(t, err)
		require.True(t, ok)

		m := newManager(t, db, store, nil)
		require.NoError(t, m.RunOnce(ctx))

		stats, err := db.GetLockStats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, stats.Held)
		assert.EqualValues(t, 0, stats.Expired)

		// the expired shard is free again
		ok, err = db.TryAcquireLock(ctx, 1, "live-pod", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestVerifyContainerIntegrity(t *testing.T) {
	metabasetest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *metabase.DB) {
		store := teststore.New(bucket)
		day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

		key := "des/2026-01-15/shard_03.des"
		id, err := db.CreateContainer(ctx, 3, day, bucket, key)
		require.NoError(t, err)
		uploadContainer(ctx, t, store, key, 3)

		// the row finalized with a drifted count
		require.NoError(t, db.MarkContainerUploaded(ctx, id, 99, 192, 0))

		m := newManager(t, db, store, nil)
		require.NoError(t, m.RunOnce(ctx))

		c, err := db.GetContainer(ctx, id)
		require.NoError(t, err)
		assert.EqualValues(t, 3, c.FileCount, "fixed from the footer")
	})
}

func TestVerifyContainerIntegrityMissingObject(t *testing.T) {
	metabasetest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *metabase.DB) {
		store := teststore.New(bucket)
		day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

		// uploaded in the catalog, but the store has no such object
		missing, err := db.CreateContainer(ctx, 4, day, bucket, "des/2026-01-15/shard_04.des")
		require.NoError(t, err)
		require.NoError(t, db.MarkContainerUploaded(ctx, missing, 3, 192, 0))

		// uploaded, but the object is not a valid container
		corruptKey := "des/2026-01-15/shard_05.des"
		corrupt, err := db.CreateContainer(ctx, 5, day, bucket, corruptKey)
		require.NoError(t, err)
		_, err = store.Put(ctx, bucket, corruptKey, strings.NewReader("not a container"), 15)
		require.NoError(t, err)
		require.NoError(t, db.MarkContainerUploaded(ctx, corrupt, 3, 192, 0))

		m := newManager(t, db, store, nil)
		require.NoError(t, m.RunOnce(ctx))

		c, err := db.GetContainer(ctx, missing)
		require.NoError(t, err)
		assert.Equal(t, metabase.ContainerFailed, c.Status)

		c, err = db.GetContainer(ctx, corrupt)
		require.NoError(t, err)
		assert.Equal(t, metabase.ContainerFailed, c.Status)
	})
}
