// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package metabase_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datavision-io/des/assignment"
	"github.com/datavision-io/des/internal/testcontext"
	"github.com/datavision-io/des/metabase"
	"github.com/datavision-io/des/metabase/metabasetest"
)

func seedCatalog(ctx *testcontext.Context, t *testing.T, db *metabase.DB, n int) {
	files := make([]metabase.SourceFile, 0, n)
	for i := 0; i < n; i++ {
		files = append(files, metabase.SourceFile{
			SourceBucket: "ingest",
			SourceKey:    fmt.Sprintf("incoming/file-%04d", i),
			SizeBytes:    int64(100 + i),
		})
	}
	require.NoError(t, db.InsertSourceFiles(ctx, files))
}

var markGen = assignment.MustGenerator(assignment.GeneratorOptions{Prefix: "DES", NodeID: 1})

func assignMark(f metabase.SourceFile) metabase.SourceMark {
	name := markGen.Next()
	return metabase.SourceMark{
		ID:    f.ID,
		Name:  name,
		Hash:  assignment.HashHex(name),
		Shard: assignment.ShardID(name, 8),
	}
}

func TestMarkNextBatch(t *testing.T) {
	metabasetest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *metabase.DB) {
		seedCatalog(ctx, t, db, 10)

		marked, err := db.MarkNextBatch(ctx, 6, 0, assignMark)
		require.NoError(t, err)
		require.Len(t, marked, 6)
		for _, f := range marked {
			assert.Equal(t, metabase.StatusMarked, f.Status)
			require.NoError(t, assignment.Verify(f.Name))
			assert.Equal(t, assignment.HashHex(f.Name), f.Hash)
			assert.Equal(t, assignment.ShardID(f.Name, 8), f.Shard)
		}

		stats, err := db.CatalogStats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 6, stats[metabase.StatusMarked])
		assert.EqualValues(t, 4, stats[metabase.StatusPending])

		// the next batch picks up the remainder
		marked, err = db.MarkNextBatch(ctx, 6, 0, assignMark)
		require.NoError(t, err)
		assert.Len(t, marked, 4)

		marked, err = db.MarkNextBatch(ctx, 6, 0, assignMark)
		require.NoError(t, err)
		assert.Empty(t, marked)
	})
}

func TestMarkNextBatchMaxAge(t *testing.T) {
	metabasetest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *metabase.DB) {
		seedCatalog(ctx, t, db, 5)

		// freshly ingested rows are younger than the cutoff
		marked, err := db.MarkNextBatch(ctx, 10, time.Hour, assignMark)
		require.NoError(t, err)
		assert.Empty(t, marked)

		pending, err := db.PendingSourceFiles(ctx, 10, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, pending)

		marked, err = db.MarkNextBatch(ctx, 10, 0, assignMark)
		require.NoError(t, err)
		assert.Len(t, marked, 5)
	})
}

func TestMarkSourceFilesTargetsRow(t *testing.T) {
	metabasetest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *metabase.DB) {
		seedCatalog(ctx, t, db, 3)
		pending, err := db.PendingSourceFiles(ctx, 3, 0)
		require.NoError(t, err)
		require.Len(t, pending, 3)

		// only the requested row changes state, so a failure in a
		// row-by-row pass is attributable to that exact row
		mark := assignMark(pending[1])
		require.NoError(t, db.MarkSourceFiles(ctx, []metabase.SourceMark{mark}))

		stats, err := db.CatalogStats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, stats[metabase.StatusMarked])
		assert.EqualValues(t, 2, stats[metabase.StatusPending])

		claimed, err := db.ClaimForPacking(ctx, mark.Shard, "verify", 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, pending[1].ID, claimed[0].ID)
		assert.Equal(t, mark.Name, claimed[0].Name)
	})
}

func TestPendingSourceFiles(t *testing.T) {
	metabasetest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *metabase.DB) {
		seedCatalog(ctx, t, db, 5)

		pending, err := db.PendingSourceFiles(ctx, 3, 0)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, "incoming/file-0000", pending[0].SourceKey)
		assert.Equal(t, metabase.StatusPending, pending[0].Status)
	})
}

func TestClaimForPacking(t *testing.T) {
	metabasetest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *metabase.DB) {
		seedCatalog(ctx, t, db, 20)
		marked, err := db.MarkNextBatch(ctx, 20, 0, assignMark)
		require.NoError(t, err)
		require.Len(t, marked, 20)

		perShard := map[uint32]int{}
		for _, f := range marked {
			perShard[f.Shard]++
		}

		for shard, want := range perShard {
			claimed, err := db.ClaimForPacking(ctx, shard, "pod-a", 100)
			require.NoError(t, err)
			require.Len(t, claimed, want, "shard %d", shard)
			for _, f := range claimed {
				assert.Equal(t, metabase.StatusClaimed, f.Status)
				assert.Equal(t, shard, f.Shard)
				assert.NotEmpty(t, f.Hash)
				assert.Equal(t, assignment.HashHex(f.Name), f.Hash)
			}

			// already claimed rows are not handed out again
			again, err := db.ClaimForPacking(ctx, shard, "pod-b", 100)
			require.NoError(t, err)
			assert.Empty(t, again)
		}
	})
}

func TestMarkPackedAndFailed(t *testing.T) {
	metabasetest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *metabase.DB) {
		seedCatalog(ctx, t, db, 4)
		marked, err := db.MarkNextBatch(ctx, 4, 0, assignMark)
		require.NoError(t, err)
		require.Len(t, marked, 4)

		containerID, err := db.CreateContainer(ctx, 0, time.Now(), "archive", "des/2026-01-15/shard_00.des")
		require.NoError(t, err)

		ids := []int64{marked[0].ID, marked[1].ID}
		require.NoError(t, db.MarkPacked(ctx, ids, containerID))
		require.NoError(t, db.MarkPacked(ctx, nil, containerID), "empty batch is a no-op")

		require.NoError(t, db.MarkSourceFailed(ctx, []int64{marked[2].ID}, "fetch failed"))

		stats, err := db.CatalogStats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, stats[metabase.StatusPacked])
		assert.EqualValues(t, 1, stats[metabase.StatusFailed])
		assert.EqualValues(t, 1, stats[metabase.StatusMarked])
	})
}

func TestReleaseStaleClaims(t *testing.T) {
	metabasetest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *metabase.DB) {
		seedCatalog(ctx, t, db, 3)
		marked, err := db.MarkNextBatch(ctx, 3, 0, assignMark)
		require.NoError(t, err)

		shards := map[uint32]struct{}{}
		for _, f := range marked {
			shards[f.Shard] = struct{}{}
		}
		total := 0
		for shard := range shards {
			claimed, err := db.ClaimForPacking(ctx, shard, "pod-a", 10)
			require.NoError(t, err)
			total += len(claimed)
		}
		require.Equal(t, 3, total)

		// claims are fresh, nothing to release
		released, err := db.ReleaseStaleClaims(ctx, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, released)

		// a negative cutoff treats everything as stale
		released, err = db.ReleaseStaleClaims(ctx, -time.Second)
		require.NoError(t, err)
		assert.EqualValues(t, 3, released)

		stats, err := db.CatalogStats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 3, stats[metabase.StatusMarked])
	})
}

func TestMoveToDLQ(t *testing.T) {
	metabasetest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *metabase.DB) {
		seedCatalog(ctx, t, db, 2)
		pending, err := db.PendingSourceFiles(ctx, 2, 0)
		require.NoError(t, err)
		require.Len(t, pending, 2)

		require.NoError(t, db.MoveToDLQ(ctx, pending[0], "poison row", 3))

		count, err := db.DLQCount(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)

		stats, err := db.CatalogStats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, stats[metabase.StatusFailed])
		assert.EqualValues(t, 1, stats[metabase.StatusPending])
	})
}
