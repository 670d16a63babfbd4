// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package marker_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/datavision-io/des/assignment"
	"github.com/datavision-io/des/internal/testcontext"
	"github.com/datavision-io/des/marker"
	"github.com/datavision-io/des/metabase"
	"github.com/datavision-io/des/metabase/metabasetest"
)

func seed(ctx *testcontext.Context, t *testing.T, db *metabase.DB, n int) {
	files := make([]metabase.SourceFile, 0, n)
	for i := 0; i < n; i++ {
		files = append(files, metabase.SourceFile{
			SourceBucket: "ingest",
			SourceKey:    fmt.Sprintf("incoming/file-%04d", i),
			SizeBytes:    int64(i),
		})
	}
	require.NoError(t, db.InsertSourceFiles(ctx, files))
}

// claimAll drains every shard of the catalog, returning all rows that
// were in the marked state.
func claimAll(ctx *testcontext.Context, t *testing.T, db *metabase.DB, bits int) []metabase.SourceFile {
	var out []metabase.SourceFile
	for shard := 0; shard < assignment.NumShards(bits); shard++ {
		claimed, err := db.ClaimForPacking(ctx, uint32(shard), "verify", 1000)
		require.NoError(t, err)
		out = append(out, claimed...)
	}
	return out
}

func TestMarkerDrainsCatalog(t *testing.T) {
	metabasetest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *metabase.DB) {
		seed(ctx, t, db, 25)

		worker, err := marker.New(zaptest.NewLogger(t), db, marker.Config{
			BatchSize:     10,
			RatePerSecond: 10000,
			MaxRetries:    2,
			RetryBackoff:  time.Millisecond,
			Interval:      time.Hour,
			ShardBits:     4,
			NamePrefix:    "DES",
			NodeID:        9,
		})
		require.NoError(t, err)

		done := make(chan struct{})
		ctx.Go(func() error {
			defer close(done)
			return worker.Run(ctx)
		})

		deadline := time.Now().Add(30 * time.Second)
		for {
			stats, err := db.CatalogStats(ctx)
			require.NoError(t, err)
			if stats[metabase.StatusPending] == 0 && stats[metabase.StatusMarked] == 25 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("catalog not drained, stats %v", stats)
			}
			worker.Loop.Trigger()
			time.Sleep(50 * time.Millisecond)
		}

		require.NoError(t, worker.Close())
		<-done

		// every row got a unique generated name, and hash and shard are
		// derived from that name
		marked := claimAll(ctx, t, db, 4)
		require.Len(t, marked, 25)
		seen := map[string]bool{}
		for _, f := range marked {
			require.NoError(t, assignment.Verify(f.Name))
			assert.False(t, seen[f.Name], "duplicate name %q", f.Name)
			seen[f.Name] = true
			assert.Equal(t, assignment.HashHex(f.Name), f.Hash)
			assert.Equal(t, assignment.ShardID(f.Name, 4), f.Shard)
		}
	})
}

func TestMarkerIdempotentRemark(t *testing.T) {
	metabasetest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *metabase.DB) {
		seed(ctx, t, db, 3)

		gen := assignment.MustGenerator(assignment.GeneratorOptions{Prefix: "DES", NodeID: 7})
		byID := map[int64]metabase.SourceMark{}
		assign := func(f metabase.SourceFile) metabase.SourceMark {
			name := gen.Next()
			m := metabase.SourceMark{
				ID:    f.ID,
				Name:  name,
				Hash:  assignment.HashHex(name),
				Shard: assignment.ShardID(name, 8),
			}
			byID[f.ID] = m
			return m
		}
		first, err := db.MarkNextBatch(ctx, 3, 0, assign)
		require.NoError(t, err)
		require.Len(t, first, 3)

		// re-applying the same marks leaves the rows unchanged
		var marks []metabase.SourceMark
		for _, f := range first {
			marks = append(marks, byID[f.ID])
		}
		require.NoError(t, db.MarkSourceFiles(ctx, marks))

		again, err := db.ClaimForPacking(ctx, first[0].Shard, "verify", 10)
		require.NoError(t, err)
		require.NotEmpty(t, again)
		for _, f := range again {
			want := byID[f.ID]
			assert.Equal(t, want.Name, f.Name)
			assert.Equal(t, want.Hash, f.Hash)
			assert.Equal(t, want.Shard, f.Shard)
		}
	})
}
