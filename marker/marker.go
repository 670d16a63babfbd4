// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package marker assigns archive names, routing hashes and shard ids to
// newly ingested source catalog rows.
package marker

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/datavision-io/des/assignment"
	"github.com/datavision-io/des/internal/retry"
	"github.com/datavision-io/des/internal/sync2"
	"github.com/datavision-io/des/metabase"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the marker package.
	Error = errs.Class("marker")
)

// Config configures the marker worker.
type Config struct {
	BatchSize     int           `help:"catalog rows marked per batch" default:"500"`
	RatePerSecond float64       `help:"sustained marking rate, rows per second" default:"100"`
	MaxRetries    int           `help:"attempts per batch before rows go to the dead letter queue" default:"3"`
	RetryBackoff  time.Duration `help:"base backoff between marking retries" default:"1s"`
	Interval      time.Duration `help:"poll interval when the catalog is drained" default:"5s"`
	MaxAge        time.Duration `help:"only mark rows ingested at least this long ago" default:"0s"`
	ShardBits     int           `help:"width of the shard space in bits (1-32)" default:"8"`
	NamePrefix    string        `help:"prefix of generated archive names" default:"DES"`
	NodeID        int           `help:"node id baked into generated names (0-255)" default:"0"`
}

// Worker marks pending catalog rows: each row gets a freshly generated
// archive name, and the name's SHA-256 determines the row's hash and
// shard. The same hash later resolves the row's container, so the name
// is the single identity a packed object has. A crashed batch is simply
// redone with new names; nothing references a name before the row is
// packed.
type Worker struct {
	log     *zap.Logger
	db      *metabase.DB
	config  Config
	namegen *assignment.Generator
	limiter *rate.Limiter
	Loop    *sync2.Cycle
}

// New creates a marker worker.
func New(log *zap.Logger, db *metabase.DB, config Config) (*Worker, error) {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 100
	}
	if config.NodeID < 0 || config.NodeID > 255 {
		return nil, Error.New("node id %d out of range 0..255", config.NodeID)
	}
	namegen, err := assignment.NewGenerator(assignment.GeneratorOptions{
		Prefix: config.NamePrefix,
		NodeID: uint8(config.NodeID),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	burst := int(2 * config.RatePerSecond)
	if burst < config.BatchSize {
		burst = config.BatchSize
	}
	return &Worker{
		log:     log,
		db:      db,
		config:  config,
		namegen: namegen,
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), burst),
		Loop:    sync2.NewCycle(config.Interval),
	}, nil
}

// Run processes batches until the context is canceled.
func (worker *Worker) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return worker.Loop.Run(ctx, func(ctx context.Context) error {
		for {
			n, err := worker.processBatch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				worker.log.Error("marking batch failed", zap.Error(err))
				return nil
			}
			if n < worker.config.BatchSize {
				return nil
			}
		}
	})
}

// Close stops the processing loop.
func (worker *Worker) Close() error {
	worker.Loop.Stop()
	return nil
}

func (worker *Worker) assign(file metabase.SourceFile) metabase.SourceMark {
	name := worker.namegen.Next()
	return metabase.SourceMark{
		ID:    file.ID,
		Name:  name,
		Hash:  assignment.HashHex(name),
		Shard: assignment.ShardID(name, worker.config.ShardBits),
	}
}

// processBatch marks one batch and returns how many rows it handled.
func (worker *Worker) processBatch(ctx context.Context) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := worker.limiter.WaitN(ctx, worker.config.BatchSize); err != nil {
		return 0, err
	}

	var marked []metabase.SourceFile
	err = retry.Do(ctx, retry.Options{
		MaxAttempts: worker.config.MaxRetries,
		Base:        worker.config.RetryBackoff,
		Transient:   metabase.IsTransient,
	}, func(ctx context.Context) error {
		var err error
		marked, err = worker.db.MarkNextBatch(ctx, worker.config.BatchSize, worker.config.MaxAge, worker.assign)
		return err
	})
	if err != nil {
		// The batch kept failing; isolate poison rows one by one so a
		// single bad row cannot stall the catalog.
		return worker.markIndividually(ctx, err)
	}

	if len(marked) > 0 {
		mon.Counter("marker_batches").Inc(1)
		mon.Counter("marker_marked").Inc(int64(len(marked)))
		worker.log.Debug("marked batch", zap.Int("rows", len(marked)))
	}
	return len(marked), nil
}

// markIndividually retries rows of a failed batch one at a time and
// parks the ones that still fail in the dead letter queue.
func (worker *Worker) markIndividually(ctx context.Context, batchErr error) (int, error) {
	if ctx.Err() != nil {
		return 0, batchErr
	}
	files, err := worker.db.PendingSourceFiles(ctx, worker.config.BatchSize, worker.config.MaxAge)
	if err != nil {
		return 0, errs.Combine(batchErr, err)
	}

	var processed int
	for _, file := range files {
		file := file
		err := retry.Do(ctx, retry.Options{
			MaxAttempts: worker.config.MaxRetries,
			Base:        worker.config.RetryBackoff,
			Transient:   metabase.IsTransient,
		}, func(ctx context.Context) error {
			// mark exactly this row, so a failure is attributed to the
			// row that caused it
			return worker.db.MarkSourceFiles(ctx, []metabase.SourceMark{worker.assign(file)})
		})
		if err != nil {
			if ctx.Err() != nil {
				return processed, err
			}
			mon.Counter("marker_dlq").Inc(1)
			worker.log.Warn("moving row to dead letter queue",
				zap.Int64("catalog_id", file.ID),
				zap.String("source_key", file.SourceKey),
				zap.Error(err))
			if dlqErr := worker.db.MoveToDLQ(ctx, file, err.Error(), file.Attempts+worker.config.MaxRetries); dlqErr != nil {
				return processed, errs.Combine(err, dlqErr)
			}
			continue
		}
		processed++
	}
	return processed, nil
}
