// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package packer drains the source catalog into daily per-shard
// containers and uploads them to the object store.
package packer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/datavision-io/des/assignment"
	"github.com/datavision-io/des/des"
	"github.com/datavision-io/des/internal/retry"
	"github.com/datavision-io/des/internal/sync2"
	"github.com/datavision-io/des/metabase"
	"github.com/datavision-io/des/objectstore"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the packer package.
	Error = errs.Class("packer")
)

// Config configures a packer instance.
type Config struct {
	Shards             []string      `help:"explicit shard ids to own; empty derives them from num-pods/pod-index" default:""`
	NumPods            int           `help:"total number of packer replicas" default:"1"`
	PodIndex           int           `help:"index of this replica (0-based)" default:"0"`
	ShardBits          int           `help:"width of the shard space in bits (1-32)" default:"8"`
	BatchSize          int           `help:"source objects claimed per pass" default:"100"`
	LockTTL            time.Duration `help:"shard lease duration" default:"1m"`
	LoopInterval       time.Duration `help:"delay between packing passes" default:"10s"`
	CheckpointFiles    int           `help:"persist container progress after this many appended files" default:"1000"`
	CheckpointInterval time.Duration `help:"persist container progress after this long" default:"5m"`
	WorkDir            string        `help:"directory for containers being written" default:"/tmp/des-packer"`
	Bucket             string        `help:"destination bucket for containers" default:""`
	Prefix             string        `help:"key prefix for containers" default:"des"`
	BigFileThreshold   int64         `help:"payload size that is stored as a side object, bytes" default:"104857600"`
	UploadRetries      int           `help:"upload attempts per container" default:"5"`
	HolderID           string        `help:"lease holder identity, defaults to hostname-pid" default:""`
}

// shardState is the in-memory packing state of one owned shard while its
// lease is held.
type shardState struct {
	writer       *des.Writer
	containerID  int64
	containerKey string
	day          time.Time

	pendingIDs []int64

	// progress appended since the last checkpoint row update
	uncommittedFiles int64
	uncommittedBytes int64
	lastCheckpoint   time.Time

	heartbeat *heartbeat
}

// Packer owns a set of shards and packs their claimed source objects
// into containers. All state lives on the Run goroutine; heartbeats only
// touch their own flag.
type Packer struct {
	log      *zap.Logger
	db       *metabase.DB
	store    objectstore.Store
	provider SourceProvider
	config   Config

	shards []uint32
	holder string
	states map[uint32]*shardState

	Loop *sync2.Cycle
}

// New creates a packer. The owned shard set comes from config.Shards or,
// when empty, from the num-pods/pod-index split of the shard space.
func New(log *zap.Logger, db *metabase.DB, store objectstore.Store, provider SourceProvider, config Config) (*Packer, error) {
	if config.ShardBits < 1 || config.ShardBits > assignment.MaxShardBits {
		return nil, Error.New("shard bits %d out of range", config.ShardBits)
	}
	shards, err := ownedShards(config)
	if err != nil {
		return nil, err
	}
	holder := config.HolderID
	if holder == "" {
		hostname, _ := os.Hostname()
		holder = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	if err := os.MkdirAll(config.WorkDir, 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Packer{
		log:      log,
		db:       db,
		store:    store,
		provider: provider,
		config:   config,
		shards:   shards,
		holder:   holder,
		states:   map[uint32]*shardState{},
		Loop:     sync2.NewCycle(config.LoopInterval),
	}, nil
}

func ownedShards(config Config) ([]uint32, error) {
	total := assignment.NumShards(config.ShardBits)
	if len(config.Shards) > 0 {
		out := make([]uint32, 0, len(config.Shards))
		for _, s := range config.Shards {
			var shard uint32
			if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &shard); err != nil {
				return nil, Error.New("invalid shard id %q", s)
			}
			if int(shard) >= total {
				return nil, Error.New("shard id %d outside the %d shard space", shard, total)
			}
			out = append(out, shard)
		}
		return out, nil
	}
	if config.NumPods < 1 || config.PodIndex < 0 || config.PodIndex >= config.NumPods {
		return nil, Error.New("invalid pod split %d/%d", config.PodIndex, config.NumPods)
	}
	var out []uint32
	for s := config.PodIndex; s < total; s += config.NumPods {
		out = append(out, uint32(s))
	}
	return out, nil
}

// Shards returns the shard ids this packer owns.
func (p *Packer) Shards() []uint32 { return p.shards }

// Run packs until the context is canceled.
func (p *Packer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return p.Loop.Run(ctx, func(ctx context.Context) error {
		for _, shard := range p.shards {
			if err := p.processShard(ctx, shard); err != nil {
				if ctx.Err() != nil {
					return err
				}
				p.log.Error("shard pass failed",
					zap.Uint32("shard", shard), zap.Error(err))
			}
		}
		return nil
	})
}

// processShard runs one packing pass for a single shard.
func (p *Packer) processShard(ctx context.Context, shard uint32) (err error) {
	defer mon.Task()(&ctx)(&err)

	state, held := p.states[shard]
	if held && state.heartbeat.Lost() {
		p.log.Warn("shard lease lost, discarding open container",
			zap.Uint32("shard", shard),
			zap.Int64("container", state.containerID))
		p.discard(ctx, shard, state)
		held = false
	}

	if !held {
		ok, err := p.db.TryAcquireLock(ctx, shard, p.holder, p.config.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		state = &shardState{lastCheckpoint: time.Now()}
		state.heartbeat = p.startHeartbeat(shard)
		p.states[shard] = state
	}

	objects, err := p.provider.Claim(ctx, shard, p.holder, p.config.BatchSize)
	if err != nil {
		return err
	}

	for _, obj := range objects {
		// The name assigned at marking time pins the object to a
		// container day; the retriever recomputes the same key from the
		// name alone. Day rollover is therefore data driven: the first
		// new-day name finalizes the open container.
		day, err := assignment.ParseDay(obj.Name)
		if err != nil {
			p.log.Warn("claimed object has an unusable name",
				zap.String("key", obj.Key),
				zap.String("name", obj.Name), zap.Error(err))
			if err := p.provider.MarkFailed(ctx, []int64{obj.ID}, err.Error()); err != nil {
				return err
			}
			mon.Counter("packer_bad_name").Inc(1)
			continue
		}
		if state.writer != nil && !state.day.Equal(day) {
			if err := p.finalize(ctx, shard, state); err != nil {
				return err
			}
		}
		if state.writer == nil {
			if err := p.openContainer(ctx, shard, state, day); err != nil {
				return err
			}
		}
		data, err := p.provider.Fetch(ctx, obj)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			p.log.Warn("source fetch failed",
				zap.String("key", obj.Key), zap.Error(err))
			if err := p.provider.MarkFailed(ctx, []int64{obj.ID}, err.Error()); err != nil {
				return err
			}
			mon.Counter("packer_fetch_failed").Inc(1)
			continue
		}
		meta := map[string]any{
			"source_bucket": obj.Bucket,
			"source_key":    obj.Key,
			"size":          len(data),
			"packed_at":     time.Now().UTC().Format(time.RFC3339),
		}
		if err := state.writer.Add(ctx, obj.Name, data, meta); err != nil {
			if ctx.Err() != nil {
				return err
			}
			p.log.Warn("append failed",
				zap.String("key", obj.Key), zap.Error(err))
			if err := p.provider.MarkFailed(ctx, []int64{obj.ID}, err.Error()); err != nil {
				return err
			}
			mon.Counter("packer_append_failed").Inc(1)
			continue
		}
		state.pendingIDs = append(state.pendingIDs, obj.ID)
		state.uncommittedFiles++
		state.uncommittedBytes += int64(len(data))
		mon.Counter("packer_packed").Inc(1)
	}

	return p.checkpoint(ctx, state)
}

// checkpoint writes accumulated progress to the container row once the
// configured cadence is reached. The container stays in the writing
// state; only day rollover and shutdown finalize it.
func (p *Packer) checkpoint(ctx context.Context, state *shardState) error {
	if state.writer == nil || state.uncommittedFiles == 0 {
		return nil
	}
	if state.uncommittedFiles < int64(p.config.CheckpointFiles) &&
		time.Since(state.lastCheckpoint) < p.config.CheckpointInterval {
		return nil
	}
	if err := p.db.AddContainerProgress(ctx, state.containerID, state.uncommittedFiles, state.uncommittedBytes); err != nil {
		return err
	}
	state.uncommittedFiles, state.uncommittedBytes = 0, 0
	state.lastCheckpoint = time.Now()
	return nil
}

// openContainer creates the container row and local writer for a shard
// day. A key held by a dead row from a crashed run is reclaimed; only a
// collision with an uploaded container gets an ordinal suffix.
func (p *Packer) openContainer(ctx context.Context, shard uint32, state *shardState, day time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	base := assignment.ContainerKey(p.config.Prefix, day, shard, p.config.ShardBits)
	key := base
	var id int64
	for attempt := 0; ; attempt++ {
		id, err = p.db.CreateContainer(ctx, shard, day, p.config.Bucket, key)
		if err == nil {
			break
		}
		if !isUniqueViolation(err) || attempt > 100 {
			return err
		}
		// A dead row from a crashed run frees its key; a durably
		// uploaded container does not, so fall back to a suffixed key.
		// Suffixed containers are only reachable through the catalog.
		reclaimed, rerr := p.db.ReclaimContainerKey(ctx, key)
		if rerr != nil {
			return rerr
		}
		if !reclaimed {
			key = strings.TrimSuffix(base, ".des") + fmt.Sprintf("-%d.des", attempt+2)
		}
	}

	local := filepath.Join(p.config.WorkDir, fmt.Sprintf("container-%d.des", id))
	_ = os.Remove(local)
	writer, err := des.NewWriter(local, des.WriterOptions{
		BigFileThreshold: p.config.BigFileThreshold,
		External: &des.ExternalConfig{
			Store:  p.store,
			Bucket: p.config.Bucket,
			Prefix: keyDir(key),
		},
	})
	if err != nil {
		return errs.Combine(err, p.db.MarkContainerFailed(ctx, id))
	}

	state.writer = writer
	state.containerID = id
	state.containerKey = key
	state.day = day
	state.uncommittedFiles = 0
	state.uncommittedBytes = 0
	state.lastCheckpoint = time.Now()
	p.log.Info("opened container",
		zap.Uint32("shard", shard),
		zap.Int64("container", id),
		zap.String("key", key))
	return nil
}

// finalize closes, uploads and accounts for the open container of a
// shard. Empty containers are dropped without touching the store.
func (p *Packer) finalize(ctx context.Context, shard uint32, state *shardState) (err error) {
	defer mon.Task()(&ctx)(&err)

	if state.writer == nil {
		return nil
	}
	writer := state.writer
	stats := writer.Stats()
	externals := writer.ExternalFiles()
	id := state.containerID
	key := state.containerKey
	pendingIDs := state.pendingIDs

	reset := func() {
		state.writer = nil
		state.containerID = 0
		state.containerKey = ""
		state.pendingIDs = nil
		state.uncommittedFiles = 0
		state.uncommittedBytes = 0
		state.lastCheckpoint = time.Now()
	}

	if stats.TotalFiles == 0 {
		reset()
		return errs.Combine(writer.Abort(), p.db.DeleteContainer(ctx, id))
	}

	// On container-level failure the claimed rows are left alone: the
	// stale-claim sweep returns them to the marked state and they get
	// repacked under their existing names.
	if err := writer.Close(ctx); err != nil {
		reset()
		return errs.Combine(err,
			writer.Abort(),
			p.db.MarkContainerFailed(ctx, id))
	}

	uploadErr := retry.Do(ctx, retry.Options{
		MaxAttempts: p.config.UploadRetries,
		Base:        time.Second,
		Max:         30 * time.Second,
		Transient:   objectstore.IsTransient,
	}, func(ctx context.Context) error {
		_, err := p.store.PutFile(ctx, p.config.Bucket, key, writer.Path())
		return err
	})
	localErr := os.Remove(writer.Path())
	reset()
	if uploadErr != nil {
		// The row stays writing; the recovery sweep decides its fate
		// once it goes stale.
		mon.Counter("packer_upload_failed").Inc(1)
		return errs.Combine(uploadErr, localErr)
	}

	dataBytes := stats.InternalBytes + stats.ExternalBytes
	if err := p.db.MarkContainerUploaded(ctx, id, stats.TotalFiles, dataBytes, stats.ExternalFiles); err != nil {
		return errs.Combine(err, localErr)
	}
	if err := p.provider.MarkPacked(ctx, pendingIDs, id); err != nil {
		return errs.Combine(err, localErr)
	}
	mon.Counter("packer_containers_uploaded").Inc(1)
	p.log.Info("container uploaded",
		zap.Uint32("shard", shard),
		zap.Int64("container", id),
		zap.String("key", key),
		zap.Int64("files", stats.TotalFiles),
		zap.Int64("bytes", dataBytes),
		zap.Int("side_objects", len(externals)))
	return Error.Wrap(localErr)
}

// discard throws away the state of a shard whose lease was lost. The
// partial container is removed locally; its claimed rows go back to the
// marked state through the recovery sweep.
func (p *Packer) discard(ctx context.Context, shard uint32, state *shardState) {
	state.heartbeat.Stop()
	if state.writer != nil {
		if err := state.writer.Abort(); err != nil {
			p.log.Warn("aborting container failed", zap.Error(err))
		}
		if err := p.db.MarkContainerFailed(ctx, state.containerID); err != nil {
			p.log.Warn("marking container failed", zap.Error(err))
		}
	}
	delete(p.states, shard)
	mon.Counter("packer_lease_lost").Inc(1)
}

// Close finalizes open containers, stops heartbeats and releases leases.
func (p *Packer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	p.Loop.Stop()
	var group errs.Group
	for shard, state := range p.states {
		if state.heartbeat.Lost() {
			p.discard(ctx, shard, state)
			continue
		}
		group.Add(p.finalize(ctx, shard, state))
		state.heartbeat.Stop()
		group.Add(p.db.ReleaseLock(ctx, shard, p.holder))
		delete(p.states, shard)
	}
	return group.Err()
}

func keyDir(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return ""
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
