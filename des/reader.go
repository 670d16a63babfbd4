// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package des

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/datavision-io/des/objectstore"
)

// RangeReader reads byte ranges of one immutable container and its
// _bigFiles side objects. Implementations exist for local files (OpenFile)
// and for object stores.
type RangeReader interface {
	Size() int64
	ReadRange(ctx context.Context, offset, length int64) ([]byte, error)
	ReadExternal(ctx context.Context, name string) ([]byte, error)
}

// Identifier is implemented by range readers that can name their source,
// used to derive index cache keys. The identity should change whenever
// the underlying bytes may have changed (for S3, bucket/key@etag).
type Identifier interface {
	Identity() string
}

// IndexCache is a best-effort cache of decoded index regions. Backends
// must treat failures as misses; the reader never sees them.
type IndexCache interface {
	Get(ctx context.Context, key string) ([]IndexEntry, bool)
	Set(ctx context.Context, key string, entries []IndexEntry)
}

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	Cache IndexCache
	// CacheKey overrides the derived cache key. Defaults to
	// "des:index:<identity>" when the source implements Identifier;
	// without an identity the cache is not consulted.
	CacheKey string
}

// BatchOptions configures GetBatch.
type BatchOptions struct {
	// MaxGapSize is the largest hole between two entries that still gets
	// covered by a single range read. Zero means 1 MiB.
	MaxGapSize int64
}

// DefaultMaxGapSize is the batch read coalescing limit.
const DefaultMaxGapSize = 1 << 20

// ReaderStats summarizes an open container.
type ReaderStats struct {
	TotalFiles    int64 `json:"total_files"`
	InternalFiles int64 `json:"internal_files"`
	ExternalFiles int64 `json:"external_files"`
	InternalBytes int64 `json:"internal_size_bytes"`
	ExternalBytes int64 `json:"external_size_bytes"`
	ArchiveBytes  int64 `json:"archive_size_bytes"`
}

// Reader reads objects out of one container. The footer is validated at
// construction; the index is loaded lazily on first lookup. Safe for
// concurrent use.
type Reader struct {
	src      RangeReader
	footer   Footer
	cache    IndexCache
	cacheKey string

	once    sync.Once
	loadErr error
	byName  map[string]IndexEntry
	ordered []IndexEntry
}

// NewReader validates the container footer and returns a reader over src.
func NewReader(ctx context.Context, src RangeReader, opts ReaderOptions) (_ *Reader, err error) {
	defer mon.Task()(&ctx)(&err)

	size := src.Size()
	if size < HeaderSize+FooterSize {
		return nil, ErrFormat.New("container of %d bytes is too small", size)
	}
	raw, err := src.ReadRange(ctx, size-FooterSize, FooterSize)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	footer, err := ParseFooter(raw, size)
	if err != nil {
		return nil, err
	}

	cacheKey := opts.CacheKey
	if cacheKey == "" && opts.Cache != nil {
		if id, ok := src.(Identifier); ok {
			cacheKey = "des:index:" + id.Identity()
		}
	}
	return &Reader{
		src:      src,
		footer:   footer,
		cache:    opts.Cache,
		cacheKey: cacheKey,
	}, nil
}

// Footer returns the parsed container footer.
func (r *Reader) Footer() Footer { return r.footer }

// FileCount returns the number of objects recorded in the footer.
func (r *Reader) FileCount() int64 { return int64(r.footer.FileCount) }

func (r *Reader) loadIndex(ctx context.Context) error {
	r.once.Do(func() {
		if r.cache != nil && r.cacheKey != "" {
			if entries, ok := r.cache.Get(ctx, r.cacheKey); ok {
				r.setIndex(entries)
				return
			}
		}
		if r.footer.IndexLength == 0 {
			r.setIndex(nil)
			return
		}
		raw, err := r.src.ReadRange(ctx, int64(r.footer.IndexStart), int64(r.footer.IndexLength))
		if err != nil {
			r.loadErr = Error.Wrap(err)
			return
		}
		entries, err := ParseIndex(raw)
		if err != nil {
			r.loadErr = err
			return
		}
		r.setIndex(entries)
		if r.cache != nil && r.cacheKey != "" {
			r.cache.Set(ctx, r.cacheKey, entries)
		}
	})
	return r.loadErr
}

func (r *Reader) setIndex(entries []IndexEntry) {
	r.byName = make(map[string]IndexEntry, len(entries))
	r.ordered = entries
	for _, e := range entries {
		r.byName[e.Name] = e
	}
}

func (r *Reader) lookup(ctx context.Context, name string) (IndexEntry, error) {
	if err := r.loadIndex(ctx); err != nil {
		return IndexEntry{}, err
	}
	entry, ok := r.byName[name]
	if !ok {
		return IndexEntry{}, ErrNotFound.New("%q", name)
	}
	return entry, nil
}

// Entry returns the index entry for name.
func (r *Reader) Entry(ctx context.Context, name string) (IndexEntry, error) {
	return r.lookup(ctx, name)
}

// Get returns the payload bytes of name.
func (r *Reader) Get(ctx context.Context, name string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	entry, err := r.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if entry.External() {
		data, err := r.src.ReadExternal(ctx, entry.Name)
		return data, Error.Wrap(err)
	}
	data, err := r.src.ReadRange(ctx, int64(entry.DataOffset), int64(entry.DataLength))
	return data, Error.Wrap(err)
}

// GetMeta returns the decoded meta blob of name. Meta always lives in the
// container, including for external objects.
func (r *Reader) GetMeta(ctx context.Context, name string) (_ map[string]any, err error) {
	defer mon.Task()(&ctx)(&err)

	entry, err := r.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	raw, err := r.src.ReadRange(ctx, int64(entry.MetaOffset), int64(entry.MetaLength))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, ErrFormat.New("meta of %q: %w", name, err)
	}
	return meta, nil
}

// GetBatch fetches many objects with coalesced range reads. Names missing
// from the index are skipped, as are external side objects that no longer
// exist; all other failures abort the batch.
func (r *Reader) GetBatch(ctx context.Context, names []string, opts BatchOptions) (_ map[string][]byte, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	maxGap := opts.MaxGapSize
	if maxGap == 0 {
		maxGap = DefaultMaxGapSize
	}

	var internal []IndexEntry
	var external []IndexEntry
	for _, name := range names {
		entry, ok := r.byName[name]
		if !ok {
			continue
		}
		if entry.External() {
			external = append(external, entry)
		} else {
			internal = append(internal, entry)
		}
	}

	results := make(map[string][]byte, len(internal)+len(external))
	for _, run := range groupEntries(internal, maxGap) {
		start := run[0].DataOffset
		end := run[len(run)-1].DataOffset + run[len(run)-1].DataLength
		buf, err := r.src.ReadRange(ctx, int64(start), int64(end-start))
		if err != nil {
			return nil, Error.Wrap(err)
		}
		for _, entry := range run {
			off := entry.DataOffset - start
			results[entry.Name] = buf[off : off+entry.DataLength : off+entry.DataLength]
		}
	}
	for _, entry := range external {
		data, err := r.src.ReadExternal(ctx, entry.Name)
		if err != nil {
			if ErrNotFound.Has(err) || objectstore.ErrObjectNotFound.Has(err) {
				continue
			}
			return nil, Error.Wrap(err)
		}
		results[entry.Name] = data
	}
	return results, nil
}

// groupEntries splits offset-sorted entries into runs whose inner gaps do
// not exceed maxGap.
func groupEntries(entries []IndexEntry, maxGap int64) [][]IndexEntry {
	if len(entries) == 0 {
		return nil
	}
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].DataOffset < sorted[j].DataOffset
	})

	var runs [][]IndexEntry
	run := []IndexEntry{sorted[0]}
	end := sorted[0].DataOffset + sorted[0].DataLength
	for _, entry := range sorted[1:] {
		if entry.DataOffset >= end && int64(entry.DataOffset-end) <= maxGap {
			run = append(run, entry)
		} else if entry.DataOffset < end {
			// overlapping or duplicate offsets stay in the same run
			run = append(run, entry)
		} else {
			runs = append(runs, run)
			run = []IndexEntry{entry}
		}
		if e := entry.DataOffset + entry.DataLength; e > end {
			end = e
		}
	}
	return append(runs, run)
}

// List returns the names in the container in index order.
func (r *Reader) List(ctx context.Context, includeExternal bool) (_ []string, err error) {
	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(r.ordered))
	for _, entry := range r.ordered {
		if !includeExternal && entry.External() {
			continue
		}
		names = append(names, entry.Name)
	}
	return names, nil
}

// Entries returns a copy of the index in file order.
func (r *Reader) Entries(ctx context.Context) (_ []IndexEntry, err error) {
	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	out := make([]IndexEntry, len(r.ordered))
	copy(out, r.ordered)
	return out, nil
}

// Stats summarizes the open container.
func (r *Reader) Stats(ctx context.Context) (_ ReaderStats, err error) {
	if err := r.loadIndex(ctx); err != nil {
		return ReaderStats{}, err
	}
	stats := ReaderStats{ArchiveBytes: r.src.Size()}
	for _, entry := range r.ordered {
		stats.TotalFiles++
		if entry.External() {
			stats.ExternalFiles++
			stats.ExternalBytes += int64(entry.DataLength)
		} else {
			stats.InternalFiles++
			stats.InternalBytes += int64(entry.DataLength)
		}
	}
	return stats, nil
}
