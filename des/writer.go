// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package des

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path"
	"sync"

	"github.com/zeebo/errs"

	"github.com/datavision-io/des/objectstore"
)

// DefaultBigFileThreshold is the payload size at which objects are
// stored as side objects instead of inline in the container.
const DefaultBigFileThreshold = 100 << 20

// ExternalConfig enables externalisation of big payloads. All fields are
// required when set: big objects upload to <Prefix>/_bigFiles/<name> in
// Bucket before their index entry is recorded.
type ExternalConfig struct {
	Store  objectstore.Store
	Bucket string
	Prefix string
}

// WriterOptions configures a Writer.
type WriterOptions struct {
	// BigFileThreshold is the inline size limit. Zero means
	// DefaultBigFileThreshold when External is set; it is ignored when
	// External is nil.
	BigFileThreshold int64
	External         *ExternalConfig
}

// ExternalFile records one side object published by a writer.
type ExternalFile struct {
	Name string
	Key  string
	Size int64
}

// WriterStats summarizes what a writer has accepted so far.
type WriterStats struct {
	TotalFiles    int64
	InternalFiles int64
	ExternalFiles int64
	InternalBytes int64
	ExternalBytes int64
}

type pendingEntry struct {
	entry IndexEntry
	meta  []byte
}

// Writer builds one container file. It is safe for use by a single
// goroutine; the packer serializes access per shard.
type Writer struct {
	mu sync.Mutex

	path      string
	f         *os.File
	off       uint64
	threshold int64
	external  *ExternalConfig

	pending   []pendingEntry
	names     map[string]struct{}
	externals []ExternalFile
	stats     WriterStats

	closed  bool
	aborted bool
}

// NewWriter creates the container file at path and writes the header.
// The file must not already exist.
func NewWriter(path string, opts WriterOptions) (_ *Writer, err error) {
	if opts.External != nil {
		if opts.External.Store == nil || opts.External.Bucket == "" || opts.External.Prefix == "" {
			return nil, Error.New("external config requires store, bucket and prefix")
		}
		if opts.BigFileThreshold == 0 {
			opts.BigFileThreshold = DefaultBigFileThreshold
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if _, err := f.Write(appendHeader(nil)); err != nil {
		return nil, Error.Wrap(errs.Combine(err, f.Close(), os.Remove(path)))
	}

	return &Writer{
		path:      path,
		f:         f,
		off:       HeaderSize,
		threshold: opts.BigFileThreshold,
		external:  opts.External,
		names:     map[string]struct{}{},
	}, nil
}

// Path returns the location of the container file being written.
func (w *Writer) Path() string { return w.path }

// Add appends one object. meta may be nil. Big payloads are uploaded as
// side objects when externalisation is configured; a failed upload leaves
// the writer unchanged.
func (w *Writer) Add(ctx context.Context, name string, data []byte, meta map[string]any) (err error) {
	defer mon.Task()(&ctx)(&err)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed.New("%s", w.path)
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, ok := w.names[name]; ok {
		return ErrNameInvalid.New("duplicate name %q", name)
	}

	if w.external != nil && int64(len(data)) >= w.threshold {
		return w.addExternal(ctx, name, data, meta)
	}

	metaRaw, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	if _, err := w.f.Write(data); err != nil {
		return Error.Wrap(err)
	}
	entry := IndexEntry{
		Name:       name,
		DataOffset: w.off,
		DataLength: uint64(len(data)),
	}
	w.off += uint64(len(data))
	w.pending = append(w.pending, pendingEntry{entry: entry, meta: metaRaw})
	w.names[name] = struct{}{}
	w.stats.TotalFiles++
	w.stats.InternalFiles++
	w.stats.InternalBytes += int64(len(data))
	mon.Counter("des_writer_added").Inc(1)
	return nil
}

func (w *Writer) addExternal(ctx context.Context, name string, data []byte, meta map[string]any) error {
	key := path.Join(w.external.Prefix, "_bigFiles", name)
	if _, err := w.external.Store.Put(ctx, w.external.Bucket, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return Error.New("external upload of %q: %w", name, err)
	}

	if meta == nil {
		meta = map[string]any{}
	} else {
		copied := make(map[string]any, len(meta)+3)
		for k, v := range meta {
			copied[k] = v
		}
		meta = copied
	}
	meta["is_external"] = true
	meta["external_key"] = key
	meta["size"] = len(data)

	metaRaw, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	entry := IndexEntry{
		Name:       name,
		DataLength: uint64(len(data)),
		Flags:      FlagExternal,
	}
	w.pending = append(w.pending, pendingEntry{entry: entry, meta: metaRaw})
	w.names[name] = struct{}{}
	w.externals = append(w.externals, ExternalFile{Name: name, Key: key, Size: int64(len(data))})
	w.stats.TotalFiles++
	w.stats.ExternalFiles++
	w.stats.ExternalBytes += int64(len(data))
	mon.Counter("des_writer_externalized").Inc(1)
	return nil
}

// Close writes the meta region, index region and footer, then syncs and
// closes the file. It is idempotent.
func (w *Writer) Close(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	dataStart := uint64(HeaderSize)
	dataLength := w.off - dataStart

	metaStart := w.off
	var metaBuf []byte
	for i := range w.pending {
		p := &w.pending[i]
		p.entry.MetaOffset = metaStart + uint64(len(metaBuf))
		p.entry.MetaLength = uint64(len(p.meta))
		metaBuf = append(metaBuf, p.meta...)
	}

	indexStart := metaStart + uint64(len(metaBuf))
	var indexBuf []byte
	for _, p := range w.pending {
		indexBuf = appendEntry(indexBuf, p.entry)
	}

	footer := Footer{
		DataStart:   dataStart,
		DataLength:  dataLength,
		MetaStart:   metaStart,
		MetaLength:  uint64(len(metaBuf)),
		IndexStart:  indexStart,
		IndexLength: uint64(len(indexBuf)),
		FileCount:   uint64(len(w.pending)),
	}

	tail := append(metaBuf, indexBuf...)
	tail = footer.append(tail)
	if _, err := w.f.Write(tail); err != nil {
		return Error.Wrap(errs.Combine(err, w.f.Close()))
	}
	if err := w.f.Sync(); err != nil {
		return Error.Wrap(errs.Combine(err, w.f.Close()))
	}
	return Error.Wrap(w.f.Close())
}

// Abort closes and removes the partial container file. Side objects
// already uploaded are left for the recovery sweep to collect.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.aborted {
		return nil
	}
	w.aborted = true
	if w.closed {
		return Error.Wrap(os.Remove(w.path))
	}
	w.closed = true
	return Error.Wrap(errs.Combine(w.f.Close(), os.Remove(w.path)))
}

// Count returns the number of objects accepted so far.
func (w *Writer) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats.TotalFiles
}

// DataBytes returns the number of payload bytes accepted so far,
// including externalised ones.
func (w *Writer) DataBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats.InternalBytes + w.stats.ExternalBytes
}

// Stats returns a snapshot of the writer counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// ExternalFiles returns the side objects published so far, so callers
// can record them next to the container row.
func (w *Writer) ExternalFiles() []ExternalFile {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ExternalFile, len(w.externals))
	copy(out, w.externals)
	return out
}

func encodeMeta(meta map[string]any) ([]byte, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, Error.New("meta not serializable: %w", err)
	}
	if len(raw) > MaxMetaSize {
		return nil, ErrMetaTooLarge.New("meta of %d bytes exceeds %d", len(raw), MaxMetaSize)
	}
	return raw, nil
}
