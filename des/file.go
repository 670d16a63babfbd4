// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package des

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
)

// fileRangeReader serves a container from the local filesystem, with
// side objects in a _bigFiles directory next to the container file.
type fileRangeReader struct {
	f    *os.File
	size int64
	dir  string
}

// OpenFile opens a local container file as a RangeReader.
func OpenFile(path string) (_ RangeReader, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, f.Close()))
	}
	return &fileRangeReader{f: f, size: fi.Size(), dir: filepath.Dir(path)}, nil
}

func (r *fileRangeReader) Size() int64 { return r.size }

func (r *fileRangeReader) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := r.f.ReadAt(buf, offset); err != nil {
		return nil, Error.Wrap(err)
	}
	return buf, nil
}

func (r *fileRangeReader) ReadExternal(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, "_bigFiles", name))
	if os.IsNotExist(err) {
		return nil, ErrNotFound.New("external %q", name)
	}
	return data, Error.Wrap(err)
}

// Close releases the underlying file.
func (r *fileRangeReader) Close() error { return Error.Wrap(r.f.Close()) }

var _ io.Closer = (*fileRangeReader)(nil)
