// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package des implements the DES container format: many small objects
// packed into one large append-only archive with a trailing index and
// footer, readable with a handful of range reads.
package des

import (
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the des package.
	Error = errs.Class("des")
	// ErrFormat means the container bytes do not form a valid archive.
	ErrFormat = errs.Class("des format")
	// ErrNotFound means the requested name is not in the index.
	ErrNotFound = errs.Class("des not found")
	// ErrNameInvalid means the object name is not allowed.
	ErrNameInvalid = errs.Class("des name invalid")
	// ErrMetaTooLarge means one metadata blob exceeds MaxMetaSize.
	ErrMetaTooLarge = errs.Class("des meta too large")
	// ErrWriterClosed means the writer has already been closed or aborted.
	ErrWriterClosed = errs.Class("des writer closed")
)
