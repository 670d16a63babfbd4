// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package assignment generates archive member names and maps them to
// shards and container keys.
package assignment

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the assignment package.
	Error = errs.Class("assignment")
	// ErrNameFormat means a name does not match the generated grammar.
	ErrNameFormat = errs.Class("name format")
)

// DefaultWrapBits is how many low bits of the millisecond clock go into
// a generated name.
const DefaultWrapBits = 32

// GeneratorOptions configures a Generator.
type GeneratorOptions struct {
	// Prefix is the leading segment of every name, e.g. "DES".
	Prefix string
	// NodeID distinguishes concurrent generators (0-255).
	NodeID uint8
	// WrapBits is the width of the time component. Zero means
	// DefaultWrapBits.
	WrapBits uint

	// now overrides the clock in tests.
	now func() time.Time
}

// Generator produces unique names of the form
//
//	<PREFIX>_<YYYYMMDD>_(<F12>_<C2>)
//
// where F is 48 bits of wrapped-millisecond time, node id and sequence,
// and C is a one byte checksum over F. Safe for concurrent use.
type Generator struct {
	prefix   string
	nodeID   uint8
	wrapBits uint
	now      func() time.Time

	mu     sync.Mutex
	lastMS int64
	seq    uint32
}

var prefixRe = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// NewGenerator returns a generator for the given options. A zero Prefix
// means "DES" and zero WrapBits means DefaultWrapBits.
func NewGenerator(opts GeneratorOptions) (*Generator, error) {
	if opts.WrapBits == 0 {
		opts.WrapBits = DefaultWrapBits
	}
	if opts.WrapBits > 32 {
		return nil, Error.New("wrap bits %d out of range 1..32", opts.WrapBits)
	}
	if opts.Prefix == "" {
		opts.Prefix = "DES"
	}
	if !prefixRe.MatchString(opts.Prefix) {
		return nil, Error.New("prefix %q is not ASCII alphanumeric", opts.Prefix)
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	return &Generator{
		prefix:   opts.Prefix,
		nodeID:   opts.NodeID,
		wrapBits: opts.WrapBits,
		now:      now,
	}, nil
}

// MustGenerator is NewGenerator for options known to be valid. It panics
// on invalid options.
func MustGenerator(opts GeneratorOptions) *Generator {
	g, err := NewGenerator(opts)
	if err != nil {
		panic(err)
	}
	return g
}

// Next returns a fresh name. Calls within the same millisecond increment
// the sequence; an exhausted sequence busy waits for the next
// millisecond; a clock running backwards keeps using the last observed
// millisecond so names stay monotonic.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.lastMS {
		// clock ran backwards, keep counting in the last observed ms
		ms = g.lastMS
	}
	if ms == g.lastMS {
		g.seq++
		if g.seq > 255 {
			for ms <= g.lastMS {
				ms = g.now().UnixMilli()
			}
			g.lastMS = ms
			g.seq = 0
		}
	} else {
		g.lastMS = ms
		g.seq = 0
	}
	tLow := uint64(ms) & ((1 << g.wrapBits) - 1)
	f := tLow<<16 | uint64(g.nodeID)<<8 | uint64(g.seq)
	day := g.now().UTC().Format("20060102")
	return fmt.Sprintf("%s_%s_(%012X_%02X)", g.prefix, day, f, checksum(f))
}

func checksum(f uint64) uint8 {
	var sum uint8
	for shift := 40; shift >= 0; shift -= 8 {
		sum += uint8(f >> shift)
	}
	return sum
}

var nameShapeRe = regexp.MustCompile(`^([A-Za-z0-9]+)_(\d{8})_\(([0-9A-F]{12})_([0-9A-F]{2})\)$`)

// Verify checks a generated name's shape and checksum.
func Verify(name string) error {
	m := nameShapeRe.FindStringSubmatch(name)
	if m == nil {
		return ErrNameFormat.New("%q does not match the name grammar", name)
	}
	f, err := strconv.ParseUint(m[3], 16, 48)
	if err != nil {
		return ErrNameFormat.New("%q has an invalid id segment", name)
	}
	want, err := strconv.ParseUint(m[4], 16, 8)
	if err != nil {
		return ErrNameFormat.New("%q has an invalid checksum segment", name)
	}
	if checksum(f) != uint8(want) {
		return ErrNameFormat.New("%q checksum mismatch", name)
	}
	if _, err := time.Parse("20060102", m[2]); err != nil {
		return ErrNameFormat.New("%q has an invalid date segment", name)
	}
	return nil
}

var dayRe = regexp.MustCompile(`_(\d{8})_`)

// ParseDay extracts the UTC day a name was generated on.
func ParseDay(name string) (time.Time, error) {
	m := dayRe.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, ErrNameFormat.New("%q has no date segment", name)
	}
	day, err := time.ParseInLocation("20060102", m[1], time.UTC)
	if err != nil {
		return time.Time{}, ErrNameFormat.New("%q has an invalid date segment", name)
	}
	return day, nil
}
