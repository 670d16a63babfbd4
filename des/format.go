// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package des

import (
	"encoding/binary"
	"regexp"
)

// On-disk layout, all integers little-endian:
//
//	header | data region | meta region | index region | footer
//
// The header is 16 bytes: 8 byte magic, 1 byte version, 7 reserved zero
// bytes. The footer is the last 72 bytes: 8 byte magic, 1 byte version,
// 7 reserved bytes, then seven u64 region descriptors. An index entry is
// a u16 name length, the name bytes, and a 36 byte fixed part.
const (
	Version = 1

	HeaderSize = 16
	FooterSize = 72

	entryFixedSize = 36
	maxNameLen     = 65535

	// MaxMetaSize bounds one encoded metadata blob.
	MaxMetaSize = 10 << 20
)

var (
	headerMagic = [8]byte{'D', 'E', 'S', 'H', 'E', 'A', 'D', '1'}
	footerMagic = [8]byte{'D', 'E', 'S', 'F', 'O', 'O', 'T', '1'}
)

// Index entry flags. Only FlagExternal is produced today, the rest are
// reserved bits carried for forward compatibility.
const (
	FlagExternal   uint32 = 1 << 0
	FlagCompressed uint32 = 1 << 1
	FlagEncrypted  uint32 = 1 << 2
	FlagDeleted    uint32 = 1 << 3
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_.()\-]+$`)

// ValidateName reports whether name is usable as an archive member name.
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > maxNameLen {
		return ErrNameInvalid.New("name length %d out of range", len(name))
	}
	if !nameRe.MatchString(name) {
		return ErrNameInvalid.New("name %q contains disallowed characters", name)
	}
	return nil
}

// IndexEntry locates one object inside (or next to) a container.
// Offsets are absolute from the start of the container file. External
// objects have DataOffset zero and live in the _bigFiles sibling prefix.
type IndexEntry struct {
	Name       string `json:"name"`
	DataOffset uint64 `json:"data_offset"`
	DataLength uint64 `json:"data_length"`
	MetaOffset uint64 `json:"meta_offset"`
	MetaLength uint64 `json:"meta_length"`
	Flags      uint32 `json:"flags"`
}

// External reports whether the entry's payload is stored as a side object.
func (e IndexEntry) External() bool { return e.Flags&FlagExternal != 0 }

func appendEntry(buf []byte, e IndexEntry) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint16(tmp[:2], uint16(len(e.Name)))
	buf = append(buf, tmp[:2]...)
	buf = append(buf, e.Name...)
	binary.LittleEndian.PutUint64(tmp[:], e.DataOffset)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], e.DataLength)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], e.MetaOffset)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], e.MetaLength)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:4], e.Flags)
	buf = append(buf, tmp[:4]...)
	return buf
}

// ParseIndex decodes a raw index region into entries in file order.
func ParseIndex(raw []byte) ([]IndexEntry, error) {
	var entries []IndexEntry
	for p := 0; p < len(raw); {
		if p+2 > len(raw) {
			return nil, ErrFormat.New("truncated index entry at offset %d", p)
		}
		nameLen := int(binary.LittleEndian.Uint16(raw[p : p+2]))
		p += 2
		if p+nameLen+entryFixedSize > len(raw) {
			return nil, ErrFormat.New("truncated index entry at offset %d", p)
		}
		name := string(raw[p : p+nameLen])
		p += nameLen
		entries = append(entries, IndexEntry{
			Name:       name,
			DataOffset: binary.LittleEndian.Uint64(raw[p : p+8]),
			DataLength: binary.LittleEndian.Uint64(raw[p+8 : p+16]),
			MetaOffset: binary.LittleEndian.Uint64(raw[p+16 : p+24]),
			MetaLength: binary.LittleEndian.Uint64(raw[p+24 : p+32]),
			Flags:      binary.LittleEndian.Uint32(raw[p+32 : p+36]),
		})
		p += entryFixedSize
	}
	return entries, nil
}

func appendHeader(buf []byte) []byte {
	buf = append(buf, headerMagic[:]...)
	buf = append(buf, Version)
	buf = append(buf, make([]byte, 7)...)
	return buf
}

// Footer describes the region layout of a finished container.
type Footer struct {
	DataStart   uint64
	DataLength  uint64
	MetaStart   uint64
	MetaLength  uint64
	IndexStart  uint64
	IndexLength uint64
	FileCount   uint64
}

func (f Footer) append(buf []byte) []byte {
	buf = append(buf, footerMagic[:]...)
	buf = append(buf, Version)
	buf = append(buf, make([]byte, 7)...)
	var tmp [8]byte
	for _, v := range [...]uint64{
		f.DataStart, f.DataLength,
		f.MetaStart, f.MetaLength,
		f.IndexStart, f.IndexLength,
		f.FileCount,
	} {
		binary.LittleEndian.PutUint64(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

// ParseFooter decodes and sanity checks the trailing 72 bytes of a
// container of the given total size.
func ParseFooter(raw []byte, fileSize int64) (Footer, error) {
	if len(raw) != FooterSize {
		return Footer{}, ErrFormat.New("footer is %d bytes, want %d", len(raw), FooterSize)
	}
	if [8]byte(raw[:8]) != footerMagic {
		return Footer{}, ErrFormat.New("bad footer magic %q", raw[:8])
	}
	if raw[8] != Version {
		return Footer{}, ErrFormat.New("unsupported version %d", raw[8])
	}
	var f Footer
	vals := [7]*uint64{
		&f.DataStart, &f.DataLength,
		&f.MetaStart, &f.MetaLength,
		&f.IndexStart, &f.IndexLength,
		&f.FileCount,
	}
	for i, v := range vals {
		*v = binary.LittleEndian.Uint64(raw[16+8*i : 24+8*i])
	}
	if err := f.validate(fileSize); err != nil {
		return Footer{}, err
	}
	return f, nil
}

// validate requires the regions to tile the file exactly: data starts
// right after the header, each region starts where the previous one
// ends, and the index ends at the footer. A shrunken or shifted region
// length is corruption, not slack.
func (f Footer) validate(fileSize int64) error {
	size := uint64(fileSize)
	if size < HeaderSize+FooterSize {
		return ErrFormat.New("container of %d bytes is too small", fileSize)
	}
	footerStart := size - FooterSize
	switch {
	case f.DataStart != HeaderSize:
		return ErrFormat.New("data region starts at %d, want %d", f.DataStart, HeaderSize)
	case f.DataStart+f.DataLength != f.MetaStart:
		return ErrFormat.New("meta region starts at %d, data ends at %d",
			f.MetaStart, f.DataStart+f.DataLength)
	case f.MetaStart+f.MetaLength != f.IndexStart:
		return ErrFormat.New("index region starts at %d, meta ends at %d",
			f.IndexStart, f.MetaStart+f.MetaLength)
	case f.IndexStart+f.IndexLength != footerStart:
		return ErrFormat.New("index region ends at %d, footer starts at %d",
			f.IndexStart+f.IndexLength, footerStart)
	}
	return nil
}
