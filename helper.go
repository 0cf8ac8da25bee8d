// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// TinyPESize is the size of the smallest PE executable that still
	// loads on Windows XP (x32).
	TinyPESize = 97

	// FileAlignmentHardcodedValue represents the value which
	// PointerToRawData should be at least equal or bigger to, or it will
	// be rounded to zero by the loader.
	FileAlignmentHardcodedValue = 0x200
)

// Error kinds surfaced by the editor. Specific failures wrap one of
// these, so callers test with errors.Is.
var (
	// ErrBadImage is the kind for malformed headers, wrong signatures,
	// truncated streams and out-of-range addresses.
	ErrBadImage = errors.New("bad image")

	// ErrUnsupportedImage is the kind for images that are well formed
	// but use features the editor does not know (unknown table tags,
	// unknown optional header magic).
	ErrUnsupportedImage = errors.New("unsupported image")

	// ErrNotManagedImage is returned when the CLI header data directory
	// is zero.
	ErrNotManagedImage = errors.New("not a managed image")

	// ErrEncoding is the kind for coded-index encoding failures.
	ErrEncoding = errors.New("encoding error")

	// ErrBrokenReference is the kind for mutations that would leave a
	// dangling reference behind.
	ErrBrokenReference = errors.New("broken reference")

	// ErrKey is the kind for unreadable or unsupported key blobs.
	ErrKey = errors.New("key error")
)

// Specific failures.
var (
	// ErrInvalidPESize is returned when the file is smaller than the
	// smallest possible PE file.
	ErrInvalidPESize = fmt.Errorf("%w: smaller than tiny PE", ErrBadImage)

	// ErrDOSMagicNotFound is returned when the MZ magic is missing.
	ErrDOSMagicNotFound = fmt.Errorf("%w: DOS header magic not found", ErrBadImage)

	// ErrInvalidElfanewValue is returned when e_lfanew points outside
	// the file.
	ErrInvalidElfanewValue = fmt.Errorf("%w: invalid e_lfanew value", ErrBadImage)

	// ErrImageNtSignatureNotFound is returned when the PE\0\0 magic is
	// missing.
	ErrImageNtSignatureNotFound = fmt.Errorf(
		"%w: NT signature not found", ErrBadImage)

	// ErrImageNtOptionalHeaderMagicNotFound is returned when the
	// optional header magic is neither PE32 nor PE32+.
	ErrImageNtOptionalHeaderMagicNotFound = fmt.Errorf(
		"%w: optional header magic not found", ErrUnsupportedImage)

	// ErrOutsideBoundary is returned when attempting to read beyond the
	// image limits.
	ErrOutsideBoundary = fmt.Errorf("%w: reading data outside boundary", ErrBadImage)

	// ErrMetadataSignatureNotFound is returned when the BSJB magic is
	// missing at the metadata root.
	ErrMetadataSignatureNotFound = fmt.Errorf(
		"%w: metadata root signature not found", ErrBadImage)

	// ErrRvaNotMapped is returned when an RVA falls outside every
	// section.
	ErrRvaNotMapped = fmt.Errorf("%w: RVA not mapped by any section", ErrBadImage)
)

// Max returns the larger of x or y.
func Max(x, y uint32) uint32 {
	if x < y {
		return y
	}
	return x
}

// alignUp rounds v up to the next multiple of base. A base of zero
// leaves v untouched.
func alignUp(v, base uint32) uint32 {
	if base == 0 {
		return v
	}
	return (v + base - 1) / base * base
}

// ReadUint64 reads a uint64 at offset.
func (f *File) ReadUint64(offset uint32) (uint64, error) {
	if f.size < 8 || offset > f.size-8 {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint64(f.data[offset:]), nil
}

// ReadUint32 reads a uint32 at offset.
func (f *File) ReadUint32(offset uint32) (uint32, error) {
	if f.size < 4 || offset > f.size-4 {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint32(f.data[offset:]), nil
}

// ReadUint16 reads a uint16 at offset.
func (f *File) ReadUint16(offset uint32) (uint16, error) {
	if f.size < 2 || offset > f.size-2 {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint16(f.data[offset:]), nil
}

// ReadUint8 reads a byte at offset.
func (f *File) ReadUint8(offset uint32) (uint8, error) {
	if offset >= f.size {
		return 0, ErrOutsideBoundary
	}
	return f.data[offset], nil
}

// structUnpack decodes size bytes at offset into iface using
// little-endian layout.
func (f *File) structUnpack(iface interface{}, offset, size uint32) error {
	totalSize := offset + size

	// Integer overflow.
	if (totalSize > offset) != (size > 0) {
		return ErrOutsideBoundary
	}
	if offset >= f.size || totalSize > f.size {
		return ErrOutsideBoundary
	}

	buf := bytes.NewReader(f.data[offset : offset+size])
	return binary.Read(buf, binary.LittleEndian, iface)
}

// ReadBytesAtOffset returns the byte range [offset, offset+size). The
// returned slice aliases the mapped input.
func (f *File) ReadBytesAtOffset(offset, size uint32) ([]byte, error) {
	totalSize := offset + size

	// Integer overflow.
	if (totalSize > offset) != (size > 0) {
		return nil, ErrOutsideBoundary
	}
	if offset >= f.size || totalSize > f.size {
		return nil, ErrOutsideBoundary
	}

	return f.data[offset : offset+size], nil
}

// getStringAtOffset returns the string at [offset, offset+size) with
// NUL padding removed.
func (f *File) getStringAtOffset(offset, size uint32) (string, error) {
	if offset+size > f.size {
		return "", ErrOutsideBoundary
	}
	str := string(f.data[offset : offset+size])
	return strings.Replace(str, "\x00", "", -1), nil
}

// IsBitSet returns true when the bit at the given position is set.
func IsBitSet(n uint64, pos int) bool {
	return n&(1<<pos) != 0
}
