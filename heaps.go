// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// Heaps Streams Bit Positions in the HeapSizes field.
const (
	StringStream = 0
	GUIDStream   = 1
	BlobStream   = 2
)

// MaxCompressedUint is the largest value the ECMA-335 compressed
// unsigned integer encoding can carry.
const MaxCompressedUint = 0x1FFFFFFF

// Heap read failures.
var (
	ErrBadHeapIndex = fmt.Errorf("%w: heap index out of bounds", ErrBadImage)
	ErrValueTooBig  = fmt.Errorf("%w: value exceeds compressed integer range",
		ErrEncoding)
)

// ReadCompressedUint decodes an ECMA-335 II.23.2 compressed unsigned
// integer from the start of b. It returns the value and the number of
// bytes consumed.
func ReadCompressedUint(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrBadHeapIndex
	}
	switch {
	case b[0]&0x80 == 0:
		return uint32(b[0]), 1, nil
	case b[0]&0xC0 == 0x80:
		if len(b) < 2 {
			return 0, 0, ErrBadHeapIndex
		}
		return uint32(b[0]&0x3F)<<8 | uint32(b[1]), 2, nil
	case b[0]&0xE0 == 0xC0:
		if len(b) < 4 {
			return 0, 0, ErrBadHeapIndex
		}
		return uint32(b[0]&0x1F)<<24 | uint32(b[1])<<16 |
			uint32(b[2])<<8 | uint32(b[3]), 4, nil
	}
	return 0, 0, fmt.Errorf("%w: invalid compressed integer prefix", ErrBadImage)
}

// AppendCompressedUint appends the minimal ECMA-335 II.23.2 encoding of
// v to dst.
func AppendCompressedUint(dst []byte, v uint32) ([]byte, error) {
	switch {
	case v < 0x80:
		return append(dst, byte(v)), nil
	case v < 0x4000:
		return append(dst, byte(0x80|v>>8), byte(v)), nil
	case v <= MaxCompressedUint:
		return append(dst, byte(0xC0|v>>24), byte(v>>16), byte(v>>8),
			byte(v)), nil
	}
	return dst, ErrValueTooBig
}

// CompressedUintLen returns the encoded byte length of v.
func CompressedUintLen(v uint32) int {
	switch {
	case v < 0x80:
		return 1
	case v < 0x4000:
		return 2
	default:
		return 4
	}
}

// StringHeap is the #Strings stream: NUL-terminated UTF-8 strings
// indexed by byte offset; the first byte is 0.
type StringHeap []byte

// GetString returns the string at the given heap index. Index 0 is the
// empty string.
func (h StringHeap) GetString(idx uint32) (string, error) {
	if idx >= uint32(len(h)) {
		return "", ErrBadHeapIndex
	}
	end := idx
	for end < uint32(len(h)) && h[end] != 0 {
		end++
	}
	return string(h[idx:end]), nil
}

// BlobHeap is the #Blob stream: length-prefixed byte runs indexed by
// byte offset; offset 0 is the empty blob.
type BlobHeap []byte

// GetBlob returns the blob at the given heap index.
func (h BlobHeap) GetBlob(idx uint32) ([]byte, error) {
	if idx >= uint32(len(h)) {
		return nil, ErrBadHeapIndex
	}
	length, n, err := ReadCompressedUint(h[idx:])
	if err != nil {
		return nil, err
	}
	start := idx + uint32(n)
	if start+length > uint32(len(h)) {
		return nil, ErrBadHeapIndex
	}
	return h[start : start+length], nil
}

// GUIDHeap is the #GUID stream: packed 16-byte records with a 1-based
// index; index 0 denotes absent.
type GUIDHeap []byte

// GetGUID returns the GUID record at the given 1-based index.
func (h GUIDHeap) GetGUID(idx uint32) ([16]byte, error) {
	var g [16]byte
	if idx == 0 || idx*16 > uint32(len(h)) {
		return g, ErrBadHeapIndex
	}
	copy(g[:], h[(idx-1)*16:idx*16])
	return g, nil
}

// Count returns the number of GUID records in the heap.
func (h GUIDHeap) Count() uint32 {
	return uint32(len(h)) / 16
}

// UserStringHeap is the #US stream. The editor never rewrites it, but
// entries can be decoded for inspection: blob-format byte runs holding
// UTF-16LE text plus one terminal byte.
type UserStringHeap []byte

// GetUserString decodes the user string at the given heap index.
func (h UserStringHeap) GetUserString(idx uint32) (string, error) {
	blob, err := BlobHeap(h).GetBlob(idx)
	if err != nil {
		return "", err
	}
	if len(blob) == 0 {
		return "", nil
	}
	// Drop the terminal byte that flags high characters.
	if len(blob)%2 == 1 {
		blob = blob[:len(blob)-1]
	}
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	s, err := decoder.Bytes(blob)
	if err != nil {
		return "", fmt.Errorf("%w: undecodable user string", ErrBadImage)
	}
	return string(s), nil
}
