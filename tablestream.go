// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"encoding/binary"
	"fmt"
)

// Heaps field flags beyond the index-size bits.
const (
	// heapExtraData indicates an extra 4-byte field follows the row
	// counts.
	heapExtraData = 0x40
)

// MetadataTableStreamHeader represents the header of the #~ (or #-)
// stream.
type MetadataTableStreamHeader struct {
	// Reserved; set to 0.
	Reserved uint32 `json:"reserved"`

	// Major version of the table schema.
	MajorVersion uint8 `json:"major_version"`

	// Minor version of the table schema.
	MinorVersion uint8 `json:"minor_version"`

	// HeapSizes: bit 0 set means 4-byte #Strings indexes, bit 1 #GUID,
	// bit 2 #Blob; unset bits mean 2-byte indexes.
	Heaps uint8 `json:"heaps"`

	// Bit width of the maximal record index to all tables; informative.
	RID uint8 `json:"rid"`

	// Bit vector of present tables.
	MaskValid uint64 `json:"mask_valid"`

	// Bit vector of sorted tables.
	Sorted uint64 `json:"sorted"`
}

// tableStreamHeaderSize is the fixed part of the table stream header.
const tableStreamHeaderSize = 24

// TableStream is the parsed directory over the raw #~ stream: row
// counts, widths, and per-table byte offsets. Row access decodes
// lazily; the stream body is never copied.
type TableStream struct {
	Header    MetadataTableStreamHeader
	RowCounts [NumTables]uint32

	// ExtraData is the optional 4-byte field some writers emit after
	// the row counts; preserved verbatim.
	ExtraData    uint32
	HasExtraData bool

	sizes      indexSizes
	offsets    [NumTables]uint32
	rowsOffset uint32
	raw        []byte
}

// parseTableStream decodes the table stream directory from the raw
// stream body.
func parseTableStream(raw []byte) (*TableStream, error) {
	if len(raw) < tableStreamHeaderSize {
		return nil, fmt.Errorf("%w: table stream smaller than its header",
			ErrBadImage)
	}

	ts := &TableStream{raw: raw}
	h := &ts.Header
	h.Reserved = binary.LittleEndian.Uint32(raw[0:])
	h.MajorVersion = raw[4]
	h.MinorVersion = raw[5]
	h.Heaps = raw[6]
	h.RID = raw[7]
	h.MaskValid = binary.LittleEndian.Uint64(raw[8:])
	h.Sorted = binary.LittleEndian.Uint64(raw[16:])

	// One u32 row count per set bit in MaskValid, ascending bit order.
	off := uint32(tableStreamHeaderSize)
	for t := 0; t < 64; t++ {
		if !IsBitSet(h.MaskValid, t) {
			continue
		}
		if t >= NumTables || tableSchemas[t] == nil {
			return nil, fmt.Errorf("%w: unknown table tag %#x in Valid mask",
				ErrUnsupportedImage, t)
		}
		if off+4 > uint32(len(raw)) {
			return nil, fmt.Errorf("%w: truncated row counts", ErrBadImage)
		}
		ts.RowCounts[t] = binary.LittleEndian.Uint32(raw[off:])
		off += 4
	}

	if h.Heaps&heapExtraData != 0 {
		if off+4 > uint32(len(raw)) {
			return nil, fmt.Errorf("%w: truncated extra data", ErrBadImage)
		}
		ts.ExtraData = binary.LittleEndian.Uint32(raw[off:])
		ts.HasExtraData = true
		off += 4
	}

	ts.rowsOffset = off
	ts.sizes = newIndexSizes(h.Heaps, ts.RowCounts)

	// Row data is concatenated table by table in tag order.
	for t := 0; t < NumTables; t++ {
		if ts.RowCounts[t] == 0 {
			continue
		}
		ts.offsets[t] = off
		off += ts.sizes.rowSize(t) * ts.RowCounts[t]
	}
	if off > uint32(len(raw)) {
		return nil, fmt.Errorf("%w: table rows extend past stream end",
			ErrBadImage)
	}

	return ts, nil
}

// Sizes returns the width context of this stream.
func (ts *TableStream) Sizes() *indexSizes {
	return &ts.sizes
}

// RowCount returns the number of rows of the given table.
func (ts *TableStream) RowCount(table int) uint32 {
	if table < 0 || table >= NumTables {
		return 0
	}
	return ts.RowCounts[table]
}

// IsSorted reports whether the Sorted bit is set for the given table.
func (ts *TableStream) IsSorted(table int) bool {
	return IsBitSet(ts.Header.Sorted, table)
}

// RowOffset returns the byte offset of a row within the table stream.
func (ts *TableStream) RowOffset(table int, rid uint32) (uint32, error) {
	if rid == 0 || rid > ts.RowCount(table) {
		return 0, fmt.Errorf("%w: %s row %d out of range", ErrBadImage,
			MetadataTableToString(table), rid)
	}
	return ts.offsets[table] + (rid-1)*ts.sizes.rowSize(table), nil
}

// Row returns the raw bytes of a row. The slice aliases the stream.
func (ts *TableStream) Row(table int, rid uint32) ([]byte, error) {
	off, err := ts.RowOffset(table, rid)
	if err != nil {
		return nil, err
	}
	size := ts.sizes.rowSize(table)
	if off+size > uint32(len(ts.raw)) {
		return nil, ErrOutsideBoundary
	}
	return ts.raw[off : off+size], nil
}

// rawTableBytes returns the raw byte run of all rows of a table.
func (ts *TableStream) rawTableBytes(table int) []byte {
	n := ts.RowCounts[table]
	if n == 0 {
		return nil
	}
	size := ts.sizes.rowSize(table) * n
	return ts.raw[ts.offsets[table] : ts.offsets[table]+size]
}
