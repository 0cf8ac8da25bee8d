// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// metadataWriter assembles a new metadata blob from the source image
// and a plan.
type metadataWriter struct {
	f  *File
	p  *Plan
	md *Metadata

	sizes    indexSizes // output width context
	srcSizes *indexSizes
	valid    uint64
	sorted   uint64
}

func newMetadataWriter(f *File, p *Plan) *metadataWriter {
	w := &metadataWriter{
		f:        f,
		p:        p,
		md:       f.CLR.Metadata,
		sizes:    p.projectedSizes(),
		srcSizes: f.CLR.Metadata.Tables.Sizes(),
	}
	w.valid = w.md.Tables.Header.MaskValid
	for _, t := range []int{TypeRef, MemberRef, CustomAttribute} {
		if p.RowCount(t) > 0 {
			w.valid |= 1 << t
		}
	}
	// The Sorted mask is preserved, except that a CustomAttribute table
	// gaining its first rows must be marked sorted: the emitter orders
	// it by Parent and the runtime requires the bit.
	w.sorted = w.md.Tables.Header.Sorted
	if w.md.Tables.RowCount(CustomAttribute) == 0 &&
		p.RowCount(CustomAttribute) > 0 {
		w.sorted |= 1 << CustomAttribute
	}
	return w
}

// Build produces the complete metadata blob: root header, stream
// directory, and stream bodies in source order.
func (w *metadataWriter) Build() ([]byte, error) {
	tableBody, err := w.buildTableStream()
	if err != nil {
		return nil, err
	}

	// New stream bodies keyed by name; untouched streams pass through.
	bodies := make(map[string][]byte, len(w.f.CLR.MetadataStreamHeaders))
	for _, sh := range w.f.CLR.MetadataStreamHeaders {
		switch sh.Name {
		case StreamTables, StreamTablesUnoptim:
			bodies[sh.Name] = padTo4(tableBody)
		case StreamStrings:
			bodies[sh.Name] = appendPadded(w.md.Strings, w.p.strings.buf)
		case StreamBlob:
			bodies[sh.Name] = appendPadded(w.md.Blobs, w.p.blobs.buf)
		default:
			// Copy before padding; the stream slice aliases the mapped
			// input.
			bodies[sh.Name] = appendPadded(w.f.CLR.MetadataStreams[sh.Name], nil)
		}
	}

	mh := w.f.CLR.MetadataHeader
	verLen := alignUp(uint32(len(mh.Version))+1, 4)

	// Root header, then one directory record per stream.
	dirSize := uint32(16 + verLen + 4)
	for _, sh := range w.f.CLR.MetadataStreamHeaders {
		dirSize += 8 + alignUp(uint32(len(sh.Name))+1, 4)
	}

	total := dirSize
	for _, sh := range w.f.CLR.MetadataStreamHeaders {
		total += uint32(len(bodies[sh.Name]))
	}

	out := make([]byte, total)
	binary.LittleEndian.PutUint32(out[0:], MetadataSignature)
	binary.LittleEndian.PutUint16(out[4:], mh.MajorVersion)
	binary.LittleEndian.PutUint16(out[6:], mh.MinorVersion)
	binary.LittleEndian.PutUint32(out[8:], mh.ExtraData)
	binary.LittleEndian.PutUint32(out[12:], verLen)
	copy(out[16:], mh.Version)
	off := 16 + verLen
	// Flags byte plus its padding byte.
	out[off] = mh.Flags
	binary.LittleEndian.PutUint16(out[off+2:],
		uint16(len(w.f.CLR.MetadataStreamHeaders)))
	off += 4

	bodyOff := dirSize
	for _, sh := range w.f.CLR.MetadataStreamHeaders {
		body := bodies[sh.Name]
		binary.LittleEndian.PutUint32(out[off:], bodyOff)
		binary.LittleEndian.PutUint32(out[off+4:], uint32(len(body)))
		off += 8
		copy(out[off:], sh.Name)
		off += alignUp(uint32(len(sh.Name))+1, 4)

		copy(out[bodyOff:], body)
		bodyOff += uint32(len(body))
	}

	return out, nil
}

// appendPadded concatenates a source heap with its appended entries and
// pads the result to a 4-byte boundary.
func appendPadded(src []byte, appended []byte) []byte {
	out := make([]byte, 0, alignUp(uint32(len(src)+len(appended)), 4))
	out = append(out, src...)
	out = append(out, appended...)
	return padTo4(out)
}

// padTo4 zero-pads b to a 4-byte boundary.
func padTo4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

// buildTableStream emits the #~ stream: header, row counts, and the
// rows of every present table under the projected widths.
func (w *metadataWriter) buildTableStream() ([]byte, error) {
	ts := w.md.Tables
	h := ts.Header

	size := uint32(tableStreamHeaderSize)
	for t := 0; t < NumTables; t++ {
		if IsBitSet(w.valid, t) {
			size += 4
		}
	}
	if ts.HasExtraData {
		size += 4
	}
	rowsStart := size
	for t := 0; t < NumTables; t++ {
		size += w.sizes.rowSize(t) * w.p.RowCount(t)
	}

	out := make([]byte, size)
	binary.LittleEndian.PutUint32(out[0:], h.Reserved)
	out[4] = h.MajorVersion
	out[5] = h.MinorVersion
	out[6] = w.p.projectedHeaps()
	out[7] = h.RID
	binary.LittleEndian.PutUint64(out[8:], w.valid)
	binary.LittleEndian.PutUint64(out[16:], w.sorted)

	off := uint32(tableStreamHeaderSize)
	for t := 0; t < NumTables; t++ {
		if !IsBitSet(w.valid, t) {
			continue
		}
		binary.LittleEndian.PutUint32(out[off:], w.p.RowCount(t))
		off += 4
	}
	if ts.HasExtraData {
		binary.LittleEndian.PutUint32(out[off:], ts.ExtraData)
		off += 4
	}
	if off != rowsStart {
		return nil, fmt.Errorf("%w: row count area size mismatch", ErrEncoding)
	}

	for t := 0; t < NumTables; t++ {
		count := w.p.RowCount(t)
		if count == 0 {
			continue
		}
		n, err := w.emitTable(t, out[off:])
		if err != nil {
			return nil, err
		}
		if n != w.sizes.rowSize(t)*count {
			return nil, fmt.Errorf("%w: %s wrote %d bytes, want %d",
				ErrEncoding, MetadataTableToString(t), n,
				w.sizes.rowSize(t)*count)
		}
		off += n
	}
	if off != size {
		return nil, fmt.Errorf("%w: table stream size mismatch", ErrEncoding)
	}

	return out, nil
}

// emitTable writes every row of one table into dst and returns the
// byte count written.
func (w *metadataWriter) emitTable(t int, dst []byte) (uint32, error) {
	rowSize := w.sizes.rowSize(t)

	switch t {
	case Assembly:
		return w.emitOverridden(t, dst, func(b []byte, rid uint32) {
			row, ok := w.p.assemblyOv[rid]
			if !ok {
				row = readAssemblyRow(b, w.srcSizes)
			}
			row.write(dst[(rid-1)*rowSize:], &w.sizes)
		})
	case AssemblyRef:
		return w.emitOverridden(t, dst, func(b []byte, rid uint32) {
			row, ok := w.p.assemblyRefOv[rid]
			if !ok {
				row = readAssemblyRefRow(b, w.srcSizes)
			}
			row.write(dst[(rid-1)*rowSize:], &w.sizes)
		})
	case TypeDef:
		return w.emitOverridden(t, dst, func(b []byte, rid uint32) {
			row, ok := w.p.typeDefOv[rid]
			if !ok {
				row = readTypeDefRow(b, w.srcSizes)
			}
			row.write(dst[(rid-1)*rowSize:], &w.sizes)
		})

	case TypeRef:
		off := uint32(0)
		for rid := uint32(1); rid <= w.md.Tables.RowCount(t); rid++ {
			b, err := w.md.Tables.Row(t, rid)
			if err != nil {
				return 0, err
			}
			readTypeRefRow(b, w.srcSizes).write(dst[off:], &w.sizes)
			off += rowSize
		}
		for _, row := range w.p.typeRefApp {
			row.write(dst[off:], &w.sizes)
			off += rowSize
		}
		return off, nil

	case MemberRef:
		off := uint32(0)
		for rid := uint32(1); rid <= w.md.Tables.RowCount(t); rid++ {
			b, err := w.md.Tables.Row(t, rid)
			if err != nil {
				return 0, err
			}
			readMemberRefRow(b, w.srcSizes).write(dst[off:], &w.sizes)
			off += rowSize
		}
		for _, row := range w.p.memberRefApp {
			row.write(dst[off:], &w.sizes)
			off += rowSize
		}
		return off, nil

	case CustomAttribute:
		// The runtime requires this table sorted by Parent; appended
		// rows cannot simply be concatenated.
		rows := make([]CustomAttributeRow, 0, w.p.RowCount(t))
		for rid := uint32(1); rid <= w.md.Tables.RowCount(t); rid++ {
			b, err := w.md.Tables.Row(t, rid)
			if err != nil {
				return 0, err
			}
			rows = append(rows, readCustomAttributeRow(b, w.srcSizes))
		}
		rows = append(rows, w.p.customAttrApp...)
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].Parent < rows[j].Parent
		})
		off := uint32(0)
		for _, row := range rows {
			row.write(dst[off:], &w.sizes)
			off += rowSize
		}
		return off, nil
	}

	// Untouched tables: raw copy when no consumed width changed,
	// generic re-encode row by row otherwise. This covers the
	// portable-debug tables too, rather than assuming their columns
	// never widen.
	if w.tableWidthsUnchanged(t) {
		raw := w.md.Tables.rawTableBytes(t)
		copy(dst, raw)
		return uint32(len(raw)), nil
	}

	off := uint32(0)
	for rid := uint32(1); rid <= w.md.Tables.RowCount(t); rid++ {
		b, err := w.md.Tables.Row(t, rid)
		if err != nil {
			return 0, err
		}
		encodeRow(t, decodeRow(t, b, w.srcSizes), dst[off:], &w.sizes)
		off += rowSize
	}
	return off, nil
}

// emitOverridden walks a table whose rows may carry overrides.
func (w *metadataWriter) emitOverridden(t int, dst []byte,
	emit func(src []byte, rid uint32)) (uint32, error) {
	count := w.md.Tables.RowCount(t)
	for rid := uint32(1); rid <= count; rid++ {
		b, err := w.md.Tables.Row(t, rid)
		if err != nil {
			return 0, err
		}
		emit(b, rid)
	}
	return w.sizes.rowSize(t) * count, nil
}

// tableWidthsUnchanged reports whether every column of table t has the
// same byte width in the source and the output.
func (w *metadataWriter) tableWidthsUnchanged(t int) bool {
	for _, c := range tableSchemas[t] {
		if w.srcSizes.columnWidth(c) != w.sizes.columnWidth(c) {
			return false
		}
	}
	return true
}
