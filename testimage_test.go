// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"encoding/binary"
	"testing"
)

// The tests build small managed images in memory instead of shipping
// binary fixtures. The builder lays every movable structure (strong
// name slot, debug data, import table, entry stub) after the metadata,
// so a metadata resize exercises the whole rewriter.

const (
	testFileAlign    = 0x200
	testSectionAlign = 0x1000
	testTextRVA      = 0x1000
	testTextPtr      = 0x200
	testImageBase    = 0x00400000
	testSNSize       = 0x80
)

type testRef struct {
	name  string
	token []byte
}

type testImageConfig struct {
	assemblyName string
	versionMajor uint16

	// Full public key blob stored in the Assembly row; nil when
	// unsigned.
	publicKey []byte

	// Reserve a strong-name slot and set the signed flag.
	signed bool

	refs         []testRef
	publicTypes  int
	privateTypes int

	// Pre-seed the TypeRef/MemberRef plumbing for
	// InternalsVisibleToAttribute.
	withIVTPlumbing bool

	// Pre-existing CustomAttribute rows parented on the TypeDefs.
	customAttrs int

	// Filler entries fattening the #Strings heap.
	fillerStrings int
	fillerLen     int
}

// testMetadata assembles a metadata blob through the same schema the
// parser reads.
type testMetadata struct {
	strings []byte
	blob    []byte
	guids   []byte
	us      []byte
	rows    [NumTables][][]uint32
}

func newTestMetadata() *testMetadata {
	return &testMetadata{
		strings: []byte{0},
		blob:    []byte{0},
		us:      []byte{0},
	}
}

func (m *testMetadata) str(s string) uint32 {
	idx := uint32(len(m.strings))
	m.strings = append(m.strings, s...)
	m.strings = append(m.strings, 0)
	return idx
}

func (m *testMetadata) addBlob(b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}
	idx := uint32(len(m.blob))
	m.blob, _ = AppendCompressedUint(m.blob, uint32(len(b)))
	m.blob = append(m.blob, b...)
	return idx
}

func (m *testMetadata) guid() uint32 {
	g := make([]byte, 16)
	g[0] = byte(len(m.guids)/16 + 1)
	m.guids = append(m.guids, g...)
	return uint32(len(m.guids) / 16)
}

func (m *testMetadata) add(table int, vals ...uint32) uint32 {
	m.rows[table] = append(m.rows[table], vals)
	return uint32(len(m.rows[table]))
}

func (m *testMetadata) build(t *testing.T) []byte {
	t.Helper()

	var rowCounts [NumTables]uint32
	var valid uint64
	for tbl := 0; tbl < NumTables; tbl++ {
		if n := len(m.rows[tbl]); n > 0 {
			rowCounts[tbl] = uint32(n)
			valid |= 1 << tbl
		}
	}

	var heaps uint8
	if len(m.strings) > 0xFFFF {
		heaps |= 1 << StringStream
	}
	if len(m.blob) > 0xFFFF {
		heaps |= 1 << BlobStream
	}
	sizes := newIndexSizes(heaps, rowCounts)

	// Mark the sortable table the editor cares about.
	var sorted uint64 = 1 << CustomAttribute

	size := uint32(tableStreamHeaderSize)
	for tbl := 0; tbl < NumTables; tbl++ {
		if rowCounts[tbl] > 0 {
			size += 4 + sizes.rowSize(tbl)*rowCounts[tbl]
		}
	}

	tables := make([]byte, size)
	tables[4] = 2 // schema major version
	tables[6] = heaps
	tables[7] = 1
	binary.LittleEndian.PutUint64(tables[8:], valid)
	binary.LittleEndian.PutUint64(tables[16:], sorted)

	off := uint32(tableStreamHeaderSize)
	for tbl := 0; tbl < NumTables; tbl++ {
		if rowCounts[tbl] > 0 {
			binary.LittleEndian.PutUint32(tables[off:], rowCounts[tbl])
			off += 4
		}
	}
	for tbl := 0; tbl < NumTables; tbl++ {
		rowSize := sizes.rowSize(tbl)
		for _, vals := range m.rows[tbl] {
			if len(vals) != len(tableSchemas[tbl]) {
				t.Fatalf("table %s: %d values for %d columns",
					MetadataTableToString(tbl), len(vals),
					len(tableSchemas[tbl]))
			}
			encodeRow(tbl, vals, tables[off:], &sizes)
			off += rowSize
		}
	}

	streams := []struct {
		name string
		body []byte
	}{
		{StreamTables, padTo4(tables)},
		{StreamStrings, padTo4(m.strings)},
		{StreamUS, padTo4(m.us)},
		{StreamGUID, padTo4(m.guids)},
		{StreamBlob, padTo4(m.blob)},
	}

	version := "v4.0.30319"
	verLen := alignUp(uint32(len(version))+1, 4)
	dirSize := 16 + verLen + 4
	for _, s := range streams {
		dirSize += 8 + alignUp(uint32(len(s.name))+1, 4)
	}
	total := dirSize
	for _, s := range streams {
		total += uint32(len(s.body))
	}

	out := make([]byte, total)
	binary.LittleEndian.PutUint32(out[0:], MetadataSignature)
	binary.LittleEndian.PutUint16(out[4:], 1)
	binary.LittleEndian.PutUint16(out[6:], 1)
	binary.LittleEndian.PutUint32(out[12:], verLen)
	copy(out[16:], version)
	binary.LittleEndian.PutUint16(out[16+verLen+2:],
		uint16(len(streams)))

	dirOff := 16 + verLen + 4
	bodyOff := dirSize
	for _, s := range streams {
		binary.LittleEndian.PutUint32(out[dirOff:], bodyOff)
		binary.LittleEndian.PutUint32(out[dirOff+4:], uint32(len(s.body)))
		dirOff += 8
		copy(out[dirOff:], s.name)
		dirOff += alignUp(uint32(len(s.name))+1, 4)
		copy(out[bodyOff:], s.body)
		bodyOff += uint32(len(s.body))
	}

	return out
}

// mustEncode is a test shorthand over EncodeCodedIndex.
func mustEncode(t *testing.T, ci int, token Token) uint32 {
	t.Helper()
	v, err := EncodeCodedIndex(ci, token)
	if err != nil {
		t.Fatalf("EncodeCodedIndex: %v", err)
	}
	return v
}

// buildTestMetadata assembles the metadata blob for a config.
func buildTestMetadata(t *testing.T, cfg testImageConfig) []byte {
	t.Helper()
	md := newTestMetadata()

	md.add(Module, 0, md.str(cfg.assemblyName+".dll"), md.guid(), 0, 0)

	for _, ref := range cfg.refs {
		md.add(AssemblyRef, 4, 0, 0, 0, 0, md.addBlob(ref.token),
			md.str(ref.name), 0, 0)
	}

	var objectRef uint32
	if len(cfg.refs) > 0 {
		scope := mustEncode(t, ciResolutionScope, NewToken(AssemblyRef, 1))
		objectRid := md.add(TypeRef, scope, md.str("Object"), md.str("System"))
		objectRef = mustEncode(t, ciTypeDefOrRef, NewToken(TypeRef, objectRid))
	}

	// TypeDef rid 1 is the module pseudo-type.
	md.add(TypeDef, 0, md.str("<Module>"), 0, 0, 1, 1)
	// Visible and hidden types, each with an unrelated flag bit kept.
	for i := 0; i < cfg.publicTypes; i++ {
		md.add(TypeDef, uint32(TypePublic|0x00100000),
			md.str("Public"+string(rune('A'+i))), md.str("Test"),
			objectRef, 1, 1)
	}
	for i := 0; i < cfg.privateTypes; i++ {
		md.add(TypeDef, uint32(TypeNotPublic|0x00100000),
			md.str("Hidden"+string(rune('A'+i))), md.str("Test"),
			objectRef, 1, 1)
	}

	if cfg.withIVTPlumbing {
		scope := mustEncode(t, ciResolutionScope, NewToken(AssemblyRef, 1))
		ivtRid := md.add(TypeRef, scope, md.str(ivtTypeName), md.str(ivtNamespace))
		class := mustEncode(t, ciMemberRefParent, NewToken(TypeRef, ivtRid))
		md.add(MemberRef, class, md.str(".ctor"), md.addBlob(ivtCtorSignature))
	}

	if cfg.customAttrs > 0 {
		if !cfg.withIVTPlumbing {
			t.Fatalf("customAttrs requires withIVTPlumbing")
		}
		ctor := mustEncode(t, ciCustomAttributeType,
			NewToken(MemberRef, uint32(len(md.rows[MemberRef]))))
		for i := 0; i < cfg.customAttrs; i++ {
			parent := mustEncode(t, ciHasCustomAttribute,
				NewToken(TypeDef, uint32(i+1)))
			md.add(CustomAttribute, parent, ctor, 0)
		}
	}

	md.add(Assembly, 0x8004, uint32(cfg.versionMajor), 0, 0, 0, 0,
		md.addBlob(cfg.publicKey), md.str(cfg.assemblyName), 0)

	for i := 0; i < cfg.fillerStrings; i++ {
		length := cfg.fillerLen
		if length == 0 {
			length = 90
		}
		filler := make([]byte, length)
		for j := range filler {
			filler[j] = byte('a' + (i+j)%26)
		}
		md.str(string(filler))
	}

	return md.build(t)
}

// layout records where the builder put things, for assertions.
type testLayout struct {
	mdRVA        uint32
	mdSize       uint32
	snRVA        uint32
	debugDirRVA  uint32
	debugDataRVA uint32
	importRVA    uint32
	entryRVA     uint32
	rsrcRVA      uint32
	relocRVA     uint32
}

// buildTestImage assembles a complete 32-bit managed PE.
func buildTestImage(t *testing.T, cfg testImageConfig) []byte {
	t.Helper()
	metadata := buildTestMetadata(t, cfg)

	// Lay out .text: CLI header, metadata, then everything that must
	// shift when the metadata grows.
	cur := uint32(testTextRVA)
	clrRVA := cur
	cur += 72
	cur = alignUp(cur, 4)
	lay := testLayout{mdRVA: cur, mdSize: uint32(len(metadata))}
	cur += lay.mdSize
	cur = alignUp(cur, 4)

	if cfg.signed {
		lay.snRVA = cur
		cur += testSNSize
	}

	lay.debugDirRVA = cur
	cur += debugDirEntrySize
	lay.debugDataRVA = cur
	debugData := append([]byte("BSJB"), make([]byte, 16)...)
	cur += uint32(len(debugData))
	cur = alignUp(cur, 4)

	// Import machinery: two descriptors (one live, one terminator),
	// lookup and address tables, the hint/name entry and the DLL name.
	lay.importRVA = cur
	cur += 2 * importDescriptorSize
	iltRVA := cur
	cur += 8
	iatRVA := cur
	cur += 8
	hintNameRVA := cur
	hintName := append([]byte{0, 0}, []byte("_CorDllMain\x00")...)
	cur += uint32(len(hintName))
	cur = alignUp(cur, 4)
	dllNameRVA := cur
	dllName := []byte("mscoree.dll\x00")
	cur += uint32(len(dllName))
	cur = alignUp(cur, 4)

	lay.entryRVA = cur
	cur += 6 // FF 25 <iat va>

	textVSize := cur - testTextRVA
	textRaw := alignUp(textVSize, testFileAlign)

	lay.rsrcRVA = alignUp(testTextRVA+textVSize, testSectionAlign)
	rsrcData := []byte("rsrc-section-data")
	rsrcVSize := uint32(len(rsrcData))
	rsrcRaw := alignUp(rsrcVSize, testFileAlign)
	rsrcPtr := testTextPtr + textRaw

	lay.relocRVA = alignUp(lay.rsrcRVA+rsrcVSize, testSectionAlign)
	relocPtr := rsrcPtr + rsrcRaw
	relocVSize := uint32(12)
	relocRaw := alignUp(relocVSize, testFileAlign)

	total := relocPtr + relocRaw
	img := make([]byte, total)
	put16 := func(off uint32, v uint16) { binary.LittleEndian.PutUint16(img[off:], v) }
	put32 := func(off uint32, v uint32) { binary.LittleEndian.PutUint32(img[off:], v) }

	// DOS header.
	put16(0, ImageDOSSignature)
	put32(0x3C, 0x80)

	// NT headers.
	put32(0x80, ImageNTSignature)
	put16(0x84, 0x14C) // i386
	put16(0x86, 3)     // sections
	put16(0x94, 0xE0)  // optional header size
	put16(0x96, 0x2102)

	oh := uint32(0x98)
	put16(oh, ImageNtOptionalHeader32Magic)
	put32(oh+offAddressOfEntryPoint, lay.entryRVA)
	put32(oh+28, testImageBase)
	put32(oh+32, testSectionAlign)
	put32(oh+36, testFileAlign)
	put32(oh+offSizeOfImage, lay.relocRVA+testSectionAlign)
	put32(oh+60, 0x200) // SizeOfHeaders
	put16(oh+68, 3)     // subsystem
	put32(oh+92, 16)    // NumberOfRvaAndSizes

	dd := oh + offDataDirectory32
	setDir := func(entry ImageDirectoryEntry, va, size uint32) {
		put32(dd+uint32(entry)*8, va)
		put32(dd+uint32(entry)*8+4, size)
	}
	setDir(ImageDirectoryEntryImport, lay.importRVA, 2*importDescriptorSize)
	setDir(ImageDirectoryEntryResource, lay.rsrcRVA, rsrcVSize)
	setDir(ImageDirectoryEntryBaseReloc, lay.relocRVA, relocVSize)
	setDir(ImageDirectoryEntryDebug, lay.debugDirRVA, debugDirEntrySize)
	setDir(ImageDirectoryEntryIAT, iatRVA, 8)
	setDir(ImageDirectoryEntryCLR, clrRVA, 72)

	// Section table.
	sec := oh + 0xE0
	writeSection := func(i uint32, name string, vsize, va, raw, ptr, chars uint32) {
		base := sec + i*40
		copy(img[base:base+8], name)
		put32(base+8, vsize)
		put32(base+12, va)
		put32(base+16, raw)
		put32(base+20, ptr)
		put32(base+36, chars)
	}
	writeSection(0, ".text", textVSize, testTextRVA, textRaw, testTextPtr,
		ImageScnCntCode|ImageScnMemExecute|ImageScnMemRead)
	writeSection(1, ".rsrc", rsrcVSize, lay.rsrcRVA, rsrcRaw, rsrcPtr,
		ImageScnCntInitializedData|ImageScnMemRead)
	writeSection(2, ".reloc", relocVSize, lay.relocRVA, relocRaw, relocPtr,
		ImageScnCntInitializedData|ImageScnMemRead)

	toOff := func(rva uint32) uint32 {
		switch {
		case rva >= lay.relocRVA:
			return rva - lay.relocRVA + relocPtr
		case rva >= lay.rsrcRVA:
			return rva - lay.rsrcRVA + rsrcPtr
		default:
			return rva - testTextRVA + testTextPtr
		}
	}

	// CLI header.
	clr := toOff(clrRVA)
	put32(clr, 72)
	put16(clr+4, 2)
	put16(clr+6, 5)
	put32(clr+8, lay.mdRVA)
	put32(clr+12, lay.mdSize)
	flags := uint32(COMImageFlagsILOnly)
	if cfg.signed {
		flags |= COMImageFlagsStrongNameSigned
		put32(clr+corStrongName, lay.snRVA)
		put32(clr+corStrongName+4, testSNSize)
	}
	put32(clr+16, flags)

	copy(img[toOff(lay.mdRVA):], metadata)

	// Debug directory: one embedded portable PDB entry.
	dbg := toOff(lay.debugDirRVA)
	put32(dbg+12, ImageDebugTypeEmbeddedPortablePDB)
	put32(dbg+16, uint32(len(debugData)))
	put32(dbg+20, lay.debugDataRVA)
	put32(dbg+24, toOff(lay.debugDataRVA))
	copy(img[toOff(lay.debugDataRVA):], debugData)

	// Import descriptor, lookup and address tables.
	imp := toOff(lay.importRVA)
	put32(imp, iltRVA)
	put32(imp+12, dllNameRVA)
	put32(imp+16, iatRVA)
	put32(toOff(iltRVA), hintNameRVA)
	put32(toOff(iatRVA), hintNameRVA)
	copy(img[toOff(hintNameRVA):], hintName)
	copy(img[toOff(dllNameRVA):], dllName)

	// Entry stub: jmp [iat].
	entry := toOff(lay.entryRVA)
	img[entry] = 0xFF
	img[entry+1] = 0x25
	put32(entry+2, testImageBase+iatRVA)

	copy(img[rsrcPtr:], rsrcData)

	// One relocation block fixing the stub's absolute address.
	reloc := relocPtr
	page := lay.entryRVA &^ 0xFFF
	put32(reloc, page)
	put32(reloc+4, 12)
	put16(reloc+8, uint16(3<<12)|uint16((lay.entryRVA+2)-page))
	put16(reloc+10, 0) // absolute padding entry

	return img
}

// defaultConfig is the baseline image most tests start from.
func defaultConfig() testImageConfig {
	return testImageConfig{
		assemblyName: "X",
		versionMajor: 1,
		refs: []testRef{
			{name: "mscorlib", token: []byte{0xb7, 0x7a, 0x5c, 0x56, 0x19, 0x34, 0xe0, 0x89}},
			{name: "N", token: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		},
		publicTypes:  3,
		privateTypes: 2,
	}
}
