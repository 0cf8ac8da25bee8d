// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// saveAndReload runs a full save cycle and reopens the output.
func saveAndReload(t *testing.T, ed *Editor, key *StrongNameKey) (*Editor, []byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.dll")
	if err := ed.Save(path, key); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	out, err := OpenBytes(data, &Options{})
	if err != nil {
		t.Fatalf("reopening saved image failed: %v", err)
	}
	return out, data
}

func TestRoundTripUnmodified(t *testing.T) {
	cfg := defaultConfig()
	cfg.withIVTPlumbing = true
	cfg.customAttrs = 2
	img := buildTestImage(t, cfg)

	ed, err := OpenBytes(img, &Options{})
	if err != nil {
		t.Fatalf("OpenBytes failed: %v", err)
	}
	defer ed.Close()

	out, data := saveAndReload(t, ed, nil)
	defer out.Close()

	if !bytes.Equal(data, img) {
		t.Error("unmodified save is not byte-identical")
	}

	// Every row of every table decodes to the source values.
	src := ed.file.CLR.Metadata.Tables
	dst := out.file.CLR.Metadata.Tables
	for tbl := 0; tbl < NumTables; tbl++ {
		if src.RowCount(tbl) != dst.RowCount(tbl) {
			t.Errorf("%s rows = %d, want %d", MetadataTableToString(tbl),
				dst.RowCount(tbl), src.RowCount(tbl))
			continue
		}
		for rid := uint32(1); rid <= src.RowCount(tbl); rid++ {
			sb, _ := src.Row(tbl, rid)
			db, _ := dst.Row(tbl, rid)
			if !bytes.Equal(sb, db) {
				t.Errorf("%s row %d differs", MetadataTableToString(tbl), rid)
			}
		}
	}
}

func TestRenameAssembly(t *testing.T) {
	cfg := defaultConfig()
	cfg.publicKey = bytes.Repeat([]byte{0x42}, 160)
	ed := openTestEditor(t, cfg)
	defer ed.Close()

	if err := ed.Rename("Y"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	out, _ := saveAndReload(t, ed, nil)
	defer out.Close()

	name, err := out.Name()
	if err != nil {
		t.Fatalf("Name failed: %v", err)
	}
	if name != "Y" {
		t.Errorf("name = %q, want %q", name, "Y")
	}
	major, _, _, _, err := out.Version()
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if major != 1 {
		t.Errorf("major version = %d, want 1", major)
	}
	key, err := out.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey failed: %v", err)
	}
	if !bytes.Equal(key, cfg.publicKey) {
		t.Error("public key blob changed across rename")
	}

	row, err := out.plan.AssemblyRow(1)
	if err != nil {
		t.Fatalf("AssemblyRow failed: %v", err)
	}
	if row.Flags != 0 {
		t.Errorf("assembly flags = %#x, want 0", row.Flags)
	}

	token, err := out.PublicKeyToken()
	if err != nil {
		t.Fatalf("PublicKeyToken failed: %v", err)
	}
	if !bytes.Equal(token, PublicKeyToken(cfg.publicKey)) {
		t.Errorf("token = % x, want % x", token, PublicKeyToken(cfg.publicKey))
	}
}

func TestPublicKeyTokenUnsigned(t *testing.T) {
	ed := openTestEditor(t, defaultConfig())
	defer ed.Close()

	token, err := ed.PublicKeyToken()
	if err != nil {
		t.Fatalf("PublicKeyToken failed: %v", err)
	}
	if token != nil {
		t.Errorf("token = % x, want nil for an unsigned assembly", token)
	}
}

func TestMakeTypesInternalScenario(t *testing.T) {
	cfg := defaultConfig()
	cfg.publicTypes = 10
	ed := openTestEditor(t, cfg)
	defer ed.Close()

	changed, err := ed.MakeTypesInternal()
	if err != nil {
		t.Fatalf("MakeTypesInternal failed: %v", err)
	}
	if changed != 10 {
		t.Errorf("changed = %d, want 10", changed)
	}

	out, _ := saveAndReload(t, ed, nil)
	defer out.Close()

	ts := out.file.CLR.Metadata.Tables
	sizes := ts.Sizes()
	for rid := uint32(1); rid <= ts.RowCount(TypeDef); rid++ {
		b, err := ts.Row(TypeDef, rid)
		if err != nil {
			t.Fatalf("Row(TypeDef, %d) failed: %v", rid, err)
		}
		row := readTypeDefRow(b, sizes)
		if row.IsExported() {
			t.Errorf("TypeDef %d still exported, flags %#x", rid, row.Flags)
		}
		// The non-visibility bits must survive bit for bit.
		if rid > 1 && row.Flags&^uint32(TypeVisibilityMask) != 0x00100000 {
			t.Errorf("TypeDef %d upper bits = %#x, want 0x00100000",
				rid, row.Flags&^uint32(TypeVisibilityMask))
		}
	}
}

func TestAddFriendScenario(t *testing.T) {
	ed := openTestEditor(t, defaultConfig())
	defer ed.Close()

	srcTypeRefs := ed.file.CLR.Metadata.Tables.RowCount(TypeRef)
	srcMemberRefs := ed.file.CLR.Metadata.Tables.RowCount(MemberRef)

	if err := ed.AddFriend("Friend1", nil); err != nil {
		t.Fatalf("AddFriend failed: %v", err)
	}

	out, _ := saveAndReload(t, ed, nil)
	defer out.Close()

	md := out.file.CLR.Metadata
	if got := md.Tables.RowCount(TypeRef); got != srcTypeRefs+1 {
		t.Errorf("TypeRef rows = %d, want %d", got, srcTypeRefs+1)
	}
	if got := md.Tables.RowCount(MemberRef); got != srcMemberRefs+1 {
		t.Errorf("MemberRef rows = %d, want %d", got, srcMemberRefs+1)
	}
	if got := md.Tables.RowCount(CustomAttribute); got != 1 {
		t.Fatalf("CustomAttribute rows = %d, want 1", got)
	}
	if !md.Tables.IsSorted(CustomAttribute) {
		t.Error("CustomAttribute sorted bit not set")
	}

	b, err := md.Tables.Row(CustomAttribute, 1)
	if err != nil {
		t.Fatalf("Row(CustomAttribute, 1) failed: %v", err)
	}
	row := readCustomAttributeRow(b, md.Tables.Sizes())

	parent, err := DecodeCodedIndex(ciHasCustomAttribute, row.Parent)
	if err != nil {
		t.Fatalf("decode parent: %v", err)
	}
	if parent != NewToken(Assembly, 1) {
		t.Errorf("parent = %v, want Assembly[1]", parent)
	}

	value, err := md.Blobs.GetBlob(row.Value)
	if err != nil {
		t.Fatalf("value blob: %v", err)
	}
	want := []byte{0x01, 0x00, 0x07, 'F', 'r', 'i', 'e', 'n', 'd', '1', 0x00, 0x00}
	if !bytes.Equal(value, want) {
		t.Errorf("value = % x, want % x", value, want)
	}

	// The appended TypeRef resolves to the attribute type.
	ctor, err := DecodeCodedIndex(ciCustomAttributeType, row.Type)
	if err != nil {
		t.Fatalf("decode ctor: %v", err)
	}
	mb, err := md.Tables.Row(MemberRef, ctor.RID())
	if err != nil {
		t.Fatalf("Row(MemberRef) failed: %v", err)
	}
	mrow := readMemberRefRow(mb, md.Tables.Sizes())
	class, err := DecodeCodedIndex(ciMemberRefParent, mrow.Class)
	if err != nil {
		t.Fatalf("decode class: %v", err)
	}
	tb, err := md.Tables.Row(TypeRef, class.RID())
	if err != nil {
		t.Fatalf("Row(TypeRef) failed: %v", err)
	}
	trow := readTypeRefRow(tb, md.Tables.Sizes())
	if name, _ := md.Strings.GetString(trow.Name); name != ivtTypeName {
		t.Errorf("TypeRef name = %q, want %q", name, ivtTypeName)
	}
	if ns, _ := md.Strings.GetString(trow.Namespace); ns != ivtNamespace {
		t.Errorf("TypeRef namespace = %q, want %q", ns, ivtNamespace)
	}
}

func TestCustomAttributeStaysSortedAfterAppends(t *testing.T) {
	cfg := defaultConfig()
	cfg.withIVTPlumbing = true
	cfg.customAttrs = 3
	ed := openTestEditor(t, cfg)
	defer ed.Close()

	// The assembly parent (0x2E) encodes between TypeDef[1] (0x23) and
	// TypeDef[2] (0x43), so rows appended at the end are out of order
	// until the emitter sorts them.
	if err := ed.AddFriend("FriendA", nil); err != nil {
		t.Fatalf("AddFriend failed: %v", err)
	}
	if err := ed.AddFriend("FriendB", nil); err != nil {
		t.Fatalf("AddFriend failed: %v", err)
	}

	out, _ := saveAndReload(t, ed, nil)
	defer out.Close()

	md := out.file.CLR.Metadata
	count := md.Tables.RowCount(CustomAttribute)
	if count != 5 {
		t.Fatalf("CustomAttribute rows = %d, want 5", count)
	}
	prev := uint32(0)
	for rid := uint32(1); rid <= count; rid++ {
		b, err := md.Tables.Row(CustomAttribute, rid)
		if err != nil {
			t.Fatalf("Row failed: %v", err)
		}
		row := readCustomAttributeRow(b, md.Tables.Sizes())
		if row.Parent < prev {
			t.Fatalf("row %d parent %#x below predecessor %#x",
				rid, row.Parent, prev)
		}
		prev = row.Parent
	}
}

func TestRewriterPreservesLaterStructures(t *testing.T) {
	cfg := defaultConfig()
	cfg.signed = true
	cfg.publicKey = bytes.Repeat([]byte{7}, 160)
	ed := openTestEditor(t, cfg)
	defer ed.Close()

	// Fifty grants force a solid metadata resize.
	for i := 0; i < 50; i++ {
		name := "FriendAssembly" + string(rune('A'+i%26)) + string(rune('a'+i/26))
		if err := ed.AddFriend(name, nil); err != nil {
			t.Fatalf("AddFriend failed: %v", err)
		}
	}

	out, _ := saveAndReload(t, ed, nil)
	defer out.Close()

	f := out.file

	// Data directories still land in their sections.
	rsrcDir := f.DataDirectoryEntry(ImageDirectoryEntryResource)
	if sec := f.getSectionByRva(rsrcDir.VirtualAddress); sec == nil ||
		sec.String() != ".rsrc" {
		t.Errorf("resource directory %#x not in .rsrc", rsrcDir.VirtualAddress)
	}
	relocDir := f.DataDirectoryEntry(ImageDirectoryEntryBaseReloc)
	if sec := f.getSectionByRva(relocDir.VirtualAddress); sec == nil ||
		sec.String() != ".reloc" {
		t.Errorf("reloc directory %#x not in .reloc", relocDir.VirtualAddress)
	}

	// The debug entry resolves to the embedded PDB blob through both
	// addressing spaces.
	if len(f.Debugs) != 1 {
		t.Fatalf("debug entries = %d, want 1", len(f.Debugs))
	}
	dbg := f.Debugs[0].Struct
	byRVA, err := f.GetData(dbg.AddressOfRawData, 4)
	if err != nil {
		t.Fatalf("debug data by RVA: %v", err)
	}
	if string(byRVA) != "BSJB" {
		t.Errorf("debug data by RVA = %q, want BSJB", byRVA)
	}
	byPtr, err := f.ReadBytesAtOffset(dbg.PointerToRawData, 4)
	if err != nil {
		t.Fatalf("debug data by pointer: %v", err)
	}
	if string(byPtr) != "BSJB" {
		t.Errorf("debug data by pointer = %q, want BSJB", byPtr)
	}
	if f.GetOffsetFromRva(dbg.AddressOfRawData) != dbg.PointerToRawData {
		t.Error("debug RVA and file pointer disagree")
	}

	// Imports survive the shift.
	if len(f.Imports) != 1 || f.Imports[0].Name != "mscoree.dll" {
		t.Errorf("imports after rewrite: %+v", f.Imports)
	}

	// The entry stub moved with its section content.
	entry := f.AddressOfEntryPoint()
	stub, err := f.GetData(entry, 2)
	if err != nil {
		t.Fatalf("entry stub: %v", err)
	}
	if stub[0] != 0xFF || stub[1] != 0x25 {
		t.Errorf("entry stub bytes = % x, want ff 25", stub)
	}

	// The relocation entry still targets the stub's address field.
	if len(f.Relocations) != 1 || len(f.Relocations[0].Entries) != 2 {
		t.Fatalf("relocations after rewrite: %+v", f.Relocations)
	}
	live := f.Relocations[0].Entries[0]
	target := f.Relocations[0].Data.VirtualAddress + uint32(live.Offset)
	if target != entry+2 {
		t.Errorf("reloc target = %#x, want %#x", target, entry+2)
	}

	// Section raw sizes stay file-aligned.
	align := f.FileAlignment()
	for _, sec := range f.Sections {
		if sec.Header.SizeOfRawData%align != 0 {
			t.Errorf("section %s raw size %#x not aligned",
				sec.String(), sec.Header.SizeOfRawData)
		}
	}
}

func TestHeapGrowthPastWidthBoundary(t *testing.T) {
	cfg := defaultConfig()
	cfg.fillerStrings = 716 // about 65400 bytes of #Strings
	ed := openTestEditor(t, cfg)
	defer ed.Close()

	if got := len(ed.file.CLR.Metadata.Strings); got > 0xFFFF {
		t.Fatalf("fixture heap too large already: %d", got)
	}

	// Push 300 more 90-byte strings through the plan, driving the heap
	// far past 2^16.
	appended := make(map[uint32]string, 300)
	for i := 0; i < 300; i++ {
		s := string(bytes.Repeat([]byte{byte('A' + i%26)}, 89)) +
			string(rune('a'+i%26))
		appended[ed.plan.strings.Add(s)] = s
	}

	out, _ := saveAndReload(t, ed, nil)
	defer out.Close()

	md := out.file.CLR.Metadata
	if md.Tables.Header.Heaps&(1<<StringStream) == 0 {
		t.Error("HeapSizes string bit not set after growth")
	}
	if md.Tables.Sizes().str != 4 {
		t.Errorf("string index width = %d, want 4", md.Tables.Sizes().str)
	}

	// Original and appended strings are retrievable at their indices.
	name, err := out.Name()
	if err != nil || name != "X" {
		t.Errorf("Name = (%q, %v), want X", name, err)
	}
	for idx, want := range appended {
		got, err := md.Strings.GetString(idx)
		if err != nil {
			t.Fatalf("GetString(%d) failed: %v", idx, err)
		}
		if got != want {
			t.Errorf("GetString(%d) = %q, want %q", idx, got, want)
		}
	}
}

func TestSaveOverwritesInputAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.dll")
	if err := os.WriteFile(path, buildTestImage(t, defaultConfig()), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	ed, err := Open(path, &Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := ed.Rename("Renamed"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if err := ed.Save(path, nil); err != nil {
		t.Fatalf("Save over input failed: %v", err)
	}
	if err := ed.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	out, err := OpenBytes(data, &Options{})
	if err != nil {
		t.Fatalf("reopening failed: %v", err)
	}
	defer out.Close()
	if name, _ := out.Name(); name != "Renamed" {
		t.Errorf("name = %q, want Renamed", name)
	}

	// No stray temp files remain.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want 1", len(entries))
	}
}
