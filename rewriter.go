// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"encoding/binary"
	"fmt"
)

// Rewrite failures.
var (
	// ErrMetadataOverflowsSection is returned when the grown metadata no
	// longer fits the virtual slack of its section. Later sections keep
	// their virtual addresses, so the growth must be absorbed in place.
	ErrMetadataOverflowsSection = fmt.Errorf(
		"%w: metadata does not fit the virtual slack of its section",
		ErrBadImage)

	// ErrRelocPageOverflow is returned when shifting a relocation target
	// would push its 12-bit page offset across a page boundary. The
	// block would need re-chunking; diagnose instead of silently
	// dropping the fixup.
	ErrRelocPageOverflow = fmt.Errorf(
		"%w: relocation offset crosses its page after shifting", ErrBadImage)
)

// rewriteResult carries the emitted image and the offsets the signer
// needs.
type rewriteResult struct {
	out []byte

	// Strong-name signature window in output coordinates; size zero
	// when the image has no slot.
	snOffset uint32
	snSize   uint32

	// PE checksum field offset.
	checksumOffset uint32
}

// peRewriter splices a new metadata blob into its owning section and
// patches every address that pointed past the old metadata end.
// Eligibility checks reason against the original boundaries; writes
// land in the output buffer, so nothing is adjusted twice.
type peRewriter struct {
	f     *File
	newMD []byte

	mdRVA    uint32
	mdOffset uint32
	oldSize  uint32
	newSize  uint32
	sizeDiff int64

	sec        *Section // metadata section, file-order entry
	oldVirt    uint32
	oldRaw     uint32
	newVirt    uint32
	newRaw     uint32
	rawDiff    int64
	oldRvaEnd  uint32 // metadata RVA end in the input
	oldFileEnd uint32 // metadata file-offset end in the input
	secRawEnd  uint32 // section raw end file offset in the input

	out []byte
}

// rewrite emits a new image with newMD spliced in place of the old
// metadata blob.
func (f *File) rewrite(newMD []byte) (*rewriteResult, error) {
	r := &peRewriter{f: f, newMD: newMD}
	if err := r.computeGeometry(); err != nil {
		return nil, err
	}
	r.emitBody()
	if err := r.patchSectionTable(); err != nil {
		return nil, err
	}
	r.patchOptionalHeader()
	r.patchDataDirectories()
	r.patchCLRHeader()
	r.patchDebugDirectory()
	if err := r.patchImportDirectory(); err != nil {
		return nil, err
	}
	if err := r.patchRelocations(); err != nil {
		return nil, err
	}

	res := &rewriteResult{
		out:            r.out,
		checksumOffset: f.optionalHeaderOffset + offCheckSum,
	}

	// Locate and zero the strong-name window; it is recomputed by the
	// signer or left blank.
	snDir := f.CLR.CLRHeader.StrongNameSignature
	if snDir.VirtualAddress != 0 && snDir.Size != 0 {
		snOff := r.mapOffset(f.GetOffsetFromRva(snDir.VirtualAddress))
		for i := uint32(0); i < snDir.Size; i++ {
			r.out[snOff+i] = 0
		}
		res.snOffset = snOff
		res.snSize = snDir.Size
	}

	return res, nil
}

// computeGeometry decides the new section shape. Growth beyond the old
// raw size shifts the file pointers of every later section by rawDiff;
// growth absorbed by the alignment padding leaves them alone.
func (r *peRewriter) computeGeometry() error {
	f := r.f
	r.mdRVA = f.CLR.CLRHeader.MetaData.VirtualAddress
	r.oldSize = f.CLR.CLRHeader.MetaData.Size
	r.newSize = uint32(len(r.newMD))
	r.sizeDiff = int64(r.newSize) - int64(r.oldSize)
	r.mdOffset = f.CLR.metadataOffset
	r.oldRvaEnd = r.mdRVA + r.oldSize
	r.oldFileEnd = r.mdOffset + r.oldSize

	sec := f.getSectionByRva(r.mdRVA)
	if sec == nil {
		return ErrRvaNotMapped
	}
	r.sec = &f.Sections[sec.index]

	r.oldVirt = r.sec.Header.VirtualSize
	r.oldRaw = r.sec.Header.SizeOfRawData
	newVirt := int64(r.oldVirt) + r.sizeDiff
	if newVirt < 0 {
		return fmt.Errorf("%w: metadata larger than its section", ErrBadImage)
	}
	r.newVirt = uint32(newVirt)
	r.secRawEnd = r.sec.Header.PointerToRawData + r.oldRaw

	// The virtual addresses of later sections never move; the grown
	// section must stay inside its own virtual slot.
	for i := range f.Sections {
		va := f.Sections[i].Header.VirtualAddress
		if va > r.sec.Header.VirtualAddress &&
			r.sec.Header.VirtualAddress+r.newVirt > va {
			return ErrMetadataOverflowsSection
		}
	}

	if r.newVirt <= r.oldRaw {
		// Padding absorption; the file layout of later sections holds.
		r.newRaw = r.oldRaw
		r.rawDiff = 0
	} else {
		r.newRaw = alignUp(r.newVirt, f.FileAlignment())
		r.rawDiff = int64(r.newRaw) - int64(r.oldRaw)
	}
	return nil
}

// mapOffset maps an input file offset to its output position. Offsets
// inside the replaced metadata blob have no stable mapping.
func (r *peRewriter) mapOffset(off uint32) uint32 {
	switch {
	case off < r.oldFileEnd:
		return off
	case off < r.secRawEnd:
		return uint32(int64(off) + r.sizeDiff)
	default:
		return uint32(int64(off) + r.rawDiff)
	}
}

// inMetadataSection reports whether an RVA lies in the section owning
// the metadata.
func (r *peRewriter) inMetadataSection(rva uint32) bool {
	va := r.sec.Header.VirtualAddress
	return va <= rva && rva < va+Max(r.oldRaw, r.oldVirt)
}

// rvaEligible reports whether an RVA must be shifted by sizeDiff: in
// the metadata section, at or past the old metadata end.
func (r *peRewriter) rvaEligible(rva uint32) bool {
	return r.inMetadataSection(rva) && rva >= r.oldRvaEnd
}

// shiftRVA applies the metadata size delta to an eligible RVA.
func (r *peRewriter) shiftRVA(rva uint32) uint32 {
	return uint32(int64(rva) + r.sizeDiff)
}

// emitBody lays out the output: everything before the metadata, the
// new blob, the shifted section tail, later sections at their shifted
// pointers, and the overlay. Gaps stay zero.
func (r *peRewriter) emitBody() {
	data := r.f.data
	r.out = make([]byte, int64(len(data))+r.rawDiff)

	// Headers, earlier sections, and the metadata section up to the
	// blob.
	copy(r.out[:r.mdOffset], data[:r.mdOffset])

	// The new metadata.
	copy(r.out[r.mdOffset:], r.newMD)

	// Content of the metadata section after the blob, shifted by
	// sizeDiff. Only the content counted by VirtualSize moves; the rest
	// of the raw size is padding.
	contentEnd := r.sec.Header.PointerToRawData + min32(r.oldVirt, r.oldRaw)
	if contentEnd > r.oldFileEnd {
		dst := uint32(int64(r.oldFileEnd) + r.sizeDiff)
		copy(r.out[dst:], data[r.oldFileEnd:contentEnd])
	}

	// Later sections at their shifted file pointers.
	for i := range r.f.Sections {
		hdr := &r.f.Sections[i].Header
		if hdr.PointerToRawData <= r.sec.Header.PointerToRawData ||
			hdr.SizeOfRawData == 0 {
			continue
		}
		dst := uint32(int64(hdr.PointerToRawData) + r.rawDiff)
		copy(r.out[dst:], data[hdr.PointerToRawData:hdr.PointerToRawData+hdr.SizeOfRawData])
	}

	// Overlay data beyond the last section.
	if r.f.OverlayOffset > 0 && r.f.OverlayOffset < int64(len(data)) {
		dst := r.f.OverlayOffset + r.rawDiff
		copy(r.out[dst:], data[r.f.OverlayOffset:])
	}
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// patchSectionTable updates the metadata section's sizes and shifts
// the raw pointers of every later section.
func (r *peRewriter) patchSectionTable() error {
	base := r.f.sectionTableOffset
	for i := range r.f.Sections {
		hdr := &r.f.Sections[i].Header
		entry := base + uint32(i)*40
		if hdr.VirtualAddress == r.sec.Header.VirtualAddress {
			binary.LittleEndian.PutUint32(r.out[entry+8:], r.newVirt)
			binary.LittleEndian.PutUint32(r.out[entry+16:], r.newRaw)
			continue
		}
		if r.rawDiff != 0 && hdr.PointerToRawData > r.sec.Header.PointerToRawData {
			binary.LittleEndian.PutUint32(r.out[entry+20:],
				uint32(int64(hdr.PointerToRawData)+r.rawDiff))
		}
	}
	return nil
}

// patchOptionalHeader updates SizeOfCode, SizeOfImage and the entry
// point.
func (r *peRewriter) patchOptionalHeader() {
	oh := r.f.optionalHeaderOffset

	// A code section that grew on disk is accounted in SizeOfCode.
	if r.rawDiff != 0 && r.sec.Header.Characteristics&ImageScnCntCode != 0 {
		off := oh + offSizeOfCode
		v := binary.LittleEndian.Uint32(r.out[off:])
		binary.LittleEndian.PutUint32(r.out[off:],
			uint32(int64(v)+r.rawDiff))
	}

	// When the metadata section is the last one virtually, its growth
	// can push the image size.
	last := r.sec.Header.VirtualAddress
	isLast := true
	for i := range r.f.Sections {
		if r.f.Sections[i].Header.VirtualAddress > last {
			isLast = false
			break
		}
	}
	if isLast {
		newSize := alignUp(r.sec.Header.VirtualAddress+r.newVirt,
			r.f.SectionAlignment())
		off := oh + offSizeOfImage
		if newSize > binary.LittleEndian.Uint32(r.out[off:]) {
			binary.LittleEndian.PutUint32(r.out[off:], newSize)
		}
	}

	if ep := r.f.AddressOfEntryPoint(); ep != 0 && r.rvaEligible(ep) {
		binary.LittleEndian.PutUint32(r.out[oh+offAddressOfEntryPoint:],
			r.shiftRVA(ep))
	}
}

// patchDataDirectories shifts every directory RVA that lies in the
// metadata section past the old metadata end. The certificate entry is
// file-offset based and is dropped instead: editing the image
// invalidates Authenticode.
func (r *peRewriter) patchDataDirectories() {
	for i := ImageDirectoryEntry(0); i < ImageNumberOfDirectoryEntries; i++ {
		off := r.f.dataDirectoryOffset(i)
		if i == ImageDirectoryEntryCertificate {
			if r.f.HasCertificate {
				r.f.logger.Warnf(
					"dropping Authenticode signature of %q: rewrite invalidates it",
					r.f.Certificates.SignerSubject)
				binary.LittleEndian.PutUint32(r.out[off:], 0)
				binary.LittleEndian.PutUint32(r.out[off+4:], 0)
			}
			continue
		}
		dir := r.f.DataDirectoryEntry(i)
		if dir.VirtualAddress == 0 || !r.rvaEligible(dir.VirtualAddress) {
			continue
		}
		binary.LittleEndian.PutUint32(r.out[off:],
			r.shiftRVA(dir.VirtualAddress))
	}
}

// ImageCOR20Header field offsets.
const (
	corMetaDataSize    = 12
	corResources       = 24
	corStrongName      = 32
	corCodeManager     = 40
	corVTableFixups    = 48
	corExportAddrJumps = 56
	corManagedNative   = 64
)

// patchCLRHeader updates the metadata size and shifts the CLI
// sub-directories that live past the old metadata end.
func (r *peRewriter) patchCLRHeader() {
	base := r.mapOffset(r.f.CLR.clrHeaderOffset)
	binary.LittleEndian.PutUint32(r.out[base+corMetaDataSize:], r.newSize)

	for _, fieldOff := range []uint32{
		corResources, corStrongName, corCodeManager,
		corVTableFixups, corExportAddrJumps, corManagedNative,
	} {
		va := binary.LittleEndian.Uint32(r.out[base+fieldOff:])
		if va != 0 && r.rvaEligible(va) {
			binary.LittleEndian.PutUint32(r.out[base+fieldOff:],
				r.shiftRVA(va))
		}
	}
}

// patchDebugDirectory adjusts the raw-data address and file pointer of
// every debug entry that points past the old metadata.
func (r *peRewriter) patchDebugDirectory() {
	for i := range r.f.Debugs {
		entry := &r.f.Debugs[i]
		out := r.mapOffset(entry.offset)

		if addr := entry.Struct.AddressOfRawData; addr != 0 && r.rvaEligible(addr) {
			binary.LittleEndian.PutUint32(r.out[out+20:], r.shiftRVA(addr))
		}
		if ptr := entry.Struct.PointerToRawData; ptr >= r.oldFileEnd {
			binary.LittleEndian.PutUint32(r.out[out+24:], r.mapOffset(ptr))
		}
	}
}

// patchImportDirectory adjusts import descriptors and the name entries
// of their lookup tables.
func (r *peRewriter) patchImportDirectory() error {
	thunkSize := uint32(4)
	var ordinalBit uint64 = 1 << 31
	if r.f.Is64 {
		thunkSize = 8
		ordinalBit = 1 << 63
	}

	for i := range r.f.Imports {
		imp := &r.f.Imports[i]
		out := r.mapOffset(imp.offset)

		desc := imp.Descriptor
		if desc.OriginalFirstThunk != 0 && r.rvaEligible(desc.OriginalFirstThunk) {
			binary.LittleEndian.PutUint32(r.out[out:],
				r.shiftRVA(desc.OriginalFirstThunk))
		}
		if desc.Name != 0 && r.rvaEligible(desc.Name) {
			binary.LittleEndian.PutUint32(r.out[out+12:],
				r.shiftRVA(desc.Name))
		}
		if desc.FirstThunk != 0 && r.rvaEligible(desc.FirstThunk) {
			binary.LittleEndian.PutUint32(r.out[out+16:],
				r.shiftRVA(desc.FirstThunk))
		}

		// The lookup and address tables carry the same name RVAs until
		// the image is bound.
		for _, tableRVA := range []uint32{desc.OriginalFirstThunk, desc.FirstThunk} {
			if tableRVA == 0 {
				continue
			}
			if err := r.patchThunkTable(tableRVA, thunkSize, ordinalBit); err != nil {
				return err
			}
		}
	}
	return nil
}

// patchThunkTable walks one zero-terminated thunk array and shifts
// every name entry pointing past the old metadata.
func (r *peRewriter) patchThunkTable(rva, thunkSize uint32, ordinalBit uint64) error {
	offset := r.f.GetOffsetFromRva(rva)
	if offset == ^uint32(0) {
		return ErrRvaNotMapped
	}
	for {
		var value uint64
		var err error
		if thunkSize == 8 {
			value, err = r.f.ReadUint64(offset)
		} else {
			var v uint32
			v, err = r.f.ReadUint32(offset)
			value = uint64(v)
		}
		if err != nil {
			return err
		}
		if value == 0 {
			return nil
		}

		// Ordinal imports carry no RVA.
		if value&ordinalBit == 0 {
			nameRVA := uint32(value)
			if r.rvaEligible(nameRVA) {
				out := r.mapOffset(offset)
				shifted := uint64(r.shiftRVA(nameRVA))
				if thunkSize == 8 {
					binary.LittleEndian.PutUint64(r.out[out:], shifted)
				} else {
					binary.LittleEndian.PutUint32(r.out[out:], uint32(shifted))
				}
			}
		}
		offset += thunkSize
	}
}

// patchRelocations shifts the targets of base relocation entries.
// Shifted targets normally stay within their 4K page; when they cross
// it, the whole block is rebased onto the new page if every live entry
// moves together, and the condition is a diagnosed failure otherwise,
// never a silent skip.
func (r *peRewriter) patchRelocations() error {
	dir := r.f.DataDirectoryEntry(ImageDirectoryEntryBaseReloc)
	if dir.VirtualAddress == 0 {
		return nil
	}

	rva := dir.VirtualAddress
	for _, block := range r.f.Relocations {
		if err := r.patchRelocBlock(rva, block); err != nil {
			return err
		}
		rva += block.Data.SizeOfBlock
	}
	return nil
}

func (r *peRewriter) patchRelocBlock(blockRVA uint32, block Relocation) error {
	pageRVA := block.Data.VirtualAddress
	live, eligible, crossing := 0, 0, false
	minTarget := ^uint32(0)
	for _, entry := range block.Entries {
		if entry.Type == ImageRelBasedAbsolute {
			continue
		}
		live++
		target := pageRVA + uint32(entry.Offset)
		if target < minTarget {
			minTarget = target
		}
		if !r.rvaEligible(target) {
			continue
		}
		eligible++
		newOffset := int64(target) + r.sizeDiff - int64(pageRVA)
		if newOffset < 0 || newOffset > 0xfff {
			crossing = true
		}
	}
	if eligible == 0 {
		return nil
	}

	blockOff := r.mapOffset(r.f.GetOffsetFromRva(blockRVA))
	entryOff := blockOff + 8

	if !crossing {
		for _, entry := range block.Entries {
			if entry.Type != ImageRelBasedAbsolute {
				target := pageRVA + uint32(entry.Offset)
				if r.rvaEligible(target) {
					newOffset := uint16(int64(target) + r.sizeDiff -
						int64(pageRVA))
					binary.LittleEndian.PutUint16(r.out[entryOff:],
						uint16(entry.Type)<<12|newOffset)
				}
			}
			entryOff += 2
		}
		return nil
	}

	// The shift leaves the page. Rebase the whole block when every live
	// entry moves together.
	if eligible != live {
		return fmt.Errorf("%w: page %#x mixes shifted and fixed entries",
			ErrRelocPageOverflow, pageRVA)
	}
	newPage := uint32(int64(minTarget)+r.sizeDiff) &^ 0xFFF
	binary.LittleEndian.PutUint32(r.out[blockOff:], newPage)
	for _, entry := range block.Entries {
		if entry.Type == ImageRelBasedAbsolute {
			binary.LittleEndian.PutUint16(r.out[entryOff:], 0)
			entryOff += 2
			continue
		}
		target := pageRVA + uint32(entry.Offset)
		newOffset := int64(target) + r.sizeDiff - int64(newPage)
		if newOffset < 0 || newOffset > 0xfff {
			return fmt.Errorf("%w: page %#x spans more than one page after shift",
				ErrRelocPageOverflow, pageRVA)
		}
		binary.LittleEndian.PutUint16(r.out[entryOff:],
			uint16(entry.Type)<<12|uint16(newOffset))
		entryOff += 2
	}
	r.f.logger.Debugf("rebased relocation block %#x to %#x", pageRVA, newPage)
	return nil
}

// computeChecksum calculates the PE checksum of data, skipping the
// 4-byte checksum field itself.
func computeChecksum(data []byte, checksumOffset uint32) uint32 {
	var checksum uint64
	var maxVal uint64 = 0x100000000
	size := uint32(len(data))

	for i := uint32(0); i+4 <= size; i += 4 {
		if i == checksumOffset {
			continue
		}
		dword := binary.LittleEndian.Uint32(data[i:])
		checksum = (checksum & 0xffffffff) + uint64(dword) + (checksum >> 32)
		if checksum > maxVal {
			checksum = (checksum & 0xffffffff) + (checksum >> 32)
		}
	}
	if rem := size % 4; rem != 0 {
		var tail [4]byte
		copy(tail[:], data[size-rem:])
		dword := binary.LittleEndian.Uint32(tail[:])
		checksum = (checksum & 0xffffffff) + uint64(dword) + (checksum >> 32)
		if checksum > maxVal {
			checksum = (checksum & 0xffffffff) + (checksum >> 32)
		}
	}

	checksum = (checksum & 0xffff) + (checksum >> 16)
	checksum += checksum >> 16
	checksum &= 0xffff
	checksum += uint64(size)
	return uint32(checksum)
}
