// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"encoding/binary"
	"sort"
	"strings"
)

// ImageSectionHeader is one row of the section table. Each row holds
// information about one section of the file: its virtual placement, its
// raw placement, and its characteristics.
// Binary layout: each struct is 40 bytes with no padding.
type ImageSectionHeader struct {
	// An 8-byte, null-padded UTF-8 encoded string.
	Name [8]uint8 `json:"name"`

	// The total size of the section when loaded into memory. If greater
	// than SizeOfRawData, the section is zero-padded.
	VirtualSize uint32 `json:"virtual_size"`

	// The address of the first byte of the section relative to the image
	// base when loaded into memory.
	VirtualAddress uint32 `json:"virtual_address"`

	// The size of the initialized data on disk, a multiple of
	// FileAlignment.
	SizeOfRawData uint32 `json:"size_of_raw_data"`

	// The file pointer to the first page of the section, a multiple of
	// FileAlignment.
	PointerToRawData uint32 `json:"pointer_to_raw_data"`

	// The file pointer to the beginning of COFF relocation entries;
	// zero for executable images.
	PointerToRelocations uint32 `json:"pointer_to_relocations"`

	// The file pointer to the beginning of COFF line-number entries;
	// deprecated, zero for images.
	PointerToLineNumbers uint32 `json:"pointer_to_line_numbers"`

	// The number of COFF relocation entries; zero for images.
	NumberOfRelocations uint16 `json:"number_of_relocations"`

	// The number of COFF line-number entries; deprecated.
	NumberOfLineNumbers uint16 `json:"number_of_line_numbers"`

	// The flags that describe the characteristics of the section.
	Characteristics uint32 `json:"characteristics"`
}

// Section represents one PE section.
type Section struct {
	Header ImageSectionHeader `json:"header"`

	// Index of this section in file order; the section table is patched
	// by file order, not virtual order.
	index int
}

// ParseSectionHeader parses the section table, which immediately
// follows the optional header.
func (f *File) ParseSectionHeader() (err error) {
	offset := f.sectionTableOffset

	var secHeader ImageSectionHeader
	numberOfSections := f.NtHeader.FileHeader.NumberOfSections
	secHeaderSize := uint32(binary.Size(secHeader))

	for i := uint16(0); i < numberOfSections; i++ {
		err := f.structUnpack(&secHeader, offset, secHeaderSize)
		if err != nil {
			return err
		}

		if secEnd := int64(secHeader.PointerToRawData) +
			int64(secHeader.SizeOfRawData); secEnd > f.OverlayOffset {
			f.OverlayOffset = secEnd
		}

		if secHeader.SizeOfRawData+secHeader.PointerToRawData > f.size {
			f.Anomalies = append(f.Anomalies, "Section `"+
				sectionNameString(secHeader.Name)+
				"` SizeOfRawData is larger than file")
		}

		f.Sections = append(f.Sections, Section{
			Header: secHeader,
			index:  int(i),
		})
		offset += secHeaderSize
	}

	// Sort a copy by VirtualAddress for RVA lookups; f.Sections keeps
	// file order.
	f.byVA = append([]Section(nil), f.Sections...)
	sort.Slice(f.byVA, func(i, j int) bool {
		return f.byVA[i].Header.VirtualAddress < f.byVA[j].Header.VirtualAddress
	})

	if f.OverlayOffset > 0 && f.OverlayOffset < int64(f.size) {
		f.HasOverlay = true
	}

	f.HasSections = len(f.Sections) > 0
	return nil
}

func sectionNameString(name [8]uint8) string {
	return strings.Replace(string(name[:]), "\x00", "", -1)
}

// String stringifies the section name.
func (section *Section) String() string {
	return sectionNameString(section.Header.Name)
}

// Contains checks whether the section maps the given RVA.
func (section *Section) Contains(rva uint32, f *File) bool {
	va := f.adjustSectionAlignment(section.Header.VirtualAddress)
	size := Max(section.Header.SizeOfRawData, section.Header.VirtualSize)
	return va <= rva && rva < va+size
}

// Data returns length bytes of the section starting at the given RVA.
// A zero length returns the section's raw data from start.
func (section *Section) Data(start, length uint32, f *File) []byte {
	ptrAdj := f.adjustFileAlignment(section.Header.PointerToRawData)
	vaAdj := f.adjustSectionAlignment(section.Header.VirtualAddress)

	var offset uint32
	if start == 0 {
		offset = ptrAdj
	} else {
		offset = start - vaAdj + ptrAdj
	}
	if offset > f.size {
		return nil
	}

	var end uint32
	if length != 0 {
		end = offset + length
	} else {
		end = offset + section.Header.SizeOfRawData
	}
	if end > section.Header.PointerToRawData+section.Header.SizeOfRawData &&
		section.Header.PointerToRawData+section.Header.SizeOfRawData > offset {
		end = section.Header.PointerToRawData + section.Header.SizeOfRawData
	}
	if end > f.size {
		end = f.size
	}
	return f.data[offset:end]
}

// getSectionByRva returns the section mapping the given RVA.
func (f *File) getSectionByRva(rva uint32) *Section {
	for i := range f.byVA {
		if f.byVA[i].Contains(rva, f) {
			return &f.byVA[i]
		}
	}
	return nil
}

// GetOffsetFromRva returns the file offset corresponding to an RVA.
// RVAs below the first section resolve to themselves (header range).
func (f *File) GetOffsetFromRva(rva uint32) uint32 {
	section := f.getSectionByRva(rva)
	if section == nil {
		if rva < f.size {
			return rva
		}
		return ^uint32(0)
	}
	va := f.adjustSectionAlignment(section.Header.VirtualAddress)
	ptr := f.adjustFileAlignment(section.Header.PointerToRawData)
	return rva - va + ptr
}

// GetData returns length bytes at the given RVA regardless of the
// section it lies in.
func (f *File) GetData(rva, length uint32) ([]byte, error) {
	section := f.getSectionByRva(rva)
	if section == nil {
		if rva < f.size && rva+length <= f.size {
			return f.data[rva : rva+length], nil
		}
		return nil, ErrRvaNotMapped
	}
	data := section.Data(rva, length, f)
	if data == nil || uint32(len(data)) < length {
		return nil, ErrOutsideBoundary
	}
	return data, nil
}

// The alignment factor used for section raw data. If PointerToRawData
// is below 0x200 the loader rounds it down to zero; reproduce that.
func (f *File) adjustFileAlignment(va uint32) uint32 {
	fileAlignment := f.FileAlignment()
	if fileAlignment < FileAlignmentHardcodedValue {
		return va
	}
	return (va / 0x200) * 0x200
}

// The in-memory alignment of sections. Below one page the loader falls
// back to file alignment.
func (f *File) adjustSectionAlignment(va uint32) uint32 {
	fileAlignment := f.FileAlignment()
	sectionAlignment := f.SectionAlignment()

	if sectionAlignment < 0x1000 { // page size
		sectionAlignment = fileAlignment
	}
	if sectionAlignment != 0 && va%sectionAlignment != 0 {
		return sectionAlignment * (va / sectionAlignment)
	}
	return va
}
