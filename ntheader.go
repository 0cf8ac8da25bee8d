// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"encoding/binary"
)

// ImageNtHeader represents the PE header and is the general term for a
// structure named IMAGE_NT_HEADERS.
type ImageNtHeader struct {
	// Signature is a DWORD containing the value 50h, 45h, 00h, 00h.
	Signature uint32 `json:"signature"`

	// The COFF header, located immediately after the PE signature.
	FileHeader ImageFileHeader `json:"file_header"`

	// OptionalHeader is of type ImageOptionalHeader32 or
	// ImageOptionalHeader64.
	OptionalHeader interface{} `json:"optional_header"`
}

// ImageFileHeader contains info about the physical layout and
// properties of the file.
type ImageFileHeader struct {
	// The number that identifies the type of target machine.
	Machine uint16 `json:"machine"`

	// The number of sections. This indicates the size of the section
	// table, which immediately follows the headers.
	NumberOfSections uint16 `json:"number_of_sections"`

	// The low 32 bits of the number of seconds since the Unix epoch that
	// indicates when the file was created.
	TimeDateStamp uint32 `json:"time_date_stamp"`

	// The file offset of the COFF symbol table; zero for images.
	PointerToSymbolTable uint32 `json:"pointer_to_symbol_table"`

	// The number of entries in the symbol table; zero for images.
	NumberOfSymbols uint32 `json:"number_of_symbols"`

	// The size of the optional header.
	SizeOfOptionalHeader uint16 `json:"size_of_optional_header"`

	// The flags that indicate the attributes of the file.
	Characteristics uint16 `json:"characteristics"`
}

// DataDirectory represents an entry of the data directory array.
type DataDirectory struct {
	// The relative virtual address of the table.
	VirtualAddress uint32 `json:"virtual_address"`

	// The size of the table, in bytes.
	Size uint32 `json:"size"`
}

// ImageOptionalHeader32 represents the PE32 variant of the optional
// header.
type ImageOptionalHeader32 struct {
	// 0x10B for PE32, 0x20B for PE32+.
	Magic uint16 `json:"magic"`

	// Linker version numbers.
	MajorLinkerVersion uint8 `json:"major_linker_version"`
	MinorLinkerVersion uint8 `json:"minor_linker_version"`

	// The sum of all code section sizes.
	SizeOfCode uint32 `json:"size_of_code"`

	// The sum of all initialized data section sizes.
	SizeOfInitializedData uint32 `json:"size_of_initialized_data"`

	// The sum of all uninitialized data section sizes.
	SizeOfUninitializedData uint32 `json:"size_of_uninitialized_data"`

	// The address of the entry point relative to the image base. For
	// managed PE files this points to the runtime invocation stub.
	AddressOfEntryPoint uint32 `json:"address_of_entrypoint"`

	// RVA of the beginning-of-code section.
	BaseOfCode uint32 `json:"base_of_code"`

	// RVA of the beginning-of-data section. PE32 only.
	BaseOfData uint32 `json:"base_of_data"`

	// The preferred load address; must be a multiple of 64K.
	ImageBase uint32 `json:"image_base"`

	// The alignment of sections loaded in memory; at least FileAlignment.
	SectionAlignment uint32 `json:"section_alignment"`

	// The alignment of section raw data in the file, a power of 2
	// between 512 and 64K.
	FileAlignment uint32 `json:"file_alignment"`

	// Required OS/image/subsystem version numbers.
	MajorOperatingSystemVersion uint16 `json:"major_os_version"`
	MinorOperatingSystemVersion uint16 `json:"minor_os_version"`
	MajorImageVersion           uint16 `json:"major_image_version"`
	MinorImageVersion           uint16 `json:"minor_image_version"`
	MajorSubsystemVersion       uint16 `json:"major_subsystem_version"`
	MinorSubsystemVersion       uint16 `json:"minor_subsystem_version"`

	// Reserved, must be zero.
	Win32VersionValue uint32 `json:"win32_version_value"`

	// The size of the image as loaded in memory, a multiple of
	// SectionAlignment.
	SizeOfImage uint32 `json:"size_of_image"`

	// The combined size of the DOS stub, PE header, and section headers
	// rounded up to a multiple of FileAlignment.
	SizeOfHeaders uint32 `json:"size_of_headers"`

	// The image file checksum.
	CheckSum uint32 `json:"checksum"`

	// The subsystem required to run this image.
	Subsystem uint16 `json:"subsystem"`

	// DLL characteristics flags.
	DllCharacteristics uint16 `json:"dll_characteristics"`

	// Stack and heap reserve/commit sizes.
	SizeOfStackReserve uint32 `json:"size_of_stack_reserve"`
	SizeOfStackCommit  uint32 `json:"size_of_stack_commit"`
	SizeOfHeapReserve  uint32 `json:"size_of_heap_reserve"`
	SizeOfHeapCommit   uint32 `json:"size_of_heap_commit"`

	// Reserved, must be zero.
	LoaderFlags uint32 `json:"loader_flags"`

	// Number of entries in the DataDirectory array; at least 16.
	NumberOfRvaAndSizes uint32 `json:"number_of_rva_and_sizes"`

	// An array of 16 IMAGE_DATA_DIRECTORY structures.
	DataDirectory [16]DataDirectory `json:"data_directories"`
}

// ImageOptionalHeader64 represents the PE32+ variant of the optional
// header.
type ImageOptionalHeader64 struct {
	// 0x10B for PE32, 0x20B for PE32+.
	Magic uint16 `json:"magic"`

	// Linker version numbers.
	MajorLinkerVersion uint8 `json:"major_linker_version"`
	MinorLinkerVersion uint8 `json:"minor_linker_version"`

	// The sum of all code section sizes.
	SizeOfCode uint32 `json:"size_of_code"`

	// The sum of all initialized data section sizes.
	SizeOfInitializedData uint32 `json:"size_of_initialized_data"`

	// The sum of all uninitialized data section sizes.
	SizeOfUninitializedData uint32 `json:"size_of_uninitialized_data"`

	// The address of the entry point relative to the image base. For
	// managed PE files this points to the runtime invocation stub.
	AddressOfEntryPoint uint32 `json:"address_of_entrypoint"`

	// RVA of the beginning-of-code section.
	BaseOfCode uint32 `json:"base_of_code"`

	// The preferred load address; 8 bytes in PE32+.
	ImageBase uint64 `json:"image_base"`

	// The alignment of sections loaded in memory; at least FileAlignment.
	SectionAlignment uint32 `json:"section_alignment"`

	// The alignment of section raw data in the file, a power of 2
	// between 512 and 64K.
	FileAlignment uint32 `json:"file_alignment"`

	// Required OS/image/subsystem version numbers.
	MajorOperatingSystemVersion uint16 `json:"major_os_version"`
	MinorOperatingSystemVersion uint16 `json:"minor_os_version"`
	MajorImageVersion           uint16 `json:"major_image_version"`
	MinorImageVersion           uint16 `json:"minor_image_version"`
	MajorSubsystemVersion       uint16 `json:"major_subsystem_version"`
	MinorSubsystemVersion       uint16 `json:"minor_subsystem_version"`

	// Reserved, must be zero.
	Win32VersionValue uint32 `json:"win32_version_value"`

	// The size of the image as loaded in memory, a multiple of
	// SectionAlignment.
	SizeOfImage uint32 `json:"size_of_image"`

	// The combined size of the DOS stub, PE header, and section headers
	// rounded up to a multiple of FileAlignment.
	SizeOfHeaders uint32 `json:"size_of_headers"`

	// The image file checksum.
	CheckSum uint32 `json:"checksum"`

	// The subsystem required to run this image.
	Subsystem uint16 `json:"subsystem"`

	// DLL characteristics flags.
	DllCharacteristics uint16 `json:"dll_characteristics"`

	// Stack and heap reserve/commit sizes; 8 bytes each in PE32+.
	SizeOfStackReserve uint64 `json:"size_of_stack_reserve"`
	SizeOfStackCommit  uint64 `json:"size_of_stack_commit"`
	SizeOfHeapReserve  uint64 `json:"size_of_heap_reserve"`
	SizeOfHeapCommit   uint64 `json:"size_of_heap_commit"`

	// Reserved, must be zero.
	LoaderFlags uint32 `json:"loader_flags"`

	// Number of entries in the DataDirectory array; at least 16.
	NumberOfRvaAndSizes uint32 `json:"number_of_rva_and_sizes"`

	// An array of 16 IMAGE_DATA_DIRECTORY structures.
	DataDirectory [16]DataDirectory `json:"data_directories"`
}

// ParseNTHeader parses the NT headers: the PE signature, the COFF file
// header, and the 32- or 64-bit optional header selected by its magic.
func (f *File) ParseNTHeader() (err error) {
	ntHeaderOffset := f.DOSHeader.AddressOfNewEXEHeader
	signature, err := f.ReadUint32(ntHeaderOffset)
	if err != nil {
		return ErrImageNtSignatureNotFound
	}
	if signature != ImageNTSignature {
		return ErrImageNtSignatureNotFound
	}
	f.NtHeader.Signature = signature

	fileHeaderSize := uint32(binary.Size(f.NtHeader.FileHeader))
	err = f.structUnpack(&f.NtHeader.FileHeader, ntHeaderOffset+4, fileHeaderSize)
	if err != nil {
		return err
	}

	f.optionalHeaderOffset = ntHeaderOffset + 4 + fileHeaderSize
	magic, err := f.ReadUint16(f.optionalHeaderOffset)
	if err != nil {
		return err
	}

	switch magic {
	case ImageNtOptionalHeader32Magic:
		var oh32 ImageOptionalHeader32
		err = f.structUnpack(&oh32, f.optionalHeaderOffset,
			uint32(binary.Size(oh32)))
		if err != nil {
			return err
		}
		f.NtHeader.OptionalHeader = oh32
		f.Is32 = true
	case ImageNtOptionalHeader64Magic:
		var oh64 ImageOptionalHeader64
		err = f.structUnpack(&oh64, f.optionalHeaderOffset,
			uint32(binary.Size(oh64)))
		if err != nil {
			return err
		}
		f.NtHeader.OptionalHeader = oh64
		f.Is64 = true
	default:
		return ErrImageNtOptionalHeaderMagicNotFound
	}

	f.sectionTableOffset = f.optionalHeaderOffset +
		uint32(f.NtHeader.FileHeader.SizeOfOptionalHeader)
	f.HasNTHdr = true
	return nil
}

// FileAlignment returns the optional header FileAlignment field.
func (f *File) FileAlignment() uint32 {
	if f.Is64 {
		return f.NtHeader.OptionalHeader.(ImageOptionalHeader64).FileAlignment
	}
	return f.NtHeader.OptionalHeader.(ImageOptionalHeader32).FileAlignment
}

// SectionAlignment returns the optional header SectionAlignment field.
func (f *File) SectionAlignment() uint32 {
	if f.Is64 {
		return f.NtHeader.OptionalHeader.(ImageOptionalHeader64).SectionAlignment
	}
	return f.NtHeader.OptionalHeader.(ImageOptionalHeader32).SectionAlignment
}

// AddressOfEntryPoint returns the optional header AddressOfEntryPoint
// field.
func (f *File) AddressOfEntryPoint() uint32 {
	if f.Is64 {
		return f.NtHeader.OptionalHeader.(ImageOptionalHeader64).AddressOfEntryPoint
	}
	return f.NtHeader.OptionalHeader.(ImageOptionalHeader32).AddressOfEntryPoint
}

// DataDirectoryEntry returns the data directory entry at the given
// index.
func (f *File) DataDirectoryEntry(entry ImageDirectoryEntry) DataDirectory {
	if f.Is64 {
		return f.NtHeader.OptionalHeader.(ImageOptionalHeader64).DataDirectory[entry]
	}
	return f.NtHeader.OptionalHeader.(ImageOptionalHeader32).DataDirectory[entry]
}

// Optional header field offsets relative to the start of the optional
// header. Identical for PE32 and PE32+ except the data directories.
const (
	offSizeOfCode          = 4
	offAddressOfEntryPoint = 16
	offSizeOfImage         = 56
	offCheckSum            = 64
	offDataDirectory32     = 96
	offDataDirectory64     = 112
)

// dataDirectoryOffset returns the file offset of the data directory
// entry at the given index.
func (f *File) dataDirectoryOffset(entry ImageDirectoryEntry) uint32 {
	base := f.optionalHeaderOffset
	if f.Is64 {
		base += offDataDirectory64
	} else {
		base += offDataDirectory32
	}
	return base + uint32(entry)*8
}
