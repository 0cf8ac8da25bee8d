// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"fmt"
)

// References
// https://www.ntcore.com/files/dotnetformat.htm
// ECMA-335 II.24

// COMImageFlagsType represents a COM+ header entry point flag type.
type COMImageFlagsType uint32

// COM+ Header entry point flags.
const (
	// The image file contains IL code only.
	COMImageFlagsILOnly = 0x00000001

	// The image file can be loaded only into a 32-bit process.
	COMImageFlags32BitRequired = 0x00000002

	// Obsolete, setting it renders the module un-loadable.
	COMImageFlagILLibrary = 0x00000004

	// The image file is protected with a strong name signature.
	COMImageFlagsStrongNameSigned = 0x00000008

	// The entry point is an unmanaged method.
	COMImageFlagsNativeEntrypoint = 0x00000010

	// Track debug information about the methods. Not used.
	COMImageFlagsTrackDebugData = 0x00010000

	// The image prefers to be loaded 32-bit. CLR v4.0+.
	COMImageFlags32BitPreferred = 0x00020000
)

// MetadataSignature is the magic of the metadata root, read as
// characters BSJB.
const MetadataSignature = 0x424A5342

// ImageCOR20Header represents the CLR 2.0 header structure.
type ImageCOR20Header struct {
	// Size of the header in bytes.
	Cb uint32 `json:"cb"`

	// Minimum version of the runtime required to run the program.
	MajorRuntimeVersion uint16 `json:"major_runtime_version"`
	MinorRuntimeVersion uint16 `json:"minor_runtime_version"`

	// RVA and size of the metadata.
	MetaData DataDirectory `json:"meta_data"`

	// Bitwise flags indicating attributes of this executable.
	Flags COMImageFlagsType `json:"flags"`

	// Metadata token of the entry point for the image file; can be 0
	// for DLL images. With COMImageFlagsNativeEntrypoint set it holds
	// the RVA of a native entry point instead.
	EntryPointRVAorToken uint32 `json:"entry_point_rva_or_token"`

	// The blob of managed resources.
	Resources DataDirectory `json:"resources"`

	// RVA and size of the strong name signature slot.
	StrongNameSignature DataDirectory `json:"strong_name_signature"`

	// Reserved, must be set to 0.
	CodeManagerTable DataDirectory `json:"code_manager_table"`

	// RVA and size of an array of v-table fixups.
	VTableFixups DataDirectory `json:"vtable_fixups"`

	// Obsolete in v2.0+ of the CLR, must be set to 0.
	ExportAddressTableJumps DataDirectory `json:"export_address_table_jumps"`

	// Reserved for precompiled images; set to 0.
	ManagedNativeHeader DataDirectory `json:"managed_native_header"`
}

// MetadataHeader consists of the metadata storage signature and the
// storage header.
type MetadataHeader struct {
	// "Magic" signature for physical metadata: BSJB.
	Signature uint32 `json:"signature"`

	// Major version, currently 1.
	MajorVersion uint16 `json:"major_version"`

	// Minor version, currently 1.
	MinorVersion uint16 `json:"minor_version"`

	// Reserved; set to 0.
	ExtraData uint32 `json:"extra_data"`

	// Length of the version string field, including padding.
	VersionString uint32 `json:"version_string"`

	// Version string.
	Version string `json:"version"`

	// Reserved; set to 0.
	Flags uint8 `json:"flags"`

	// Number of streams.
	Streams uint16 `json:"streams"`
}

// MetadataStreamHeader represents a metadata stream header.
type MetadataStreamHeader struct {
	// Offset in the file for this stream, relative to the metadata root.
	Offset uint32 `json:"offset"`

	// Size of the stream in bytes.
	Size uint32 `json:"size"`

	// Name of the stream; a zero-terminated ASCII string no longer than
	// 31 characters, padded to the 4-byte boundary.
	Name string `json:"name"`
}

// Well-known stream names.
const (
	StreamTables        = "#~"
	StreamTablesUnoptim = "#-"
	StreamStrings       = "#Strings"
	StreamUS            = "#US"
	StreamGUID          = "#GUID"
	StreamBlob          = "#Blob"
)

// CLRData embeds the CLR header, the metadata root and the decoded
// metadata model.
type CLRData struct {
	CLRHeader             ImageCOR20Header       `json:"clr_header"`
	MetadataHeader        MetadataHeader         `json:"metadata_header"`
	MetadataStreamHeaders []MetadataStreamHeader `json:"metadata_stream_headers"`
	MetadataStreams       map[string][]byte      `json:"-"`
	Metadata              *Metadata              `json:"-"`

	// File offsets needed when splicing a new metadata blob back in.
	clrHeaderOffset uint32
	metadataOffset  uint32
}

// Metadata is the decoded metadata model: the heaps plus the table
// stream directory. All row access decodes lazily from the raw stream.
type Metadata struct {
	Strings StringHeap
	Blobs   BlobHeap
	GUIDs   GUIDHeap
	US      UserStringHeap
	Tables  *TableStream
}

// ParseCLRDirectory follows the 15th data directory to the CLI header,
// then the metadata sub-directory to the metadata root, and decodes the
// stream directory, the heaps and the table stream.
func (f *File) ParseCLRDirectory() error {
	dir := f.DataDirectoryEntry(ImageDirectoryEntryCLR)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return ErrNotManagedImage
	}

	offset := f.GetOffsetFromRva(dir.VirtualAddress)
	var clrHeader ImageCOR20Header
	err := f.structUnpack(&clrHeader, offset, dir.Size)
	if err != nil {
		return err
	}
	f.CLR.CLRHeader = clrHeader
	f.CLR.clrHeaderOffset = offset

	if clrHeader.MetaData.VirtualAddress == 0 || clrHeader.MetaData.Size == 0 {
		return ErrNotManagedImage
	}

	offset = f.GetOffsetFromRva(clrHeader.MetaData.VirtualAddress)
	if offset == ^uint32(0) {
		return ErrRvaNotMapped
	}
	f.CLR.metadataOffset = offset

	mh, err := f.parseMetadataHeader(offset)
	if err != nil {
		return err
	}
	f.CLR.MetadataHeader = mh
	f.CLR.MetadataStreams = make(map[string][]byte)
	offset += 16 + mh.VersionString + 4

	// Immediately following the metadata header is a series of stream
	// headers; a stream is to the metadata what a section is to the
	// image.
	var tableStreamBody []byte
	for i := uint16(0); i < mh.Streams; i++ {
		var sh MetadataStreamHeader
		if sh.Offset, err = f.ReadUint32(offset); err != nil {
			return err
		}
		if sh.Size, err = f.ReadUint32(offset + 4); err != nil {
			return err
		}

		// The name is NUL-terminated ASCII padded to the 4-byte
		// boundary.
		offset += 8
		nameDone := false
		for j := uint32(0); j < 32; j++ {
			c, err := f.ReadUint8(offset)
			if err != nil {
				return err
			}
			offset++
			if c == 0 {
				nameDone = true
				if (j+1)%4 == 0 {
					break
				}
			} else if nameDone {
				return fmt.Errorf("%w: stream name not 4-byte aligned", ErrBadImage)
			} else {
				sh.Name += string(rune(c))
			}
		}
		if !nameDone {
			return fmt.Errorf("%w: unterminated stream name", ErrBadImage)
		}

		body, err := f.ReadBytesAtOffset(f.CLR.metadataOffset+sh.Offset, sh.Size)
		if err != nil {
			return fmt.Errorf("%w: stream %q truncated", ErrBadImage, sh.Name)
		}

		// The streams #~ and #- are mutually exclusive: the metadata is
		// either optimized or un-optimized, never both.
		if sh.Name == StreamTables || sh.Name == StreamTablesUnoptim {
			tableStreamBody = body
		}

		f.CLR.MetadataStreams[sh.Name] = body
		f.CLR.MetadataStreamHeaders = append(f.CLR.MetadataStreamHeaders, sh)
	}

	if tableStreamBody == nil {
		return fmt.Errorf("%w: no table stream", ErrBadImage)
	}

	tables, err := parseTableStream(tableStreamBody)
	if err != nil {
		return err
	}

	f.CLR.Metadata = &Metadata{
		Strings: StringHeap(f.CLR.MetadataStreams[StreamStrings]),
		Blobs:   BlobHeap(f.CLR.MetadataStreams[StreamBlob]),
		GUIDs:   GUIDHeap(f.CLR.MetadataStreams[StreamGUID]),
		US:      UserStringHeap(f.CLR.MetadataStreams[StreamUS]),
		Tables:  tables,
	}

	f.HasCLR = true
	if clrHeader.Flags&COMImageFlagsStrongNameSigned != 0 {
		f.IsSigned = true
	}
	return nil
}

func (f *File) parseMetadataHeader(offset uint32) (MetadataHeader, error) {
	var err error
	var mh MetadataHeader

	if mh.Signature, err = f.ReadUint32(offset); err != nil {
		return mh, err
	}
	if mh.Signature != MetadataSignature {
		return mh, ErrMetadataSignatureNotFound
	}
	if mh.MajorVersion, err = f.ReadUint16(offset + 4); err != nil {
		return mh, err
	}
	if mh.MinorVersion, err = f.ReadUint16(offset + 6); err != nil {
		return mh, err
	}
	if mh.ExtraData, err = f.ReadUint32(offset + 8); err != nil {
		return mh, err
	}
	if mh.VersionString, err = f.ReadUint32(offset + 12); err != nil {
		return mh, err
	}
	mh.Version, err = f.getStringAtOffset(offset+16, mh.VersionString)
	if err != nil {
		return mh, err
	}

	offset += 16 + mh.VersionString
	if mh.Flags, err = f.ReadUint8(offset); err != nil {
		return mh, err
	}
	if mh.Streams, err = f.ReadUint16(offset + 2); err != nil {
		return mh, err
	}
	return mh, nil
}
