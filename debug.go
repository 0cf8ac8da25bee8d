// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"encoding/binary"
)

// Debug directory types the editor recognises.
const (
	// ImageDebugTypeCodeView holds the path to the PDB.
	ImageDebugTypeCodeView = 2

	// ImageDebugTypeEmbeddedPortablePDB holds a portable PDB blob
	// embedded in the image.
	ImageDebugTypeEmbeddedPortablePDB = 17
)

// debugDirEntrySize is the on-disk size of one debug directory entry.
const debugDirEntrySize = 28

// ImageDebugDirectory is one debug directory entry.
type ImageDebugDirectory struct {
	// Reserved, must be 0.
	Characteristics uint32 `json:"characteristics"`

	// The time and date that the debug data was created.
	TimeDateStamp uint32 `json:"time_date_stamp"`

	// The version of the debug data format.
	MajorVersion uint16 `json:"major_version"`
	MinorVersion uint16 `json:"minor_version"`

	// The format of the debugging information.
	Type uint32 `json:"type"`

	// The size of the debug data, the directory excluded.
	SizeOfData uint32 `json:"size_of_data"`

	// The address of the debug data when loaded, relative to the image
	// base.
	AddressOfRawData uint32 `json:"address_of_raw_data"`

	// The file pointer to the debug data.
	PointerToRawData uint32 `json:"pointer_to_raw_data"`
}

// DebugEntry wraps one debug directory entry with its file offset, so
// the rewriter can patch it in place.
type DebugEntry struct {
	Struct ImageDebugDirectory `json:"struct"`

	// File offset of this entry within the debug directory.
	offset uint32
}

// parseDebugDirectory parses the debug directory: an array of 28-byte
// entries.
func (f *File) parseDebugDirectory(rva, size uint32) error {
	offset := f.GetOffsetFromRva(rva)
	count := size / debugDirEntrySize

	for i := uint32(0); i < count; i++ {
		entryOffset := offset + i*debugDirEntrySize
		var dir ImageDebugDirectory
		err := f.structUnpack(&dir, entryOffset,
			uint32(binary.Size(dir)))
		if err != nil {
			return err
		}
		f.Debugs = append(f.Debugs, DebugEntry{
			Struct: dir,
			offset: entryOffset,
		})
	}

	if len(f.Debugs) > 0 {
		f.HasDebug = true
	}
	return nil
}
