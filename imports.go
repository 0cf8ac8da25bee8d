// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"encoding/binary"
)

// importDescriptorSize is the on-disk size of one import descriptor.
const importDescriptorSize = 20

// ImageImportDescriptor is one entry of the import directory. The
// directory ends with an all-zero descriptor.
type ImageImportDescriptor struct {
	// The RVA of the import lookup table, an array of thunk entries.
	OriginalFirstThunk uint32 `json:"original_first_thunk"`

	// Set to the time/date stamp of the DLL once the image is bound.
	TimeDateStamp uint32 `json:"time_date_stamp"`

	// The index of the first forwarder reference.
	ForwarderChain uint32 `json:"forwarder_chain"`

	// The RVA of the ASCII name of the DLL.
	Name uint32 `json:"name"`

	// The RVA of the import address table.
	FirstThunk uint32 `json:"first_thunk"`
}

// Import is one parsed import descriptor plus the resolved DLL name.
type Import struct {
	Descriptor ImageImportDescriptor `json:"descriptor"`
	Name       string                `json:"name"`

	// File offset of this descriptor within the import directory.
	offset uint32
}

// parseImportDirectory walks the import descriptors. The managed
// start-up stub imports mscoree.dll through this table.
func (f *File) parseImportDirectory(rva, size uint32) error {
	for {
		offset := f.GetOffsetFromRva(rva)
		var desc ImageImportDescriptor
		err := f.structUnpack(&desc, offset,
			uint32(binary.Size(desc)))
		if err != nil {
			return err
		}
		if desc == (ImageImportDescriptor{}) {
			break
		}

		name := ""
		if desc.Name != 0 {
			name = f.getASCIIStringAtRVA(desc.Name, 256)
		}
		f.Imports = append(f.Imports, Import{
			Descriptor: desc,
			Name:       name,
			offset:     offset,
		})
		rva += importDescriptorSize
	}

	if len(f.Imports) > 0 {
		f.HasImport = true
	}
	return nil
}

// getASCIIStringAtRVA returns the NUL-terminated ASCII string at the
// given RVA, capped at maxLen bytes.
func (f *File) getASCIIStringAtRVA(rva, maxLen uint32) string {
	offset := f.GetOffsetFromRva(rva)
	if offset == ^uint32(0) {
		return ""
	}
	var out []byte
	for i := uint32(0); i < maxLen && offset+i < f.size; i++ {
		c := f.data[offset+i]
		if c == 0 {
			break
		}
		out = append(out, c)
	}
	return string(out)
}
