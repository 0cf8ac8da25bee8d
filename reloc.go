// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"encoding/binary"
	"fmt"
)

// The base relocation is skipped; used to pad a block.
const ImageRelBasedAbsolute = 0

// MaxDefaultRelocEntriesCount represents the default maximum number of
// relocation entries to parse. Some malformed files carry huge fake
// relocation tables.
const MaxDefaultRelocEntriesCount = 0x1000

// ImageBaseRelocation is the header of one base relocation block.
type ImageBaseRelocation struct {
	// The page RVA all entries of the block are relative to.
	VirtualAddress uint32 `json:"virtual_address"`

	// The total number of bytes in the block, header included.
	SizeOfBlock uint32 `json:"size_of_block"`
}

// ImageBaseRelocationEntry is one 16-bit relocation entry: a 4-bit type
// and a 12-bit page offset.
type ImageBaseRelocationEntry struct {
	Data   uint16 `json:"data"`
	Offset uint16 `json:"offset"`
	Type   uint8  `json:"type"`
}

// Relocation is one parsed base relocation block.
type Relocation struct {
	Data    ImageBaseRelocation        `json:"data"`
	Entries []ImageBaseRelocationEntry `json:"entries"`
}

// parseRelocDirectory walks the .reloc blocks.
func (f *File) parseRelocDirectory(rva, size uint32) error {
	relocSize := uint32(binary.Size(ImageBaseRelocation{}))
	end := rva + size
	parsed := uint32(0)
	for rva < end {
		var baseReloc ImageBaseRelocation
		offset := f.GetOffsetFromRva(rva)
		err := f.structUnpack(&baseReloc, offset, relocSize)
		if err != nil {
			return err
		}
		if baseReloc.SizeOfBlock < relocSize {
			return fmt.Errorf("%w: relocation block smaller than its header",
				ErrBadImage)
		}

		entryCount := (baseReloc.SizeOfBlock - relocSize) / 2
		if parsed+entryCount > f.opts.MaxRelocEntriesCount {
			f.Anomalies = append(f.Anomalies, AnoRelocEntriesBeyondLimits)
			break
		}
		parsed += entryCount

		entries := make([]ImageBaseRelocationEntry, 0, entryCount)
		entryOffset := f.GetOffsetFromRva(rva + relocSize)
		for i := uint32(0); i < entryCount; i++ {
			var entry ImageBaseRelocationEntry
			entry.Data, err = f.ReadUint16(entryOffset + i*2)
			if err != nil {
				return err
			}
			entry.Type = uint8(entry.Data >> 12)
			entry.Offset = entry.Data & 0x0fff
			entries = append(entries, entry)
		}

		f.Relocations = append(f.Relocations, Relocation{
			Data:    baseReloc,
			Entries: entries,
		})

		rva += baseReloc.SizeOfBlock
	}

	if len(f.Relocations) > 0 {
		f.HasReloc = true
	}
	return nil
}
