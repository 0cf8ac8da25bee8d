// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestParseBuiltImage(t *testing.T) {
	cfg := defaultConfig()
	cfg.signed = true
	cfg.publicKey = make([]byte, 160)
	img := buildTestImage(t, cfg)

	f, err := NewBytes(img, &Options{})
	if err != nil {
		t.Fatalf("NewBytes failed: %v", err)
	}
	if err := f.Parse(); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if !f.HasDOSHdr || !f.HasNTHdr || !f.HasSections || !f.HasCLR {
		t.Errorf("flags = %+v, want DOS/NT/sections/CLR set", f.FileInfo)
	}
	if !f.Is32 || f.Is64 {
		t.Error("expected a PE32 image")
	}
	if !f.IsSigned {
		t.Error("expected the strong-name flag set")
	}
	if len(f.Sections) != 3 {
		t.Fatalf("sections = %d, want 3", len(f.Sections))
	}
	if got := f.Sections[0].String(); got != ".text" {
		t.Errorf("section 0 = %q, want .text", got)
	}
	if f.CLR.MetadataHeader.Version != "v4.0.30319" {
		t.Errorf("metadata version = %q", f.CLR.MetadataHeader.Version)
	}
	if len(f.CLR.MetadataStreamHeaders) != 5 {
		t.Errorf("streams = %d, want 5", len(f.CLR.MetadataStreamHeaders))
	}
	if !f.HasDebug || len(f.Debugs) != 1 {
		t.Errorf("debug entries = %d, want 1", len(f.Debugs))
	}
	if !f.HasImport || len(f.Imports) != 1 {
		t.Fatalf("imports = %d, want 1", len(f.Imports))
	}
	if f.Imports[0].Name != "mscoree.dll" {
		t.Errorf("import name = %q, want mscoree.dll", f.Imports[0].Name)
	}
	if !f.HasReloc || len(f.Relocations) != 1 {
		t.Errorf("relocation blocks = %d, want 1", len(f.Relocations))
	}
}

func TestRvaResolution(t *testing.T) {
	img := buildTestImage(t, defaultConfig())
	f, err := NewBytes(img, &Options{})
	if err != nil {
		t.Fatalf("NewBytes failed: %v", err)
	}
	if err := f.Parse(); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if got := f.GetOffsetFromRva(testTextRVA); got != testTextPtr {
		t.Errorf("GetOffsetFromRva(.text) = %#x, want %#x", got, testTextPtr)
	}
	rsrc := f.Sections[1].Header
	if got := f.GetOffsetFromRva(rsrc.VirtualAddress + 4); got != rsrc.PointerToRawData+4 {
		t.Errorf("GetOffsetFromRva(.rsrc+4) = %#x, want %#x",
			got, rsrc.PointerToRawData+4)
	}
}

func TestParseRejectsUnmanaged(t *testing.T) {
	img := buildTestImage(t, defaultConfig())
	// Clear the CLR data directory.
	ddOff := uint32(0x98 + offDataDirectory32 + int(ImageDirectoryEntryCLR)*8)
	binary.LittleEndian.PutUint32(img[ddOff:], 0)
	binary.LittleEndian.PutUint32(img[ddOff+4:], 0)

	f, err := NewBytes(img, &Options{})
	if err != nil {
		t.Fatalf("NewBytes failed: %v", err)
	}
	if err := f.Parse(); !errors.Is(err, ErrNotManagedImage) {
		t.Errorf("Parse error = %v, want %v", err, ErrNotManagedImage)
	}
}

func TestParseRejectsCorruptHeaders(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func([]byte)
		want    error
	}{
		{
			"tiny file",
			nil,
			ErrInvalidPESize,
		},
		{
			"bad DOS magic",
			func(b []byte) { b[0] = 'X' },
			ErrDOSMagicNotFound,
		},
		{
			"bad NT signature",
			func(b []byte) { b[0x80] = 0 },
			ErrImageNtSignatureNotFound,
		},
		{
			"bad optional magic",
			func(b []byte) { b[0x98] = 0x42 },
			ErrImageNtOptionalHeaderMagicNotFound,
		},
		{
			"bad metadata signature",
			func(b []byte) {
				f, _ := NewBytes(append([]byte(nil), b...), &Options{})
				_ = f.Parse()
				b[f.CLR.metadataOffset] = 0
			},
			ErrMetadataSignatureNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var img []byte
			if tt.corrupt == nil {
				img = make([]byte, 32)
			} else {
				img = buildTestImage(t, defaultConfig())
				tt.corrupt(img)
			}
			f, err := NewBytes(img, &Options{})
			if err != nil {
				t.Fatalf("NewBytes failed: %v", err)
			}
			if err := f.Parse(); !errors.Is(err, tt.want) {
				t.Errorf("Parse error = %v, want %v", err, tt.want)
			}
		})
	}
}
