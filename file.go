// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"os"

	"github.com/asmshade/shade/log"
	mmap "github.com/edsrzf/mmap-go"
)

// A File represents an open PE image: the read-only view the editor
// mutates against. Parsed headers are exposed as structs; all table and
// heap access goes back to the mapped bytes.
type File struct {
	DOSHeader    ImageDOSHeader  `json:"dos_header,omitempty"`
	NtHeader     ImageNtHeader   `json:"nt_header,omitempty"`
	Sections     []Section       `json:"sections,omitempty"`
	Debugs       []DebugEntry    `json:"debugs,omitempty"`
	Imports      []Import        `json:"imports,omitempty"`
	Relocations  []Relocation    `json:"relocations,omitempty"`
	Certificates CertificateInfo `json:"certificates,omitempty"`
	CLR          CLRData         `json:"clr,omitempty"`
	Anomalies    []string        `json:"anomalies,omitempty"`

	FileInfo
	OverlayOffset int64

	// Section table and optional header file offsets, needed when the
	// rewriter patches header fields in place.
	optionalHeaderOffset uint32
	sectionTableOffset   uint32

	// byVA holds the sections sorted by VirtualAddress for RVA lookups.
	byVA []Section

	data   mmap.MMap
	size   uint32
	f      *os.File
	opts   *Options
	logger *log.Helper
}

// Options for parsing.
type Options struct {
	// Parse only the PE headers and the CLR metadata, skipping the other
	// data directories, by default (false).
	Fast bool

	// Maximum relocations to parse, by default
	// (MaxDefaultRelocEntriesCount).
	MaxRelocEntriesCount uint32

	// A custom logger.
	Logger log.Logger
}

func (f *File) applyOptions(opts *Options) {
	if opts != nil {
		f.opts = opts
	} else {
		f.opts = &Options{}
	}
	if f.opts.MaxRelocEntriesCount == 0 {
		f.opts.MaxRelocEntriesCount = MaxDefaultRelocEntriesCount
	}

	if f.opts.Logger == nil {
		logger := log.NewStdLogger(os.Stdout)
		f.logger = log.NewHelper(log.NewFilter(logger,
			log.FilterLevel(log.LevelError)))
	} else {
		f.logger = log.NewHelper(f.opts.Logger)
	}
}

// New instantiates a file instance with options given a file name.
func New(name string, opts *Options) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	// Memory map the file instead of reading it whole.
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	file := File{}
	file.applyOptions(opts)
	file.data = data
	file.size = uint32(len(file.data))
	file.f = f
	return &file, nil
}

// NewBytes instantiates a file instance with options given a memory
// buffer.
func NewBytes(data []byte, opts *Options) (*File, error) {
	file := File{}
	file.applyOptions(opts)
	file.data = data
	file.size = uint32(len(file.data))
	return &file, nil
}

// Close closes the File.
func (f *File) Close() error {
	if f.data != nil && f.f != nil {
		_ = f.data.Unmap()
	}
	if f.f != nil {
		return f.f.Close()
	}
	return nil
}

// Parse performs the file parsing for a PE binary.
func (f *File) Parse() error {
	// Check for the smallest PE size.
	if len(f.data) < TinyPESize {
		return ErrInvalidPESize
	}

	err := f.ParseDOSHeader()
	if err != nil {
		return err
	}

	err = f.ParseNTHeader()
	if err != nil {
		return err
	}

	err = f.ParseSectionHeader()
	if err != nil {
		return err
	}

	// The CLR directory is the whole point of this parser.
	err = f.ParseCLRDirectory()
	if err != nil {
		return err
	}

	if f.opts.Fast {
		return nil
	}

	// The remaining directories the rewriter needs to relocate. Their
	// absence is not an error.
	if dir := f.DataDirectoryEntry(ImageDirectoryEntryDebug); dir.VirtualAddress != 0 {
		if err := f.parseDebugDirectory(dir.VirtualAddress, dir.Size); err != nil {
			f.logger.Warnf("debug directory parsing failed: %v", err)
		}
	}
	if dir := f.DataDirectoryEntry(ImageDirectoryEntryImport); dir.VirtualAddress != 0 {
		if err := f.parseImportDirectory(dir.VirtualAddress, dir.Size); err != nil {
			f.logger.Warnf("import directory parsing failed: %v", err)
		}
	}
	if dir := f.DataDirectoryEntry(ImageDirectoryEntryBaseReloc); dir.VirtualAddress != 0 {
		if err := f.parseRelocDirectory(dir.VirtualAddress, dir.Size); err != nil {
			f.logger.Warnf("reloc directory parsing failed: %v", err)
		}
	}
	if dir := f.DataDirectoryEntry(ImageDirectoryEntryCertificate); dir.VirtualAddress != 0 {
		if err := f.parseSecurityDirectory(dir.VirtualAddress, dir.Size); err != nil {
			f.logger.Warnf("security directory parsing failed: %v", err)
		}
	}

	return nil
}
