// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// Editor holds one source image and one modification plan. Mutators
// stage edits in the plan; Save consumes the plan and emits a new
// image without touching the source view, so a failed save can be
// corrected and retried.
type Editor struct {
	file *File
	plan *Plan
}

// Open parses the managed assembly at path and returns an editor over
// it.
func Open(path string, opts *Options) (*Editor, error) {
	f, err := New(path, opts)
	if err != nil {
		return nil, err
	}
	if err := f.Parse(); err != nil {
		f.Close()
		return nil, err
	}
	return &Editor{file: f, plan: newPlan(f.CLR.Metadata)}, nil
}

// OpenBytes parses a managed assembly held in memory.
func OpenBytes(data []byte, opts *Options) (*Editor, error) {
	f, err := NewBytes(data, opts)
	if err != nil {
		return nil, err
	}
	if err := f.Parse(); err != nil {
		return nil, err
	}
	return &Editor{file: f, plan: newPlan(f.CLR.Metadata)}, nil
}

// Close releases the underlying image.
func (e *Editor) Close() error {
	return e.file.Close()
}

// File exposes the parsed source image.
func (e *Editor) File() *File {
	return e.file
}

// stringAt resolves a #Strings index, consulting the plan's appended
// entries before the source heap.
func (e *Editor) stringAt(idx uint32) (string, error) {
	if s, ok := e.plan.strings.Lookup(idx); ok {
		return s, nil
	}
	return e.file.CLR.Metadata.Strings.GetString(idx)
}

// blobAt resolves a #Blob index, consulting the plan's appended
// entries before the source heap.
func (e *Editor) blobAt(idx uint32) ([]byte, error) {
	if b, ok := e.plan.blobs.Lookup(idx); ok {
		return b, nil
	}
	return e.file.CLR.Metadata.Blobs.GetBlob(idx)
}

// Name returns the assembly simple name, override-aware.
func (e *Editor) Name() (string, error) {
	row, err := e.plan.AssemblyRow(1)
	if err != nil {
		return "", err
	}
	return e.stringAt(row.Name)
}

// Version returns the four assembly version fields.
func (e *Editor) Version() (major, minor, build, revision uint16, err error) {
	row, err := e.plan.AssemblyRow(1)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return row.MajorVersion, row.MinorVersion, row.BuildNumber,
		row.RevisionNumber, nil
}

// PublicKey returns the assembly public key blob, nil when unsigned.
func (e *Editor) PublicKey() ([]byte, error) {
	row, err := e.plan.AssemblyRow(1)
	if err != nil {
		return nil, err
	}
	if row.PublicKey == 0 {
		return nil, nil
	}
	return e.blobAt(row.PublicKey)
}

// PublicKeyToken returns the token of the assembly's own public key,
// nil when unsigned.
func (e *Editor) PublicKeyToken() ([]byte, error) {
	blob, err := e.PublicKey()
	if err != nil || blob == nil {
		return nil, err
	}
	return PublicKeyToken(blob), nil
}

// AssemblyReference is one entry of the AssemblyRef table, decoded.
type AssemblyReference struct {
	Name             string
	Culture          string
	MajorVersion     uint16
	MinorVersion     uint16
	BuildNumber      uint16
	RevisionNumber   uint16
	PublicKeyOrToken []byte
}

// References decodes every AssemblyRef row, override-aware: a staged
// redirect is visible before the save.
func (e *Editor) References() ([]AssemblyReference, error) {
	count := e.plan.RowCount(AssemblyRef)
	refs := make([]AssemblyReference, 0, count)
	for rid := uint32(1); rid <= count; rid++ {
		row, err := e.plan.AssemblyRefRow(rid)
		if err != nil {
			return nil, err
		}
		ref := AssemblyReference{
			MajorVersion:   row.MajorVersion,
			MinorVersion:   row.MinorVersion,
			BuildNumber:    row.BuildNumber,
			RevisionNumber: row.RevisionNumber,
		}
		if ref.Name, err = e.stringAt(row.Name); err != nil {
			return nil, err
		}
		if ref.Culture, err = e.stringAt(row.Culture); err != nil {
			return nil, err
		}
		if row.PublicKeyOrToken != 0 {
			if ref.PublicKeyOrToken, err = e.blobAt(row.PublicKeyOrToken); err != nil {
				return nil, err
			}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Rename stages a new simple name for the assembly.
func (e *Editor) Rename(name string) error {
	return e.plan.RenameAssembly(name)
}

// SetPublicKey stages a new public key blob for the assembly.
func (e *Editor) SetPublicKey(blob []byte) error {
	return e.plan.SetAssemblyPublicKey(blob)
}

// ClearPublicKey stages removal of the assembly public key.
func (e *Editor) ClearPublicKey() error {
	return e.plan.SetAssemblyPublicKey(nil)
}

// RedirectReference rewrites every AssemblyRef matching srcName (case
// insensitive) to newName with the given public-key token. It reports
// whether a match was found; no match is not an error.
func (e *Editor) RedirectReference(srcName, newName string, token []byte) (bool, error) {
	return e.plan.RedirectAssemblyRef(srcName, newName, token)
}

// MakeTypesInternal stages a visibility rewrite of every exported
// type. It returns the number of types changed.
func (e *Editor) MakeTypesInternal() (int, error) {
	return e.plan.InternalizeTypes()
}

// AddFriend stages an InternalsVisibleTo grant for the named friend
// assembly, optionally carrying its public key.
func (e *Editor) AddFriend(name string, publicKey []byte) error {
	return e.plan.AddFriendGrant(name, publicKey)
}

// Save consumes the plan and writes the edited image to path,
// re-signing it when a key is given. The output is staged in a
// temporary file and renamed into place, so a failed save never
// publishes a partial image; overwriting the input is safe.
func (e *Editor) Save(path string, key *StrongNameKey) error {
	res, err := e.render()
	if err != nil {
		return err
	}

	modified := !e.plan.isEmpty()
	if key != nil {
		if res.snSize == 0 {
			return fmt.Errorf("%w: image has no strong-name slot", ErrKey)
		}
		if err := key.signImage(res.out, res.snOffset, res.snSize,
			res.checksumOffset); err != nil {
			return err
		}
	}
	if modified || key != nil {
		checksum := computeChecksum(res.out, res.checksumOffset)
		binary.LittleEndian.PutUint32(res.out[res.checksumOffset:], checksum)
	}

	return writeFileAtomic(path, res.out)
}

// render emits the output image per the selected write strategy.
func (e *Editor) render() (*rewriteResult, error) {
	f := e.file
	strategy := e.plan.Strategy()
	f.logger.Debugf("saving with strategy: %s", strategy)

	if strategy == Rebuild {
		md, err := newMetadataWriter(f, e.plan).Build()
		if err != nil {
			return nil, err
		}
		return f.rewrite(md)
	}

	// In-place patch: copy the file and overwrite specific row offsets
	// with rows encoded under the unchanged source widths.
	out := make([]byte, len(f.data))
	copy(out, f.data)

	res := &rewriteResult{
		out:            out,
		checksumOffset: f.optionalHeaderOffset + offCheckSum,
	}
	snDir := f.CLR.CLRHeader.StrongNameSignature
	if snDir.VirtualAddress != 0 && snDir.Size != 0 {
		res.snOffset = f.GetOffsetFromRva(snDir.VirtualAddress)
		res.snSize = snDir.Size
	}

	if e.plan.isEmpty() {
		return res, nil
	}

	ts := f.CLR.Metadata.Tables
	sz := ts.Sizes()
	tsBase, err := e.tableStreamFileOffset()
	if err != nil {
		return nil, err
	}

	patchRow := func(table int, rid uint32, write func([]byte)) error {
		off, err := ts.RowOffset(table, rid)
		if err != nil {
			return err
		}
		write(out[tsBase+off:])
		return nil
	}
	for rid, row := range e.plan.assemblyOv {
		row := row
		if err := patchRow(Assembly, rid, func(b []byte) { row.write(b, sz) }); err != nil {
			return nil, err
		}
	}
	for rid, row := range e.plan.assemblyRefOv {
		row := row
		if err := patchRow(AssemblyRef, rid, func(b []byte) { row.write(b, sz) }); err != nil {
			return nil, err
		}
	}
	for rid, row := range e.plan.typeDefOv {
		row := row
		if err := patchRow(TypeDef, rid, func(b []byte) { row.write(b, sz) }); err != nil {
			return nil, err
		}
	}

	// Content changed under the signature; blank the window so a stale
	// signature never survives.
	for i := uint32(0); i < res.snSize; i++ {
		out[res.snOffset+i] = 0
	}

	return res, nil
}

// tableStreamFileOffset returns the file offset of the #~ stream.
func (e *Editor) tableStreamFileOffset() (uint32, error) {
	for _, sh := range e.file.CLR.MetadataStreamHeaders {
		if sh.Name == StreamTables || sh.Name == StreamTablesUnoptim {
			return e.file.CLR.metadataOffset + sh.Offset, nil
		}
	}
	return 0, fmt.Errorf("%w: no table stream", ErrBadImage)
}

// writeFileAtomic stages data in a temporary file beside path and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".shade-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
