// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// WriteStrategy selects how a save is emitted.
type WriteStrategy int

const (
	// InPlacePatch copies the input and overwrites specific row
	// offsets. Only valid when no heap grew, no rows were added and no
	// index width changed.
	InPlacePatch WriteStrategy = iota

	// Rebuild assembles a fresh metadata blob and splices it into the
	// container.
	Rebuild
)

func (s WriteStrategy) String() string {
	if s == InPlacePatch {
		return "in-place patch"
	}
	return "rebuild"
}

// stringAppender accumulates new #Strings entries, deduplicating by
// content. Indexes are assigned relative to the end of the source heap.
type stringAppender struct {
	base  uint32
	buf   []byte
	dedup map[string]uint32
}

// Add returns the heap index for s, appending it if unseen. The empty
// string is index 0.
func (a *stringAppender) Add(s string) uint32 {
	if s == "" {
		return 0
	}
	if idx, ok := a.dedup[s]; ok {
		return idx
	}
	if a.dedup == nil {
		a.dedup = make(map[string]uint32)
	}
	idx := a.base + uint32(len(a.buf))
	a.buf = append(a.buf, s...)
	a.buf = append(a.buf, 0)
	a.dedup[s] = idx
	return idx
}

// Size returns the appended byte size.
func (a *stringAppender) Size() uint32 {
	return uint32(len(a.buf))
}

// Lookup resolves an index assigned by this appender back to its
// string. Indexes below the source heap end are not ours.
func (a *stringAppender) Lookup(idx uint32) (string, bool) {
	if idx < a.base || idx-a.base >= uint32(len(a.buf)) {
		return "", false
	}
	start := idx - a.base
	end := start
	for end < uint32(len(a.buf)) && a.buf[end] != 0 {
		end++
	}
	return string(a.buf[start:end]), true
}

// blobAppender accumulates new #Blob entries, deduplicating by content.
// Each entry is prefixed by its compressed length.
type blobAppender struct {
	base  uint32
	buf   []byte
	dedup map[string]uint32
}

// Add returns the heap index for blob, appending it if unseen. The
// empty blob is index 0.
func (a *blobAppender) Add(blob []byte) (uint32, error) {
	if len(blob) == 0 {
		return 0, nil
	}
	key := string(blob)
	if idx, ok := a.dedup[key]; ok {
		return idx, nil
	}
	if a.dedup == nil {
		a.dedup = make(map[string]uint32)
	}
	idx := a.base + uint32(len(a.buf))
	var err error
	a.buf, err = AppendCompressedUint(a.buf, uint32(len(blob)))
	if err != nil {
		return 0, err
	}
	a.buf = append(a.buf, blob...)
	a.dedup[key] = idx
	return idx, nil
}

// Size returns the appended byte size.
func (a *blobAppender) Size() uint32 {
	return uint32(len(a.buf))
}

// Lookup resolves an index assigned by this appender back to its blob.
// Indexes below the source heap end are not ours.
func (a *blobAppender) Lookup(idx uint32) ([]byte, bool) {
	if idx < a.base || idx-a.base >= uint32(len(a.buf)) {
		return nil, false
	}
	blob, err := BlobHeap(a.buf).GetBlob(idx - a.base)
	if err != nil {
		return nil, false
	}
	return blob, true
}

// Plan stages edits between open and save: row overrides keyed by RID,
// append lists, and new heap entries. Source rows are never touched.
type Plan struct {
	md *Metadata

	strings stringAppender
	blobs   blobAppender

	assemblyOv    map[uint32]AssemblyRow
	assemblyRefOv map[uint32]AssemblyRefRow
	typeDefOv     map[uint32]TypeDefRow

	typeRefApp    []TypeRefRow
	memberRefApp  []MemberRefRow
	customAttrApp []CustomAttributeRow

	// Cached friend-grant plumbing so repeated grants share one TypeRef
	// and one MemberRef.
	ivtTypeRef Token
	ivtCtor    Token
}

// newPlan creates an empty plan over the given metadata view.
func newPlan(md *Metadata) *Plan {
	return &Plan{
		md:            md,
		strings:       stringAppender{base: uint32(len(md.Strings))},
		blobs:         blobAppender{base: uint32(len(md.Blobs))},
		assemblyOv:    make(map[uint32]AssemblyRow),
		assemblyRefOv: make(map[uint32]AssemblyRefRow),
		typeDefOv:     make(map[uint32]TypeDefRow),
	}
}

// AssemblyRow returns the planned view of an Assembly row: the
// override if any, else the source row.
func (p *Plan) AssemblyRow(rid uint32) (AssemblyRow, error) {
	if row, ok := p.assemblyOv[rid]; ok {
		return row, nil
	}
	b, err := p.md.Tables.Row(Assembly, rid)
	if err != nil {
		return AssemblyRow{}, err
	}
	return readAssemblyRow(b, p.md.Tables.Sizes()), nil
}

// AssemblyRefRow returns the planned view of an AssemblyRef row.
func (p *Plan) AssemblyRefRow(rid uint32) (AssemblyRefRow, error) {
	if row, ok := p.assemblyRefOv[rid]; ok {
		return row, nil
	}
	b, err := p.md.Tables.Row(AssemblyRef, rid)
	if err != nil {
		return AssemblyRefRow{}, err
	}
	return readAssemblyRefRow(b, p.md.Tables.Sizes()), nil
}

// TypeDefRow returns the planned view of a TypeDef row.
func (p *Plan) TypeDefRow(rid uint32) (TypeDefRow, error) {
	if row, ok := p.typeDefOv[rid]; ok {
		return row, nil
	}
	b, err := p.md.Tables.Row(TypeDef, rid)
	if err != nil {
		return TypeDefRow{}, err
	}
	return readTypeDefRow(b, p.md.Tables.Sizes()), nil
}

// TypeRefRow returns the planned view of a TypeRef row; RIDs beyond the
// source count address the append list.
func (p *Plan) TypeRefRow(rid uint32) (TypeRefRow, error) {
	src := p.md.Tables.RowCount(TypeRef)
	if rid > src {
		i := rid - src - 1
		if i >= uint32(len(p.typeRefApp)) {
			return TypeRefRow{}, fmt.Errorf("%w: TypeRef row %d out of range",
				ErrBadImage, rid)
		}
		return p.typeRefApp[i], nil
	}
	b, err := p.md.Tables.Row(TypeRef, rid)
	if err != nil {
		return TypeRefRow{}, err
	}
	return readTypeRefRow(b, p.md.Tables.Sizes()), nil
}

// RowCount returns the projected row count of a table after appends.
func (p *Plan) RowCount(table int) uint32 {
	n := p.md.Tables.RowCount(table)
	switch table {
	case TypeRef:
		n += uint32(len(p.typeRefApp))
	case MemberRef:
		n += uint32(len(p.memberRefApp))
	case CustomAttribute:
		n += uint32(len(p.customAttrApp))
	}
	return n
}

// hasAppends reports whether any new rows or heap entries are staged.
func (p *Plan) hasAppends() bool {
	return len(p.typeRefApp) > 0 || len(p.memberRefApp) > 0 ||
		len(p.customAttrApp) > 0 || p.strings.Size() > 0 || p.blobs.Size() > 0
}

// isEmpty reports whether the plan stages nothing at all.
func (p *Plan) isEmpty() bool {
	return !p.hasAppends() && len(p.assemblyOv) == 0 &&
		len(p.assemblyRefOv) == 0 && len(p.typeDefOv) == 0
}

// projectedHeaps returns the HeapSizes byte the output will carry. It
// never shrinks relative to the source.
func (p *Plan) projectedHeaps() uint8 {
	heaps := p.md.Tables.Header.Heaps
	if alignUp(uint32(len(p.md.Strings))+p.strings.Size(), 4) > 0xFFFF {
		heaps |= 1 << StringStream
	}
	if alignUp(uint32(len(p.md.Blobs))+p.blobs.Size(), 4) > 0xFFFF {
		heaps |= 1 << BlobStream
	}
	return heaps
}

// projectedSizes returns the width context of the output table stream.
func (p *Plan) projectedSizes() indexSizes {
	var rows [NumTables]uint32
	for t := 0; t < NumTables; t++ {
		rows[t] = p.RowCount(t)
	}
	return newIndexSizes(p.projectedHeaps(), rows)
}

// Strategy classifies the plan before emission. The in-place path is
// taken only when the projection equals the source exactly; any width
// change would shift every dependent row.
func (p *Plan) Strategy() WriteStrategy {
	if p.hasAppends() {
		return Rebuild
	}
	projected := p.projectedSizes()
	if projected != p.md.Tables.sizes {
		return Rebuild
	}
	return InPlacePatch
}

// RenameAssembly stages a new simple name for the Assembly row.
func (p *Plan) RenameAssembly(name string) error {
	if p.md.Tables.RowCount(Assembly) == 0 {
		return fmt.Errorf("%w: image has no assembly manifest", ErrBrokenReference)
	}
	row, err := p.AssemblyRow(1)
	if err != nil {
		return err
	}
	row.Name = p.strings.Add(name)
	p.assemblyOv[1] = row
	return nil
}

// SetAssemblyPublicKey stages a new public key blob on the Assembly
// row; a nil blob clears the key.
func (p *Plan) SetAssemblyPublicKey(blob []byte) error {
	if p.md.Tables.RowCount(Assembly) == 0 {
		return fmt.Errorf("%w: image has no assembly manifest", ErrBrokenReference)
	}
	row, err := p.AssemblyRow(1)
	if err != nil {
		return err
	}
	row.PublicKey, err = p.blobs.Add(blob)
	if err != nil {
		return err
	}
	p.assemblyOv[1] = row
	return nil
}

// RedirectAssemblyRef rewrites the name and public-key token of every
// AssemblyRef whose name matches srcName case-insensitively. It
// reports whether a match was found; no match is not an error.
func (p *Plan) RedirectAssemblyRef(srcName, newName string, token []byte) (bool, error) {
	found := false
	for rid := uint32(1); rid <= p.md.Tables.RowCount(AssemblyRef); rid++ {
		row, err := p.AssemblyRefRow(rid)
		if err != nil {
			return found, err
		}
		name, ok := p.strings.Lookup(row.Name)
		if !ok {
			name, err = p.md.Strings.GetString(row.Name)
			if err != nil {
				return found, err
			}
		}
		if !strings.EqualFold(name, srcName) {
			continue
		}
		row.Name = p.strings.Add(newName)
		row.PublicKeyOrToken, err = p.blobs.Add(token)
		if err != nil {
			return found, err
		}
		p.assemblyRefOv[rid] = row
		found = true
	}
	return found, nil
}

// InternalizeTypes stages a visibility rewrite for every TypeDef whose
// visibility is public or a visible nested form. It returns the number
// of rows changed.
func (p *Plan) InternalizeTypes() (int, error) {
	changed := 0
	for rid := uint32(1); rid <= p.md.Tables.RowCount(TypeDef); rid++ {
		row, err := p.TypeDefRow(rid)
		if err != nil {
			return changed, err
		}
		if !row.MakeInternal() {
			continue
		}
		p.typeDefOv[rid] = row
		changed++
	}
	return changed, nil
}

// Runtime assemblies accepted as a resolution scope for an appended
// InternalsVisibleToAttribute reference, in preference order.
var runtimeAssemblyNames = []string{
	"mscorlib",
	"System.Runtime",
	"System.Private.CoreLib",
	"netstandard",
}

const (
	ivtNamespace = "System.Runtime.CompilerServices"
	ivtTypeName  = "InternalsVisibleToAttribute"
)

// ivtCtorSignature is HASTHIS | paramCount=1 | return=VOID |
// param=STRING.
var ivtCtorSignature = []byte{0x20, 0x01, 0x01, 0x0E}

// AddFriendGrant appends a CustomAttribute on the Assembly row granting
// InternalsVisibleTo the named friend assembly. The TypeRef and
// MemberRef plumbing is reused when present, appended otherwise. With a
// public key the argument carries its uppercase hex form.
func (p *Plan) AddFriendGrant(friendName string, publicKey []byte) error {
	if p.md.Tables.RowCount(Assembly) == 0 {
		return fmt.Errorf("%w: image has no assembly manifest", ErrBrokenReference)
	}

	typeRef, err := p.ensureIvtTypeRef()
	if err != nil {
		return err
	}
	ctor, err := p.ensureIvtCtor(typeRef)
	if err != nil {
		return err
	}

	arg := friendName
	if len(publicKey) > 0 {
		arg += ", PublicKey=" + strings.ToUpper(hex.EncodeToString(publicKey))
	}
	value, err := encodeIvtValue(arg)
	if err != nil {
		return err
	}
	valueIdx, err := p.blobs.Add(value)
	if err != nil {
		return err
	}

	parent, err := EncodeCodedIndex(ciHasCustomAttribute, NewToken(Assembly, 1))
	if err != nil {
		return err
	}
	typ, err := EncodeCodedIndex(ciCustomAttributeType, ctor)
	if err != nil {
		return err
	}

	p.customAttrApp = append(p.customAttrApp, CustomAttributeRow{
		Parent: parent,
		Type:   typ,
		Value:  valueIdx,
	})
	return nil
}

// encodeIvtValue serialises the attribute value: prolog, the
// compressed-length-prefixed UTF-8 argument, and a zero named-argument
// count.
func encodeIvtValue(arg string) ([]byte, error) {
	value := []byte{0x01, 0x00}
	value, err := AppendCompressedUint(value, uint32(len(arg)))
	if err != nil {
		return nil, err
	}
	value = append(value, arg...)
	return append(value, 0x00, 0x00), nil
}

// ensureIvtTypeRef locates or appends the TypeRef for
// InternalsVisibleToAttribute.
func (p *Plan) ensureIvtTypeRef() (Token, error) {
	if !p.ivtTypeRef.IsNil() {
		return p.ivtTypeRef, nil
	}

	sizes := p.md.Tables.Sizes()
	for rid := uint32(1); rid <= p.md.Tables.RowCount(TypeRef); rid++ {
		b, err := p.md.Tables.Row(TypeRef, rid)
		if err != nil {
			return 0, err
		}
		row := readTypeRefRow(b, sizes)
		name, err := p.md.Strings.GetString(row.Name)
		if err != nil {
			return 0, err
		}
		if name != ivtTypeName {
			continue
		}
		ns, err := p.md.Strings.GetString(row.Namespace)
		if err != nil {
			return 0, err
		}
		if ns == ivtNamespace {
			p.ivtTypeRef = NewToken(TypeRef, rid)
			return p.ivtTypeRef, nil
		}
	}

	scope, err := p.runtimeScope()
	if err != nil {
		return 0, err
	}
	p.typeRefApp = append(p.typeRefApp, TypeRefRow{
		ResolutionScope: scope,
		Name:            p.strings.Add(ivtTypeName),
		Namespace:       p.strings.Add(ivtNamespace),
	})
	rid := p.md.Tables.RowCount(TypeRef) + uint32(len(p.typeRefApp))
	p.ivtTypeRef = NewToken(TypeRef, rid)
	return p.ivtTypeRef, nil
}

// runtimeScope picks the AssemblyRef that anchors an appended runtime
// type reference: a well-known runtime assembly when present, the
// first reference otherwise.
func (p *Plan) runtimeScope() (uint32, error) {
	count := p.md.Tables.RowCount(AssemblyRef)
	if count == 0 {
		return 0, fmt.Errorf(
			"%w: no assembly reference can scope the attribute type",
			ErrBrokenReference)
	}
	pick := uint32(1)
search:
	for _, wellKnown := range runtimeAssemblyNames {
		for rid := uint32(1); rid <= count; rid++ {
			row, err := p.AssemblyRefRow(rid)
			if err != nil {
				return 0, err
			}
			name, err := p.md.Strings.GetString(row.Name)
			if err != nil {
				return 0, err
			}
			if strings.EqualFold(name, wellKnown) {
				pick = rid
				break search
			}
		}
	}
	return EncodeCodedIndex(ciResolutionScope, NewToken(AssemblyRef, pick))
}

// ensureIvtCtor locates or appends the MemberRef for the
// string-taking constructor of the attribute type.
func (p *Plan) ensureIvtCtor(typeRef Token) (Token, error) {
	if !p.ivtCtor.IsNil() {
		return p.ivtCtor, nil
	}

	class, err := EncodeCodedIndex(ciMemberRefParent, typeRef)
	if err != nil {
		return 0, err
	}

	sizes := p.md.Tables.Sizes()
	for rid := uint32(1); rid <= p.md.Tables.RowCount(MemberRef); rid++ {
		b, err := p.md.Tables.Row(MemberRef, rid)
		if err != nil {
			return 0, err
		}
		row := readMemberRefRow(b, sizes)
		if row.Class != class {
			continue
		}
		name, err := p.md.Strings.GetString(row.Name)
		if err != nil {
			return 0, err
		}
		if name != ".ctor" {
			continue
		}
		sig, err := p.md.Blobs.GetBlob(row.Signature)
		if err != nil {
			return 0, err
		}
		if bytes.Equal(sig, ivtCtorSignature) {
			p.ivtCtor = NewToken(MemberRef, rid)
			return p.ivtCtor, nil
		}
	}

	sigIdx, err := p.blobs.Add(ivtCtorSignature)
	if err != nil {
		return 0, err
	}
	p.memberRefApp = append(p.memberRefApp, MemberRefRow{
		Class:     class,
		Name:      p.strings.Add(".ctor"),
		Signature: sigIdx,
	})
	rid := p.md.Tables.RowCount(MemberRef) + uint32(len(p.memberRefApp))
	p.ivtCtor = NewToken(MemberRef, rid)
	return p.ivtCtor, nil
}
