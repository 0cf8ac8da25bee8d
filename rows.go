// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"encoding/binary"
)

// rowCursor walks a raw row buffer column by column. Callers hand it a
// slice of exactly rowSize bytes for the table being decoded.
type rowCursor struct {
	b   []byte
	off uint32
}

func (c *rowCursor) u16() uint16 {
	v := binary.LittleEndian.Uint16(c.b[c.off:])
	c.off += 2
	return v
}

func (c *rowCursor) u32() uint32 {
	v := binary.LittleEndian.Uint32(c.b[c.off:])
	c.off += 4
	return v
}

// idx reads an index column of the given width (2 or 4 bytes).
func (c *rowCursor) idx(width uint32) uint32 {
	if width == 2 {
		return uint32(c.u16())
	}
	return c.u32()
}

func (c *rowCursor) putU16(v uint16) {
	binary.LittleEndian.PutUint16(c.b[c.off:], v)
	c.off += 2
}

func (c *rowCursor) putU32(v uint32) {
	binary.LittleEndian.PutUint32(c.b[c.off:], v)
	c.off += 4
}

func (c *rowCursor) putIdx(width uint32, v uint32) {
	if width == 2 {
		c.putU16(uint16(v))
		return
	}
	c.putU32(v)
}

// decodeRow reads every column of a row into a generic value vector.
// Used when a table must be re-encoded wholesale after a width change.
func decodeRow(table int, b []byte, sz *indexSizes) []uint32 {
	schema := tableSchemas[table]
	vals := make([]uint32, len(schema))
	c := rowCursor{b: b}
	for i, col := range schema {
		vals[i] = c.idx(sz.columnWidth(col))
	}
	return vals
}

// encodeRow writes a generic value vector back under a (possibly
// different) width context.
func encodeRow(table int, vals []uint32, b []byte, sz *indexSizes) {
	schema := tableSchemas[table]
	c := rowCursor{b: b}
	for i, col := range schema {
		c.putIdx(sz.columnWidth(col), vals[i])
	}
}

// ModuleRow is the single row of the Module table.
type ModuleRow struct {
	// Used only at run time, in edit-and-continue mode.
	Generation uint16

	// #Strings index of the module name.
	Name uint32

	// #GUID indexes.
	Mvid      uint32
	EncID     uint32
	EncBaseID uint32
}

func readModuleRow(b []byte, sz *indexSizes) ModuleRow {
	c := rowCursor{b: b}
	return ModuleRow{
		Generation: c.u16(),
		Name:       c.idx(sz.str),
		Mvid:       c.idx(sz.guid),
		EncID:      c.idx(sz.guid),
		EncBaseID:  c.idx(sz.guid),
	}
}

func (r ModuleRow) write(b []byte, sz *indexSizes) {
	c := rowCursor{b: b}
	c.putU16(r.Generation)
	c.putIdx(sz.str, r.Name)
	c.putIdx(sz.guid, r.Mvid)
	c.putIdx(sz.guid, r.EncID)
	c.putIdx(sz.guid, r.EncBaseID)
}

// AssemblyRow is the single row of the Assembly table.
type AssemblyRow struct {
	HashAlgId      uint32
	MajorVersion   uint16
	MinorVersion   uint16
	BuildNumber    uint16
	RevisionNumber uint16
	Flags          uint32

	// #Blob index of the full public key; 0 when unsigned.
	PublicKey uint32

	// #Strings indexes.
	Name    uint32
	Culture uint32
}

func readAssemblyRow(b []byte, sz *indexSizes) AssemblyRow {
	c := rowCursor{b: b}
	return AssemblyRow{
		HashAlgId:      c.u32(),
		MajorVersion:   c.u16(),
		MinorVersion:   c.u16(),
		BuildNumber:    c.u16(),
		RevisionNumber: c.u16(),
		Flags:          c.u32(),
		PublicKey:      c.idx(sz.blob),
		Name:           c.idx(sz.str),
		Culture:        c.idx(sz.str),
	}
}

func (r AssemblyRow) write(b []byte, sz *indexSizes) {
	c := rowCursor{b: b}
	c.putU32(r.HashAlgId)
	c.putU16(r.MajorVersion)
	c.putU16(r.MinorVersion)
	c.putU16(r.BuildNumber)
	c.putU16(r.RevisionNumber)
	c.putU32(r.Flags)
	c.putIdx(sz.blob, r.PublicKey)
	c.putIdx(sz.str, r.Name)
	c.putIdx(sz.str, r.Culture)
}

// AssemblyRefRow is one row of the AssemblyRef table.
type AssemblyRefRow struct {
	MajorVersion   uint16
	MinorVersion   uint16
	BuildNumber    uint16
	RevisionNumber uint16
	Flags          uint32

	// #Blob index of the full public key or its 8-byte token.
	PublicKeyOrToken uint32

	// #Strings indexes.
	Name    uint32
	Culture uint32

	// #Blob index of the hash of the referenced assembly.
	HashValue uint32
}

func readAssemblyRefRow(b []byte, sz *indexSizes) AssemblyRefRow {
	c := rowCursor{b: b}
	return AssemblyRefRow{
		MajorVersion:     c.u16(),
		MinorVersion:     c.u16(),
		BuildNumber:      c.u16(),
		RevisionNumber:   c.u16(),
		Flags:            c.u32(),
		PublicKeyOrToken: c.idx(sz.blob),
		Name:             c.idx(sz.str),
		Culture:          c.idx(sz.str),
		HashValue:        c.idx(sz.blob),
	}
}

func (r AssemblyRefRow) write(b []byte, sz *indexSizes) {
	c := rowCursor{b: b}
	c.putU16(r.MajorVersion)
	c.putU16(r.MinorVersion)
	c.putU16(r.BuildNumber)
	c.putU16(r.RevisionNumber)
	c.putU32(r.Flags)
	c.putIdx(sz.blob, r.PublicKeyOrToken)
	c.putIdx(sz.str, r.Name)
	c.putIdx(sz.str, r.Culture)
	c.putIdx(sz.blob, r.HashValue)
}

// Type visibility bits: the low 3 bits of TypeDef Flags.
const (
	TypeVisibilityMask = 0x7

	TypeNotPublic         = 0x0
	TypePublic            = 0x1
	TypeNestedPublic      = 0x2
	TypeNestedPrivate     = 0x3
	TypeNestedFamily      = 0x4
	TypeNestedAssembly    = 0x5
	TypeNestedFamANDAssem = 0x6
	TypeNestedFamORAssem  = 0x7
)

// TypeDefRow is one row of the TypeDef table.
type TypeDefRow struct {
	Flags uint32

	// #Strings indexes.
	Name      uint32
	Namespace uint32

	// TypeDefOrRef coded index of the base type.
	Extends uint32

	// RIDs of the first owned Field and MethodDef rows.
	FieldList  uint32
	MethodList uint32
}

func readTypeDefRow(b []byte, sz *indexSizes) TypeDefRow {
	c := rowCursor{b: b}
	return TypeDefRow{
		Flags:      c.u32(),
		Name:       c.idx(sz.str),
		Namespace:  c.idx(sz.str),
		Extends:    c.idx(sz.coded(ciTypeDefOrRef)),
		FieldList:  c.idx(sz.table(Field)),
		MethodList: c.idx(sz.table(MethodDef)),
	}
}

func (r TypeDefRow) write(b []byte, sz *indexSizes) {
	c := rowCursor{b: b}
	c.putU32(r.Flags)
	c.putIdx(sz.str, r.Name)
	c.putIdx(sz.str, r.Namespace)
	c.putIdx(sz.coded(ciTypeDefOrRef), r.Extends)
	c.putIdx(sz.table(Field), r.FieldList)
	c.putIdx(sz.table(MethodDef), r.MethodList)
}

// Visibility returns the visibility selector of the type.
func (r TypeDefRow) Visibility() uint32 {
	return r.Flags & TypeVisibilityMask
}

// IsExported reports whether the type is visible outside the assembly.
func (r TypeDefRow) IsExported() bool {
	switch r.Visibility() {
	case TypePublic, TypeNestedPublic, TypeNestedFamily, TypeNestedFamORAssem:
		return true
	}
	return false
}

// MakeInternal rewrites the visibility selector so the type is no
// longer visible outside the assembly, preserving every other flag
// bit. It reports whether the row changed.
func (r *TypeDefRow) MakeInternal() bool {
	var vis uint32
	switch r.Visibility() {
	case TypePublic:
		vis = TypeNotPublic
	case TypeNestedPublic, TypeNestedFamily, TypeNestedFamORAssem:
		vis = TypeNestedAssembly
	default:
		return false
	}
	r.Flags = r.Flags&^uint32(TypeVisibilityMask) | vis
	return true
}

// TypeRefRow is one row of the TypeRef table.
type TypeRefRow struct {
	// ResolutionScope coded index.
	ResolutionScope uint32

	// #Strings indexes.
	Name      uint32
	Namespace uint32
}

func readTypeRefRow(b []byte, sz *indexSizes) TypeRefRow {
	c := rowCursor{b: b}
	return TypeRefRow{
		ResolutionScope: c.idx(sz.coded(ciResolutionScope)),
		Name:            c.idx(sz.str),
		Namespace:       c.idx(sz.str),
	}
}

func (r TypeRefRow) write(b []byte, sz *indexSizes) {
	c := rowCursor{b: b}
	c.putIdx(sz.coded(ciResolutionScope), r.ResolutionScope)
	c.putIdx(sz.str, r.Name)
	c.putIdx(sz.str, r.Namespace)
}

// MemberRefRow is one row of the MemberRef table.
type MemberRefRow struct {
	// MemberRefParent coded index.
	Class uint32

	// #Strings index.
	Name uint32

	// #Blob index of the member signature.
	Signature uint32
}

func readMemberRefRow(b []byte, sz *indexSizes) MemberRefRow {
	c := rowCursor{b: b}
	return MemberRefRow{
		Class:     c.idx(sz.coded(ciMemberRefParent)),
		Name:      c.idx(sz.str),
		Signature: c.idx(sz.blob),
	}
}

func (r MemberRefRow) write(b []byte, sz *indexSizes) {
	c := rowCursor{b: b}
	c.putIdx(sz.coded(ciMemberRefParent), r.Class)
	c.putIdx(sz.str, r.Name)
	c.putIdx(sz.blob, r.Signature)
}

// CustomAttributeRow is one row of the CustomAttribute table.
type CustomAttributeRow struct {
	// HasCustomAttribute coded index of the attributed element.
	Parent uint32

	// CustomAttributeType coded index of the attribute constructor.
	Type uint32

	// #Blob index of the serialised attribute value.
	Value uint32
}

func readCustomAttributeRow(b []byte, sz *indexSizes) CustomAttributeRow {
	c := rowCursor{b: b}
	return CustomAttributeRow{
		Parent: c.idx(sz.coded(ciHasCustomAttribute)),
		Type:   c.idx(sz.coded(ciCustomAttributeType)),
		Value:  c.idx(sz.blob),
	}
}

func (r CustomAttributeRow) write(b []byte, sz *indexSizes) {
	c := rowCursor{b: b}
	c.putIdx(sz.coded(ciHasCustomAttribute), r.Parent)
	c.putIdx(sz.coded(ciCustomAttributeType), r.Type)
	c.putIdx(sz.blob, r.Value)
}
