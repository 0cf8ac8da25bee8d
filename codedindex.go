// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import "fmt"

// Token is a 32-bit metadata token: the table tag in the high byte and
// a 1-based row identifier in the low 24 bits. The zero Token denotes
// absent.
type Token uint32

// NewToken builds a token from a table tag and a RID.
func NewToken(table int, rid uint32) Token {
	return Token(uint32(table)<<24 | rid&0xFFFFFF)
}

// Table returns the table tag of the token.
func (t Token) Table() int {
	return int(t >> 24)
}

// RID returns the row identifier of the token.
func (t Token) RID() uint32 {
	return uint32(t) & 0xFFFFFF
}

// IsNil reports whether the token denotes absent (RID zero).
func (t Token) IsNil() bool {
	return t.RID() == 0
}

func (t Token) String() string {
	return fmt.Sprintf("%s[%d]", MetadataTableToString(t.Table()), t.RID())
}

// Coded index kinds.
const (
	ciTypeDefOrRef = iota
	ciHasConstant
	ciHasCustomAttribute
	ciHasFieldMarshal
	ciHasDeclSecurity
	ciMemberRefParent
	ciHasSemantics
	ciMethodDefOrRef
	ciMemberForwarded
	ciImplementation
	ciCustomAttributeType
	ciResolutionScope
	ciTypeOrMethodDef
	ciHasCustomDebugInformation
)

// codedIndex describes one coded-index kind: its tag bit count and the
// table each tag value selects. A -1 entry is a sentinel slot that is
// never valid to encode and decodes to the nil token.
type codedIndex struct {
	tagBits uint8
	tables  []int
}

// codedIndexes holds the descriptors for every kind, following
// ECMA-335 II.24.2.6 tag assignments.
var codedIndexes = []codedIndex{
	ciTypeDefOrRef: {tagBits: 2, tables: []int{TypeDef, TypeRef, TypeSpec}},
	ciHasConstant:  {tagBits: 2, tables: []int{Field, Param, Property}},
	ciHasCustomAttribute: {tagBits: 5, tables: []int{
		MethodDef, Field, TypeRef, TypeDef, Param, InterfaceImpl, MemberRef,
		Module, DeclSecurity, Property, Event, StandAloneSig, ModuleRef,
		TypeSpec, Assembly, AssemblyRef, FileMD, ExportedType,
		ManifestResource, GenericParam, GenericParamConstraint, MethodSpec,
	}},
	ciHasFieldMarshal: {tagBits: 1, tables: []int{Field, Param}},
	ciHasDeclSecurity: {tagBits: 2, tables: []int{TypeDef, MethodDef, Assembly}},
	ciMemberRefParent: {tagBits: 3, tables: []int{
		TypeDef, TypeRef, ModuleRef, MethodDef, TypeSpec,
	}},
	ciHasSemantics:    {tagBits: 1, tables: []int{Event, Property}},
	ciMethodDefOrRef:  {tagBits: 1, tables: []int{MethodDef, MemberRef}},
	ciMemberForwarded: {tagBits: 1, tables: []int{Field, MethodDef}},
	ciImplementation:  {tagBits: 2, tables: []int{FileMD, AssemblyRef, ExportedType}},
	// Tags 0 and 1 are reserved; only MethodDef and MemberRef are
	// legal targets.
	ciCustomAttributeType: {tagBits: 3, tables: []int{-1, -1, MethodDef, MemberRef, -1}},
	ciResolutionScope:     {tagBits: 2, tables: []int{Module, ModuleRef, AssemblyRef, TypeRef}},
	ciTypeOrMethodDef:     {tagBits: 1, tables: []int{TypeDef, MethodDef}},
	ciHasCustomDebugInformation: {tagBits: 5, tables: []int{
		MethodDef, Field, TypeRef, TypeDef, Param, InterfaceImpl, MemberRef,
		Module, DeclSecurity, Property, Event, StandAloneSig, ModuleRef,
		TypeSpec, Assembly, AssemblyRef, FileMD, ExportedType,
		ManifestResource, GenericParam, GenericParamConstraint, MethodSpec,
		Document, LocalScope, LocalVariable, LocalConstant, ImportScope,
	}},
}

// EncodeCodedIndex packs a token into the coded-index kind ci. The nil
// token encodes to 0. Encoding fails when the token's table is not a
// member of the kind's target list.
func EncodeCodedIndex(ci int, token Token) (uint32, error) {
	if token.IsNil() {
		return 0, nil
	}
	desc := codedIndexes[ci]
	for tag, t := range desc.tables {
		if t == token.Table() {
			return token.RID()<<desc.tagBits | uint32(tag), nil
		}
	}
	return 0, fmt.Errorf("%w: table %s not valid for coded index",
		ErrEncoding, MetadataTableToString(token.Table()))
}

// DecodeCodedIndex unpacks a coded-index value of kind ci into a
// token. Sentinel tags and a zero RID decode to the nil token.
func DecodeCodedIndex(ci int, value uint32) (Token, error) {
	desc := codedIndexes[ci]
	tag := value & (1<<desc.tagBits - 1)
	rid := value >> desc.tagBits
	if int(tag) >= len(desc.tables) {
		return 0, fmt.Errorf("%w: coded index tag %d out of range",
			ErrEncoding, tag)
	}
	table := desc.tables[tag]
	if table < 0 || rid == 0 {
		return 0, nil
	}
	return NewToken(table, rid), nil
}
