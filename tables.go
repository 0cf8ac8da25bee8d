// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

// Metadata table tags.
const (
	// The current module descriptor.
	Module = 0
	// Class reference descriptors.
	TypeRef = 1
	// Class or interface definition descriptors.
	TypeDef = 2
	// A class-to-fields lookup table, absent from optimized metadata.
	FieldPtr = 3
	// Field definition descriptors.
	Field = 4
	// A class-to-methods lookup table, absent from optimized metadata.
	MethodPtr = 5
	// Method definition descriptors.
	MethodDef = 6
	// A method-to-parameters lookup table, absent from optimized
	// metadata.
	ParamPtr = 7
	// Parameter definition descriptors.
	Param = 8
	// Interface implementation descriptors.
	InterfaceImpl = 9
	// Member (field or method) reference descriptors.
	MemberRef = 10
	// Constant value descriptors mapping default values in the #Blob
	// stream to fields, parameters, and properties.
	Constant = 11
	// Custom attribute descriptors.
	CustomAttribute = 12
	// Field or parameter marshaling descriptors.
	FieldMarshal = 13
	// Security descriptors.
	DeclSecurity = 14
	// Class layout descriptors.
	ClassLayout = 15
	// Field layout descriptors.
	FieldLayout = 16
	// Stand-alone signature descriptors.
	StandAloneSig = 17
	// A class-to-events mapping table.
	EventMap = 18
	// An event lookup table, absent from optimized metadata.
	EventPtr = 19
	// Event descriptors.
	Event = 20
	// A class-to-properties mapping table.
	PropertyMap = 21
	// A property lookup table, absent from optimized metadata.
	PropertyPtr = 22
	// Property descriptors.
	Property = 23
	// Method semantics descriptors tying methods to properties/events.
	MethodSemantics = 24
	// Method implementation descriptors.
	MethodImpl = 25
	// Module reference descriptors.
	ModuleRef = 26
	// Type specification descriptors.
	TypeSpec = 27
	// Implementation map descriptors for P/Invoke.
	ImplMap = 28
	// Field-to-data mapping descriptors.
	FieldRVA = 29
	// Edit-and-continue log descriptors. Passed through untouched.
	ENCLog = 30
	// Edit-and-continue mapping descriptors. Passed through untouched.
	ENCMap = 31
	// The current assembly descriptor; zero or one row.
	Assembly = 32
	// This table is unused.
	AssemblyProcessor = 33
	// This table is unused.
	AssemblyOS = 34
	// Assembly reference descriptors.
	AssemblyRef = 35
	// This table is unused.
	AssemblyRefProcessor = 36
	// This table is unused.
	AssemblyRefOS = 37
	// File descriptors for other files in the current assembly.
	FileMD = 38
	// Exported type descriptors.
	ExportedType = 39
	// Managed resource descriptors.
	ManifestResource = 40
	// Nested class descriptors.
	NestedClass = 41
	// Type parameter descriptors for generic classes and methods.
	GenericParam = 42
	// Generic method instantiation descriptors.
	MethodSpec = 43
	// Constraint descriptors for generic type parameters.
	GenericParamConstraint = 44

	// Portable-debug tables.
	Document               = 48
	MethodDebugInformation = 49
	LocalScope             = 50
	LocalVariable          = 51
	LocalConstant          = 52
	ImportScope            = 53
	StateMachineMethod     = 54
	CustomDebugInformation = 55

	// NumTables is the size of per-table arrays; table tags live in
	// [0, NumTables).
	NumTables = 64
)

// MetadataTableToString returns the name of a metadata table tag.
func MetadataTableToString(k int) string {
	metadataTablesMap := map[int]string{
		Module:                 "Module",
		TypeRef:                "TypeRef",
		TypeDef:                "TypeDef",
		FieldPtr:               "FieldPtr",
		Field:                  "Field",
		MethodPtr:              "MethodPtr",
		MethodDef:              "MethodDef",
		ParamPtr:               "ParamPtr",
		Param:                  "Param",
		InterfaceImpl:          "InterfaceImpl",
		MemberRef:              "MemberRef",
		Constant:               "Constant",
		CustomAttribute:        "CustomAttribute",
		FieldMarshal:           "FieldMarshal",
		DeclSecurity:           "DeclSecurity",
		ClassLayout:            "ClassLayout",
		FieldLayout:            "FieldLayout",
		StandAloneSig:          "StandAloneSig",
		EventMap:               "EventMap",
		EventPtr:               "EventPtr",
		Event:                  "Event",
		PropertyMap:            "PropertyMap",
		PropertyPtr:            "PropertyPtr",
		Property:               "Property",
		MethodSemantics:        "MethodSemantics",
		MethodImpl:             "MethodImpl",
		ModuleRef:              "ModuleRef",
		TypeSpec:               "TypeSpec",
		ImplMap:                "ImplMap",
		FieldRVA:               "FieldRVA",
		ENCLog:                 "ENCLog",
		ENCMap:                 "ENCMap",
		Assembly:               "Assembly",
		AssemblyProcessor:      "AssemblyProcessor",
		AssemblyOS:             "AssemblyOS",
		AssemblyRef:            "AssemblyRef",
		AssemblyRefProcessor:   "AssemblyRefProcessor",
		AssemblyRefOS:          "AssemblyRefOS",
		FileMD:                 "File",
		ExportedType:           "ExportedType",
		ManifestResource:       "ManifestResource",
		NestedClass:            "NestedClass",
		GenericParam:           "GenericParam",
		MethodSpec:             "MethodSpec",
		GenericParamConstraint: "GenericParamConstraint",
		Document:               "Document",
		MethodDebugInformation: "MethodDebugInformation",
		LocalScope:             "LocalScope",
		LocalVariable:          "LocalVariable",
		LocalConstant:          "LocalConstant",
		ImportScope:            "ImportScope",
		StateMachineMethod:     "StateMachineMethod",
		CustomDebugInformation: "CustomDebugInformation",
	}
	if value, ok := metadataTablesMap[k]; ok {
		return value
	}
	return ""
}

// colKind classifies a table column for width computation.
type colKind uint8

const (
	// colUint16 is a fixed 2-byte constant column.
	colUint16 colKind = iota
	// colUint32 is a fixed 4-byte constant column.
	colUint32
	// colString is an index into the #Strings heap.
	colString
	// colGUID is an index into the #GUID heap.
	colGUID
	// colBlob is an index into the #Blob heap.
	colBlob
	// colTable is a direct RID into the table given by arg.
	colTable
	// colCoded is a coded index of the kind given by arg.
	colCoded
)

// column describes one table column.
type column struct {
	kind colKind
	arg  int
}

// tableSchemas describes the column layout of every known table,
// indexed by table tag. A nil entry means the tag is unknown and its
// presence in the Valid mask is fatal.
var tableSchemas = [NumTables][]column{
	Module: {
		{colUint16, 0},        // Generation
		{colString, 0},        // Name
		{colGUID, 0},          // Mvid
		{colGUID, 0},          // EncId
		{colGUID, 0},          // EncBaseId
	},
	TypeRef: {
		{colCoded, ciResolutionScope}, // ResolutionScope
		{colString, 0},                // TypeName
		{colString, 0},                // TypeNamespace
	},
	TypeDef: {
		{colUint32, 0},             // Flags
		{colString, 0},             // TypeName
		{colString, 0},             // TypeNamespace
		{colCoded, ciTypeDefOrRef}, // Extends
		{colTable, Field},          // FieldList
		{colTable, MethodDef},      // MethodList
	},
	FieldPtr: {
		{colTable, Field},
	},
	Field: {
		{colUint16, 0}, // Flags
		{colString, 0}, // Name
		{colBlob, 0},   // Signature
	},
	MethodPtr: {
		{colTable, MethodDef},
	},
	MethodDef: {
		{colUint32, 0},    // RVA
		{colUint16, 0},    // ImplFlags
		{colUint16, 0},    // Flags
		{colString, 0},    // Name
		{colBlob, 0},      // Signature
		{colTable, Param}, // ParamList
	},
	ParamPtr: {
		{colTable, Param},
	},
	Param: {
		{colUint16, 0}, // Flags
		{colUint16, 0}, // Sequence
		{colString, 0}, // Name
	},
	InterfaceImpl: {
		{colTable, TypeDef},        // Class
		{colCoded, ciTypeDefOrRef}, // Interface
	},
	MemberRef: {
		{colCoded, ciMemberRefParent}, // Class
		{colString, 0},                // Name
		{colBlob, 0},                  // Signature
	},
	Constant: {
		{colUint16, 0},            // Type + padding byte
		{colCoded, ciHasConstant}, // Parent
		{colBlob, 0},              // Value
	},
	CustomAttribute: {
		{colCoded, ciHasCustomAttribute}, // Parent
		{colCoded, ciCustomAttributeType}, // Type
		{colBlob, 0},                      // Value
	},
	FieldMarshal: {
		{colCoded, ciHasFieldMarshal}, // Parent
		{colBlob, 0},                  // NativeType
	},
	DeclSecurity: {
		{colUint16, 0},                // Action
		{colCoded, ciHasDeclSecurity}, // Parent
		{colBlob, 0},                  // PermissionSet
	},
	ClassLayout: {
		{colUint16, 0},      // PackingSize
		{colUint32, 0},      // ClassSize
		{colTable, TypeDef}, // Parent
	},
	FieldLayout: {
		{colUint32, 0},    // Offset
		{colTable, Field}, // Field
	},
	StandAloneSig: {
		{colBlob, 0}, // Signature
	},
	EventMap: {
		{colTable, TypeDef}, // Parent
		{colTable, Event},   // EventList
	},
	EventPtr: {
		{colTable, Event},
	},
	Event: {
		{colUint16, 0},             // EventFlags
		{colString, 0},             // Name
		{colCoded, ciTypeDefOrRef}, // EventType
	},
	PropertyMap: {
		{colTable, TypeDef},  // Parent
		{colTable, Property}, // PropertyList
	},
	PropertyPtr: {
		{colTable, Property},
	},
	Property: {
		{colUint16, 0}, // Flags
		{colString, 0}, // Name
		{colBlob, 0},   // Type
	},
	MethodSemantics: {
		{colUint16, 0},            // Semantics
		{colTable, MethodDef},     // Method
		{colCoded, ciHasSemantics}, // Association
	},
	MethodImpl: {
		{colTable, TypeDef},          // Class
		{colCoded, ciMethodDefOrRef}, // MethodBody
		{colCoded, ciMethodDefOrRef}, // MethodDeclaration
	},
	ModuleRef: {
		{colString, 0}, // Name
	},
	TypeSpec: {
		{colBlob, 0}, // Signature
	},
	ImplMap: {
		{colUint16, 0},               // MappingFlags
		{colCoded, ciMemberForwarded}, // MemberForwarded
		{colString, 0},                // ImportName
		{colTable, ModuleRef},         // ImportScope
	},
	FieldRVA: {
		{colUint32, 0},    // RVA
		{colTable, Field}, // Field
	},
	ENCLog: {
		{colUint32, 0}, // Token
		{colUint32, 0}, // FuncCode
	},
	ENCMap: {
		{colUint32, 0}, // Token
	},
	Assembly: {
		{colUint32, 0}, // HashAlgId
		{colUint16, 0}, // MajorVersion
		{colUint16, 0}, // MinorVersion
		{colUint16, 0}, // BuildNumber
		{colUint16, 0}, // RevisionNumber
		{colUint32, 0}, // Flags
		{colBlob, 0},   // PublicKey
		{colString, 0}, // Name
		{colString, 0}, // Culture
	},
	AssemblyProcessor: {
		{colUint32, 0}, // Processor
	},
	AssemblyOS: {
		{colUint32, 0}, // OSPlatformID
		{colUint32, 0}, // OSMajorVersion
		{colUint32, 0}, // OSMinorVersion
	},
	AssemblyRef: {
		{colUint16, 0}, // MajorVersion
		{colUint16, 0}, // MinorVersion
		{colUint16, 0}, // BuildNumber
		{colUint16, 0}, // RevisionNumber
		{colUint32, 0}, // Flags
		{colBlob, 0},   // PublicKeyOrToken
		{colString, 0}, // Name
		{colString, 0}, // Culture
		{colBlob, 0},   // HashValue
	},
	AssemblyRefProcessor: {
		{colUint32, 0},          // Processor
		{colTable, AssemblyRef}, // AssemblyRef
	},
	AssemblyRefOS: {
		{colUint32, 0},          // OSPlatformID
		{colUint32, 0},          // OSMajorVersion
		{colUint32, 0},          // OSMinorVersion
		{colTable, AssemblyRef}, // AssemblyRef
	},
	FileMD: {
		{colUint32, 0}, // Flags
		{colString, 0}, // Name
		{colBlob, 0},   // HashValue
	},
	ExportedType: {
		{colUint32, 0},              // Flags
		{colUint32, 0},              // TypeDefId
		{colString, 0},              // TypeName
		{colString, 0},              // TypeNamespace
		{colCoded, ciImplementation}, // Implementation
	},
	ManifestResource: {
		{colUint32, 0},              // Offset
		{colUint32, 0},              // Flags
		{colString, 0},              // Name
		{colCoded, ciImplementation}, // Implementation
	},
	NestedClass: {
		{colTable, TypeDef}, // NestedClass
		{colTable, TypeDef}, // EnclosingClass
	},
	GenericParam: {
		{colUint16, 0},               // Number
		{colUint16, 0},               // Flags
		{colCoded, ciTypeOrMethodDef}, // Owner
		{colString, 0},                // Name
	},
	MethodSpec: {
		{colCoded, ciMethodDefOrRef}, // Method
		{colBlob, 0},                 // Instantiation
	},
	GenericParamConstraint: {
		{colTable, GenericParam},   // Owner
		{colCoded, ciTypeDefOrRef}, // Constraint
	},
	Document: {
		{colBlob, 0}, // Name
		{colGUID, 0}, // HashAlgorithm
		{colBlob, 0}, // Hash
		{colGUID, 0}, // Language
	},
	MethodDebugInformation: {
		{colTable, Document}, // Document
		{colBlob, 0},         // SequencePoints
	},
	LocalScope: {
		{colTable, MethodDef},     // Method
		{colTable, ImportScope},   // ImportScope
		{colTable, LocalVariable}, // VariableList
		{colTable, LocalConstant}, // ConstantList
		{colUint32, 0},            // StartOffset
		{colUint32, 0},            // Length
	},
	LocalVariable: {
		{colUint16, 0}, // Attributes
		{colUint16, 0}, // Index
		{colString, 0}, // Name
	},
	LocalConstant: {
		{colString, 0}, // Name
		{colBlob, 0},   // Signature
	},
	ImportScope: {
		{colTable, ImportScope}, // Parent
		{colBlob, 0},            // Imports
	},
	StateMachineMethod: {
		{colTable, MethodDef}, // MoveNextMethod
		{colTable, MethodDef}, // KickoffMethod
	},
	CustomDebugInformation: {
		{colCoded, ciHasCustomDebugInformation}, // Parent
		{colGUID, 0},                            // Kind
		{colBlob, 0},                            // Value
	},
}

// indexSizes carries the widths every index column takes in a given
// table stream: 2 or 4 bytes per column class, derived from the
// HeapSizes bits and the row counts.
type indexSizes struct {
	str  uint32
	guid uint32
	blob uint32
	rows [NumTables]uint32
}

// newIndexSizes derives the width context from a HeapSizes byte and a
// row count vector.
func newIndexSizes(heapSizes uint8, rows [NumTables]uint32) indexSizes {
	sz := indexSizes{str: 2, guid: 2, blob: 2, rows: rows}
	if IsBitSet(uint64(heapSizes), StringStream) {
		sz.str = 4
	}
	if IsBitSet(uint64(heapSizes), GUIDStream) {
		sz.guid = 4
	}
	if IsBitSet(uint64(heapSizes), BlobStream) {
		sz.blob = 4
	}
	return sz
}

// table returns the byte width of a direct RID column into table t.
func (sz *indexSizes) table(t int) uint32 {
	if sz.rows[t] < 1<<16 {
		return 2
	}
	return 4
}

// coded returns the byte width of a coded-index column of kind ci.
func (sz *indexSizes) coded(ci int) uint32 {
	desc := codedIndexes[ci]
	maxRows := uint32(0)
	for _, t := range desc.tables {
		if t < 0 {
			continue
		}
		if sz.rows[t] > maxRows {
			maxRows = sz.rows[t]
		}
	}
	if maxRows < 1<<(16-uint(desc.tagBits)) {
		return 2
	}
	return 4
}

// columnWidth returns the byte width of one column under this context.
func (sz *indexSizes) columnWidth(c column) uint32 {
	switch c.kind {
	case colUint16:
		return 2
	case colUint32:
		return 4
	case colString:
		return sz.str
	case colGUID:
		return sz.guid
	case colBlob:
		return sz.blob
	case colTable:
		return sz.table(c.arg)
	case colCoded:
		return sz.coded(c.arg)
	}
	return 0
}

// rowSize returns the byte size of one row of the given table under
// this context.
func (sz *indexSizes) rowSize(table int) uint32 {
	var total uint32
	for _, c := range tableSchemas[table] {
		total += sz.columnWidth(c)
	}
	return total
}
