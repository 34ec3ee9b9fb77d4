package dnmeta

import "fmt"

// TableKind is the bit position of a metadata table in the #~ presence mask.
type TableKind uint8

const (
	TableModule                 TableKind = 0x00
	TableTypeRef                TableKind = 0x01
	TableTypeDef                TableKind = 0x02
	TableFieldPtr               TableKind = 0x03
	TableField                  TableKind = 0x04
	TableMethodPtr              TableKind = 0x05
	TableMethodDef              TableKind = 0x06
	TableParamPtr               TableKind = 0x07
	TableParam                  TableKind = 0x08
	TableInterfaceImpl          TableKind = 0x09
	TableMemberRef              TableKind = 0x0A
	TableConstant               TableKind = 0x0B
	TableCustomAttribute        TableKind = 0x0C
	TableFieldMarshal           TableKind = 0x0D
	TableDeclSecurity           TableKind = 0x0E
	TableClassLayout            TableKind = 0x0F
	TableFieldLayout            TableKind = 0x10
	TableStandAloneSig          TableKind = 0x11
	TableEventMap               TableKind = 0x12
	TableEventPtr               TableKind = 0x13
	TableEvent                  TableKind = 0x14
	TablePropertyMap            TableKind = 0x15
	TablePropertyPtr            TableKind = 0x16
	TableProperty               TableKind = 0x17
	TableMethodSemantics        TableKind = 0x18
	TableMethodImpl             TableKind = 0x19
	TableModuleRef              TableKind = 0x1A
	TableTypeSpec               TableKind = 0x1B
	TableImplMap                TableKind = 0x1C
	TableFieldRVA               TableKind = 0x1D
	TableEncLog                 TableKind = 0x1E
	TableEncMap                 TableKind = 0x1F
	TableAssembly               TableKind = 0x20
	TableAssemblyProcessor      TableKind = 0x21
	TableAssemblyOS             TableKind = 0x22
	TableAssemblyRef            TableKind = 0x23
	TableAssemblyRefProcessor   TableKind = 0x24
	TableAssemblyRefOS          TableKind = 0x25
	TableFile                   TableKind = 0x26
	TableExportedType           TableKind = 0x27
	TableManifestResource       TableKind = 0x28
	TableNestedClass            TableKind = 0x29
	TableGenericParam           TableKind = 0x2A
	TableMethodSpec             TableKind = 0x2B
	TableGenericParamConstraint TableKind = 0x2C

	// Portable PDB tables
	TableDocument               TableKind = 0x30
	TableMethodDebugInformation TableKind = 0x31
	TableLocalScope             TableKind = 0x32
	TableLocalVariable          TableKind = 0x33
	TableLocalConstant          TableKind = 0x34
	TableImportScope            TableKind = 0x35
	TableStateMachineMethod     TableKind = 0x36
	TableCustomDebugInformation TableKind = 0x37

	// NoTable fills unused slots of a coded index category.
	NoTable TableKind = 0xFF
)

// MaxTables is the number of bit positions in the presence mask.
const MaxTables = 64

var tableNames = map[TableKind]string{
	TableModule:                 "Module",
	TableTypeRef:                "TypeRef",
	TableTypeDef:                "TypeDef",
	TableFieldPtr:               "FieldPtr",
	TableField:                  "Field",
	TableMethodPtr:              "MethodPtr",
	TableMethodDef:              "MethodDef",
	TableParamPtr:               "ParamPtr",
	TableParam:                  "Param",
	TableInterfaceImpl:          "InterfaceImpl",
	TableMemberRef:              "MemberRef",
	TableConstant:               "Constant",
	TableCustomAttribute:        "CustomAttribute",
	TableFieldMarshal:           "FieldMarshal",
	TableDeclSecurity:           "DeclSecurity",
	TableClassLayout:            "ClassLayout",
	TableFieldLayout:            "FieldLayout",
	TableStandAloneSig:          "StandAloneSig",
	TableEventMap:               "EventMap",
	TableEventPtr:               "EventPtr",
	TableEvent:                  "Event",
	TablePropertyMap:            "PropertyMap",
	TablePropertyPtr:            "PropertyPtr",
	TableProperty:               "Property",
	TableMethodSemantics:        "MethodSemantics",
	TableMethodImpl:             "MethodImpl",
	TableModuleRef:              "ModuleRef",
	TableTypeSpec:               "TypeSpec",
	TableImplMap:                "ImplMap",
	TableFieldRVA:               "FieldRVA",
	TableEncLog:                 "EncLog",
	TableEncMap:                 "EncMap",
	TableAssembly:               "Assembly",
	TableAssemblyProcessor:      "AssemblyProcessor",
	TableAssemblyOS:             "AssemblyOS",
	TableAssemblyRef:            "AssemblyRef",
	TableAssemblyRefProcessor:   "AssemblyRefProcessor",
	TableAssemblyRefOS:          "AssemblyRefOS",
	TableFile:                   "File",
	TableExportedType:           "ExportedType",
	TableManifestResource:       "ManifestResource",
	TableNestedClass:            "NestedClass",
	TableGenericParam:           "GenericParam",
	TableMethodSpec:             "MethodSpec",
	TableGenericParamConstraint: "GenericParamConstraint",
	TableDocument:               "Document",
	TableMethodDebugInformation: "MethodDebugInformation",
	TableLocalScope:             "LocalScope",
	TableLocalVariable:          "LocalVariable",
	TableLocalConstant:          "LocalConstant",
	TableImportScope:            "ImportScope",
	TableStateMachineMethod:     "StateMachineMethod",
	TableCustomDebugInformation: "CustomDebugInformation",
}

func (k TableKind) String() string {
	if name, ok := tableNames[k]; ok {
		return name
	}
	if k == NoTable {
		return "NotUsed"
	}
	return fmt.Sprintf("Table(0x%02X)", uint8(k))
}

// Known reports whether the kind has a defined row layout.
func (k TableKind) Known() bool {
	_, ok := tableNames[k]
	return ok
}

// MarshalText encodes the kind by name in reports.
func (k TableKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k TableKind) bit() uint64 {
	return 1 << uint64(k)
}
