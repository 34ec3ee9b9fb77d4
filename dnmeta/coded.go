package dnmeta

import (
	"fmt"
	"math/bits"

	"github.com/kenzobenj/dnparser/common"
)

// CodedCategory identifies a coded index: a tagged reference into one of several tables.
type CodedCategory uint8

const (
	TypeDefOrRef CodedCategory = iota
	HasConstant
	HasCustomAttribute
	HasFieldMarshal
	HasDeclSecurity
	MemberRefParent
	HasSemantics
	MethodDefOrRef
	MemberForwarded
	Implementation
	CustomAttributeType
	ResolutionScope
	TypeOrMethodDef
	HasCustomDebugInformation

	numCodedCategories
)

// Participant lists in tag order, ECMA-335 II.24.2.6 and the Portable PDB format.
var codedParticipants = [numCodedCategories][]TableKind{
	TypeDefOrRef:    {TableTypeDef, TableTypeRef, TableTypeSpec},
	HasConstant:     {TableField, TableParam, TableProperty},
	HasCustomAttribute: {
		TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam,
		TableInterfaceImpl, TableMemberRef, TableModule, TableDeclSecurity, TableProperty,
		TableEvent, TableStandAloneSig, TableModuleRef, TableTypeSpec, TableAssembly,
		TableAssemblyRef, TableFile, TableExportedType, TableManifestResource,
		TableGenericParam, TableGenericParamConstraint, TableMethodSpec,
	},
	HasFieldMarshal:     {TableField, TableParam},
	HasDeclSecurity:     {TableTypeDef, TableMethodDef, TableAssembly},
	MemberRefParent:     {TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec},
	HasSemantics:        {TableEvent, TableProperty},
	MethodDefOrRef:      {TableMethodDef, TableMemberRef},
	MemberForwarded:     {TableField, TableMethodDef},
	Implementation:      {TableFile, TableAssemblyRef, TableExportedType},
	CustomAttributeType: {NoTable, NoTable, TableMethodDef, TableMemberRef, NoTable},
	ResolutionScope:     {TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef},
	TypeOrMethodDef:     {TableTypeDef, TableMethodDef},
	HasCustomDebugInformation: {
		TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam,
		TableInterfaceImpl, TableMemberRef, TableModule, TableDeclSecurity, TableProperty,
		TableEvent, TableStandAloneSig, TableModuleRef, TableTypeSpec, TableAssembly,
		TableAssemblyRef, TableFile, TableExportedType, TableManifestResource,
		TableGenericParam, TableGenericParamConstraint, TableMethodSpec, TableDocument,
		TableLocalScope, TableLocalVariable, TableLocalConstant, TableImportScope,
	},
}

var codedNames = [numCodedCategories]string{
	TypeDefOrRef:              "TypeDefOrRef",
	HasConstant:               "HasConstant",
	HasCustomAttribute:        "HasCustomAttribute",
	HasFieldMarshal:           "HasFieldMarshal",
	HasDeclSecurity:           "HasDeclSecurity",
	MemberRefParent:           "MemberRefParent",
	HasSemantics:              "HasSemantics",
	MethodDefOrRef:            "MethodDefOrRef",
	MemberForwarded:           "MemberForwarded",
	Implementation:            "Implementation",
	CustomAttributeType:       "CustomAttributeType",
	ResolutionScope:           "ResolutionScope",
	TypeOrMethodDef:           "TypeOrMethodDef",
	HasCustomDebugInformation: "HasCustomDebugInformation",
}

// CodedCategories returns every coded index category in declaration order.
func CodedCategories() []CodedCategory {
	out := make([]CodedCategory, numCodedCategories)
	for i := range out {
		out[i] = CodedCategory(i)
	}
	return out
}

func (c CodedCategory) String() string {
	if c < numCodedCategories {
		return codedNames[c]
	}
	return fmt.Sprintf("CodedCategory(%d)", uint8(c))
}

// Participants returns the member tables in tag order. The slice must not be modified.
func (c CodedCategory) Participants() []TableKind {
	return codedParticipants[c]
}

// TagBits is ceil(log2(n)) for a category with n participants; 0 when n is 1.
func (c CodedCategory) TagBits() uint {
	return tagBitsFor(len(codedParticipants[c]))
}

func tagBitsFor(n int) uint {
	if n <= 1 {
		return 0
	}
	return uint(bits.Len(uint(n - 1)))
}

// CodedIndex is a decoded coded index value.
type CodedIndex struct {
	Table TableKind
	Row   uint32
}

func (ci CodedIndex) String() string {
	return fmt.Sprintf("%s[%d]", ci.Table, ci.Row)
}

// Decode splits a raw coded index into its table and row number.
func Decode(raw uint32, c CodedCategory) (CodedIndex, error) {
	return decodeMembers(raw, codedParticipants[c], "decode "+c.String())
}

func decodeMembers(raw uint32, members []TableKind, op string) (CodedIndex, error) {
	tagBits := tagBitsFor(len(members))
	tag := raw & (1<<tagBits - 1)
	if int(tag) >= len(members) || members[tag] == NoTable {
		return CodedIndex{}, common.Errorf(common.KindInvalidTag, op,
			"tag %d out of range for %d participants (raw 0x%X)", tag, len(members), raw)
	}
	return CodedIndex{Table: members[tag], Row: raw >> tagBits}, nil
}

// Encode is the inverse of Decode.
func Encode(c CodedCategory, table TableKind, row uint32) (uint32, error) {
	tagBits := c.TagBits()
	if row > (^uint32(0))>>tagBits {
		return 0, common.Errorf(common.KindOutOfRange, "encode "+c.String(),
			"row %d does not fit in %d bits", row, 32-tagBits)
	}
	for tag, member := range codedParticipants[c] {
		if member == table && table != NoTable {
			return row<<tagBits | uint32(tag), nil
		}
	}
	return 0, common.Errorf(common.KindInvalidTag, "encode "+c.String(),
		"%s is not a participant", table)
}
