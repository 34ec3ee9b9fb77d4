package dnmeta

import "github.com/kenzobenj/dnparser/common"

// tableHeaderSize covers Reserved, MajorVersion, MinorVersion, HeapSizes, Reserved,
// Valid and Sorted: everything in the #~ header before the row counts.
const tableHeaderSize = 24

// RowSize returns the byte size of one row of table k under the widths w.
func RowSize(k TableKind, w IndexWidths) (uint32, error) {
	str := w.Heap(HeapStrings)
	guid := w.Heap(HeapGUID)
	blob := w.Heap(HeapBlob)

	switch k {
	case TableModule:
		// Generation, Name, Mvid, EncId, EncBaseId
		return 2 + str + 3*guid, nil
	case TableTypeRef:
		return w.Coded(ResolutionScope) + 2*str, nil
	case TableTypeDef:
		// Flags, TypeName, TypeNamespace, Extends, FieldList, MethodList
		return 4 + 2*str + w.Coded(TypeDefOrRef) + w.Table(TableField) + w.Table(TableMethodDef), nil
	case TableFieldPtr:
		return w.Table(TableField), nil
	case TableField:
		return 2 + str + blob, nil
	case TableMethodPtr:
		return w.Table(TableMethodDef), nil
	case TableMethodDef:
		// RVA, ImplFlags, Flags, Name, Signature, ParamList
		return 4 + 2 + 2 + str + blob + w.Table(TableParam), nil
	case TableParamPtr:
		return w.Table(TableParam), nil
	case TableParam:
		return 2 + 2 + str, nil
	case TableInterfaceImpl:
		return w.Table(TableTypeDef) + w.Coded(TypeDefOrRef), nil
	case TableMemberRef:
		return w.Coded(MemberRefParent) + str + blob, nil
	case TableConstant:
		// Type, padding, Parent, Value
		return 1 + 1 + w.Coded(HasConstant) + blob, nil
	case TableCustomAttribute:
		return w.Coded(HasCustomAttribute) + w.Coded(CustomAttributeType) + blob, nil
	case TableFieldMarshal:
		return w.Coded(HasFieldMarshal) + blob, nil
	case TableDeclSecurity:
		return 2 + w.Coded(HasDeclSecurity) + blob, nil
	case TableClassLayout:
		return 2 + 4 + w.Table(TableTypeDef), nil
	case TableFieldLayout:
		return 4 + w.Table(TableField), nil
	case TableStandAloneSig:
		return blob, nil
	case TableEventMap:
		return w.Table(TableTypeDef) + w.Table(TableEvent), nil
	case TableEventPtr:
		return w.Table(TableEvent), nil
	case TableEvent:
		return 2 + str + w.Coded(TypeDefOrRef), nil
	case TablePropertyMap:
		return w.Table(TableTypeDef) + w.Table(TableProperty), nil
	case TablePropertyPtr:
		return w.Table(TableProperty), nil
	case TableProperty:
		return 2 + str + blob, nil
	case TableMethodSemantics:
		return 2 + w.Table(TableMethodDef) + w.Coded(HasSemantics), nil
	case TableMethodImpl:
		return w.Table(TableTypeDef) + 2*w.Coded(MethodDefOrRef), nil
	case TableModuleRef:
		return str, nil
	case TableTypeSpec:
		return blob, nil
	case TableImplMap:
		return 2 + w.Coded(MemberForwarded) + str + w.Table(TableModuleRef), nil
	case TableFieldRVA:
		return 4 + w.Table(TableField), nil
	case TableEncLog:
		return 4 + 4, nil
	case TableEncMap:
		return 4, nil
	case TableAssembly:
		// HashAlgId, Major, Minor, Build, Revision, Flags, PublicKey, Name, Culture
		return 4 + 2 + 2 + 2 + 2 + 4 + blob + 2*str, nil
	case TableAssemblyProcessor:
		return 4, nil
	case TableAssemblyOS:
		return 4 + 4 + 4, nil
	case TableAssemblyRef:
		// four version parts, Flags, PublicKeyOrToken, Name, Culture, HashValue
		return 4*2 + 4 + blob + 2*str + blob, nil
	case TableAssemblyRefProcessor:
		return 4 + w.Table(TableAssemblyRef), nil
	case TableAssemblyRefOS:
		return 4 + 4 + 4 + w.Table(TableAssemblyRef), nil
	case TableFile:
		return 4 + str + blob, nil
	case TableExportedType:
		return 4 + 4 + 2*str + w.Coded(Implementation), nil
	case TableManifestResource:
		return 4 + 4 + str + w.Coded(Implementation), nil
	case TableNestedClass:
		return 2 * w.Table(TableTypeDef), nil
	case TableGenericParam:
		return 2 + 2 + w.Coded(TypeOrMethodDef) + str, nil
	case TableMethodSpec:
		return w.Coded(MethodDefOrRef) + blob, nil
	case TableGenericParamConstraint:
		return w.Table(TableGenericParam) + w.Coded(TypeDefOrRef), nil
	case TableDocument:
		// Name, HashAlgorithm, Hash, Language
		return blob + guid + blob + guid, nil
	case TableMethodDebugInformation:
		return w.Table(TableDocument) + blob, nil
	case TableLocalScope:
		return w.Table(TableMethodDef) + w.Table(TableImportScope) + w.Table(TableLocalVariable) +
			w.Table(TableLocalConstant) + 4 + 4, nil
	case TableLocalVariable:
		return 2 + 2 + str, nil
	case TableLocalConstant:
		return str + blob, nil
	case TableImportScope:
		return w.Table(TableImportScope) + blob, nil
	case TableStateMachineMethod:
		return 2 * w.Table(TableMethodDef), nil
	case TableCustomDebugInformation:
		return w.Coded(HasCustomDebugInformation) + guid + blob, nil
	}
	return 0, common.Errorf(common.KindUnsupportedFormat, "row size", "no layout for %s", k)
}
