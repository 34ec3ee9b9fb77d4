package dnmeta

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kenzobenj/dnparser/common"
)

const (
	guidAttributeName      = "GuidAttribute"
	guidAttributeNamespace = "System.Runtime.InteropServices"

	// Value blob of GuidAttribute(string): size 0x29, prolog 0x0001, SerString length 0x24,
	// 36 characters of GUID text, NumNamed 0x0000.
	typeLibBlobSize  = 0x2A
	typeLibTextStart = 4
	typeLibTextEnd   = typeLibBlobSize - 2

	maxTypeLibWarnings = 32
)

// TypeLibInfo holds the TypeLib identifiers found on the assembly.
type TypeLibInfo struct {
	IDs       []string       `json:"ids,omitempty" cbor:"ids,omitempty"`
	Ambiguous bool           `json:"ambiguous" cbor:"ambiguous"`
	Outcome   common.Outcome `json:"outcome" cbor:"outcome"`
	// Warnings lists rows whose resolution was abandoned as corrupt.
	Warnings []string `json:"warnings,omitempty" cbor:"warnings,omitempty"`
}

type stepState int

const (
	stepResolved stepState = iota
	stepSkip
	stepInvalid
)

// stepResult is the outcome of one link in a coded index chain.
type stepResult struct {
	state stepState
	ref   CodedIndex
	err   error
}

func resolved(ref CodedIndex) stepResult { return stepResult{state: stepResolved, ref: ref} }
func skip() stepResult                   { return stepResult{state: stepSkip} }
func invalid(err error) stepResult       { return stepResult{state: stepInvalid, err: err} }

// resolveStep maps the current (table, row) to the next one in the chain.
type resolveStep func(CodedIndex) stepResult

func runChain(start CodedIndex, steps ...resolveStep) stepResult {
	cur := resolved(start)
	for _, step := range steps {
		cur = step(cur.ref)
		if cur.state != stepResolved {
			return cur
		}
	}
	return cur
}

type typeLibScan struct {
	cat   *Catalog
	heaps *Heaps
}

// requireAssemblyParent passes a CustomAttribute row through when it is attached to
// the Assembly table.
func (s *typeLibScan) requireAssemblyParent(ca CodedIndex) stepResult {
	row, err := s.cat.Row(TableCustomAttribute, ca.Row)
	if err != nil {
		return invalid(err)
	}
	parent, err := row.Coded(HasCustomAttribute)
	if err != nil {
		return invalid(err)
	}
	if parent.Table != TableAssembly {
		return skip()
	}
	return resolved(ca)
}

// attributeConstructor resolves the CustomAttribute Type column to a MemberRef row.
// MethodDef constructors are not followed.
func (s *typeLibScan) attributeConstructor(ca CodedIndex) stepResult {
	row, err := s.cat.Row(TableCustomAttribute, ca.Row)
	if err != nil {
		return invalid(err)
	}
	if _, err := row.CodedRaw(HasCustomAttribute); err != nil {
		return invalid(err)
	}
	ctor, err := row.Coded(CustomAttributeType)
	if err != nil {
		return invalid(err)
	}
	if ctor.Table != TableMemberRef {
		return skip()
	}
	return resolved(ctor)
}

// memberRefClass resolves MemberRef.Class to a TypeRef row.
func (s *typeLibScan) memberRefClass(ref CodedIndex) stepResult {
	row, err := s.cat.Row(TableMemberRef, ref.Row)
	if err != nil {
		return invalid(err)
	}
	class, err := row.Coded(MemberRefParent)
	if err != nil {
		return invalid(err)
	}
	if class.Table != TableTypeRef {
		return skip()
	}
	return resolved(class)
}

// matchGuidAttribute accepts a TypeRef named System.Runtime.InteropServices.GuidAttribute.
func (s *typeLibScan) matchGuidAttribute(ref CodedIndex) stepResult {
	row, err := s.cat.Row(TableTypeRef, ref.Row)
	if err != nil {
		return invalid(err)
	}
	if _, err := row.CodedRaw(ResolutionScope); err != nil {
		return invalid(err)
	}
	nameIdx, err := row.HeapIndex(HeapStrings)
	if err != nil {
		return invalid(err)
	}
	nsIdx, err := row.HeapIndex(HeapStrings)
	if err != nil {
		return invalid(err)
	}
	name, err := s.heaps.String(nameIdx)
	if err != nil {
		return invalid(err)
	}
	if name != guidAttributeName {
		return skip()
	}
	ns, err := s.heaps.String(nsIdx)
	if err != nil {
		return invalid(err)
	}
	if ns != guidAttributeNamespace {
		return skip()
	}
	return resolved(ref)
}

// guidText reads the value blob of CustomAttribute row ca and returns the GUID text.
func (s *typeLibScan) guidText(ca CodedIndex) (string, error) {
	row, err := s.cat.Row(TableCustomAttribute, ca.Row)
	if err != nil {
		return "", err
	}
	if _, err := row.CodedRaw(HasCustomAttribute); err != nil {
		return "", err
	}
	if _, err := row.CodedRaw(CustomAttributeType); err != nil {
		return "", err
	}
	valueIdx, err := row.HeapIndex(HeapBlob)
	if err != nil {
		return "", err
	}
	value, err := s.heaps.BlobRegion(valueIdx, typeLibBlobSize)
	if err != nil {
		return "", err
	}
	return string(value[typeLibTextStart:typeLibTextEnd]), nil
}

func missingPrecondition(cat *Catalog, dir *StreamDirectory) error {
	for _, k := range []TableKind{TableCustomAttribute, TableAssembly} {
		if !cat.Present(k) {
			return common.Errorf(common.KindMissingTable, "typelib", "%s table not present", k)
		}
	}
	for _, name := range []string{StreamBlob, StreamStrings} {
		if !dir.Has(name) {
			return common.Errorf(common.KindMissingStream, "typelib", "no %s stream", name)
		}
	}
	return nil
}

// ExtractTypeLib scans every CustomAttribute row for a GuidAttribute applied to the
// assembly and collects the GUID strings it carries.
func ExtractTypeLib(cat *Catalog, heaps *Heaps) TypeLibInfo {
	var info TypeLibInfo

	if err := missingPrecondition(cat, cat.Directory()); err != nil {
		info.Outcome = common.NewAbsent("missing CustomAttribute or Assembly metadata, or heap streams", err)
		return info
	}

	s := &typeLibScan{cat: cat, heaps: heaps}
	dropped := 0
	warn := func(msg string) {
		if len(info.Warnings) < maxTypeLibWarnings {
			info.Warnings = append(info.Warnings, msg)
			return
		}
		dropped++
	}

	rows := cat.RowCount(TableCustomAttribute)
	for i := uint32(1); i <= rows; i++ {
		ca := CodedIndex{Table: TableCustomAttribute, Row: i}
		res := runChain(ca,
			s.requireAssemblyParent,
			s.attributeConstructor,
			s.memberRefClass,
			s.matchGuidAttribute,
		)
		switch res.state {
		case stepSkip:
			continue
		case stepInvalid:
			warn(fmt.Sprintf("%s: %v", ca, res.err))
			Logger().Debug("abandoned custom attribute row", zap.Uint32("row", i), zap.Error(res.err))
			continue
		}

		text, err := s.guidText(ca)
		if err != nil {
			warn(fmt.Sprintf("%s value: %v", ca, err))
			continue
		}
		if _, err := uuid.Parse(text); err != nil {
			warn(fmt.Sprintf("%s value %q is not a well-formed GUID", ca, text))
		}
		info.IDs = append(info.IDs, text)
	}
	if dropped > 0 {
		info.Warnings = append(info.Warnings, fmt.Sprintf("%d more rows abandoned", dropped))
	}

	switch len(info.IDs) {
	case 0:
		info.Outcome = common.NewAbsent("could not identify TypeLib ID", nil)
	case 1:
		info.Outcome = common.NewFound(info.IDs[0])
	default:
		info.Ambiguous = true
		info.Outcome = common.NewAmbiguous("identified multiple TypeLib IDs", len(info.IDs))
	}
	return info
}
