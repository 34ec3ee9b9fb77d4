package dnmeta

import (
	"errors"
	"testing"

	"github.com/kenzobenj/dnparser/common"
)

func TestTagBits(t *testing.T) {
	want := map[CodedCategory]uint{
		TypeDefOrRef:              2,
		HasConstant:               2,
		HasCustomAttribute:        5,
		HasFieldMarshal:           1,
		HasDeclSecurity:           2,
		MemberRefParent:           3,
		HasSemantics:              1,
		MethodDefOrRef:            1,
		MemberForwarded:           1,
		Implementation:            2,
		CustomAttributeType:       3,
		ResolutionScope:           2,
		TypeOrMethodDef:           1,
		HasCustomDebugInformation: 5,
	}
	if len(want) != len(CodedCategories()) {
		t.Fatalf("expected %d categories, got %d", len(want), len(CodedCategories()))
	}
	for _, c := range CodedCategories() {
		if got := c.TagBits(); got != want[c] {
			t.Errorf("%s: TagBits() = %d, want %d", c, got, want[c])
		}
	}
}

func TestTagBitsForParticipantCount(t *testing.T) {
	cases := []struct {
		n    int
		want uint
	}{
		{1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {8, 3}, {9, 4}, {22, 5}, {27, 5}, {32, 5}, {33, 6},
	}
	for _, tc := range cases {
		if got := tagBitsFor(tc.n); got != tc.want {
			t.Errorf("tagBitsFor(%d) = %d, want %d", tc.n, got, tc.want)
		}
	}
}

func TestCodedRoundTrip(t *testing.T) {
	for _, c := range CodedCategories() {
		maxRow := ^uint32(0) >> c.TagBits()
		for _, k := range c.Participants() {
			if k == NoTable {
				continue
			}
			for _, row := range []uint32{0, 1, 2, 0x7FF, maxRow} {
				raw, err := Encode(c, k, row)
				if err != nil {
					t.Fatalf("Encode(%s, %s, %d): %v", c, k, row, err)
				}
				got, err := Decode(raw, c)
				if err != nil {
					t.Fatalf("Decode(0x%X, %s): %v", raw, c, err)
				}
				if got.Table != k || got.Row != row {
					t.Errorf("%s round trip: got %s, want %s[%d]", c, got, k, row)
				}
			}
		}
	}
}

func TestDecodeKnownValues(t *testing.T) {
	cases := []struct {
		name string
		raw  uint32
		cat  CodedCategory
		want CodedIndex
	}{
		{"assembly parent", 0x2E, HasCustomAttribute, CodedIndex{TableAssembly, 1}},
		{"memberref ctor", 0x0B, CustomAttributeType, CodedIndex{TableMemberRef, 1}},
		{"methoddef ctor", 0x12, CustomAttributeType, CodedIndex{TableMethodDef, 2}},
		{"typeref class", 0x09, MemberRefParent, CodedIndex{TableTypeRef, 1}},
		{"typespec", 0x0E, TypeDefOrRef, CodedIndex{TableTypeSpec, 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.raw, tc.cat)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDecodeInvalidTag(t *testing.T) {
	cases := []struct {
		name string
		raw  uint32
		cat  CodedCategory
	}{
		{"HasCustomAttribute tag 22", 1<<5 | 22, HasCustomAttribute},
		{"HasCustomAttribute tag 31", 1<<5 | 31, HasCustomAttribute},
		{"CustomAttributeType unused slot 0", 1 << 3, CustomAttributeType},
		{"CustomAttributeType unused slot 4", 1<<3 | 4, CustomAttributeType},
		{"CustomAttributeType tag 7", 1<<3 | 7, CustomAttributeType},
		{"TypeDefOrRef tag 3", 1<<2 | 3, TypeDefOrRef},
		{"MemberRefParent tag 5", 1<<3 | 5, MemberRefParent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.raw, tc.cat)
			if !errors.Is(err, common.ErrInvalidTag) {
				t.Fatalf("expected invalid tag error, got %v", err)
			}
		})
	}
}

func TestDecodeSingleParticipant(t *testing.T) {
	members := []TableKind{TableTypeDef}
	got, err := decodeMembers(0x1234, members, "decode")
	if err != nil {
		t.Fatalf("decodeMembers: %v", err)
	}
	if got.Table != TableTypeDef || got.Row != 0x1234 {
		t.Errorf("got %s, want TypeDef[4660]", got)
	}
}

func TestEncodeRejects(t *testing.T) {
	if _, err := Encode(CustomAttributeType, NoTable, 1); !errors.Is(err, common.ErrInvalidTag) {
		t.Errorf("NoTable: expected invalid tag, got %v", err)
	}
	if _, err := Encode(TypeDefOrRef, TableAssembly, 1); !errors.Is(err, common.ErrInvalidTag) {
		t.Errorf("non-participant: expected invalid tag, got %v", err)
	}
	if _, err := Encode(HasCustomAttribute, TableAssembly, 1<<27); !errors.Is(err, common.ErrOutOfRange) {
		t.Errorf("oversized row: expected out of range, got %v", err)
	}
}
