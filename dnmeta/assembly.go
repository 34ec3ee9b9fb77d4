package dnmeta

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/kenzobenj/dnparser/common"
)

// AssemblyInfo is the identity recorded in row 1 of the Assembly table.
type AssemblyInfo struct {
	Name         string         `json:"name,omitempty" cbor:"name,omitempty"`
	Culture      string         `json:"culture,omitempty" cbor:"culture,omitempty"`
	Version      [4]uint16      `json:"version" cbor:"version"`
	VersionHex   string         `json:"version_hex,omitempty" cbor:"version_hex,omitempty"`
	HashAlgID    uint32         `json:"hash_alg_id,omitempty" cbor:"hash_alg_id,omitempty"`
	Flags        uint32         `json:"flags,omitempty" cbor:"flags,omitempty"`
	PublicKeyLen int            `json:"public_key_len,omitempty" cbor:"public_key_len,omitempty"`
	Outcome      common.Outcome `json:"outcome" cbor:"outcome"`
}

// VersionString formats the version as major.minor.build.revision.
func (a AssemblyInfo) VersionString() string {
	return fmt.Sprintf("%d.%d.%d.%d", a.Version[0], a.Version[1], a.Version[2], a.Version[3])
}

// ExtractAssembly reads the assembly name, culture and version from the Assembly table.
func ExtractAssembly(cat *Catalog, heaps *Heaps) AssemblyInfo {
	var info AssemblyInfo

	if !cat.Present(TableAssembly) || cat.RowCount(TableAssembly) == 0 {
		info.Outcome = common.NewAbsent("missing Assembly metadata table",
			common.Errorf(common.KindMissingTable, "assembly", "Assembly table not present"))
		return info
	}

	row, err := cat.Row(TableAssembly, 1)
	if err != nil {
		info.Outcome = common.NewAbsent("cannot read Assembly row", err)
		return info
	}
	if info.HashAlgID, err = row.Uint32(); err != nil {
		info.Outcome = common.NewAbsent("cannot read Assembly row", err)
		return info
	}
	var raw [8]byte
	for i := range info.Version {
		if info.Version[i], err = row.Uint16(); err != nil {
			info.Outcome = common.NewAbsent("cannot read Assembly version", err)
			return info
		}
		binary.LittleEndian.PutUint16(raw[2*i:], info.Version[i])
	}
	info.VersionHex = hex.EncodeToString(raw[:])
	if info.Flags, err = row.Uint32(); err != nil {
		info.Outcome = common.NewAbsent("cannot read Assembly row", err)
		return info
	}
	pkIdx, err := row.HeapIndex(HeapBlob)
	if err != nil {
		info.Outcome = common.NewAbsent("cannot read Assembly public key index", err)
		return info
	}
	nameIdx, err := row.HeapIndex(HeapStrings)
	if err != nil {
		info.Outcome = common.NewAbsent("cannot read Assembly name index", err)
		return info
	}
	cultureIdx, err := row.HeapIndex(HeapStrings)
	if err != nil {
		info.Outcome = common.NewAbsent("cannot read Assembly culture index", err)
		return info
	}

	name, err := heaps.String(nameIdx)
	if err != nil {
		info.Outcome = common.NewAbsent("cannot resolve assembly name", err)
		return info
	}
	info.Name = name

	if cultureIdx != 0 {
		if culture, err := heaps.String(cultureIdx); err == nil {
			info.Culture = culture
		}
	}
	if pkIdx != 0 {
		if pk, err := heaps.Blob(pkIdx); err == nil {
			info.PublicKeyLen = len(pk)
		} else {
			Logger().Debug("assembly public key unresolved", zap.Uint32("index", pkIdx), zap.Error(err))
		}
	}

	if n := cat.RowCount(TableAssembly); n > 1 {
		info.Outcome = common.NewAmbiguous(name+" "+info.VersionString(), int(n))
		return info
	}
	info.Outcome = common.NewFound(name + " " + info.VersionString())
	return info
}
