package dnmeta

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kenzobenj/dnparser/common"
)

// ModuleInfo is the module name and module version identifier.
type ModuleInfo struct {
	Name    string         `json:"name,omitempty" cbor:"name,omitempty"`
	MVID    uuid.UUID      `json:"mvid" cbor:"mvid"`
	MVIDHex string         `json:"mvid_hex,omitempty" cbor:"mvid_hex,omitempty"`
	Outcome common.Outcome `json:"outcome" cbor:"outcome"`
	// Candidates holds every #GUID entry when there is no Module table to pick from.
	Candidates []uuid.UUID `json:"candidates,omitempty" cbor:"candidates,omitempty"`
}

// ExtractModule reads row 1 of the Module table. Without a Module table it falls back
// to reporting every GUID in #GUID as an ambiguous result.
func ExtractModule(cat *Catalog, heaps *Heaps) ModuleInfo {
	var info ModuleInfo

	if !cat.Present(TableModule) {
		guids, err := heaps.GUIDs()
		if err != nil {
			info.Outcome = common.NewAbsent("no Module table and no readable #GUID stream", err)
			return info
		}
		info.Candidates = guids
		info.Outcome = common.NewAmbiguous("no Module table, listing #GUID entries", len(guids))
		return info
	}

	row, err := cat.Row(TableModule, 1)
	if err != nil {
		info.Outcome = common.NewAbsent("cannot read Module row", err)
		return info
	}
	if err := row.Skip(2); err != nil { // Generation
		info.Outcome = common.NewAbsent("cannot read Module row", err)
		return info
	}
	nameIdx, err := row.HeapIndex(HeapStrings)
	if err != nil {
		info.Outcome = common.NewAbsent("cannot read Module name index", err)
		return info
	}
	mvidIdx, err := row.HeapIndex(HeapGUID)
	if err != nil {
		info.Outcome = common.NewAbsent("cannot read Module MVID index", err)
		return info
	}

	if name, err := heaps.String(nameIdx); err == nil {
		info.Name = name
	} else {
		Logger().Debug("module name unresolved", zap.Uint32("index", nameIdx), zap.Error(err))
	}

	mvid, err := heaps.GUID(mvidIdx)
	if err != nil {
		info.Outcome = common.NewAbsent("cannot resolve MVID", err)
		return info
	}
	info.MVID = mvid
	info.MVIDHex = GUIDHex(mvid)
	if n := cat.RowCount(TableModule); n > 1 {
		info.Outcome = common.NewAmbiguous(mvid.String(), int(n))
		return info
	}
	info.Outcome = common.NewFound(mvid.String())
	return info
}

// DumpGUIDs lists every #GUID entry. It needs no table stream.
func DumpGUIDs(heaps *Heaps) ([]uuid.UUID, common.Outcome) {
	guids, err := heaps.GUIDs()
	if err != nil {
		return nil, common.NewAbsent("cannot read #GUID stream", err)
	}
	if len(guids) == 0 {
		return guids, common.NewAbsent("#GUID stream is empty", nil)
	}
	if len(guids) == 1 {
		return guids, common.NewFound(guids[0].String())
	}
	return guids, common.NewAmbiguous("multiple #GUID entries", len(guids))
}
