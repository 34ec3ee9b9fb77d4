package dnmeta

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kenzobenj/dnparser/common"
)

// Options tunes Analyze.
type Options struct {
	Oddities OddityRules
}

// TableEntry describes one present table in catalog order.
type TableEntry struct {
	Kind    string `json:"kind" cbor:"kind"`
	Bit     uint8  `json:"bit" cbor:"bit"`
	Rows    uint32 `json:"rows" cbor:"rows"`
	RowSize uint32 `json:"row_size" cbor:"row_size"`
	RVA     uint32 `json:"rva" cbor:"rva"`
}

// Report collects everything extracted from one image.
type Report struct {
	Root      DataDirectory     `json:"root" cbor:"root"`
	Streams   *StreamDirectory  `json:"streams" cbor:"streams"`
	Schema    string            `json:"schema,omitempty" cbor:"schema,omitempty"`
	HeapFlags uint8             `json:"heap_flags" cbor:"heap_flags"`
	Valid     uint64            `json:"valid_mask" cbor:"valid_mask"`
	Sorted    uint64            `json:"sorted_mask" cbor:"sorted_mask"`
	Tables    []TableEntry      `json:"tables,omitempty" cbor:"tables,omitempty"`
	Widths    map[string]uint32 `json:"index_widths,omitempty" cbor:"index_widths,omitempty"`
	Module    *ModuleInfo       `json:"module,omitempty" cbor:"module,omitempty"`
	Assembly  *AssemblyInfo     `json:"assembly,omitempty" cbor:"assembly,omitempty"`
	TypeLib   *TypeLibInfo      `json:"typelib,omitempty" cbor:"typelib,omitempty"`
	GUIDs     []uuid.UUID       `json:"guids,omitempty" cbor:"guids,omitempty"`
	Oddities  []Oddity          `json:"oddities,omitempty" cbor:"oddities,omitempty"`
	// CatalogError is set when the table stream could not be modelled; only heap-level
	// results are present then.
	CatalogError string `json:"catalog_error,omitempty" cbor:"catalog_error,omitempty"`
}

// Analyze locates the metadata root, builds the catalog and extracts every fact.
// It returns an error only when the metadata root itself is unusable; fact-level
// failures are recorded in the report.
func Analyze(img ImageAccessor, opts Options) (*Report, error) {
	root, err := LocateRoot(img)
	if err != nil {
		return nil, err
	}
	dir, err := ParseStreams(img, root.RVA)
	if err != nil {
		return nil, err
	}

	rep := &Report{Root: root, Streams: dir}
	heaps := NewHeaps(img, dir)

	cat, err := BuildCatalog(img, dir)
	if err != nil {
		Logger().Info("table catalog unavailable, dumping #GUID", zap.Error(err))
		rep.CatalogError = err.Error()
		rep.GUIDs, _ = DumpGUIDs(heaps)
		rep.Oddities = CheckOddities(dir, nil, opts.Oddities)
		return rep, nil
	}

	rep.Schema = cat.SchemaVersion()
	rep.HeapFlags = cat.HeapFlags()
	rep.Valid = cat.ValidMask()
	rep.Sorted = cat.SortedMask()
	rep.Widths = cat.Widths().Map()
	for _, k := range cat.Tables() {
		rva, _ := cat.TableOffset(k)
		rep.Tables = append(rep.Tables, TableEntry{
			Kind:    k.String(),
			Bit:     uint8(k),
			Rows:    cat.RowCount(k),
			RowSize: cat.RowSize(k),
			RVA:     rva,
		})
	}

	// The catalog is read-only, so the extractors run side by side.
	var (
		wg       sync.WaitGroup
		module   ModuleInfo
		assembly AssemblyInfo
		typeLib  TypeLibInfo
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer recoverInto("module", &module.Outcome)
		module = ExtractModule(cat, heaps)
	}()
	go func() {
		defer wg.Done()
		defer recoverInto("assembly", &assembly.Outcome)
		assembly = ExtractAssembly(cat, heaps)
	}()
	go func() {
		defer wg.Done()
		defer recoverInto("typelib", &typeLib.Outcome)
		typeLib = ExtractTypeLib(cat, heaps)
	}()
	wg.Wait()

	rep.Module = &module
	rep.Assembly = &assembly
	rep.TypeLib = &typeLib
	rep.GUIDs = module.Candidates
	rep.Oddities = CheckOddities(dir, cat, opts.Oddities)
	return rep, nil
}

// recoverInto turns a panic inside one extractor into an absent outcome.
func recoverInto(fact string, out *common.Outcome) {
	if r := recover(); r != nil {
		Logger().Error("extractor panicked", zap.String("fact", fact), zap.Any("panic", r))
		*out = common.NewAbsent("internal error", fmt.Errorf("%s extractor: %v", fact, r))
	}
}
