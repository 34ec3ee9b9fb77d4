package dnmeta

import (
	"fmt"
	"strings"
)

// OddityKind names a structural irregularity worth noting in a detection rule.
type OddityKind string

const (
	OddityStreamCount       OddityKind = "unexpected_stream_count"
	OddityDuplicateStream   OddityKind = "duplicate_stream"
	OddityBothTableStreams  OddityKind = "both_table_streams"
	OddityNonstandardStream OddityKind = "nonstandard_stream"
	OddityModuleRows        OddityKind = "module_row_count"
	OddityAssemblyRows      OddityKind = "assembly_row_count"
	OddityExtraData         OddityKind = "extra_data_flag"
)

// Oddity is one flagged irregularity.
type Oddity struct {
	Kind   OddityKind `json:"kind" cbor:"kind"`
	Detail string     `json:"detail" cbor:"detail"`
	Count  int        `json:"count,omitempty" cbor:"count,omitempty"`
}

// OddityRules configures the stream expectations. The zero value uses the defaults.
type OddityRules struct {
	ExpectedStreamCount int
	KnownStreams        []string
}

// DefaultOddityRules matches what compilers emit for an ordinary assembly.
func DefaultOddityRules() OddityRules {
	return OddityRules{
		ExpectedStreamCount: 5,
		KnownStreams: []string{
			StreamStrings, StreamUserStrings, StreamBlob, StreamGUID, StreamUnoptimized, StreamTables,
		},
	}
}

func (r OddityRules) withDefaults() OddityRules {
	def := DefaultOddityRules()
	if r.ExpectedStreamCount <= 0 {
		r.ExpectedStreamCount = def.ExpectedStreamCount
	}
	if len(r.KnownStreams) == 0 {
		r.KnownStreams = def.KnownStreams
	}
	return r
}

// CheckOddities inspects the stream directory and, when available, the table catalog.
// cat may be nil when the table stream could not be parsed.
func CheckOddities(dir *StreamDirectory, cat *Catalog, rules OddityRules) []Oddity {
	rules = rules.withDefaults()
	var out []Oddity

	names := dir.Names()
	if len(names) != rules.ExpectedStreamCount {
		out = append(out, Oddity{
			Kind:   OddityStreamCount,
			Detail: fmt.Sprintf("expected %d streams, found %d", rules.ExpectedStreamCount, len(names)),
			Count:  len(names),
		})
	}

	seen := make(map[string]int, len(names))
	for _, n := range names {
		seen[n]++
	}
	for _, n := range names {
		if c := seen[n]; c > 1 {
			out = append(out, Oddity{
				Kind:   OddityDuplicateStream,
				Detail: fmt.Sprintf("stream %s appears %d times", n, c),
				Count:  c,
			})
			seen[n] = 0
		}
	}

	if dir.Has(StreamTables) && dir.Has(StreamUnoptimized) {
		out = append(out, Oddity{
			Kind:   OddityBothTableStreams,
			Detail: fmt.Sprintf("found both %s and %s metadata streams", StreamUnoptimized, StreamTables),
		})
	}

	known := make(map[string]bool, len(rules.KnownStreams))
	for _, n := range rules.KnownStreams {
		known[n] = true
	}
	var unknown []string
	for _, n := range names {
		if !known[n] {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		out = append(out, Oddity{
			Kind:   OddityNonstandardStream,
			Detail: "nonstandard streams: " + strings.Join(unknown, ", "),
			Count:  len(unknown),
		})
	}

	if cat == nil {
		return out
	}
	if n := cat.RowCount(TableModule); n != 1 {
		out = append(out, Oddity{
			Kind:   OddityModuleRows,
			Detail: fmt.Sprintf("Module table has %d rows", n),
			Count:  int(n),
		})
	}
	if n := cat.RowCount(TableAssembly); n != 1 {
		out = append(out, Oddity{
			Kind:   OddityAssemblyRows,
			Detail: fmt.Sprintf("Assembly table has %d rows", n),
			Count:  int(n),
		})
	}
	if cat.HasExtraData() {
		out = append(out, Oddity{
			Kind:   OddityExtraData,
			Detail: fmt.Sprintf("HeapSizes 0x%02X sets the extra data bit", cat.HeapFlags()),
		})
	}
	return out
}
