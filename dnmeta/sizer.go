package dnmeta

// Heap identifies one of the index-addressed heaps.
type Heap uint8

const (
	HeapStrings Heap = iota
	HeapGUID
	HeapBlob

	numHeaps
)

var heapStreamNames = [numHeaps]string{
	HeapStrings: StreamStrings,
	HeapGUID:    StreamGUID,
	HeapBlob:    StreamBlob,
}

func (h Heap) String() string {
	if h < numHeaps {
		return heapStreamNames[h]
	}
	return "#?"
}

// HeapSizes flag bits of the #~ header.
const (
	heapFlagStrings   = 0x01
	heapFlagGUID      = 0x02
	heapFlagBlob      = 0x04
	heapFlagExtraData = 0x40
)

// IndexWidths holds the byte width (2 or 4) of every heap, simple table and coded index.
type IndexWidths struct {
	heaps  [numHeaps]uint8
	tables [MaxTables]uint8
	coded  [numCodedCategories]uint8
}

// Heap returns the width of an index into h.
func (w IndexWidths) Heap(h Heap) uint32 { return uint32(w.heaps[h]) }

// Table returns the width of a simple index into table k.
func (w IndexWidths) Table(k TableKind) uint32 { return uint32(w.tables[k]) }

// Coded returns the width of a coded index of category c.
func (w IndexWidths) Coded(c CodedCategory) uint32 { return uint32(w.coded[c]) }

// Map flattens the widths into name → width, the shape used in reports.
func (w IndexWidths) Map() map[string]uint32 {
	out := make(map[string]uint32, int(numHeaps)+len(tableNames)+int(numCodedCategories))
	for h := Heap(0); h < numHeaps; h++ {
		out[h.String()] = w.Heap(h)
	}
	for k := range tableNames {
		out[k.String()] = w.Table(k)
	}
	for _, c := range CodedCategories() {
		out[c.String()] = w.Coded(c)
	}
	return out
}

const (
	smallRowLimit = 1 << 16
)

// heapWidths is step 1: heap index widths from the HeapSizes byte.
func heapWidths(flags uint8) [numHeaps]uint8 {
	width := func(bit uint8) uint8 {
		if flags&bit != 0 {
			return 4
		}
		return 2
	}
	return [numHeaps]uint8{
		HeapStrings: width(heapFlagStrings),
		HeapGUID:    width(heapFlagGUID),
		HeapBlob:    width(heapFlagBlob),
	}
}

// simpleWidth is step 3: 2 bytes iff the table has fewer than 2^16 rows.
func simpleWidth(rows uint32) uint8 {
	if rows < smallRowLimit {
		return 2
	}
	return 4
}

// codedWidth is step 4: 4 bytes if any participant overflows 16-tagBits bits of row.
func codedWidth(c CodedCategory, rows *[MaxTables]uint32) uint8 {
	limit := uint32(1) << (16 - c.TagBits())
	for _, k := range c.Participants() {
		if k == NoTable {
			continue
		}
		if rows[k] >= limit {
			return 4
		}
	}
	return 2
}

// computeWidths runs steps 1, 3 and 4 over the heap flags and the row counts parsed in
// step 2. It is the only producer of IndexWidths.
func computeWidths(heapFlags uint8, rows *[MaxTables]uint32) IndexWidths {
	var w IndexWidths
	w.heaps = heapWidths(heapFlags)
	for k := 0; k < MaxTables; k++ {
		w.tables[k] = simpleWidth(rows[k])
	}
	for c := CodedCategory(0); c < numCodedCategories; c++ {
		w.coded[c] = codedWidth(c, rows)
	}
	return w
}
