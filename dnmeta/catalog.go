package dnmeta

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"go.uber.org/zap"

	"github.com/kenzobenj/dnparser/common"
)

// Catalog is the queryable model of the #~ table stream: which tables are present,
// their row counts, index widths and where every row lives. It is immutable after
// BuildCatalog and safe to share between goroutines. The image is borrowed, not copied.
type Catalog struct {
	img       ImageAccessor
	dir       *StreamDirectory
	stream    Stream
	major     uint8
	minor     uint8
	heapFlags uint8
	valid     uint64
	sorted    uint64
	present   []TableKind
	rows      [MaxTables]uint32
	rowSizes  [MaxTables]uint32
	bases     [MaxTables]uint32
	widths    IndexWidths
}

// BuildCatalog parses the #~ header, sizes every index and lays out every present table.
// Any failure here is fatal for table-based facts.
func BuildCatalog(img ImageAccessor, dir *StreamDirectory) (*Catalog, error) {
	const op = "build catalog"

	stream, err := dir.TableStream()
	if err != nil {
		return nil, err
	}
	header, err := img.Read(stream.RVA, tableHeaderSize)
	if err != nil {
		return nil, common.Wrap(common.KindOutOfRange, op, err)
	}

	c := &Catalog{
		img:       img,
		dir:       dir,
		stream:    stream,
		major:     header[4],
		minor:     header[5],
		heapFlags: header[6],
		valid:     binary.LittleEndian.Uint64(header[8:16]),
		sorted:    binary.LittleEndian.Uint64(header[16:24]),
	}

	// Step 2: presence mask and row counts, ascending bit order.
	n := uint32(bits.OnesCount64(c.valid))
	counts, err := img.Read(stream.RVA+tableHeaderSize, 4*n)
	if err != nil {
		return nil, common.Wrap(common.KindOutOfRange, op, err)
	}
	c.present = make([]TableKind, 0, n)
	for k := 0; k < MaxTables; k++ {
		kind := TableKind(k)
		if c.valid&kind.bit() == 0 {
			continue
		}
		c.rows[k] = binary.LittleEndian.Uint32(counts[4*len(c.present):])
		c.present = append(c.present, kind)
	}

	// Steps 1, 3 and 4.
	c.widths = computeWidths(c.heapFlags, &c.rows)

	// Layout: row sizes and contiguous table blocks.
	offset := uint64(stream.RVA) + tableHeaderSize + 4*uint64(n)
	for _, kind := range c.present {
		size, err := RowSize(kind, c.widths)
		if err != nil {
			return nil, err
		}
		if offset > uint64(^uint32(0)) {
			return nil, common.Errorf(common.KindOutOfRange, op, "%s starts beyond 4 GiB", kind)
		}
		c.rowSizes[kind] = size
		c.bases[kind] = uint32(offset)
		offset += uint64(size) * uint64(c.rows[kind])
	}
	if offset > uint64(^uint32(0)) {
		return nil, common.Errorf(common.KindOutOfRange, op, "tables extend beyond 4 GiB")
	}
	// Row counts are untrusted. The laid out tables must fit the #~ stream and the image.
	if streamEnd := uint64(stream.RVA) + uint64(stream.Size); offset > streamEnd {
		return nil, common.Errorf(common.KindOutOfRange, op,
			"tables end at 0x%X, past #~ stream end 0x%X", offset, streamEnd)
	}
	if _, err := img.RVAToPhysical(uint32(offset - 1)); err != nil {
		return nil, common.Wrap(common.KindOutOfRange, op, err)
	}

	Logger().Debug("built table catalog",
		zap.Int("tables", len(c.present)),
		zap.Uint8("heap_flags", c.heapFlags),
		zap.Uint32("stream_rva", stream.RVA))
	return c, nil
}

// Directory returns the stream directory the catalog was built from.
func (c *Catalog) Directory() *StreamDirectory { return c.dir }

// TableStream returns the #~ stream.
func (c *Catalog) TableStream() Stream { return c.stream }

// HeapFlags returns the raw HeapSizes byte.
func (c *Catalog) HeapFlags() uint8 { return c.heapFlags }

// HasExtraData reports whether HeapSizes bit 6 is set. The extra data is not parsed.
func (c *Catalog) HasExtraData() bool { return c.heapFlags&heapFlagExtraData != 0 }

// Widths returns the computed index widths.
func (c *Catalog) Widths() IndexWidths { return c.widths }

// SchemaVersion renders the #~ schema version as "major.minor".
func (c *Catalog) SchemaVersion() string { return fmt.Sprintf("%d.%d", c.major, c.minor) }

// ValidMask returns the raw presence bitmask.
func (c *Catalog) ValidMask() uint64 { return c.valid }

// SortedMask returns the raw sorted-tables bitmask.
func (c *Catalog) SortedMask() uint64 { return c.sorted }

// Tables returns the present tables in ascending bit order, which is also their
// physical order in the stream.
func (c *Catalog) Tables() []TableKind {
	out := make([]TableKind, len(c.present))
	copy(out, c.present)
	return out
}

// Present reports whether table k has its presence bit set.
func (c *Catalog) Present(k TableKind) bool {
	return k < MaxTables && c.valid&k.bit() != 0
}

// RowCount returns the number of rows in k; 0 for absent tables.
func (c *Catalog) RowCount(k TableKind) uint32 {
	if k >= MaxTables {
		return 0
	}
	return c.rows[k]
}

// RowSize returns the byte size of one row of k.
func (c *Catalog) RowSize(k TableKind) uint32 {
	if !c.Present(k) {
		return 0
	}
	return c.rowSizes[k]
}

// TableOffset returns the RVA of the first row of k.
func (c *Catalog) TableOffset(k TableKind) (uint32, error) {
	if !c.Present(k) {
		return 0, common.Errorf(common.KindMissingTable, "table offset", "%s is not present", k)
	}
	return c.bases[k], nil
}

// RowOffset returns the RVA of 1-based row in k.
func (c *Catalog) RowOffset(k TableKind, row uint32) (uint32, error) {
	base, err := c.TableOffset(k)
	if err != nil {
		return 0, err
	}
	if row == 0 || row > c.rows[k] {
		return 0, common.Errorf(common.KindOutOfRange, "row offset",
			"%s row %d outside 1..%d", k, row, c.rows[k])
	}
	return base + (row-1)*c.rowSizes[k], nil
}

// Row reads the raw bytes of 1-based row in k and returns a reader over its columns.
func (c *Catalog) Row(k TableKind, row uint32) (*RowReader, error) {
	off, err := c.RowOffset(k, row)
	if err != nil {
		return nil, err
	}
	data, err := c.img.Read(off, c.rowSizes[k])
	if err != nil {
		return nil, err
	}
	return newRowReader(data, c.widths), nil
}
