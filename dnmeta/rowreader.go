package dnmeta

import (
	"encoding/binary"

	"github.com/kenzobenj/dnparser/common"
)

// RowReader reads the columns of one table row in order.
type RowReader struct {
	data   []byte
	pos    int
	widths IndexWidths
}

func newRowReader(data []byte, w IndexWidths) *RowReader {
	return &RowReader{data: data, widths: w}
}

// Skip advances n bytes.
func (r *RowReader) Skip(n uint32) error {
	if r.pos+int(n) > len(r.data) {
		return common.Errorf(common.KindOutOfRange, "row column", "skip %d past row end", n)
	}
	r.pos += int(n)
	return nil
}

func (r *RowReader) readUint(width uint32) (uint32, error) {
	if r.pos+int(width) > len(r.data) {
		return 0, common.Errorf(common.KindOutOfRange, "row column",
			"%d-byte column at %d past row end %d", width, r.pos, len(r.data))
	}
	var v uint32
	switch width {
	case 1:
		v = uint32(r.data[r.pos])
	case 2:
		v = uint32(binary.LittleEndian.Uint16(r.data[r.pos:]))
	case 4:
		v = binary.LittleEndian.Uint32(r.data[r.pos:])
	default:
		return 0, common.Errorf(common.KindUnsupportedFormat, "row column", "width %d", width)
	}
	r.pos += int(width)
	return v, nil
}

// Uint16 reads a 2-byte constant column.
func (r *RowReader) Uint16() (uint16, error) {
	v, err := r.readUint(2)
	return uint16(v), err
}

// Uint32 reads a 4-byte constant column.
func (r *RowReader) Uint32() (uint32, error) {
	return r.readUint(4)
}

// HeapIndex reads an index into h.
func (r *RowReader) HeapIndex(h Heap) (uint32, error) {
	return r.readUint(r.widths.Heap(h))
}

// TableIndex reads a simple index into k.
func (r *RowReader) TableIndex(k TableKind) (uint32, error) {
	return r.readUint(r.widths.Table(k))
}

// CodedRaw reads a coded index column without decoding it.
func (r *RowReader) CodedRaw(c CodedCategory) (uint32, error) {
	return r.readUint(r.widths.Coded(c))
}

// Coded reads and decodes a coded index column.
func (r *RowReader) Coded(c CodedCategory) (CodedIndex, error) {
	raw, err := r.CodedRaw(c)
	if err != nil {
		return CodedIndex{}, err
	}
	return Decode(raw, c)
}
