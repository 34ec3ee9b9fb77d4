package dnmeta

import (
	"bytes"
	"encoding/binary"
	"sort"
	"testing"

	"github.com/kenzobenj/dnparser/common"
)

// testImage is a flat image where RVA equals file offset.
type testImage struct {
	data []byte
	clr  DataDirectory
}

func (m *testImage) Read(rva, length uint32) ([]byte, error) {
	end := uint64(rva) + uint64(length)
	if end > uint64(len(m.data)) {
		return nil, common.Errorf(common.KindOutOfRange, "read",
			"rva 0x%X len %d beyond image size 0x%X", rva, length, len(m.data))
	}
	return m.data[rva:end], nil
}

func (m *testImage) ReadCString(rva uint32) ([]byte, error) {
	if uint64(rva) >= uint64(len(m.data)) {
		return nil, common.Errorf(common.KindOutOfRange, "read string", "rva 0x%X", rva)
	}
	i := bytes.IndexByte(m.data[rva:], 0)
	if i < 0 {
		return nil, common.Errorf(common.KindOutOfRange, "read string", "unterminated at 0x%X", rva)
	}
	return m.data[rva : int(rva)+i], nil
}

func (m *testImage) RVAToPhysical(rva uint32) (uint32, error) {
	if uint64(rva) >= uint64(len(m.data)) {
		return 0, common.Errorf(common.KindOutOfRange, "rva to offset", "rva 0x%X", rva)
	}
	return rva, nil
}

func (m *testImage) CLRDataDirectory() (DataDirectory, error) {
	return m.clr, nil
}

func le16(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

func le32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func cat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func coded16(t *testing.T, c CodedCategory, k TableKind, row uint32) []byte {
	t.Helper()
	raw, err := Encode(c, k, row)
	if err != nil {
		t.Fatalf("encode %s %s[%d]: %v", c, k, row, err)
	}
	return le16(uint16(raw))
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

const (
	testCLRRVA  = 0x08
	testRootRVA = 0x80
	testVersion = "v4.0.30319"
)

// imageBuilder assembles a CLR header, metadata root, stream headers and streams.
type imageBuilder struct {
	heapFlags uint8
	counts    map[TableKind]uint32
	rows      map[TableKind][]byte
	strings   []byte
	guids     []byte
	blob      []byte
	streams   []string
	noCLR     bool
	// claimed overrides the row count written to the header without adding rows.
	claimed map[TableKind]uint32
}

func newImageBuilder() *imageBuilder {
	return &imageBuilder{
		counts:  make(map[TableKind]uint32),
		rows:    make(map[TableKind][]byte),
		claimed: make(map[TableKind]uint32),
		strings: []byte{0},
		blob:    []byte{0},
		streams: []string{StreamTables, StreamStrings, StreamUserStrings, StreamGUID, StreamBlob},
	}
}

func (b *imageBuilder) addString(s string) uint32 {
	idx := uint32(len(b.strings))
	b.strings = append(b.strings, s...)
	b.strings = append(b.strings, 0)
	return idx
}

// addStringAt pads #Strings so that s lands at idx.
func (b *imageBuilder) addStringAt(idx uint32, s string) uint32 {
	for uint32(len(b.strings)) < idx {
		b.strings = append(b.strings, 0)
	}
	return b.addString(s)
}

func (b *imageBuilder) addGUID(g [16]byte) uint32 {
	b.guids = append(b.guids, g[:]...)
	return uint32(len(b.guids) / 16)
}

// addBlob appends raw bytes, length prefix included, and returns their index.
func (b *imageBuilder) addBlob(raw []byte) uint32 {
	idx := uint32(len(b.blob))
	b.blob = append(b.blob, raw...)
	return idx
}

func (b *imageBuilder) addRow(k TableKind, cols ...[]byte) uint32 {
	b.rows[k] = append(b.rows[k], cat(cols...)...)
	b.counts[k]++
	return b.counts[k]
}

// declare marks k present with n zero-filled rows.
func (b *imageBuilder) declare(k TableKind, n uint32) {
	b.counts[k] = n
}

// claim writes n as the row count of k in the header but supplies no rows.
func (b *imageBuilder) claim(k TableKind, n uint32) {
	b.claimed[k] = n
	if _, ok := b.counts[k]; !ok {
		b.counts[k] = 0
	}
}

func (b *imageBuilder) tableStream() []byte {
	kinds := make([]TableKind, 0, len(b.counts))
	for k := range b.counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var valid uint64
	for _, k := range kinds {
		valid |= 1 << uint64(k)
	}
	var counts [MaxTables]uint32
	for _, k := range kinds {
		counts[k] = b.counts[k]
	}
	widths := computeWidths(b.heapFlags, &counts)

	out := cat(le32(0), []byte{2, 0, b.heapFlags, 1},
		binary.LittleEndian.AppendUint64(nil, valid),
		binary.LittleEndian.AppendUint64(nil, 0))
	for _, k := range kinds {
		n := b.counts[k]
		if c, ok := b.claimed[k]; ok {
			n = c
		}
		out = append(out, le32(n)...)
	}
	for _, k := range kinds {
		rows := b.rows[k]
		if len(rows) == 0 && b.counts[k] > 0 {
			if size, err := RowSize(k, widths); err == nil {
				rows = make([]byte, size*b.counts[k])
			}
		}
		out = append(out, rows...)
	}
	return out
}

func (b *imageBuilder) streamData(name string) []byte {
	switch name {
	case StreamTables, StreamUnoptimized:
		return b.tableStream()
	case StreamStrings:
		return b.strings
	case StreamGUID:
		return b.guids
	case StreamBlob:
		return b.blob
	case StreamUserStrings:
		return []byte{0}
	}
	return []byte{0, 0, 0, 0}
}

func (b *imageBuilder) build() *testImage {
	version := pad4(append([]byte(testVersion), 0))
	root := cat([]byte(metadataRootMagic), le16(1), le16(1), le32(0),
		le32(uint32(len(version))), version, le16(0), le16(uint16(len(b.streams))))

	headerLen := len(root)
	for _, name := range b.streams {
		headerLen += 8 + len(pad4(append([]byte(name), 0)))
	}

	var headers, body []byte
	offset := uint32(headerLen)
	for _, name := range b.streams {
		data := b.streamData(name)
		headers = append(headers, cat(le32(offset), le32(uint32(len(data))),
			pad4(append([]byte(name), 0)))...)
		padded := pad4(append([]byte(nil), data...))
		body = append(body, padded...)
		offset += uint32(len(padded))
	}
	metadata := cat(root, headers, body)

	image := make([]byte, testRootRVA)
	clrHeader := cat(le32(72), le16(2), le16(5), le32(testRootRVA), le32(uint32(len(metadata))))
	copy(image[testCLRRVA:], clrHeader)
	image = append(image, metadata...)
	// Trailing slack so fixed-size blob reads near the end stay inside the image.
	image = append(image, make([]byte, 64)...)

	img := &testImage{data: image}
	if !b.noCLR {
		img.clr = DataDirectory{RVA: testCLRRVA, Size: 72}
	}
	return img
}

// mustCatalog parses the built image down to a catalog.
func mustCatalog(t *testing.T, img *testImage) (*Catalog, *Heaps) {
	t.Helper()
	root, err := LocateRoot(img)
	if err != nil {
		t.Fatalf("LocateRoot: %v", err)
	}
	dir, err := ParseStreams(img, root.RVA)
	if err != nil {
		t.Fatalf("ParseStreams: %v", err)
	}
	c, err := BuildCatalog(img, dir)
	if err != nil {
		t.Fatalf("BuildCatalog: %v", err)
	}
	return c, NewHeaps(img, dir)
}

func guidBytes(seed byte) [16]byte {
	var g [16]byte
	for i := range g {
		g[i] = seed + byte(i)
	}
	return g
}

const typeLibText = "6b0e4f8c-2d8a-4b7e-9a2c-1f3d5e7a9b0c"

// typeLibBlob is the GuidAttribute value blob for text, with the given prolog bytes.
func typeLibBlob(text string, prolog [2]byte) []byte {
	return cat([]byte{0x29}, prolog[:], []byte{0x24}, []byte(text), []byte{0, 0})
}

// addGuidAttribute wires CustomAttribute → MemberRef → TypeRef for a GuidAttribute on
// Assembly row 1 and returns the CustomAttribute row.
func (b *imageBuilder) addGuidAttribute(t *testing.T, text string) uint32 {
	t.Helper()
	name := b.addString(guidAttributeName)
	ns := b.addString(guidAttributeNamespace)
	typeRef := b.addRow(TableTypeRef, coded16(t, ResolutionScope, TableAssemblyRef, 1), le16(uint16(name)), le16(uint16(ns)))
	ctorName := b.addString(".ctor")
	memberRef := b.addRow(TableMemberRef, coded16(t, MemberRefParent, TableTypeRef, typeRef), le16(uint16(ctorName)), le16(0))
	value := b.addBlob(typeLibBlob(text, [2]byte{0x01, 0x00}))
	return b.addRow(TableCustomAttribute,
		coded16(t, HasCustomAttribute, TableAssembly, 1),
		coded16(t, CustomAttributeType, TableMemberRef, memberRef),
		le16(uint16(value)))
}

// addAssembly appends an Assembly row with 2-byte heap indexes.
func (b *imageBuilder) addAssembly(name string, version [4]uint16) uint32 {
	nameIdx := b.addString(name)
	return b.addRow(TableAssembly, le32(0x8004),
		le16(version[0]), le16(version[1]), le16(version[2]), le16(version[3]),
		le32(0), le16(0), le16(uint16(nameIdx)), le16(0))
}

// addModule appends a Module row with 2-byte heap indexes.
func (b *imageBuilder) addModule(name string, mvid [16]byte) uint32 {
	nameIdx := b.addString(name)
	guidIdx := b.addGUID(mvid)
	return b.addRow(TableModule, le16(0), le16(uint16(nameIdx)), le16(uint16(guidIdx)), le16(0), le16(0))
}
