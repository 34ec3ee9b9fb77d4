package dnmeta

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/kenzobenj/dnparser/common"
)

// Well-known stream names.
const (
	StreamTables       = "#~"
	StreamUnoptimized  = "#-"
	StreamStrings      = "#Strings"
	StreamUserStrings  = "#US"
	StreamBlob         = "#Blob"
	StreamGUID         = "#GUID"
	metadataRootMagic  = "BSJB"
	clrMetadataDirOffs = 8 // cb, MajorRuntimeVersion, MinorRuntimeVersion
	maxStreamName      = 32
)

// Stream is one entry of the metadata stream directory.
type Stream struct {
	Name   string `json:"name" cbor:"name"`
	Size   uint32 `json:"size" cbor:"size"`
	RVA    uint32 `json:"rva" cbor:"rva"`
	Offset uint32 `json:"offset" cbor:"offset"` // physical file offset
}

// StreamDirectory is the parsed metadata root: version information plus the stream
// headers in file order.
type StreamDirectory struct {
	RootRVA      uint32   `json:"root_rva" cbor:"root_rva"`
	MajorVersion uint16   `json:"major_version" cbor:"major_version"`
	MinorVersion uint16   `json:"minor_version" cbor:"minor_version"`
	Version      string   `json:"version" cbor:"version"`
	Streams      []Stream `json:"streams" cbor:"streams"`
}

// Lookup returns the first stream with the given name.
func (d *StreamDirectory) Lookup(name string) (Stream, bool) {
	for _, s := range d.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return Stream{}, false
}

// Has reports whether a stream with the given name exists.
func (d *StreamDirectory) Has(name string) bool {
	_, ok := d.Lookup(name)
	return ok
}

// Names returns the stream names in header order, duplicates included.
func (d *StreamDirectory) Names() []string {
	names := make([]string, len(d.Streams))
	for i, s := range d.Streams {
		names[i] = s.Name
	}
	return names
}

// TableStream returns the #~ stream. It fails with KindUnsupportedFormat when only the
// unoptimized #- stream is present and with KindMissingStream when neither is.
func (d *StreamDirectory) TableStream() (Stream, error) {
	if s, ok := d.Lookup(StreamTables); ok {
		return s, nil
	}
	if d.Has(StreamUnoptimized) {
		return Stream{}, common.Errorf(common.KindUnsupportedFormat, "table stream",
			"cannot process unoptimized metadata (%s)", StreamUnoptimized)
	}
	return Stream{}, common.Errorf(common.KindMissingStream, "table stream",
		"no metadata stream (%s or %s)", StreamTables, StreamUnoptimized)
}

// LocateRoot reads the CLR header through the COM descriptor data directory and
// returns the metadata root location.
func LocateRoot(img ImageAccessor) (DataDirectory, error) {
	clr, err := img.CLRDataDirectory()
	if err != nil {
		return DataDirectory{}, err
	}
	if clr.RVA == 0 {
		return DataDirectory{}, common.Errorf(common.KindNotManaged, "locate metadata",
			"CLR data directory is empty")
	}
	raw, err := img.Read(clr.RVA+clrMetadataDirOffs, 8)
	if err != nil {
		return DataDirectory{}, err
	}
	root := DataDirectory{
		RVA:  binary.LittleEndian.Uint32(raw[0:4]),
		Size: binary.LittleEndian.Uint32(raw[4:8]),
	}
	Logger().Debug("located metadata root",
		zap.Uint32("clr_header_rva", clr.RVA),
		zap.Uint32("root_rva", root.RVA),
		zap.Uint32("root_size", root.Size))
	return root, nil
}

// ParseStreams parses the metadata root at rootRVA and its stream headers.
func ParseStreams(img ImageAccessor, rootRVA uint32) (*StreamDirectory, error) {
	const op = "parse streams"

	header, err := img.Read(rootRVA, 16)
	if err != nil {
		return nil, err
	}
	if string(header[0:4]) != metadataRootMagic {
		return nil, common.Errorf(common.KindInvalidMagic, op,
			"expected %q, found % X", metadataRootMagic, header[0:4])
	}
	dir := &StreamDirectory{
		RootRVA:      rootRVA,
		MajorVersion: binary.LittleEndian.Uint16(header[4:6]),
		MinorVersion: binary.LittleEndian.Uint16(header[6:8]),
	}

	verLen := binary.LittleEndian.Uint32(header[12:16])
	if verLen > 255 {
		return nil, common.Errorf(common.KindOutOfRange, op, "version string length %d", verLen)
	}
	if verLen > 0 {
		ver, err := img.Read(rootRVA+16, verLen)
		if err != nil {
			return nil, err
		}
		dir.Version = cString(ver)
	}

	// Flags (2 bytes) then the stream count.
	cursor := rootRVA + 16 + align4(verLen)
	countRaw, err := img.Read(cursor+2, 2)
	if err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint16(countRaw)
	cursor += 4

	dir.Streams = make([]Stream, 0, count)
	for i := uint16(0); i < count; i++ {
		hdr, err := img.Read(cursor, 8)
		if err != nil {
			return nil, err
		}
		name, err := img.ReadCString(cursor + 8)
		if err != nil {
			return nil, err
		}
		if len(name) > maxStreamName {
			return nil, common.Errorf(common.KindOutOfRange, op,
				"stream %d name is %d bytes long", i, len(name))
		}
		s := Stream{
			Name: string(name),
			RVA:  rootRVA + binary.LittleEndian.Uint32(hdr[0:4]),
			Size: binary.LittleEndian.Uint32(hdr[4:8]),
		}
		if off, err := img.RVAToPhysical(s.RVA); err == nil {
			s.Offset = off
		} else {
			Logger().Debug("stream has no file offset", zap.String("stream", s.Name), zap.Error(err))
		}
		dir.Streams = append(dir.Streams, s)
		cursor += 8 + align4(uint32(len(name))+1)
	}

	Logger().Debug("parsed stream directory",
		zap.String("version", dir.Version),
		zap.Strings("streams", dir.Names()))
	return dir, nil
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
