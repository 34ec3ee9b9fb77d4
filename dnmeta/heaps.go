package dnmeta

import (
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/kenzobenj/dnparser/common"
)

const guidSize = 16

// Heaps resolves #Strings, #GUID and #Blob indexes. It needs only the stream
// directory, so the GUID heap stays readable when the table stream is not.
type Heaps struct {
	img ImageAccessor
	dir *StreamDirectory
}

// NewHeaps returns a heap resolver over the streams in dir.
func NewHeaps(img ImageAccessor, dir *StreamDirectory) *Heaps {
	return &Heaps{img: img, dir: dir}
}

func (h *Heaps) stream(name string) (Stream, error) {
	s, ok := h.dir.Lookup(name)
	if !ok {
		return Stream{}, common.Errorf(common.KindMissingStream, "heap", "no %s stream", name)
	}
	return s, nil
}

// String returns the NUL-terminated UTF-8 string at idx in #Strings.
func (h *Heaps) String(idx uint32) (string, error) {
	s, err := h.stream(StreamStrings)
	if err != nil {
		return "", err
	}
	if idx >= s.Size {
		return "", common.Errorf(common.KindOutOfRange, "string heap",
			"index 0x%X beyond heap size 0x%X", idx, s.Size)
	}
	raw, err := h.img.ReadCString(s.RVA + idx)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// GUID returns the 1-based entry idx of #GUID. Index 0 is the null GUID.
func (h *Heaps) GUID(idx uint32) (uuid.UUID, error) {
	if idx == 0 {
		return uuid.Nil, nil
	}
	s, err := h.stream(StreamGUID)
	if err != nil {
		return uuid.Nil, err
	}
	off := uint64(idx-1) * guidSize
	if off+guidSize > uint64(s.Size) {
		return uuid.Nil, common.Errorf(common.KindOutOfRange, "guid heap",
			"index %d beyond heap size 0x%X", idx, s.Size)
	}
	raw, err := h.img.Read(s.RVA+uint32(off), guidSize)
	if err != nil {
		return uuid.Nil, err
	}
	return GUIDFromBytesLE(raw), nil
}

// GUIDs returns every entry of #GUID in order.
func (h *Heaps) GUIDs() ([]uuid.UUID, error) {
	s, err := h.stream(StreamGUID)
	if err != nil {
		return nil, err
	}
	count := s.Size / guidSize
	raw, err := h.img.Read(s.RVA, count*guidSize)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, count)
	for i := uint32(0); i < count; i++ {
		out = append(out, GUIDFromBytesLE(raw[i*guidSize:(i+1)*guidSize]))
	}
	return out, nil
}

// BlobRegion returns n raw bytes starting at idx in #Blob, length prefix included.
func (h *Heaps) BlobRegion(idx, n uint32) ([]byte, error) {
	s, err := h.stream(StreamBlob)
	if err != nil {
		return nil, err
	}
	if idx >= s.Size {
		return nil, common.Errorf(common.KindOutOfRange, "blob heap",
			"index 0x%X beyond heap size 0x%X", idx, s.Size)
	}
	return h.img.Read(s.RVA+idx, n)
}

// Blob returns the payload of the blob at idx, decoding its compressed length prefix.
func (h *Heaps) Blob(idx uint32) ([]byte, error) {
	head, err := h.BlobRegion(idx, 1)
	if err != nil {
		return nil, err
	}
	prefix := uint32(1)
	switch {
	case head[0]&0x80 == 0:
	case head[0]&0xC0 == 0x80:
		prefix = 2
	case head[0]&0xE0 == 0xC0:
		prefix = 4
	default:
		return nil, common.Errorf(common.KindOutOfRange, "blob heap",
			"invalid length prefix 0x%02X at 0x%X", head[0], idx)
	}
	lenRaw, err := h.BlobRegion(idx, prefix)
	if err != nil {
		return nil, err
	}
	length, _, err := DecompressUint(lenRaw)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}
	return h.BlobRegion(idx+prefix, length)
}

// DecompressUint decodes an ECMA-335 compressed unsigned integer and returns the value
// and the number of bytes consumed.
func DecompressUint(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, common.Errorf(common.KindOutOfRange, "compressed uint", "empty input")
	}
	switch {
	case b[0]&0x80 == 0:
		return uint32(b[0]), 1, nil
	case b[0]&0xC0 == 0x80:
		if len(b) < 2 {
			return 0, 0, common.Errorf(common.KindOutOfRange, "compressed uint", "truncated 2-byte value")
		}
		return uint32(b[0]&0x3F)<<8 | uint32(b[1]), 2, nil
	case b[0]&0xE0 == 0xC0:
		if len(b) < 4 {
			return 0, 0, common.Errorf(common.KindOutOfRange, "compressed uint", "truncated 4-byte value")
		}
		return uint32(b[0]&0x1F)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), 4, nil
	}
	return 0, 0, common.Errorf(common.KindOutOfRange, "compressed uint", "invalid lead byte 0x%02X", b[0])
}

// GUIDFromBytesLE converts the 16-byte on-disk GUID layout (first three fields little
// endian) to a uuid.UUID.
func GUIDFromBytesLE(b []byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:16])
	return u
}

// GUIDToBytesLE is the inverse of GUIDFromBytesLE.
func GUIDToBytesLE(u uuid.UUID) [guidSize]byte {
	var b [guidSize]byte
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:], u[8:])
	return b
}

// GUIDHex renders a GUID in its on-disk byte order.
func GUIDHex(u uuid.UUID) string {
	b := GUIDToBytesLE(u)
	return hex.EncodeToString(b[:])
}
