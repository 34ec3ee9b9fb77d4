package perw

import (
	"bytes"
	"encoding/binary"
)

const (
	maxLfanew      = 0x1000
	maxSectionHdrs = 96
)

// EmbeddedImage locates a PE image carried inside another file, such as an assembly
// stored in a single-file bundle.
type EmbeddedImage struct {
	Offset int64 `json:"offset" cbor:"offset"`
	Size   int64 `json:"size" cbor:"size"`
}

// Overlay returns the data appended after the last section, or nil.
func (p *PEFile) Overlay() []byte {
	if !p.HasOverlay || p.OverlayOffset >= int64(len(p.RawData)) {
		return nil
	}
	return p.RawData[p.OverlayOffset:]
}

// OverlayEntropy is the entropy of the overlay; 0 without one.
func (p *PEFile) OverlayEntropy() float64 {
	return CalculateEntropy(p.Overlay())
}

// FindEmbeddedImages scans data for complete PE images. Offsets are relative to data
// plus base. A match is only accepted when its section table and raw data fit in data.
func FindEmbeddedImages(data []byte, base int64) []EmbeddedImage {
	var out []EmbeddedImage
	for pos := 0; pos+64 <= len(data); {
		i := bytes.Index(data[pos:], []byte("MZ"))
		if i < 0 {
			break
		}
		start := pos + i
		if size, ok := imageExtent(data[start:]); ok {
			out = append(out, EmbeddedImage{Offset: base + int64(start), Size: int64(size)})
			pos = start + size
			continue
		}
		pos = start + 2
	}
	return out
}

// imageExtent returns the byte length of the PE image at the start of data: headers
// plus the furthest section raw data.
func imageExtent(data []byte) (int, bool) {
	peOffset, err := rawPEOffset(data)
	if err != nil || peOffset > maxLfanew {
		return 0, false
	}
	numSections := int(binary.LittleEndian.Uint16(data[peOffset+6:]))
	optSize := int(binary.LittleEndian.Uint16(data[peOffset+20:]))
	if numSections == 0 || numSections > maxSectionHdrs {
		return 0, false
	}

	table := peOffset + 24 + optSize
	end := table + numSections*40
	if end > len(data) {
		return 0, false
	}
	if optSize >= 64 {
		if hdrs := int(binary.LittleEndian.Uint32(data[peOffset+24+60:])); hdrs > end && hdrs <= len(data) {
			end = hdrs
		}
	}

	for i := 0; i < numSections; i++ {
		hdr := data[table+i*40 : table+(i+1)*40]
		rawSize := uint64(binary.LittleEndian.Uint32(hdr[16:]))
		rawPtr := uint64(binary.LittleEndian.Uint32(hdr[20:]))
		if rawSize == 0 {
			continue
		}
		sectionEnd := rawPtr + rawSize
		if sectionEnd > uint64(len(data)) {
			return 0, false
		}
		if int(sectionEnd) > end {
			end = int(sectionEnd)
		}
	}
	return end, true
}
