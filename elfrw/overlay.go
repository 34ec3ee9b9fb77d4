package elfrw

import (
	"bytes"
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/kenzobenj/dnparser/perw"
)

// bundleSignature is the placeholder the .NET host writer patches with the bundle
// header offset. It is the SHA-256 of ".net core bundle".
var bundleSignature = []byte{
	0x8b, 0x12, 0x02, 0xb9, 0x6a, 0x61, 0x20, 0x38,
	0x72, 0x7b, 0x93, 0x02, 0x14, 0xd7, 0xa0, 0x32,
	0x13, 0xf5, 0xb9, 0xe6, 0xef, 0xae, 0x33, 0x18,
	0xee, 0x3b, 0x2d, 0xce, 0x24, 0xb3, 0x6a, 0xae,
}

const (
	bundleHeaderPrefix = 12
	maxBundleMajor     = 16
)

// Overlay returns the bytes after the ELF content, or nil.
func (e *ELFFile) Overlay() []byte {
	end, err := e.ContentEnd()
	if err != nil || end >= uint64(len(e.RawData)) {
		return nil
	}
	return e.RawData[end:]
}

// ExtractOverlay returns a copy of the overlay.
func (e *ELFFile) ExtractOverlay() ([]byte, error) {
	end, err := e.ContentEnd()
	if err != nil {
		return nil, err
	}
	if end >= uint64(len(e.RawData)) {
		return nil, nil
	}
	overlayData := make([]byte, uint64(len(e.RawData))-end)
	copy(overlayData, e.RawData[end:])
	return overlayData, nil
}

// BundleHeaderOffset returns the bundle header offset stored in the 8 bytes before the
// bundle signature. Every apphost carries the signature; the offset stays zero until a
// bundle is attached.
func (e *ELFFile) BundleHeaderOffset() (int64, bool) {
	raw := e.RawData
	for start := 0; start < len(raw); {
		i := bytes.Index(raw[start:], bundleSignature)
		if i < 0 {
			return 0, false
		}
		pos := start + i
		start = pos + 1
		if pos < 8 {
			continue
		}
		off := int64(binary.LittleEndian.Uint64(raw[pos-8 : pos]))
		if off > 0 && validBundleHeader(raw, off) {
			return off, true
		}
	}
	return 0, false
}

// validBundleHeader checks the fixed start of a bundle header: major and minor
// version followed by a positive embedded file count.
func validBundleHeader(raw []byte, off int64) bool {
	if off > int64(len(raw))-bundleHeaderPrefix {
		return false
	}
	major := binary.LittleEndian.Uint32(raw[off:])
	files := int32(binary.LittleEndian.Uint32(raw[off+8:]))
	return major >= 1 && major <= maxBundleMajor && files > 0
}

// HasBundleSignature reports whether a single-file bundle is attached to the host.
func (e *ELFFile) HasBundleSignature() bool {
	_, ok := e.BundleHeaderOffset()
	return ok
}

// ScanEmbedded finds PE images stored after the ELF content. Offsets are absolute
// file offsets.
func (e *ELFFile) ScanEmbedded() []perw.EmbeddedImage {
	end, err := e.ContentEnd()
	if err != nil || end >= uint64(len(e.RawData)) {
		return nil
	}
	images := perw.FindEmbeddedImages(e.RawData[end:], int64(end))
	Logger().Debug("scanned elf overlay",
		zap.String("file", e.FileName),
		zap.Uint64("content_end", end),
		zap.Int("images", len(images)))
	return images
}
