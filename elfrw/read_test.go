package elfrw

import (
	"encoding/binary"
	"errors"
	"os"
	"runtime"
	"testing"

	"github.com/kenzobenj/dnparser/common"
)

// selfImage returns the bytes of the running test binary, which is an ELF on Linux.
func selfImage(t *testing.T) []byte {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("test binary is not ELF on " + runtime.GOOS)
	}
	path, err := os.Executable()
	if err != nil {
		t.Skipf("cannot locate test binary: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Skipf("cannot read test binary: %v", err)
	}
	return raw
}

// tinyPE is a headers-plus-one-section PE32 image of 0x400 bytes.
func tinyPE() []byte {
	img := make([]byte, 0x400)
	copy(img, "MZ")
	binary.LittleEndian.PutUint32(img[0x3C:], 0x40)
	copy(img[0x40:], "PE\x00\x00")
	binary.LittleEndian.PutUint16(img[0x44:], 0x14C)
	binary.LittleEndian.PutUint16(img[0x46:], 1)
	binary.LittleEndian.PutUint16(img[0x54:], 224)
	binary.LittleEndian.PutUint16(img[0x58:], 0x10B)
	binary.LittleEndian.PutUint32(img[0x58+60:], 0x200)
	sec := 0x58 + 224
	copy(img[sec:], ".text")
	binary.LittleEndian.PutUint32(img[sec+16:], 0x200)
	binary.LittleEndian.PutUint32(img[sec+20:], 0x200)
	return img
}

func TestFromBytesRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"text", []byte("this is certainly not an executable image at all, not even close")},
		{"pe", tinyPE()},
		{"bad class", append([]byte("\x7fELF\x07\x01\x01"), make([]byte, 64)...)},
		{"bad encoding", append([]byte("\x7fELF\x02\x09\x01"), make([]byte, 64)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromBytes(tt.name, tt.data)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !errors.Is(err, common.ErrUnsupportedFormat) {
				t.Errorf("expected unsupported format, got %v", err)
			}
		})
	}
}

func TestReadHeaderClasses(t *testing.T) {
	raw32 := make([]byte, 52)
	copy(raw32, "\x7fELF\x01\x02\x01")
	binary.BigEndian.PutUint16(raw32[16:], 2)
	binary.BigEndian.PutUint32(raw32[28:], 52)
	binary.BigEndian.PutUint32(raw32[32:], 0x1000)
	binary.BigEndian.PutUint16(raw32[44:], 3)
	binary.BigEndian.PutUint16(raw32[48:], 7)

	h, _, _, err := readHeader(raw32)
	if err != nil {
		t.Fatalf("readHeader failed: %v", err)
	}
	if h.Type != 2 || h.Phoff != 52 || h.Shoff != 0x1000 || h.Phnum != 3 || h.Shnum != 7 {
		t.Errorf("unexpected 32-bit header: %+v", h)
	}

	raw64 := make([]byte, 64)
	copy(raw64, "\x7fELF\x02\x01\x01")
	binary.LittleEndian.PutUint64(raw64[40:], 0x123456789)
	binary.LittleEndian.PutUint16(raw64[60:], 30)
	h, _, _, err = readHeader(raw64)
	if err != nil {
		t.Fatalf("readHeader failed: %v", err)
	}
	if h.Shoff != 0x123456789 || h.Shnum != 30 {
		t.Errorf("unexpected 64-bit header: %+v", h)
	}

	if _, _, _, err := readHeader(raw64[:56]); !errors.Is(err, common.ErrOutOfRange) {
		t.Errorf("expected out of range for short 64-bit header, got %v", err)
	}
}

func TestSelfImage(t *testing.T) {
	raw := selfImage(t)
	ef, err := FromBytes("self", raw)
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}
	if !ef.IsExecutableOrShared() {
		t.Error("test binary should be an executable or shared object")
	}
	if len(ef.Sections) == 0 || len(ef.Segments) == 0 {
		t.Errorf("expected sections and segments, got %d and %d", len(ef.Sections), len(ef.Segments))
	}

	memSize, err := ef.CalculateMemorySize()
	if err != nil {
		t.Fatalf("CalculateMemorySize failed: %v", err)
	}
	end, err := ef.ContentEnd()
	if err != nil {
		t.Fatalf("ContentEnd failed: %v", err)
	}
	if end < memSize || end > uint64(len(raw)) {
		t.Errorf("content end 0x%X outside [0x%X, 0x%X]", end, memSize, len(raw))
	}
	if ef.HasBundleSignature() {
		t.Error("test binary should not carry a bundle marker")
	}
}

func TestScanEmbeddedAfterContent(t *testing.T) {
	raw := selfImage(t)
	inner := tinyPE()
	padding := []byte("bundle-manifest-")

	data := make([]byte, 0, len(raw)+len(padding)+len(inner))
	data = append(data, raw...)
	data = append(data, padding...)
	data = append(data, inner...)

	ef, err := FromBytes("bundled", data)
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}
	if len(ef.Overlay()) < len(padding)+len(inner) {
		t.Fatalf("overlay too small: %d bytes", len(ef.Overlay()))
	}

	want := int64(len(raw) + len(padding))
	found := false
	for _, img := range ef.ScanEmbedded() {
		if img.Offset == want {
			found = true
			if img.Size != int64(len(inner)) {
				t.Errorf("embedded size = 0x%X, want 0x%X", img.Size, len(inner))
			}
		}
	}
	if !found {
		t.Errorf("no embedded image at 0x%X", want)
	}

	copied, err := ef.ExtractOverlay()
	if err != nil {
		t.Fatalf("ExtractOverlay failed: %v", err)
	}
	if len(copied) != len(ef.Overlay()) {
		t.Errorf("ExtractOverlay returned %d bytes, want %d", len(copied), len(ef.Overlay()))
	}
}

func TestBundleHeaderOffset(t *testing.T) {
	// placeholder writes the 8-byte offset followed by the signature at pos.
	placeholder := func(data []byte, pos int, off uint64) {
		binary.LittleEndian.PutUint64(data[pos:], off)
		copy(data[pos+8:], bundleSignature)
	}
	// header writes a bundle header prefix at off.
	header := func(data []byte, off int, major uint32, files int32) {
		binary.LittleEndian.PutUint32(data[off:], major)
		binary.LittleEndian.PutUint32(data[off+8:], uint32(files))
	}

	tests := []struct {
		name    string
		build   func() []byte
		wantOff int64
		wantOK  bool
	}{
		{"unpatched host", func() []byte {
			data := make([]byte, 128)
			placeholder(data, 16, 0)
			return data
		}, 0, false},
		{"attached bundle", func() []byte {
			data := make([]byte, 128)
			placeholder(data, 16, 96)
			header(data, 96, 6, 3)
			return data
		}, 96, true},
		{"offset past end", func() []byte {
			data := make([]byte, 128)
			placeholder(data, 16, 0x10000)
			return data
		}, 0, false},
		{"offset to zeros", func() []byte {
			data := make([]byte, 128)
			placeholder(data, 16, 96)
			return data
		}, 0, false},
		{"signature at start", func() []byte {
			data := make([]byte, 128)
			copy(data, bundleSignature)
			return data
		}, 0, false},
		{"second copy patched", func() []byte {
			data := make([]byte, 160)
			placeholder(data, 0, 0)
			placeholder(data, 48, 128)
			header(data, 128, 2, 1)
			return data
		}, 128, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ef := &ELFFile{RawData: tt.build()}
			off, ok := ef.BundleHeaderOffset()
			if ok != tt.wantOK || off != tt.wantOff {
				t.Errorf("BundleHeaderOffset() = 0x%X, %v, want 0x%X, %v", off, ok, tt.wantOff, tt.wantOK)
			}
			if ef.HasBundleSignature() != tt.wantOK {
				t.Errorf("HasBundleSignature() = %v, want %v", !tt.wantOK, tt.wantOK)
			}
		})
	}
}
