package perw

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/kenzobenj/dnparser/common"
	"github.com/kenzobenj/dnparser/dnmeta"
)

const (
	testSectionRVA = 0x2000
	testFileAlign  = 0x200
	testCLROffset  = 8
	testMetaOffset = 80
)

var testMVID = [16]byte{0x10, 0x32, 0x54, 0x76, 0x98, 0xBA, 0xDC, 0xFE, 0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

// buildMetadata returns a metadata root with a one-row Module table.
func buildMetadata() []byte {
	le := binary.LittleEndian

	tables := make([]byte, 24)
	tables[4] = 2
	tables[7] = 1
	le.PutUint64(tables[8:], 1) // Module only
	tables = le.AppendUint32(tables, 1)
	// Generation, Name, Mvid, EncId, EncBaseId
	for _, v := range []uint16{0, 1, 1, 0, 0} {
		tables = le.AppendUint16(tables, v)
	}

	streams := []struct {
		name string
		data []byte
	}{
		{"#~", tables},
		{"#Strings", []byte("\x00app.dll\x00")},
		{"#GUID", testMVID[:]},
	}

	version := pad4([]byte("v4.0.30319\x00"))
	root := []byte("BSJB")
	root = le.AppendUint16(root, 1)
	root = le.AppendUint16(root, 1)
	root = le.AppendUint32(root, 0)
	root = le.AppendUint32(root, uint32(len(version)))
	root = append(root, version...)
	root = le.AppendUint16(root, 0)
	root = le.AppendUint16(root, uint16(len(streams)))

	headerLen := len(root)
	for _, s := range streams {
		headerLen += 8 + len(pad4([]byte(s.name+"\x00")))
	}
	var headers, body []byte
	offset := uint32(headerLen)
	for _, s := range streams {
		headers = le.AppendUint32(headers, offset)
		headers = le.AppendUint32(headers, uint32(len(s.data)))
		headers = append(headers, pad4([]byte(s.name+"\x00"))...)
		padded := pad4(append([]byte(nil), s.data...))
		body = append(body, padded...)
		offset += uint32(len(padded))
	}
	return append(append(root, headers...), body...)
}

// buildPE lays out a PE32 DLL with a single .text section at testSectionRVA.
// When managed is set the section holds a CLR header and metadata.
func buildPE(t *testing.T, managed bool, overlay []byte) []byte {
	t.Helper()
	le := binary.LittleEndian

	section := make([]byte, testMetaOffset)
	var clrDir pe.DataDirectory
	if managed {
		meta := buildMetadata()
		le.PutUint32(section[testCLROffset:], 72)
		le.PutUint16(section[testCLROffset+4:], 2)
		le.PutUint16(section[testCLROffset+6:], 5)
		le.PutUint32(section[testCLROffset+8:], testSectionRVA+testMetaOffset)
		le.PutUint32(section[testCLROffset+12:], uint32(len(meta)))
		section = append(section, meta...)
		clrDir = pe.DataDirectory{VirtualAddress: testSectionRVA + testCLROffset, Size: 72}
	}
	rawSize := (len(section) + testFileAlign - 1) &^ (testFileAlign - 1)

	var buf bytes.Buffer
	dos := make([]byte, 0x40)
	copy(dos, "MZ")
	le.PutUint32(dos[0x3c:], 0x40)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")

	write := func(v any) {
		if err := binary.Write(&buf, le, v); err != nil {
			t.Fatalf("binary.Write: %v", err)
		}
	}
	write(pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections:     1,
		TimeDateStamp:        0x5F5E1000,
		SizeOfOptionalHeader: 224,
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_DLL | pe.IMAGE_FILE_32BIT_MACHINE,
	})
	opt := pe.OptionalHeader32{
		Magic:               0x10b,
		AddressOfEntryPoint: testSectionRVA,
		ImageBase:           0x10000000,
		SectionAlignment:    0x1000,
		FileAlignment:       testFileAlign,
		SizeOfImage:         testSectionRVA + 0x1000,
		SizeOfHeaders:       testFileAlign,
		CheckSum:            0x0001F00D,
		Subsystem:           3,
		NumberOfRvaAndSizes: 16,
	}
	opt.DataDirectory[14] = clrDir
	write(opt)

	var sh pe.SectionHeader32
	copy(sh.Name[:], ".text")
	sh.VirtualSize = uint32(len(section))
	sh.VirtualAddress = testSectionRVA
	sh.SizeOfRawData = uint32(rawSize)
	sh.PointerToRawData = testFileAlign
	sh.Characteristics = pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ
	write(sh)

	image := make([]byte, testFileAlign+rawSize)
	copy(image, buf.Bytes())
	copy(image[testFileAlign:], section)
	return append(image, overlay...)
}

func TestFromBytesHeaders(t *testing.T) {
	pf, err := FromBytes("app.dll", buildPE(t, true, nil))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if pf.UsedFallback() {
		t.Errorf("debug/pe rejected the image: %v", pf.Warnings)
	}
	if pf.Machine != "i386" || pf.Is64Bit {
		t.Errorf("machine %s, 64-bit %v", pf.Machine, pf.Is64Bit)
	}
	if pf.GetFileType() != "DLL" {
		t.Errorf("file type %s", pf.GetFileType())
	}
	if pf.TimeDateStamp != "2020-09-13 12:26:40 UTC" {
		t.Errorf("timestamp %s", pf.TimeDateStamp)
	}
	if len(pf.Sections) != 1 || pf.Sections[0].Name != ".text" || !pf.Sections[0].IsExecutable {
		t.Fatalf("sections %+v", pf.Sections)
	}
	if len(pf.Directories()) != 16 {
		t.Errorf("%d data directories", len(pf.Directories()))
	}
	clr, err := pf.CLRDataDirectory()
	if err != nil || clr.RVA != testSectionRVA+testCLROffset || clr.Size != 72 {
		t.Errorf("CLR directory %+v, %v", clr, err)
	}
	if pf.HasOverlay {
		t.Errorf("unexpected overlay at 0x%X", pf.OverlayOffset)
	}
}

func TestRVAToPhysical(t *testing.T) {
	pf, err := FromBytes("app.dll", buildPE(t, true, nil))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}

	cases := []struct {
		name string
		rva  uint32
		want uint32
		err  error
	}{
		{"header", 0x10, 0x10, nil},
		{"section start", testSectionRVA, testFileAlign, nil},
		{"inside section", testSectionRVA + testMetaOffset, testFileAlign + testMetaOffset, nil},
		{"between header and section", 0x1000, 0, common.ErrOutOfRange},
		{"past image", 0x9000, 0, common.ErrOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := pf.RVAToPhysical(tc.rva)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v (0x%X)", tc.err, err, got)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("got 0x%X, %v; want 0x%X", got, err, tc.want)
			}
		})
	}

	magic, err := pf.Read(testSectionRVA+testMetaOffset, 4)
	if err != nil || string(magic) != "BSJB" {
		t.Errorf("Read metadata magic = %q, %v", magic, err)
	}
	if _, err := pf.Read(testSectionRVA, 0x10000); !errors.Is(err, common.ErrOutOfRange) {
		t.Errorf("oversized read: expected out of range, got %v", err)
	}
}

func TestAnalyzeManagedImage(t *testing.T) {
	pf, err := FromBytes("app.dll", buildPE(t, true, nil))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	rep, err := dnmeta.Analyze(pf, dnmeta.Options{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if rep.Streams.Version != "v4.0.30319" {
		t.Errorf("version %q", rep.Streams.Version)
	}
	if rep.Module.Name != "app.dll" {
		t.Errorf("module name %q", rep.Module.Name)
	}
	if got := rep.Module.MVID.String(); got != "76543210-ba98-fedc-0123-456789abcdef" {
		t.Errorf("MVID %s", got)
	}
	if rep.Assembly.Outcome.Status != common.StatusAbsent {
		t.Errorf("assembly outcome %s", rep.Assembly.Outcome)
	}
}

func TestAnalyzeNativeImage(t *testing.T) {
	pf, err := FromBytes("native.dll", buildPE(t, false, nil))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if _, err := dnmeta.Analyze(pf, dnmeta.Options{}); !errors.Is(err, common.ErrNotManaged) {
		t.Fatalf("expected not managed, got %v", err)
	}
}

func TestOverlayEmbeddedImages(t *testing.T) {
	inner := buildPE(t, true, nil)
	overlay := append([]byte("bundle-header-"), inner...)
	outer := buildPE(t, false, overlay)

	pf, err := FromBytes("apphost.exe", outer)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if !pf.HasOverlay || pf.OverlaySize != int64(len(overlay)) {
		t.Fatalf("overlay %v size %d, want %d", pf.HasOverlay, pf.OverlaySize, len(overlay))
	}

	found := FindEmbeddedImages(pf.Overlay(), pf.OverlayOffset)
	if len(found) != 1 {
		t.Fatalf("found %d embedded images", len(found))
	}
	want := EmbeddedImage{Offset: pf.OverlayOffset + int64(len("bundle-header-")), Size: int64(len(inner))}
	if found[0] != want {
		t.Errorf("embedded %+v, want %+v", found[0], want)
	}

	carved, err := FromBytes("embedded", outer[want.Offset:want.Offset+want.Size])
	if err != nil {
		t.Fatalf("FromBytes(embedded): %v", err)
	}
	rep, err := dnmeta.Analyze(carved, dnmeta.Options{})
	if err != nil || rep.Module.Name != "app.dll" {
		t.Fatalf("embedded analysis: %v", err)
	}
}

func TestFindEmbeddedImagesRejectsNoise(t *testing.T) {
	noise := bytes.Repeat([]byte("MZ\x00\x00PE"), 64)
	if got := FindEmbeddedImages(noise, 0); len(got) != 0 {
		t.Errorf("found %v in noise", got)
	}
}

func TestFromBytesRejectsNonPE(t *testing.T) {
	_, err := FromBytes("text", bytes.Repeat([]byte("A"), 128))
	if !errors.Is(err, common.ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
}

func TestInfo(t *testing.T) {
	pf, err := FromBytes("app.dll", buildPE(t, true, []byte("tail")))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	info := pf.Info()
	if info.Subsystem != "Windows Console" || info.FileType != "DLL" {
		t.Errorf("subsystem %q, type %q", info.Subsystem, info.FileType)
	}
	if info.Checksum != "0x0001F00D" {
		t.Errorf("checksum %q", info.Checksum)
	}
	if len(info.SHA256) != 64 || len(info.MD5) != 32 {
		t.Errorf("hashes %q %q", info.MD5, info.SHA256)
	}
	if info.Overlay == nil || info.Overlay.Size != 4 {
		t.Errorf("overlay %+v", info.Overlay)
	}
	if len(info.Sections) != 1 || info.Sections[0].Flags != "CODE, EXECUTABLE, READABLE" {
		t.Errorf("sections %+v", info.Sections)
	}
}
