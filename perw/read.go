package perw

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	gope "github.com/Velocidex/go-pe"
	"go.uber.org/zap"

	"github.com/kenzobenj/dnparser/common"
)

// Open reads and parses the PE file at path.
func Open(path string) (*PEFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = file.Close()
	}()
	return ReadPE(file)
}

// ReadPE loads an open file into memory and parses it. The file is not kept open.
func ReadPE(file *os.File) (*PEFile, error) {
	rawData, err := readFileData(file)
	if err != nil {
		return nil, err
	}
	return FromBytes(file.Name(), rawData)
}

// FromBytes parses an image that is already in memory, such as one carved out of a
// single-file bundle.
func FromBytes(name string, rawData []byte) (*PEFile, error) {
	pf, err := newPEFile(name, rawData)
	if err != nil {
		return nil, err
	}
	if err := pf.parseAllPEComponents(); err != nil {
		return nil, err
	}
	return pf, nil
}

func newPEFile(name string, rawData []byte) (*PEFile, error) {
	if err := validateDOSHeader(rawData); err != nil {
		return nil, err
	}
	pf := &PEFile{
		FileName: name,
		RawData:  rawData,
		FileSize: int64(len(rawData)),
	}

	peLibFile, err := pe.NewFile(bytes.NewReader(rawData))
	if err != nil {
		_ = pf.parseBasicSectionsFromRaw()
		var reason string
		switch {
		case isLikelyPacked(pf.Sections):
			reason = "file appears to be packed/compressed (high entropy)"
		case strings.Contains(err.Error(), "string table"):
			reason = "corrupted or modified PE structure"
		default:
			reason = "non-standard PE format"
		}
		Logger().Warn("falling back to raw PE parsing",
			zap.String("file", name), zap.String("reason", reason), zap.Error(err))

		pf.Sections = nil
		pf.usedFallbackMode = true
		pf.Warnings = append(pf.Warnings, fmt.Sprintf("%s (%v)", reason, err))
		pf.Is64Bit = rawOptionalMagic(rawData) == 0x20b
		return pf, nil
	}

	pf.PE = peLibFile
	pf.Is64Bit = isPE64Bit(peLibFile)
	return pf, nil
}

func (p *PEFile) parseAllPEComponents() error {
	var errs []string

	if err := p.parseHeaders(); err != nil {
		errs = append(errs, fmt.Sprintf("headers: %v", err))
	}

	if err := p.parseSectionsAtomic(); err != nil {
		errs = append(errs, fmt.Sprintf("sections: %v", err))
		if p.Sections == nil {
			p.Sections = make([]Section, 0)
		}
	}

	if err := p.parseDirectories(); err != nil {
		errs = append(errs, fmt.Sprintf("directories: %v", err))
	}

	p.parseDebugInfo()

	if err := p.analyzeFile(); err != nil {
		errs = append(errs, fmt.Sprintf("analysis: %v", err))
	}

	p.Warnings = append(p.Warnings, errs...)
	if len(errs) >= 3 {
		return common.Errorf(common.KindUnsupportedFormat, "read pe",
			"too many parsing errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (p *PEFile) parseSectionsAtomic() error {
	p.Sections = make([]Section, 0)

	if p.PE == nil || p.PE.Sections == nil {
		return p.parseBasicSectionsFromRaw()
	}

	for i, s := range p.PE.Sections {
		if s == nil {
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					Logger().Warn("recovered from panic parsing section",
						zap.String("file", p.FileName), zap.Int("index", i), zap.Any("panic", r))
				}
			}()

			section := p.parseSectionBase(i, s)
			p.fillSectionHashesAndEntropy(&section)
			p.Sections = append(p.Sections, section)
		}()
	}

	return nil
}

func (p *PEFile) parseSectionBase(i int, s *pe.Section) Section {
	return Section{
		Name:           strings.TrimRight(s.Name, "\x00"),
		Offset:         int64(s.Offset),
		Size:           int64(s.Size),
		VirtualAddress: s.VirtualAddress,
		VirtualSize:    s.VirtualSize,
		Index:          i,
		Flags:          s.Characteristics,
		IsExecutable:   (s.Characteristics & pe.IMAGE_SCN_MEM_EXECUTE) != 0,
		IsReadable:     (s.Characteristics & pe.IMAGE_SCN_MEM_READ) != 0,
		IsWritable:     (s.Characteristics & pe.IMAGE_SCN_MEM_WRITE) != 0,
	}
}

func (p *PEFile) fillSectionHashesAndEntropy(section *Section) {
	if section.Size > 0 && section.Offset+section.Size <= int64(len(p.RawData)) {
		sectionData := p.RawData[section.Offset : section.Offset+section.Size]
		md5Hash := md5.Sum(sectionData)
		sha1Hash := sha1.Sum(sectionData)
		sha256Hash := sha256.Sum256(sectionData)
		section.MD5Hash = fmt.Sprintf("%x", md5Hash)
		section.SHA1Hash = fmt.Sprintf("%x", sha1Hash)
		section.SHA256Hash = fmt.Sprintf("%x", sha256Hash)
		section.Entropy = CalculateEntropy(sectionData)
	}
}

func readFileData(file *os.File) ([]byte, error) {
	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	data := make([]byte, fileInfo.Size())
	if _, err := file.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read file data: %w", err)
	}
	return data, nil
}

func isPE64Bit(peFile *pe.File) bool {
	_, ok := peFile.OptionalHeader.(*pe.OptionalHeader64)
	return ok
}

func validateDOSHeader(data []byte) error {
	if len(data) < 64 {
		return common.Errorf(common.KindUnsupportedFormat, "read pe", "file too small to be a valid PE file")
	}
	if data[0] != 'M' || data[1] != 'Z' {
		return common.Errorf(common.KindUnsupportedFormat, "read pe", "invalid DOS header signature")
	}
	return nil
}

// IsPEFile reports whether the file at filePath starts with an MZ header pointing at
// a PE signature.
func IsPEFile(filePath string) (bool, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return false, err
	}
	defer func(file *os.File) {
		_ = file.Close()
	}(file)

	dosHeader := make([]byte, 64)
	if _, err := io.ReadFull(file, dosHeader); err != nil {
		return false, nil
	}
	return hasPESignature(dosHeader, func(off int64) ([]byte, error) {
		sig := make([]byte, 4)
		_, err := file.ReadAt(sig, off)
		return sig, err
	}), nil
}

func hasPESignature(dosHeader []byte, readAt func(int64) ([]byte, error)) bool {
	if len(dosHeader) < 64 || dosHeader[0] != 'M' || dosHeader[1] != 'Z' {
		return false
	}
	peOffset := binary.LittleEndian.Uint32(dosHeader[60:64])
	sig, err := readAt(int64(peOffset))
	if err != nil {
		return false
	}
	return string(sig) == "PE\x00\x00"
}

func (p *PEFile) parseHeaders() error {
	if p.PE == nil {
		return p.parseBasicHeadersFromRaw()
	}

	p.characteristics = p.PE.FileHeader.Characteristics
	p.extractMachineType(p.PE.FileHeader.Machine)
	p.extractTimeDateStamp(p.PE.FileHeader.TimeDateStamp)

	if p.PE.OptionalHeader == nil {
		Logger().Warn("optional header unavailable", zap.String("file", p.FileName))
		return nil
	}

	switch oh := p.PE.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		p.imageBase = uint64(oh.ImageBase)
		p.entryPoint = oh.AddressOfEntryPoint
		p.sizeOfImage = oh.SizeOfImage
		p.sizeOfHeaders = oh.SizeOfHeaders
		p.checksum = oh.CheckSum
		p.subsystem = oh.Subsystem
		p.dllCharacteristics = oh.DllCharacteristics
	case *pe.OptionalHeader64:
		p.imageBase = oh.ImageBase
		p.entryPoint = oh.AddressOfEntryPoint
		p.sizeOfImage = oh.SizeOfImage
		p.sizeOfHeaders = oh.SizeOfHeaders
		p.checksum = oh.CheckSum
		p.subsystem = oh.Subsystem
		p.dllCharacteristics = oh.DllCharacteristics
	default:
		return fmt.Errorf("unsupported optional header type")
	}
	return nil
}

func (p *PEFile) parseDirectories() error {
	p.directories = make([]DirectoryEntry, 0, numDirectories)

	if p.PE == nil || p.PE.OptionalHeader == nil {
		return p.parseDirectoriesFromRaw()
	}

	var dirs []pe.DataDirectory
	switch oh := p.PE.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dirs = oh.DataDirectory[:min(oh.NumberOfRvaAndSizes, numDirectories)]
	case *pe.OptionalHeader64:
		dirs = oh.DataDirectory[:min(oh.NumberOfRvaAndSizes, numDirectories)]
	}
	for i, d := range dirs {
		p.directories = append(p.directories, DirectoryEntry{
			Type: uint16(i),
			RVA:  d.VirtualAddress,
			Size: d.Size,
		})
	}
	return nil
}

func (p *PEFile) parseDirectoriesFromRaw() error {
	offsets, err := p.calculateOffsets()
	if err != nil {
		return err
	}

	// The directory array follows the fixed fields, preceded by NumberOfRvaAndSizes.
	dirStart := offsets.OptionalHeader + 96
	if rawOptionalMagic(p.RawData) == 0x20b {
		dirStart = offsets.OptionalHeader + 112
	}
	if dirStart > int64(len(p.RawData)) || dirStart-offsets.OptionalHeader > int64(offsets.OptionalHdrSize) {
		return fmt.Errorf("optional header too small for data directories")
	}
	count := binary.LittleEndian.Uint32(p.RawData[dirStart-4 : dirStart])
	count = min(count, numDirectories)

	for i := uint32(0); i < count; i++ {
		off := dirStart + int64(i)*8
		if off+8 > int64(len(p.RawData)) || off+8-offsets.OptionalHeader > int64(offsets.OptionalHdrSize) {
			break
		}
		p.directories = append(p.directories, DirectoryEntry{
			Type: uint16(i),
			RVA:  binary.LittleEndian.Uint32(p.RawData[off:]),
			Size: binary.LittleEndian.Uint32(p.RawData[off+4:]),
		})
	}
	return nil
}

// parseDebugInfo reads the CodeView record through go-pe.
func (p *PEFile) parseDebugInfo() {
	if d, ok := p.Directory(dirDebug); !ok || d.RVA == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			Logger().Debug("debug directory parser panicked",
				zap.String("file", p.FileName), zap.Any("panic", r))
		}
	}()

	info, err := gope.NewPEFile(bytes.NewReader(p.RawData))
	if err != nil {
		Logger().Debug("debug directory unavailable", zap.String("file", p.FileName), zap.Error(err))
		return
	}
	p.PDBPath = info.PDB
	p.guidAge = info.GUIDAge
}

func (p *PEFile) analyzeFile() error {
	p.IsPacked = isLikelyPacked(p.Sections)

	calculatedSize, err := p.CalculatePhysicalFileSize()
	if err != nil {
		return err
	}

	if uint64(p.FileSize) > calculatedSize {
		p.HasOverlay = true
		p.OverlayOffset = int64(calculatedSize)
		p.OverlaySize = p.FileSize - int64(calculatedSize)
	}

	return nil
}

// ReadBytes returns size bytes at a file offset.
func (p *PEFile) ReadBytes(offset int64, size int) ([]byte, error) {
	if offset < 0 || size < 0 {
		return nil, common.Errorf(common.KindOutOfRange, "read bytes",
			"offset (%d) or size (%d) cannot be negative", offset, size)
	}
	if size == 0 {
		return []byte{}, nil
	}
	if offset+int64(size) > int64(len(p.RawData)) {
		return nil, common.Errorf(common.KindOutOfRange, "read bytes",
			"read beyond file limits: offset %d, size %d, file len %d", offset, size, len(p.RawData))
	}

	return p.RawData[offset : offset+int64(size)], nil
}

func (p *PEFile) Close() error {
	if p.PE != nil {
		if err := p.PE.Close(); err != nil {
			return fmt.Errorf("failed to close PE: %w", err)
		}
	}
	return nil
}

func (p *PEFile) ImageBase() uint64 {
	return p.imageBase
}

func (p *PEFile) EntryPoint() uint32 {
	return p.entryPoint
}

func (p *PEFile) SizeOfImage() uint32 {
	return p.sizeOfImage
}

func (p *PEFile) SizeOfHeaders() uint32 {
	return p.sizeOfHeaders
}

func (p *PEFile) Checksum() uint32 {
	return p.checksum
}

func (p *PEFile) Subsystem() uint16 {
	return p.subsystem
}

func (p *PEFile) DllCharacteristics() uint16 {
	return p.dllCharacteristics
}

func (p *PEFile) Directories() []DirectoryEntry {
	return p.directories
}

// Directory returns data directory i when the header declares it.
func (p *PEFile) Directory(i int) (DirectoryEntry, bool) {
	if i < 0 || i >= len(p.directories) {
		return DirectoryEntry{}, false
	}
	return p.directories[i], true
}

func (p *PEFile) PDB() string {
	return p.PDBPath
}

func (p *PEFile) GUIDAge() string {
	return p.guidAge
}

// UsedFallback reports whether headers and sections were parsed without debug/pe.
func (p *PEFile) UsedFallback() bool {
	return p.usedFallbackMode
}

func (p *PEFile) extractMachineType(machine uint16) {
	switch machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		p.Machine = "i386"
	case pe.IMAGE_FILE_MACHINE_AMD64:
		p.Machine = "amd64"
	case pe.IMAGE_FILE_MACHINE_ARM:
		p.Machine = "arm"
	case pe.IMAGE_FILE_MACHINE_ARMNT:
		p.Machine = "armnt"
	case pe.IMAGE_FILE_MACHINE_ARM64:
		p.Machine = "arm64"
	default:
		p.Machine = fmt.Sprintf("unknown(0x%x)", machine)
	}
}

func (p *PEFile) extractTimeDateStamp(stamp uint32) {
	if stamp == 0 {
		p.TimeDateStamp = "Not set"
		return
	}
	p.TimeDateStamp = time.Unix(int64(stamp), 0).UTC().Format("2006-01-02 15:04:05 MST")
}

func (p *PEFile) sanitizeSectionName(nameBytes []byte) string {
	name := strings.TrimRight(string(nameBytes), "\x00")

	isValid := true
	for _, r := range name {
		if r < 32 || r > 126 {
			isValid = false
			break
		}
	}

	if !isValid || len(name) == 0 {
		return fmt.Sprintf("<stripped_%d>", len(p.Sections))
	}

	if strings.HasPrefix(name, "/") && len(name) <= 3 {
		return fmt.Sprintf("<coff_ref_%s>", strings.TrimPrefix(name, "/"))
	}

	return name
}

func rawPEOffset(data []byte) (int, error) {
	if len(data) < 64 {
		return 0, fmt.Errorf("file too small to be a valid PE")
	}
	peOffset := int(binary.LittleEndian.Uint32(data[60:64]))
	if peOffset < 0 || peOffset+24 >= len(data) {
		return 0, fmt.Errorf("invalid PE header offset")
	}
	if string(data[peOffset:peOffset+4]) != "PE\x00\x00" {
		return 0, fmt.Errorf("invalid PE signature")
	}
	return peOffset, nil
}

func rawOptionalMagic(data []byte) uint16 {
	peOffset, err := rawPEOffset(data)
	if err != nil || peOffset+26 > len(data) {
		return 0
	}
	return binary.LittleEndian.Uint16(data[peOffset+24:])
}

func (p *PEFile) parseBasicSectionsFromRaw() error {
	peOffset, err := rawPEOffset(p.RawData)
	if err != nil {
		return err
	}

	numSections := int(binary.LittleEndian.Uint16(p.RawData[peOffset+6:]))
	optHeaderSize := int(binary.LittleEndian.Uint16(p.RawData[peOffset+20:]))
	sectionHeadersOffset := peOffset + 24 + optHeaderSize

	if sectionHeadersOffset+numSections*40 > len(p.RawData) {
		return fmt.Errorf("section headers extend beyond file")
	}

	validSections := 0
	for i := 0; i < numSections; i++ {
		hdr := p.RawData[sectionHeadersOffset+i*40 : sectionHeadersOffset+(i+1)*40]

		name := p.sanitizeSectionName(hdr[0:8])
		virtualSize := binary.LittleEndian.Uint32(hdr[8:])
		virtualAddress := binary.LittleEndian.Uint32(hdr[12:])
		sizeOfRawData := int64(binary.LittleEndian.Uint32(hdr[16:]))
		pointerToRawData := int64(binary.LittleEndian.Uint32(hdr[20:]))
		characteristics := binary.LittleEndian.Uint32(hdr[36:])

		if !p.isValidSectionData(virtualAddress, virtualSize, pointerToRawData, sizeOfRawData) {
			continue
		}
		section := Section{
			Name:           name,
			VirtualAddress: virtualAddress,
			VirtualSize:    virtualSize,
			Size:           sizeOfRawData,
			Offset:         pointerToRawData,
			Flags:          characteristics,
			Index:          validSections,
			IsExecutable:   (characteristics & pe.IMAGE_SCN_MEM_EXECUTE) != 0,
			IsReadable:     (characteristics & pe.IMAGE_SCN_MEM_READ) != 0,
			IsWritable:     (characteristics & pe.IMAGE_SCN_MEM_WRITE) != 0,
		}
		p.fillSectionHashesAndEntropy(&section)
		p.Sections = append(p.Sections, section)
		validSections++
	}

	if validSections < numSections {
		Logger().Debug("raw section parser skipped invalid headers",
			zap.String("file", p.FileName), zap.Int("valid", validSections), zap.Int("total", numSections))
	}
	return nil
}

func (p *PEFile) parseBasicHeadersFromRaw() error {
	peOffset, err := rawPEOffset(p.RawData)
	if err != nil {
		return err
	}

	p.characteristics = binary.LittleEndian.Uint16(p.RawData[peOffset+22:])
	p.extractMachineType(binary.LittleEndian.Uint16(p.RawData[peOffset+4:]))
	p.extractTimeDateStamp(binary.LittleEndian.Uint32(p.RawData[peOffset+8:]))

	optHeaderSize := int(binary.LittleEndian.Uint16(p.RawData[peOffset+20:]))
	opt := peOffset + 24
	if optHeaderSize < 72 || opt+72 > len(p.RawData) {
		return nil
	}
	raw := p.RawData[opt:]

	p.entryPoint = binary.LittleEndian.Uint32(raw[16:])
	switch binary.LittleEndian.Uint16(raw[0:]) {
	case 0x10b:
		p.imageBase = uint64(binary.LittleEndian.Uint32(raw[28:]))
	case 0x20b:
		p.imageBase = binary.LittleEndian.Uint64(raw[24:])
	}
	p.sizeOfImage = binary.LittleEndian.Uint32(raw[56:])
	p.sizeOfHeaders = binary.LittleEndian.Uint32(raw[60:])
	p.checksum = binary.LittleEndian.Uint32(raw[64:])
	p.subsystem = binary.LittleEndian.Uint16(raw[68:])
	p.dllCharacteristics = binary.LittleEndian.Uint16(raw[70:])
	return nil
}

func (p *PEFile) isValidSectionData(virtualAddr uint32, virtualSize uint32, rawDataPtr int64, rawDataSize int64) bool {
	if virtualAddr == 0 && virtualSize == 0 && rawDataPtr == 0 && rawDataSize == 0 {
		return false
	}

	if virtualSize > 0 && rawDataSize == 0 {
		return true
	}

	if rawDataPtr > 0 && rawDataSize > 0 {
		if rawDataPtr >= int64(len(p.RawData)) || rawDataPtr+rawDataSize > int64(len(p.RawData)) {
			return false
		}
	}

	if virtualAddr == 0 && virtualSize > 0 {
		return false
	}

	maxReasonableSize := int64(len(p.RawData)) * 10
	if rawDataSize > maxReasonableSize {
		return false
	}

	return int64(virtualSize) <= maxReasonableSize*10
}

func isLikelyPacked(sections []Section) bool {
	if len(sections) == 0 {
		return false
	}
	var (
		highEntropyCount int
		total            int
		sumEntropy       float64
	)
	for _, s := range sections {
		if s.Size == 0 {
			continue
		}
		total++
		sumEntropy += s.Entropy
		if s.Entropy > 7.0 {
			highEntropyCount++
		}
	}
	if total == 0 {
		return false
	}
	avgEntropy := sumEntropy / float64(total)
	percentHigh := float64(highEntropyCount) / float64(total)

	return percentHigh > 0.5 || avgEntropy > 6.8
}
