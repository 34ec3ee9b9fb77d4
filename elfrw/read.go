package elfrw

import (
	"debug/elf"
	"fmt"
	"io"
	"os"

	"github.com/yalue/elf_reader"
	"go.uber.org/zap"

	"github.com/kenzobenj/dnparser/common"
)

// Open reads and parses the ELF file at path.
func Open(path string) (*ELFFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = file.Close()
	}()
	return ReadELF(file)
}

func ReadELF(file *os.File) (*ELFFile, error) {
	rawData, err := readFileData(file)
	if err != nil {
		return nil, err
	}
	ef, err := FromBytes(file.Name(), rawData)
	if err != nil {
		return nil, err
	}
	ef.File = file
	return ef, nil
}

// FromBytes parses an ELF image that is already in memory.
func FromBytes(name string, rawData []byte) (*ELFFile, error) {
	header, class, data, err := readHeader(rawData)
	if err != nil {
		return nil, err
	}

	elfFile, err := elf_reader.ParseELFFile(rawData)
	if err != nil {
		return nil, common.Wrap(common.KindUnsupportedFormat, "parse elf", err)
	}

	ef := &ELFFile{
		RawData:  rawData,
		ELF:      elfFile,
		Header:   header,
		Class:    class,
		Data:     data,
		Is64Bit:  class == elf.ELFCLASS64,
		FileName: name,
	}

	ef.Sections = parseSections(ef)
	ef.Segments = parseSegments(ef)

	Logger().Debug("parsed elf",
		zap.String("file", name),
		zap.Bool("is64", ef.Is64Bit),
		zap.Int("sections", len(ef.Sections)),
		zap.Int("segments", len(ef.Segments)))
	return ef, nil
}

// IsELFFile reports whether path starts with the ELF magic.
func IsELFFile(filePath string) (bool, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = file.Close()
	}()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(file, magic); err != nil {
		return false, nil
	}
	return string(magic) == elf.ELFMAG, nil
}

func (e *ELFFile) IsExecutableOrShared() bool {
	fileType := e.ELF.GetFileType()
	return fileType == elf_reader.ELFFileType(2) || fileType == elf_reader.ELFFileType(3)
}

// CalculateMemorySize returns the segment-based size of the image: the ELF header
// plus the furthest end of any non-null segment.
func (e *ELFFile) CalculateMemorySize() (uint64, error) {
	var size uint64
	headerSize := map[bool]uint64{true: 64, false: 52}[e.Is64Bit]
	size = headerSize

	for i := uint16(0); i < e.ELF.GetSegmentCount(); i++ {
		phdr, err := e.ELF.GetProgramHeader(i)
		if err != nil {
			return 0, fmt.Errorf("failed to read program header %d: %w", i, err)
		}
		if phdr.GetType() != elf_reader.ProgramHeaderType(0) {
			segmentEnd := phdr.GetFileOffset() + phdr.GetFileSize()
			if segmentEnd > size {
				size = segmentEnd
			}
		}
	}
	return size, nil
}

// ContentEnd returns where the ELF's own bytes stop. It covers segments, section
// contents and both header tables, which a stripped-down segment view would miss.
func (e *ELFFile) ContentEnd() (uint64, error) {
	end, err := e.CalculateMemorySize()
	if err != nil {
		return 0, err
	}

	for _, s := range e.Sections {
		if elf.SectionType(s.Type) == elf.SHT_NOBITS {
			continue
		}
		if s.Offset+s.Size > end {
			end = s.Offset + s.Size
		}
	}
	if h := e.Header; h != nil {
		if t := h.Phoff + uint64(h.Phnum)*uint64(h.Phentsize); h.Phnum > 0 && t > end {
			end = t
		}
		if t := h.Shoff + uint64(h.Shnum)*uint64(h.Shentsize); h.Shnum > 0 && t > end {
			end = t
		}
	}

	if end > uint64(len(e.RawData)) {
		return end, common.Errorf(common.KindOutOfRange, "elf content end",
			"content ends at 0x%X beyond file size 0x%X", end, len(e.RawData))
	}
	return end, nil
}

func readFileData(file *os.File) ([]byte, error) {
	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	rawData := make([]byte, fileInfo.Size())
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to reset file pointer: %w", err)
	}
	if _, err := io.ReadFull(file, rawData); err != nil {
		return nil, fmt.Errorf("failed to read file data: %w", err)
	}
	return rawData, nil
}

func parseSections(ef *ELFFile) []Section {
	count := ef.ELF.GetSectionCount()
	sections := make([]Section, 0, count)
	for i := uint16(0); i < count; i++ {
		header, err := ef.ELF.GetSectionHeader(i)
		if err != nil {
			continue
		}
		name, _ := ef.ELF.GetSectionName(i)
		flags := header.GetFlags()
		sections = append(sections, Section{
			Name:   name,
			Offset: header.GetFileOffset(),
			Size:   header.GetSize(),
			Type:   uint32(header.GetType()),
			Flags:  parseFlags(flags),
			Index:  i,
		})
	}
	return sections
}

func parseSegments(ef *ELFFile) []Segment {
	count := ef.ELF.GetSegmentCount()
	segments := make([]Segment, 0, count)
	for i := uint16(0); i < count; i++ {
		phdr, err := ef.ELF.GetProgramHeader(i)
		if err != nil {
			continue
		}
		segments = append(segments, Segment{
			Offset:   phdr.GetFileOffset(),
			Size:     phdr.GetFileSize(),
			Type:     uint32(phdr.GetType()),
			Flags:    uint32(phdr.GetFlags()),
			Loadable: phdr.GetType() == elf_reader.ProgramHeaderType(1),
			Index:    i,
		})
	}
	return segments
}

func parseFlags(flags elf_reader.ELFSectionFlags) uint64 {
	var result uint64
	if flags.Executable() {
		result |= 0x4
	}
	if flags.Allocated() {
		result |= 0x2
	}
	if flags.Writable() {
		result |= 0x1
	}
	return result
}
