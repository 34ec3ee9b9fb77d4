package perw

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

func CalculateEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0.0
	}
	freq := make([]int, 256)
	for _, b := range data {
		freq[b]++
	}
	entropy := 0.0
	length := float64(len(data))
	for _, count := range freq {
		if count > 0 {
			p := float64(count) / length
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

// decodeSectionFlags returns human-readable section flags
func decodeSectionFlags(flags uint32) string {
	var flagStrs []string
	if flags&pe.IMAGE_SCN_CNT_CODE != 0 {
		flagStrs = append(flagStrs, "CODE")
	}
	if flags&pe.IMAGE_SCN_CNT_INITIALIZED_DATA != 0 {
		flagStrs = append(flagStrs, "INITIALIZED_DATA")
	}
	if flags&pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA != 0 {
		flagStrs = append(flagStrs, "UNINITIALIZED_DATA")
	}
	if flags&pe.IMAGE_SCN_MEM_EXECUTE != 0 {
		flagStrs = append(flagStrs, "EXECUTABLE")
	}
	if flags&pe.IMAGE_SCN_MEM_READ != 0 {
		flagStrs = append(flagStrs, "READABLE")
	}
	if flags&pe.IMAGE_SCN_MEM_WRITE != 0 {
		flagStrs = append(flagStrs, "WRITABLE")
	}
	if flags&0x10000000 != 0 {
		flagStrs = append(flagStrs, "SHARED")
	}
	if flags&pe.IMAGE_SCN_MEM_DISCARDABLE != 0 {
		flagStrs = append(flagStrs, "DISCARDABLE")
	}
	if len(flagStrs) == 0 {
		return "None"
	}
	return strings.Join(flagStrs, ", ")
}

func decodeDLLCharacteristics(flags uint16) string {
	var out []string
	if flags&pe.IMAGE_DLLCHARACTERISTICS_HIGH_ENTROPY_VA != 0 {
		out = append(out, "HIGH_ENTROPY_VA")
	}
	if flags&pe.IMAGE_DLLCHARACTERISTICS_DYNAMIC_BASE != 0 {
		out = append(out, "DYNAMIC_BASE")
	}
	if flags&pe.IMAGE_DLLCHARACTERISTICS_FORCE_INTEGRITY != 0 {
		out = append(out, "FORCE_INTEGRITY")
	}
	if flags&pe.IMAGE_DLLCHARACTERISTICS_NX_COMPAT != 0 {
		out = append(out, "NX_COMPAT")
	}
	if flags&pe.IMAGE_DLLCHARACTERISTICS_NO_ISOLATION != 0 {
		out = append(out, "NO_ISOLATION")
	}
	if flags&pe.IMAGE_DLLCHARACTERISTICS_NO_SEH != 0 {
		out = append(out, "NO_SEH")
	}
	if flags&pe.IMAGE_DLLCHARACTERISTICS_NO_BIND != 0 {
		out = append(out, "NO_BIND")
	}
	if flags&pe.IMAGE_DLLCHARACTERISTICS_APPCONTAINER != 0 {
		out = append(out, "APPCONTAINER")
	}
	if flags&pe.IMAGE_DLLCHARACTERISTICS_WDM_DRIVER != 0 {
		out = append(out, "WDM_DRIVER")
	}
	if flags&pe.IMAGE_DLLCHARACTERISTICS_GUARD_CF != 0 {
		out = append(out, "GUARD_CF")
	}
	if flags&pe.IMAGE_DLLCHARACTERISTICS_TERMINAL_SERVER_AWARE != 0 {
		out = append(out, "TERMINAL_SERVER_AWARE")
	}
	if len(out) == 0 {
		return "None"
	}
	return strings.Join(out, ", ")
}

func getSubsystemName(subsystem uint16) string {
	switch subsystem {
	case 1:
		return "Native"
	case 2:
		return "Windows GUI"
	case 3:
		return "Windows Console"
	case 5:
		return "OS/2 Console"
	case 7:
		return "POSIX Console"
	case 9:
		return "Windows CE GUI"
	case 10:
		return "EFI Application"
	case 14:
		return "Xbox"
	case 16:
		return "Windows Boot Application"
	default:
		return "Unknown"
	}
}

type PEOffsets struct {
	ELfanew          int64
	OptionalHeader   int64
	FirstSectionHdr  int64
	NumberOfSections int
	OptionalHdrSize  int
}

func (p *PEFile) calculateOffsets() (*PEOffsets, error) {
	const (
		dosHeaderSize   = 0x40
		peSignatureSize = 4
		coffHeaderSize  = 20
	)

	if len(p.RawData) < dosHeaderSize {
		return nil, fmt.Errorf("file too small for DOS header")
	}

	offsets := &PEOffsets{
		ELfanew: int64(binary.LittleEndian.Uint32(p.RawData[0x3C:0x40])),
	}

	coffHeaderOffset := offsets.ELfanew + peSignatureSize
	offsets.OptionalHeader = coffHeaderOffset + coffHeaderSize

	if coffHeaderOffset+coffHeaderSize > int64(len(p.RawData)) {
		return nil, fmt.Errorf("file too small for COFF header")
	}

	offsets.NumberOfSections = int(binary.LittleEndian.Uint16(p.RawData[coffHeaderOffset+2 : coffHeaderOffset+4]))
	offsets.OptionalHdrSize = int(binary.LittleEndian.Uint16(p.RawData[coffHeaderOffset+16 : coffHeaderOffset+18]))
	offsets.FirstSectionHdr = offsets.OptionalHeader + int64(offsets.OptionalHdrSize)

	return offsets, nil
}

func (p *PEFile) GetFileType() string {
	c := p.characteristics
	switch {
	case c&pe.IMAGE_FILE_DLL != 0:
		return "DLL"
	case c&pe.IMAGE_FILE_EXECUTABLE_IMAGE != 0:
		return "EXE"
	default:
		return "Unknown"
	}
}

// CalculatePhysicalFileSize returns where the headers and section raw data end.
// Anything past it is overlay.
func (p *PEFile) CalculatePhysicalFileSize() (uint64, error) {
	if len(p.Sections) == 0 && p.sizeOfHeaders == 0 {
		return 0, fmt.Errorf("no headers or sections to size the image")
	}

	maxSize := uint64(p.SizeOfHeaders())
	for _, s := range p.Sections {
		if s.Size > 0 {
			end := uint64(s.Offset) + uint64(s.Size)
			if end > maxSize {
				maxSize = end
			}
		}
	}

	return maxSize, nil
}
