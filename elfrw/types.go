package elfrw

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/yalue/elf_reader"

	"github.com/kenzobenj/dnparser/common"
)

// Ehdr is the ELF file header widened to 64-bit fields.
type Ehdr struct {
	Ident     [16]byte // ELF identification
	Type      uint16   // Object file type
	Machine   uint16   // Architecture
	Version   uint32   // Object file version
	Entry     uint64   // Entry point virtual address
	Phoff     uint64   // Program header table file offset
	Shoff     uint64   // Section header table file offset
	Flags     uint32   // Processor-specific flags
	Ehsize    uint16   // ELF header size in bytes
	Phentsize uint16   // Program header table entry size
	Phnum     uint16   // Program header table entry count
	Shentsize uint16   // Section header table entry size
	Shnum     uint16   // Section header table entry count
	Shstrndx  uint16   // Section header string table index
}

type Section struct {
	Name   string `json:"name" cbor:"name"`
	Offset uint64 `json:"offset" cbor:"offset"`
	Size   uint64 `json:"size" cbor:"size"`
	Type   uint32 `json:"type" cbor:"type"`
	Flags  uint64 `json:"flags" cbor:"flags"`
	Index  uint16 `json:"index" cbor:"index"`
}

type Segment struct {
	Offset   uint64 `json:"offset" cbor:"offset"`
	Size     uint64 `json:"size" cbor:"size"`
	Type     uint32 `json:"type" cbor:"type"`
	Flags    uint32 `json:"flags" cbor:"flags"`
	Loadable bool   `json:"loadable" cbor:"loadable"`
	Index    uint16 `json:"index" cbor:"index"`
}

// ELFFile is an apphost or any other ELF that may carry a single-file bundle.
type ELFFile struct {
	File     *os.File
	RawData  []byte
	ELF      elf_reader.ELFFile
	Header   *Ehdr
	Class    elf.Class
	Data     elf.Data
	Is64Bit  bool
	FileName string
	Sections []Section
	Segments []Segment
}

func (e *Ehdr) String() string {
	return fmt.Sprintf("ELF Header:\n"+
		"  Type: %d, Machine: %d, Version: %d\n"+
		"  Entry: 0x%x, Phoff: 0x%x, Shoff: 0x%x\n"+
		"  Phnum: %d, Shnum: %d",
		e.Type, e.Machine, e.Version,
		e.Entry, e.Phoff, e.Shoff,
		e.Phnum, e.Shnum)
}

// readHeader decodes the file header of either class and byte order.
func readHeader(raw []byte) (*Ehdr, elf.Class, elf.Data, error) {
	if len(raw) < 52 || string(raw[:4]) != elf.ELFMAG {
		return nil, 0, 0, common.Errorf(common.KindUnsupportedFormat, "read elf header", "missing ELF magic")
	}
	class := elf.Class(raw[elf.EI_CLASS])
	data := elf.Data(raw[elf.EI_DATA])

	var order binary.ByteOrder
	switch data {
	case elf.ELFDATA2LSB:
		order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		order = binary.BigEndian
	default:
		return nil, 0, 0, common.Errorf(common.KindUnsupportedFormat, "read elf header", "unknown data encoding %d", raw[elf.EI_DATA])
	}

	h := &Ehdr{}
	copy(h.Ident[:], raw[:16])
	h.Type = order.Uint16(raw[16:])
	h.Machine = order.Uint16(raw[18:])
	h.Version = order.Uint32(raw[20:])

	switch class {
	case elf.ELFCLASS32:
		h.Entry = uint64(order.Uint32(raw[24:]))
		h.Phoff = uint64(order.Uint32(raw[28:]))
		h.Shoff = uint64(order.Uint32(raw[32:]))
		h.Flags = order.Uint32(raw[36:])
		h.Ehsize = order.Uint16(raw[40:])
		h.Phentsize = order.Uint16(raw[42:])
		h.Phnum = order.Uint16(raw[44:])
		h.Shentsize = order.Uint16(raw[46:])
		h.Shnum = order.Uint16(raw[48:])
		h.Shstrndx = order.Uint16(raw[50:])
	case elf.ELFCLASS64:
		if len(raw) < 64 {
			return nil, 0, 0, common.Errorf(common.KindOutOfRange, "read elf header", "file too small for a 64-bit header")
		}
		h.Entry = order.Uint64(raw[24:])
		h.Phoff = order.Uint64(raw[32:])
		h.Shoff = order.Uint64(raw[40:])
		h.Flags = order.Uint32(raw[48:])
		h.Ehsize = order.Uint16(raw[52:])
		h.Phentsize = order.Uint16(raw[54:])
		h.Phnum = order.Uint16(raw[56:])
		h.Shentsize = order.Uint16(raw[58:])
		h.Shnum = order.Uint16(raw[60:])
		h.Shstrndx = order.Uint16(raw[62:])
	default:
		return nil, 0, 0, common.Errorf(common.KindUnsupportedFormat, "read elf header", "unknown class %d", raw[elf.EI_CLASS])
	}
	return h, class, data, nil
}
