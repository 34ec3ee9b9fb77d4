package perw

import (
	"debug/pe"
)

type Section struct {
	Name           string  `json:"name" cbor:"name"`
	Offset         int64   `json:"offset" cbor:"offset"`
	Size           int64   `json:"size" cbor:"size"`
	VirtualAddress uint32  `json:"virtual_address" cbor:"virtual_address"`
	VirtualSize    uint32  `json:"virtual_size" cbor:"virtual_size"`
	Index          int     `json:"index" cbor:"index"`
	Flags          uint32  `json:"flags" cbor:"flags"`
	Entropy        float64 `json:"entropy" cbor:"entropy"`
	MD5Hash        string  `json:"md5,omitempty" cbor:"md5,omitempty"`
	SHA1Hash       string  `json:"sha1,omitempty" cbor:"sha1,omitempty"`
	SHA256Hash     string  `json:"sha256,omitempty" cbor:"sha256,omitempty"`
	IsExecutable   bool    `json:"executable" cbor:"executable"`
	IsReadable     bool    `json:"readable" cbor:"readable"`
	IsWritable     bool    `json:"writable" cbor:"writable"`
}

// span is the size of the section in memory, falling back to the raw size.
func (s Section) span() uint32 {
	if s.VirtualSize != 0 {
		return s.VirtualSize
	}
	return uint32(s.Size)
}

type DirectoryEntry struct {
	Type uint16 `json:"type" cbor:"type"`
	RVA  uint32 `json:"rva" cbor:"rva"`
	Size uint32 `json:"size" cbor:"size"`
}

// Data directory indexes used by the analyzer.
const (
	dirDebug         = 6
	dirCOMDescriptor = 14
	numDirectories   = 16
)

// PEFile is a PE image held in memory. RawData is the whole file; every RVA read is
// translated through the section table.
type PEFile struct {
	PE       *pe.File
	Is64Bit  bool
	FileName string
	Sections []Section
	RawData  []byte

	imageBase          uint64
	entryPoint         uint32
	sizeOfImage        uint32
	sizeOfHeaders      uint32
	checksum           uint32
	subsystem          uint16
	dllCharacteristics uint16
	characteristics    uint16
	Machine            string
	TimeDateStamp      string
	usedFallbackMode   bool

	directories []DirectoryEntry

	FileSize      int64
	IsPacked      bool
	HasOverlay    bool
	OverlayOffset int64
	OverlaySize   int64

	PDBPath string
	guidAge string

	// Warnings collects parse problems that did not stop the analysis.
	Warnings []string
}
