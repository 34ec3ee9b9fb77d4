package perw

import (
	"bytes"

	"github.com/kenzobenj/dnparser/common"
	"github.com/kenzobenj/dnparser/dnmeta"
)

var _ dnmeta.ImageAccessor = (*PEFile)(nil)

// RVAToPhysical maps an RVA to a file offset through the section table. RVAs inside
// the headers map to themselves.
func (p *PEFile) RVAToPhysical(rva uint32) (uint32, error) {
	if p.sizeOfHeaders != 0 && rva < p.sizeOfHeaders {
		if int64(rva) >= int64(len(p.RawData)) {
			return 0, common.Errorf(common.KindOutOfRange, "rva to offset",
				"header rva 0x%X beyond file size 0x%X", rva, len(p.RawData))
		}
		return rva, nil
	}

	for _, s := range p.Sections {
		if rva < s.VirtualAddress || uint64(rva) >= uint64(s.VirtualAddress)+uint64(s.span()) {
			continue
		}
		delta := rva - s.VirtualAddress
		if int64(delta) >= s.Size {
			return 0, common.Errorf(common.KindOutOfRange, "rva to offset",
				"rva 0x%X falls in uninitialized data of %s", rva, s.Name)
		}
		off := s.Offset + int64(delta)
		if off >= int64(len(p.RawData)) || off > int64(^uint32(0)) {
			return 0, common.Errorf(common.KindOutOfRange, "rva to offset",
				"rva 0x%X maps past end of file", rva)
		}
		return uint32(off), nil
	}

	return 0, common.Errorf(common.KindOutOfRange, "rva to offset",
		"rva 0x%X is not inside any section", rva)
}

// Read returns length bytes at rva.
func (p *PEFile) Read(rva, length uint32) ([]byte, error) {
	off, err := p.RVAToPhysical(rva)
	if err != nil {
		return nil, err
	}
	return p.ReadBytes(int64(off), int(length))
}

// ReadCString returns the bytes at rva up to, not including, the next NUL.
func (p *PEFile) ReadCString(rva uint32) ([]byte, error) {
	off, err := p.RVAToPhysical(rva)
	if err != nil {
		return nil, err
	}
	end := bytes.IndexByte(p.RawData[off:], 0)
	if end < 0 {
		return nil, common.Errorf(common.KindOutOfRange, "read string",
			"no terminator after file offset 0x%X", off)
	}
	return p.RawData[off : int(off)+end], nil
}

// CLRDataDirectory returns the COM descriptor directory. A zero entry means the image
// is not managed.
func (p *PEFile) CLRDataDirectory() (dnmeta.DataDirectory, error) {
	d, ok := p.Directory(dirCOMDescriptor)
	if !ok {
		return dnmeta.DataDirectory{}, nil
	}
	return dnmeta.DataDirectory{RVA: d.RVA, Size: d.Size}, nil
}
