package perw

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SectionSummary is the report view of one section.
type SectionSummary struct {
	Name           string  `json:"name" cbor:"name"`
	VirtualAddress uint32  `json:"virtual_address" cbor:"virtual_address"`
	VirtualSize    uint32  `json:"virtual_size" cbor:"virtual_size"`
	RawOffset      int64   `json:"raw_offset" cbor:"raw_offset"`
	RawSize        int64   `json:"raw_size" cbor:"raw_size"`
	Entropy        float64 `json:"entropy" cbor:"entropy"`
	Flags          string  `json:"flags" cbor:"flags"`
}

// OverlaySummary describes data appended after the image.
type OverlaySummary struct {
	Offset  int64   `json:"offset" cbor:"offset"`
	Size    int64   `json:"size" cbor:"size"`
	Entropy float64 `json:"entropy" cbor:"entropy"`
}

// FileInfo is the PE context printed next to the metadata facts.
type FileInfo struct {
	Name               string           `json:"name" cbor:"name"`
	Size               int64            `json:"size" cbor:"size"`
	Machine            string           `json:"machine" cbor:"machine"`
	Is64Bit            bool             `json:"is_64bit" cbor:"is_64bit"`
	FileType           string           `json:"file_type" cbor:"file_type"`
	TimeDateStamp      string           `json:"timestamp" cbor:"timestamp"`
	Subsystem          string           `json:"subsystem" cbor:"subsystem"`
	DllCharacteristics string           `json:"dll_characteristics" cbor:"dll_characteristics"`
	Checksum           string           `json:"checksum" cbor:"checksum"`
	MD5                string           `json:"md5" cbor:"md5"`
	SHA1               string           `json:"sha1" cbor:"sha1"`
	SHA256             string           `json:"sha256" cbor:"sha256"`
	PDB                string           `json:"pdb,omitempty" cbor:"pdb,omitempty"`
	GUIDAge            string           `json:"guid_age,omitempty" cbor:"guid_age,omitempty"`
	IsPacked           bool             `json:"packed" cbor:"packed"`
	Sections           []SectionSummary `json:"sections" cbor:"sections"`
	Overlay            *OverlaySummary  `json:"overlay,omitempty" cbor:"overlay,omitempty"`
	Warnings           []string         `json:"warnings,omitempty" cbor:"warnings,omitempty"`
}

// Info summarizes the image for reporting.
func (p *PEFile) Info() FileInfo {
	md5Hash := md5.Sum(p.RawData)
	sha1Hash := sha1.Sum(p.RawData)
	sha256Hash := sha256.Sum256(p.RawData)

	info := FileInfo{
		Name:               p.FileName,
		Size:               p.FileSize,
		Machine:            p.Machine,
		Is64Bit:            p.Is64Bit,
		FileType:           p.GetFileType(),
		TimeDateStamp:      p.TimeDateStamp,
		Subsystem:          getSubsystemName(p.Subsystem()),
		DllCharacteristics: decodeDLLCharacteristics(p.DllCharacteristics()),
		Checksum:           fmt.Sprintf("0x%08X", p.Checksum()),
		MD5:                hex.EncodeToString(md5Hash[:]),
		SHA1:               hex.EncodeToString(sha1Hash[:]),
		SHA256:             hex.EncodeToString(sha256Hash[:]),
		PDB:                p.PDB(),
		GUIDAge:            p.GUIDAge(),
		IsPacked:           p.IsPacked,
		Warnings:           p.Warnings,
	}
	for _, s := range p.Sections {
		info.Sections = append(info.Sections, SectionSummary{
			Name:           s.Name,
			VirtualAddress: s.VirtualAddress,
			VirtualSize:    s.VirtualSize,
			RawOffset:      s.Offset,
			RawSize:        s.Size,
			Entropy:        s.Entropy,
			Flags:          decodeSectionFlags(s.Flags),
		})
	}
	if p.HasOverlay {
		info.Overlay = &OverlaySummary{
			Offset:  p.OverlayOffset,
			Size:    p.OverlaySize,
			Entropy: p.OverlayEntropy(),
		}
	}
	return info
}
