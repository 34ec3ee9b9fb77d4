package dnmeta

// DataDirectory is an {RVA, Size} pair from the PE optional header or the CLR header.
type DataDirectory struct {
	RVA  uint32 `json:"rva" cbor:"rva"`
	Size uint32 `json:"size" cbor:"size"`
}

// ImageAccessor gives random access to a mapped executable image by RVA. Every read
// must be bounds-checked against the image and fail with common.KindOutOfRange.
type ImageAccessor interface {
	Read(rva, length uint32) ([]byte, error)
	// ReadCString returns the bytes of the NUL-terminated string at rva, without the NUL.
	ReadCString(rva uint32) ([]byte, error)
	RVAToPhysical(rva uint32) (uint32, error)
	// CLRDataDirectory returns data directory entry 14 (the COM descriptor).
	CLRDataDirectory() (DataDirectory, error)
}
