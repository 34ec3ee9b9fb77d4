package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/kenzobenj/dnparser/common"
	"github.com/kenzobenj/dnparser/dnmeta"
	"github.com/kenzobenj/dnparser/elfrw"
	"github.com/kenzobenj/dnparser/perw"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("report: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ParseFormat accepts the names used on the command line and in config files.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON, FormatCBOR:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or cbor)", s)
	}
}

// Image is the analysis of one PE image, either the file itself or one carved out of
// a single-file host.
type Image struct {
	Offset    int64          `json:"offset" cbor:"offset"`
	Size      int64          `json:"size" cbor:"size"`
	PE        *perw.FileInfo `json:"pe,omitempty" cbor:"pe,omitempty"`
	Metadata  *dnmeta.Report `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	Managed   bool           `json:"managed" cbor:"managed"`
	Error     string         `json:"error,omitempty" cbor:"error,omitempty"`
	ErrorKind common.Kind    `json:"error_kind,omitempty" cbor:"error_kind,omitempty"`
}

// FileReport is everything printed for one input file.
type FileReport struct {
	Path         string  `json:"path" cbor:"path"`
	Container    string  `json:"container" cbor:"container"` // "pe" or "elf"
	Size         int64   `json:"size" cbor:"size"`
	Image        *Image  `json:"image,omitempty" cbor:"image,omitempty"`
	BundleMarker bool    `json:"bundle_marker,omitempty" cbor:"bundle_marker,omitempty"`
	BundleHeader int64   `json:"bundle_header,omitempty" cbor:"bundle_header,omitempty"`
	ContentEnd   uint64  `json:"content_end,omitempty" cbor:"content_end,omitempty"`
	Embedded     []Image `json:"embedded,omitempty" cbor:"embedded,omitempty"`
}

// Managed reports whether any image in the file carries CLR metadata.
func (r *FileReport) Managed() bool {
	if r.Image != nil && r.Image.Managed {
		return true
	}
	for _, e := range r.Embedded {
		if e.Managed {
			return true
		}
	}
	return false
}

// AnalyzeImage runs the metadata analysis over a parsed PE. A non-managed image or a
// broken metadata root is recorded on the image, not returned.
func AnalyzeImage(pf *perw.PEFile, opts dnmeta.Options) Image {
	info := pf.Info()
	img := Image{Size: pf.FileSize, PE: &info}

	rep, err := dnmeta.Analyze(pf, opts)
	if err != nil {
		img.Error = err.Error()
		img.ErrorKind = common.KindOf(err)
		if !errors.Is(err, common.ErrNotManaged) {
			Logger().Warn("metadata analysis failed", zap.String("file", pf.FileName), zap.Error(err))
		}
		return img
	}
	img.Metadata = rep
	img.Managed = true
	return img
}

// FromPE analyzes a PE file. With scanEmbedded set the overlay is searched for further
// images as well.
func FromPE(pf *perw.PEFile, opts dnmeta.Options, scanEmbedded bool) *FileReport {
	img := AnalyzeImage(pf, opts)
	fr := &FileReport{
		Path:      pf.FileName,
		Container: "pe",
		Size:      pf.FileSize,
		Image:     &img,
	}
	if scanEmbedded && pf.HasOverlay {
		fr.Embedded = analyzeEmbedded(pf.FileName, pf.RawData, perw.FindEmbeddedImages(pf.Overlay(), pf.OverlayOffset), opts)
	}
	return fr
}

// FromELF scans an ELF host for PE images stored after its own content.
func FromELF(ef *elfrw.ELFFile, opts dnmeta.Options) *FileReport {
	fr := &FileReport{
		Path:         ef.FileName,
		Container:    "elf",
		Size:         int64(len(ef.RawData)),
	}
	fr.BundleHeader, fr.BundleMarker = ef.BundleHeaderOffset()
	if end, err := ef.ContentEnd(); err == nil {
		fr.ContentEnd = end
	} else {
		Logger().Warn("cannot size elf content", zap.String("file", ef.FileName), zap.Error(err))
	}
	fr.Embedded = analyzeEmbedded(ef.FileName, ef.RawData, ef.ScanEmbedded(), opts)
	return fr
}

func analyzeEmbedded(host string, raw []byte, found []perw.EmbeddedImage, opts dnmeta.Options) []Image {
	out := make([]Image, 0, len(found))
	for _, e := range found {
		name := fmt.Sprintf("%s@0x%X", host, e.Offset)
		pf, err := perw.FromBytes(name, raw[e.Offset:e.Offset+e.Size])
		if err != nil {
			out = append(out, Image{
				Offset:    e.Offset,
				Size:      e.Size,
				Error:     err.Error(),
				ErrorKind: common.KindOf(err),
			})
			continue
		}
		img := AnalyzeImage(pf, opts)
		img.Offset = e.Offset
		out = append(out, img)
	}
	return out
}

// Write encodes the reports in the requested format.
func Write(w io.Writer, format Format, reports []*FileReport) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	case FormatCBOR:
		data, err := cborEncMode.Marshal(reports)
		if err != nil {
			return fmt.Errorf("report: marshal cbor: %w", err)
		}
		_, err = w.Write(data)
		return err
	case FormatText, "":
		var b strings.Builder
		for _, r := range reports {
			renderFile(&b, r)
		}
		_, err := io.WriteString(w, b.String())
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
