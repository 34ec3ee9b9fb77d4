package report

import (
	"fmt"
	"strings"

	"github.com/kenzobenj/dnparser/common"
	"github.com/kenzobenj/dnparser/dnmeta"
)

func renderFile(b *strings.Builder, r *FileReport) {
	b.WriteString("╔══════════════════════════════════════════════════════════════════════════════╗\n")
	b.WriteString("║                         .NET METADATA FACT REPORT                            ║\n")
	b.WriteString("╚══════════════════════════════════════════════════════════════════════════════╝\n\n")

	fmt.Fprintf(b, "File Name:       %s\n", r.Path)
	fmt.Fprintf(b, "File Size:       %s (%d bytes)\n", common.FormatFileSize(r.Size), r.Size)
	fmt.Fprintf(b, "Container:       %s\n", strings.ToUpper(r.Container))
	if r.Container == "elf" {
		if r.BundleMarker {
			fmt.Fprintf(b, "Bundle Marker:   %s Present (header at 0x%X)\n", common.SymbolWarn, r.BundleHeader)
		} else {
			fmt.Fprintf(b, "Bundle Marker:   Not found\n")
		}
		fmt.Fprintf(b, "Content End:     0x%X\n", r.ContentEnd)
	}
	b.WriteString("\n")

	if r.Image != nil {
		renderImage(b, r.Image)
	}
	if len(r.Embedded) > 0 || r.Container == "elf" {
		b.WriteString(common.Heading("📎 EMBEDDED IMAGES") + "\n")
		if len(r.Embedded) == 0 {
			fmt.Fprintf(b, "%s No embedded PE images found\n\n", common.SymbolInfo)
		}
		for i := range r.Embedded {
			e := &r.Embedded[i]
			fmt.Fprintf(b, "Image %d:         offset 0x%X, %s\n\n", i+1, e.Offset, common.FormatFileSize(e.Size))
			renderImage(b, e)
		}
	}
	if r.Managed() {
		renderTips(b)
	}
}

var ruleTips = []string{
	"A regular image has the five standard streams. Extra or missing streams stand out.",
	"Assembly and module names live in #Strings and make good plain strings in rules.",
	"An unusual assembly version is easiest to match through its hex form.",
	"The MVID changes on every build but follows a sample through repacking. It is stored in #GUID, so match the hex bytes.",
	"The TypeLib ID stays fixed for a project across builds and is stored as text. It is preceded by its length byte 0x24 ('$'), so the fullword modifier will not match it.",
}

func renderTips(b *strings.Builder) {
	b.WriteString(common.Heading("💡 YARA TIPS") + "\n")
	for _, tip := range ruleTips {
		fmt.Fprintf(b, "   • %s\n", tip)
	}
	b.WriteString("\n")
}

func renderImage(b *strings.Builder, img *Image) {
	if pe := img.PE; pe != nil {
		b.WriteString(common.Heading("📁 BINARY INFORMATION") + "\n")
		fmt.Fprintf(b, "Architecture:    %s\n", map[bool]string{true: "x64 (64-bit)", false: "x86 (32-bit)"}[pe.Is64Bit])
		if pe.Machine != "" {
			fmt.Fprintf(b, "Machine Type:    %s\n", pe.Machine)
		}
		fmt.Fprintf(b, "File Type:       %s\n", pe.FileType)
		fmt.Fprintf(b, "Compile Time:    %s\n", pe.TimeDateStamp)
		fmt.Fprintf(b, "Subsystem:       %s\n", pe.Subsystem)
		if pe.Checksum != "" {
			fmt.Fprintf(b, "Checksum:        %s\n", pe.Checksum)
		}
		fmt.Fprintf(b, "MD5 Hash:        %s\n", pe.MD5)
		fmt.Fprintf(b, "SHA256 Hash:     %s\n", pe.SHA256)
		if pe.PDB != "" {
			fmt.Fprintf(b, "Debug Info:      %s\n", pe.PDB)
		}
		if pe.GUIDAge != "" {
			fmt.Fprintf(b, "GUID/Age:        %s\n", pe.GUIDAge)
		}
		fmt.Fprintf(b, "Packed Status:   %s\n", map[bool]string{true: "❌ Likely PACKED", false: "✅ Not packed"}[pe.IsPacked])
		if pe.Overlay != nil {
			fmt.Fprintf(b, "Overlay Status:  %s Present at 0x%X (%s, entropy %.2f)\n",
				common.SymbolWarn, pe.Overlay.Offset, common.FormatFileSize(pe.Overlay.Size), pe.Overlay.Entropy)
		}
		for _, w := range pe.Warnings {
			fmt.Fprintf(b, "%s %s\n", common.SymbolWarn, w)
		}
		b.WriteString("\n")
	}

	if img.Error != "" {
		symbol := common.SymbolFail
		if img.ErrorKind == common.KindNotManaged {
			symbol = common.SymbolInfo
		}
		fmt.Fprintf(b, "%s %s\n\n", symbol, img.Error)
	}
	if img.Metadata != nil {
		renderMetadata(b, img.Metadata)
	}
}

func renderMetadata(b *strings.Builder, rep *dnmeta.Report) {
	b.WriteString(common.Heading("🧩 METADATA ROOT") + "\n")
	fmt.Fprintf(b, "Root:            RVA 0x%X, %d bytes\n", rep.Root.RVA, rep.Root.Size)
	if rep.Streams != nil {
		fmt.Fprintf(b, "Version:         %s (%d.%d)\n", rep.Streams.Version, rep.Streams.MajorVersion, rep.Streams.MinorVersion)
		fmt.Fprintf(b, "Streams:         %d\n", len(rep.Streams.Streams))
		for _, s := range rep.Streams.Streams {
			fmt.Fprintf(b, "   • %-14s RVA 0x%08X  offset 0x%08X  %d bytes\n", s.Name, s.RVA, s.Offset, s.Size)
		}
	}
	b.WriteString("\n")

	if rep.CatalogError != "" {
		fmt.Fprintf(b, "%s Tables unavailable: %s\n\n", common.SymbolFail, rep.CatalogError)
	} else {
		b.WriteString(common.Heading("🗃️  TABLES") + "\n")
		fmt.Fprintf(b, "Schema:          %s\n", rep.Schema)
		fmt.Fprintf(b, "Heap Sizes:      0x%02X\n", rep.HeapFlags)
		fmt.Fprintf(b, "Valid Mask:      0x%016X\n", rep.Valid)
		fmt.Fprintf(b, "Sorted Mask:     0x%016X\n", rep.Sorted)
		for _, t := range rep.Tables {
			fmt.Fprintf(b, "   • 0x%02X %-24s %6d rows × %3d bytes at 0x%08X\n", t.Bit, t.Kind, t.Rows, t.RowSize, t.RVA)
		}
		b.WriteString("\n")
	}

	if m := rep.Module; m != nil {
		b.WriteString(common.Heading("🔑 MODULE") + "\n")
		fmt.Fprintf(b, "Status:          %s\n", common.FormatOutcome(m.Outcome))
		if m.MVIDHex != "" {
			fmt.Fprintf(b, "Name:            %s\n", m.Name)
			fmt.Fprintf(b, "MVID:            %s\n", m.MVID)
			fmt.Fprintf(b, "MVID (bytes):    %s\n", m.MVIDHex)
		}
		b.WriteString("\n")
	}
	if a := rep.Assembly; a != nil {
		b.WriteString(common.Heading("🏷️  ASSEMBLY") + "\n")
		fmt.Fprintf(b, "Status:          %s\n", common.FormatOutcome(a.Outcome))
		if a.Outcome.Found() {
			fmt.Fprintf(b, "Name:            %s\n", a.Name)
			fmt.Fprintf(b, "Version:         %s (%s)\n", a.VersionString(), a.VersionHex)
			if a.Culture != "" {
				fmt.Fprintf(b, "Culture:         %s\n", a.Culture)
			}
		}
		b.WriteString("\n")
	}
	if tl := rep.TypeLib; tl != nil {
		b.WriteString(common.Heading("🔍 TYPELIB") + "\n")
		fmt.Fprintf(b, "Status:          %s\n", common.FormatOutcome(tl.Outcome))
		for _, id := range tl.IDs {
			fmt.Fprintf(b, "   • %s\n", id)
		}
		for _, w := range tl.Warnings {
			fmt.Fprintf(b, "   %s %s\n", common.SymbolWarn, w)
		}
		b.WriteString("\n")
	}
	if len(rep.GUIDs) > 0 {
		b.WriteString(common.Heading("🧾 #GUID ENTRIES") + "\n")
		for i, g := range rep.GUIDs {
			fmt.Fprintf(b, "   %d. %s  %s\n", i+1, g, dnmeta.GUIDHex(g))
		}
		b.WriteString("\n")
	}

	b.WriteString(common.FormatDetails(common.Heading("🚨 ODDITIES"), groupOddities(rep.Oddities)) + "\n\n")
}

func groupOddities(oddities []dnmeta.Oddity) map[string][]common.Detail {
	out := make(map[string][]common.Detail)
	for _, o := range oddities {
		category := "streams"
		switch o.Kind {
		case dnmeta.OddityModuleRows, dnmeta.OddityAssemblyRows, dnmeta.OddityExtraData:
			category = "tables"
		}
		out[category] = append(out[category], common.Detail{Message: o.Detail, IsRisky: true})
	}
	return out
}
