package common

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	SymbolCheck = "✅"
	SymbolWarn  = "⚠️"
	SymbolInfo  = "ℹ️"
	SymbolFail  = "❌"
)

// Detail represents a single line of a report section
type Detail struct {
	Message string
	Count   int
	IsRisky bool
}

// Heading returns a section title underlined to its width
func Heading(title string) string {
	return title + "\n" + strings.Repeat("═", utf8.RuneCountInString(title))
}

// FormatFileSize renders a byte count with a binary unit
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}

// FormatOutcome renders a fact outcome with the status symbol in front
func FormatOutcome(o Outcome) string {
	switch o.Status {
	case StatusFound:
		return SymbolCheck + " " + o.String()
	case StatusAmbiguous:
		return SymbolWarn + " " + o.String()
	}
	return SymbolFail + " " + o.String()
}

// FormatDetails formats categorized details with consistent styling. Categories are
// printed in name order.
func FormatDetails(title string, categories map[string][]Detail) string {
	names := make([]string, 0, len(categories))
	for name, details := range categories {
		if len(details) > 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return title + "\n" + SymbolCheck + " Nothing to report"
	}
	sort.Strings(names)

	var result strings.Builder
	result.WriteString(title)
	result.WriteString("\n")
	for _, category := range names {
		result.WriteString(fmt.Sprintf("%s %s:\n", categoryEmoji(category), strings.ToUpper(category)))
		for _, detail := range categories[category] {
			prefix := "   ✓ "
			if detail.IsRisky {
				prefix = "   " + SymbolWarn + " "
			}
			line := detail.Message
			if detail.Count > 1 {
				line = fmt.Sprintf("%s (x%d)", line, detail.Count)
			}
			result.WriteString(prefix + line + "\n")
		}
	}
	return strings.TrimSuffix(result.String(), "\n")
}

func categoryEmoji(category string) string {
	c := strings.ToLower(category)
	switch {
	case strings.Contains(c, "stream"):
		return "📦"
	case strings.Contains(c, "table"):
		return "🗃️"
	case strings.Contains(c, "guid") || strings.Contains(c, "typelib"):
		return "🔍"
	default:
		return "🛠️"
	}
}
