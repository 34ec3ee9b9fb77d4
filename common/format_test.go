package common

import (
	"errors"
	"strings"
	"testing"
)

func TestFormatFileSize(t *testing.T) {
	tests := []struct {
		size int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1024 * 1024, "1.0 MiB"},
		{5 * 1024 * 1024 * 1024, "5.0 GiB"},
	}
	for _, tt := range tests {
		if got := FormatFileSize(tt.size); got != tt.want {
			t.Errorf("FormatFileSize(%d) = %q, want %q", tt.size, got, tt.want)
		}
	}
}

func TestHeading(t *testing.T) {
	got := Heading("📦 STREAMS")
	lines := strings.Split(got, "\n")
	if len(lines) != 2 || lines[0] != "📦 STREAMS" {
		t.Fatalf("unexpected heading %q", got)
	}
	if lines[1] != strings.Repeat("═", 9) {
		t.Errorf("underline = %q", lines[1])
	}
}

func TestFormatOutcome(t *testing.T) {
	tests := []struct {
		name   string
		o      Outcome
		prefix string
		substr string
	}{
		{"found", NewFound("mvid"), SymbolCheck, "FOUND (mvid)"},
		{"ambiguous", NewAmbiguous("typelib", 2), SymbolWarn, "2 candidates"},
		{"absent", NewAbsent("no table", nil), SymbolFail, "ABSENT (no table)"},
		{"absent with error", NewAbsent("no table", errors.New("boom")), SymbolFail, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatOutcome(tt.o)
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("%q does not start with %q", got, tt.prefix)
			}
			if !strings.Contains(got, tt.substr) {
				t.Errorf("%q does not contain %q", got, tt.substr)
			}
		})
	}
}

func TestFormatDetails(t *testing.T) {
	got := FormatDetails("ODDITIES", map[string][]Detail{
		"tables":  {{Message: "2 Assembly rows", IsRisky: true}},
		"streams": {{Message: "duplicate #GUID", Count: 2, IsRisky: true}, {Message: "5 streams"}},
		"empty":   nil,
	})
	lines := strings.Split(got, "\n")
	want := []string{
		"ODDITIES",
		categoryEmoji("streams") + " STREAMS:",
		"   " + SymbolWarn + " duplicate #GUID (x2)",
		"   ✓ 5 streams",
		categoryEmoji("tables") + " TABLES:",
		"   " + SymbolWarn + " 2 Assembly rows",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), got)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}

	if empty := FormatDetails("ODDITIES", nil); !strings.Contains(empty, "Nothing to report") {
		t.Errorf("unexpected empty rendering %q", empty)
	}
}
