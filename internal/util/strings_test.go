package util

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"fits", "codex", 10, "codex"},
		{"exact", "codex", 5, "codex"},
		{"cut", "rate limit exceeded", 10, "rate li..."},
		{"tiny limit", "codex", 3, "..."},
		{"zero limit", "codex", 0, "..."},
		{"multibyte runes", "日本語のテキスト", 6, "日本語..."},
		{"empty", "", 5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateString(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestTruncateANSI(t *testing.T) {
	red := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	tests := []struct {
		name     string
		input    string
		maxWidth int
		wantSame bool
	}{
		{"plain fits", "resumable", 20, true},
		{"plain cut", "invalid_encrypted_content", 12, false},
		{"styled fits", red.Render("dead"), 10, true},
		{"styled cut", red.Render("session expired after turn limit"), 10, false},
		{"wide characters", "日本語日本語日本語", 8, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateANSI(tt.input, tt.maxWidth)
			if w := lipgloss.Width(got); w > tt.maxWidth {
				t.Errorf("width = %d, exceeds %d", w, tt.maxWidth)
			}
			if tt.wantSame && got != tt.input {
				t.Errorf("TruncateANSI() = %q, want input unchanged", got)
			}
			if !tt.wantSame && !strings.Contains(got, Ellipsis) {
				t.Errorf("TruncateANSI() = %q, want an ellipsis", got)
			}
		})
	}

	if got := TruncateANSI("anything", 2); got != Ellipsis {
		t.Errorf("TruncateANSI(_, 2) = %q, want %q", got, Ellipsis)
	}
}

func TestSingleLine(t *testing.T) {
	in := "exit status 1:\n  stream disconnected\tbefore completion  "
	want := "exit status 1: stream disconnected before completion"
	if got := SingleLine(in); got != want {
		t.Errorf("SingleLine() = %q, want %q", got, want)
	}
}
