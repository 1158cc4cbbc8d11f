// Package util holds small text and time helpers shared by the assessor and
// the CLI.
package util

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// Ellipsis marks truncated text.
const Ellipsis = "..."

// TruncateString cuts s to at most maxLen runes, ending in Ellipsis when
// anything was removed. It ignores display width; use TruncateANSI for text
// headed to a terminal.
func TruncateString(s string, maxLen int) string {
	if maxLen <= len(Ellipsis) {
		return Ellipsis
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-len(Ellipsis)]) + Ellipsis
}

// TruncateANSI cuts s to at most maxWidth terminal columns. Escape sequences
// are preserved and wide characters count for their display width.
func TruncateANSI(s string, maxWidth int) string {
	if maxWidth <= len(Ellipsis) {
		return Ellipsis
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, Ellipsis)
}

// SingleLine collapses every run of whitespace, newlines included, into one
// space so multi-line errors fit a table cell or a log summary.
func SingleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
