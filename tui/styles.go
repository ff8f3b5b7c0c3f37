package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	kindStyle    = lipgloss.NewStyle().Bold(true).Width(20)
)

// Title renders a heading.
func Title(s string) string { return titleStyle.Render(s) }

// Success renders s in the success color.
func Success(s string) string { return successStyle.Render(s) }

// Failure renders s in the error color.
func Failure(s string) string { return errorStyle.Render(s) }

// Warn renders s in the warning color.
func Warn(s string) string { return warnStyle.Render(s) }

// Dim renders secondary text.
func Dim(s string) string { return dimStyle.Render(s) }

// Field is one labelled row of a key/value block.
type Field struct {
	Label string
	Value string
}

// Fields renders aligned label/value rows.
func Fields(rows []Field) string {
	width := 12
	for _, r := range rows {
		width = max(width, len(r.Label)+1)
	}
	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Width(width).Render(r.Label), valueStyle.Render(r.Value))
	}
	return b.String()
}

// StateBadge colors an engine state name.
func StateBadge(state string) string {
	switch state {
	case "synced":
		return successStyle.Render(state)
	case "error":
		return errorStyle.Render(state)
	case "syncing":
		return warnStyle.Render(state)
	case "":
		return dimStyle.Render("unknown")
	}
	return valueStyle.Render(state)
}
