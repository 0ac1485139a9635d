// Package ui holds terminal styling for CLI output.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// Ok renders s in the success color.
func Ok(s string) string { return okStyle.Render(s) }

// Warn renders s in the warning color.
func Warn(s string) string { return warnStyle.Render(s) }

// Fail renders s in the failure color.
func Fail(s string) string { return failStyle.Render(s) }

// Accent renders s highlighted.
func Accent(s string) string { return accentStyle.Render(s) }

// Dim renders s de-emphasized.
func Dim(s string) string { return dimStyle.Render(s) }

// Header renders a section heading.
func Header(s string) string { return headerStyle.Render(s) }

// StatusBadge maps a sync status string to its styled form.
func StatusBadge(status string) string {
	switch status {
	case "success":
		return Ok(status)
	case "error":
		return Fail(status)
	case "syncing":
		return Accent(status)
	default:
		return Dim(status)
	}
}
