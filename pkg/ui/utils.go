package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
)

type Style struct {
	Header            lipgloss.Style
	UnselectedMessage lipgloss.Style
	SelectedMessage   lipgloss.Style
	FocusedMessage    lipgloss.Style
	Error             lipgloss.Style
	Branch            lipgloss.Style
}

func DefaultStyles() *Style {
	return &Style{
		Header: lipgloss.NewStyle().Bold(true).Padding(0, 1),
		UnselectedMessage: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		SelectedMessage: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1),
		FocusedMessage: lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("205")).
			Padding(0, 1),
		Error: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("196")).
			Padding(0, 1),
		Branch: lipgloss.NewStyle().Faint(true),
	}
}

func wrapWords(s string, width int) string {
	if width <= 0 {
		return s
	}
	return wordwrap.String(s, width)
}
