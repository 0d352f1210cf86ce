package main

import "github.com/charmbracelet/lipgloss"

var (
	keywordStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#04B575", Dark: "#ECFD65"})
	paraStyle    = lipgloss.NewStyle().Width(78).Padding(0, 0, 0, 2)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#D75F00", Dark: "#FFAF00"})
	titleStyle   = lipgloss.NewStyle().Bold(true)
)

func keyword(s string) string {
	return keywordStyle.Render(s)
}

func paragraph(s string) string {
	return paraStyle.Render(s)
}
