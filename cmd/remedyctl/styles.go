package main

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("46")).
		Bold(true)

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238"))
)

// stateStyle colors a ledger state.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "COMPLETED":
		return okStyle
	case "FAILED":
		return errorStyle
	case "ABORTED":
		return warningStyle
	case "RECEIVED", "ACTIVE":
		return activeStyle
	default:
		return dimStyle
	}
}
