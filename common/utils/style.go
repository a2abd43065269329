package utils

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)
}

var (
	RedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#cc0000"))
	OrangeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ff7c28"))
	YellowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#cc9500"))
	GreenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#06cc00"))
	LightBlueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3cc5ff"))
	PurpleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7400e0"))
	GrayStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#adadad"))

	// CellHeaderStyle renders the "In [n]" banner above each executed cell.
	CellHeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3cc5ff")).
			Bold(true)

	// StderrStyle renders kernel stderr stream output.
	StderrStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ff9a59"))

	// TracebackStyle renders kernel exception tracebacks.
	TracebackStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#cc0000"))
)
