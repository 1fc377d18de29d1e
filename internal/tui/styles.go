package tui

import "github.com/charmbracelet/lipgloss"

// Colors used throughout the TUI.
var (
	ColorRed     = lipgloss.Color("#FF0000")
	ColorGreen   = lipgloss.Color("#00FF00")
	ColorYellow  = lipgloss.Color("#FFFF00")
	ColorCyan    = lipgloss.Color("#00FFFF")
	ColorGray    = lipgloss.Color("#666666")
	ColorDimGray = lipgloss.Color("#444444")
	ColorWhite   = lipgloss.Color("#FFFFFF")
	ColorMagenta = lipgloss.Color("#FF00FF")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorCyan)

	ProgressStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	QuestionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorWhite)

	RecordingDotStyle = lipgloss.NewStyle().
				Foreground(ColorRed).
				Bold(true)

	IdleDotStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	TranscribingStyle = lipgloss.NewStyle().
				Foreground(ColorMagenta)

	ReviewStyle = lipgloss.NewStyle().
			Foreground(ColorYellow).
			Bold(true)

	ConfirmedStyle = lipgloss.NewStyle().
			Foreground(ColorGreen).
			Bold(true)

	PendingTextStyle = lipgloss.NewStyle().
				Foreground(ColorYellow)

	AnswerIndexStyle = lipgloss.NewStyle().
				Foreground(ColorCyan)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorRed).
			Bold(true)

	DimStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	FooterKeyStyle = lipgloss.NewStyle().
			Foreground(ColorYellow).
			Bold(true)

	FooterDescStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	DividerStyle = lipgloss.NewStyle().
			Foreground(ColorDimGray)
)
