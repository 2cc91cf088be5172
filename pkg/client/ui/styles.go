package ui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	// Color scheme
	PrimaryColor   = lipgloss.Color("39")  // Blue
	SecondaryColor = lipgloss.Color("213") // Pink
	SuccessColor   = lipgloss.Color("42")  // Green
	ErrorColor     = lipgloss.Color("196") // Red
	WarningColor   = lipgloss.Color("214") // Orange
	MutedColor     = lipgloss.Color("243") // Gray
	BorderColor    = lipgloss.Color("238") // Dark gray

	BaseStyle = lipgloss.NewStyle()

	HeaderStyle = BaseStyle.
			Bold(true).
			Foreground(PrimaryColor).
			Padding(0, 1)

	StatusStyle = BaseStyle.
			Foreground(MutedColor).
			Padding(0, 1)

	ErrorStyle = BaseStyle.
			Foreground(ErrorColor).
			Bold(true).
			Padding(0, 1)

	// Scrollback line styles, chosen by message kind
	SystemLineStyle  = BaseStyle.Foreground(MutedColor).Italic(true)
	PrivateLineStyle = BaseStyle.Foreground(SecondaryColor)
	ErrorLineStyle   = BaseStyle.Foreground(ErrorColor)
	OwnLineStyle     = BaseStyle.Foreground(SuccessColor)
	ListingLineStyle = BaseStyle.Foreground(WarningColor)

	ScrollbackStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor)

	UserPaneStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor).
			Padding(0, 1)

	UserTitleStyle = BaseStyle.
			Bold(true).
			Foreground(PrimaryColor)

	SelfUserStyle = BaseStyle.
			Foreground(SuccessColor).
			Bold(true)

	InputStyle = BaseStyle.
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(BorderColor)
)
