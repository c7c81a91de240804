package console

import "github.com/charmbracelet/lipgloss"

// Color palette - modern dark theme
var (
	primaryColor = lipgloss.Color("#7C3AED") // Purple
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#EF4444") // Red
	mutedColor   = lipgloss.Color("#6B7280") // Gray
	textColor    = lipgloss.Color("#F9FAFB") // White
	borderColor  = lipgloss.Color("#374151") // Border
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	selectedItemStyle = lipgloss.NewStyle().
				Foreground(textColor).
				Background(primaryColor).
				Padding(0, 1).
				Bold(true)

	itemStyle = lipgloss.NewStyle().
			Foreground(textColor).
			Padding(0, 1)

	phaseStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	dimStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	statusOKStyle = lipgloss.NewStyle().
			Foreground(successColor)

	statusErrStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	promptStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)
)
