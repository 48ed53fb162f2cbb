// SPDX-License-Identifier: MPL-2.0

package cmd

import "github.com/charmbracelet/lipgloss"

// Color palette shared by all CLI output. Tuned for dark terminals.
const (
	// ColorPrimary is purple, for titles and headers.
	ColorPrimary = lipgloss.Color("#7C3AED")

	// ColorMuted is gray, for subtitles and de-emphasized content.
	ColorMuted = lipgloss.Color("#6B7280")

	// ColorSuccess is green, for committed stages and passing checks.
	ColorSuccess = lipgloss.Color("#10B981")

	// ColorError is red, for failed stages and checks.
	ColorError = lipgloss.Color("#EF4444")

	// ColorWarning is amber, for cleanup warnings.
	ColorWarning = lipgloss.Color("#F59E0B")

	// ColorHighlight is blue, for commands, images and keys.
	ColorHighlight = lipgloss.Color("#3B82F6")

	// ColorVerbose is light gray, for verbose details.
	ColorVerbose = lipgloss.Color("#9CA3AF")
)

var (
	// TitleStyle is for primary headers and section titles.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	// SubtitleStyle is for secondary headers and descriptions.
	SubtitleStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	// SuccessStyle is for success messages and positive indicators.
	SuccessStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	// ErrorStyle is for error messages and failure indicators.
	ErrorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorError)

	// WarningStyle is for warning messages.
	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	// CmdStyle is for command names, images and keys.
	CmdStyle = lipgloss.NewStyle().
			Foreground(ColorHighlight)

	// VerboseStyle is for supplementary information.
	VerboseStyle = lipgloss.NewStyle().
			Foreground(ColorVerbose)
)

// stateStyle colors a stage state name.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "committed":
		return SuccessStyle
	case "failed":
		return ErrorStyle
	case "running":
		return CmdStyle
	default:
		return SubtitleStyle
	}
}
