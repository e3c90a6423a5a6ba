// Package tui renders tide's human-readable output.
//
// Colors are adaptive so they read on light and dark terminals, and every
// status is shown as icon, color and text together so nothing depends on
// color alone. Colors are dropped when NO_COLOR is set, TERM is dumb, or
// stdout is not a terminal.
package tui

import (
	"os"
	"strings"

	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/mrz1836/tide/internal/constants"
)

//nolint:gochecknoglobals // styling palette
var (
	// ColorPrimary marks active phases and in-progress work.
	ColorPrimary = lipgloss.AdaptiveColor{Light: "#0087AF", Dark: "#00D7FF"}

	// ColorSuccess marks completed work.
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#008700", Dark: "#00FF87"}

	// ColorWarning marks work waiting on someone.
	ColorWarning = lipgloss.AdaptiveColor{Light: "#AF8700", Dark: "#FFD700"}

	// ColorError marks failed and blocked work.
	ColorError = lipgloss.AdaptiveColor{Light: "#AF0000", Dark: "#FF5F5F"}

	// ColorMuted is for secondary text.
	ColorMuted = lipgloss.AdaptiveColor{Light: "#585858", Dark: "#6C6C6C"}

	// StyleBold is bold text.
	StyleBold = lipgloss.NewStyle().Bold(true)

	titleCaser = cases.Title(language.English)
)

// OutputStyles holds the message styles.
type OutputStyles struct {
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Dim     lipgloss.Style
	Header  lipgloss.Style
}

// NewOutputStyles returns the message styles.
func NewOutputStyles() *OutputStyles {
	return &OutputStyles{
		Success: lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true),
		Error:   lipgloss.NewStyle().Foreground(ColorError).Bold(true),
		Warning: lipgloss.NewStyle().Foreground(ColorWarning),
		Info:    lipgloss.NewStyle().Foreground(ColorPrimary),
		Dim:     lipgloss.NewStyle().Foreground(ColorMuted),
		Header: lipgloss.NewStyle().Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#333333", Dark: "#DDDDDD"}),
	}
}

// CheckNoColor switches lipgloss to plain ASCII when colors are unwanted.
func CheckNoColor() {
	if !HasColorSupport() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// HasColorSupport reports whether stdout should get colors.
func HasColorSupport() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	p := colorprofile.Detect(os.Stdout, os.Environ())
	return p != colorprofile.NoTTY && p != colorprofile.Ascii
}

// Title turns an enum value such as AWAITING_REVIEW or in_progress into
// "Awaiting Review" or "In Progress".
func Title(value string) string {
	return titleCaser.String(strings.ToLower(strings.ReplaceAll(value, "_", " ")))
}

// PhaseColor returns the color of a lifecycle phase.
func PhaseColor(p constants.Phase) lipgloss.AdaptiveColor {
	switch p {
	case constants.PhaseCompleted:
		return ColorSuccess
	case constants.PhaseFailed:
		return ColorError
	case constants.PhaseAwaitingReview, constants.PhaseReadyToMerge:
		return ColorWarning
	case constants.PhaseInit, constants.PhaseExecute, constants.PhaseReviewProcessing:
		return ColorPrimary
	}
	return ColorMuted
}

// RenderPhase renders a phase with its color.
func RenderPhase(p constants.Phase) string {
	return lipgloss.NewStyle().Foreground(PhaseColor(p)).Bold(true).Render(Title(string(p)))
}

// TaskStatusIcon returns the icon of a task status.
func TaskStatusIcon(s constants.TaskStatus) string {
	switch s {
	case constants.TaskStatusPending:
		return "○"
	case constants.TaskStatusInProgress:
		return "●"
	case constants.TaskStatusCompleted:
		return "✓"
	case constants.TaskStatusFailed:
		return "✗"
	case constants.TaskStatusBlocked:
		return "⊘"
	}
	return "?"
}

// TaskStatusColor returns the color of a task status.
func TaskStatusColor(s constants.TaskStatus) lipgloss.AdaptiveColor {
	switch s {
	case constants.TaskStatusCompleted:
		return ColorSuccess
	case constants.TaskStatusInProgress:
		return ColorPrimary
	case constants.TaskStatusFailed, constants.TaskStatusBlocked:
		return ColorError
	case constants.TaskStatusPending:
		return ColorMuted
	}
	return ColorMuted
}

// RenderTaskStatus renders icon and text in the status color.
func RenderTaskStatus(s constants.TaskStatus) string {
	return lipgloss.NewStyle().Foreground(TaskStatusColor(s)).Render(TaskStatusIcon(s) + " " + Title(string(s)))
}

// RenderOutcome renders a wave outcome.
func RenderOutcome(o constants.WaveOutcome) string {
	color := ColorMuted
	switch o {
	case constants.WaveOutcomeComplete:
		color = ColorSuccess
	case constants.WaveOutcomePartial:
		color = ColorWarning
	case constants.WaveOutcomeBlocked:
		color = ColorError
	}
	if o == "" {
		return lipgloss.NewStyle().Foreground(color).Render("-")
	}
	return lipgloss.NewStyle().Foreground(color).Render(Title(string(o)))
}
