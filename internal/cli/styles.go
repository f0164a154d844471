// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// styles.go - Shared styles for CLI output.
//
// Colors are disabled automatically for non-TTY output and when NO_COLOR
// is set.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/ragchat/internal/model"
)

func init() {
	lipgloss.SetColorProfile(GetColorProfile())
}

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	// TitleStyle is used for command titles and headers
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")) // Cyan

	// SectionStyle is used for section headers within commands
	SectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")) // White

	// LabelStyle is used for field labels
	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")) // Light gray

	// ValueStyle is used for regular values
	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")) // Off-white

	// SuccessStyle is used for success messages
	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")). // Green
			Bold(true)

	// ErrorStyle is used for error messages
	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")). // Red
			Bold(true)

	// WarningStyle is used for warnings
	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // Yellow/Orange

	// DimStyle is used for secondary information and hints
	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242")) // Dim gray

	// SeparatorStyle is used for visual separators
	SeparatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")) // Dark gray

	// InfoStyle is used for informational messages
	InfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75")) // Blue
)

// Role styles for the transcript.
var (
	userStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)  // Cyan
	assistantStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("141")).Bold(true) // Purple
	recordingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))            // Red
	processingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))            // Amber
)

// =============================================================================
// HELPERS
// =============================================================================

// RenderSeparator renders a horizontal rule width cells wide (default 40).
func RenderSeparator(width int) string {
	if width <= 0 {
		width = 40
	}
	return SeparatorStyle.Render(strings.Repeat("─", width))
}

// RenderRole renders the speaker label of a turn.
func RenderRole(role model.Role) string {
	switch role {
	case model.RoleUser:
		return userStyle.Render(role.DisplayName())
	case model.RoleAssistant:
		return assistantStyle.Render(role.DisplayName())
	default:
		return DimStyle.Render(role.DisplayName())
	}
}

// RenderVoice renders the voice indicator shown in the prompt. Idle renders
// as the empty string.
func RenderVoice(v model.VoiceState) string {
	switch v {
	case model.VoiceRecording:
		return recordingStyle.Render("[rec]")
	case model.VoiceProcessing:
		return processingStyle.Render("[...]")
	default:
		return ""
	}
}
