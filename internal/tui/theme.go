package tui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Theme holds the lipgloss styles for the shell. One calm palette;
// FORGECHAT_NO_COLOR=1 strips it for dumb terminals.
type Theme struct {
	TextPrimary lipgloss.AdaptiveColor
	TextMuted   lipgloss.AdaptiveColor
	Accent      lipgloss.AdaptiveColor
	Success     lipgloss.AdaptiveColor
	Warn        lipgloss.AdaptiveColor
	Error       lipgloss.AdaptiveColor
	Border      lipgloss.AdaptiveColor

	TopBar   lipgloss.Style
	Footer   lipgloss.Style
	InputBox lipgloss.Style
	Spinner  lipgloss.Style

	RoleYou  lipgloss.Style
	RoleAI   lipgloss.Style
	RoleSys  lipgloss.Style
	RoleErr  lipgloss.Style
	Thinking lipgloss.Style
	ToolOK   lipgloss.Style
	ToolErr  lipgloss.Style
	TurnMeta lipgloss.Style

	NoticeInfo lipgloss.Style
	NoticeWarn lipgloss.Style
	NoticeErr  lipgloss.Style

	Highlighted lipgloss.Style
}

func NewTheme() Theme {
	if os.Getenv("FORGECHAT_NO_COLOR") == "1" {
		return newNoColorTheme()
	}

	t := Theme{
		TextPrimary: lipgloss.AdaptiveColor{Light: "#1F2933", Dark: "#E5E9F0"},
		TextMuted:   lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#8B93A7"},
		Accent:      lipgloss.AdaptiveColor{Light: "#2563EB", Dark: "#7AA2F7"},
		Success:     lipgloss.AdaptiveColor{Light: "#15803D", Dark: "#9ECE6A"},
		Warn:        lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#E0AF68"},
		Error:       lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F7768E"},
		Border:      lipgloss.AdaptiveColor{Light: "#D1D5DB", Dark: "#3B4261"},
	}

	t.TopBar = lipgloss.NewStyle().Bold(true).Foreground(t.TextPrimary)
	t.Footer = lipgloss.NewStyle().Foreground(t.TextMuted)
	t.InputBox = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(t.Border)
	t.Spinner = lipgloss.NewStyle().Foreground(t.Accent)

	t.RoleYou = lipgloss.NewStyle().Bold(true).Foreground(t.Accent)
	t.RoleAI = lipgloss.NewStyle().Foreground(t.TextPrimary)
	t.RoleSys = lipgloss.NewStyle().Foreground(t.TextMuted)
	t.RoleErr = lipgloss.NewStyle().Foreground(t.Error)
	t.Thinking = lipgloss.NewStyle().Italic(true).Foreground(t.TextMuted)
	t.ToolOK = lipgloss.NewStyle().Foreground(t.Success)
	t.ToolErr = lipgloss.NewStyle().Foreground(t.Error)
	t.TurnMeta = lipgloss.NewStyle().Faint(true).Foreground(t.TextMuted)

	t.NoticeInfo = lipgloss.NewStyle().Foreground(t.Accent)
	t.NoticeWarn = lipgloss.NewStyle().Foreground(t.Warn)
	t.NoticeErr = lipgloss.NewStyle().Bold(true).Foreground(t.Error)

	t.Highlighted = lipgloss.NewStyle().Reverse(true)

	return t
}

func newNoColorTheme() Theme {
	plain := lipgloss.NewStyle()
	return Theme{
		TopBar:      plain.Bold(true),
		Footer:      plain,
		InputBox:    plain.Border(lipgloss.NormalBorder()),
		Spinner:     plain,
		RoleYou:     plain.Bold(true),
		RoleAI:      plain,
		RoleSys:     plain,
		RoleErr:     plain.Bold(true),
		Thinking:    plain.Italic(true),
		ToolOK:      plain,
		ToolErr:     plain.Bold(true),
		TurnMeta:    plain.Faint(true),
		NoticeInfo:  plain,
		NoticeWarn:  plain,
		NoticeErr:   plain.Bold(true),
		Highlighted: plain.Reverse(true),
	}
}
