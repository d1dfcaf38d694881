package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"forgechat/internal/chat"
)

// textKindLabels maps the agent text sub-kinds to their display prefix.
// Chat text has no prefix; it is the assistant's main voice.
var textKindLabels = map[chat.TextKind]string{
	chat.TextThinking:   "Thinking",
	chat.TextSummary:    "Summary",
	chat.TextReviewer:   "Reviewer",
	chat.TextQuestioner: "Questioner",
	chat.TextExpert:     "Expert",
	chat.TextEnhancer:   "Enhanced prompt",
}

// FormatItems renders the timeline for the chat viewport, one block per
// item, wrapped to width.
func FormatItems(items []*chat.RenderItem, theme Theme, width int) string {
	if width < 20 {
		width = 20
	}
	var blocks []string
	for _, item := range items {
		if block := formatItem(item, theme, width); block != "" {
			blocks = append(blocks, block)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func formatItem(item *chat.RenderItem, theme Theme, width int) string {
	switch item.Kind {
	case chat.KindUser:
		return formatUser(item.User, theme, width)
	case chat.KindText:
		return formatText(item.Text, theme, width)
	case chat.KindToolCall:
		return formatToolCall(item.Tool, theme)
	case chat.KindTurnEnd:
		return formatTurnEnd(item.TurnEnd, theme)
	}
	return ""
}

func formatUser(p *chat.UserPayload, theme Theme, width int) string {
	header := theme.RoleYou.Render("You")
	body := wrap(p.Content, width)
	if len(p.Files) > 0 {
		names := make([]string, len(p.Files))
		for i, f := range p.Files {
			names[i] = f.OriginalName
		}
		body += "\n" + theme.TurnMeta.Render("attached: "+strings.Join(names, ", "))
	}
	return header + "\n" + body
}

func formatText(p *chat.TextPayload, theme Theme, width int) string {
	var style lipgloss.Style
	switch p.Kind {
	case chat.TextError:
		style = theme.RoleErr
	case chat.TextThinking:
		style = theme.Thinking
	case chat.TextUserOriginal, chat.TextUserAnswer:
		style = theme.RoleYou
	default:
		style = theme.RoleAI
	}

	content := p.Content
	if p.Streaming {
		content += " ▌"
	}

	var header string
	switch p.Kind {
	case chat.TextUserOriginal:
		header = theme.RoleYou.Render("You (original)")
	case chat.TextUserAnswer:
		header = theme.RoleYou.Render("You")
	case chat.TextError:
		header = theme.RoleErr.Render("Error")
	default:
		if label, ok := textKindLabels[p.Kind]; ok {
			header = theme.RoleSys.Render(label)
		}
	}

	block := style.Render(wrap(content, width))
	if p.Aborted {
		block += "\n" + theme.TurnMeta.Render("(cancelled)")
	}
	if header == "" {
		return block
	}
	return header + "\n" + block
}

func formatToolCall(p *chat.ToolCallPayload, theme Theme) string {
	switch p.Status {
	case chat.ToolRunning:
		return theme.RoleSys.Render("• " + p.ToolName + " …")
	case chat.ToolFailed:
		line := theme.ToolErr.Render("• " + p.ToolName + " (failed)")
		if p.Summary != "" {
			line += "\n  " + theme.RoleSys.Render(p.Summary)
		}
		return line
	default:
		line := theme.ToolOK.Render("• " + p.ToolName)
		if p.Summary != "" {
			line += "\n  " + theme.RoleSys.Render(p.Summary)
		}
		return line
	}
}

func formatTurnEnd(p *chat.TurnEndPayload, theme Theme) string {
	parts := []string{"turn finished"}
	if p.Tokens != nil {
		parts = append(parts, fmt.Sprintf("%d tokens", p.Tokens.TotalTokens))
	} else {
		parts = append(parts, "cancelled")
	}
	switch p.Feedback {
	case chat.FeedbackLike:
		parts = append(parts, "liked")
	case chat.FeedbackDislike:
		parts = append(parts, "disliked")
	}
	return theme.TurnMeta.Render("── " + strings.Join(parts, " · ") + " ──")
}

// wrap soft-wraps text to width, preserving existing newlines.
func wrap(text string, width int) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		out = append(out, wrapLine(line, width))
	}
	return strings.Join(out, "\n")
}

func wrapLine(line string, width int) string {
	words := strings.Fields(line)
	if len(words) == 0 {
		return line
	}
	var b strings.Builder
	length := 0
	for i, word := range words {
		wlen := len([]rune(word))
		if i > 0 {
			if length+1+wlen > width {
				b.WriteByte('\n')
				length = 0
			} else {
				b.WriteByte(' ')
				length++
			}
		}
		b.WriteString(word)
		length += wlen
	}
	return b.String()
}
