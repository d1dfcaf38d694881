package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"forgechat/internal/chat"
	"forgechat/internal/intent"
)

// TimelineChangedMsg is sent into the program whenever the chat timeline
// mutates. The cmd wiring hooks it to Timeline.OnChange.
type TimelineChangedMsg struct{}

type sendDoneMsg struct{ err error }

type spinMsg struct{}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// ForgeCreator submits an assembled forge form server-side.
type ForgeCreator interface {
	CreateForge(ctx context.Context, cfg intent.GeneratedConfig) (int64, error)
}

// FeedbackAPI records per-turn feedback server-side.
type FeedbackAPI interface {
	SubmitFeedback(ctx context.Context, taskID string, messageID int64, kind chat.FeedbackKind, tags []string, content string) error
	CancelFeedback(ctx context.Context, taskID string, messageID int64) error
}

// Deps is everything the shell needs from the wiring layer.
type Deps struct {
	Hub   *ScreenHub
	Theme Theme

	// NewController builds a controller for a task id with its timeline
	// change hook already bound to the running program.
	NewController func(taskID string) *chat.Controller

	// Session and Engine are nil when smart routing is disabled.
	Session *intent.Session
	Engine  *intent.Engine

	Forge    ForgeCreator
	Feedback FeedbackAPI
	Local    chat.Store
	Handoff  chat.Store
	Log      *logrus.Entry
}

// Model is the bubbletea shell: a chat view on task and forge routes, the
// plaza and creation views the auto-operation engine drives, one shared
// input, and the notice feed.
type Model struct {
	deps Deps

	controller *chat.Controller
	input      textarea.Model
	chatVP     viewport.Model

	width      int
	height     int
	spinnerPos int
	lastErr    string

	// formFields mirrors forge-form-update events for the creation view.
	formFields map[string]string
	// toolPicks accumulates the select-tools confirmations for display.
	toolPicks []string
}

func NewModel(deps Deps) *Model {
	ta := textarea.New()
	ta.Placeholder = "Type a message…"
	ta.Focus()
	ta.CharLimit = 8000
	ta.SetWidth(80)
	ta.SetHeight(3)
	ta.Prompt = "▍ "
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.BlurredStyle.CursorLine = lipgloss.NewStyle()

	vp := viewport.New(80, 20)

	m := &Model{
		deps:       deps,
		input:      ta,
		chatVP:     vp,
		width:      80,
		height:     24,
		formFields: make(map[string]string),
	}
	m.adoptRoute(deps.Hub.Route())
	return m
}

// Controller exposes the active task controller, nil outside task routes.
func (m *Model) Controller() *chat.Controller { return m.controller }

func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textarea.Blink, m.spinTick()}
	if m.controller != nil {
		cmds = append(cmds, m.initCmd(m.controller))
	}
	return tea.Batch(cmds...)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.SetWidth(msg.Width - 4)
		m.chatVP.Width = msg.Width - 2
		m.chatVP.Height = max(msg.Height-m.input.Height()-6, 3)
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.controller != nil && m.controller.Streaming() {
				return m, m.cancelCmd()
			}
			return m, tea.Quit
		case tea.KeyEsc:
			if m.controller != nil && m.controller.Streaming() {
				m.controller.DisconnectStream()
				return m, nil
			}
		case tea.KeyCtrlT:
			m.toggleThinking()
			return m, nil
		case tea.KeyCtrlG:
			return m, m.feedbackCmd(chat.FeedbackLike)
		case tea.KeyCtrlB:
			return m, m.feedbackCmd(chat.FeedbackDislike)
		case tea.KeyEnter:
			return m, m.onEnter()
		case tea.KeyPgUp:
			m.chatVP.HalfViewUp()
			return m, nil
		case tea.KeyPgDown:
			m.chatVP.HalfViewDown()
			return m, nil
		}

	case TimelineChangedMsg:
		m.refreshViewport()
		return m, nil

	case ScreenUpdatedMsg:
		return m, m.syncRoute()

	case NoticeMsg:
		return m, nil

	case ScreenEventMsg:
		return m, m.onScreenEvent(msg)

	case sendDoneMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
		} else {
			m.lastErr = ""
		}
		m.refreshViewport()
		return m, nil

	case spinMsg:
		m.spinnerPos = (m.spinnerPos + 1) % len(spinnerFrames)
		return m, m.spinTick()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.chatVP, cmd = m.chatVP.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// syncRoute reacts to hub navigation: adopt the task controller for task
// routes and mirror engine-typed input into the textarea.
func (m *Model) syncRoute() tea.Cmd {
	cmd := m.adoptRoute(m.deps.Hub.Route())
	if c := m.deps.Hub.Control(intent.CtrlChatInput); c != nil {
		if v := c.Value(); v != "" && v != m.input.Value() {
			m.input.SetValue(v)
		}
	}
	m.refreshViewport()
	return cmd
}

// adoptRoute swaps in the controller for a task route and returns its Init
// command when the task is new to this shell.
func (m *Model) adoptRoute(route string) tea.Cmd {
	if taskID, ok := strings.CutPrefix(route, "/task/"); ok {
		if m.controller == nil || m.controller.TaskID != taskID {
			m.controller = m.deps.NewController(taskID)
			return m.initCmd(m.controller)
		}
		return nil
	}
	if route == intent.CreateForgeRoute {
		// Navigation rebuilds the control set; the submit behavior is ours.
		m.deps.Hub.Register(intent.CtrlSubmitButton, m.submitForge)
	}
	return nil
}

func (m *Model) onScreenEvent(msg ScreenEventMsg) tea.Cmd {
	switch msg.Event {
	case intent.EventSend:
		text := ""
		if c := m.deps.Hub.Control(intent.CtrlChatInput); c != nil {
			text = strings.TrimSpace(c.Value())
			c.SetValue("")
		}
		if text == "" {
			text = strings.TrimSpace(m.input.Value())
		}
		m.input.Reset()
		return m.dispatchSend(text)

	case intent.EventFormUpdate:
		field, _ := msg.Detail["field"].(string)
		content, _ := msg.Detail["content"].(string)
		if field != "" {
			m.formFields[field] = content
		}
		return nil

	case intent.EventSelectTools:
		mcpID, _ := msg.Detail["mcpId"].(int64)
		if names, ok := msg.Detail["toolNames"].([]string); ok {
			m.toolPicks = append(m.toolPicks, fmt.Sprintf("mcp %d: %s", mcpID, strings.Join(names, ", ")))
		}
		return nil

	case intent.EventConfirmMCP:
		return nil
	}
	return nil
}

func (m *Model) onEnter() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	m.input.Reset()
	return m.dispatchSend(text)
}

// dispatchSend routes a typed message by the current view: into the running
// task, through smart routing, or into a fresh plain task.
func (m *Model) dispatchSend(text string) tea.Cmd {
	if text == "" {
		return nil
	}
	route := m.deps.Hub.Route()

	if m.controller != nil && strings.HasPrefix(route, "/task/") {
		return m.sendCmd(m.controller, text)
	}

	if route == intent.RoutePlaza && m.deps.Engine != nil {
		engine := m.deps.Engine
		opts := intent.RoutingOptions{
			EnableThinking: m.thinkingEnabled(),
			EnhanceMode:    m.enhanceMode(),
		}
		return func() tea.Msg {
			engine.ExecuteSmartRouting(context.Background(), text, opts)
			return sendDoneMsg{}
		}
	}

	return m.startPlainTask(text)
}

// startPlainTask hands the message off through the session store and
// navigates; adopting the task route schedules Init, which consumes the
// handoff and sends.
func (m *Model) startPlainTask(text string) tea.Cmd {
	taskID := uuid.NewString()
	m.deps.Handoff.Set(chat.InitKey(taskID), text)
	if mode := m.enhanceMode(); mode != "" && mode != "off" {
		m.deps.Handoff.Set(chat.EnhanceModeKey(taskID), mode)
	}
	m.deps.Hub.Navigate(intent.TaskRoute(taskID))
	return m.adoptRoute(m.deps.Hub.Route())
}

func (m *Model) sendCmd(ctl *chat.Controller, text string) tea.Cmd {
	return func() tea.Msg {
		var err error
		if ctl.NeedsReply() {
			err = ctl.SendSmartIterateReply(context.Background(), text)
		} else {
			err = ctl.Send(context.Background(), text, chat.SendOptions{})
		}
		return sendDoneMsg{err: err}
	}
}

func (m *Model) initCmd(ctl *chat.Controller) tea.Cmd {
	return func() tea.Msg {
		return sendDoneMsg{err: ctl.Init(context.Background())}
	}
}

func (m *Model) cancelCmd() tea.Cmd {
	ctl := m.controller
	return func() tea.Msg {
		return sendDoneMsg{err: ctl.CancelRequest(context.Background())}
	}
}

// submitForge runs on the creation form's submit click: create the forge
// from the generated config and route to it.
func (m *Model) submitForge() {
	if m.deps.Forge == nil || m.deps.Session == nil {
		return
	}
	cfg := m.deps.Session.Config()
	if cfg == nil {
		return
	}
	go func() {
		id, err := m.deps.Forge.CreateForge(context.Background(), *cfg)
		if err != nil {
			m.deps.Log.WithError(err).Error("create forge failed")
			m.deps.Hub.Notify(intent.NoticeError, "Creating the forge failed: "+err.Error())
			return
		}
		m.deps.Hub.Navigate(intent.ForgeRoute(id))
	}()
}

// feedbackCmd rates the most recent finished turn. Rating it with the kind
// it already carries withdraws the feedback; otherwise the new kind replaces
// whatever was there. Synthesized turn ends (zero MessageID) are skipped.
func (m *Model) feedbackCmd(kind chat.FeedbackKind) tea.Cmd {
	if m.controller == nil || m.deps.Feedback == nil {
		return nil
	}
	target := lastRatableTurnEnd(m.controller.Timeline().Items())
	if target == nil {
		return nil
	}
	ctl := m.controller
	fb := m.deps.Feedback
	msgID := target.TurnEnd.MessageID
	current := target.TurnEnd.Feedback
	return func() tea.Msg {
		var err error
		if current == kind {
			err = fb.CancelFeedback(context.Background(), ctl.TaskID, msgID)
			if err == nil {
				ctl.UpdateFeedback(msgID, chat.FeedbackNone)
			}
		} else {
			err = fb.SubmitFeedback(context.Background(), ctl.TaskID, msgID, kind, nil, "")
			if err == nil {
				ctl.UpdateFeedback(msgID, kind)
			}
		}
		return sendDoneMsg{err: err}
	}
}

func lastRatableTurnEnd(items []*chat.RenderItem) *chat.RenderItem {
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if it.Kind == chat.KindTurnEnd && it.TurnEnd != nil && it.TurnEnd.MessageID != 0 {
			return it
		}
	}
	return nil
}

func (m *Model) toggleThinking() {
	if m.thinkingEnabled() {
		m.deps.Local.Set(chat.EnableThinkingKey, "false")
	} else {
		m.deps.Local.Set(chat.EnableThinkingKey, "true")
	}
}

func (m *Model) thinkingEnabled() bool {
	v, _ := m.deps.Local.Get(chat.EnableThinkingKey)
	return v == "true"
}

func (m *Model) enhanceMode() string {
	v, _ := m.deps.Local.Get("enhanceMode")
	return v
}

func (m *Model) refreshViewport() {
	if m.controller == nil {
		return
	}
	atBottom := m.chatVP.AtBottom()
	m.chatVP.SetContent(FormatItems(m.controller.Timeline().Items(), m.deps.Theme, m.chatVP.Width))
	if atBottom {
		m.chatVP.GotoBottom()
	}
}

func (m *Model) spinTick() tea.Cmd {
	return tea.Tick(120*time.Millisecond, func(time.Time) tea.Msg { return spinMsg{} })
}

func (m *Model) View() string {
	t := m.deps.Theme
	route := m.deps.Hub.Route()

	var body string
	switch {
	case route == intent.RoutePlaza:
		body = m.viewPlaza()
	case route == intent.CreateForgeRoute:
		body = m.viewCreate()
	default:
		body = m.chatVP.View()
	}

	var b strings.Builder
	b.WriteString(t.TopBar.Render(m.topBar(route)))
	b.WriteByte('\n')
	b.WriteString(body)
	b.WriteByte('\n')
	if notices := m.deps.Hub.Notices(); len(notices) > 0 {
		last := notices[len(notices)-1]
		b.WriteString(m.noticeStyle(last.Level).Render(last.Text))
		b.WriteByte('\n')
	}
	b.WriteString(t.InputBox.Render(m.input.View()))
	b.WriteByte('\n')
	b.WriteString(t.Footer.Render(m.footer()))
	return b.String()
}

func (m *Model) topBar(route string) string {
	status := ""
	if m.controller != nil && m.controller.Busy() {
		status = " " + spinnerFrames[m.spinnerPos]
	}
	if s := m.deps.Session; s != nil && s.Active() {
		status = " " + spinnerFrames[m.spinnerPos] + " " + s.Stage().Text()
	}
	return "forgechat · " + route + status
}

func (m *Model) footer() string {
	hints := "enter send · ctrl+g/ctrl+b rate turn · ctrl+t thinking · pgup/pgdn scroll · ctrl+c quit"
	if m.controller != nil && m.controller.Streaming() {
		hints = "ctrl+c cancel · esc disconnect · " + hints
	}
	if m.lastErr != "" {
		return m.deps.Theme.RoleErr.Render(m.lastErr) + "  " + hints
	}
	return hints
}

func (m *Model) viewPlaza() string {
	t := m.deps.Theme
	var b strings.Builder
	b.WriteString(t.RoleAI.Render("Forge Plaza"))
	b.WriteByte('\n')
	if c := m.deps.Hub.Control(intent.CtrlSearchInput); c != nil && c.Value() != "" {
		b.WriteString(t.RoleSys.Render("search: " + c.Value()))
		b.WriteByte('\n')
	}
	b.WriteString(t.RoleSys.Render("Type below to start. Smart routing picks or creates a forge for you."))
	return b.String()
}

func (m *Model) viewCreate() string {
	t := m.deps.Theme
	var b strings.Builder
	b.WriteString(t.RoleAI.Render("Create Forge"))
	b.WriteByte('\n')

	if s := m.deps.Session; s != nil {
		fields := s.Fields()
		b.WriteString(m.formLine("Name", fields.Name.Status, fields.Name.Content))
		b.WriteString(m.formLine("Description", fields.Description.Status, fields.Description.Content))
		b.WriteString(m.formLine("System prompt", fields.SystemPrompt.Status, fields.SystemPrompt.Content))
	}
	for _, pick := range m.toolPicks {
		b.WriteString(t.RoleSys.Render("tools · "+pick) + "\n")
	}
	return b.String()
}

func (m *Model) formLine(label string, status intent.FieldStatus, content string) string {
	t := m.deps.Theme
	glyph := "○"
	switch status {
	case intent.FieldStreaming:
		glyph = spinnerFrames[m.spinnerPos]
	case intent.FieldDone:
		glyph = "●"
	}
	line := fmt.Sprintf("%s %s: %s", glyph, label, firstLine(content))
	return t.RoleAI.Render(line) + "\n"
}

func (m *Model) noticeStyle(level intent.NoticeLevel) lipgloss.Style {
	switch level {
	case intent.NoticeError:
		return m.deps.Theme.NoticeErr
	case intent.NoticeWarning:
		return m.deps.Theme.NoticeWarn
	default:
		return m.deps.Theme.NoticeInfo
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + "…"
	}
	return s
}
