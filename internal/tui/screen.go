package tui

import (
	"strings"
	"sync"
	"time"

	"forgechat/internal/intent"
)

// ScreenEventMsg carries a cross-component event dispatched by the
// auto-operation engine into the bubbletea update loop.
type ScreenEventMsg struct {
	Event  string
	Detail map[string]any
}

// ScreenUpdatedMsg signals that a control or the route changed and the view
// should re-render.
type ScreenUpdatedMsg struct{}

// NoticeMsg is a user-facing notice raised through the screen.
type NoticeMsg struct {
	Level intent.NoticeLevel
	Text  string
}

// Notice is a rendered notice line kept in the hub for the view.
type Notice struct {
	Level intent.NoticeLevel
	Text  string
	At    time.Time
}

// Control is one interactable element registered on the hub. The engine
// mutates it from its own goroutine; the view reads it under the hub lock.
type Control struct {
	hub *ScreenHub
	id  string

	value          string
	clicks         int
	highlightUntil time.Time
	scrolled       bool

	// onClick runs outside the hub lock so it can touch the hub again.
	onClick func()
}

func (c *Control) SetValue(content string) {
	c.hub.mu.Lock()
	c.value = content
	c.hub.mu.Unlock()
	c.hub.changed()
}

func (c *Control) Click() {
	c.hub.mu.Lock()
	c.clicks++
	fn := c.onClick
	c.hub.mu.Unlock()
	if fn != nil {
		fn()
	}
	c.hub.changed()
}

func (c *Control) Highlight(d time.Duration) {
	c.hub.mu.Lock()
	c.highlightUntil = time.Now().Add(d)
	c.hub.mu.Unlock()
	c.hub.changed()
}

func (c *Control) ScrollIntoView() {
	c.hub.mu.Lock()
	c.scrolled = true
	c.hub.mu.Unlock()
	c.hub.changed()
}

// Value returns the control's current text under the hub lock.
func (c *Control) Value() string {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.value
}

// Clicks returns how many times the control was clicked.
func (c *Control) Clicks() int {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.clicks
}

// Highlighted reports whether the control's highlight window is still open.
func (c *Control) Highlighted() bool {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return time.Now().Before(c.highlightUntil)
}

// ScreenHub is the shared screen state behind the TUI: the current route,
// the controls mounted on it, and the notice feed. It implements
// intent.Screen so the auto-operation engine can drive the shell from its
// own goroutine while the update loop renders it.
type ScreenHub struct {
	mu       sync.Mutex
	route    string
	controls map[string]*Control
	notices  []Notice

	// emit forwards messages into the running tea.Program. Nil until the
	// program starts (and in tests that poll the hub directly).
	emit func(msg any)
}

func NewScreenHub(initialRoute string) *ScreenHub {
	h := &ScreenHub{
		route:    initialRoute,
		controls: make(map[string]*Control),
	}
	h.mu.Lock()
	h.mountLocked(initialRoute)
	h.mu.Unlock()
	return h
}

// SetEmitter binds the hub to a running program's Send.
func (h *ScreenHub) SetEmitter(emit func(msg any)) {
	h.mu.Lock()
	h.emit = emit
	h.mu.Unlock()
}

func (h *ScreenHub) send(msg any) {
	h.mu.Lock()
	emit := h.emit
	h.mu.Unlock()
	if emit != nil {
		emit(msg)
	}
}

func (h *ScreenHub) changed() {
	h.send(ScreenUpdatedMsg{})
}

func (h *ScreenHub) Navigate(route string) error {
	h.mu.Lock()
	h.route = route
	h.controls = make(map[string]*Control)
	h.mountLocked(route)
	h.mu.Unlock()
	h.changed()
	return nil
}

func (h *ScreenHub) Route() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.route
}

func (h *ScreenHub) Lookup(controlID string) intent.Element {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.controls[controlID]; ok {
		return c
	}
	// Forge cards materialize once the plaza search narrows to them, so a
	// miss on the plaza registers the card instead of stalling the flow.
	if h.route == intent.RoutePlaza && strings.HasPrefix(controlID, "forge-card-") {
		return h.registerLocked(controlID, nil)
	}
	return nil
}

func (h *ScreenHub) Dispatch(event string, detail map[string]any) {
	h.send(ScreenEventMsg{Event: event, Detail: detail})
}

func (h *ScreenHub) Notify(level intent.NoticeLevel, text string) {
	h.mu.Lock()
	h.notices = append(h.notices, Notice{Level: level, Text: text, At: time.Now()})
	h.mu.Unlock()
	h.send(NoticeMsg{Level: level, Text: text})
}

// Notices returns a copy of the notice feed, newest last.
func (h *ScreenHub) Notices() []Notice {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Notice, len(h.notices))
	copy(out, h.notices)
	return out
}

// Register adds (or rebinds) a control on the current route. The click
// handler runs outside the hub lock.
func (h *ScreenHub) Register(controlID string, onClick func()) *Control {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registerLocked(controlID, onClick)
}

// Control returns the registered control, or nil.
func (h *ScreenHub) Control(controlID string) *Control {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controls[controlID]
}

func (h *ScreenHub) registerLocked(controlID string, onClick func()) *Control {
	c := &Control{hub: h, id: controlID, onClick: onClick}
	h.controls[controlID] = c
	return c
}

// mountLocked registers the standard control set for a route. Buttons whose
// behavior belongs to the shell get their handlers rebound by the model
// after it sees the route change.
func (h *ScreenHub) mountLocked(route string) {
	switch {
	case route == intent.RoutePlaza:
		h.registerLocked(intent.CtrlSearchInput, nil)
		h.registerLocked(intent.CtrlCreateButton, func() {
			h.Navigate(intent.CreateForgeRoute)
		})
	case route == intent.CreateForgeRoute:
		h.registerLocked(intent.CtrlForgeNameInput, nil)
		h.registerLocked(intent.CtrlAddMCPButton, nil)
		h.registerLocked(intent.CtrlSubmitButton, nil)
	case strings.HasPrefix(route, "/forge/") || strings.HasPrefix(route, "/task/"):
		h.registerLocked(intent.CtrlChatInput, nil)
		h.registerLocked(intent.CtrlSendButton, func() {
			h.Dispatch(intent.EventSend, nil)
		})
	}
}
