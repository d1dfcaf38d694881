package intent

import (
	"strconv"
	"time"
)

// Routes the auto-operation scripts navigate between.
const (
	RoutePlaza       = "/forge/plaza"
	CreateForgeRoute = "/forge/create"
)

func ForgeRoute(forgeID int64) string {
	return "/forge/" + strconv.FormatInt(forgeID, 10)
}

func TaskRoute(taskID string) string {
	return "/task/" + taskID
}

// Control ids the scripts look up on the active screen.
const (
	CtrlSearchInput    = "search-input"
	CtrlChatInput      = "chat-input"
	CtrlSendButton     = "send-button"
	CtrlCreateButton   = "create-forge-button"
	CtrlAddMCPButton   = "add-mcp-button"
	CtrlSubmitButton   = "submit-forge-button"
	CtrlForgeNameInput = "forge-name-input"
)

func ForgeCardCtrl(forgeID int64) string {
	return "forge-card-" + strconv.FormatInt(forgeID, 10)
}

// Cross-component events dispatched instead of simulating raw clicks where a
// component owns the behavior.
const (
	EventSend        = "auto-operation-send"
	EventSelectTools = "auto-operation-select-tools"
	EventConfirmMCP  = "auto-operation-confirm-mcp"
	EventFormUpdate  = "forge-form-update"
)

// NoticeLevel classifies user-facing notices raised by the engine.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Element is one interactable control on the active screen.
type Element interface {
	SetValue(content string)
	Click()
	Highlight(d time.Duration)
	ScrollIntoView()
}

// Screen abstracts the UI surface the engine drives: view navigation,
// control lookup, cross-component events, and notices. Lookup returns nil
// while the control has not rendered yet; the engine polls until it appears
// or its timeout expires.
type Screen interface {
	Navigate(route string) error
	Route() string
	Lookup(controlID string) Element
	Dispatch(event string, detail map[string]any)
	Notify(level NoticeLevel, text string)
}
