// Package chat holds the client-side protocol and state handling for a task
// conversation: the render timeline, the stream-event reducer, smart-iterate
// context extraction, and the session controller that ties them to the
// transport.
package chat

import (
	"time"
)

// ItemKind discriminates the variants of a RenderItem. It never changes
// after creation; mutations only touch payload fields.
type ItemKind string

const (
	KindUser     ItemKind = "user"
	KindText     ItemKind = "text"
	KindToolCall ItemKind = "tool_call"
	KindTurnEnd  ItemKind = "turn_end"
)

// TextKind is the sub-kind of a text item. The streaming kinds double as
// stream event types on the wire.
type TextKind string

const (
	TextChat         TextKind = "chat"
	TextThinking     TextKind = "thinking"
	TextSummary      TextKind = "summary"
	TextError        TextKind = "error"
	TextUserOriginal TextKind = "user_original"
	TextUserAnswer   TextKind = "user_answer"
	TextReviewer     TextKind = "reviewer"
	TextQuestioner   TextKind = "questioner"
	TextExpert       TextKind = "expert"
	TextEnhancer     TextKind = "enhancer"
)

// ToolCallStatus transitions running -> success|failed and is then terminal.
type ToolCallStatus string

const (
	ToolRunning ToolCallStatus = "running"
	ToolSuccess ToolCallStatus = "success"
	ToolFailed  ToolCallStatus = "failed"
)

// FeedbackKind is the per-turn feedback state; empty means none.
type FeedbackKind string

const (
	FeedbackLike    FeedbackKind = "like"
	FeedbackDislike FeedbackKind = "dislike"
	FeedbackNone    FeedbackKind = ""
)

// UploadedFile describes one user-attached file, as persisted by the upload
// collaborator.
type UploadedFile struct {
	FilePath     string `json:"filePath"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	URL          string `json:"url"`
}

// TokenUsage carries the per-turn accumulated token counters.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

type UserPayload struct {
	Content string
	Files   []UploadedFile
}

type TextPayload struct {
	Kind    TextKind
	Content string
	// Streaming is true between the first chunk and the stream-end signal
	// for this item.
	Streaming bool
	// Aborted latches when the turn is user-cancelled mid-stream. It is
	// never cleared.
	Aborted bool
}

type ToolCallPayload struct {
	CallID   string
	ToolName string
	Status   ToolCallStatus
	Success  bool
	// Summary is the markdown result digest, set only on completion.
	Summary string
}

type TurnEndPayload struct {
	// MessageID is the backing-store id of the turn-end row, used for
	// feedback correlation. Zero for client-synthesized items.
	MessageID   int64
	CompletedAt time.Time
	// Tokens is nil when the turn was cancelled before the server reported
	// usage.
	Tokens   *TokenUsage
	Feedback FeedbackKind
}

// RenderItem is one row in the chat timeline. Exactly one payload pointer is
// non-nil, matching Kind.
type RenderItem struct {
	ID      string
	Kind    ItemKind
	User    *UserPayload
	Text    *TextPayload
	Tool    *ToolCallPayload
	TurnEnd *TurnEndPayload
}

// TextOfKind reports whether the item is a text item of the given sub-kind.
func (it *RenderItem) TextOfKind(kind TextKind) bool {
	return it != nil && it.Kind == KindText && it.Text != nil && it.Text.Kind == kind
}

// FlatMessage is the backend-persisted flat message record fed to history
// replay. Type uses the stream event vocabulary plus "tool_call".
type FlatMessage struct {
	ID               int64          `json:"id"`
	Role             string         `json:"role"`
	Type             string         `json:"type"`
	Content          string         `json:"content"`
	CallID           string         `json:"callId,omitempty"`
	ToolName         string         `json:"toolName,omitempty"`
	SummarizedResult string         `json:"summarizedResult,omitempty"`
	Success          *bool          `json:"success,omitempty"`
	Files            []UploadedFile `json:"files,omitempty"`
	Aborted          bool           `json:"aborted,omitempty"`
	CreatedAt        string         `json:"createdAt,omitempty"`
}

// Stream event types consumed by the reducer. Text-bearing kinds reuse the
// TextKind constants directly.
const (
	EventHistory        = "history"
	EventToolCallStart  = "tool_call_start"
	EventToolCallResult = "tool_call_result"
	EventError          = "error"
	EventDone           = "done"
	EventTurnEnd        = "turn_end"
	EventUserOriginal   = "user_original"
)

// streamTextKinds are the event types whose fragments coalesce into a single
// open item per same-kind run.
var streamTextKinds = map[string]TextKind{
	string(TextChat):       TextChat,
	string(TextThinking):   TextThinking,
	string(TextSummary):    TextSummary,
	string(TextReviewer):   TextReviewer,
	string(TextQuestioner): TextQuestioner,
	string(TextExpert):     TextExpert,
	string(TextEnhancer):   TextEnhancer,
}

// toolCallStartData is the payload of a tool_call_start event.
type toolCallStartData struct {
	CallID   string `json:"callId"`
	ToolName string `json:"toolName"`
}

// toolCallResultData is the payload of a tool_call_result event.
type toolCallResultData struct {
	CallID           string `json:"callId"`
	ToolName         string `json:"toolName"`
	Success          bool   `json:"success"`
	SummarizedResult string `json:"summarizedResult"`
}

type errorData struct {
	Message string `json:"message"`
}

// turnEndData is the wire/persisted shape of a turn-end payload.
type turnEndData struct {
	MessageID         int64       `json:"messageId"`
	CompletedAt       string      `json:"completedAt"`
	AccumulatedTokens *TokenUsage `json:"accumulatedTokens"`
}
