package chat

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

var idCounter atomic.Int64

// generateID returns a timeline-unique id: a time-based prefix plus a
// process-local monotonic counter. Uniqueness is only required within one
// session's lifetime.
func generateID() string {
	return fmt.Sprintf("msg_%d_%d", time.Now().UnixMilli(), idCounter.Add(1))
}

// ResetIDCounter rewinds the id counter. Tests only.
func ResetIDCounter() {
	idCounter.Store(0)
}

// Timeline owns the ordered list of render items. It is append-only except
// for in-place payload mutation of the open streaming item and the open
// tool-call item. The view layer observes it through the change callback.
type Timeline struct {
	items    []*RenderItem
	onChange func()
}

func NewTimeline() *Timeline {
	return &Timeline{}
}

// OnChange registers the change notification hook invoked after every
// mutation. Payload mutators outside this type call Notify themselves.
func (t *Timeline) OnChange(fn func()) {
	t.onChange = fn
}

func (t *Timeline) Notify() {
	if t.onChange != nil {
		t.onChange()
	}
}

// Items returns the backing slice. Callers must treat it as read-only.
func (t *Timeline) Items() []*RenderItem {
	return t.items
}

func (t *Timeline) Len() int {
	return len(t.items)
}

func (t *Timeline) Last() *RenderItem {
	if len(t.items) == 0 {
		return nil
	}
	return t.items[len(t.items)-1]
}

// Append adds an already-built item, used by history replay and the
// synthesized cancel turn-end.
func (t *Timeline) Append(item *RenderItem) {
	t.items = append(t.items, item)
	t.Notify()
}

// Replace swaps the whole item list, used when a bulk history record
// arrives.
func (t *Timeline) Replace(items []*RenderItem) {
	t.items = items
	t.Notify()
}

func (t *Timeline) Clear() {
	t.items = nil
	t.Notify()
}

// AddUser appends a user message, optionally with attached files.
func (t *Timeline) AddUser(content string, files []UploadedFile) *RenderItem {
	item := &RenderItem{
		ID:   generateID(),
		Kind: KindUser,
		User: &UserPayload{Content: content, Files: files},
	}
	t.Append(item)
	return item
}

// AddText appends a text message of the given sub-kind.
func (t *Timeline) AddText(kind TextKind, content string) *RenderItem {
	item := &RenderItem{
		ID:   generateID(),
		Kind: KindText,
		Text: &TextPayload{Kind: kind, Content: content},
	}
	t.Append(item)
	return item
}

// AddToolCall appends a tool-call message in the running state.
func (t *Timeline) AddToolCall(callID, toolName string) *RenderItem {
	item := &RenderItem{
		ID:   generateID(),
		Kind: KindToolCall,
		Tool: &ToolCallPayload{CallID: callID, ToolName: toolName, Status: ToolRunning},
	}
	t.Append(item)
	return item
}

// AddTurnEnd appends a turn-end marker.
func (t *Timeline) AddTurnEnd(payload TurnEndPayload) *RenderItem {
	item := &RenderItem{
		ID:      generateID(),
		Kind:    KindTurnEnd,
		TurnEnd: &payload,
	}
	t.Append(item)
	return item
}

// FindToolCall locates a tool-call item by its correlation id. Results may
// arrive after a reload, so the search covers the whole timeline, not just
// the most recent item.
func (t *Timeline) FindToolCall(callID string) *RenderItem {
	for _, item := range t.items {
		if item.Kind == KindToolCall && item.Tool.CallID == callID {
			return item
		}
	}
	return nil
}

// FindTurnEnd locates a turn-end item by its backing-store message id.
func (t *Timeline) FindTurnEnd(messageID int64) *RenderItem {
	for _, item := range t.items {
		if item.Kind == KindTurnEnd && item.TurnEnd.MessageID == messageID {
			return item
		}
	}
	return nil
}

// ConvertFlatMessage deterministically rebuilds the render item that live
// streaming would have produced for one persisted flat record.
func ConvertFlatMessage(msg FlatMessage) *RenderItem {
	id := generateID()
	if msg.ID != 0 {
		id = fmt.Sprintf("%d", msg.ID)
	}

	if msg.Role == "user" {
		// user_original keeps its identity for the smart-iterate scan but
		// renders with the user's attached files; user_answer never carries
		// files.
		if msg.Type == string(TextUserAnswer) {
			return &RenderItem{
				ID:   id,
				Kind: KindText,
				Text: &TextPayload{Kind: TextUserAnswer, Content: msg.Content, Aborted: msg.Aborted},
			}
		}
		if msg.Type == string(TextUserOriginal) {
			return &RenderItem{
				ID:   id,
				Kind: KindText,
				Text: &TextPayload{Kind: TextUserOriginal, Content: msg.Content, Aborted: msg.Aborted},
			}
		}
		return &RenderItem{
			ID:   id,
			Kind: KindUser,
			User: &UserPayload{Content: msg.Content, Files: msg.Files},
		}
	}

	if msg.Type == "tool_call" {
		success := msg.Success != nil && *msg.Success
		status := ToolFailed
		if success {
			status = ToolSuccess
		}
		return &RenderItem{
			ID:   id,
			Kind: KindToolCall,
			Tool: &ToolCallPayload{
				CallID:   msg.CallID,
				ToolName: msg.ToolName,
				Status:   status,
				Success:  success,
				Summary:  msg.SummarizedResult,
			},
		}
	}

	if msg.Type == EventTurnEnd {
		payload := parseTurnEnd(msg.ID, []byte(msg.Content))
		return &RenderItem{ID: id, Kind: KindTurnEnd, TurnEnd: &payload}
	}

	kind := TextKind(msg.Type)
	switch kind {
	case TextChat, TextThinking, TextError, TextSummary,
		TextReviewer, TextQuestioner, TextExpert, TextEnhancer:
	default:
		kind = TextChat
	}
	return &RenderItem{
		ID:   id,
		Kind: KindText,
		Text: &TextPayload{Kind: kind, Content: msg.Content, Aborted: msg.Aborted},
	}
}

// parseTurnEnd decodes a persisted turn-end payload. Corrupt history must
// not block the rest of the timeline from rendering, so malformed JSON
// yields a zero-valued payload instead of an error.
func parseTurnEnd(messageID int64, raw []byte) TurnEndPayload {
	var data turnEndData
	if err := json.Unmarshal(raw, &data); err != nil {
		return TurnEndPayload{
			MessageID:   messageID,
			CompletedAt: time.Now().UTC(),
			Tokens:      &TokenUsage{},
		}
	}
	completedAt, err := time.Parse(time.RFC3339, data.CompletedAt)
	if err != nil {
		completedAt = time.Now().UTC()
	}
	return TurnEndPayload{
		MessageID:   messageID,
		CompletedAt: completedAt,
		Tokens:      data.AccumulatedTokens,
	}
}
