package chat

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"forgechat/internal/stream"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func rec(t *testing.T, eventType string, payload any) stream.Record {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return stream.Record{Type: eventType, Data: raw}
}

func TestReducerCoalescesSameKindChunks(t *testing.T) {
	tl := NewTimeline()
	r := NewReducer(tl, testLog())

	r.Apply(rec(t, "chat", "Hel"))
	r.Apply(rec(t, "chat", "lo"))

	if tl.Len() != 1 {
		t.Fatalf("expected 1 item, got %d", tl.Len())
	}
	item := tl.Last()
	if item.Text.Content != "Hello" {
		t.Errorf("content = %q, want %q", item.Text.Content, "Hello")
	}
	if !item.Text.Streaming {
		t.Error("open item should be streaming")
	}
}

func TestReducerKindChangeOpensNewItem(t *testing.T) {
	tl := NewTimeline()
	r := NewReducer(tl, testLog())

	r.Apply(rec(t, "thinking", "hmm"))
	r.Apply(rec(t, "chat", "answer"))

	if tl.Len() != 2 {
		t.Fatalf("expected 2 items, got %d", tl.Len())
	}
	first, second := tl.Items()[0], tl.Items()[1]
	if first.Text.Kind != TextThinking || first.Text.Streaming {
		t.Errorf("first item: kind=%s streaming=%v, want closed thinking", first.Text.Kind, first.Text.Streaming)
	}
	if second.Text.Kind != TextChat || !second.Text.Streaming {
		t.Errorf("second item: kind=%s streaming=%v, want open chat", second.Text.Kind, second.Text.Streaming)
	}
}

func TestReducerToolCallLifecycle(t *testing.T) {
	tl := NewTimeline()
	r := NewReducer(tl, testLog())

	r.Apply(rec(t, "chat", "working"))
	r.Apply(rec(t, EventToolCallStart, map[string]any{"callId": "c1", "toolName": "search"}))

	if tl.Len() != 2 {
		t.Fatalf("expected 2 items, got %d", tl.Len())
	}
	if tl.Items()[0].Text.Streaming {
		t.Error("tool_call_start should close the open text item")
	}
	tool := tl.Last()
	if tool.Kind != KindToolCall || tool.Tool.Status != ToolRunning {
		t.Fatalf("expected running tool call, got kind=%s", tool.Kind)
	}

	r.Apply(rec(t, EventToolCallResult, map[string]any{
		"callId": "c1", "toolName": "search", "success": true, "summarizedResult": "3 hits",
	}))
	if tool.Tool.Status != ToolSuccess || tool.Tool.Summary != "3 hits" {
		t.Errorf("result not applied: status=%s summary=%q", tool.Tool.Status, tool.Tool.Summary)
	}
}

func TestReducerToolResultWithoutStartIsNonFatal(t *testing.T) {
	tl := NewTimeline()
	r := NewReducer(tl, testLog())

	handled := r.Apply(rec(t, EventToolCallResult, map[string]any{"callId": "ghost", "success": false}))
	if !handled {
		t.Error("orphan result should still count as handled")
	}
	if tl.Len() != 0 {
		t.Errorf("orphan result should not create items, got %d", tl.Len())
	}
}

func TestReducerToolResultFindsEarlierCall(t *testing.T) {
	tl := NewTimeline()
	r := NewReducer(tl, testLog())

	r.Apply(rec(t, EventToolCallStart, map[string]any{"callId": "c1", "toolName": "read"}))
	r.Apply(rec(t, "chat", "meanwhile"))
	r.Apply(rec(t, EventToolCallResult, map[string]any{"callId": "c1", "success": false, "summarizedResult": "denied"}))

	tool := tl.FindToolCall("c1")
	if tool == nil {
		t.Fatal("tool call not found")
	}
	if tool.Tool.Status != ToolFailed || tool.Tool.Summary != "denied" {
		t.Errorf("status=%s summary=%q, want failed/denied", tool.Tool.Status, tool.Tool.Summary)
	}
}

func TestReducerUserOriginalNeverCoalesces(t *testing.T) {
	tl := NewTimeline()
	r := NewReducer(tl, testLog())

	r.Apply(rec(t, EventUserOriginal, "first"))
	r.Apply(rec(t, EventUserOriginal, "second"))

	if tl.Len() != 2 {
		t.Fatalf("expected 2 items, got %d", tl.Len())
	}
	for _, item := range tl.Items() {
		if item.Text.Kind != TextUserOriginal || item.Text.Streaming {
			t.Errorf("user_original must be an atomic closed item, got kind=%s streaming=%v", item.Text.Kind, item.Text.Streaming)
		}
	}
}

func TestReducerErrorClosesOpenItem(t *testing.T) {
	tl := NewTimeline()
	r := NewReducer(tl, testLog())

	r.Apply(rec(t, "chat", "partial"))
	r.Apply(rec(t, EventError, map[string]any{"message": "model overloaded"}))

	if tl.Len() != 2 {
		t.Fatalf("expected 2 items, got %d", tl.Len())
	}
	if tl.Items()[0].Text.Streaming {
		t.Error("error should close the open item")
	}
	last := tl.Last()
	if last.Text.Kind != TextError || last.Text.Content != "model overloaded" {
		t.Errorf("got kind=%s content=%q", last.Text.Kind, last.Text.Content)
	}
}

func TestReducerTurnEnd(t *testing.T) {
	tl := NewTimeline()
	r := NewReducer(tl, testLog())

	r.Apply(rec(t, "chat", "done"))
	r.Apply(rec(t, EventTurnEnd, map[string]any{
		"messageId":   42,
		"completedAt": "2026-01-15T10:00:00Z",
		"accumulatedTokens": map[string]int{
			"promptTokens": 10, "completionTokens": 20, "totalTokens": 30,
		},
	}))

	last := tl.Last()
	if last.Kind != KindTurnEnd {
		t.Fatalf("expected turn_end item, got %s", last.Kind)
	}
	if last.TurnEnd.MessageID != 42 {
		t.Errorf("messageId = %d, want 42", last.TurnEnd.MessageID)
	}
	if last.TurnEnd.Tokens == nil || last.TurnEnd.Tokens.TotalTokens != 30 {
		t.Errorf("tokens not carried: %+v", last.TurnEnd.Tokens)
	}
	if tl.Items()[0].Text.Streaming {
		t.Error("turn_end should close the open item")
	}
	if r.Current() != nil {
		t.Error("no item should remain open after turn_end")
	}
}

func TestReducerTurnEndMalformedPayloadStillClosesTurn(t *testing.T) {
	tl := NewTimeline()
	r := NewReducer(tl, testLog())

	r.Apply(rec(t, "chat", "partial"))
	handled := r.Apply(stream.Record{Type: EventTurnEnd, Data: []byte(`{"broken`)})
	if !handled {
		t.Error("malformed turn_end should still be handled")
	}
	if tl.Last().Kind != KindTurnEnd {
		t.Fatalf("expected turn_end item, got %s", tl.Last().Kind)
	}
	if tl.Items()[0].Text.Streaming {
		t.Error("malformed turn_end must still close the open item")
	}
}

func TestReducerDoneClosesWithoutCreating(t *testing.T) {
	tl := NewTimeline()
	r := NewReducer(tl, testLog())

	r.Apply(rec(t, "chat", "legacy"))
	r.Apply(rec(t, EventDone, map[string]any{}))

	if tl.Len() != 1 {
		t.Fatalf("done must not create items, got %d", tl.Len())
	}
	if tl.Last().Text.Streaming {
		t.Error("done should close the open item")
	}
}

func TestReducerIgnoresUnknownEvents(t *testing.T) {
	tl := NewTimeline()
	r := NewReducer(tl, testLog())

	r.Apply(rec(t, "chat", "stable"))
	if r.Apply(rec(t, "hologram", "??")) {
		t.Error("unknown event should not be handled")
	}
	if tl.Len() != 1 {
		t.Errorf("unknown event must not mutate the timeline, got %d items", tl.Len())
	}
	if !tl.Last().Text.Streaming {
		t.Error("unknown event must not close the open item")
	}
}

func TestReducerAbortLatchesAcrossLaterEvents(t *testing.T) {
	tl := NewTimeline()
	r := NewReducer(tl, testLog())

	r.Apply(rec(t, "chat", "half"))
	aborted := tl.Last()
	r.AbortStream()

	if !aborted.Text.Aborted || aborted.Text.Streaming {
		t.Fatalf("abort must close and latch: aborted=%v streaming=%v", aborted.Text.Aborted, aborted.Text.Streaming)
	}

	// A chunk arriving after abort opens a fresh item and never clears the flag.
	r.Apply(rec(t, "chat", "late"))
	if tl.Len() != 2 {
		t.Fatalf("expected 2 items, got %d", tl.Len())
	}
	if !aborted.Text.Aborted {
		t.Error("aborted flag must stay latched")
	}
	if tl.Last().Text.Content != "late" || !tl.Last().Text.Streaming {
		t.Error("post-abort chunk should open a new streaming item")
	}
}

func TestReducerFullTurnSequence(t *testing.T) {
	tl := NewTimeline()
	r := NewReducer(tl, testLog())
	tl.AddUser("find the bug", nil)

	for _, step := range []stream.Record{
		rec(t, "thinking", "let me "),
		rec(t, "thinking", "look"),
		rec(t, "chat", "Checking the file."),
		rec(t, EventToolCallStart, map[string]any{"callId": "c9", "toolName": "read_file"}),
		rec(t, EventToolCallResult, map[string]any{"callId": "c9", "success": true, "summarizedResult": "ok"}),
		rec(t, "chat", "Found it."),
		rec(t, EventTurnEnd, map[string]any{"messageId": 7, "completedAt": "2026-01-15T10:00:00Z"}),
	} {
		r.Apply(step)
	}

	wantKinds := []ItemKind{KindUser, KindText, KindText, KindToolCall, KindText, KindTurnEnd}
	if tl.Len() != len(wantKinds) {
		t.Fatalf("expected %d items, got %d", len(wantKinds), tl.Len())
	}
	for i, want := range wantKinds {
		if got := tl.Items()[i].Kind; got != want {
			t.Errorf("item %d: kind = %s, want %s", i, got, want)
		}
	}
	if tl.Items()[1].Text.Content != "let me look" {
		t.Errorf("thinking run = %q", tl.Items()[1].Text.Content)
	}
	if tl.Items()[3].Tool.Status != ToolSuccess {
		t.Errorf("tool status = %s", tl.Items()[3].Tool.Status)
	}
	for i := 0; i < 5; i++ {
		item := tl.Items()[i]
		if item.Text != nil && item.Text.Streaming {
			t.Errorf("item %d still streaming after turn_end", i)
		}
	}
}
