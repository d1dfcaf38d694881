package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"forgechat/internal/stream"
)

type transportCall struct {
	path string
	body map[string]any
}

// fakeTransport replays one scripted record batch per Open call. When hold is
// set it blocks after emitting until the channel closes or the context is
// cancelled, mimicking a server that keeps streaming.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []transportCall
	scripts [][]stream.Record
	errs    []error
	hold    chan struct{}
	entered chan struct{}
}

func (f *fakeTransport) Open(ctx context.Context, path string, body map[string]any, onRecord func(stream.Record)) error {
	f.mu.Lock()
	f.calls = append(f.calls, transportCall{path: path, body: body})
	var recs []stream.Record
	if len(f.scripts) > 0 {
		recs = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	hold := f.hold
	entered := f.entered
	f.entered = nil
	f.mu.Unlock()

	for _, r := range recs {
		onRecord(r)
	}
	if entered != nil {
		close(entered)
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil
		}
	}
	return err
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) lastBody(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no transport calls recorded")
	}
	return f.calls[len(f.calls)-1].body
}

type fakeAPI struct {
	created  []string
	aborts   int
	touches  int
	feedback map[int64]FeedbackKind
	fbAsked  []int64
}

func (a *fakeAPI) CreateTask(ctx context.Context, taskID, firstMessage string) error {
	a.created = append(a.created, firstMessage)
	return nil
}

func (a *fakeAPI) AbortTask(ctx context.Context, taskID string) error {
	a.aborts++
	return nil
}

func (a *fakeAPI) TouchTask(ctx context.Context, taskID string) error {
	a.touches++
	return nil
}

func (a *fakeAPI) FeedbackStatus(ctx context.Context, taskID string, messageIDs []int64) (map[int64]FeedbackKind, error) {
	a.fbAsked = messageIDs
	return a.feedback, nil
}

type memStore struct{ m map[string]string }

func newMemStore() *memStore                   { return &memStore{m: map[string]string{}} }
func (s *memStore) Get(k string) (string, bool) { v, ok := s.m[k]; return v, ok }
func (s *memStore) Set(k, v string)             { s.m[k] = v }
func (s *memStore) Delete(k string)             { delete(s.m, k) }

func newTestController(tr Transport, api TaskAPI) (*Controller, *memStore, *memStore) {
	local, session := newMemStore(), newMemStore()
	return NewController("t1", tr, api, local, session, testLog()), local, session
}

func turnEndRec(t *testing.T, messageID int64) stream.Record {
	t.Helper()
	return rec(t, EventTurnEnd, map[string]any{"messageId": messageID, "completedAt": "2026-01-15T10:00:00Z"})
}

func TestSendAppendsUserBeforeStreaming(t *testing.T) {
	tr := &fakeTransport{scripts: [][]stream.Record{{rec(t, "chat", "hi"), turnEndRec(t, 1)}}}
	api := &fakeAPI{}
	c, _, _ := newTestController(tr, api)

	if err := c.Send(context.Background(), "  hello  ", SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	items := c.Timeline().Items()
	if len(items) != 3 {
		t.Fatalf("expected user+chat+turn_end, got %d items", len(items))
	}
	if items[0].Kind != KindUser || items[0].User.Content != "hello" {
		t.Errorf("first item = %+v, want trimmed user message", items[0])
	}
	if c.Busy() {
		t.Error("controller should be idle after the turn ends")
	}
	if api.touches != 1 {
		t.Errorf("touches = %d, want 1", api.touches)
	}
	if got := tr.calls[0].path; got != "/task/t1/message" {
		t.Errorf("path = %q", got)
	}
}

func TestSendBodyFields(t *testing.T) {
	tr := &fakeTransport{scripts: [][]stream.Record{{turnEndRec(t, 1)}, {turnEndRec(t, 2)}, {turnEndRec(t, 3)}}}
	c, local, _ := newTestController(tr, &fakeAPI{})
	ctx := context.Background()

	files := []UploadedFile{{FilePath: "/up/a.pdf", OriginalName: "a.pdf"}}
	c.Send(ctx, "first", SendOptions{EnhanceMode: "smart", Files: files})
	body := tr.lastBody(t)
	if body["content"] != "first" || body["enhanceMode"] != "smart" {
		t.Errorf("body = %+v", body)
	}
	if body["enableThinking"] != false {
		t.Errorf("enableThinking = %v, want false by default", body["enableThinking"])
	}
	if _, ok := body["files"]; !ok {
		t.Error("files missing from body")
	}

	// "off" suppresses the field entirely.
	c.Send(ctx, "second", SendOptions{EnhanceMode: "off"})
	body = tr.lastBody(t)
	if _, ok := body["enhanceMode"]; ok {
		t.Error("enhanceMode off must not be sent")
	}

	// The stored preference applies when no override is given.
	local.Set(EnableThinkingKey, "true")
	c.Send(ctx, "third", SendOptions{})
	if body := tr.lastBody(t); body["enableThinking"] != true {
		t.Errorf("enableThinking = %v, want stored preference", body["enableThinking"])
	}
}

func TestSendBlankIsNoOp(t *testing.T) {
	tr := &fakeTransport{}
	c, _, _ := newTestController(tr, &fakeAPI{})

	c.Send(context.Background(), "   ", SendOptions{})
	if tr.callCount() != 0 || c.Timeline().Len() != 0 {
		t.Error("blank send must not hit the transport or the timeline")
	}
}

func TestSendWhileBusyIsNoOp(t *testing.T) {
	hold := make(chan struct{})
	entered := make(chan struct{})
	tr := &fakeTransport{hold: hold, entered: entered}
	c, _, _ := newTestController(tr, &fakeAPI{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Send(context.Background(), "first", SendOptions{})
	}()
	<-entered

	c.Send(context.Background(), "second", SendOptions{})
	if tr.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1", tr.callCount())
	}
	if c.Timeline().Len() != 1 {
		t.Errorf("timeline items = %d, want only the first user message", c.Timeline().Len())
	}

	close(hold)
	<-done
}

func TestSendTransportErrorBecomesErrorItem(t *testing.T) {
	tr := &fakeTransport{errs: []error{errors.New("boom")}}
	api := &fakeAPI{}
	c, _, _ := newTestController(tr, api)

	if err := c.Send(context.Background(), "hi", SendOptions{}); err != nil {
		t.Fatalf("Send should swallow transport errors, got %v", err)
	}
	last := c.Timeline().Last()
	if !last.TextOfKind(TextError) || !strings.Contains(last.Text.Content, "boom") {
		t.Errorf("last item = %+v, want error text", last)
	}
	if c.Busy() {
		t.Error("controller must recover to idle")
	}
	if api.touches != 0 {
		t.Error("a failed turn must not touch the task")
	}
}

func TestCancelRequest(t *testing.T) {
	hold := make(chan struct{})
	entered := make(chan struct{})
	tr := &fakeTransport{
		hold:    hold,
		entered: entered,
		scripts: [][]stream.Record{{rec(t, "chat", "half an ans")}},
	}
	api := &fakeAPI{}
	c, _, _ := newTestController(tr, api)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Send(context.Background(), "question", SendOptions{})
	}()
	<-entered

	if err := c.CancelRequest(context.Background()); err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send did not unwind after cancel")
	}

	items := c.Timeline().Items()
	if len(items) != 3 {
		t.Fatalf("expected user+partial+synthesized turn_end, got %d", len(items))
	}
	partial := items[1]
	if !partial.Text.Aborted || partial.Text.Streaming {
		t.Errorf("partial item: aborted=%v streaming=%v", partial.Text.Aborted, partial.Text.Streaming)
	}
	marker := items[2]
	if marker.Kind != KindTurnEnd {
		t.Fatalf("last item = %s, want turn_end", marker.Kind)
	}
	if marker.TurnEnd.Tokens != nil {
		t.Error("synthesized turn_end must not invent token counts")
	}
	if marker.TurnEnd.MessageID != 0 {
		t.Error("synthesized turn_end has no backing-store id")
	}
	if api.aborts != 1 {
		t.Errorf("server aborts = %d, want 1", api.aborts)
	}
	if api.touches != 0 {
		t.Error("cancelled turn must not touch the task")
	}
	if c.Busy() {
		t.Error("controller must be idle after cancel")
	}
}

func TestDisconnectStreamKeepsServerTurn(t *testing.T) {
	hold := make(chan struct{})
	entered := make(chan struct{})
	tr := &fakeTransport{
		hold:    hold,
		entered: entered,
		scripts: [][]stream.Record{{rec(t, "chat", "streaming away")}},
	}
	api := &fakeAPI{}
	c, _, _ := newTestController(tr, api)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Send(context.Background(), "go", SendOptions{})
	}()
	<-entered

	c.DisconnectStream()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send did not unwind after disconnect")
	}

	items := c.Timeline().Items()
	if len(items) != 2 {
		t.Fatalf("disconnect must not synthesize items, got %d", len(items))
	}
	open := items[1]
	if open.Text.Aborted {
		t.Error("disconnect must not mark the item aborted")
	}
	if open.Text.Streaming {
		t.Error("disconnect should close the open item locally")
	}
	if api.aborts != 0 {
		t.Error("disconnect must not abort the server-side turn")
	}
	if c.Busy() {
		t.Error("controller must be idle after disconnect")
	}
}

func TestLoadHistoryDualMode(t *testing.T) {
	history := []FlatMessage{
		{ID: 1, Role: "user", Type: "chat", Content: "orig", Files: []UploadedFile{{FilePath: "/up/x.txt", OriginalName: "x.txt"}}},
		{ID: 2, Role: "assistant", Type: "chat", Content: "earlier answer"},
		{ID: 7, Role: "assistant", Type: "turn_end", Content: `{"completedAt":"2026-01-15T09:00:00Z"}`},
	}
	tr := &fakeTransport{scripts: [][]stream.Record{{
		rec(t, EventHistory, history),
		rec(t, "chat", "still running"),
	}}}
	api := &fakeAPI{feedback: map[int64]FeedbackKind{7: FeedbackLike}}
	c, _, _ := newTestController(tr, api)

	if err := c.LoadHistory(context.Background()); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}

	items := c.Timeline().Items()
	if len(items) != 4 {
		t.Fatalf("expected 3 replayed + 1 live item, got %d", len(items))
	}
	if items[3].Text == nil || items[3].Text.Content != "still running" {
		t.Errorf("live tail not reduced: %+v", items[3])
	}
	if body := tr.lastBody(t); body["loadHistory"] != true {
		t.Errorf("body = %+v", body)
	}
	if len(api.fbAsked) != 1 || api.fbAsked[0] != 7 {
		t.Errorf("feedback asked for %v, want [7]", api.fbAsked)
	}
	if items[2].TurnEnd.Feedback != FeedbackLike {
		t.Errorf("feedback = %q, want like", items[2].TurnEnd.Feedback)
	}

	// Idempotent: a second load never re-fetches.
	c.LoadHistory(context.Background())
	if tr.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1", tr.callCount())
	}
}

func TestSendSmartIterateReply(t *testing.T) {
	history := []FlatMessage{
		{ID: 1, Role: "user", Type: "chat", Content: "orig", Files: []UploadedFile{{FilePath: "/up/x.txt"}}},
		{ID: 2, Role: "user", Type: "user_original", Content: "raw orig"},
		{ID: 3, Role: "assistant", Type: "reviewer", Content: "too vague"},
		{ID: 4, Role: "assistant", Type: "questioner", Content: "A or B?"},
	}
	tr := &fakeTransport{scripts: [][]stream.Record{
		{rec(t, EventHistory, history)},
		{turnEndRec(t, 9)},
	}}
	c, _, _ := newTestController(tr, &fakeAPI{})
	ctx := context.Background()

	if err := c.LoadHistory(ctx); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if !c.NeedsReply() {
		t.Fatal("pending question should gate on")
	}

	if err := c.SendSmartIterateReply(ctx, "B"); err != nil {
		t.Fatalf("SendSmartIterateReply: %v", err)
	}

	body := tr.lastBody(t)
	if body["enhanceMode"] != "smart" {
		t.Errorf("enhanceMode = %v", body["enhanceMode"])
	}
	iterCtx, ok := body["iterateContext"].(IterateContext)
	if !ok {
		t.Fatalf("iterateContext missing or wrong type: %T", body["iterateContext"])
	}
	if iterCtx.OriginalPrompt != "raw orig" || iterCtx.ReviewerOutput != "too vague" || iterCtx.QuestionerOutput != "A or B?" {
		t.Errorf("iterateContext = %+v", iterCtx)
	}
	if _, ok := body["files"]; !ok {
		t.Error("files restored from history must ride along")
	}

	// The answer itself renders as a user_answer text item.
	var answer *RenderItem
	for _, item := range c.Timeline().Items() {
		if item.TextOfKind(TextUserAnswer) {
			answer = item
		}
	}
	if answer == nil || answer.Text.Content != "B" {
		t.Errorf("user_answer item = %+v", answer)
	}
}

func TestSendSmartIterateReplyWithoutContextIsNoOp(t *testing.T) {
	tr := &fakeTransport{}
	c, _, _ := newTestController(tr, &fakeAPI{})

	c.SendSmartIterateReply(context.Background(), "answer")
	if tr.callCount() != 0 || c.Timeline().Len() != 0 {
		t.Error("reply without derivable context must be a no-op")
	}
}

func TestInitSendsPendingHandoff(t *testing.T) {
	tr := &fakeTransport{scripts: [][]stream.Record{{rec(t, "chat", "on it"), turnEndRec(t, 1)}}}
	api := &fakeAPI{}
	c, _, session := newTestController(tr, api)

	session.Set(InitKey("t1"), "build it")
	session.Set(FileKey("t1"), `[{"filePath":"/up/spec.pdf","originalName":"spec.pdf"}]`)
	session.Set(EnhanceModeKey("t1"), "smart")

	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if len(api.created) != 1 || api.created[0] != "build it" {
		t.Errorf("created = %v", api.created)
	}
	body := tr.lastBody(t)
	if body["content"] != "build it" || body["enhanceMode"] != "smart" {
		t.Errorf("body = %+v", body)
	}
	if _, ok := body["files"]; !ok {
		t.Error("handoff files missing from body")
	}
	for _, key := range []string{InitKey("t1"), FileKey("t1"), EnhanceModeKey("t1")} {
		if _, ok := session.Get(key); ok {
			t.Errorf("handoff key %q not consumed", key)
		}
	}

	// The handoff counts as history: a later load must not refetch.
	c.LoadHistory(context.Background())
	if tr.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1", tr.callCount())
	}
}

func TestInitWithoutHandoffLoadsHistory(t *testing.T) {
	tr := &fakeTransport{scripts: [][]stream.Record{{rec(t, EventHistory, []FlatMessage{})}}}
	c, _, _ := newTestController(tr, &fakeAPI{})

	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if tr.callCount() != 1 {
		t.Fatalf("transport calls = %d", tr.callCount())
	}
	if body := tr.lastBody(t); body["loadHistory"] != true {
		t.Errorf("body = %+v, want history load", body)
	}
}

func TestUpdateFeedback(t *testing.T) {
	c, _, _ := newTestController(&fakeTransport{}, &fakeAPI{})
	c.Timeline().AddTurnEnd(TurnEndPayload{MessageID: 5})

	c.UpdateFeedback(5, FeedbackDislike)
	if got := c.Timeline().FindTurnEnd(5).TurnEnd.Feedback; got != FeedbackDislike {
		t.Errorf("feedback = %q", got)
	}

	// Unknown ids are ignored.
	c.UpdateFeedback(404, FeedbackLike)
}
