package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"forgechat/internal/stream"
)

// Transport opens one long-lived NDJSON stream request and blocks until it
// ends. Cancelling the context tears down only the local read and is not an
// error.
type Transport interface {
	Open(ctx context.Context, path string, body map[string]any, onRecord func(stream.Record)) error
}

// TaskAPI is the REST collaborator for task lifecycle operations.
type TaskAPI interface {
	CreateTask(ctx context.Context, taskID, firstMessage string) error
	AbortTask(ctx context.Context, taskID string) error
	TouchTask(ctx context.Context, taskID string) error
	FeedbackStatus(ctx context.Context, taskID string, messageIDs []int64) (map[int64]FeedbackKind, error)
}

// Store is the key-value persistence collaborator. Local stores survive
// restarts; session stores live for one run and carry cross-page handoff.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

// Session-store handoff keys, shared with the auto-operation engine.
func InitKey(taskID string) string        { return "task_" + taskID + "_init" }
func FileKey(taskID string) string        { return "task_" + taskID + "_file" }
func EnhanceModeKey(taskID string) string { return "task_" + taskID + "_enhanceMode" }

// EnableThinkingKey is the local-store flag for deep-thinking mode.
const EnableThinkingKey = "enableThinking"

// SendOptions tunes one outbound turn.
type SendOptions struct {
	// EnableThinking overrides the stored preference when non-nil.
	EnableThinking *bool
	// EnhanceMode is the prompt-enhancement mode; "" or "off" disables it.
	EnhanceMode string
	Files       []UploadedFile
}

// Controller orchestrates one task conversation: history load, send, abort,
// and reconnect semantics. It owns the single active stream subscription
// and enforces at-most-one in-flight turn.
type Controller struct {
	TaskID string

	timeline  *Timeline
	reducer   *Reducer
	transport Transport
	api       TaskAPI
	local     Store
	session   Store
	log       *logrus.Entry

	mu            sync.Mutex
	busy          bool
	streaming     bool
	historyLoaded bool
	abort         context.CancelFunc
	currentFiles  []UploadedFile
}

func NewController(taskID string, transport Transport, api TaskAPI, local, session Store, log *logrus.Entry) *Controller {
	timeline := NewTimeline()
	return &Controller{
		TaskID:    taskID,
		timeline:  timeline,
		reducer:   NewReducer(timeline, log),
		transport: transport,
		api:       api,
		local:     local,
		session:   session,
		log:       log,
	}
}

func (c *Controller) Timeline() *Timeline { return c.timeline }

// Busy reports whether a history load or turn is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Streaming reports whether the assistant is actively producing output,
// as opposed to loading history.
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// NeedsReply reports whether the clarification-reply affordance applies.
func (c *Controller) NeedsReply() bool {
	return NeedsReply(c.timeline, c.Busy())
}

func (c *Controller) messagePath() string {
	return "/task/" + c.TaskID + "/message"
}

// tryBegin flips the busy flags; it fails when a turn is already in flight.
func (c *Controller) tryBegin(streaming bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.busy = true
	c.streaming = streaming
	return true
}

func (c *Controller) finish() {
	c.mu.Lock()
	c.busy = false
	c.streaming = false
	c.abort = nil
	c.mu.Unlock()
	c.reducer.Reset()
}

// runStream opens the task message stream and blocks until it ends. The
// cancel handle is published so DisconnectStream/CancelRequest can tear the
// subscription down from another goroutine.
func (c *Controller) runStream(ctx context.Context, body map[string]any, onRecord func(stream.Record)) error {
	sctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.abort = cancel
	c.mu.Unlock()
	defer cancel()
	return c.transport.Open(sctx, c.messagePath(), body, onRecord)
}

// Init resumes or starts the conversation. A pending first message handed
// off through the session store (smart routing, task creation pages) is sent
// immediately; otherwise history is loaded.
func (c *Controller) Init(ctx context.Context) error {
	initMsg, ok := c.session.Get(InitKey(c.TaskID))
	if !ok || initMsg == "" {
		return c.LoadHistory(ctx)
	}

	opts := SendOptions{}
	if raw, ok := c.session.Get(FileKey(c.TaskID)); ok {
		if err := json.Unmarshal([]byte(raw), &opts.Files); err != nil {
			// Single-file records predate the array format.
			var one UploadedFile
			if err := json.Unmarshal([]byte(raw), &one); err == nil {
				opts.Files = []UploadedFile{one}
			}
		}
	}
	if mode, ok := c.session.Get(EnhanceModeKey(c.TaskID)); ok {
		opts.EnhanceMode = mode
	}

	if err := c.api.CreateTask(ctx, c.TaskID, initMsg); err != nil {
		// The task may already exist; keep going and send anyway.
		c.log.WithError(err).WithField("taskId", c.TaskID).Info("create task failed, sending anyway")
	}

	c.session.Delete(InitKey(c.TaskID))
	c.session.Delete(FileKey(c.TaskID))
	c.session.Delete(EnhanceModeKey(c.TaskID))

	c.mu.Lock()
	c.historyLoaded = true
	c.mu.Unlock()

	return c.Send(ctx, initMsg, opts)
}

// LoadHistory fetches the persisted conversation. It is idempotent: after
// the first successful load further calls are no-ops. The response is
// dual-mode: the first record is a bulk history array, and any records after
// it belong to a task still running server-side and are fed to the reducer
// live, so reconnecting seamlessly continues the stream.
func (c *Controller) LoadHistory(ctx context.Context) error {
	c.mu.Lock()
	if c.historyLoaded {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if !c.tryBegin(false) {
		return nil
	}
	c.reducer.Reset()

	err := c.runStream(ctx, map[string]any{"loadHistory": true}, func(rec stream.Record) {
		if rec.Type == EventHistory {
			var msgs []FlatMessage
			if err := json.Unmarshal(rec.Data, &msgs); err != nil {
				c.log.WithError(err).Warn("bad history record")
				return
			}
			items := make([]*RenderItem, 0, len(msgs))
			for _, msg := range msgs {
				items = append(items, ConvertFlatMessage(msg))
			}
			c.timeline.Replace(items)
			c.restoreFiles(msgs)
			return
		}
		c.reducer.Apply(rec)
	})

	cancelled := ctx.Err() != nil
	c.finish()
	if err != nil {
		c.log.WithError(err).Error("load history failed")
		return nil
	}
	if cancelled {
		return nil
	}

	c.mu.Lock()
	c.historyLoaded = true
	c.mu.Unlock()

	c.loadFeedbackStatus(ctx)
	return nil
}

// restoreFiles recovers the most recent user attachment list from history so
// a later smart-iterate reply carries the same files.
func (c *Controller) restoreFiles(msgs []FlatMessage) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" && len(msgs[i].Files) > 0 {
			c.mu.Lock()
			c.currentFiles = msgs[i].Files
			c.mu.Unlock()
			return
		}
	}
}

// Send appends the user message immediately and streams the assistant's
// turn. Blank content or an in-flight turn makes it a no-op.
func (c *Controller) Send(ctx context.Context, content string, opts SendOptions) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if !c.tryBegin(true) {
		c.log.Debug("send skipped: turn already in flight")
		return nil
	}

	if len(opts.Files) > 0 {
		c.mu.Lock()
		c.currentFiles = opts.Files
		c.mu.Unlock()
	}

	// The user item renders before any network I/O happens.
	c.timeline.AddUser(content, opts.Files)
	c.reducer.Reset()

	body := map[string]any{
		"content":        content,
		"enableThinking": c.thinkingEnabled(opts),
	}
	if opts.EnhanceMode != "" && opts.EnhanceMode != "off" {
		body["enhanceMode"] = opts.EnhanceMode
	}
	if len(opts.Files) > 0 {
		body["files"] = opts.Files
	}

	return c.streamTurn(ctx, body)
}

// SendSmartIterateReply answers the pending clarification question. A
// missing context is a UI-timing race, not an error: it is logged and the
// call is a no-op.
func (c *Controller) SendSmartIterateReply(ctx context.Context, answer string) error {
	answer = strings.TrimSpace(answer)
	if answer == "" || c.Busy() {
		return nil
	}

	iterCtx := DeriveContext(c.timeline)
	if iterCtx.OriginalPrompt == "" {
		c.log.Warn("smart-iterate reply without derivable context")
		return nil
	}

	if !c.tryBegin(true) {
		return nil
	}

	c.timeline.AddText(TextUserAnswer, answer)
	c.reducer.Reset()

	body := map[string]any{
		"content":        answer,
		"enhanceMode":    "smart",
		"iterateContext": iterCtx,
		"enableThinking": c.thinkingEnabled(SendOptions{}),
	}
	c.mu.Lock()
	files := c.currentFiles
	c.mu.Unlock()
	if len(files) > 0 {
		body["files"] = files
	}

	return c.streamTurn(ctx, body)
}

// streamTurn runs one outbound turn to completion, converting transport
// failures into a timeline error item.
func (c *Controller) streamTurn(ctx context.Context, body map[string]any) error {
	err := c.runStream(ctx, body, func(rec stream.Record) {
		c.reducer.Apply(rec)
	})

	if err != nil {
		c.timeline.AddText(TextError, "Request failed: "+err.Error())
		c.finish()
		return nil
	}

	// CancelRequest already reset state and synthesized the terminal item.
	if ctx.Err() != nil {
		return nil
	}
	c.mu.Lock()
	aborted := c.abort == nil && !c.busy
	c.mu.Unlock()
	if aborted {
		return nil
	}

	c.finish()
	if err := c.api.TouchTask(ctx, c.TaskID); err != nil {
		c.log.WithError(err).Debug("touch task failed")
	}
	return nil
}

// DisconnectStream tears down only the local subscription; the server-side
// turn keeps running. Used when navigating away. The open item is closed but
// not marked aborted.
func (c *Controller) DisconnectStream() {
	c.mu.Lock()
	abort := c.abort
	c.abort = nil
	c.busy = false
	c.streaming = false
	c.mu.Unlock()

	if abort != nil {
		abort()
	}
	c.reducer.EndStream()
}

// CancelRequest stops the turn: local teardown, latched abort on the open
// item, a synthesized turn-end so the UI shows a terminal state immediately,
// and a best-effort server-side abort. The synthesized marker carries no
// token data; real counts arrive on the next history load.
func (c *Controller) CancelRequest(ctx context.Context) error {
	c.mu.Lock()
	abort := c.abort
	c.abort = nil
	c.busy = false
	c.streaming = false
	c.mu.Unlock()

	if abort != nil {
		abort()
	}
	c.reducer.AbortStream()

	c.timeline.AddTurnEnd(TurnEndPayload{CompletedAt: time.Now().UTC()})

	if err := c.api.AbortTask(ctx, c.TaskID); err != nil {
		c.log.WithError(err).WithField("taskId", c.TaskID).Warn("abort task failed")
	}
	return nil
}

// ClearMessages empties the timeline and forgets the loaded-history state.
func (c *Controller) ClearMessages() {
	c.timeline.Clear()
	c.reducer.Reset()
	c.mu.Lock()
	c.historyLoaded = false
	c.mu.Unlock()
}

// UpdateFeedback records the feedback state for one turn.
func (c *Controller) UpdateFeedback(messageID int64, kind FeedbackKind) {
	item := c.timeline.FindTurnEnd(messageID)
	if item == nil {
		return
	}
	item.TurnEnd.Feedback = kind
	c.timeline.Notify()
}

// loadFeedbackStatus batch-fetches feedback for every persisted turn-end.
func (c *Controller) loadFeedbackStatus(ctx context.Context) {
	var ids []int64
	for _, item := range c.timeline.Items() {
		if item.Kind == KindTurnEnd && item.TurnEnd.MessageID != 0 {
			ids = append(ids, item.TurnEnd.MessageID)
		}
	}
	if len(ids) == 0 {
		return
	}
	statuses, err := c.api.FeedbackStatus(ctx, c.TaskID, ids)
	if err != nil {
		c.log.WithError(err).Warn("load feedback status failed")
		return
	}
	for _, item := range c.timeline.Items() {
		if item.Kind != KindTurnEnd || item.TurnEnd.MessageID == 0 {
			continue
		}
		if kind, ok := statuses[item.TurnEnd.MessageID]; ok {
			item.TurnEnd.Feedback = kind
		}
	}
	c.timeline.Notify()
}

func (c *Controller) thinkingEnabled(opts SendOptions) bool {
	if opts.EnableThinking != nil {
		return *opts.EnableThinking
	}
	v, _ := c.local.Get(EnableThinkingKey)
	return v == "true"
}
