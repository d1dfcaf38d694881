package intent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"forgechat/internal/chat"
	"forgechat/internal/stream"
)

// errCancelled aborts a flow at the next checkpoint after the user cancels.
// It is control flow, not a failure: no notice is shown for it.
var errCancelled = errors.New("operation cancelled")

// Pacing multipliers applied to the base delay. Cosmetic only: they keep the
// scripted actions slow enough to follow.
const (
	defaultBaseDelay = 300 * time.Millisecond

	pacePageTransition    = 2.5
	paceSearchUpdate      = 1.5
	paceHighlightDuration = 2.0
	paceAfterHighlight    = 1.0
	paceAfterTyping       = 1.2
	paceBeforeSubmit      = 1.0
	paceMCPSelect         = 1.2
)

const (
	defaultElementTimeout = 5 * time.Second
	defaultPollInterval   = 100 * time.Millisecond
	cancelCheckInterval   = 50 * time.Millisecond
)

// Analyzer is the server-side intent collaborator.
type Analyzer interface {
	Analyze(ctx context.Context, userInput, sessionID string) (*Result, error)
	CancelIntent(ctx context.Context, sessionID string) error
	GenerateConfig(ctx context.Context, userIntent string, mcpIDs []int64, sessionID string, onEvent func(stream.SSEEvent)) error
}

// RoutingOptions carries the send settings captured at routing time so the
// eventual task inherits them.
type RoutingOptions struct {
	Files          []chat.UploadedFile
	EnableThinking bool
	EnhanceMode    string
}

// Engine runs the smart-routing scripts. One engine drives one screen; a
// run's state lives in the Session.
type Engine struct {
	screen  Screen
	api     Analyzer
	session *Session
	local   chat.Store
	handoff chat.Store
	log     *logrus.Entry

	// Pacing knobs, overridable in tests.
	BaseDelay      time.Duration
	ElementTimeout time.Duration
	PollInterval   time.Duration
	TypeMin        time.Duration
	TypeMax        time.Duration

	mu           sync.Mutex
	configCancel context.CancelFunc
}

func NewEngine(screen Screen, api Analyzer, session *Session, local, handoff chat.Store, log *logrus.Entry) *Engine {
	return &Engine{
		screen:         screen,
		api:            api,
		session:        session,
		local:          local,
		handoff:        handoff,
		log:            log,
		BaseDelay:      defaultBaseDelay,
		ElementTimeout: defaultElementTimeout,
		PollInterval:   defaultPollInterval,
		TypeMin:        defaultTypeMin,
		TypeMax:        defaultTypeMax,
	}
}

func (e *Engine) Session() *Session { return e.session }

func (e *Engine) delay(multiplier float64) time.Duration {
	return time.Duration(float64(e.BaseDelay) * multiplier)
}

// checkCancelled is the per-step checkpoint. The flow is never interrupted
// mid-action, only between actions.
func (e *Engine) checkCancelled() error {
	if e.session.Cancelled() {
		return errCancelled
	}
	return nil
}

// wait pauses for d, re-checking the cancel flag on a short interval so
// cancellation lands promptly even inside long pacing pauses.
func (e *Engine) wait(d time.Duration) error {
	var elapsed time.Duration
	for {
		if e.session.Cancelled() {
			return errCancelled
		}
		if elapsed >= d {
			return nil
		}
		time.Sleep(cancelCheckInterval)
		elapsed += cancelCheckInterval
	}
}

// waitForControl polls the screen until the control renders. A control that
// never appears fails the whole flow; there is no infinite wait.
func (e *Engine) waitForControl(controlID string) (Element, error) {
	var elapsed time.Duration
	for elapsed < e.ElementTimeout {
		if e.session.Cancelled() {
			return nil, errCancelled
		}
		if el := e.screen.Lookup(controlID); el != nil {
			return el, nil
		}
		time.Sleep(e.PollInterval)
		elapsed += e.PollInterval
	}
	return nil, errors.New("control not found: " + controlID)
}

// waitForRoute polls until the current route satisfies the predicate.
func (e *Engine) waitForRoute(match func(string) bool) (string, error) {
	var elapsed time.Duration
	for elapsed < e.ElementTimeout {
		if e.session.Cancelled() {
			return "", errCancelled
		}
		if route := e.screen.Route(); match(route) {
			return route, nil
		}
		time.Sleep(e.PollInterval)
		elapsed += e.PollInterval
	}
	return "", errors.New("route change timed out")
}

// typeInto drives a typewriter against one input control and blocks until
// the text is fully entered. The typewriter's teardown is registered so
// cancellation stops it mid-run.
func (e *Engine) typeInto(el Element, text string) error {
	tw := NewTypewriter(func(s string) { el.SetValue(s) })
	tw.Min, tw.Max = e.TypeMin, e.TypeMax
	e.session.RegisterCleanup(tw.Stop)
	tw.Start(text)
	return e.checkCancelled()
}

func (e *Engine) highlight(el Element) error {
	d := e.delay(paceHighlightDuration)
	el.Highlight(d)
	return e.wait(d)
}

// ExecuteSmartRouting analyzes the query and runs the matching script. It
// blocks until the flow completes, falls back, or is cancelled. Expected
// failures never surface as errors: they become notices plus a fallback to
// the plain task page.
func (e *Engine) ExecuteSmartRouting(ctx context.Context, query string, opts RoutingOptions) {
	sessionID := e.session.Start(query, opts.Files, opts.EnableThinking, opts.EnhanceMode)

	result, err := e.api.Analyze(ctx, query, sessionID)
	if err == nil {
		err = e.checkCancelled()
	}
	if err != nil {
		if !errors.Is(err, errCancelled) {
			e.log.WithError(err).Error("intent analysis failed")
			e.screen.Notify(NoticeError, "Smart routing failed, switching to a plain task")
			e.fallbackToPlainTask(query)
		}
		e.session.CancelOperation()
		return
	}
	e.session.SetResult(result)

	switch result.Type {
	case RouteUseExistingForge:
		e.runScript(ctx, "auto navigation", func() error {
			return e.autoNavigate(result)
		})
	case RouteCreateForge:
		e.runScript(ctx, "auto creation", func() error {
			return e.autoCreate(ctx, result)
		})
	case RouteNoToolNeeded:
		e.handleNoToolNeeded(query)
	default:
		e.handleNotSupported(query)
	}
}

// runScript wraps one flow with the shared failure policy: a real failure
// degrades to the manual equivalent screen with a notice, cancellation stays
// silent, and cleanup always runs.
func (e *Engine) runScript(ctx context.Context, name string, fn func() error) {
	err := fn()
	if err == nil {
		return
	}
	if !errors.Is(err, errCancelled) {
		e.log.WithError(err).WithField("flow", name).Error("auto operation failed")
		e.screen.Notify(NoticeError, "Automatic operation failed, please continue manually")
	}
	e.session.CancelOperation()
}

// autoNavigate walks the user to an existing forge and auto-sends the query:
// plaza, search, card highlight, forge page, typed input, send.
func (e *Engine) autoNavigate(result *Result) error {
	e.session.SetStage(StageNavigating)
	if err := e.screen.Navigate(RoutePlaza); err != nil {
		return err
	}
	if err := e.wait(e.delay(pacePageTransition)); err != nil {
		return err
	}

	e.session.SetStage(StageTyping)
	search, err := e.waitForControl(CtrlSearchInput)
	if err != nil {
		return err
	}
	if err := e.typeInto(search, result.ForgeName); err != nil {
		return err
	}
	if err := e.wait(e.delay(paceSearchUpdate)); err != nil {
		return err
	}

	card, err := e.waitForControl(ForgeCardCtrl(result.ForgeID))
	if err != nil {
		return err
	}
	if err := e.highlight(card); err != nil {
		return err
	}
	if err := e.wait(e.delay(paceAfterHighlight)); err != nil {
		return err
	}

	e.session.SetStage(StageNavigating)
	if err := e.screen.Navigate(ForgeRoute(result.ForgeID)); err != nil {
		return err
	}
	if err := e.wait(e.delay(pacePageTransition)); err != nil {
		return err
	}

	if err := e.typeAndSend(result.OriginalQuery); err != nil {
		return err
	}

	e.session.CompleteOperation()
	return nil
}

// typeAndSend fills the chat input on the current screen and triggers the
// send event. Shared by the navigation and creation tails.
func (e *Engine) typeAndSend(query string) error {
	e.session.SetStage(StageTyping)
	input, err := e.waitForControl(CtrlChatInput)
	if err != nil {
		return err
	}
	if err := e.typeInto(input, query); err != nil {
		return err
	}
	if err := e.wait(e.delay(paceAfterTyping)); err != nil {
		return err
	}

	e.session.SetStage(StageSending)
	send, err := e.waitForControl(CtrlSendButton)
	if err != nil {
		// A missing send button downgrades to leaving the typed text for
		// the user instead of failing the whole flow.
		e.log.WithError(err).Warn("send button not found, leaving input for manual send")
		return nil
	}
	if err := e.highlight(send); err != nil {
		return err
	}
	e.screen.Dispatch(EventSend, nil)
	return nil
}

// autoCreate drives the forge-creation form: plaza, create button, creation
// page, streamed config fill, per-provider tool selection, submit, then the
// same typed send tail as navigation.
func (e *Engine) autoCreate(ctx context.Context, result *Result) error {
	sessionID := e.session.ID()
	mcpIDs := make([]int64, 0, len(result.MCPTools))
	for _, sel := range result.MCPTools {
		mcpIDs = append(mcpIDs, sel.MCPID)
	}

	e.session.SetStage(StageNavigating)
	if err := e.screen.Navigate(RoutePlaza); err != nil {
		return err
	}
	if err := e.wait(e.delay(pacePageTransition)); err != nil {
		return err
	}

	create, err := e.waitForControl(CtrlCreateButton)
	if err != nil {
		return err
	}
	if err := e.highlight(create); err != nil {
		return err
	}
	if err := e.wait(e.delay(paceAfterHighlight)); err != nil {
		return err
	}

	if err := e.screen.Navigate(CreateForgeRoute); err != nil {
		return err
	}
	if err := e.wait(e.delay(pacePageTransition)); err != nil {
		return err
	}

	e.session.SetStage(StageCreating)
	e.session.SetConfig(&GeneratedConfig{MCPTools: result.MCPTools})
	if err := e.generateConfig(ctx, result.OriginalQuery, mcpIDs, sessionID); err != nil {
		return err
	}

	return e.continueAfterConfig(result.MCPTools, result.OriginalQuery)
}

// generateConfig runs the config SSE channel to completion, routing each
// field's chunks independently and mirroring them into the form.
func (e *Engine) generateConfig(ctx context.Context, userIntent string, mcpIDs []int64, sessionID string) error {
	cctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.configCancel = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		e.configCancel = nil
		e.mu.Unlock()
	}()

	complete := false
	var streamErr error
	err := e.api.GenerateConfig(cctx, userIntent, mcpIDs, sessionID, func(ev stream.SSEEvent) {
		switch {
		case ev.Type == "complete":
			complete = true
		case ev.Type == "error":
			streamErr = errors.New(ev.Message)
			cancel()
		default:
			e.applyConfigEvent(ev)
		}
	})
	if streamErr != nil {
		e.screen.Notify(NoticeError, "Config generation failed: "+streamErr.Error())
		return streamErr
	}
	if err != nil {
		return err
	}
	if err := e.checkCancelled(); err != nil {
		return err
	}
	if !complete {
		return errors.New("config stream ended before completion")
	}

	fields := e.session.Fields()
	cfg := e.session.Config()
	if cfg != nil {
		cfg.Name = fields.Name.Content
		cfg.Description = fields.Description.Content
		cfg.SystemPrompt = fields.SystemPrompt.Content
		e.session.SetConfig(cfg)
	}
	return nil
}

// applyConfigEvent routes one field-tagged SSE event. Unknown event names
// are ignored, same as the chat reducer's forward-compatibility stance.
func (e *Engine) applyConfigEvent(ev stream.SSEEvent) {
	if field, ok := strings.CutSuffix(ev.Type, "_start"); ok {
		e.session.SetFieldStatus(field, FieldStreaming, nil)
		return
	}
	if field, ok := strings.CutSuffix(ev.Type, "_chunk"); ok {
		if ev.Content == "" {
			return
		}
		total := e.session.AppendField(field, ev.Content)
		e.updateFormField(field, total)
		return
	}
	if field, ok := strings.CutSuffix(ev.Type, "_done"); ok {
		if ev.Content != "" {
			e.session.SetFieldStatus(field, FieldDone, &ev.Content)
			e.updateFormField(field, ev.Content)
		} else {
			e.session.SetFieldStatus(field, FieldDone, nil)
		}
		return
	}
}

// updateFormField mirrors streamed config content into the visible form.
// The name field is a plain input; the markdown fields are owned by the
// form component and updated through an event.
func (e *Engine) updateFormField(field, content string) {
	switch field {
	case FieldName:
		if el := e.screen.Lookup(CtrlForgeNameInput); el != nil {
			el.ScrollIntoView()
			el.SetValue(content)
		}
	case FieldDescription, FieldSystemPrompt:
		e.screen.Dispatch(EventFormUpdate, map[string]any{"field": field, "content": content})
	}
}

// continueAfterConfig runs the post-generation half of auto creation: tool
// selection once per provider, then submit and the typed send tail on the
// new forge's page.
func (e *Engine) continueAfterConfig(tools []ToolSelection, originalQuery string) error {
	if err := e.checkCancelled(); err != nil {
		return err
	}
	e.session.SetStage(StageCreating)
	if err := e.wait(e.delay(paceSearchUpdate)); err != nil {
		return err
	}

	addBtn, err := e.waitForControl(CtrlAddMCPButton)
	if err != nil {
		return err
	}
	addBtn.ScrollIntoView()
	if err := e.wait(e.delay(paceAfterHighlight)); err != nil {
		return err
	}
	if err := e.highlight(addBtn); err != nil {
		return err
	}
	addBtn.Click()
	if err := e.wait(e.delay(pacePageTransition)); err != nil {
		return err
	}

	// Each provider gets its own dialog round trip.
	for i, sel := range tools {
		if err := e.checkCancelled(); err != nil {
			return err
		}
		if i > 0 {
			again, err := e.waitForControl(CtrlAddMCPButton)
			if err != nil {
				return err
			}
			again.Click()
			if err := e.wait(e.delay(pacePageTransition)); err != nil {
				return err
			}
		}

		e.screen.Dispatch(EventSelectTools, map[string]any{
			"mcpId":     sel.MCPID,
			"toolNames": sel.ToolNames,
		})
		if err := e.wait(e.delay(pacePageTransition)); err != nil {
			return err
		}
		if err := e.wait(e.delay(paceMCPSelect)); err != nil {
			return err
		}

		e.screen.Dispatch(EventConfirmMCP, nil)
		if err := e.wait(e.delay(paceSearchUpdate)); err != nil {
			return err
		}
	}

	submit, err := e.waitForControl(CtrlSubmitButton)
	if err != nil {
		return err
	}
	submit.ScrollIntoView()
	if err := e.wait(e.delay(paceBeforeSubmit)); err != nil {
		return err
	}
	if err := e.highlight(submit); err != nil {
		return err
	}
	submit.Click()

	// Submission navigates to the new forge's page once the server assigns
	// an id.
	if _, err := e.waitForRoute(func(route string) bool {
		return strings.HasPrefix(route, "/forge/") && route != CreateForgeRoute && route != RoutePlaza
	}); err != nil {
		return err
	}
	if err := e.wait(e.delay(pacePageTransition)); err != nil {
		return err
	}

	if err := e.typeAndSend(originalQuery); err != nil {
		return err
	}

	e.session.CompleteOperation()
	return nil
}

// handleNoToolNeeded redirects a query the model can answer directly to a
// plain task page.
func (e *Engine) handleNoToolNeeded(query string) {
	e.screen.Notify(NoticeInfo, "No tools needed for this, taking you to a chat")
	if err := e.wait(800 * time.Millisecond); err != nil {
		e.session.CancelOperation()
		return
	}
	e.fallbackToPlainTask(query)
	e.session.CompleteOperation()
}

// handleNotSupported covers queries that need tools nobody has installed.
func (e *Engine) handleNotSupported(query string) {
	e.screen.Notify(NoticeWarning, "No installed tool can do this, ask an admin to add one")
	if err := e.wait(time.Second); err != nil {
		e.session.CancelOperation()
		return
	}
	e.fallbackToPlainTask(query)
	e.session.CompleteOperation()
}

// fallbackToPlainTask hands the query (plus captured files and send
// settings) to a fresh task page through the session store, the same path a
// disabled smart-routing toggle takes.
func (e *Engine) fallbackToPlainTask(query string) {
	taskID := uuid.NewString()
	e.handoff.Set(chat.InitKey(taskID), query)

	if files := e.session.Files(); len(files) > 0 {
		if raw, err := json.Marshal(files); err == nil {
			e.handoff.Set(chat.FileKey(taskID), string(raw))
		}
	}
	if e.session.Thinking() {
		e.local.Set(chat.EnableThinkingKey, "true")
	}
	if mode := e.session.EnhanceMode(); mode != "" && mode != "off" {
		e.handoff.Set(chat.EnhanceModeKey(taskID), mode)
	}

	if err := e.screen.Navigate(TaskRoute(taskID)); err != nil {
		e.log.WithError(err).Error("fallback navigation failed")
	}
}

// Cancel stops the running flow: latch the flag, tear down the config
// stream, notify the server best-effort, then run the cleanups.
func (e *Engine) Cancel(ctx context.Context) {
	e.session.markCancelled()

	e.mu.Lock()
	cancel := e.configCancel
	e.configCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if sessionID := e.session.ID(); sessionID != "" {
		if err := e.api.CancelIntent(ctx, sessionID); err != nil {
			e.log.WithError(err).Warn("cancel intent call failed")
		}
	}

	e.session.CancelOperation()
}
