package intent

import (
	"sync"

	"github.com/google/uuid"

	"forgechat/internal/chat"
)

// Session is the mutable state of one auto-operation run: stage, captured
// user input, the analyzer verdict, config-generation progress, and the
// cleanup list. The engine owns it exclusively; the UI reads it through the
// accessor methods.
type Session struct {
	mu sync.Mutex

	active    bool
	cancelled bool
	stage     Stage
	id        string

	query    string
	files    []chat.UploadedFile
	thinking bool
	enhance  string

	result *Result
	config *GeneratedConfig
	fields ConfigState

	cleanups []func()
	onChange func()
}

func NewSession() *Session {
	return &Session{stage: StageIdle, fields: NewConfigState()}
}

// OnChange registers the notification hook invoked after every state
// mutation, mirroring the timeline's change callback.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Session) notifyLocked() {
	if s.onChange != nil {
		// Release the lock for the callback so it can read back state.
		fn := s.onChange
		s.mu.Unlock()
		fn()
		s.mu.Lock()
	}
}

// Start arms the session for a new run and returns the generated session id
// used to correlate server-side cancellation.
func (s *Session) Start(query string, files []chat.UploadedFile, thinking bool, enhance string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.active = true
	s.cancelled = false
	s.stage = StageAnalyzing
	s.id = id
	s.query = query
	s.files = files
	s.thinking = thinking
	s.enhance = enhance
	s.result = nil
	s.config = nil
	s.fields = NewConfigState()
	s.cleanups = nil
	s.notifyLocked()
	return id
}

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

func (s *Session) SetStage(stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage = stage
	s.notifyLocked()
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Query() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

func (s *Session) Files() []chat.UploadedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files
}

func (s *Session) Thinking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinking
}

func (s *Session) EnhanceMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enhance
}

func (s *Session) SetResult(r *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = r
	s.notifyLocked()
}

func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *Session) SetConfig(c *GeneratedConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = c
}

func (s *Session) Config() *GeneratedConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// SetFieldStatus moves one config field to a new lifecycle state,
// optionally replacing its content with the final value.
func (s *Session) SetFieldStatus(name string, status FieldStatus, content *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.fields.Field(name)
	if f == nil {
		return
	}
	f.Status = status
	if content != nil {
		f.Content = *content
	}
	s.notifyLocked()
}

// AppendField adds one streamed chunk to the named field and returns the
// accumulated content.
func (s *Session) AppendField(name, chunk string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.fields.Field(name)
	if f == nil {
		return ""
	}
	f.Content += chunk
	s.notifyLocked()
	return f.Content
}

// Fields returns a snapshot of the config-generation state.
func (s *Session) Fields() ConfigState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fields
}

// RegisterCleanup tracks a teardown hook to run when the operation cancels
// or completes. Hooks run at most once.
func (s *Session) RegisterCleanup(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}

// drainCleanups takes ownership of the pending hooks, guaranteeing each runs
// exactly once even if cancel and complete race.
func (s *Session) drainCleanups() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fns := s.cleanups
	s.cleanups = nil
	return fns
}

func (s *Session) markCancelled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// CancelOperation runs every registered cleanup and resets the session to
// idle, discarding captured input and results.
func (s *Session) CancelOperation() {
	for _, fn := range s.drainCleanups() {
		fn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.stage = StageIdle
	s.id = ""
	s.query = ""
	s.files = nil
	s.thinking = false
	s.enhance = ""
	s.result = nil
	s.config = nil
	s.fields = NewConfigState()
	s.notifyLocked()
}

// CompleteOperation runs the cleanups and returns to idle but keeps the
// result and generated config for the UI to show.
func (s *Session) CompleteOperation() {
	for _, fn := range s.drainCleanups() {
		fn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.stage = StageIdle
	s.notifyLocked()
}
