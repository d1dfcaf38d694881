// Package intent implements the smart-routing flow: intent analysis, the
// auto-navigation and auto-creation scripts that drive the UI on the user's
// behalf, and the config-generation stream that fills the creation form.
package intent

// RouteType tags the analyzer verdict.
type RouteType string

const (
	RouteUseExistingForge RouteType = "use_existing_forge"
	RouteNoMatch          RouteType = "no_match"
	RouteCreateForge      RouteType = "create_forge"
	RouteNotSupported     RouteType = "not_supported"
	RouteNoToolNeeded     RouteType = "no_tool_needed"
)

// ToolSelection picks specific tools from one MCP provider.
type ToolSelection struct {
	MCPID     int64    `json:"mcpId"`
	ToolNames []string `json:"toolNames"`
}

// Result is the intent-analysis verdict. Fields beyond Type and
// OriginalQuery are populated per route: ForgeID/ForgeName for
// use_existing_forge, MCPTools for create_forge.
type Result struct {
	Type          RouteType       `json:"type"`
	ForgeID       int64           `json:"forgeId,omitempty"`
	ForgeName     string          `json:"forgeName,omitempty"`
	MCPTools      []ToolSelection `json:"mcpTools,omitempty"`
	OriginalQuery string          `json:"originalQuery"`
}

// GeneratedConfig is the forge profile assembled by config generation.
type GeneratedConfig struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	SystemPrompt string          `json:"systemPrompt"`
	MCPTools     []ToolSelection `json:"mcpTools"`
}

// FieldStatus tracks one config field through its streaming lifecycle.
type FieldStatus string

const (
	FieldPending   FieldStatus = "pending"
	FieldStreaming FieldStatus = "streaming"
	FieldDone      FieldStatus = "done"
)

type ConfigField struct {
	Status  FieldStatus
	Content string
}

// Config field names as they appear in the SSE event vocabulary.
const (
	FieldName         = "name"
	FieldDescription  = "description"
	FieldSystemPrompt = "systemPrompt"
)

// ConfigState holds the three concurrently streamed config fields. Chunks
// are routed by field name, so each field coalesces independently.
type ConfigState struct {
	Name         ConfigField
	Description  ConfigField
	SystemPrompt ConfigField
}

func NewConfigState() ConfigState {
	return ConfigState{
		Name:         ConfigField{Status: FieldPending},
		Description:  ConfigField{Status: FieldPending},
		SystemPrompt: ConfigField{Status: FieldPending},
	}
}

// Field resolves a field by its wire name; nil for unknown names.
func (s *ConfigState) Field(name string) *ConfigField {
	switch name {
	case FieldName:
		return &s.Name
	case FieldDescription:
		return &s.Description
	case FieldSystemPrompt:
		return &s.SystemPrompt
	}
	return nil
}

// Generating reports whether any field is mid-stream.
func (s *ConfigState) Generating() bool {
	return s.Name.Status == FieldStreaming ||
		s.Description.Status == FieldStreaming ||
		s.SystemPrompt.Status == FieldStreaming
}

// Complete reports whether every field finished.
func (s *ConfigState) Complete() bool {
	return s.Name.Status == FieldDone &&
		s.Description.Status == FieldDone &&
		s.SystemPrompt.Status == FieldDone
}

// Stage is the auto-operation phase shown to the user. Idle is both the
// initial and the terminal state.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageAnalyzing  Stage = "analyzing"
	StageNavigating Stage = "navigating"
	StageCreating   Stage = "creating"
	StageTyping     Stage = "typing"
	StageSending    Stage = "sending"
)

var stageText = map[Stage]string{
	StageIdle:       "",
	StageAnalyzing:  "Analyzing your request...",
	StageNavigating: "Taking you there...",
	StageCreating:   "Creating your forge...",
	StageTyping:     "Typing...",
	StageSending:    "Sending...",
}

// Text returns the user-facing label for the stage.
func (s Stage) Text() string { return stageText[s] }
