package acp

import "encoding/json"

// Protocol version spoken by this client.
const ProtocolVersion = 1

// JSON-RPC method names.
const (
	// Agent-provided methods (client sends, agent responds).
	MethodInitialize     = "initialize"
	MethodSessionNew     = "session/new"
	MethodSessionPrompt  = "session/prompt"
	MethodSessionSetMode = "session/set_mode"

	// Client-sent notifications.
	MethodSessionCancel = "session/cancel"

	// Agent-sent notifications.
	MethodSessionUpdate = "session/update"

	// Client-provided methods (agent sends, client responds).
	MethodRequestPermission = "session/request_permission"
	MethodAskUser           = "session/ask_user"
)

// --- Initialize ---

type InitializeRequest struct {
	ProtocolVersion int             `json:"protocolVersion"`
	ClientInfo      *Implementation `json:"clientInfo,omitempty"`
}

type InitializeResponse struct {
	ProtocolVersion int             `json:"protocolVersion"`
	AgentInfo       *Implementation `json:"agentInfo,omitempty"`
}

// Implementation identifies a client or agent.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// --- Session ---

type NewSessionRequest struct {
	CWD        string            `json:"cwd"`
	McpServers []McpServerConfig `json:"mcpServers"`
}

// NewSessionResponse carries the agent-assigned session id plus the modes and
// models negotiated for the session.
type NewSessionResponse struct {
	SessionID string       `json:"sessionId"`
	Modes     []ModeState  `json:"modes,omitempty"`
	Models    []ModelState `json:"models,omitempty"`
}

// ModeState describes an available session mode.
type ModeState struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	IsCurrent   bool   `json:"isCurrent,omitempty"`
}

// ModelState describes an available model.
type ModelState struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	IsCurrent   bool   `json:"isCurrent,omitempty"`
}

// McpServerConfig configures an MCP server for the session.
type McpServerConfig struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Command string   `json:"command,omitempty"`
	URL     string   `json:"url,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []EnvVar `json:"env,omitempty"`
}

// EnvVar is a name-value pair for environment variables.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type SetModeRequest struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// --- Prompt ---

type PromptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResponse indicates the prompt turn has completed.
type PromptResponse struct {
	StopReason string `json:"stopReason"` // "end_turn", "cancelled", "error", "max_tokens"
}

// ContentBlock represents typed content in prompts and messages,
// discriminated by Type.
type ContentBlock struct {
	Type string `json:"type"` // "text", "image", "resource_link"

	Text string `json:"text,omitempty"`

	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64-encoded
	URI      string `json:"uri,omitempty"`
	Name     string `json:"name,omitempty"`
}

// NewTextContent creates a text content block.
func NewTextContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// --- Cancel ---

type CancelNotification struct {
	SessionID string `json:"sessionId"`
}

// --- Session update (notification from agent) ---

// SessionNotification is the params of a session/update notification.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is a discriminated union of notification kinds, keyed by the
// sessionUpdate field. Unknown kinds carry a non-empty Type and are preserved
// verbatim through Raw for forward compatibility.
type SessionUpdate struct {
	Type string `json:"sessionUpdate"`

	// agent_message_chunk / agent_thought_chunk
	Content *ContentBlock `json:"content,omitempty"`

	// tool_call / tool_call_update
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Status     string          `json:"status,omitempty"` // "pending", "running", "completed", "errored"
	Input      json.RawMessage `json:"input,omitempty"`

	// plan_update
	Plan *Plan `json:"plan,omitempty"`

	// current_mode_update
	CurrentModeID string `json:"currentModeId,omitempty"`

	// Raw is the full notification payload as received. Populated by the
	// connection so consumers can forward unknown kinds untouched.
	Raw json.RawMessage `json:"-"`
}

// Plan represents an agent's execution plan.
type Plan struct {
	Entries []PlanEntry `json:"entries"`
}

// PlanEntry is a single step in a plan.
type PlanEntry struct {
	Title    string `json:"title"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// --- Permission requests (agent to client) ---

// RequestPermissionRequest is sent by the agent before executing a guarded
// tool call. The agent blocks until the client responds.
type RequestPermissionRequest struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallInfo       `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// ToolCallInfo describes the tool call requiring permission.
type ToolCallInfo struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName,omitempty"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// Permission option kinds.
const (
	OptionAllowOnce    = "allow_once"
	OptionAllowAlways  = "allow_always"
	OptionRejectOnce   = "reject_once"
	OptionRejectAlways = "reject_always"
)

// PermissionOption describes one permission choice offered by the agent.
type PermissionOption struct {
	ID   string `json:"optionId"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// RequestPermissionResponse carries the client's decision back to the agent.
type RequestPermissionResponse struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// Permission outcome discriminators.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// PermissionOutcome is the result of a permission request, discriminated by
// Type. OptionID is set only for selected outcomes.
type PermissionOutcome struct {
	Type     string `json:"type"`
	OptionID string `json:"optionId,omitempty"`
}

// SelectedOutcome builds a selected outcome for the given option.
func SelectedOutcome(optionID string) RequestPermissionResponse {
	return RequestPermissionResponse{Outcome: PermissionOutcome{Type: OutcomeSelected, OptionID: optionID}}
}

// CancelledOutcome builds a cancelled outcome.
func CancelledOutcome() RequestPermissionResponse {
	return RequestPermissionResponse{Outcome: PermissionOutcome{Type: OutcomeCancelled}}
}

// --- Question requests (agent to client) ---

// QuestionRequest is sent by the agent when it needs free-form or
// multiple-choice answers from the user before continuing.
type QuestionRequest struct {
	SessionID string     `json:"sessionId"`
	Questions []Question `json:"questions"`
}

// Question is a single prompt with its choices.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	Options     []QuestionOption `json:"options,omitempty"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// QuestionResponse carries the answers, keyed by question text. A cancelled
// response has no answers.
type QuestionResponse struct {
	Cancelled bool              `json:"cancelled,omitempty"`
	Answers   map[string]string `json:"answers,omitempty"`
}
