package bridge

import (
	"encoding/json"

	"github.com/acprelay/server/acp"
)

// Event types synthesized by the bridge. Agent notifications are forwarded
// under "acp.<kind>" instead; see Session.SessionUpdate.
const (
	EventSessionStarted      = "session.started"
	EventSessionEnded        = "session.ended"
	EventClientMessage       = "client.message"
	EventPermissionRequested = "permission.requested"
	EventPermissionResolved  = "permission.resolved"
	EventQuestionRequested   = "question.requested"
	EventQuestionResolved    = "question.resolved"
	EventError               = "error"
	EventUnparsed            = "agent.unparsed"

	agentEventPrefix = "acp."
)

type sessionStartedData struct {
	AgentSessionID string           `json:"agent_session_id"`
	Modes          []acp.ModeState  `json:"modes,omitempty"`
	Models         []acp.ModelState `json:"models,omitempty"`
}

type clientMessageData struct {
	Text string `json:"text"`
}

type permissionRequestedData struct {
	PermissionID string                 `json:"permission_id"`
	ToolCall     acp.ToolCallInfo       `json:"tool_call"`
	Options      []acp.PermissionOption `json:"options"`
}

type permissionResolvedData struct {
	PermissionID string                `json:"permission_id"`
	Outcome      acp.PermissionOutcome `json:"outcome"`
}

type questionRequestedData struct {
	QuestionID string         `json:"question_id"`
	Questions  []acp.Question `json:"questions"`
}

type questionResolvedData struct {
	QuestionID string            `json:"question_id"`
	Cancelled  bool              `json:"cancelled"`
	Answers    map[string]string `json:"answers,omitempty"`
}

type errorData struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

// encode marshals a synthetic event payload. The payload types above contain
// nothing that can fail to marshal.
func encode(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
