// Package rpc defines JSON-RPC 2.0 wire format types for WebSocket
// communication. These types represent the params and result structures for
// all RPC methods.
package rpc

import (
	"github.com/acprelay/server/acp"
	"github.com/acprelay/server/bridge"
	"github.com/acprelay/server/eventlog"
)

// Client → Server

type AuthParams struct {
	Token string `json:"token"`
}

type SessionCreateParams struct {
	SessionID  string                `json:"session_id,omitempty"` // generated when empty
	CWD        string                `json:"cwd,omitempty"`
	McpServers []acp.McpServerConfig `json:"mcp_servers,omitempty"`
}

type SessionListResult struct {
	Sessions []bridge.SessionSummary `json:"sessions"`
}

type SessionTerminateParams struct {
	SessionID string `json:"session_id"`
}

type SessionEventsParams struct {
	SessionID string `json:"session_id"`
	Cursor    uint64 `json:"cursor,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type SessionEventsResult struct {
	Events []eventlog.Event `json:"events"`
}

type SubscribeParams struct {
	SessionID string `json:"session_id"`
	Cursor    uint64 `json:"cursor,omitempty"`
}

type SubscribeResult struct {
	State        string `json:"state"`
	LastSequence uint64 `json:"last_sequence"`
}

type UnsubscribeParams struct {
	SessionID string `json:"session_id"`
}

type SetModeParams struct {
	SessionID string `json:"session_id"`
	ModeID    string `json:"mode_id"`
}

type MessageParams struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

type TurnParams struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

type TurnResult struct {
	TurnID     string `json:"turn_id"`
	EventCount int    `json:"event_count"`
}

type InterruptParams struct {
	SessionID string `json:"session_id"`
}

type PermissionResponseParams struct {
	SessionID    string `json:"session_id"`
	PermissionID string `json:"permission_id"`
	Reply        string `json:"reply"` // "once", "always", "reject"
}

type QuestionResponseParams struct {
	SessionID  string            `json:"session_id"`
	QuestionID string            `json:"question_id"`
	Answers    map[string]string `json:"answers"` // nil = cancel
}

// Server → Client

// EventParams is the params of session.event notifications pushed to
// subscribed connections.
type EventParams struct {
	SessionID string         `json:"session_id"`
	Event     eventlog.Event `json:"event"`
}

// TurnEventParams is the params of turn.event notifications emitted while a
// chat.turn request is in flight. The reply to the request follows the last
// notification.
type TurnEventParams struct {
	SessionID string         `json:"session_id"`
	TurnID    string         `json:"turn_id"`
	Event     eventlog.Event `json:"event"`
}
