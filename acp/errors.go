package acp

import (
	"errors"
	"fmt"
)

// ErrConnClosed is returned for calls on a closed connection.
var ErrConnClosed = errors.New("agent connection closed")

// RPCError is a JSON-RPC error returned by the agent.
type RPCError struct {
	Message string
	Code    int64
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agent rpc error %d: %s", e.Code, e.Message)
}

// ProtocolError reports a malformed message from the agent.
type ProtocolError struct {
	Message string
	Line    string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}
