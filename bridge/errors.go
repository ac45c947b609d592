package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when no session with the given id exists.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned by CreateSession when the id is taken.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionEnded is returned for any call against a terminated session.
	ErrSessionEnded = errors.New("session ended")

	// ErrSessionNotReady is returned when the agent handshake for a session
	// has not finished yet.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrRequestNotFound is returned for a reply whose id was never issued.
	ErrRequestNotFound = errors.New("pending request not found")

	// ErrAlreadyResolved is returned for a reply that lost the race against
	// an earlier decision for the same request.
	ErrAlreadyResolved = errors.New("request already resolved")

	// ErrInvalidReply is returned for a permission reply outside the
	// accepted vocabulary.
	ErrInvalidReply = errors.New("invalid permission reply")
)

// UpstreamError wraps a failure reported by the agent connection. The bridge
// itself is healthy; the agent rejected or failed the forwarded call.
type UpstreamError struct {
	Op    string
	Cause error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("agent %s failed: %v", e.Op, e.Cause)
}

func (e *UpstreamError) Unwrap() error {
	return e.Cause
}
