package acp

import "context"

// Conn is a single bidirectional agent connection. Outbound calls block until
// the agent responds or ctx is cancelled. A Conn serves exactly one session.
type Conn interface {
	// Initialize performs the protocol handshake. It must be called before
	// NewSession.
	Initialize(ctx context.Context) (*InitializeResponse, error)

	// NewSession creates the agent-side session and returns its id along
	// with the available modes and models.
	NewSession(ctx context.Context, req NewSessionRequest) (*NewSessionResponse, error)

	// Prompt submits one user turn and blocks until the turn completes.
	// Session updates produced by the turn arrive on the Handler while
	// Prompt is in flight.
	Prompt(ctx context.Context, req PromptRequest) (*PromptResponse, error)

	// SetMode switches the session mode.
	SetMode(ctx context.Context, req SetModeRequest) error

	// Cancel asks the agent to stop the in-flight turn. It is a
	// notification; the cancelled turn still completes through Prompt.
	Cancel(ctx context.Context, sessionID string) error

	// Close tears down the connection and the agent behind it.
	Close() error
}

// Handler receives inbound traffic from the agent. Implemented by the session
// bridge; a Handler must be safe for concurrent use.
type Handler interface {
	// SessionUpdate is invoked for every session/update notification.
	SessionUpdate(ctx context.Context, n SessionNotification)

	// RequestPermission is invoked when the agent asks to run a guarded
	// tool call. The agent blocks on the returned outcome.
	RequestPermission(ctx context.Context, req RequestPermissionRequest) (RequestPermissionResponse, error)

	// AskQuestion is invoked when the agent needs answers from the user.
	// The agent blocks on the returned answers.
	AskQuestion(ctx context.Context, req QuestionRequest) (QuestionResponse, error)
}

// Dialer opens agent connections. The handler is installed before any
// inbound traffic can be delivered.
type Dialer interface {
	Dial(ctx context.Context, handler Handler) (Conn, error)
}
