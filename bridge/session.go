package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acprelay/server/acp"
	"github.com/acprelay/server/correlation"
	"github.com/acprelay/server/eventlog"
)

// State is the lifecycle phase of a session. Transitions only move forward:
// Initializing to Active to Ended.
type State int

const (
	StateInitializing State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Session bridges one agent connection to the event log and the correlation
// registries. It implements acp.Handler so inbound agent traffic lands here.
type Session struct {
	ID     string
	log    *eventlog.Log
	logger *slog.Logger

	permissions *correlation.Registry[acp.RequestPermissionRequest, acp.RequestPermissionResponse]
	questions   *correlation.Registry[acp.QuestionRequest, acp.QuestionResponse]

	mu           sync.Mutex
	state        State
	conn         acp.Conn
	agentID      string
	modes        []acp.ModeState
	models       []acp.ModelState
	currentMode  string
	createdAt    time.Time
	lastActiveAt time.Time
}

func newSession(id string, logger *slog.Logger) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		log:          eventlog.New(),
		logger:       logger.With("sessionId", id),
		permissions:  correlation.NewRegistry[acp.RequestPermissionRequest, acp.RequestPermissionResponse](),
		questions:    correlation.NewRegistry[acp.QuestionRequest, acp.QuestionResponse](),
		state:        StateInitializing,
		createdAt:    now,
		lastActiveAt: now,
	}
}

// activate installs the agent connection and moves the session to Active.
// Called once by the manager after the handshake succeeds. Ended is terminal:
// a session terminated while the handshake was in flight stays ended, and the
// caller owns closing the just-dialed connection.
func (s *Session) activate(conn acp.Conn, resp *acp.NewSessionResponse) error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.conn = conn
	s.agentID = resp.SessionID
	s.modes = resp.Modes
	s.models = resp.Models
	for _, m := range resp.Modes {
		if m.IsCurrent {
			s.currentMode = m.ID
		}
	}
	s.state = StateActive
	s.mu.Unlock()

	s.log.Append(EventSessionStarted, eventlog.SourceClient, true, encode(sessionStartedData{
		AgentSessionID: resp.SessionID,
		Modes:          resp.Modes,
		Models:         resp.Models,
	}))
	s.logger.Info("session started", "agentSessionId", resp.SessionID)
	return nil
}

// activeConn returns the agent connection, or the reason it is unavailable.
func (s *Session) activeConn() (acp.Conn, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateEnded:
		return nil, "", ErrSessionEnded
	case StateInitializing:
		return nil, "", ErrSessionNotReady
	}
	return s.conn, s.agentID, nil
}

func (s *Session) ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateEnded
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActiveAt = time.Now().UTC()
	s.mu.Unlock()
}

// appendError records a failed forwarded call in the log before the error is
// returned to the caller, so turn streams observe it ahead of their error.
func (s *Session) appendError(op string, err error) {
	s.log.Append(EventError, eventlog.SourceClient, true, encode(errorData{
		Op:      op,
		Message: err.Error(),
	}))
}

// --- acp.Handler ---

// SessionUpdate forwards an agent notification into the log. Parseable
// updates keep their kind under the "acp." prefix; payloads the connection
// could not make sense of are preserved as agent.unparsed events rather than
// dropped.
func (s *Session) SessionUpdate(ctx context.Context, n acp.SessionNotification) {
	s.touch()

	if n.Update.Type == "" {
		s.logger.Warn("unparsed agent notification")
		s.log.Append(EventUnparsed, eventlog.SourceAgent, true, n.Update.Raw)
		return
	}

	if n.Update.Type == "current_mode_update" && n.Update.CurrentModeID != "" {
		s.mu.Lock()
		s.currentMode = n.Update.CurrentModeID
		s.mu.Unlock()
	}

	s.log.Append(agentEventPrefix+n.Update.Type, eventlog.SourceAgent, false, n.Update.Raw)
}

// RequestPermission records the agent's request in the log under a fresh
// permission id and blocks until a client decides through ReplyPermission, or
// until session teardown force-resolves it to cancelled.
func (s *Session) RequestPermission(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	s.touch()

	id := uuid.Must(uuid.NewV7()).String()
	ch := s.permissions.Add(id, req)

	s.log.Append(EventPermissionRequested, eventlog.SourceAgent, true, encode(permissionRequestedData{
		PermissionID: id,
		ToolCall:     req.ToolCall,
		Options:      req.Options,
	}))
	s.logger.Info("permission requested", "permissionId", id, "tool", req.ToolCall.ToolName)

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return acp.RequestPermissionResponse{}, ctx.Err()
	}
}

// AskQuestion mirrors RequestPermission for the agent's user questions.
func (s *Session) AskQuestion(ctx context.Context, req acp.QuestionRequest) (acp.QuestionResponse, error) {
	s.touch()

	id := uuid.Must(uuid.NewV7()).String()
	ch := s.questions.Add(id, req)

	s.log.Append(EventQuestionRequested, eventlog.SourceAgent, true, encode(questionRequestedData{
		QuestionID: id,
		Questions:  req.Questions,
	}))
	s.logger.Info("question requested", "questionId", id, "count", len(req.Questions))

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return acp.QuestionResponse{}, ctx.Err()
	}
}

// --- client-facing operations ---

// PostMessage forwards one user turn to the agent and blocks until the turn
// completes. Agent-side failures are recorded in the log before being
// returned.
func (s *Session) PostMessage(ctx context.Context, text string) error {
	conn, agentID, err := s.activeConn()
	if err != nil {
		return err
	}
	s.touch()

	s.log.Append(EventClientMessage, eventlog.SourceClient, false, encode(clientMessageData{Text: text}))

	if _, err := conn.Prompt(ctx, acp.PromptRequest{
		SessionID: agentID,
		Prompt:    []acp.ContentBlock{acp.NewTextContent(text)},
	}); err != nil {
		s.appendError("prompt", err)
		return &UpstreamError{Op: "prompt", Cause: err}
	}
	return nil
}

// StreamTurn posts text as a turn and streams the events it produces. The
// stream closes once the turn settles and every event appended during it has
// been delivered; TurnStream.Err reports the outcome after that.
func (s *Session) StreamTurn(ctx context.Context, text string) *eventlog.TurnStream {
	return s.log.StreamTurn(ctx, func(ctx context.Context) error {
		return s.PostMessage(ctx, text)
	})
}

// SetMode switches the agent-side session mode.
func (s *Session) SetMode(ctx context.Context, modeID string) error {
	conn, agentID, err := s.activeConn()
	if err != nil {
		return err
	}
	s.touch()

	if err := conn.SetMode(ctx, acp.SetModeRequest{SessionID: agentID, ModeID: modeID}); err != nil {
		s.appendError("set_mode", err)
		return &UpstreamError{Op: "set_mode", Cause: err}
	}
	s.mu.Lock()
	s.currentMode = modeID
	s.mu.Unlock()
	return nil
}

// Interrupt asks the agent to stop the in-flight turn. The turn still settles
// through its pending PostMessage or StreamTurn call.
func (s *Session) Interrupt(ctx context.Context) error {
	conn, agentID, err := s.activeConn()
	if err != nil {
		return err
	}
	if err := conn.Cancel(ctx, agentID); err != nil {
		return &UpstreamError{Op: "cancel", Cause: err}
	}
	return nil
}

// ReplyPermission settles a pending permission request. reply is one of
// "once", "always" or "reject"; it is mapped onto the options the agent
// offered, falling back to a cancelled outcome when nothing matches.
func (s *Session) ReplyPermission(id, reply string) error {
	if s.ended() {
		return ErrSessionEnded
	}

	req, ok := s.permissions.Get(id)
	if !ok {
		// A terminate may have drained the request since the check above.
		if s.ended() {
			return ErrSessionEnded
		}
		if s.permissions.WasResolved(id) {
			return ErrAlreadyResolved
		}
		return ErrRequestNotFound
	}

	resp, err := outcomeForReply(req.Options, reply)
	if err != nil {
		return err
	}

	ok, already := s.permissions.Resolve(id, resp)
	if !ok {
		if s.ended() {
			return ErrSessionEnded
		}
		if already {
			return ErrAlreadyResolved
		}
		return ErrRequestNotFound
	}

	s.log.Append(EventPermissionResolved, eventlog.SourceClient, true, encode(permissionResolvedData{
		PermissionID: id,
		Outcome:      resp.Outcome,
	}))
	s.logger.Info("permission resolved", "permissionId", id, "reply", reply)
	return nil
}

// outcomeForReply picks the agent-offered option matching the client's
// decision. "once" prefers allow_once, "always" prefers allow_always, and
// each falls back to the other allow kind. "reject" picks the first reject
// option, or a cancelled outcome when the agent offered none.
func outcomeForReply(options []acp.PermissionOption, reply string) (acp.RequestPermissionResponse, error) {
	var primary, fallback string
	switch reply {
	case "once":
		primary, fallback = acp.OptionAllowOnce, acp.OptionAllowAlways
	case "always":
		primary, fallback = acp.OptionAllowAlways, acp.OptionAllowOnce
	case "reject":
		for _, opt := range options {
			if opt.Kind == acp.OptionRejectOnce || opt.Kind == acp.OptionRejectAlways {
				return acp.SelectedOutcome(opt.ID), nil
			}
		}
		return acp.CancelledOutcome(), nil
	default:
		return acp.RequestPermissionResponse{}, ErrInvalidReply
	}

	for _, kind := range []string{primary, fallback} {
		for _, opt := range options {
			if opt.Kind == kind {
				return acp.SelectedOutcome(opt.ID), nil
			}
		}
	}
	return acp.CancelledOutcome(), nil
}

// ReplyQuestion settles a pending question request. nil answers means the
// user dismissed the questions.
func (s *Session) ReplyQuestion(id string, answers map[string]string) error {
	if s.ended() {
		return ErrSessionEnded
	}

	resp := acp.QuestionResponse{Answers: answers}
	if answers == nil {
		resp = acp.QuestionResponse{Cancelled: true}
	}

	ok, already := s.questions.Resolve(id, resp)
	if !ok {
		if s.ended() {
			return ErrSessionEnded
		}
		if already || s.questions.WasResolved(id) {
			return ErrAlreadyResolved
		}
		return ErrRequestNotFound
	}

	s.log.Append(EventQuestionResolved, eventlog.SourceClient, true, encode(questionResolvedData{
		QuestionID: id,
		Cancelled:  resp.Cancelled,
		Answers:    resp.Answers,
	}))
	s.logger.Info("question resolved", "questionId", id, "cancelled", resp.Cancelled)
	return nil
}

// --- reads ---

// Events returns stored events after cursor, capped at limit when positive.
// Readable in every state, including after the session ended.
func (s *Session) Events(cursor uint64, limit int) []eventlog.Event {
	return s.log.Snapshot(cursor, limit)
}

// StreamEvents replays events after cursor and then follows live appends
// until ctx is cancelled or the session ends.
func (s *Session) StreamEvents(ctx context.Context, cursor uint64) <-chan eventlog.Event {
	return s.log.Tail(ctx, cursor)
}

// Terminate moves the session to Ended: the session.ended event is appended,
// every pending permission and question is force-resolved to cancelled, the
// log is closed so tails drain out, and the agent connection is torn down.
func (s *Session) Terminate() error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.state = StateEnded
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.log.Append(EventSessionEnded, eventlog.SourceClient, true, nil)
	pendingPerms := s.permissions.Drain(acp.CancelledOutcome())
	pendingQs := s.questions.Drain(acp.QuestionResponse{Cancelled: true})
	s.log.Close()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("agent connection close failed", "error", err)
		}
	}
	s.logger.Info("session ended", "pendingPermissions", pendingPerms, "pendingQuestions", pendingQs)
	return nil
}

// Summary reports the session's current lifecycle and negotiation state.
func (s *Session) Summary() SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSummary{
		ID:             s.ID,
		State:          s.state.String(),
		AgentSessionID: s.agentID,
		CurrentMode:    s.currentMode,
		Modes:          s.modes,
		Models:         s.models,
		CreatedAt:      s.createdAt,
		LastActiveAt:   s.lastActiveAt,
		LastSequence:   s.log.LastSequence(),
	}
}
