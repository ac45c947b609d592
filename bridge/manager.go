package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acprelay/server/acp"
	"github.com/acprelay/server/eventlog"
)

// SessionSpec carries per-session creation parameters. Zero values fall back
// to the manager's defaults.
type SessionSpec struct {
	CWD        string                `json:"cwd,omitempty"`
	McpServers []acp.McpServerConfig `json:"mcpServers,omitempty"`
}

// SessionSummary is the listing view of one session.
type SessionSummary struct {
	ID             string           `json:"id"`
	State          string           `json:"state"`
	AgentSessionID string           `json:"agent_session_id,omitempty"`
	CurrentMode    string           `json:"current_mode,omitempty"`
	Modes          []acp.ModeState  `json:"modes,omitempty"`
	Models         []acp.ModelState `json:"models,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	LastActiveAt   time.Time        `json:"last_active_at"`
	LastSequence   uint64           `json:"last_sequence"`
}

// Manager owns every session: it dials agents, runs the handshake, and routes
// client calls to the right session bridge. Safe for concurrent use.
type Manager struct {
	dialer  acp.Dialer
	workDir string
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager that dials agents through dialer. workDir is
// the default working directory for new sessions.
func NewManager(dialer acp.Dialer, workDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:   dialer,
		workDir:  workDir,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// CreateSession spawns an agent, runs the initialize and session/new
// handshake, and registers the session under id. An empty id gets a generated
// one. The returned summary reflects the Active session.
func (m *Manager) CreateSession(ctx context.Context, id string, spec SessionSpec) (SessionSummary, error) {
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	s := newSession(id, m.logger)

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return SessionSummary{}, ErrSessionExists
	}
	m.sessions[id] = s
	m.mu.Unlock()

	summary, err := m.startSession(ctx, s, spec)
	if err != nil {
		// A session terminated mid-handshake stays registered as ended,
		// like any other ended session. Handshake failures unregister.
		if !errors.Is(err, ErrSessionEnded) {
			m.mu.Lock()
			delete(m.sessions, id)
			m.mu.Unlock()
		}
		return SessionSummary{}, err
	}
	return summary, nil
}

func (m *Manager) startSession(ctx context.Context, s *Session, spec SessionSpec) (SessionSummary, error) {
	conn, err := m.dialer.Dial(ctx, s)
	if err != nil {
		return SessionSummary{}, &UpstreamError{Op: "dial", Cause: err}
	}

	if _, err := conn.Initialize(ctx); err != nil {
		conn.Close()
		return SessionSummary{}, &UpstreamError{Op: "initialize", Cause: err}
	}

	cwd := spec.CWD
	if cwd == "" {
		cwd = m.workDir
	}
	resp, err := conn.NewSession(ctx, acp.NewSessionRequest{
		CWD:        cwd,
		McpServers: spec.McpServers,
	})
	if err != nil {
		conn.Close()
		return SessionSummary{}, &UpstreamError{Op: "session/new", Cause: err}
	}

	if err := s.activate(conn, resp); err != nil {
		conn.Close()
		return SessionSummary{}, err
	}
	return s.Summary(), nil
}

// get looks up a session by id.
func (m *Manager) get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Summary returns the listing view of one session.
func (m *Manager) Summary(id string) (SessionSummary, error) {
	s, err := m.get(id)
	if err != nil {
		return SessionSummary{}, err
	}
	return s.Summary(), nil
}

// ListSessions returns a summary per known session, ended ones included,
// ordered by creation time.
func (m *Manager) ListSessions() []SessionSummary {
	m.mu.RLock()
	out := make([]SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Summary())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PostMessage forwards one user turn and blocks until it completes.
func (m *Manager) PostMessage(ctx context.Context, id, text string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.PostMessage(ctx, text)
}

// StreamTurn posts text as a turn and returns the stream of events the turn
// produces.
func (m *Manager) StreamTurn(ctx context.Context, id, text string) (*eventlog.TurnStream, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.StreamTurn(ctx, text), nil
}

// SetMode switches a session's mode.
func (m *Manager) SetMode(ctx context.Context, id, modeID string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.SetMode(ctx, modeID)
}

// Interrupt cancels a session's in-flight turn.
func (m *Manager) Interrupt(ctx context.Context, id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.Interrupt(ctx)
}

// ReplyPermission settles a pending permission request on a session.
func (m *Manager) ReplyPermission(id, permissionID, reply string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.ReplyPermission(permissionID, reply)
}

// ReplyQuestion settles a pending question request on a session.
func (m *Manager) ReplyQuestion(id, questionID string, answers map[string]string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.ReplyQuestion(questionID, answers)
}

// Events returns a session's stored events after cursor.
func (m *Manager) Events(id string, cursor uint64, limit int) ([]eventlog.Event, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.Events(cursor, limit), nil
}

// StreamEvents replays a session's events after cursor and follows live
// appends until ctx is cancelled or the session ends.
func (m *Manager) StreamEvents(ctx context.Context, id string, cursor uint64) (<-chan eventlog.Event, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.StreamEvents(ctx, cursor), nil
}

// TerminateSession ends a session. The session stays listed as ended and its
// stored events stay readable; every other call against it fails afterwards.
func (m *Manager) TerminateSession(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.Terminate()
}

// Shutdown terminates every live session. Used on server exit.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		if err := s.Terminate(); err != nil && err != ErrSessionEnded {
			m.logger.Warn("session terminate failed", "sessionId", s.ID, "error", err)
		}
	}
}
