package ws

import (
	"context"
	"sync"

	"github.com/acprelay/server/acp"
)

// mockConn is a scripted agent connection for handler tests.
type mockConn struct {
	mu       sync.Mutex
	handler  acp.Handler
	prompts  []acp.PromptRequest
	cancels  []string
	setModes []acp.SetModeRequest
	closed   bool

	promptFn func(ctx context.Context, req acp.PromptRequest) (*acp.PromptResponse, error)
}

func (c *mockConn) Initialize(ctx context.Context) (*acp.InitializeResponse, error) {
	return &acp.InitializeResponse{ProtocolVersion: acp.ProtocolVersion}, nil
}

func (c *mockConn) NewSession(ctx context.Context, req acp.NewSessionRequest) (*acp.NewSessionResponse, error) {
	return &acp.NewSessionResponse{
		SessionID: "agent-1",
		Modes:     []acp.ModeState{{ID: "default", IsCurrent: true}},
	}, nil
}

func (c *mockConn) Prompt(ctx context.Context, req acp.PromptRequest) (*acp.PromptResponse, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, req)
	fn := c.promptFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &acp.PromptResponse{StopReason: "end_turn"}, nil
}

func (c *mockConn) SetMode(ctx context.Context, req acp.SetModeRequest) error {
	c.mu.Lock()
	c.setModes = append(c.setModes, req)
	c.mu.Unlock()
	return nil
}

func (c *mockConn) Cancel(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	c.cancels = append(c.cancels, sessionID)
	c.mu.Unlock()
	return nil
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *mockConn) getHandler() acp.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

type mockDialer struct {
	conn *mockConn
}

func (d *mockDialer) Dial(ctx context.Context, handler acp.Handler) (acp.Conn, error) {
	d.conn.mu.Lock()
	d.conn.handler = handler
	d.conn.mu.Unlock()
	return d.conn, nil
}
