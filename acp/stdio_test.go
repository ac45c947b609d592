package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// testHandler records inbound traffic and answers agent requests with
// configured responses.
type testHandler struct {
	mu       sync.Mutex
	updates  chan SessionNotification
	permResp RequestPermissionResponse
	qResp    QuestionResponse
	permErr  error
}

func newTestHandler() *testHandler {
	return &testHandler{updates: make(chan SessionNotification, 16)}
}

func (h *testHandler) SessionUpdate(_ context.Context, n SessionNotification) {
	h.updates <- n
}

func (h *testHandler) RequestPermission(context.Context, RequestPermissionRequest) (RequestPermissionResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.permResp, h.permErr
}

func (h *testHandler) AskQuestion(context.Context, QuestionRequest) (QuestionResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.qResp, nil
}

// fakeAgent drives the far side of a stdio connection over in-memory pipes.
type fakeAgent struct {
	in  *bufio.Scanner
	out io.Writer
	t   *testing.T
}

func newTestConn(t *testing.T, h Handler) (*stdioConn, *fakeAgent) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	conn := newStdioConn(h, inW, outR, func() error {
		inW.Close()
		outW.Close()
		return nil
	}, nil)
	go conn.readLoop()
	t.Cleanup(func() { conn.Close() })

	return conn, &fakeAgent{in: bufio.NewScanner(inR), out: outW, t: t}
}

func (a *fakeAgent) read() inboundMessage {
	a.t.Helper()
	if !a.in.Scan() {
		a.t.Fatalf("agent: no more input: %v", a.in.Err())
	}
	var msg inboundMessage
	if err := json.Unmarshal(a.in.Bytes(), &msg); err != nil {
		a.t.Fatalf("agent: bad message: %v", err)
	}
	return msg
}

func (a *fakeAgent) send(v any) {
	a.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		a.t.Fatalf("agent: marshal: %v", err)
	}
	if _, err := a.out.Write(append(data, '\n')); err != nil {
		a.t.Fatalf("agent: write: %v", err)
	}
}

func (a *fakeAgent) respond(id int64, result any) {
	a.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func TestStdioConn_InitializeAndNewSession(t *testing.T) {
	conn, agent := newTestConn(t, newTestHandler())

	go func() {
		msg := agent.read()
		if msg.Method != MethodInitialize {
			agent.t.Errorf("expected initialize, got %q", msg.Method)
		}
		agent.respond(*msg.ID, InitializeResponse{ProtocolVersion: 1, AgentInfo: &Implementation{Name: "fake"}})

		msg = agent.read()
		if msg.Method != MethodSessionNew {
			agent.t.Errorf("expected session/new, got %q", msg.Method)
		}
		var req NewSessionRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			agent.t.Errorf("bad session/new params: %v", err)
		}
		if req.CWD != "/work" {
			agent.t.Errorf("expected cwd /work, got %q", req.CWD)
		}
		agent.respond(*msg.ID, NewSessionResponse{
			SessionID: "agent-sess-1",
			Modes:     []ModeState{{ID: "default", IsCurrent: true}},
			Models:    []ModelState{{ID: "fast"}},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	init, err := conn.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if init.AgentInfo == nil || init.AgentInfo.Name != "fake" {
		t.Errorf("unexpected agent info: %+v", init.AgentInfo)
	}

	sess, err := conn.NewSession(ctx, NewSessionRequest{CWD: "/work"})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if sess.SessionID != "agent-sess-1" {
		t.Errorf("unexpected session id %q", sess.SessionID)
	}
	if len(sess.Modes) != 1 || len(sess.Models) != 1 {
		t.Errorf("expected negotiated modes and models, got %+v", sess)
	}
}

func TestStdioConn_SessionUpdateDeliveredWithRawPayload(t *testing.T) {
	h := newTestHandler()
	_, agent := newTestConn(t, h)

	agent.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  MethodSessionUpdate,
		"params": map[string]any{
			"sessionId": "agent-sess-1",
			"update": map[string]any{
				"sessionUpdate": "agent_message_chunk",
				"content":       map[string]any{"type": "text", "text": "hi"},
			},
		},
	})

	select {
	case n := <-h.updates:
		if n.SessionID != "agent-sess-1" {
			t.Errorf("unexpected session id %q", n.SessionID)
		}
		if n.Update.Type != "agent_message_chunk" {
			t.Errorf("unexpected update type %q", n.Update.Type)
		}
		if n.Update.Content == nil || n.Update.Content.Text != "hi" {
			t.Errorf("unexpected content %+v", n.Update.Content)
		}
		if len(n.Update.Raw) == 0 {
			t.Error("expected raw payload to be preserved")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session update")
	}
}

func TestStdioConn_MalformedUpdateStillDelivered(t *testing.T) {
	h := newTestHandler()
	_, agent := newTestConn(t, h)

	agent.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  MethodSessionUpdate,
		"params":  []any{"not", "an", "object"},
	})

	select {
	case n := <-h.updates:
		if n.Update.Type != "" {
			t.Errorf("expected empty update type, got %q", n.Update.Type)
		}
		if len(n.Update.Raw) == 0 {
			t.Error("expected raw payload for malformed update")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for malformed update")
	}
}

func TestStdioConn_PermissionRequestRoundTrip(t *testing.T) {
	h := newTestHandler()
	h.permResp = SelectedOutcome("opt-allow")
	_, agent := newTestConn(t, h)

	agent.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      int64(100),
		"method":  MethodRequestPermission,
		"params": RequestPermissionRequest{
			SessionID: "agent-sess-1",
			ToolCall:  ToolCallInfo{ToolCallID: "tc-1", ToolName: "write_file"},
			Options: []PermissionOption{
				{ID: "opt-allow", Name: "Allow", Kind: OptionAllowOnce},
			},
		},
	})

	resp := agent.read()
	if resp.ID == nil || *resp.ID != 100 {
		t.Fatalf("expected response to request 100, got %+v", resp)
	}
	var out RequestPermissionResponse
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("bad permission response: %v", err)
	}
	if out.Outcome.Type != OutcomeSelected || out.Outcome.OptionID != "opt-allow" {
		t.Errorf("unexpected outcome %+v", out.Outcome)
	}
}

func TestStdioConn_UnknownAgentMethodRejected(t *testing.T) {
	_, agent := newTestConn(t, newTestHandler())

	agent.send(map[string]any{"jsonrpc": "2.0", "id": int64(7), "method": "terminal/create"})

	resp := agent.read()
	if resp.Error == nil || resp.Error.Code != errCodeMethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", resp)
	}
}

func TestStdioConn_RPCErrorSurfaced(t *testing.T) {
	conn, agent := newTestConn(t, newTestHandler())

	go func() {
		msg := agent.read()
		agent.send(map[string]any{
			"jsonrpc": "2.0",
			"id":      *msg.ID,
			"error":   map[string]any{"code": int64(500), "message": "agent exploded"},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := conn.Prompt(ctx, PromptRequest{SessionID: "s", Prompt: []ContentBlock{NewTextContent("hi")}})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Code != 500 {
		t.Errorf("unexpected code %d", rpcErr.Code)
	}
}

func TestStdioConn_CloseFailsPendingCalls(t *testing.T) {
	conn, agent := newTestConn(t, newTestHandler())

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Prompt(context.Background(), PromptRequest{SessionID: "s"})
		errCh <- err
	}()

	// Consume the request so the write does not block, then close.
	agent.read()
	conn.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnClosed) {
			t.Errorf("expected ErrConnClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pending call to fail")
	}
}
