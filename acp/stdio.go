package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	// Agent output lines can carry whole file contents in tool payloads.
	maxLineSize = 1024 * 1024

	errCodeParse          = -32700
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
	errCodeInternal       = -32603
)

// StdioDialer spawns an agent subprocess per session and speaks JSON-RPC 2.0
// over its stdin/stdout, one message per line.
type StdioDialer struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	// ClientInfo is sent in the initialize handshake.
	ClientInfo Implementation
}

// Dial starts the agent process and returns a connection bound to handler.
func (d *StdioDialer) Dial(ctx context.Context, handler Handler) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The process outlives the dial context; Close cancels it.
	procCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(procCtx, d.Command, d.Args...)
	cmd.Dir = d.Dir
	if len(d.Env) > 0 {
		cmd.Env = d.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start agent %q: %w", d.Command, err)
	}

	log := slog.With("agent", d.Command, "pid", cmd.Process.Pid)
	log.Info("agent process started")

	go logStderr(stderr, log)

	conn := newStdioConn(handler, stdin, stdout, func() error {
		cancel()
		return cmd.Wait()
	}, log)
	conn.clientInfo = d.ClientInfo
	go conn.readLoop()

	return conn, nil
}

func logStderr(stderr io.Reader, log *slog.Logger) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			log.Debug("agent stderr", "line", line)
		}
	}
}

// rpcResult holds the outcome of one outbound request.
type rpcResult struct {
	result json.RawMessage
	err    error
}

// stdioConn is a Conn over a pair of byte streams. It is transport-agnostic:
// the dialer supplies the process pipes, tests supply in-memory ones.
type stdioConn struct {
	handler    Handler
	clientInfo Implementation
	log        *slog.Logger

	stdin   io.Writer
	stdinMu sync.Mutex
	stdout  io.Reader

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan rpcResult

	done      chan struct{}
	closeOnce sync.Once
	closeFn   func() error
}

func newStdioConn(handler Handler, stdin io.Writer, stdout io.Reader, closeFn func() error, log *slog.Logger) *stdioConn {
	if log == nil {
		log = slog.Default()
	}
	return &stdioConn{
		handler: handler,
		log:     log,
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[int64]chan rpcResult),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
}

// --- Conn ---

func (c *stdioConn) Initialize(ctx context.Context) (*InitializeResponse, error) {
	params := InitializeRequest{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      &c.clientInfo,
	}
	var resp InitializeResponse
	if err := c.call(ctx, MethodInitialize, params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *stdioConn) NewSession(ctx context.Context, req NewSessionRequest) (*NewSessionResponse, error) {
	if req.McpServers == nil {
		req.McpServers = []McpServerConfig{}
	}
	var resp NewSessionResponse
	if err := c.call(ctx, MethodSessionNew, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *stdioConn) Prompt(ctx context.Context, req PromptRequest) (*PromptResponse, error) {
	var resp PromptResponse
	if err := c.call(ctx, MethodSessionPrompt, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *stdioConn) SetMode(ctx context.Context, req SetModeRequest) error {
	return c.call(ctx, MethodSessionSetMode, req, nil)
}

func (c *stdioConn) Cancel(ctx context.Context, sessionID string) error {
	return c.notify(MethodSessionCancel, CancelNotification{SessionID: sessionID})
}

func (c *stdioConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.closeFn != nil {
			err = c.closeFn()
		}
		c.failPending(ErrConnClosed)
		c.log.Info("agent connection closed")
	})
	return err
}

func (c *stdioConn) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan rpcResult)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- rpcResult{err: err}
	}
}

// --- Outbound ---

type outboundMessage struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      *int64     `json:"id,omitempty"`
	Method  string     `json:"method,omitempty"`
	Params  any        `json:"params,omitempty"`
	Result  any        `json:"result,omitempty"`
	Error   *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (c *stdioConn) call(ctx context.Context, method string, params, result any) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan rpcResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeMessage(outboundMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if result != nil && res.result != nil {
			if err := json.Unmarshal(res.result, result); err != nil {
				return &ProtocolError{Message: "failed to parse " + method + " response", Cause: err}
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	}
}

func (c *stdioConn) notify(method string, params any) error {
	return c.writeMessage(outboundMessage{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *stdioConn) respond(id int64, result any) {
	if err := c.writeMessage(outboundMessage{JSONRPC: "2.0", ID: &id, Result: result}); err != nil {
		c.log.Error("failed to write response", "error", err)
	}
}

func (c *stdioConn) respondError(id int64, code int64, message string) {
	if err := c.writeMessage(outboundMessage{JSONRPC: "2.0", ID: &id, Error: &wireError{Code: code, Message: message}}); err != nil {
		c.log.Error("failed to write error response", "error", err)
	}
}

func (c *stdioConn) writeMessage(msg outboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.Method, err)
	}
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

// --- Inbound ---

type inboundMessage struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

// readLoop demultiplexes agent output: responses to our requests, agent
// notifications, and agent-initiated requests. It exits when stdout closes.
func (c *stdioConn) readLoop() {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, maxLineSize), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Error("unparsable agent message", "error", err)
			continue
		}

		switch {
		case msg.Method != "" && msg.ID != nil:
			// Agent request: handled off the read loop, because a
			// permission wait must not stall session updates.
			go c.handleAgentRequest(msg.Method, *msg.ID, msg.Params)
		case msg.ID != nil:
			c.handleResponse(&msg)
		case msg.Method != "":
			c.handleNotification(msg.Method, msg.Params)
		}
	}

	if err := scanner.Err(); err != nil {
		c.log.Error("agent stdout read failed", "error", err)
	}
	c.failPending(ErrConnClosed)
}

func (c *stdioConn) handleResponse(msg *inboundMessage) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("response for unknown request id", "id", *msg.ID)
		return
	}

	if msg.Error != nil {
		ch <- rpcResult{err: &RPCError{Code: msg.Error.Code, Message: msg.Error.Message}}
		return
	}
	ch <- rpcResult{result: msg.Result}
}

func (c *stdioConn) handleNotification(method string, params json.RawMessage) {
	if method != MethodSessionUpdate {
		c.log.Debug("ignoring notification", "method", method)
		return
	}

	var notif SessionNotification
	if err := json.Unmarshal(params, &notif); err != nil {
		// Still surface the payload: the bridge records unparsable
		// notifications instead of dropping them.
		notif = SessionNotification{Update: SessionUpdate{Raw: params}}
	} else {
		var shell struct {
			Update json.RawMessage `json:"update"`
		}
		if err := json.Unmarshal(params, &shell); err == nil {
			notif.Update.Raw = shell.Update
		}
	}

	c.handler.SessionUpdate(context.Background(), notif)
}

func (c *stdioConn) handleAgentRequest(method string, id int64, params json.RawMessage) {
	ctx := context.Background()

	switch method {
	case MethodRequestPermission:
		var req RequestPermissionRequest
		if err := json.Unmarshal(params, &req); err != nil {
			c.respondError(id, errCodeInvalidParams, err.Error())
			return
		}
		resp, err := c.handler.RequestPermission(ctx, req)
		if err != nil {
			c.respondError(id, errCodeInternal, err.Error())
			return
		}
		c.respond(id, resp)

	case MethodAskUser:
		var req QuestionRequest
		if err := json.Unmarshal(params, &req); err != nil {
			c.respondError(id, errCodeInvalidParams, err.Error())
			return
		}
		resp, err := c.handler.AskQuestion(ctx, req)
		if err != nil {
			c.respondError(id, errCodeInternal, err.Error())
			return
		}
		c.respond(id, resp)

	default:
		c.respondError(id, errCodeMethodNotFound, "unknown method: "+method)
	}
}
