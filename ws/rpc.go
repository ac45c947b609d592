package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/acprelay/server/bridge"
	"github.com/acprelay/server/rpc"
)

// RPCHandler handles JSON-RPC 2.0 over WebSocket.
type RPCHandler struct {
	token   string
	manager *bridge.Manager
	devMode bool
}

// NewRPCHandler creates a new JSON-RPC handler.
func NewRPCHandler(token string, manager *bridge.Manager, devMode bool) *RPCHandler {
	return &RPCHandler{
		token:   token,
		manager: manager,
		devMode: devMode,
	}
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *RPCHandler) handleConnection(ctx context.Context, wsConn *websocket.Conn) {
	connID := uuid.Must(uuid.NewV7()).String()
	log := slog.With("connId", connID)
	log.Info("new websocket connection")

	stream := newWebSocketStream(wsConn)

	// Per-connection subscription state
	state := &rpcConnState{
		subscribed: make(map[string]context.CancelFunc),
		manager:    h.manager,
		log:        log,
	}

	handler := &rpcMethodHandler{
		RPCHandler: h,
		state:      state,
		log:        log,
	}

	rpcConn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(handler))
	state.setConn(rpcConn)

	<-rpcConn.DisconnectNotify()

	// Cleanup: stop every event stream feeding this connection
	n := state.cleanup()
	log.Info("connection closed", "subscriptions", n)
}

// rpcConnState tracks which sessions feed events to this connection. Each
// subscription owns a goroutine pumping the session's tail into session.event
// notifications; the cancel func stops it.
type rpcConnState struct {
	mu         sync.Mutex
	subscribed map[string]context.CancelFunc
	manager    *bridge.Manager
	conn       *jsonrpc2.Conn
	log        *slog.Logger
}

func (s *rpcConnState) setConn(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *rpcConnState) subscribe(sessionID string, cursor uint64) error {
	s.mu.Lock()
	if _, exists := s.subscribed[sessionID]; exists {
		s.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.manager.StreamEvents(ctx, sessionID, cursor)
	if err != nil {
		cancel()
		s.mu.Unlock()
		return err
	}
	s.subscribed[sessionID] = cancel
	conn := s.conn
	s.mu.Unlock()

	go func() {
		for ev := range ch {
			params := rpc.EventParams{SessionID: sessionID, Event: ev}
			if err := conn.Notify(ctx, "session.event", params); err != nil {
				s.log.Debug("event push failed", "sessionId", sessionID, "error", err)
				return
			}
		}
		// Stream drained: the session ended. Drop the bookkeeping so a
		// later unsubscribe is a no-op.
		s.unsubscribe(sessionID)
	}()
	return nil
}

func (s *rpcConnState) unsubscribe(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.subscribed[sessionID]
	if ok {
		cancel()
		delete(s.subscribed, sessionID)
	}
	return ok
}

func (s *rpcConnState) cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.subscribed)
	for sessionID, cancel := range s.subscribed {
		cancel()
		delete(s.subscribed, sessionID)
		s.log.Debug("unsubscribed from session", "sessionId", sessionID)
	}
	return n
}

// rpcMethodHandler handles JSON-RPC method calls.
type rpcMethodHandler struct {
	*RPCHandler
	state         *rpcConnState
	log           *slog.Logger
	authMu        sync.Mutex
	authenticated bool
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.log.Debug("received request", "method", req.Method, "id", req.ID)

	// Auth must be the first request
	if !h.isAuthenticated() {
		if req.Method != "auth" {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "first request must be auth")
			conn.Close()
			return
		}
		h.handleAuth(ctx, conn, req)
		return
	}

	switch req.Method {
	case "session.create":
		h.handleSessionCreate(ctx, conn, req)
	case "session.list":
		h.handleSessionList(ctx, conn, req)
	case "session.terminate":
		h.handleSessionTerminate(ctx, conn, req)
	case "session.events":
		h.handleSessionEvents(ctx, conn, req)
	case "session.subscribe":
		h.handleSubscribe(ctx, conn, req)
	case "session.unsubscribe":
		h.handleUnsubscribe(ctx, conn, req)
	case "session.set_mode":
		h.handleSetMode(ctx, conn, req)
	case "chat.message":
		h.handleMessage(ctx, conn, req)
	case "chat.turn":
		h.handleTurn(ctx, conn, req)
	case "chat.interrupt":
		h.handleInterrupt(ctx, conn, req)
	case "chat.permission_response":
		h.handlePermissionResponse(ctx, conn, req)
	case "chat.question_response":
		h.handleQuestionResponse(ctx, conn, req)
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) isAuthenticated() bool {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	return h.authenticated
}

func (h *rpcMethodHandler) setAuthenticated() {
	h.authMu.Lock()
	h.authenticated = true
	h.authMu.Unlock()
}

// decodeParams rejects requests whose params member is absent or malformed.
func decodeParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return errors.New("missing params")
	}
	return json.Unmarshal(*req.Params, v)
}

func (h *rpcMethodHandler) handleAuth(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.AuthParams
	if err := decodeParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		conn.Close()
		return
	}

	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(h.token)) != 1 {
		h.log.Warn("invalid auth token")
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "invalid token")
		conn.Close()
		return
	}

	h.setAuthenticated()
	h.log.Info("authenticated")

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send auth response", "error", err)
	}
}

// Session management handlers

func (h *rpcMethodHandler) handleSessionCreate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionCreateParams
	if req.Params != nil {
		if err := decodeParams(req, &params); err != nil {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
			return
		}
	}

	summary, err := h.manager.CreateSession(ctx, params.SessionID, bridge.SessionSpec{
		CWD:        params.CWD,
		McpServers: params.McpServers,
	})
	if err != nil {
		h.replyBridgeError(ctx, conn, req.ID, err)
		return
	}

	h.log.Info("session created", "sessionId", summary.ID)

	if err := conn.Reply(ctx, req.ID, summary); err != nil {
		h.log.Error("failed to send session create response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	result := rpc.SessionListResult{Sessions: h.manager.ListSessions()}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send session list response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionTerminate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionTerminateParams
	if err := decodeParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if err := h.manager.TerminateSession(params.SessionID); err != nil {
		h.replyBridgeError(ctx, conn, req.ID, err)
		return
	}

	h.log.Info("session terminated", "sessionId", params.SessionID)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send terminate response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionEvents(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionEventsParams
	if err := decodeParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	events, err := h.manager.Events(params.SessionID, params.Cursor, params.Limit)
	if err != nil {
		h.replyBridgeError(ctx, conn, req.ID, err)
		return
	}

	if err := conn.Reply(ctx, req.ID, rpc.SessionEventsResult{Events: events}); err != nil {
		h.log.Error("failed to send events response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SubscribeParams
	if err := decodeParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	log := h.log.With("sessionId", params.SessionID)

	summary, err := h.manager.Summary(params.SessionID)
	if err != nil {
		h.replyBridgeError(ctx, conn, req.ID, err)
		return
	}

	if err := h.state.subscribe(params.SessionID, params.Cursor); err != nil {
		h.replyBridgeError(ctx, conn, req.ID, err)
		return
	}

	result := rpc.SubscribeResult{
		State:        summary.State,
		LastSequence: summary.LastSequence,
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		log.Error("failed to send subscribe response", "error", err)
		return
	}

	log.Info("subscribed to session", "cursor", params.Cursor)
}

func (h *rpcMethodHandler) handleUnsubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.UnsubscribeParams
	if err := decodeParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	h.state.unsubscribe(params.SessionID)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send unsubscribe response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSetMode(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SetModeParams
	if err := decodeParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if err := h.manager.SetMode(ctx, params.SessionID, params.ModeID); err != nil {
		h.replyBridgeError(ctx, conn, req.ID, err)
		return
	}

	h.log.Info("mode changed", "sessionId", params.SessionID, "modeId", params.ModeID)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send set_mode response", "error", err)
	}
}

// Chat handlers

func (h *rpcMethodHandler) handleMessage(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.MessageParams
	if err := decodeParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	log := h.log.With("sessionId", params.SessionID)
	log.Info("received prompt", "length", len(params.Content))

	if err := h.manager.PostMessage(ctx, params.SessionID, params.Content); err != nil {
		h.replyBridgeError(ctx, conn, req.ID, err)
		return
	}

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		log.Error("failed to send message response", "error", err)
	}
}

// handleTurn runs one turn and streams every event it produces as turn.event
// notifications before the reply. On a failed turn the error reply follows
// the last notification, so clients always see the full transcript first.
func (h *rpcMethodHandler) handleTurn(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.TurnParams
	if err := decodeParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	log := h.log.With("sessionId", params.SessionID)

	ts, err := h.manager.StreamTurn(ctx, params.SessionID, params.Content)
	if err != nil {
		h.replyBridgeError(ctx, conn, req.ID, err)
		return
	}

	turnID := uuid.Must(uuid.NewV7()).String()
	count := 0
	for ev := range ts.Events() {
		notify := rpc.TurnEventParams{SessionID: params.SessionID, TurnID: turnID, Event: ev}
		if err := conn.Notify(ctx, "turn.event", notify); err != nil {
			log.Debug("turn event push failed", "error", err)
		}
		count++
	}

	if err := ts.Err(); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
		return
	}

	log.Info("turn completed", "turnId", turnID, "events", count)

	if err := conn.Reply(ctx, req.ID, rpc.TurnResult{TurnID: turnID, EventCount: count}); err != nil {
		log.Error("failed to send turn response", "error", err)
	}
}

func (h *rpcMethodHandler) handleInterrupt(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.InterruptParams
	if err := decodeParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	log := h.log.With("sessionId", params.SessionID)

	if err := h.manager.Interrupt(ctx, params.SessionID); err != nil {
		h.replyBridgeError(ctx, conn, req.ID, err)
		return
	}

	log.Info("sent interrupt")

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		log.Error("failed to send interrupt response", "error", err)
	}
}

func (h *rpcMethodHandler) handlePermissionResponse(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.PermissionResponseParams
	if err := decodeParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	log := h.log.With("sessionId", params.SessionID)

	if err := h.manager.ReplyPermission(params.SessionID, params.PermissionID, params.Reply); err != nil {
		h.replyBridgeError(ctx, conn, req.ID, err)
		return
	}

	log.Info("sent permission response", "permissionId", params.PermissionID, "reply", params.Reply)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		log.Error("failed to send permission response", "error", err)
	}
}

func (h *rpcMethodHandler) handleQuestionResponse(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.QuestionResponseParams
	if err := decodeParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	log := h.log.With("sessionId", params.SessionID)

	if err := h.manager.ReplyQuestion(params.SessionID, params.QuestionID, params.Answers); err != nil {
		h.replyBridgeError(ctx, conn, req.ID, err)
		return
	}

	log.Info("sent question response", "questionId", params.QuestionID, "cancelled", params.Answers == nil)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		log.Error("failed to send question response", "error", err)
	}
}

// replyBridgeError maps manager errors onto JSON-RPC error codes.
func (h *rpcMethodHandler) replyBridgeError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, err error) {
	code := int64(jsonrpc2.CodeInternalError)
	switch {
	case errors.Is(err, bridge.ErrSessionNotFound),
		errors.Is(err, bridge.ErrRequestNotFound),
		errors.Is(err, bridge.ErrInvalidReply):
		code = jsonrpc2.CodeInvalidParams
	case errors.Is(err, bridge.ErrSessionExists),
		errors.Is(err, bridge.ErrAlreadyResolved),
		errors.Is(err, bridge.ErrSessionEnded),
		errors.Is(err, bridge.ErrSessionNotReady):
		code = jsonrpc2.CodeInvalidRequest
	}
	h.replyError(ctx, conn, id, code, err.Error())
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, id, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

// webSocketStream adapts coder/websocket to jsonrpc2.ObjectStream.
type webSocketStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
}

func newWebSocketStream(conn *websocket.Conn) *webSocketStream {
	return &webSocketStream{conn: conn}
}

func (s *webSocketStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *webSocketStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *webSocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Ensure webSocketStream implements ObjectStream
var _ jsonrpc2.ObjectStream = (*webSocketStream)(nil)
