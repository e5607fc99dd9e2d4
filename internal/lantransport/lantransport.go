// Package lantransport serves the gateway's LAN-facing client surface: a
// WebSocket endpoint plus a couple of plain HTTP actions, reachable over a
// local socket (trusted, unauthenticated) and a TCP listener (bearer-gated).
package lantransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pyyush/agent-pager-sub000/internal/gatewaylimits"
	"github.com/pyyush/agent-pager-sub000/internal/token"
)

// knownActions is the registered inbound action-type table; anything else
// is rejected as a protocol error.
var knownActions = map[string]bool{
	"approve": true, "deny": true, "edit_approve": true, "text_input": true,
	"stop": true, "pause": true, "start_session": true, "terminal_input": true,
	"batch_approve": true, "resume_from_seq": true, "auth": true,
}

// IsKnownAction reports whether actionType is in the registered
// action-schema table. The relay transport shares this table so both
// client surfaces reject the same unknown action types.
func IsKnownAction(actionType string) bool {
	return knownActions[actionType]
}

// Envelope is the outbound wire shape for every broadcast event.
type Envelope struct {
	V         string `json:"v"`
	Seq       int64  `json:"seq"`
	Type      string `json:"type"`
	Ts        string `json:"ts"`
	SessionID string `json:"sessionId,omitempty"`
	Payload   any    `json:"payload"`
}

// Action is one inbound client request after schema validation.
type Action struct {
	ClientID string
	Type     string
	Payload  json.RawMessage
}

// ActionHandler dispatches an inbound action. Errors are logged but never
// close the connection. Before Dispatch is called the transport rejects a
// malformed envelope, an unknown action type and an unauthenticated client;
// it does not check the payload's fields, which the handler parses itself,
// and a handler error sends no reply to the client.
type ActionHandler interface {
	Dispatch(ctx context.Context, a Action) error
}

// SessionSnapshot is one active session's worth of new-client catch-up
// state: a session_start payload plus any still-unresolved permission
// requests for it.
type SessionSnapshot struct {
	SessionID        string
	StartPayload     any
	PendingApprovals []any
}

// StateProvider supplies the catch-up dump sent to every newly connected
// client.
type StateProvider interface {
	SessionListPayload() any
	ActiveSessionSnapshots() []SessionSnapshot
}

type client struct {
	id            string
	conn          *websocket.Conn
	writeMu       sync.Mutex
	authenticated bool
	alive         atomic.Bool
}

func (c *client) send(env Envelope) {
	if !c.alive.Load() {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		c.alive.Store(false)
	}
}

// Transport is the LAN-facing server. Each broadcast call allocates from
// its own monotonic seq counter, independent of the relay transport's.
type Transport struct {
	bearerToken string
	maxClients  int
	handler     ActionHandler
	state       StateProvider

	seq atomic.Int64

	mu      sync.Mutex
	clients map[string]*client
	nextID  int64

	socketPath string
	httpSrv    *http.Server
	socketSrv  *http.Server
}

// New returns a Transport. bearerToken == "" disables bearer auth entirely
// (every client is treated as pre-authenticated, matching local-socket
// trust); socketPath == "" disables the local socket listener.
func New(bearerToken string, maxClients int, handler ActionHandler, state StateProvider, socketPath string) *Transport {
	if maxClients <= 0 {
		maxClients = gatewaylimits.MaxLANClients
	}
	return &Transport{
		bearerToken: bearerToken,
		maxClients:  maxClients,
		handler:     handler,
		state:       state,
		clients:     make(map[string]*client),
		socketPath:  socketPath,
	}
}

// Start binds the TCP listener at host:port and, if configured, the local
// socket.
func (t *Transport) Start(host string, port int) error {
	mux := http.NewServeMux()
	t.registerRoutes(mux, true)
	addr := fmt.Sprintf("%s:%d", host, port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on LAN transport %s: %w", addr, err)
	}
	t.httpSrv = &http.Server{Handler: mux}
	go func() {
		if serveErr := t.httpSrv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("LAN transport TCP listener stopped", "error", serveErr)
		}
	}()

	if t.socketPath == "" {
		return nil
	}
	if err := os.Remove(t.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale LAN socket: %w", err)
	}
	sockLn, err := net.Listen("unix", t.socketPath)
	if err != nil {
		return fmt.Errorf("listen on LAN socket %s: %w", t.socketPath, err)
	}
	if err := os.Chmod(t.socketPath, 0o600); err != nil {
		sockLn.Close()
		return fmt.Errorf("chmod LAN socket: %w", err)
	}

	socketMux := http.NewServeMux()
	t.registerRoutes(socketMux, false)
	t.socketSrv = &http.Server{Handler: socketMux}
	go func() {
		if serveErr := t.socketSrv.Serve(sockLn); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("LAN transport socket listener stopped", "error", serveErr)
		}
	}()

	return nil
}

// Shutdown closes both listeners and every open client connection.
func (t *Transport) Shutdown(ctx context.Context) {
	if t.httpSrv != nil {
		_ = t.httpSrv.Shutdown(ctx)
	}
	if t.socketSrv != nil {
		_ = t.socketSrv.Shutdown(ctx)
	}
	t.mu.Lock()
	for _, c := range t.clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down"), time.Now().Add(time.Second))
		c.conn.Close()
	}
	t.mu.Unlock()
}

func (t *Transport) registerRoutes(mux *http.ServeMux, requiresBearerAuth bool) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		t.handleWS(w, r, upgrader, requiresBearerAuth)
	})
	mux.HandleFunc("POST /api/approve", t.handleSyntheticAction("approve"))
	mux.HandleFunc("POST /api/deny", t.handleSyntheticAction("deny"))
	mux.HandleFunc("GET /api/health", t.handleHealth)
}

func (t *Transport) handleHealth(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	n := len(t.clients)
	t.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": n})
}

// handleSyntheticAction lets /api/approve and /api/deny invoke the same
// ActionHandler.Dispatch path the WebSocket uses, with a synthetic client id.
func (t *Transport) handleSyntheticAction(actionType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := json.Marshal(readJSONBody(r))
		if err != nil {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}
		if err := t.handler.Dispatch(r.Context(), Action{ClientID: "http-api", Type: actionType, Payload: body}); err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func readJSONBody(r *http.Request) map[string]any {
	var m map[string]any
	_ = json.NewDecoder(r.Body).Decode(&m)
	if m == nil {
		m = map[string]any{}
	}
	return m
}

func (t *Transport) handleWS(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader, requiresBearerAuth bool) {
	t.mu.Lock()
	if len(t.clients) >= t.maxClients {
		t.mu.Unlock()
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}
	t.nextID++
	id := fmt.Sprintf("lan-%d", t.nextID)
	t.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("LAN WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{id: id, conn: conn}
	// The local socket is trusted by filesystem permissions; TCP clients
	// must complete an "auth" action before anything else, unless no
	// bearer token is configured at all.
	c.authenticated = !requiresBearerAuth || t.bearerToken == ""
	c.alive.Store(true)

	t.mu.Lock()
	t.clients[id] = c
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.clients, id)
		t.mu.Unlock()
		conn.Close()
	}()

	t.sendCatchUp(c)
	t.readLoop(c)
}

// sendCatchUp dumps session_list, session_start, and permission_request
// state to a freshly connected client.
func (t *Transport) sendCatchUp(c *client) {
	if t.state == nil {
		return
	}
	c.send(t.envelope("session_list", t.state.SessionListPayload(), ""))
	for _, snap := range t.state.ActiveSessionSnapshots() {
		c.send(t.envelope("session_start", snap.StartPayload, snap.SessionID))
		for _, pending := range snap.PendingApprovals {
			c.send(t.envelope("permission_request", pending, snap.SessionID))
		}
	}
}

func (t *Transport) readLoop(c *client) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(raw) > gatewaylimits.MaxWSMessageBytes {
			t.sendProtocolError(c, "message exceeds size limit")
			continue
		}

		var action Action
		action.ClientID = c.id
		var wire struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			t.sendProtocolError(c, "malformed action envelope")
			continue
		}
		action.Type = wire.Type
		action.Payload = wire.Payload

		if !knownActions[action.Type] {
			t.sendProtocolError(c, "unknown action type")
			continue
		}

		if action.Type == "auth" {
			t.handleAuth(c, action.Payload)
			continue
		}

		if t.bearerToken != "" && !c.authenticated {
			t.sendProtocolError(c, "not authenticated")
			continue
		}

		if t.handler == nil {
			continue
		}
		if err := t.handler.Dispatch(context.Background(), action); err != nil {
			slog.Warn("action dispatch failed", "client", c.id, "type", action.Type, "error", err)
		}
	}
}

func (t *Transport) handleAuth(c *client, payload json.RawMessage) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.sendProtocolError(c, "malformed auth payload")
		return
	}
	if !token.Equal(body.Token, t.bearerToken) {
		t.sendProtocolError(c, "invalid token")
		return
	}
	c.authenticated = true
	c.send(t.envelope("auth_ok", map[string]any{}, ""))
}

func (t *Transport) sendProtocolError(c *client, message string) {
	c.send(t.envelope("error", map[string]any{"code": "PROTOCOL_ERROR", "message": message}, ""))
}

// Broadcast wraps payload in an envelope and fans it out to every connected
// client; dead clients are pruned as their writes fail.
func (t *Transport) Broadcast(eventType string, payload any, sessionID string) {
	env := t.envelope(eventType, payload, sessionID)

	t.mu.Lock()
	targets := make([]*client, 0, len(t.clients))
	for _, c := range t.clients {
		targets = append(targets, c)
	}
	t.mu.Unlock()

	for _, c := range targets {
		c.send(env)
	}
}

func (t *Transport) envelope(eventType string, payload any, sessionID string) Envelope {
	return Envelope{
		V:         "1.0.0",
		Seq:       t.seq.Add(1),
		Type:      eventType,
		Ts:        time.Now().UTC().Format(time.RFC3339),
		SessionID: sessionID,
		Payload:   payload,
	}
}

// RunHeartbeat broadcasts a heartbeat event every interval until ctx is
// cancelled. activeCount is called fresh on every tick.
func (t *Transport) RunHeartbeat(ctx context.Context, interval time.Duration, activeCount func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Broadcast("heartbeat", map[string]any{
				"serverTime":    time.Now().UTC().Format(time.RFC3339),
				"activeSessions": activeCount(),
			}, "")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
