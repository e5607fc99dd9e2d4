// Package hookingest exposes the gateway's hook ingress: a loopback HTTP
// listener plus a local-filesystem socket, both served by one handler, that
// receive per-tool-call hook payloads from a running coding agent.
package hookingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pyyush/agent-pager-sub000/internal/adapter"
	"github.com/pyyush/agent-pager-sub000/internal/gatewaylimits"
	"github.com/pyyush/agent-pager-sub000/internal/token"
)

// Dispatcher is the orchestrator's hook-event entry point. HandleBlocking is
// used for permission_request events (the hook process waits on the
// result); HandleAsync fires every other normalized event without
// suspending the HTTP response.
type Dispatcher interface {
	HandleBlocking(ctx context.Context, agentName string, ev *adapter.NormalizedEvent) (blocked bool, reason string)
	HandleAsync(agentName string, ev *adapter.NormalizedEvent)
}

// Server serves the hook ingress over both a TCP loopback listener and a
// local socket.
type Server struct {
	registry      *adapter.Registry
	dispatcher    Dispatcher
	hookSecret    string
	defaultAgent  string
	socketPath    string
	httpSrv       *http.Server
	socketSrv     *http.Server
	socketListener net.Listener
}

// New constructs a hook ingress server. defaultAgent names the adapter used
// for the legacy /notification route. socketPath is the local socket file
// inside the data directory; pass "" to disable the socket listener.
func New(registry *adapter.Registry, dispatcher Dispatcher, hookSecret, defaultAgent, socketPath string) *Server {
	return &Server{
		registry:     registry,
		dispatcher:   dispatcher,
		hookSecret:   hookSecret,
		defaultAgent: defaultAgent,
		socketPath:   socketPath,
	}
}

// Start binds the TCP listener at host:port and, if configured, the local
// socket. A bind failure on the TCP port is tolerated with a warning: the
// socket listener alone still serves hooks.
func (s *Server) Start(ctx context.Context, host string, port int) error {
	mux := http.NewServeMux()
	s.registerRoutes(mux, true)
	addr := fmt.Sprintf("%s:%d", host, port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Warn("hook HTTP listener unavailable, falling back to local socket only", "addr", addr, "error", err)
	} else {
		s.httpSrv = &http.Server{Handler: mux, ReadTimeout: 10 * time.Second}
		go func() {
			if serveErr := s.httpSrv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
				slog.Error("hook HTTP listener stopped", "error", serveErr)
			}
		}()
	}

	if s.socketPath == "" {
		return nil
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale hook socket: %w", err)
	}
	sockLn, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on hook socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		sockLn.Close()
		return fmt.Errorf("chmod hook socket: %w", err)
	}
	s.socketListener = sockLn

	socketMux := http.NewServeMux()
	s.registerRoutes(socketMux, false)
	s.socketSrv = &http.Server{Handler: socketMux, ReadTimeout: 10 * time.Second}
	go func() {
		if serveErr := s.socketSrv.Serve(sockLn); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("hook socket listener stopped", "error", serveErr)
		}
	}()

	return nil
}

// Shutdown gracefully stops both listeners.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}
	if s.socketSrv != nil {
		_ = s.socketSrv.Shutdown(ctx)
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux, requireAuth bool) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /notification", s.authWrap(requireAuth, s.handleLegacyNotification))
	mux.HandleFunc("POST /hook/{agent}/{endpoint}", s.authWrap(requireAuth, s.handleHook))
}

func (s *Server) authWrap(requireAuth bool, next http.HandlerFunc) http.HandlerFunc {
	if !requireAuth {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Hook-Token")
		if !token.Equal(got, s.hookSecret) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleLegacyNotification(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, s.defaultAgent, "Notification")
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, r.PathValue("agent"), r.PathValue("endpoint"))
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request, agentName, endpoint string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, gatewaylimits.MaxHookPayloadBytes+1))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	if len(body) > gatewaylimits.MaxHookPayloadBytes {
		http.Error(w, `{"error":"payload too large"}`, http.StatusRequestEntityTooLarge)
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	a, ok := s.registry.Get(agentName)
	if !ok {
		http.Error(w, `{"error":"unknown agent"}`, http.StatusBadRequest)
		return
	}

	ev, err := a.NormalizeHookPayload(raw, endpoint)
	if err != nil {
		slog.Error("hook payload normalization failed", "agent", agentName, "endpoint", endpoint, "error", err)
		http.Error(w, `{"error":"failed to normalize payload"}`, http.StatusBadRequest)
		return
	}
	if ev == nil {
		http.Error(w, `{"error":"unrecognized hook event"}`, http.StatusBadRequest)
		return
	}

	if ev.Kind != adapter.KindPermissionRequest {
		s.dispatcher.HandleAsync(agentName, ev)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	ctx := r.Context()
	blocked, reason := s.dispatcher.HandleBlocking(ctx, agentName, ev)
	if ctx.Err() != nil {
		slog.Warn("hook connection lost while waiting for approval", "agent", agentName)
	}
	writeJSON(w, http.StatusOK, hookResponse{Blocked: blocked, Reason: reason})
}

type hookResponse struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
