// Package orchestrator wires the persistence store, risk classifier, diff
// generator, adapter registry, multiplexer driver, session manager, and
// approval blocker into the gateway's hook-event and client-action flows,
// and fans resulting events out through whichever transports are attached.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/pyyush/agent-pager-sub000/internal/adapter"
	"github.com/pyyush/agent-pager-sub000/internal/approval"
	"github.com/pyyush/agent-pager-sub000/internal/config"
	"github.com/pyyush/agent-pager-sub000/internal/diffgen"
	"github.com/pyyush/agent-pager-sub000/internal/gatewaylimits"
	"github.com/pyyush/agent-pager-sub000/internal/lantransport"
	"github.com/pyyush/agent-pager-sub000/internal/muxdriver"
	"github.com/pyyush/agent-pager-sub000/internal/persistence"
	"github.com/pyyush/agent-pager-sub000/internal/relaytransport"
	"github.com/pyyush/agent-pager-sub000/internal/risk"
	"github.com/pyyush/agent-pager-sub000/internal/sessionmgr"
)

// askUserTool is the lowercase tool name risk.go already classifies as
// read-only; the permission subflow special-cases it per spec before risk
// classification ever runs.
const askUserTool = "ask_user"

// Gateway wires components A-J into the hook-event and client-action flows.
// It implements hookingest.Dispatcher, lantransport.ActionHandler, and
// lantransport.StateProvider.
type Gateway struct {
	store    *persistence.Store
	sessions *sessionmgr.Manager
	registry *adapter.Registry
	mux      *muxdriver.Driver
	blocker  *approval.Blocker
	cfg      *config.Config

	lan   *lantransport.Transport
	relay *relaytransport.Transport
}

// New returns a Gateway. Call AttachTransports once the LAN/relay
// transports exist, since they both depend on the Gateway as their handler.
func New(store *persistence.Store, sessions *sessionmgr.Manager, registry *adapter.Registry, mux *muxdriver.Driver, blocker *approval.Blocker, cfg *config.Config) *Gateway {
	return &Gateway{
		store:    store,
		sessions: sessions,
		registry: registry,
		mux:      mux,
		blocker:  blocker,
		cfg:      cfg,
	}
}

// AttachTransports completes wiring after both transports are constructed
// with this Gateway as their handler, breaking the construction cycle.
func (g *Gateway) AttachTransports(lan *lantransport.Transport, relay *relaytransport.Transport) {
	g.lan = lan
	g.relay = relay
}

// HandleBlocking is the hook ingress entry point for permission_request
// events: it suspends the calling goroutine (the hook's HTTP handler) until
// a human resolves the request, a trust rule or auto-approve short-circuits
// it, or ctx is cancelled.
func (g *Gateway) HandleBlocking(ctx context.Context, agentName string, ev *adapter.NormalizedEvent) (blocked bool, reason string) {
	handle, err := g.locateSession(agentName, ev)
	if err != nil {
		slog.Error("locate session for permission request failed", "agent", agentName, "error", err)
		return true, "session unavailable"
	}
	return g.handlePermissionRequest(ctx, handle, ev)
}

// HandleAsync is the hook ingress entry point for every non-blocking event
// kind (tool_complete, notification, stop, error, progress).
func (g *Gateway) HandleAsync(agentName string, ev *adapter.NormalizedEvent) {
	handle, err := g.locateSession(agentName, ev)
	if err != nil {
		slog.Error("locate session for hook event failed", "agent", agentName, "kind", ev.Kind, "error", err)
		return
	}

	switch ev.Kind {
	case adapter.KindToolComplete:
		g.broadcastEvent("tool_complete", map[string]any{
			"toolName":  ev.ToolName,
			"toolInput": ev.ToolInput,
		}, handle.ID)

	case adapter.KindNotification:
		text := stringFromRaw(ev.Raw, "message", "text", "notification")
		if strings.TrimSpace(text) == "" {
			return
		}
		g.broadcastEvent("message", map[string]any{"text": text}, handle.ID)

	case adapter.KindStop:
		g.handleStop(handle)

	case adapter.KindError:
		g.broadcastEvent("error", map[string]any{
			"message": stringFromRaw(ev.Raw, "error", "message"),
		}, handle.ID)

	case adapter.KindProgress:
		// Ack only; nothing to broadcast.
	}
}

// locateSession implements the hook-event-flow session resolution: by
// adapter-session-id alias, else by agent name among active sessions, else
// auto-create. The alias is recorded, and the handle's multiplexer hint
// updated, on every call that carries one.
func (g *Gateway) locateSession(agentName string, ev *adapter.NormalizedEvent) (*sessionmgr.Handle, error) {
	var handle *sessionmgr.Handle
	var ok bool

	if ev.SessionID != "" {
		handle, ok = g.sessions.Get(ev.SessionID)
	}
	if !ok {
		for _, h := range g.sessions.ListActive() {
			if h.Agent == agentName {
				handle, ok = h, true
				break
			}
		}
	}
	if !ok {
		prefix := agentName
		if a, found := g.registry.Get(agentName); found {
			prefix = a.SessionPrefix
		}
		created, err := g.sessions.Create(agentName, "", "", ev.Cwd, prefix)
		if err != nil {
			return nil, err
		}
		handle = created
		g.broadcastEvent("session_start", g.sessionStartPayload(handle), handle.ID)
	}

	if ev.SessionID != "" {
		g.sessions.MapAgentSession(ev.SessionID, handle.ID)
	}
	if ev.MultiplexerHint != "" && ev.MultiplexerHint != handle.MultiplexerName {
		if err := g.sessions.UpdateMultiplexerName(handle.ID, ev.MultiplexerHint); err != nil {
			slog.Error("update multiplexer hint failed", "session", handle.ID, "error", err)
		}
	}

	return handle, nil
}

// handlePermissionRequest implements §4.K.1: the ask-user special case,
// auto-approve-safe, trust-rule short-circuit, then the full
// persist-broadcast-block-resolve path.
func (g *Gateway) handlePermissionRequest(ctx context.Context, handle *sessionmgr.Handle, ev *adapter.NormalizedEvent) (bool, string) {
	tool := ev.ToolName
	input := ev.ToolInput

	if strings.EqualFold(strings.TrimSpace(tool), askUserTool) {
		if err := g.sessions.UpdateStatus(handle.ID, persistence.StatusWaiting); err != nil {
			slog.Error("update status for ask_user failed", "session", handle.ID, "error", err)
		}
		g.broadcastEvent("user_question", map[string]any{
			"questions": input["questions"],
		}, handle.ID)
		return false, ""
	}

	level := risk.Classify(tool, input)
	target := risk.ExtractTarget(tool, input)

	if g.cfg.AutoApproveSafe && level == risk.Safe {
		return false, ""
	}

	matched, err := g.store.CheckTrustRule(tool, target, level, handle.ID)
	if err != nil {
		slog.Error("trust rule check failed", "session", handle.ID, "tool", tool, "error", err)
	}
	if matched {
		return false, ""
	}

	pendingCount, err := g.store.CountPendingUnresolved(handle.ID)
	if err != nil {
		slog.Error("count pending approvals failed", "session", handle.ID, "error", err)
	} else if pendingCount >= gatewaylimits.MaxPendingPerSession {
		slog.Warn("pending approval cap reached, denying", "session", handle.ID, "pending", pendingCount)
		return true, "Too many pending approvals for this session"
	}

	requestID := uuid.New().String()
	diff, err := diffgen.Generate(tool, input, gatewaylimits.MaxDiffBytes, g.readFileForDiff)
	if err != nil {
		slog.Warn("diff generation failed", "tool", tool, "error", err)
	}

	payload := map[string]any{
		"requestId":    requestID,
		"toolName":     tool,
		"toolCategory": toolCategory(tool),
		"toolInput":    input,
		"riskLevel":    level,
		"summary":      risk.Summarize(tool, input),
		"target":       target,
		"rawPayload":   ev.Raw,
	}
	if diff != nil {
		payload["diff"] = diff
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal permission payload failed", "request", requestID, "error", err)
	} else if err := g.store.CreatePending(requestID, handle.ID, tool, target, string(level), string(payloadJSON)); err != nil {
		slog.Error("persist pending approval failed", "request", requestID, "error", err)
	}

	if err := g.sessions.UpdateStatus(handle.ID, persistence.StatusWaiting); err != nil {
		slog.Error("update status for permission request failed", "session", handle.ID, "error", err)
	}
	g.broadcastEvent("permission_request", payload, handle.ID)

	result := g.awaitApproval(ctx, requestID, handle.ID)

	resolution := persistence.ResolutionDenied
	if !result.Blocked {
		resolution = persistence.ResolutionApproved
	}
	if err := g.store.ResolvePending(requestID, resolution); err != nil {
		slog.Error("resolve pending approval failed", "request", requestID, "error", err)
	}
	if !result.Blocked {
		if err := g.sessions.UpdateStatus(handle.ID, persistence.StatusRunning); err != nil {
			slog.Error("update status after approval failed", "session", handle.ID, "error", err)
		}
	}

	return result.Blocked, result.Reason
}

// awaitApproval blocks until the blocker resolves requestID or ctx is
// cancelled, whichever comes first; either path resolves the blocker
// exactly once per its own contract.
func (g *Gateway) awaitApproval(ctx context.Context, requestID, sessionID string) approval.Result {
	resultCh := make(chan approval.Result, 1)
	go func() {
		resultCh <- g.blocker.WaitForApproval(requestID, sessionID, g.cfg.ApprovalTimeout)
	}()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			g.blocker.Deny(requestID, "Hook connection lost")
		case <-stop:
		}
	}()

	result := <-resultCh
	close(stop)
	return result
}

// handleStop treats a stop hook as idle-between-turns: the session keeps
// running, any pending approvals for it are cancelled, and the agent's last
// visible response is extracted from the multiplexer pane and broadcast if
// it's new.
func (g *Gateway) handleStop(handle *sessionmgr.Handle) {
	if err := g.sessions.UpdateStatus(handle.ID, persistence.StatusRunning); err != nil {
		slog.Error("update status on stop failed", "session", handle.ID, "error", err)
	}
	g.blocker.CancelSession(handle.ID)

	var pane string
	if handle.MultiplexerName != "" {
		captured, err := g.mux.CapturePane(context.Background(), handle.MultiplexerName, 200)
		if err != nil {
			slog.Warn("capture pane on stop failed", "session", handle.ID, "error", err)
		} else {
			pane = captured
		}
	}

	if text := extractAgentText(pane); text != "" && text != handle.LastBroadcastText {
		g.sessions.SetLastBroadcastText(handle.ID, text)
		g.broadcastEvent("message", map[string]any{"text": text}, handle.ID)
	}

	g.broadcastEvent("session_update", g.sessionSummary(handle), handle.ID)
}

// broadcastEvent allocates a session-scoped seq and persists the event
// before fanning it out to whichever transports are attached. System-level
// events (sessionID == "") skip persistence: there is no session row to
// satisfy the events table's foreign key.
func (g *Gateway) broadcastEvent(eventType string, payload any, sessionID string) {
	if sessionID != "" {
		seq, err := g.sessions.NextSeq(sessionID)
		if err != nil {
			slog.Error("allocate seq failed", "session", sessionID, "type", eventType, "error", err)
		} else if payloadJSON, err := json.Marshal(payload); err != nil {
			slog.Error("marshal event payload failed", "type", eventType, "error", err)
		} else if _, err := g.store.InsertEvent(sessionID, seq, eventType, string(payloadJSON)); err != nil {
			slog.Error("persist event failed", "session", sessionID, "type", eventType, "error", err)
		}
	}

	if g.lan != nil {
		g.lan.Broadcast(eventType, payload, sessionID)
	}
	if g.relay != nil {
		g.relay.Broadcast(eventType, payload, sessionID, g.relayHint(eventType, payload))
	}
}

// relayHint builds the outer-event-type-plus-tool-plus-risk hint the relay
// transport attaches to E2E-wrapped broadcasts, never the full payload.
func (g *Gateway) relayHint(eventType string, payload any) *relaytransport.Hint {
	hint := &relaytransport.Hint{Type: eventType}
	m, ok := payload.(map[string]any)
	if !ok {
		return hint
	}
	if tool, ok := m["toolName"].(string); ok {
		hint.ToolName = tool
	}
	switch rl := m["riskLevel"].(type) {
	case risk.Level:
		hint.Risk = string(rl)
	case string:
		hint.Risk = rl
	}
	return hint
}

// readFileForDiff satisfies diffgen.FileReader, treating a missing file as
// empty content rather than an error.
func (g *Gateway) readFileForDiff(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// toolCategory groups a tool name the same way risk.Classify does, for the
// permission_request payload's toolCategory field. risk.go's groupings
// aren't exported, so this duplicates the minimal grouping logic rather
// than widen that package's public API for one caller.
func toolCategory(tool string) string {
	switch strings.ToLower(strings.TrimSpace(tool)) {
	case "bash", "shell", "exec", "powershell":
		return "shell"
	case "write", "edit", "notebook_edit":
		return "write"
	case "read", "grep", "glob", "web_search", "web_fetch", "task_list", "ask_user", "list_files", "search":
		return "read"
	default:
		return "other"
	}
}

func stringFromRaw(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
