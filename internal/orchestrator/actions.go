package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pyyush/agent-pager-sub000/internal/gatewaylimits"
	"github.com/pyyush/agent-pager-sub000/internal/lantransport"
	"github.com/pyyush/agent-pager-sub000/internal/persistence"
	"github.com/pyyush/agent-pager-sub000/internal/risk"
	"github.com/pyyush/agent-pager-sub000/internal/sessionmgr"
)

// Dispatch implements lantransport.ActionHandler: every validated inbound
// client action (from either the LAN or relay transport) is routed here.
func (g *Gateway) Dispatch(ctx context.Context, a lantransport.Action) error {
	switch a.Type {
	case "approve", "edit_approve":
		return g.handleApprove(ctx, a.Payload)
	case "deny":
		return g.handleDeny(a.Payload)
	case "batch_approve":
		return g.handleBatchApprove(a.Payload)
	case "text_input", "terminal_input":
		return g.handleTextInput(ctx, a.Payload)
	case "stop":
		return g.handleStopAction(ctx, a.Payload)
	case "pause":
		return g.handlePause(ctx, a.Payload)
	case "start_session":
		return g.handleStartSession(ctx, a.Payload)
	case "resume_from_seq":
		return g.handleResumeFromSeq(a.Payload)
	default:
		return fmt.Errorf("unhandled action type %q", a.Type)
	}
}

type approvePayload struct {
	RequestID string `json:"requestId"`
	Scope     string `json:"scope"`
}

// handleApprove resolves a pending approval. A non-"once" scope installs a
// trust rule from the request's own tool/risk/session before the blocker is
// released, so the rule is in place before the agent's next identical
// request could possibly arrive. Dangerous-risk approvals aren't committed
// immediately: they're held for gatewaylimits.UndoDelay so a human's deny
// during the grace window still wins.
func (g *Gateway) handleApprove(ctx context.Context, raw json.RawMessage) error {
	var p approvePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("malformed approve payload: %w", err)
	}
	if p.RequestID == "" {
		return fmt.Errorf("approve payload missing requestId")
	}

	pending, err := g.store.GetPending(p.RequestID)
	if err != nil {
		return fmt.Errorf("load pending approval %s: %w", p.RequestID, err)
	}
	if pending == nil {
		return fmt.Errorf("no pending approval %s", p.RequestID)
	}

	if p.Scope == string(persistence.ScopeSession) || p.Scope == string(persistence.ScopeGlobal) {
		scope := persistence.TrustRuleScope(p.Scope)
		rule := persistence.TrustRule{
			Tool:          pending.Tool,
			TargetPattern: pending.Target,
			RiskMax:       pending.Risk,
			Scope:         scope,
		}
		if scope == persistence.ScopeSession {
			rule.SessionID = pending.SessionID
		}
		if _, err := g.store.AddTrustRule(rule); err != nil {
			slog.Error("install trust rule failed", "request", p.RequestID, "error", err)
		}
	}

	if pending.Risk == string(risk.Dangerous) {
		go func() {
			time.Sleep(gatewaylimits.UndoDelay)
			if g.blocker.IsPending(p.RequestID) {
				g.blocker.Approve(p.RequestID)
			}
		}()
		return nil
	}

	g.blocker.Approve(p.RequestID)
	return nil
}

type denyPayload struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
}

func (g *Gateway) handleDeny(raw json.RawMessage) error {
	var p denyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("malformed deny payload: %w", err)
	}
	if p.RequestID == "" {
		return fmt.Errorf("deny payload missing requestId")
	}
	reason := p.Reason
	if reason == "" {
		reason = "Denied by user"
	}
	g.blocker.Deny(p.RequestID, reason)
	return nil
}

type batchApprovePayload struct {
	RequestIDs []string `json:"requestIds"`
}

func (g *Gateway) handleBatchApprove(raw json.RawMessage) error {
	var p batchApprovePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("malformed batch_approve payload: %w", err)
	}
	for _, id := range p.RequestIDs {
		single, err := json.Marshal(approvePayload{RequestID: id})
		if err != nil {
			continue
		}
		if err := g.handleApprove(context.Background(), single); err != nil {
			slog.Warn("batch approve item failed", "request", id, "error", err)
		}
	}
	return nil
}

type textInputPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

func (g *Gateway) handleTextInput(ctx context.Context, raw json.RawMessage) error {
	var p textInputPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("malformed text_input payload: %w", err)
	}
	handle, err := g.resolveTargetSession(p.SessionID)
	if err != nil {
		return err
	}
	return g.mux.SendText(ctx, handle.MultiplexerName, p.Text)
}

type sessionActionPayload struct {
	SessionID string `json:"sessionId"`
}

// resolveTargetSession looks up a session by id for actions that name one
// explicitly, falling back to the sole active session when only one exists
// and none was named.
func (g *Gateway) resolveTargetSession(sessionID string) (*sessionmgr.Handle, error) {
	if sessionID != "" {
		h, ok := g.sessions.Get(sessionID)
		if !ok {
			return nil, fmt.Errorf("unknown session %s", sessionID)
		}
		return h, nil
	}
	active := g.sessions.ListActive()
	if len(active) == 1 {
		return active[0], nil
	}
	return nil, fmt.Errorf("sessionId required: %d active sessions", len(active))
}

func (g *Gateway) handleStopAction(ctx context.Context, raw json.RawMessage) error {
	var p sessionActionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("malformed stop payload: %w", err)
	}
	handle, err := g.resolveTargetSession(p.SessionID)
	if err != nil {
		return err
	}

	g.blocker.CancelSession(handle.ID)
	if err := g.mux.Kill(ctx, handle.MultiplexerName); err != nil {
		slog.Warn("kill multiplexer session failed", "session", handle.ID, "error", err)
	}
	if err := g.sessions.UpdateStatus(handle.ID, persistence.StatusStopped); err != nil {
		slog.Error("update status on client stop failed", "session", handle.ID, "error", err)
	}
	g.broadcastEvent("session_update", g.sessionSummary(handle), handle.ID)
	return nil
}

func (g *Gateway) handlePause(ctx context.Context, raw json.RawMessage) error {
	var p sessionActionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("malformed pause payload: %w", err)
	}
	handle, err := g.resolveTargetSession(p.SessionID)
	if err != nil {
		return err
	}
	return g.mux.Interrupt(ctx, handle.MultiplexerName)
}

type startSessionPayload struct {
	Agent string            `json:"agent"`
	Task  string            `json:"task"`
	Cwd   string            `json:"cwd"`
	Flags map[string]string `json:"flags"`
}

func (g *Gateway) handleStartSession(ctx context.Context, raw json.RawMessage) error {
	var p startSessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("malformed start_session payload: %w", err)
	}
	if p.Agent == "" {
		return fmt.Errorf("start_session payload missing agent")
	}

	a, ok := g.registry.Get(p.Agent)
	if !ok {
		return fmt.Errorf("unknown agent %q", p.Agent)
	}

	handle, err := g.sessions.Create(p.Agent, "", p.Task, p.Cwd, a.SessionPrefix)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	argv := a.BuildLaunchCommand(p.Task, p.Flags)
	if err := g.mux.Create(ctx, handle.MultiplexerName, p.Cwd, strings.Join(argv, " ")); err != nil {
		return fmt.Errorf("launch %s session: %w", p.Agent, err)
	}

	if err := g.sessions.UpdateStatus(handle.ID, persistence.StatusRunning); err != nil {
		slog.Error("update status after launch failed", "session", handle.ID, "error", err)
	}
	g.broadcastEvent("session_start", g.sessionStartPayload(handle), handle.ID)
	return nil
}

type resumeFromSeqPayload struct {
	SessionID string `json:"sessionId"`
	AfterSeq  int64  `json:"afterSeq"`
}

// handleResumeFromSeq replays already-persisted events directly to the
// transports, bypassing broadcastEvent's persistence step since these
// events were persisted when first broadcast and only need re-delivery
// with fresh per-transport seq numbers.
func (g *Gateway) handleResumeFromSeq(raw json.RawMessage) error {
	var p resumeFromSeqPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("malformed resume_from_seq payload: %w", err)
	}
	if p.SessionID == "" {
		return fmt.Errorf("resume_from_seq payload missing sessionId")
	}

	events, err := g.store.EventsSince(p.SessionID, p.AfterSeq, 1000)
	if err != nil {
		return fmt.Errorf("load events since seq %d: %w", p.AfterSeq, err)
	}

	for _, ev := range events {
		var payload any
		if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
			slog.Error("unmarshal replayed event payload failed", "event", ev.ID, "error", err)
			continue
		}
		if g.lan != nil {
			g.lan.Broadcast(ev.EventType, payload, ev.SessionID)
		}
		if g.relay != nil {
			g.relay.Broadcast(ev.EventType, payload, ev.SessionID, g.relayHint(ev.EventType, payload))
		}
	}
	return nil
}
