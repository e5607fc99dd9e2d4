package orchestrator

import (
	"encoding/json"
	"log/slog"

	"github.com/pyyush/agent-pager-sub000/internal/lantransport"
	"github.com/pyyush/agent-pager-sub000/internal/relaytransport"
	"github.com/pyyush/agent-pager-sub000/internal/sessionmgr"
)

// SessionListPayload implements lantransport.StateProvider: the summary
// list sent in response to a session_list-style catch-up or query.
func (g *Gateway) SessionListPayload() any {
	active := g.sessions.ListActive()
	summaries := make([]map[string]any, 0, len(active))
	for _, h := range active {
		summaries = append(summaries, g.sessionSummary(h))
	}
	return map[string]any{"sessions": summaries}
}

// ActiveSessionSnapshots implements lantransport.StateProvider: one entry
// per active session, carrying its session_start payload plus whatever
// permission requests are still unresolved, so a newly connected client can
// reconstruct current state without replaying the full event log.
func (g *Gateway) ActiveSessionSnapshots() []lantransport.SessionSnapshot {
	active := g.sessions.ListActive()
	snapshots := make([]lantransport.SessionSnapshot, 0, len(active))
	for _, h := range active {
		pending, err := g.store.PendingForSession(h.ID)
		if err != nil {
			slog.Error("load pending approvals for snapshot failed", "session", h.ID, "error", err)
		}

		approvals := make([]any, 0, len(pending))
		for _, p := range pending {
			var payload map[string]any
			if err := json.Unmarshal([]byte(p.Payload), &payload); err != nil {
				slog.Error("unmarshal pending approval payload failed", "request", p.RequestID, "error", err)
				continue
			}
			approvals = append(approvals, payload)
		}

		snapshots = append(snapshots, lantransport.SessionSnapshot{
			SessionID:        h.ID,
			StartPayload:     g.sessionStartPayload(h),
			PendingApprovals: approvals,
		})
	}
	return snapshots
}

// SendRelayCatchUp replays session_list, session_start, and unresolved
// permission_request state through rt, mirroring lantransport.sendCatchUp.
// Passed as the relay transport's onConnect hook so a reconnecting relay
// peer (e.g. a phone that was offline) isn't left blind until the next
// live event.
func (g *Gateway) SendRelayCatchUp(rt *relaytransport.Transport) {
	rt.Broadcast("session_list", g.SessionListPayload(), "", &relaytransport.Hint{Type: "session_list"})
	for _, snap := range g.ActiveSessionSnapshots() {
		rt.Broadcast("session_start", snap.StartPayload, snap.SessionID, &relaytransport.Hint{Type: "session_start"})
		for _, pending := range snap.PendingApprovals {
			rt.Broadcast("permission_request", pending, snap.SessionID, g.relayHint("permission_request", pending))
		}
	}
}

func (g *Gateway) sessionStartPayload(h *sessionmgr.Handle) map[string]any {
	return map[string]any{
		"sessionId":       h.ID,
		"agent":           h.Agent,
		"agentVersion":    h.AgentVersion,
		"task":            h.Task,
		"cwd":             h.Cwd,
		"multiplexerName": h.MultiplexerName,
	}
}

func (g *Gateway) sessionSummary(h *sessionmgr.Handle) map[string]any {
	return map[string]any{
		"sessionId":       h.ID,
		"agent":           h.Agent,
		"task":            h.Task,
		"status":          h.Status,
		"multiplexerName": h.MultiplexerName,
	}
}
