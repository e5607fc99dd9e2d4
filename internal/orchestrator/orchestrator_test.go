package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/pyyush/agent-pager-sub000/internal/adapter"
	"github.com/pyyush/agent-pager-sub000/internal/approval"
	"github.com/pyyush/agent-pager-sub000/internal/config"
	"github.com/pyyush/agent-pager-sub000/internal/lantransport"
	"github.com/pyyush/agent-pager-sub000/internal/muxdriver"
	"github.com/pyyush/agent-pager-sub000/internal/persistence"
	"github.com/pyyush/agent-pager-sub000/internal/sessionmgr"
)

// fakeTmux writes a shell script standing in for the tmux binary so tests
// don't depend on a real tmux installation or server state.
func fakeTmux(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tmux script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "tmux")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sessions := sessionmgr.New(store, 20)
	registry := adapter.NewRegistry()
	registry.Register(&adapter.Adapter{Name: "claude", SessionPrefix: "claude"})

	bin := fakeTmux(t, "exit 0\n")
	mux := muxdriver.New(bin)
	blocker := approval.New()

	if cfg == nil {
		cfg = &config.Config{ApprovalTimeout: time.Second}
	}
	return New(store, sessions, registry, mux, blocker, cfg)
}

func permissionEvent(tool string, input map[string]any) *adapter.NormalizedEvent {
	return &adapter.NormalizedEvent{
		Kind:      adapter.KindPermissionRequest,
		SessionID: "agent-sess-1",
		ToolName:  tool,
		ToolInput: input,
		Raw:       map[string]any{},
		Cwd:       "/tmp",
	}
}

func TestHandleBlocking_AutoApproveSafeSkipsBlocking(t *testing.T) {
	cfg := &config.Config{ApprovalTimeout: time.Second, AutoApproveSafe: true}
	g := newTestGateway(t, cfg)

	blocked, reason := g.HandleBlocking(context.Background(), "claude", permissionEvent("read", map[string]any{"file_path": "/tmp/a.txt"}))
	if blocked {
		t.Fatalf("expected safe tool to auto-approve, got blocked=%v reason=%q", blocked, reason)
	}
}

func TestHandleBlocking_TrustRuleShortCircuits(t *testing.T) {
	g := newTestGateway(t, nil)

	handle, err := g.sessions.Create("claude", "", "", "/tmp", "claude")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := g.store.AddTrustRule(persistence.TrustRule{
		Tool: "bash", TargetPattern: "", RiskMax: "moderate", Scope: persistence.ScopeSession, SessionID: handle.ID,
	}); err != nil {
		t.Fatalf("AddTrustRule() error: %v", err)
	}
	g.sessions.MapAgentSession("agent-sess-1", handle.ID)

	blocked, _ := g.HandleBlocking(context.Background(), "claude", permissionEvent("bash", map[string]any{"command": "ls"}))
	if blocked {
		t.Fatal("expected trust rule to short-circuit blocking")
	}
}

func TestHandleBlocking_ApproveRoundTrip(t *testing.T) {
	g := newTestGateway(t, nil)

	resultCh := make(chan struct {
		blocked bool
		reason  string
	}, 1)
	go func() {
		blocked, reason := g.HandleBlocking(context.Background(), "claude", permissionEvent("bash", map[string]any{"command": "ls -la"}))
		resultCh <- struct {
			blocked bool
			reason  string
		}{blocked, reason}
	}()

	var requestID string
	for requestID == "" {
		rows, err := g.store.PendingForSession(firstActiveSessionID(t, g))
		if err == nil && len(rows) > 0 {
			requestID = rows[0].RequestID
		}
		time.Sleep(time.Millisecond)
	}

	g.blocker.Approve(requestID)

	got := <-resultCh
	if got.blocked {
		t.Errorf("expected approval to unblock, got blocked=%v reason=%q", got.blocked, got.reason)
	}
}

func TestHandleBlocking_DenyRoundTrip(t *testing.T) {
	g := newTestGateway(t, nil)

	resultCh := make(chan struct {
		blocked bool
		reason  string
	}, 1)
	go func() {
		blocked, reason := g.HandleBlocking(context.Background(), "claude", permissionEvent("bash", map[string]any{"command": "rm -rf /tmp/x"}))
		resultCh <- struct {
			blocked bool
			reason  string
		}{blocked, reason}
	}()

	var requestID string
	for requestID == "" {
		rows, err := g.store.PendingForSession(firstActiveSessionID(t, g))
		if err == nil && len(rows) > 0 {
			requestID = rows[0].RequestID
		}
		time.Sleep(time.Millisecond)
	}

	g.blocker.Deny(requestID, "no thanks")

	got := <-resultCh
	if !got.blocked || got.reason != "no thanks" {
		t.Errorf("result = %+v, want blocked with explicit reason", got)
	}
}

func TestHandleBlocking_ContextCancelDenies(t *testing.T) {
	g := newTestGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	resultCh := make(chan struct {
		blocked bool
		reason  string
	}, 1)
	go func() {
		blocked, reason := g.HandleBlocking(ctx, "claude", permissionEvent("bash", map[string]any{"command": "ls"}))
		resultCh <- struct {
			blocked bool
			reason  string
		}{blocked, reason}
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	got := <-resultCh
	if !got.blocked || got.reason != "Hook connection lost" {
		t.Errorf("result = %+v, want blocked with hook-connection-lost reason", got)
	}
}

func TestHandleBlocking_AskUserNeverBlocks(t *testing.T) {
	g := newTestGateway(t, nil)
	blocked, _ := g.HandleBlocking(context.Background(), "claude", permissionEvent("ask_user", map[string]any{"questions": []string{"continue?"}}))
	if blocked {
		t.Fatal("ask_user should never block waiting for a human")
	}
}

func firstActiveSessionID(t *testing.T, g *Gateway) string {
	t.Helper()
	active := g.sessions.ListActive()
	if len(active) == 0 {
		return ""
	}
	return active[0].ID
}

func TestHandleAsync_StopLeavesSessionRunning(t *testing.T) {
	g := newTestGateway(t, nil)
	handle, err := g.sessions.Create("claude", "", "", "/tmp", "claude")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	g.sessions.MapAgentSession("agent-sess-1", handle.ID)

	g.HandleAsync("claude", &adapter.NormalizedEvent{
		Kind:      adapter.KindStop,
		SessionID: "agent-sess-1",
	})

	got, ok := g.sessions.Get(handle.ID)
	if !ok {
		t.Fatal("session should still exist after stop")
	}
	if got.Status != persistence.StatusRunning {
		t.Errorf("status = %s, want running after stop (idle-between-turns, not terminated)", got.Status)
	}
}

func TestDispatch_ApproveUnknownRequestIsError(t *testing.T) {
	g := newTestGateway(t, nil)
	err := g.Dispatch(context.Background(), lantransport.Action{
		Type:    "approve",
		Payload: mustJSON(t, map[string]any{"requestId": "nope"}),
	})
	if err == nil {
		t.Fatal("expected error approving an unknown request")
	}
}

func TestDispatch_DenyResolvesBlocker(t *testing.T) {
	g := newTestGateway(t, nil)
	done := make(chan approval.Result, 1)
	go func() { done <- g.blocker.WaitForApproval("req1", "s1", time.Second) }()
	for !g.blocker.IsPending("req1") {
		time.Sleep(time.Millisecond)
	}

	if err := g.Dispatch(context.Background(), lantransport.Action{
		Type:    "deny",
		Payload: mustJSON(t, map[string]any{"requestId": "req1", "reason": "stop"}),
	}); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	result := <-done
	if !result.Blocked || result.Reason != "stop" {
		t.Errorf("result = %+v, want blocked with explicit reason", result)
	}
}

func TestDispatch_UnhandledActionTypeIsError(t *testing.T) {
	g := newTestGateway(t, nil)
	if err := g.Dispatch(context.Background(), lantransport.Action{Type: "auth", Payload: []byte("{}")}); err == nil {
		t.Fatal("expected an error for an action type orchestrator never routes")
	}
}

func TestSessionListPayload_ReflectsActiveSessions(t *testing.T) {
	g := newTestGateway(t, nil)
	if _, err := g.sessions.Create("claude", "", "do a thing", "/tmp", "claude"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	payload := g.SessionListPayload().(map[string]any)
	sessions := payload["sessions"].([]map[string]any)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %v, want 1 entry", sessions)
	}
}

func TestExtractAgentText_StopsAtPromptLine(t *testing.T) {
	pane := "some earlier output\n$ claude\nHere is my answer.\nIt has two lines.\n$ "
	got := extractAgentText(pane)
	want := "Here is my answer.\nIt has two lines."
	if got != want {
		t.Errorf("extractAgentText() = %q, want %q", got, want)
	}
}

func TestExtractAgentText_EmptyPaneYieldsEmpty(t *testing.T) {
	if got := extractAgentText(""); got != "" {
		t.Errorf("extractAgentText(\"\") = %q, want empty", got)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
