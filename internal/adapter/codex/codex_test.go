package codex

import "testing"

func TestNormalizeHookPayload_ToolCall(t *testing.T) {
	a := New()
	raw := map[string]any{
		"sessionId": "s1",
		"workdir":   "/tmp/repo",
		"event":     "tool_call",
		"tool":      "shell",
		"args":      map[string]any{"command": "ls"},
	}

	ev, err := a.NormalizeHookPayload(raw, "")
	if err != nil {
		t.Fatalf("NormalizeHookPayload() error: %v", err)
	}
	if ev == nil || ev.Kind != "permission_request" {
		t.Fatalf("NormalizeHookPayload() = %+v, want permission_request", ev)
	}
}

func TestNormalizeHookPayload_Idle(t *testing.T) {
	a := New()
	ev, err := a.NormalizeHookPayload(map[string]any{"event": "idle"}, "")
	if err != nil {
		t.Fatalf("NormalizeHookPayload() error: %v", err)
	}
	if ev == nil || ev.Kind != "stop" {
		t.Fatalf("NormalizeHookPayload() = %+v, want stop", ev)
	}
}

func TestNormalizeHookPayload_FallsBackToEndpoint(t *testing.T) {
	a := New()
	ev, err := a.NormalizeHookPayload(map[string]any{}, "error")
	if err != nil {
		t.Fatalf("NormalizeHookPayload() error: %v", err)
	}
	if ev == nil || ev.Kind != "error" {
		t.Fatalf("NormalizeHookPayload() = %+v, want error", ev)
	}
}

func TestBuildLaunchCommand(t *testing.T) {
	a := New()
	argv := a.BuildLaunchCommand("fix the bug", nil)
	if argv[0] != "codex" || argv[1] != "exec" {
		t.Errorf("argv = %v, want [codex exec ...]", argv)
	}
}
