package gemini

import "testing"

func TestNormalizeHookPayload_Permission(t *testing.T) {
	a := New()
	raw := map[string]any{
		"session":   "s1",
		"directory": "/tmp/repo",
		"toolName":  "edit_file",
		"toolArgs":  map[string]any{"path": "x.go"},
	}

	ev, err := a.NormalizeHookPayload(raw, "permission")
	if err != nil {
		t.Fatalf("NormalizeHookPayload() error: %v", err)
	}
	if ev == nil || ev.Kind != "permission_request" {
		t.Fatalf("NormalizeHookPayload() = %+v, want permission_request", ev)
	}
	if ev.ToolName != "edit_file" {
		t.Errorf("ToolName = %q, want edit_file", ev.ToolName)
	}
}

func TestNormalizeHookPayload_Stop(t *testing.T) {
	a := New()
	ev, err := a.NormalizeHookPayload(map[string]any{}, "stop")
	if err != nil {
		t.Fatalf("NormalizeHookPayload() error: %v", err)
	}
	if ev == nil || ev.Kind != "stop" {
		t.Fatalf("NormalizeHookPayload() = %+v, want stop", ev)
	}
}

func TestBuildLaunchCommand(t *testing.T) {
	a := New()
	argv := a.BuildLaunchCommand("fix the bug", nil)
	if argv[0] != "gemini" || argv[1] != "-p" {
		t.Errorf("argv = %v, want [gemini -p ...]", argv)
	}
}
