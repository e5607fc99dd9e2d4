// Package codex adapts OpenAI Codex CLI's hook payload shape to the
// gateway's unified NormalizedEvent.
package codex

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/pyyush/agent-pager-sub000/internal/adapter"
)

// New returns the Codex adapter.
func New() *adapter.Adapter {
	return &adapter.Adapter{
		Name:          "codex",
		DisplayName:   "Codex CLI",
		LaunchBinary:  "codex",
		SessionPrefix: "codex",
		Versions:      adapter.VersionRange{Min: "0.1.0"},
		Endpoints:     []string{"tool_call", "tool_result", "idle", "error"},
		Capabilities:  []string{"permission_request", "tool_complete", "notification", "error"},

		DetectVersionFunc:        detectVersion,
		NormalizeHookPayloadFunc: normalizeHookPayload,
		ExtractPermissionFunc:    extractPermission,
		BuildLaunchCommandFunc:   buildLaunchCommand,
	}
}

func detectVersion() (string, error) {
	out, err := exec.Command("codex", "--version").Output()
	if err != nil {
		return "", fmt.Errorf("detect codex version: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Codex reports its hook event kind in the "event" field rather than via a
// distinct URL endpoint, so normalizeHookPayload consults both.
func normalizeHookPayload(raw map[string]any, endpoint string) (*adapter.NormalizedEvent, error) {
	kind := stringField(raw, "event")
	if kind == "" {
		kind = endpoint
	}

	ev := &adapter.NormalizedEvent{
		SessionID: stringField(raw, "sessionId"),
		Cwd:       stringField(raw, "workdir"),
		Raw:       raw,
	}

	switch kind {
	case "tool_call":
		ev.Kind = adapter.KindPermissionRequest
		ev.ToolName = stringField(raw, "tool")
		ev.ToolInput = mapField(raw, "args")
	case "tool_result":
		ev.Kind = adapter.KindToolComplete
		ev.ToolName = stringField(raw, "tool")
		ev.ToolInput = mapField(raw, "args")
	case "idle":
		ev.Kind = adapter.KindStop
	case "error":
		ev.Kind = adapter.KindError
	default:
		return nil, nil
	}

	return ev, nil
}

func extractPermission(raw map[string]any) (*adapter.PermissionPayload, error) {
	return &adapter.PermissionPayload{
		ToolName:  stringField(raw, "tool"),
		ToolInput: mapField(raw, "args"),
	}, nil
}

func buildLaunchCommand(task string, flags map[string]string) []string {
	argv := []string{"codex", "exec"}
	if task != "" {
		argv = append(argv, task)
	}
	for k, v := range flags {
		argv = append(argv, "--"+k, v)
	}
	return argv
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func mapField(m map[string]any, key string) map[string]any {
	if v, ok := m[key]; ok {
		if mm, ok := v.(map[string]any); ok {
			return mm
		}
	}
	return nil
}
