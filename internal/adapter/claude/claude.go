// Package claude adapts Claude Code's hook payload shape to the gateway's
// unified NormalizedEvent.
package claude

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/pyyush/agent-pager-sub000/internal/adapter"
)

// New returns the Claude Code adapter.
func New() *adapter.Adapter {
	return &adapter.Adapter{
		Name:          "claude",
		DisplayName:   "Claude Code",
		LaunchBinary:  "claude",
		SessionPrefix: "claude",
		Versions:      adapter.VersionRange{Min: "1.0.0"},
		Endpoints:     []string{"PreToolUse", "PostToolUse", "Notification", "Stop"},
		Capabilities:  []string{"permission_request", "tool_complete", "notification", "stop"},

		DetectVersionFunc:        detectVersion,
		NormalizeHookPayloadFunc: normalizeHookPayload,
		ExtractPermissionFunc:    extractPermission,
		BuildLaunchCommandFunc:   buildLaunchCommand,
	}
}

func detectVersion() (string, error) {
	out, err := exec.Command("claude", "--version").Output()
	if err != nil {
		return "", fmt.Errorf("detect claude version: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func normalizeHookPayload(raw map[string]any, endpoint string) (*adapter.NormalizedEvent, error) {
	ev := &adapter.NormalizedEvent{
		SessionID: stringField(raw, "session_id"),
		Cwd:       stringField(raw, "cwd"),
		Raw:       raw,
	}

	switch endpoint {
	case "PreToolUse":
		ev.Kind = adapter.KindPermissionRequest
		ev.ToolName = stringField(raw, "tool_name")
		ev.ToolInput = mapField(raw, "tool_input")
	case "PostToolUse":
		ev.Kind = adapter.KindToolComplete
		ev.ToolName = stringField(raw, "tool_name")
		ev.ToolInput = mapField(raw, "tool_input")
	case "Notification":
		ev.Kind = adapter.KindNotification
	case "Stop":
		ev.Kind = adapter.KindStop
	default:
		return nil, nil
	}

	return ev, nil
}

func extractPermission(raw map[string]any) (*adapter.PermissionPayload, error) {
	return &adapter.PermissionPayload{
		ToolName:  stringField(raw, "tool_name"),
		ToolInput: mapField(raw, "tool_input"),
	}, nil
}

func buildLaunchCommand(task string, flags map[string]string) []string {
	argv := []string{"claude"}
	if task != "" {
		argv = append(argv, "--task", task)
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
