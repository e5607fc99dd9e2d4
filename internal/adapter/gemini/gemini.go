// Package gemini adapts Gemini CLI's hook payload shape to the gateway's
// unified NormalizedEvent.
package gemini

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/pyyush/agent-pager-sub000/internal/adapter"
)

// New returns the Gemini CLI adapter.
func New() *adapter.Adapter {
	return &adapter.Adapter{
		Name:          "gemini",
		DisplayName:   "Gemini CLI",
		LaunchBinary:  "gemini",
		SessionPrefix: "gemini",
		Versions:      adapter.VersionRange{Min: "0.1.0"},
		Endpoints:     []string{"permission", "tool_result", "notification", "stop"},
		Capabilities:  []string{"permission_request", "tool_complete", "notification", "stop"},

		DetectVersionFunc:        detectVersion,
		NormalizeHookPayloadFunc: normalizeHookPayload,
		ExtractPermissionFunc:    extractPermission,
		BuildLaunchCommandFunc:   buildLaunchCommand,
	}
}

func detectVersion() (string, error) {
	out, err := exec.Command("gemini", "--version").Output()
	if err != nil {
		return "", fmt.Errorf("detect gemini version: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func normalizeHookPayload(raw map[string]any, endpoint string) (*adapter.NormalizedEvent, error) {
	ev := &adapter.NormalizedEvent{
		SessionID: stringField(raw, "session"),
		Cwd:       stringField(raw, "directory"),
		Raw:       raw,
	}

	switch endpoint {
	case "permission":
		ev.Kind = adapter.KindPermissionRequest
		ev.ToolName = stringField(raw, "toolName")
		ev.ToolInput = mapField(raw, "toolArgs")
	case "tool_result":
		ev.Kind = adapter.KindToolComplete
		ev.ToolName = stringField(raw, "toolName")
		ev.ToolInput = mapField(raw, "toolArgs")
	case "notification":
		ev.Kind = adapter.KindNotification
	case "stop":
		ev.Kind = adapter.KindStop
	default:
		return nil, nil
	}

	return ev, nil
}

func extractPermission(raw map[string]any) (*adapter.PermissionPayload, error) {
	return &adapter.PermissionPayload{
		ToolName:  stringField(raw, "toolName"),
		ToolInput: mapField(raw, "toolArgs"),
	}, nil
}

func buildLaunchCommand(task string, flags map[string]string) []string {
	argv := []string{"gemini"}
	if task != "" {
		argv = append(argv, "-p", task)
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
