// Package adapter defines the per-agent plug-point: each supported coding
// agent (Claude, Codex, Gemini, ...) implements Adapter to normalize its
// hook payloads into the gateway's unified event shape.
package adapter

// EventKind is the unified shape a hook payload normalizes to.
type EventKind string

const (
	KindPermissionRequest EventKind = "permission_request"
	KindToolComplete      EventKind = "tool_complete"
	KindNotification      EventKind = "notification"
	KindStop              EventKind = "stop"
	KindError             EventKind = "error"
	KindProgress          EventKind = "progress"
)

// NormalizedEvent is the agent-agnostic shape every adapter maps its raw
// hook payload onto.
type NormalizedEvent struct {
	Kind            EventKind
	SessionID       string // the agent's own session id, if the payload carries one
	ToolName        string
	ToolInput       map[string]any
	Raw             map[string]any
	MultiplexerHint string // multiplexer session name hint, if present
	Cwd             string
}

// PermissionPayload is what ExtractPermission pulls out of a raw payload
// for a permission_request-kind event.
type PermissionPayload struct {
	ToolName  string
	ToolInput map[string]any
}

// VersionRange pins the adapter's known-compatible agent version range.
// Empty bounds mean "no constraint on that side".
type VersionRange struct {
	Min string
	Max string
}

// Adapter is the contract every supported coding agent implements.
type Adapter struct {
	// Static metadata, set by each concrete adapter's constructor.
	Name          string
	DisplayName   string
	LaunchBinary  string
	SessionPrefix string
	Versions      VersionRange
	Endpoints     []string
	Capabilities  []string

	// Behavior.
	DetectVersionFunc        func() (string, error)
	NormalizeHookPayloadFunc func(raw map[string]any, endpoint string) (*NormalizedEvent, error)
	ExtractPermissionFunc    func(raw map[string]any) (*PermissionPayload, error)
	BuildLaunchCommandFunc   func(task string, flags map[string]string) []string
}

// DetectVersion calls the adapter's version probe, or returns ("", nil)
// when the adapter doesn't implement one.
func (a *Adapter) DetectVersion() (string, error) {
	if a.DetectVersionFunc == nil {
		return "", nil
	}
	return a.DetectVersionFunc()
}

// NormalizeHookPayload maps a vendor-specific payload to the unified shape,
// returning nil when the payload doesn't correspond to a known event.
func (a *Adapter) NormalizeHookPayload(raw map[string]any, endpoint string) (*NormalizedEvent, error) {
	if a.NormalizeHookPayloadFunc == nil {
		return nil, nil
	}
	return a.NormalizeHookPayloadFunc(raw, endpoint)
}

// ExtractPermission pulls the tool name/input out of a raw permission
// payload.
func (a *Adapter) ExtractPermission(raw map[string]any) (*PermissionPayload, error) {
	if a.ExtractPermissionFunc == nil {
		return nil, nil
	}
	return a.ExtractPermissionFunc(raw)
}

// BuildLaunchCommand builds the argv used to launch the agent binary for a
// new session.
func (a *Adapter) BuildLaunchCommand(task string, flags map[string]string) []string {
	if a.BuildLaunchCommandFunc == nil {
		return []string{a.LaunchBinary}
	}
	return a.BuildLaunchCommandFunc(task, flags)
}
