// Package gatewaylimits centralizes the hard resource limits the gateway
// enforces across subsystems, so persistence, transports, and the
// orchestrator all reference one source of truth instead of scattering
// magic numbers.
package gatewaylimits

import "time"

const (
	// MaxConcurrentSessions caps the Session Manager's in-memory session table.
	MaxConcurrentSessions = 20

	// MaxLANClients caps simultaneous WebSocket clients on the LAN transport.
	MaxLANClients = 5

	// MaxPendingPerSession caps unresolved approvals held per session.
	MaxPendingPerSession = 100

	// MaxHookPayloadBytes is the hard cap on a hook POST body.
	MaxHookPayloadBytes = 1 << 20 // 1 MiB

	// SoftWarnDBBytes is the soft warning threshold for database size.
	SoftWarnDBBytes = 500 << 20 // ~500 MiB

	// MaxDiffBytes bounds accumulated hunk bytes before a diff is truncated.
	MaxDiffBytes = 256 << 10 // 256 KiB

	// MaxTerminalBufferBytes bounds the multiplexer pane capture buffer.
	MaxTerminalBufferBytes = 5 << 20 // 5 MiB

	// MaxWSMessageBytes caps a single inbound WebSocket frame.
	MaxWSMessageBytes = 64 << 10 // 64 KiB

	// ApprovalTimeout is how long a pending approval waits before auto-deny.
	ApprovalTimeout = 5 * time.Minute

	// HeartbeatInterval is how often transports broadcast a heartbeat event.
	HeartbeatInterval = 15 * time.Second

	// UndoDelay is the grace window before a dangerous-risk approval commits.
	UndoDelay = 2 * time.Second

	// MuxCommandTimeout bounds every multiplexer CLI invocation.
	MuxCommandTimeout = 5 * time.Second

	// RelayReconnectBaseDelay is the initial relay reconnect backoff.
	RelayReconnectBaseDelay = 2 * time.Second

	// RelayReconnectMaxDelay caps relay reconnect backoff.
	RelayReconnectMaxDelay = 60 * time.Second
)
