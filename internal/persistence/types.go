package persistence

import "time"

// SessionStatus is one of the gateway session lifecycle states.
type SessionStatus string

const (
	StatusCreated SessionStatus = "created"
	StatusRunning SessionStatus = "running"
	StatusWaiting SessionStatus = "waiting"
	StatusError   SessionStatus = "error"
	StatusStopped SessionStatus = "stopped"
	StatusDone    SessionStatus = "done"
)

// IsTerminal reports whether s is one of the terminal statuses.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusError || s == StatusStopped || s == StatusDone
}

// Session is a persisted agent execution.
type Session struct {
	ID               string        `json:"id"`
	Agent            string        `json:"agent"`
	AgentVersion     string        `json:"agentVersion"`
	Task             string        `json:"task"`
	Cwd              string        `json:"cwd"`
	MultiplexerName  string        `json:"multiplexerSessionName"`
	Status           SessionStatus `json:"status"`
	AutoApprove      bool          `json:"autoApprove"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
	FinishedAt       *time.Time    `json:"finishedAt,omitempty"`
	Metadata         string        `json:"metadata"` // opaque JSON blob
}

// Event is an append-only log entry scoped to a session.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Seq       int64     `json:"seq"`
	EventType string    `json:"eventType"`
	Payload   string    `json:"payload"` // opaque JSON
	CreatedAt time.Time `json:"createdAt"`
}

// Resolution is the outcome of a pending approval.
type Resolution string

const (
	ResolutionApproved Resolution = "approved"
	ResolutionDenied   Resolution = "denied"
)

// PendingApproval is a durable record that a permission request was asked.
type PendingApproval struct {
	RequestID  string     `json:"requestId"`
	SessionID  string     `json:"sessionId"`
	Tool       string     `json:"tool"`
	Target     string     `json:"target"`
	Risk       string     `json:"risk"`
	Payload    string     `json:"payload"` // opaque JSON
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	Resolution Resolution `json:"resolution,omitempty"`
}

// TrustRuleScope distinguishes session-scoped from global trust rules.
type TrustRuleScope string

const (
	ScopeSession TrustRuleScope = "session"
	ScopeGlobal  TrustRuleScope = "global"
)

// TrustRule is an auto-approval rule evaluated by CheckTrustRule.
type TrustRule struct {
	ID            int64          `json:"id"`
	Tool          string         `json:"tool"`
	TargetPattern string         `json:"targetPattern,omitempty"`
	RiskMax       string         `json:"riskMax"`
	Scope         TrustRuleScope `json:"scope"`
	SessionID     string         `json:"sessionId,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}
