// Package sessionmgr owns the gateway-side in-memory session table,
// agent-ID aliasing, per-session sequence counters, and startup recovery.
package sessionmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pyyush/agent-pager-sub000/internal/muxdriver"
	"github.com/pyyush/agent-pager-sub000/internal/persistence"
)

// Handle is the in-memory counterpart to a persistence.Session: it carries
// the live fields the store doesn't need (sequence counter, dedup text).
type Handle struct {
	ID               string
	Agent            string
	AgentVersion     string
	Task             string
	Cwd              string
	MultiplexerName  string
	Status           persistence.SessionStatus
	AutoApprove      bool
	LastBroadcastText string

	seq int64
}

// Manager owns the gateway session map and the agent-session alias map.
// All mutations to either map go through it.
type Manager struct {
	mu      sync.RWMutex
	store   *persistence.Store
	maxSize int

	sessions map[string]*Handle
	aliases  map[string]string // agent's own session id -> gateway session id
}

// New returns a Manager backed by store, capping concurrent sessions at
// maxSize (0 disables the cap).
func New(store *persistence.Store, maxSize int) *Manager {
	return &Manager{
		store:    store,
		maxSize:  maxSize,
		sessions: make(map[string]*Handle),
		aliases:  make(map[string]string),
	}
}

// Create allocates a new gateway session: a UUID, a multiplexer session
// name derived from prefix, and a persisted row with status "created".
func (m *Manager) Create(agent, agentVersion, task, cwd, multiplexerPrefix string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSize > 0 && m.activeCountLocked() >= m.maxSize {
		return nil, fmt.Errorf("concurrent session limit (%d) reached", m.maxSize)
	}

	id := uuid.New().String()
	muxName := fmt.Sprintf("%s-%s", multiplexerPrefix, id[:8])

	sess := persistence.Session{
		ID:              id,
		Agent:           agent,
		AgentVersion:    agentVersion,
		Task:            task,
		Cwd:             cwd,
		MultiplexerName: muxName,
		Status:          persistence.StatusCreated,
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("persist new session: %w", err)
	}

	handle := &Handle{
		ID:              id,
		Agent:           agent,
		AgentVersion:    agentVersion,
		Task:            task,
		Cwd:             cwd,
		MultiplexerName: muxName,
		Status:          persistence.StatusCreated,
	}
	m.sessions[id] = handle
	return handle, nil
}

// Get looks up a handle by gateway id, falling back to the alias map if id
// is actually an agent-native session id.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if h, ok := m.sessions[id]; ok {
		return h, true
	}
	if gatewayID, ok := m.aliases[id]; ok {
		h, ok := m.sessions[gatewayID]
		return h, ok
	}
	return nil, false
}

// MapAgentSession records that agentSessionID refers to gatewayID, called
// on every hook event that carries a session id so later events route
// correctly even before the alias existed.
func (m *Manager) MapAgentSession(agentSessionID, gatewayID string) {
	if agentSessionID == "" {
		return
	}
	m.mu.Lock()
	m.aliases[agentSessionID] = gatewayID
	m.mu.Unlock()
}

// UpdateStatus writes the new status through to the store and updates the
// in-memory handle. Terminal statuses keep the row in the store but the
// handle stops appearing in ListActive.
func (m *Manager) UpdateStatus(id string, status persistence.SessionStatus) error {
	if err := m.store.UpdateStatus(id, status); err != nil {
		return err
	}
	m.mu.Lock()
	if h, ok := m.sessions[id]; ok {
		h.Status = status
	}
	m.mu.Unlock()
	return nil
}

// UpdateMultiplexerName persists and updates the multiplexer session name
// bound to id.
func (m *Manager) UpdateMultiplexerName(id, name string) error {
	if err := m.store.UpdateMultiplexerName(id, name); err != nil {
		return err
	}
	m.mu.Lock()
	if h, ok := m.sessions[id]; ok {
		h.MultiplexerName = name
	}
	m.mu.Unlock()
	return nil
}

// SetLastBroadcastText records the last text broadcast for id, used by the
// orchestrator to suppress duplicate "message" events.
func (m *Manager) SetLastBroadcastText(id, text string) {
	m.mu.Lock()
	if h, ok := m.sessions[id]; ok {
		h.LastBroadcastText = text
	}
	m.mu.Unlock()
}

// NextSeq returns the next sequence number for id, incrementing the
// in-memory counter if a handle is present, otherwise falling back to the
// store's latest recorded seq + 1 (valid even for a handle-less, e.g.
// post-restart, stopped session).
func (m *Manager) NextSeq(id string) (int64, error) {
	m.mu.Lock()
	h, ok := m.sessions[id]
	m.mu.Unlock()

	if ok {
		m.mu.Lock()
		h.seq++
		next := h.seq
		m.mu.Unlock()
		return next, nil
	}

	latest, err := m.store.LatestSeq(id)
	if err != nil {
		return 0, fmt.Errorf("fallback seq lookup for %s: %w", id, err)
	}
	return latest + 1, nil
}

// ListActive returns every in-memory handle whose status is non-terminal.
func (m *Manager) ListActive() []*Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Handle
	for _, h := range m.sessions {
		if !h.Status.IsTerminal() {
			out = append(out, h)
		}
	}
	return out
}

func (m *Manager) activeCountLocked() int {
	count := 0
	for _, h := range m.sessions {
		if !h.Status.IsTerminal() {
			count++
		}
	}
	return count
}

// PrefixResolver resolves a multiplexer session name to the adapter that
// owns it, for recovery; the Adapter Registry implements this.
type PrefixResolver interface {
	ResolveByPrefix(multiplexerSessionName string) (adapterName string, ok bool)
}

// RecoveryResult summarizes a Recover pass.
type RecoveryResult struct {
	Restored int
	Cleaned  int
}

// Recover enumerates persisted non-terminal sessions and live multiplexer
// sessions; each persisted session whose multiplexer name is still alive
// is rehydrated into the in-memory table, otherwise its status is forced
// to "stopped".
func (m *Manager) Recover(ctx context.Context, mux *muxdriver.Driver, resolver PrefixResolver) (RecoveryResult, error) {
	persisted, err := m.store.ListSessions(true)
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("list persisted active sessions: %w", err)
	}

	live, err := mux.List(ctx)
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("list live multiplexer sessions: %w", err)
	}
	liveSet := make(map[string]bool, len(live))
	for _, name := range live {
		liveSet[name] = true
	}

	var result RecoveryResult
	m.mu.Lock()
	for _, sess := range persisted {
		if sess.MultiplexerName != "" && liveSet[sess.MultiplexerName] {
			if resolver != nil {
				if _, ok := resolver.ResolveByPrefix(sess.MultiplexerName); !ok {
					slog.Warn("recovered session has no matching adapter prefix, using default", "session", sess.ID, "multiplexer", sess.MultiplexerName)
				}
			}
			latest, err := m.store.LatestSeq(sess.ID)
			if err != nil {
				slog.Error("failed to seed seq counter during recovery", "session", sess.ID, "error", err)
			}
			m.sessions[sess.ID] = &Handle{
				ID:              sess.ID,
				Agent:           sess.Agent,
				AgentVersion:    sess.AgentVersion,
				Task:            sess.Task,
				Cwd:             sess.Cwd,
				MultiplexerName: sess.MultiplexerName,
				Status:          sess.Status,
				AutoApprove:     sess.AutoApprove,
				seq:             latest,
			}
			result.Restored++
			continue
		}

		result.Cleaned++
	}
	m.mu.Unlock()

	for _, sess := range persisted {
		if sess.MultiplexerName == "" || !liveSet[sess.MultiplexerName] {
			if err := m.store.UpdateStatus(sess.ID, persistence.StatusStopped); err != nil {
				slog.Error("failed to force-stop orphaned session during recovery", "session", sess.ID, "error", err)
			}
		}
	}

	slog.Info("session recovery complete", "restored", result.Restored, "cleaned", result.Cleaned)
	return result, nil
}
