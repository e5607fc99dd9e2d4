// Package approval implements the gateway's Approval Blocker: a one-shot
// suspension primitive that ties a synchronous hook request to an
// asynchronous human decision (approve/deny/timeout/session-cancel).
package approval

import (
	"sync"
	"time"
)

// Result is what a waiter receives once its request resolves.
type Result struct {
	Blocked bool
	Reason  string
}

const reasonDenied = "Denied by user"
const reasonTimedOut = "Approval timed out"
const reasonSessionTerminated = "Session terminated"

type waiter struct {
	sessionID string
	ch        chan Result
	timer     *time.Timer
	resolved  bool
}

// Blocker registers pending approval requests and resolves them exactly
// once, by whichever of approve/deny/timeout/cancel fires first.
type Blocker struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

// New returns an empty Blocker.
func New() *Blocker {
	return &Blocker{waiters: make(map[string]*waiter)}
}

// WaitForApproval registers requestID under sessionID and blocks the
// calling goroutine until approve, deny, cancel_session, or timeout
// resolves it. The caller is almost always a hook handler suspended on
// behalf of the agent process.
func (b *Blocker) WaitForApproval(requestID, sessionID string, timeout time.Duration) Result {
	w := &waiter{sessionID: sessionID, ch: make(chan Result, 1)}

	b.mu.Lock()
	b.waiters[requestID] = w
	w.timer = time.AfterFunc(timeout, func() {
		b.resolve(requestID, Result{Blocked: true, Reason: reasonTimedOut})
	})
	b.mu.Unlock()

	return <-w.ch
}

// Approve wakes the waiter for requestID with a non-blocking result. It
// returns false if no waiter was pending (already resolved, or unknown).
func (b *Blocker) Approve(requestID string) bool {
	return b.resolve(requestID, Result{Blocked: false})
}

// Deny wakes the waiter for requestID with a blocked result carrying
// reason, defaulting to "Denied by user" when reason is empty.
func (b *Blocker) Deny(requestID, reason string) bool {
	if reason == "" {
		reason = reasonDenied
	}
	return b.resolve(requestID, Result{Blocked: true, Reason: reason})
}

// CancelSession wakes every pending waiter belonging to sessionID with a
// "Session terminated" result.
func (b *Blocker) CancelSession(sessionID string) {
	b.mu.Lock()
	var ids []string
	for id, w := range b.waiters {
		if w.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.resolve(id, Result{Blocked: true, Reason: reasonSessionTerminated})
	}
}

// IsPending reports whether requestID still has an unresolved waiter.
func (b *Blocker) IsPending(requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.waiters[requestID]
	return ok
}

// Size returns the number of currently unresolved waiters.
func (b *Blocker) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// resolve delivers result to requestID's waiter exactly once, cancelling
// any armed timer and removing the entry. Subsequent calls for the same
// requestID are no-ops returning false.
func (b *Blocker) resolve(requestID string, result Result) bool {
	b.mu.Lock()
	w, ok := b.waiters[requestID]
	if !ok || w.resolved {
		b.mu.Unlock()
		return false
	}
	w.resolved = true
	delete(b.waiters, requestID)
	b.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.ch <- result
	return true
}
