// Package relaytransport opens one outbound WebSocket to a remote relay so
// the gateway remains reachable without any inbound port on the LAN, with
// exponential-backoff-with-jitter reconnection and optional end-to-end
// encryption layered over the same envelope shape the LAN transport uses.
package relaytransport

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pyyush/agent-pager-sub000/internal/gatewaylimits"
	"github.com/pyyush/agent-pager-sub000/internal/lantransport"
)

// Envelope mirrors lantransport.Envelope; the relay and LAN transports
// share the wire shape but keep independent seq counters.
type Envelope = lantransport.Envelope

// Hint is the only information an E2E-wrapped outgoing message exposes to
// the relay: enough for push-notification routing, never the payload.
type Hint struct {
	Type     string `json:"type"`
	ToolName string `json:"toolName,omitempty"`
	Risk     string `json:"risk,omitempty"`
}

// wireEnvelope is only used to parse incoming messages, where either shape
// (plaintext envelope or e2e wrapper) may arrive; outgoing messages are
// marshaled from either a plain Envelope or a dedicated e2e wrapper struct in
// Broadcast, so no stray fields leak across the two shapes.
type wireEnvelope struct {
	E2E bool `json:"e2e,omitempty"`
	Envelope
	e2eEnvelope
}

type e2eEnvelope struct {
	Nonce      string `json:"nonce,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Hint       *Hint  `json:"hint,omitempty"`
}

// Transport is the outbound relay client.
type Transport struct {
	relayURL string
	room     string
	bearer   string

	e2eSession *e2eSession

	handler   lantransport.ActionHandler
	onConnect func(*Transport)

	seq     atomic.Int64
	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// New returns a relay Transport. Pass signingPriv/peerSigningPub to enable
// end-to-end encryption; either being nil disables it and messages travel
// as plaintext envelopes. onConnect is called with the Transport itself on
// every successful (re)connect, so the caller can replay catch-up state
// through it the same way lantransport does for a newly connected client.
func New(relayURL, room, bearer string, signingPriv ed25519.PrivateKey, peerSigningPub ed25519.PublicKey, handler lantransport.ActionHandler, onConnect func(*Transport)) (*Transport, error) {
	t := &Transport{
		relayURL:  relayURL,
		room:      room,
		bearer:    bearer,
		handler:   handler,
		onConnect: onConnect,
	}

	if len(signingPriv) > 0 && len(peerSigningPub) > 0 {
		sess, err := newE2ESession(signingPriv, peerSigningPub)
		if err != nil {
			return nil, fmt.Errorf("establish e2e session: %w", err)
		}
		t.e2eSession = sess
	}

	return t, nil
}

// Run connects and reconnects with exponential backoff and jitter until
// ctx is cancelled.
func (t *Transport) Run(ctx context.Context) {
	delay := gatewaylimits.RelayReconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}
		if err := t.runOnce(ctx); err != nil {
			slog.Warn("relay connection lost", "error", err, "retryIn", delay)
		}
		if ctx.Err() != nil {
			return
		}

		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay + jitter):
		}

		delay *= 2
		if delay > gatewaylimits.RelayReconnectMaxDelay {
			delay = gatewaylimits.RelayReconnectMaxDelay
		}
	}
}

func (t *Transport) runOnce(ctx context.Context) error {
	u, err := url.Parse(t.relayURL)
	if err != nil {
		return fmt.Errorf("parse relay URL: %w", err)
	}
	q := u.Query()
	q.Set("room", t.room)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.bearer)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	t.mu.Lock()
	t.conn = conn
	t.seq.Store(0)
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
	}()

	if t.onConnect != nil {
		t.onConnect(t)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		t.handleIncoming(ctx, raw)
	}
}

func (t *Transport) handleIncoming(ctx context.Context, raw []byte) {
	var wire wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		slog.Warn("relay: malformed incoming message", "error", err)
		return
	}

	var actionType string
	var payload json.RawMessage

	if wire.E2E {
		if t.e2eSession == nil {
			slog.Warn("relay: received e2e message but no session key configured")
			return
		}
		nonce, err := base64.URLEncoding.DecodeString(wire.Nonce)
		if err != nil {
			slog.Warn("relay: bad e2e nonce encoding", "error", err)
			return
		}
		ciphertext, err := base64.URLEncoding.DecodeString(wire.Ciphertext)
		if err != nil {
			slog.Warn("relay: bad e2e ciphertext encoding", "error", err)
			return
		}
		plaintext, err := t.e2eSession.Open(nonce, ciphertext)
		if err != nil {
			slog.Warn("relay: e2e decryption failed", "error", err)
			return
		}
		var inner struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(plaintext, &inner); err != nil {
			slog.Warn("relay: malformed decrypted action", "error", err)
			return
		}
		actionType, payload = inner.Type, inner.Payload
	} else {
		var plain struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(raw, &plain); err != nil {
			slog.Warn("relay: malformed incoming message", "error", err)
			return
		}
		actionType, payload = plain.Type, plain.Payload
	}

	if !lantransport.IsKnownAction(actionType) {
		slog.Warn("relay: unknown action type", "type", actionType)
		return
	}
	if t.handler == nil {
		return
	}
	if err := t.handler.Dispatch(ctx, lantransport.Action{ClientID: "relay", Type: actionType, Payload: payload}); err != nil {
		slog.Warn("relay: action dispatch failed", "type", actionType, "error", err)
	}
}

// Broadcast wraps payload in an envelope and sends it to the relay,
// encrypting it first when E2E is configured. hint is ignored unless E2E
// is active, since plaintext envelopes already carry the full payload.
func (t *Transport) Broadcast(eventType string, payload any, sessionID string, hint *Hint) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	env := Envelope{
		V:         "1.0.0",
		Seq:       t.seq.Add(1),
		Type:      eventType,
		Ts:        time.Now().UTC().Format(time.RFC3339),
		SessionID: sessionID,
		Payload:   payload,
	}

	var out any
	if t.e2eSession != nil {
		plaintext, err := json.Marshal(env)
		if err != nil {
			slog.Error("relay: failed to marshal envelope for encryption", "error", err)
			return
		}
		nonce, ciphertext, err := t.e2eSession.Seal(plaintext)
		if err != nil {
			slog.Error("relay: e2e encryption failed", "error", err)
			return
		}
		out = struct {
			E2E        bool   `json:"e2e"`
			Nonce      string `json:"nonce"`
			Ciphertext string `json:"ciphertext"`
			Hint       *Hint  `json:"hint,omitempty"`
		}{
			E2E:        true,
			Nonce:      base64.URLEncoding.EncodeToString(nonce),
			Ciphertext: base64.URLEncoding.EncodeToString(ciphertext),
			Hint:       hint,
		}
	} else {
		out = env
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteJSON(out); err != nil {
		slog.Warn("relay: broadcast write failed", "error", err)
	}
}
