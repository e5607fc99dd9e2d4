package relaytransport

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pyyush/agent-pager-sub000/internal/lantransport"
)

type fakeActionHandler struct {
	dispatched []lantransport.Action
}

func (f *fakeActionHandler) Dispatch(ctx context.Context, a lantransport.Action) error {
	f.dispatched = append(f.dispatched, a)
	return nil
}

func TestHandleIncoming_PlaintextKnownActionDispatches(t *testing.T) {
	h := &fakeActionHandler{}
	tr := &Transport{handler: h}

	raw, _ := json.Marshal(map[string]any{"type": "approve", "payload": map[string]any{"id": "req1"}})
	tr.handleIncoming(context.Background(), raw)

	if len(h.dispatched) != 1 || h.dispatched[0].Type != "approve" {
		t.Fatalf("dispatched = %+v, want one approve action", h.dispatched)
	}
	if h.dispatched[0].ClientID != "relay" {
		t.Errorf("ClientID = %q, want relay", h.dispatched[0].ClientID)
	}
}

func TestHandleIncoming_UnknownActionIsDropped(t *testing.T) {
	h := &fakeActionHandler{}
	tr := &Transport{handler: h}

	raw, _ := json.Marshal(map[string]any{"type": "not_a_real_action", "payload": map[string]any{}})
	tr.handleIncoming(context.Background(), raw)

	if len(h.dispatched) != 0 {
		t.Errorf("expected unknown action to be dropped, got %+v", h.dispatched)
	}
}

func TestHandleIncoming_E2EEncryptedActionDecryptsAndDispatches(t *testing.T) {
	gwPub, gwPriv, _ := ed25519.GenerateKey(nil)
	peerPub, peerPriv, _ := ed25519.GenerateKey(nil)

	gwSession, err := newE2ESession(gwPriv, peerPub)
	if err != nil {
		t.Fatalf("gateway session: %v", err)
	}
	peerSession, err := newE2ESession(peerPriv, gwPub)
	if err != nil {
		t.Fatalf("peer session: %v", err)
	}

	h := &fakeActionHandler{}
	tr := &Transport{handler: h, e2eSession: gwSession}

	plaintext, _ := json.Marshal(map[string]any{"type": "deny", "payload": map[string]any{"id": "req2"}})
	nonce, ciphertext, err := peerSession.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	wire := wireEnvelope{
		E2E: true,
		e2eEnvelope: e2eEnvelope{
			Nonce:      base64.URLEncoding.EncodeToString(nonce),
			Ciphertext: base64.URLEncoding.EncodeToString(ciphertext),
		},
	}
	raw, _ := json.Marshal(wire)
	tr.handleIncoming(context.Background(), raw)

	if len(h.dispatched) != 1 || h.dispatched[0].Type != "deny" {
		t.Fatalf("dispatched = %+v, want one deny action", h.dispatched)
	}
}

func TestHandleIncoming_E2EWithNoSessionIsDropped(t *testing.T) {
	h := &fakeActionHandler{}
	tr := &Transport{handler: h}

	wire := wireEnvelope{E2E: true, e2eEnvelope: e2eEnvelope{Nonce: "AAAA", Ciphertext: "AAAA"}}
	raw, _ := json.Marshal(wire)
	tr.handleIncoming(context.Background(), raw)

	if len(h.dispatched) != 0 {
		t.Error("expected e2e message with no configured session to be dropped")
	}
}

func TestBroadcast_PlaintextSendsBareEnvelope(t *testing.T) {
	srv, tr, readMsg := newRelayTestServer(t, nil, nil)
	defer srv.Close()

	tr.Broadcast("tool_complete", map[string]any{"tool": "Read"}, "s1", nil)

	var env Envelope
	if err := readMsg(&env); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if env.Type != "tool_complete" || env.SessionID != "s1" {
		t.Errorf("env = %+v, want tool_complete for s1", env)
	}
}

func TestBroadcast_E2EWrapsAndHidesPayload(t *testing.T) {
	gwPub, gwPriv, _ := ed25519.GenerateKey(nil)
	peerPub, peerPriv, _ := ed25519.GenerateKey(nil)
	gwSession, _ := newE2ESession(gwPriv, peerPub)
	peerSession, _ := newE2ESession(peerPriv, gwPub)

	srv, tr, readRaw := newRelayTestServer(t, gwSession, nil)
	defer srv.Close()

	tr.Broadcast("permission_request", map[string]any{"toolName": "Bash"}, "s1", &Hint{Type: "permission_request", ToolName: "Bash"})

	var raw json.RawMessage
	if err := readRaw(&raw); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}

	var wire wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal wire: %v", err)
	}
	if !wire.E2E {
		t.Fatal("expected e2e flag set")
	}
	if wire.Type != "" || wire.Payload != nil {
		t.Errorf("plaintext envelope fields leaked into e2e wire message: %+v", wire)
	}
	if wire.Hint == nil || wire.Hint.ToolName != "Bash" {
		t.Errorf("hint = %+v, want ToolName Bash", wire.Hint)
	}

	nonce, err := base64.URLEncoding.DecodeString(wire.Nonce)
	if err != nil {
		t.Fatalf("decode nonce: %v", err)
	}
	ciphertext, err := base64.URLEncoding.DecodeString(wire.Ciphertext)
	if err != nil {
		t.Fatalf("decode ciphertext: %v", err)
	}
	plaintext, err := peerSession.Open(nonce, ciphertext)
	if err != nil {
		t.Fatalf("decrypt broadcast payload: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		t.Fatalf("unmarshal decrypted envelope: %v", err)
	}
	if env.Type != "permission_request" {
		t.Errorf("decrypted envelope type = %q, want permission_request", env.Type)
	}
}

func TestBroadcast_NoConnectionIsNoop(t *testing.T) {
	tr := &Transport{}
	tr.Broadcast("tool_complete", nil, "s1", nil)
}

// newRelayTestServer spins up a WebSocket server that hands the dialed
// connection to the Transport under test and returns a reader for whatever
// the transport broadcasts.
func newRelayTestServer(t *testing.T, e2eSession *e2eSession, handler lantransport.ActionHandler) (*httptest.Server, *Transport, func(v any) error) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	msgCh := make(chan []byte, 8)
	mux := http.NewServeMux()
	mux.HandleFunc("/relay", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					close(msgCh)
					return
				}
				msgCh <- raw
			}
		}()
	})
	srv := httptest.NewServer(mux)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	tr := &Transport{e2eSession: e2eSession, handler: handler, conn: conn}

	read := func(v any) error {
		select {
		case raw, ok := <-msgCh:
			if !ok {
				return context.Canceled
			}
			return json.Unmarshal(raw, v)
		case <-time.After(2 * time.Second):
			return context.DeadlineExceeded
		}
	}
	return srv, tr, read
}
