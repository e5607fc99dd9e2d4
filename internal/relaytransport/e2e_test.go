package relaytransport

import (
	"crypto/ed25519"
	"testing"
)

func TestE2ESession_BothSidesDeriveSameKey(t *testing.T) {
	gwPub, gwPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate gateway key: %v", err)
	}
	peerPub, peerPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate peer key: %v", err)
	}

	gwSession, err := newE2ESession(gwPriv, peerPub)
	if err != nil {
		t.Fatalf("gateway session: %v", err)
	}
	peerSession, err := newE2ESession(peerPriv, gwPub)
	if err != nil {
		t.Fatalf("peer session: %v", err)
	}

	if gwSession.key != peerSession.key {
		t.Fatal("both sides of the handshake derived different symmetric keys")
	}
}

func TestE2ESession_SealOpenRoundTrip(t *testing.T) {
	gwPub, gwPriv, _ := ed25519.GenerateKey(nil)
	peerPub, peerPriv, _ := ed25519.GenerateKey(nil)

	gwSession, _ := newE2ESession(gwPriv, peerPub)
	peerSession, _ := newE2ESession(peerPriv, gwPub)

	plaintext := []byte(`{"type":"approve","payload":{"id":"req1"}}`)
	nonce, ciphertext, err := gwSession.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	got, err := peerSession.Open(nonce, ciphertext)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("Open() = %q, want %q", got, plaintext)
	}
}

func TestE2ESession_NonceCounterIncrements(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	pub, _, _ := ed25519.GenerateKey(nil)
	session, _ := newE2ESession(priv, pub)

	n1, _, _ := session.Seal([]byte("a"))
	n2, _, _ := session.Seal([]byte("b"))
	if string(n1[:4]) == string(n2[:4]) {
		t.Error("expected nonce counter prefix to differ between successive seals")
	}
}

func TestOpen_RejectsTamperedCiphertext(t *testing.T) {
	gwPub, gwPriv, _ := ed25519.GenerateKey(nil)
	peerPub, peerPriv, _ := ed25519.GenerateKey(nil)

	gwSession, _ := newE2ESession(gwPriv, peerPub)
	peerSession, _ := newE2ESession(peerPriv, gwPub)

	nonce, ciphertext, _ := gwSession.Seal([]byte("hello"))
	ciphertext[0] ^= 0xff

	if _, err := peerSession.Open(nonce, ciphertext); err == nil {
		t.Error("expected tampered ciphertext to fail authentication")
	}
}
