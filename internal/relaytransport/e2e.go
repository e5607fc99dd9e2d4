package relaytransport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync/atomic"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo is the fixed HKDF info tag mixed into every key-agreement
// derivation, scoping the derived key to this wire protocol.
const hkdfInfo = "agentpager-relay-v1"

var curve25519Prime = mustBigInt("57896044618658097711785492504343953926634992332820282019728792003956564819949")

func mustBigInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("invalid curve25519 prime literal")
	}
	return n
}

// e2eSession holds the derived symmetric key and the outgoing nonce counter
// for one relay connection's end-to-end encryption.
type e2eSession struct {
	key     [32]byte
	counter atomic.Uint32
}

// newE2ESession performs the Edwards→Montgomery key-agreement handshake
// described by the relay transport's end-to-end encryption scheme and
// caches the resulting symmetric key.
func newE2ESession(signingPriv ed25519.PrivateKey, peerSigningPub ed25519.PublicKey) (*e2eSession, error) {
	myScalar := edPrivateToX25519Scalar(signingPriv)
	peerPoint, err := edPublicToX25519(peerSigningPub)
	if err != nil {
		return nil, fmt.Errorf("convert peer signing key: %w", err)
	}

	shared, err := curve25519.X25519(myScalar, peerPoint)
	if err != nil {
		return nil, fmt.Errorf("x25519 key agreement: %w", err)
	}

	reader := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo))
	var key [32]byte
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return nil, fmt.Errorf("derive symmetric key: %w", err)
	}

	return &e2eSession{key: key}, nil
}

// Seal encrypts plaintext under AES-256-GCM with a 12-byte nonce composed
// of a 4-byte monotonic counter and 8 bytes of randomness.
func (s *e2eSession) Seal(plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, 12)
	binary.BigEndian.PutUint32(nonce[:4], s.counter.Add(1))
	if _, err := rand.Read(nonce[4:]); err != nil {
		return nil, nil, fmt.Errorf("generate nonce randomness: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Open decrypts a ciphertext produced by Seal (our own or the peer's,
// since both sides share the same derived key).
func (s *e2eSession) Open(nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// edPrivateToX25519Scalar derives the X25519 private scalar from an
// Ed25519 signing key: both use the same SHA-512(seed)[:32] clamped value
// as their scalar, per RFC 8032's key generation recipe.
func edPrivateToX25519Scalar(priv ed25519.PrivateKey) []byte {
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	scalar := make([]byte, 32)
	copy(scalar, h[:32])
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar
}

// edPublicToX25519 converts an Ed25519 public key (an Edwards-curve point)
// to its birationally equivalent Montgomery u-coordinate:
// u = (1+y) / (1-y) mod p.
func edPublicToX25519(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("invalid ed25519 public key size")
	}

	yLE := make([]byte, 32)
	copy(yLE, pub)
	yLE[31] &= 0x7f // clear the sign-of-x bit to recover the raw y coordinate

	y := new(big.Int).SetBytes(reverseBytes(yLE))

	one := big.NewInt(1)
	numerator := new(big.Int).Mod(new(big.Int).Add(one, y), curve25519Prime)
	denominator := new(big.Int).Mod(new(big.Int).Sub(one, y), curve25519Prime)

	denomInv := new(big.Int).ModInverse(denominator, curve25519Prime)
	if denomInv == nil {
		return nil, errors.New("denominator not invertible, malformed public key")
	}

	u := new(big.Int).Mod(new(big.Int).Mul(numerator, denomInv), curve25519Prime)

	out := make([]byte, 32)
	ub := u.Bytes()
	for i := 0; i < len(ub) && i < 32; i++ {
		out[i] = ub[len(ub)-1-i]
	}
	return out, nil
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
