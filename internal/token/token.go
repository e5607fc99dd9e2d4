// Package token provides the shared-secret helpers used for hook and LAN
// client authentication: random generation and constant-time comparison.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Generate returns a 32-byte random token hex-encoded to 64 characters.
func Generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Equal reports whether got matches want using a constant-time comparison,
// so a timing side channel can't leak the secret one byte at a time.
func Equal(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
