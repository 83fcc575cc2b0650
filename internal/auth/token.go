// Package auth provides tunnel token generation and hashing plus the admin
// credential and session-cookie primitives used by the relay.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// GenerateToken returns 32 random bytes, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns a deterministic SHA-256 hex digest of token + pepper.
func HashToken(token, pepper string) string {
	sum := sha256.Sum256([]byte(token + ":" + pepper))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeHashEquals compares two hex hash strings in constant time.
func ConstantTimeHashEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
