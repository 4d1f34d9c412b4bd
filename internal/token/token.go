// Package token implements the agent bearer-token scheme: the server
// stores only the SHA256 of each issued token, never the plaintext, and
// verification compares hashes in constant time.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// New generates a fresh bearer token and its storable hash. The
// plaintext is shown to the operator exactly once.
func New() (plaintext, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	plaintext = hex.EncodeToString(raw)
	return plaintext, Hash(plaintext), nil
}

// Hash returns the hex SHA256 of a token, the only form the store keeps.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether token matches storedHash. The comparison is
// constant-time over the hashes, so timing leaks nothing about either.
func Verify(storedHash, token string) bool {
	if storedHash == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Hash(token)), []byte(storedHash)) == 1
}
