// Package pkce implements the RFC 7636 verifier/challenge pair used to bind
// an authorization request to its token exchange.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// VerifierLength is the number of random bytes behind a verifier.
const VerifierLength = 32

// Method is the only challenge method this package produces.
const Method = "S256"

// GenerateVerifier produces a fresh code verifier: 32 cryptographically
// random bytes, base64url-encoded without padding. The verifier must live
// only inside its flow's pending-authentication record and must never be
// logged or persisted.
func GenerateVerifier() (string, error) {
	buf := make([]byte, VerifierLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Challenge derives the S256 code challenge for a verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
