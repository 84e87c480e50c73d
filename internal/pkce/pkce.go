// Package pkce implements the Proof Key for Code Exchange helpers from RFC 7636.
//
// The front generates verifiers for its sample client and the local engine
// checks verifier/challenge correspondence at token-exchange time. A remote
// decision engine is the sole verifier when one is configured.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// Verifier length bounds from RFC 7636 section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

var (
	ErrVerifierTooShort = errors.New("code verifier shorter than 43 characters")
	ErrVerifierTooLong  = errors.New("code verifier longer than 128 characters")
)

// GenerateVerifier produces a cryptographically random URL-safe code verifier
// with 256 bits of entropy.
func GenerateVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DeriveChallenge computes the S256 code challenge for a verifier:
// base64url(SHA-256(verifier)) without padding. Deterministic, no side effects.
func DeriveChallenge(verifier string) (string, error) {
	if len(verifier) < MinVerifierLength {
		return "", ErrVerifierTooShort
	}
	if len(verifier) > MaxVerifierLength {
		return "", ErrVerifierTooLong
	}

	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:]), nil
}

// Verify reports whether verifier derives to challenge, in constant time.
// Malformed verifiers never match.
func Verify(verifier, challenge string) bool {
	computed, err := DeriveChallenge(verifier)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
