package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// TokenSource produces a bearer token and the hash persisted in its place.
// Injected into the Service so tests can use deterministic values.
type TokenSource func() (raw string, hash string, err error)

// GenerateToken creates a 256-bit random bearer token. Only the SHA-256
// hash is ever stored or logged; the raw value goes to the caller once.
func GenerateToken() (raw string, hash string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", err
	}

	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashToken(raw), nil
}

// HashToken produces the base64url SHA-256 digest of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
