package auth

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnauthorized is the uniform outcome for a missing, unknown or
	// expired token. Callers never learn which check failed.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnknownToken is returned by stores for absent rows.
	ErrUnknownToken = errors.New("unknown token")
)

// Kind discriminates the identity behind a bearer token.
type Kind string

const (
	KindAdmin Kind = "admin"
	KindRoom  Kind = "room"
)

// Identity is the resolved owner of a validated token.
type Identity struct {
	Kind Kind
	ID   uuid.UUID
}

// TempTokenGrant is the result of a room login: a fresh short-lived token
// and its expiry instant.
type TempTokenGrant struct {
	Token       string    `json:"temp_token"`
	ValidBefore time.Time `json:"valid_before"`
}
