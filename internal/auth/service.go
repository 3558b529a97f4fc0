package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TokenStore is the persistence collaborator for long-lived tokens.
type TokenStore interface {
	AdminIDByTokenHash(ctx context.Context, hash string) (uuid.UUID, error)
	RoomIDByLoginTokenHash(ctx context.Context, hash string) (uuid.UUID, error)
	RotateAdminToken(ctx context.Context, adminID uuid.UUID, newHash string) error
	RotateRoomLoginToken(ctx context.Context, roomID uuid.UUID, newHash string) error
	DeleteAdminToken(ctx context.Context, adminID uuid.UUID) error
	DeleteRoomLoginToken(ctx context.Context, roomID uuid.UUID) error
}

// TempTokenStore holds short-lived room tokens keyed by hash.
type TempTokenStore interface {
	Replace(ctx context.Context, roomID uuid.UUID, hash string, validBefore time.Time) error
	Get(ctx context.Context, hash string) (uuid.UUID, time.Time, error)
	DeleteByRoom(ctx context.Context, roomID uuid.UUID) error
}

// Service validates bearer tokens and manages their lifecycle.
type Service struct {
	store    TokenStore
	temp     TempTokenStore
	tempTTL  time.Duration
	generate TokenSource
	now      func() time.Time
}

func NewService(store TokenStore, temp TempTokenStore, tempTTL time.Duration) *Service {
	return &Service{
		store:    store,
		temp:     temp,
		tempTTL:  tempTTL,
		generate: GenerateToken,
		now:      time.Now,
	}
}

// WithTokenSource swaps the token generator. Used by tests.
func (s *Service) WithTokenSource(src TokenSource) *Service {
	s.generate = src
	return s
}

// WithClock swaps the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Authorize resolves a presented bearer token to its owning identity.
// Order: admin token, room login token, room temp token. Every failure
// collapses to ErrUnauthorized so callers cannot probe the token space.
func (s *Service) Authorize(ctx context.Context, raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, ErrUnauthorized
	}
	hash := HashToken(raw)

	adminID, err := s.store.AdminIDByTokenHash(ctx, hash)
	switch {
	case err == nil:
		return Identity{Kind: KindAdmin, ID: adminID}, nil
	case !errors.Is(err, ErrUnknownToken):
		return Identity{}, err
	}

	roomID, err := s.store.RoomIDByLoginTokenHash(ctx, hash)
	switch {
	case err == nil:
		return Identity{Kind: KindRoom, ID: roomID}, nil
	case !errors.Is(err, ErrUnknownToken):
		return Identity{}, err
	}

	roomID, validBefore, err := s.temp.Get(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrUnknownToken) {
			return Identity{}, ErrUnauthorized
		}
		return Identity{}, err
	}
	// Strictly before: a token presented at its valid_before instant is
	// already expired, identical to an absent one.
	if !s.now().Before(validBefore) {
		return Identity{}, ErrUnauthorized
	}
	return Identity{Kind: KindRoom, ID: roomID}, nil
}

// LoginRoom exchanges a room's long-lived login token for a fresh temp
// token, invalidating the previous temp token in the same step.
func (s *Service) LoginRoom(ctx context.Context, loginRaw string) (TempTokenGrant, error) {
	if loginRaw == "" {
		return TempTokenGrant{}, ErrUnauthorized
	}

	roomID, err := s.store.RoomIDByLoginTokenHash(ctx, HashToken(loginRaw))
	if err != nil {
		if errors.Is(err, ErrUnknownToken) {
			return TempTokenGrant{}, ErrUnauthorized
		}
		return TempTokenGrant{}, err
	}

	raw, hash, err := s.generate()
	if err != nil {
		return TempTokenGrant{}, err
	}
	validBefore := s.now().Add(s.tempTTL)
	if err := s.temp.Replace(ctx, roomID, hash, validBefore); err != nil {
		return TempTokenGrant{}, err
	}
	return TempTokenGrant{Token: raw, ValidBefore: validBefore}, nil
}

// RotateAdminToken issues a replacement admin token; the previous value
// stops validating the moment the rotation transaction commits.
func (s *Service) RotateAdminToken(ctx context.Context, adminID uuid.UUID) (string, error) {
	raw, hash, err := s.generate()
	if err != nil {
		return "", err
	}
	if err := s.store.RotateAdminToken(ctx, adminID, hash); err != nil {
		return "", err
	}
	return raw, nil
}

// RotateRoomLoginToken issues a replacement room login token.
func (s *Service) RotateRoomLoginToken(ctx context.Context, roomID uuid.UUID) (string, error) {
	raw, hash, err := s.generate()
	if err != nil {
		return "", err
	}
	if err := s.store.RotateRoomLoginToken(ctx, roomID, hash); err != nil {
		return "", err
	}
	return raw, nil
}

// RevokeAdminToken deletes the admin's token without a replacement.
func (s *Service) RevokeAdminToken(ctx context.Context, adminID uuid.UUID) error {
	return s.store.DeleteAdminToken(ctx, adminID)
}

// RevokeRoomTokens deletes the room's login token and its temp token.
func (s *Service) RevokeRoomTokens(ctx context.Context, roomID uuid.UUID) error {
	if err := s.store.DeleteRoomLoginToken(ctx, roomID); err != nil {
		return err
	}
	return s.temp.DeleteByRoom(ctx, roomID)
}
