package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

type stubTokenStore struct {
	adminTokens map[string]uuid.UUID // hash -> admin
	roomTokens  map[string]uuid.UUID // hash -> room
}

func newStubTokenStore() *stubTokenStore {
	return &stubTokenStore{
		adminTokens: make(map[string]uuid.UUID),
		roomTokens:  make(map[string]uuid.UUID),
	}
}

func (s *stubTokenStore) AdminIDByTokenHash(ctx context.Context, hash string) (uuid.UUID, error) {
	if id, ok := s.adminTokens[hash]; ok {
		return id, nil
	}
	return uuid.Nil, ErrUnknownToken
}

func (s *stubTokenStore) RoomIDByLoginTokenHash(ctx context.Context, hash string) (uuid.UUID, error) {
	if id, ok := s.roomTokens[hash]; ok {
		return id, nil
	}
	return uuid.Nil, ErrUnknownToken
}

func (s *stubTokenStore) RotateAdminToken(ctx context.Context, adminID uuid.UUID, newHash string) error {
	for hash, id := range s.adminTokens {
		if id == adminID {
			delete(s.adminTokens, hash)
		}
	}
	s.adminTokens[newHash] = adminID
	return nil
}

func (s *stubTokenStore) RotateRoomLoginToken(ctx context.Context, roomID uuid.UUID, newHash string) error {
	for hash, id := range s.roomTokens {
		if id == roomID {
			delete(s.roomTokens, hash)
		}
	}
	s.roomTokens[newHash] = roomID
	return nil
}

func (s *stubTokenStore) DeleteAdminToken(ctx context.Context, adminID uuid.UUID) error {
	for hash, id := range s.adminTokens {
		if id == adminID {
			delete(s.adminTokens, hash)
		}
	}
	return nil
}

func (s *stubTokenStore) DeleteRoomLoginToken(ctx context.Context, roomID uuid.UUID) error {
	for hash, id := range s.roomTokens {
		if id == roomID {
			delete(s.roomTokens, hash)
		}
	}
	return nil
}

type tempEntry struct {
	roomID      uuid.UUID
	validBefore time.Time
}

type stubTempStore struct {
	byHash map[string]tempEntry
	byRoom map[uuid.UUID]string
}

func newStubTempStore() *stubTempStore {
	return &stubTempStore{
		byHash: make(map[string]tempEntry),
		byRoom: make(map[uuid.UUID]string),
	}
}

func (s *stubTempStore) Replace(ctx context.Context, roomID uuid.UUID, hash string, validBefore time.Time) error {
	if old, ok := s.byRoom[roomID]; ok {
		delete(s.byHash, old)
	}
	s.byHash[hash] = tempEntry{roomID: roomID, validBefore: validBefore}
	s.byRoom[roomID] = hash
	return nil
}

func (s *stubTempStore) Get(ctx context.Context, hash string) (uuid.UUID, time.Time, error) {
	entry, ok := s.byHash[hash]
	if !ok {
		return uuid.Nil, time.Time{}, ErrUnknownToken
	}
	return entry.roomID, entry.validBefore, nil
}

func (s *stubTempStore) DeleteByRoom(ctx context.Context, roomID uuid.UUID) error {
	if hash, ok := s.byRoom[roomID]; ok {
		delete(s.byHash, hash)
		delete(s.byRoom, roomID)
	}
	return nil
}

func sequenceTokenSource(prefix string) TokenSource {
	n := 0
	return func() (string, string, error) {
		n++
		raw := fmt.Sprintf("%s-%d", prefix, n)
		return raw, HashToken(raw), nil
	}
}

func TestAuthorizeAdminToken(t *testing.T) {
	store := newStubTokenStore()
	svc := NewService(store, newStubTempStore(), time.Hour)

	adminID := uuid.New()
	store.adminTokens[HashToken("admin-secret")] = adminID

	identity, err := svc.Authorize(context.Background(), "admin-secret")
	if err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	if identity.Kind != KindAdmin || identity.ID != adminID {
		t.Fatalf("wrong identity: %+v", identity)
	}
}

func TestAuthorizeUnknownAndEmptyToken(t *testing.T) {
	svc := NewService(newStubTokenStore(), newStubTempStore(), time.Hour)

	if _, err := svc.Authorize(context.Background(), "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.Authorize(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for empty token, got %v", err)
	}
}

func TestTempTokenStrictExpiry(t *testing.T) {
	store := newStubTokenStore()
	temp := newStubTempStore()

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(store, temp, time.Hour).
		WithClock(func() time.Time { return now }).
		WithTokenSource(sequenceTokenSource("temp"))

	roomID := uuid.New()
	store.roomTokens[HashToken("room-login")] = roomID

	grant, err := svc.LoginRoom(context.Background(), "room-login")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	// One nanosecond before expiry: still valid.
	now = grant.ValidBefore.Add(-time.Nanosecond)
	identity, err := svc.Authorize(context.Background(), grant.Token)
	if err != nil {
		t.Fatalf("token should validate just before expiry: %v", err)
	}
	if identity.Kind != KindRoom || identity.ID != roomID {
		t.Fatalf("wrong identity: %+v", identity)
	}

	// Exactly at valid_before: expired, indistinguishable from absent.
	now = grant.ValidBefore
	if _, err := svc.Authorize(context.Background(), grant.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized at expiry instant, got %v", err)
	}
}

func TestLoginRoomInvalidatesPreviousTempToken(t *testing.T) {
	store := newStubTokenStore()
	temp := newStubTempStore()

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(store, temp, time.Hour).
		WithClock(func() time.Time { return now }).
		WithTokenSource(sequenceTokenSource("temp"))

	roomID := uuid.New()
	store.roomTokens[HashToken("room-login")] = roomID

	first, err := svc.LoginRoom(context.Background(), "room-login")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.LoginRoom(context.Background(), "room-login")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Authorize(context.Background(), first.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old temp token must stop validating, got %v", err)
	}
	if _, err := svc.Authorize(context.Background(), second.Token); err != nil {
		t.Fatalf("new temp token must validate: %v", err)
	}
}

func TestLoginRoomUnknownLoginToken(t *testing.T) {
	svc := NewService(newStubTokenStore(), newStubTempStore(), time.Hour)
	if _, err := svc.LoginRoom(context.Background(), "bogus"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRotateAdminTokenInvalidatesOld(t *testing.T) {
	store := newStubTokenStore()
	svc := NewService(store, newStubTempStore(), time.Hour).
		WithTokenSource(sequenceTokenSource("admin"))

	adminID := uuid.New()
	oldRaw, err := svc.RotateAdminToken(context.Background(), adminID)
	if err != nil {
		t.Fatal(err)
	}
	newRaw, err := svc.RotateAdminToken(context.Background(), adminID)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Authorize(context.Background(), oldRaw); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("rotated-out token must not validate, got %v", err)
	}
	identity, err := svc.Authorize(context.Background(), newRaw)
	if err != nil || identity.ID != adminID {
		t.Fatalf("new token must validate: %v", err)
	}
}

func TestRevokeRoomTokens(t *testing.T) {
	store := newStubTokenStore()
	temp := newStubTempStore()
	svc := NewService(store, temp, time.Hour).
		WithTokenSource(sequenceTokenSource("room"))

	roomID := uuid.New()
	loginRaw, err := svc.RotateRoomLoginToken(context.Background(), roomID)
	if err != nil {
		t.Fatal(err)
	}
	grant, err := svc.LoginRoom(context.Background(), loginRaw)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.RevokeRoomTokens(context.Background(), roomID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Authorize(context.Background(), loginRaw); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("revoked login token must not validate, got %v", err)
	}
	if _, err := svc.Authorize(context.Background(), grant.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("revoked temp token must not validate, got %v", err)
	}
}

func TestGenerateTokenHashRoundTrip(t *testing.T) {
	raw, hash, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if raw == "" || hash == "" {
		t.Fatal("empty token or hash")
	}
	if HashToken(raw) != hash {
		t.Fatal("hash mismatch")
	}
	raw2, _, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if raw == raw2 {
		t.Fatal("two generated tokens collided")
	}
}
