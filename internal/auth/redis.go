package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func tempTokenKey(hash string) string   { return fmt.Sprintf("room_temp:token:%s", hash) }
func tempByRoomKey(room uuid.UUID) string { return fmt.Sprintf("room_temp:room:%s", room) }

// RedisTempTokenStore keeps room temp tokens in Redis. The TTL tracks the
// token's valid_before instant, but validity is still decided against the
// stored instant so the strictly-before rule does not depend on Redis
// expiry precision.
type RedisTempTokenStore struct {
	client *redis.Client
}

func NewRedisTempTokenStore(client *redis.Client) *RedisTempTokenStore {
	return &RedisTempTokenStore{client: client}
}

// maxTxRetries bounds the optimistic-transaction retry loop. Contention on
// one room's key is a single concurrent login, so one retry usually wins.
const maxTxRetries = 5

// Replace installs a new temp token for the room and atomically drops the
// previous one. The read of the previous hash and the delete+set run inside
// a WATCH transaction on the room key: if another login commits in between,
// the exec fails and the whole read-check-replace retries, so no moment
// exists where two tokens for the room validate together.
func (s *RedisTempTokenStore) Replace(ctx context.Context, roomID uuid.UUID, hash string, validBefore time.Time) error {
	ttl := time.Until(validBefore)
	if ttl <= 0 {
		return fmt.Errorf("temp token already expired at %s", validBefore)
	}
	value := fmt.Sprintf("%s|%s", roomID, validBefore.UTC().Format(time.RFC3339Nano))

	replace := func(tx *redis.Tx) error {
		oldHash, err := tx.Get(ctx, tempByRoomKey(roomID)).Result()
		if err != nil && err != redis.Nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if oldHash != "" {
				pipe.Del(ctx, tempTokenKey(oldHash))
			}
			pipe.Set(ctx, tempTokenKey(hash), value, ttl)
			pipe.Set(ctx, tempByRoomKey(roomID), hash, ttl)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, replace, tempByRoomKey(roomID))
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

// Get resolves a temp token hash to its room and expiry instant.
func (s *RedisTempTokenStore) Get(ctx context.Context, hash string) (uuid.UUID, time.Time, error) {
	value, err := s.client.Get(ctx, tempTokenKey(hash)).Result()
	if err == redis.Nil {
		return uuid.Nil, time.Time{}, ErrUnknownToken
	}
	if err != nil {
		return uuid.Nil, time.Time{}, err
	}

	roomStr, instant, ok := strings.Cut(value, "|")
	if !ok {
		return uuid.Nil, time.Time{}, fmt.Errorf("corrupt temp token record")
	}
	roomID, err := uuid.Parse(roomStr)
	if err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("corrupt temp token room id: %w", err)
	}
	validBefore, err := time.Parse(time.RFC3339Nano, instant)
	if err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("corrupt temp token expiry: %w", err)
	}
	return roomID, validBefore, nil
}

// DeleteByRoom revokes the room's current temp token, if any. Guarded by
// the same WATCH transaction as Replace so a concurrent login cannot slip a
// fresh token between the read and the deletes.
func (s *RedisTempTokenStore) DeleteByRoom(ctx context.Context, roomID uuid.UUID) error {
	remove := func(tx *redis.Tx) error {
		hash, err := tx.Get(ctx, tempByRoomKey(roomID)).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, tempTokenKey(hash))
			pipe.Del(ctx, tempByRoomKey(roomID))
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, remove, tempByRoomKey(roomID))
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}
