package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/db"
)

// Repository stores long-lived admin and room-login tokens in Postgres.
// Uniqueness per owner is a schema constraint; rotation replaces the row
// inside one transaction so the old value never overlaps the new one.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) AdminIDByTokenHash(ctx context.Context, hash string) (uuid.UUID, error) {
	const query = `SELECT admin_id FROM admin_tokens WHERE token_hash = $1`

	var adminID uuid.UUID
	if err := r.pool.QueryRow(ctx, query, hash).Scan(&adminID); err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, ErrUnknownToken
		}
		return uuid.Nil, err
	}
	return adminID, nil
}

func (r *Repository) RoomIDByLoginTokenHash(ctx context.Context, hash string) (uuid.UUID, error) {
	const query = `SELECT room_id FROM room_login_tokens WHERE token_hash = $1`

	var roomID uuid.UUID
	if err := r.pool.QueryRow(ctx, query, hash).Scan(&roomID); err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, ErrUnknownToken
		}
		return uuid.Nil, err
	}
	return roomID, nil
}

func (r *Repository) RotateAdminToken(ctx context.Context, adminID uuid.UUID, newHash string) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM admin_tokens WHERE admin_id = $1`, adminID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO admin_tokens (admin_id, token_hash, created_at) VALUES ($1, $2, now())`,
			adminID, newHash)
		return err
	})
}

func (r *Repository) RotateRoomLoginToken(ctx context.Context, roomID uuid.UUID, newHash string) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM room_login_tokens WHERE room_id = $1`, roomID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO room_login_tokens (room_id, token_hash, created_at) VALUES ($1, $2, now())`,
			roomID, newHash)
		return err
	})
}

func (r *Repository) DeleteAdminToken(ctx context.Context, adminID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM admin_tokens WHERE admin_id = $1`, adminID)
	return err
}

func (r *Repository) DeleteRoomLoginToken(ctx context.Context, roomID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM room_login_tokens WHERE room_id = $1`, roomID)
	return err
}
