package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const taskColumns = `id, room_id, type, payload, status, origin_id, attempt, fail_reason, created_at, sent_at, finished_at`

// Repository persists room tasks. Both state transitions are guarded
// UPDATEs conditioned on the current status, so a transition commits at
// most once per task and concurrent writers never race past each other.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanTask(row pgx.Row) (*Task, error) {
	var (
		t       Task
		typ     string
		status  string
		payload []byte
	)
	if err := row.Scan(&t.ID, &t.RoomID, &typ, &payload, &status, &t.OriginID,
		&t.Attempt, &t.FailReason, &t.CreatedAt, &t.SentAt, &t.FinishedAt); err != nil {
		return nil, err
	}
	t.Type = Type(typ)
	t.Status = Status(status)

	decoded, err := DecodePayload(t.Type, json.RawMessage(payload))
	if err != nil {
		return nil, fmt.Errorf("stored payload for task %s: %w", t.ID, err)
	}
	t.Payload = decoded
	return &t, nil
}

// RoomExists reports whether the room is known.
func (r *Repository) RoomExists(ctx context.Context, roomID uuid.UUID) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, roomID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Insert stores a new PENDING task.
func (r *Repository) Insert(ctx context.Context, t *Task) error {
	const query = `
        INSERT INTO room_tasks (id, room_id, type, payload, status, origin_id, attempt, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `

	payload, err := EncodePayload(t.Payload)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		t.ID, t.RoomID, string(t.Type), payload, string(t.Status), t.OriginID, t.Attempt, t.CreatedAt)
	return err
}

// ClaimNext atomically hands the room's oldest PENDING task to the caller,
// transitioning it to SENT. SKIP LOCKED keeps concurrent pollers from ever
// receiving the same task. Returns ErrNoPending on an empty queue.
func (r *Repository) ClaimNext(ctx context.Context, roomID uuid.UUID) (*Task, error) {
	const query = `
        UPDATE room_tasks SET status = 'SENT', sent_at = now()
        WHERE id = (
            SELECT id FROM room_tasks
            WHERE room_id = $1 AND status = 'PENDING'
            ORDER BY created_at, id
            LIMIT 1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING ` + taskColumns

	t, err := scanTask(r.pool.QueryRow(ctx, query, roomID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNoPending
		}
		return nil, err
	}
	return t, nil
}

// Finish commits SENT -> DONE or SENT -> FAILED for the room's task. A task
// in any other state yields ErrStaleTransition; a missing or foreign task
// yields ErrUnknownTask.
func (r *Repository) Finish(ctx context.Context, roomID, taskID uuid.UUID, status Status, reason *string) error {
	const query = `
        UPDATE room_tasks SET status = $3, fail_reason = $4, finished_at = now()
        WHERE id = $1 AND room_id = $2 AND status = 'SENT'
    `

	tag, err := r.pool.Exec(ctx, query, taskID, roomID, string(status), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	const probe = `SELECT EXISTS (SELECT 1 FROM room_tasks WHERE id = $1 AND room_id = $2)`
	var exists bool
	if err := r.pool.QueryRow(ctx, probe, taskID, roomID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrUnknownTask
	}
	return ErrStaleTransition
}

// Get loads a task by id.
func (r *Repository) Get(ctx context.Context, taskID uuid.UUID) (*Task, error) {
	const query = `SELECT ` + taskColumns + ` FROM room_tasks WHERE id = $1`

	t, err := scanTask(r.pool.QueryRow(ctx, query, taskID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUnknownTask
		}
		return nil, err
	}
	return t, nil
}

// ExpireSent fails every task that has been SENT since before the deadline
// and returns the failed rows. The guarded status keeps the sweep from
// racing a concurrent acknowledgement: whichever transition commits first
// wins.
func (r *Repository) ExpireSent(ctx context.Context, sentBefore time.Time) ([]Task, error) {
	const query = `
        UPDATE room_tasks
        SET status = 'FAILED', fail_reason = 'dispatch timeout', finished_at = now()
        WHERE status = 'SENT' AND sent_at < $1
        RETURNING ` + taskColumns

	rows, err := r.pool.Query(ctx, query, sentBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, *t)
	}
	return expired, rows.Err()
}

// ListByRoom returns the room's tasks, newest first.
func (r *Repository) ListByRoom(ctx context.Context, roomID uuid.UUID, limit int) ([]Task, error) {
	const query = `
        SELECT ` + taskColumns + ` FROM room_tasks
        WHERE room_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2
    `

	rows, err := r.pool.Query(ctx, query, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}
