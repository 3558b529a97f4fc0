package task

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrStaleTransition is returned for an acknowledgement of a task that
	// is not in SENT. Completion is at-most-once per task.
	ErrStaleTransition = errors.New("task is not awaiting acknowledgement")
	// ErrUnknownTask is returned when the task does not exist or belongs to
	// another room.
	ErrUnknownTask = errors.New("unknown task")
	// ErrUnknownRoom rejects task creation for a non-existent room.
	ErrUnknownRoom = errors.New("unknown room")
	// ErrNoPending is the store-level signal that a room's queue is empty.
	ErrNoPending = errors.New("no pending task")
)

// Status is the task state machine: PENDING -> SENT -> DONE | FAILED.
// DONE and FAILED are terminal.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

// Task is a unit of physical work dispatched to a room controller.
type Task struct {
	ID      uuid.UUID `json:"id"`
	RoomID  uuid.UUID `json:"room_id"`
	Type    Type      `json:"type"`
	Payload Payload   `json:"payload"`
	Status  Status    `json:"status"`

	// OriginID is the first task of the re-dispatch chain (equal to ID for
	// the original attempt); Attempt counts re-dispatches, starting at 0.
	OriginID uuid.UUID `json:"origin_id"`
	Attempt  int       `json:"attempt"`

	FailReason *string    `json:"fail_reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
