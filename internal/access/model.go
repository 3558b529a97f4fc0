package access

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrForbidden means the actor is authenticated but lacks authority
	// over the target room.
	ErrForbidden = errors.New("forbidden")
)

// User is a person enrolled in the system.
type User struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Surname   string    `json:"surname"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateUserInput carries the fields for registering a user.
type CreateUserInput struct {
	Name    string
	Surname string
	Note    string
}

// Room is a physical space guarded by a controller.
type Room struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// VisitReport is one immutable record of a resolved, authorized entry.
// Written once, never updated.
type VisitReport struct {
	ID        uuid.UUID `json:"id"`
	RoomID    uuid.UUID `json:"room_id"`
	UserID    uuid.UUID `json:"user_id"`
	VisitedAt time.Time `json:"visited_at"`
}

// Actor is the administrative identity behind a permission change. Admins
// bypass the manager-control check; managers must control the target room.
type Actor struct {
	Admin     bool
	ManagerID uuid.UUID
}

// AdminActor is the full-authority actor.
func AdminActor() Actor { return Actor{Admin: true} }

// ManagerActor acts with the authority delegated to one manager.
func ManagerActor(managerID uuid.UUID) Actor { return Actor{ManagerID: managerID} }

// Decision is the outcome of an entry attempt.
type Decision string

const (
	DecisionAllowed   Decision = "allowed"
	DecisionDenied    Decision = "denied"
	DecisionNoMatch   Decision = "no_match"
	DecisionAmbiguous Decision = "ambiguous"
)

// AccessCheck is the resolved outcome of a submitted descriptor.
type AccessCheck struct {
	Decision Decision   `json:"decision"`
	UserID   *uuid.UUID `json:"user_id,omitempty"`
	Distance float64    `json:"distance,omitempty"`
	VisitID  *uuid.UUID `json:"visit_id,omitempty"`
	TaskID   *uuid.UUID `json:"task_id,omitempty"`
}

// VisitFilter selects visit records for the audit sequence. Exactly one of
// RoomID / UserID is typically set; both work.
type VisitFilter struct {
	RoomID *uuid.UUID
	UserID *uuid.UUID
	From   *time.Time
	To     *time.Time
}

// VisitCursor is the keyset position of the last record already seen.
type VisitCursor struct {
	VisitedAt time.Time
	ID        uuid.UUID
}
