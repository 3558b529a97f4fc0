package access

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/events"
	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/face"
	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/task"
)

// Store is the persistence collaborator for the access service.
type Store interface {
	CreateUser(ctx context.Context, input CreateUserInput) (*User, error)
	UpdateUser(ctx context.Context, id uuid.UUID, input CreateUserInput) (*User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error

	GetRoom(ctx context.Context, id uuid.UUID) (*Room, error)
	ListRoomsByManager(ctx context.Context, managerID uuid.UUID) ([]Room, error)
	ListAccessedUsers(ctx context.Context, roomID uuid.UUID) ([]User, error)

	HasAccess(ctx context.Context, userID, roomID uuid.UUID) (bool, error)
	GrantAccess(ctx context.Context, userID, roomID uuid.UUID) error
	RevokeAccess(ctx context.Context, userID, roomID uuid.UUID) error
	ManagerControlsRoom(ctx context.Context, managerID, roomID uuid.UUID) (bool, error)
	GrantControl(ctx context.Context, managerID, roomID uuid.UUID) error
	RevokeControl(ctx context.Context, managerID, roomID uuid.UUID) error

	InsertDescriptor(ctx context.Context, userID uuid.UUID, vector face.Descriptor) (uuid.UUID, error)
	DeleteDescriptor(ctx context.Context, descriptorID uuid.UUID) error
	DeleteDescriptorsByUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	ListEnrollments(ctx context.Context) ([]face.Enrollment, error)

	InsertVisit(ctx context.Context, roomID, userID uuid.UUID, at time.Time) (*VisitReport, error)
	ListVisitsPage(ctx context.Context, filter VisitFilter, after *VisitCursor, limit int) ([]VisitReport, error)
}

// Dispatcher is the slice of the task service the access pipeline needs.
type Dispatcher interface {
	CreateWithPayload(ctx context.Context, roomID uuid.UUID, payload task.Payload) (*task.Task, error)
}

// visitPageSize is the keyset page length behind the visit sequence.
const visitPageSize = 200

// Service resolves entry attempts and administers users, permissions and
// descriptors.
type Service struct {
	store   Store
	matcher *face.Matcher
	tasks   Dispatcher
	events  events.Publisher
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(store Store, matcher *face.Matcher, tasks Dispatcher, publisher events.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		matcher: matcher,
		tasks:   tasks,
		events:  publisher,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock swaps the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WarmUp loads every stored descriptor into the matcher.
func (s *Service) WarmUp(ctx context.Context) error {
	enrollments, err := s.store.ListEnrollments(ctx)
	if err != nil {
		return fmt.Errorf("load enrollments: %w", err)
	}
	s.matcher.Rebuild(enrollments)
	s.logger.Info().Int("descriptors", len(enrollments)).Msg("matcher warmed up")
	return nil
}

type visitEvent struct {
	VisitID  uuid.UUID `json:"visit_id"`
	RoomID   uuid.UUID `json:"room_id"`
	UserID   uuid.UUID `json:"user_id"`
	At       time.Time `json:"at"`
	Distance float64   `json:"distance"`
}

type ambiguousEvent struct {
	RoomID uuid.UUID `json:"room_id"`
	At     time.Time `json:"at"`
}

// CheckAccess resolves a captured descriptor against the enrolled set and,
// on an authorized match, records the visit and dispatches the unlock task.
// NoMatch and a permission miss are ordinary denials; Ambiguous is denied
// and additionally raised as a security event, since it usually means a
// duplicate enrollment.
func (s *Service) CheckAccess(ctx context.Context, roomID uuid.UUID, features []float64) (AccessCheck, error) {
	descriptor, err := face.NewDescriptorFromFloat64(features)
	if err != nil {
		return AccessCheck{}, err
	}

	match, err := s.matcher.Match(descriptor)
	switch {
	case errors.Is(err, face.ErrNoMatch):
		return AccessCheck{Decision: DecisionNoMatch}, nil
	case errors.Is(err, face.ErrAmbiguous):
		s.logger.Warn().Str("room_id", roomID.String()).Msg("ambiguous face match")
		event := ambiguousEvent{RoomID: roomID, At: s.now().UTC()}
		if err := s.events.Publish(ctx, events.SubjectAccessAmbiguous, event); err != nil {
			s.logger.Error().Err(err).Msg("publish ambiguous-match event")
		}
		return AccessCheck{Decision: DecisionAmbiguous}, nil
	case err != nil:
		return AccessCheck{}, err
	}

	allowed, err := s.store.HasAccess(ctx, match.UserID, roomID)
	if err != nil {
		return AccessCheck{}, err
	}
	if !allowed {
		// The recognized identity stays server-side. A room controller
		// only learns that the door stays shut.
		s.logger.Info().
			Str("room_id", roomID.String()).
			Str("user_id", match.UserID.String()).
			Float64("distance", match.Distance).
			Msg("access denied")
		return AccessCheck{Decision: DecisionDenied}, nil
	}

	visit, err := s.store.InsertVisit(ctx, roomID, match.UserID, s.now())
	if err != nil {
		return AccessCheck{}, fmt.Errorf("record visit: %w", err)
	}

	unlock, err := s.tasks.CreateWithPayload(ctx, roomID, task.UnlockPayload{})
	if err != nil {
		return AccessCheck{}, fmt.Errorf("dispatch unlock: %w", err)
	}

	event := visitEvent{
		VisitID:  visit.ID,
		RoomID:   roomID,
		UserID:   match.UserID,
		At:       visit.VisitedAt,
		Distance: match.Distance,
	}
	if err := s.events.Publish(ctx, events.SubjectAccessVisit, event); err != nil {
		s.logger.Error().Err(err).Msg("publish visit event")
	}

	return AccessCheck{
		Decision: DecisionAllowed,
		UserID:   &match.UserID,
		Distance: match.Distance,
		VisitID:  &visit.ID,
		TaskID:   &unlock.ID,
	}, nil
}

// RecordVisit appends a visit reported directly by a room controller, after
// re-checking the permission still exists. Returns the stored record, or
// ErrForbidden when the user has no standing access.
func (s *Service) RecordVisit(ctx context.Context, roomID, userID uuid.UUID, at time.Time) (*VisitReport, error) {
	allowed, err := s.store.HasAccess(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrForbidden
	}
	return s.store.InsertVisit(ctx, roomID, userID, at)
}

// Resolve answers the standing allow/deny question for a (user, room) pair.
func (s *Service) Resolve(ctx context.Context, userID, roomID uuid.UUID) (bool, error) {
	return s.store.HasAccess(ctx, userID, roomID)
}

func (s *Service) authorizeControl(ctx context.Context, actor Actor, roomID uuid.UUID) error {
	if actor.Admin {
		return nil
	}
	controls, err := s.store.ManagerControlsRoom(ctx, actor.ManagerID, roomID)
	if err != nil {
		return err
	}
	if !controls {
		return ErrForbidden
	}
	return nil
}

// GrantAccess gives a user standing access to a room. Idempotent. Managers
// need control of the room; admins bypass the check.
func (s *Service) GrantAccess(ctx context.Context, actor Actor, userID, roomID uuid.UUID) error {
	if err := s.authorizeControl(ctx, actor, roomID); err != nil {
		return err
	}
	return s.store.GrantAccess(ctx, userID, roomID)
}

// RevokeAccess withdraws standing access. Idempotent.
func (s *Service) RevokeAccess(ctx context.Context, actor Actor, userID, roomID uuid.UUID) error {
	if err := s.authorizeControl(ctx, actor, roomID); err != nil {
		return err
	}
	return s.store.RevokeAccess(ctx, userID, roomID)
}

// GrantControl delegates a room to a manager. Admin-only.
func (s *Service) GrantControl(ctx context.Context, actor Actor, managerID, roomID uuid.UUID) error {
	if !actor.Admin {
		return ErrForbidden
	}
	return s.store.GrantControl(ctx, managerID, roomID)
}

// RevokeControl withdraws a manager's delegation. Admin-only.
func (s *Service) RevokeControl(ctx context.Context, actor Actor, managerID, roomID uuid.UUID) error {
	if !actor.Admin {
		return ErrForbidden
	}
	return s.store.RevokeControl(ctx, managerID, roomID)
}

// EnrollDescriptor stores one more descriptor for the user and makes it
// matchable immediately.
func (s *Service) EnrollDescriptor(ctx context.Context, userID uuid.UUID, features []float64) (uuid.UUID, error) {
	descriptor, err := face.NewDescriptorFromFloat64(features)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return uuid.Nil, err
	}

	descriptorID, err := s.store.InsertDescriptor(ctx, userID, descriptor)
	if err != nil {
		return uuid.Nil, err
	}
	s.matcher.Enroll(face.Enrollment{DescriptorID: descriptorID, UserID: userID, Vector: descriptor})

	s.logger.Info().
		Str("user_id", userID.String()).
		Str("descriptor_id", descriptorID.String()).
		Msg("descriptor enrolled")
	return descriptorID, nil
}

// RemoveDescriptor deletes one descriptor from store and matcher.
func (s *Service) RemoveDescriptor(ctx context.Context, descriptorID uuid.UUID) error {
	if err := s.store.DeleteDescriptor(ctx, descriptorID); err != nil {
		return err
	}
	s.matcher.Remove(descriptorID)
	return nil
}

// RemoveUserDescriptors deletes all of a user's descriptors, e.g. before
// re-enrolling a fresh capture set.
func (s *Service) RemoveUserDescriptors(ctx context.Context, userID uuid.UUID) error {
	ids, err := s.store.DeleteDescriptorsByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.matcher.Remove(id)
	}
	return nil
}

// Visits returns a lazy, restartable sequence of visit records matching the
// filter, ordered by timestamp ascending. Pages are fetched on demand; the
// caller may stop at any point.
func (s *Service) Visits(ctx context.Context, filter VisitFilter) iter.Seq2[VisitReport, error] {
	return func(yield func(VisitReport, error) bool) {
		var cursor *VisitCursor
		for {
			page, err := s.store.ListVisitsPage(ctx, filter, cursor, visitPageSize)
			if err != nil {
				yield(VisitReport{}, err)
				return
			}
			for _, v := range page {
				if !yield(v, nil) {
					return
				}
			}
			if len(page) < visitPageSize {
				return
			}
			last := page[len(page)-1]
			cursor = &VisitCursor{VisitedAt: last.VisitedAt, ID: last.ID}
		}
	}
}

// CreateUser registers a new user.
func (s *Service) CreateUser(ctx context.Context, input CreateUserInput) (*User, error) {
	return s.store.CreateUser(ctx, input)
}

// UpdateUser replaces the user's identity fields.
func (s *Service) UpdateUser(ctx context.Context, id uuid.UUID, input CreateUserInput) (*User, error) {
	return s.store.UpdateUser(ctx, id, input)
}

// GetUser loads one user.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.store.GetUser(ctx, id)
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.store.ListUsers(ctx)
}

// DeleteUser removes a user and drops their descriptors from the matcher.
// Stored associations cascade at the schema level.
func (s *Service) DeleteUser(ctx context.Context, id uuid.UUID) error {
	ids, err := s.store.DeleteDescriptorsByUser(ctx, id)
	if err != nil {
		return err
	}
	for _, descriptorID := range ids {
		s.matcher.Remove(descriptorID)
	}
	return s.store.DeleteUser(ctx, id)
}

// GetRoom loads one room.
func (s *Service) GetRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	return s.store.GetRoom(ctx, id)
}

// ControlledRooms lists the rooms delegated to a manager.
func (s *Service) ControlledRooms(ctx context.Context, managerID uuid.UUID) ([]Room, error) {
	return s.store.ListRoomsByManager(ctx, managerID)
}

// AccessedUsers lists the users with standing access to a room.
func (s *Service) AccessedUsers(ctx context.Context, roomID uuid.UUID) ([]User, error) {
	return s.store.ListAccessedUsers(ctx, roomID)
}
