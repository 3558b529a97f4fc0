package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/config"
	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/events"
)

// Store is the persistence collaborator for the dispatcher.
type Store interface {
	RoomExists(ctx context.Context, roomID uuid.UUID) (bool, error)
	Insert(ctx context.Context, t *Task) error
	ClaimNext(ctx context.Context, roomID uuid.UUID) (*Task, error)
	Finish(ctx context.Context, roomID, taskID uuid.UUID, status Status, reason *string) error
	Get(ctx context.Context, taskID uuid.UUID) (*Task, error)
	ExpireSent(ctx context.Context, sentBefore time.Time) ([]Task, error)
	ListByRoom(ctx context.Context, roomID uuid.UUID, limit int) ([]Task, error)
}

// PermanentFailure is published when a task chain exhausts its re-dispatch
// budget.
type PermanentFailure struct {
	OriginID uuid.UUID `json:"origin_id"`
	TaskID   uuid.UUID `json:"task_id"`
	RoomID   uuid.UUID `json:"room_id"`
	Type     Type      `json:"type"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// Service creates, delivers and tracks room tasks, and runs the
// dispatch-timeout sweep.
type Service struct {
	store  Store
	events events.Publisher
	cfg    config.DispatchConfig
	logger zerolog.Logger
	now    func() time.Time

	once   sync.Once
	cancel context.CancelFunc
}

func NewService(store Store, publisher events.Publisher, cfg config.DispatchConfig, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		events: publisher,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock swaps the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create validates the payload and stores a new PENDING task. Malformed
// payloads and unknown rooms are rejected before anything is written.
func (s *Service) Create(ctx context.Context, roomID uuid.UUID, typ Type, args json.RawMessage) (*Task, error) {
	payload, err := DecodePayload(typ, args)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, roomID, payload, uuid.Nil, 0)
}

// CreateWithPayload stores a task from an already-typed payload. Used by
// the access pipeline for the unlock issued on a successful entry.
func (s *Service) CreateWithPayload(ctx context.Context, roomID uuid.UUID, payload Payload) (*Task, error) {
	return s.create(ctx, roomID, payload, uuid.Nil, 0)
}

func (s *Service) create(ctx context.Context, roomID uuid.UUID, payload Payload, origin uuid.UUID, attempt int) (*Task, error) {
	exists, err := s.store.RoomExists(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrUnknownRoom
	}

	id := uuid.New()
	if origin == uuid.Nil {
		origin = id
	}
	t := &Task{
		ID:        id,
		RoomID:    roomID,
		Type:      payload.Type(),
		Payload:   payload,
		Status:    StatusPending,
		OriginID:  origin,
		Attempt:   attempt,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Insert(ctx, t); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("task_id", t.ID.String()).
		Str("room_id", roomID.String()).
		Str("type", string(t.Type)).
		Int("attempt", attempt).
		Msg("task created")
	return t, nil
}

// PollNext hands the room controller its next undelivered task, moving it
// PENDING -> SENT atomically with the read. Returns (nil, nil) when the
// room's queue is empty.
func (s *Service) PollNext(ctx context.Context, roomID uuid.UUID) (*Task, error) {
	t, err := s.store.ClaimNext(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrNoPending) {
			return nil, nil
		}
		return nil, err
	}
	s.logger.Debug().
		Str("task_id", t.ID.String()).
		Str("room_id", roomID.String()).
		Msg("task delivered")
	return t, nil
}

// Acknowledge records the controller's outcome for a SENT task. A second
// acknowledgement, or one racing a sweep that already failed the task, is
// rejected with ErrStaleTransition.
func (s *Service) Acknowledge(ctx context.Context, roomID, taskID uuid.UUID, success bool, reason string) error {
	status := StatusDone
	var failReason *string
	if !success {
		status = StatusFailed
		if reason == "" {
			reason = "controller reported failure"
		}
		failReason = &reason
	}

	if err := s.store.Finish(ctx, roomID, taskID, status, failReason); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			s.logger.Warn().
				Str("task_id", taskID.String()).
				Str("room_id", roomID.String()).
				Msg("stale task acknowledgement rejected")
		}
		return err
	}

	s.logger.Info().
		Str("task_id", taskID.String()).
		Str("status", string(status)).
		Msg("task acknowledged")
	return nil
}

// Get loads a task by id.
func (s *Service) Get(ctx context.Context, taskID uuid.UUID) (*Task, error) {
	return s.store.Get(ctx, taskID)
}

// ListByRoom returns recent tasks of a room for administrative inspection.
func (s *Service) ListByRoom(ctx context.Context, roomID uuid.UUID, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListByRoom(ctx, roomID, limit)
}

// Start launches the periodic dispatch-timeout sweep. Safe to call more
// than once.
func (s *Service) Start(parent context.Context) {
	s.once.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		s.cancel = cancel
		go s.runLoop(ctx)
	})
}

// Stop terminates the sweep loop.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) runLoop(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("dispatch sweep started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("dispatch sweep stopped")
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("dispatch sweep failed")
			}
		}
	}
}

// SweepOnce fails every SENT task past the dispatch timeout. Failed tasks
// with remaining budget are re-dispatched as fresh PENDING tasks; exhausted
// chains are reported as permanently failed.
func (s *Service) SweepOnce(ctx context.Context) error {
	deadline := s.now().Add(-s.cfg.Timeout)
	expired, err := s.store.ExpireSent(ctx, deadline)
	if err != nil {
		return fmt.Errorf("expire sent tasks: %w", err)
	}

	for _, t := range expired {
		if t.Attempt < s.cfg.MaxRetries {
			if _, err := s.create(ctx, t.RoomID, t.Payload, t.OriginID, t.Attempt+1); err != nil {
				s.logger.Error().Err(err).
					Str("task_id", t.ID.String()).
					Msg("re-dispatch failed")
			}
			continue
		}

		s.logger.Error().
			Str("task_id", t.ID.String()).
			Str("origin_id", t.OriginID.String()).
			Str("room_id", t.RoomID.String()).
			Int("attempts", t.Attempt+1).
			Msg("task failed permanently")

		failure := PermanentFailure{
			OriginID: t.OriginID,
			TaskID:   t.ID,
			RoomID:   t.RoomID,
			Type:     t.Type,
			Attempts: t.Attempt + 1,
			FailedAt: s.now().UTC(),
		}
		if err := s.events.Publish(ctx, events.SubjectTaskFailed, failure); err != nil {
			s.logger.Error().Err(err).Msg("publish permanent failure")
		}
	}
	return nil
}
