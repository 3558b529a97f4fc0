package task

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/config"
	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/events"
)

// memStore reproduces the repository's compare-and-swap semantics in memory
// so the state machine can be exercised without Postgres.
type memStore struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]bool
	tasks map[uuid.UUID]*Task
}

func newMemStore(rooms ...uuid.UUID) *memStore {
	s := &memStore{
		rooms: make(map[uuid.UUID]bool),
		tasks: make(map[uuid.UUID]*Task),
	}
	for _, r := range rooms {
		s.rooms[r] = true
	}
	return s
}

func (s *memStore) RoomExists(ctx context.Context, roomID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID], nil
}

func (s *memStore) Insert(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *memStore) ClaimNext(ctx context.Context, roomID uuid.UUID) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*Task
	for _, t := range s.tasks {
		if t.RoomID == roomID && t.Status == StatusPending {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil, ErrNoPending
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID.String() < pending[j].ID.String()
	})

	t := pending[0]
	now := time.Now()
	t.Status = StatusSent
	t.SentAt = &now
	cp := *t
	return &cp, nil
}

func (s *memStore) Finish(ctx context.Context, roomID, taskID uuid.UUID, status Status, reason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.RoomID != roomID {
		return ErrUnknownTask
	}
	if t.Status != StatusSent {
		return ErrStaleTransition
	}
	now := time.Now()
	t.Status = status
	t.FailReason = reason
	t.FinishedAt = &now
	return nil
}

func (s *memStore) Get(ctx context.Context, taskID uuid.UUID) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrUnknownTask
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) ExpireSent(ctx context.Context, sentBefore time.Time) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Task
	reason := "dispatch timeout"
	for _, t := range s.tasks {
		if t.Status == StatusSent && t.SentAt != nil && t.SentAt.Before(sentBefore) {
			now := time.Now()
			t.Status = StatusFailed
			t.FailReason = &reason
			t.FinishedAt = &now
			expired = append(expired, *t)
		}
	}
	return expired, nil
}

func (s *memStore) ListByRoom(ctx context.Context, roomID uuid.UUID, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []Task
	for _, t := range s.tasks {
		if t.RoomID == roomID {
			tasks = append(tasks, *t)
		}
	}
	return tasks, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []string
	payloads  []any
}

func (p *recordingPublisher) Publish(ctx context.Context, subject string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func (p *recordingPublisher) Close() {}

func newTestService(store Store, publisher events.Publisher, cfg config.DispatchConfig) *Service {
	return NewService(store, publisher, cfg, zerolog.Nop())
}

func TestUnlockTaskLifecycle(t *testing.T) {
	roomID := uuid.New()
	store := newMemStore(roomID)
	svc := newTestService(store, &recordingPublisher{}, config.DispatchConfig{Timeout: 30 * time.Second, MaxRetries: 3})
	ctx := context.Background()

	created, err := svc.Create(ctx, roomID, TypeUnlock, json.RawMessage(`{"holdOpenSeconds": 5}`))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.Status != StatusPending {
		t.Fatalf("new task must be PENDING, got %s", created.Status)
	}
	if p, ok := created.Payload.(UnlockPayload); !ok || p.HoldOpenSeconds != 5 {
		t.Fatalf("payload not preserved: %#v", created.Payload)
	}

	polled, err := svc.PollNext(ctx, roomID)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if polled == nil || polled.ID != created.ID {
		t.Fatalf("poll returned wrong task: %#v", polled)
	}
	if polled.Status != StatusSent {
		t.Fatalf("polled task must be SENT, got %s", polled.Status)
	}

	if err := svc.Acknowledge(ctx, roomID, created.ID, true, ""); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	final, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != StatusDone {
		t.Fatalf("expected DONE, got %s", final.Status)
	}
}

func TestCreateRejectsMalformedPayload(t *testing.T) {
	roomID := uuid.New()
	store := newMemStore(roomID)
	svc := newTestService(store, &recordingPublisher{}, config.DispatchConfig{})
	ctx := context.Background()

	cases := []struct {
		name string
		typ  Type
		args json.RawMessage
	}{
		{"unknown type", Type("explode"), json.RawMessage(`{}`)},
		{"negative hold", TypeUnlock, json.RawMessage(`{"holdOpenSeconds": -1}`)},
		{"wrong value type", TypeUnlock, json.RawMessage(`{"holdOpenSeconds": "five"}`)},
		{"alarm without reason", TypeAlarm, json.RawMessage(`{}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, roomID, tc.typ, tc.args); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	if len(store.tasks) != 0 {
		t.Fatalf("rejected payloads must not be stored, found %d tasks", len(store.tasks))
	}
}

func TestCreateIgnoresUnknownKeysAndDefaults(t *testing.T) {
	roomID := uuid.New()
	svc := newTestService(newMemStore(roomID), &recordingPublisher{}, config.DispatchConfig{})

	created, err := svc.Create(context.Background(), roomID, TypeUnlock, json.RawMessage(`{"color": "red"}`))
	if err != nil {
		t.Fatalf("unknown keys must be ignored: %v", err)
	}
	if p := created.Payload.(UnlockPayload); p.HoldOpenSeconds != 0 {
		t.Fatalf("holdOpenSeconds must default to 0, got %d", p.HoldOpenSeconds)
	}
}

func TestCreateUnknownRoom(t *testing.T) {
	svc := newTestService(newMemStore(), &recordingPublisher{}, config.DispatchConfig{})
	if _, err := svc.Create(context.Background(), uuid.New(), TypeLock, nil); !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("expected ErrUnknownRoom, got %v", err)
	}
}

func TestPollNextEmptyQueue(t *testing.T) {
	roomID := uuid.New()
	svc := newTestService(newMemStore(roomID), &recordingPublisher{}, config.DispatchConfig{})

	polled, err := svc.PollNext(context.Background(), roomID)
	if err != nil {
		t.Fatalf("poll on empty queue must not error: %v", err)
	}
	if polled != nil {
		t.Fatalf("expected no task, got %#v", polled)
	}
}

func TestPollNextDeliversAtMostOnce(t *testing.T) {
	roomID := uuid.New()
	store := newMemStore(roomID)
	svc := newTestService(store, &recordingPublisher{}, config.DispatchConfig{})
	ctx := context.Background()

	created, err := svc.Create(ctx, roomID, TypeLock, nil)
	if err != nil {
		t.Fatal(err)
	}

	const pollers = 32
	var wg sync.WaitGroup
	received := make(chan uuid.UUID, pollers)
	for range pollers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t, err := svc.PollNext(ctx, roomID)
			if err == nil && t != nil {
				received <- t.ID
			}
		}()
	}
	wg.Wait()
	close(received)

	var got []uuid.UUID
	for id := range received {
		got = append(got, id)
	}
	if len(got) != 1 {
		t.Fatalf("exactly one poller must receive the task, got %d", len(got))
	}
	if got[0] != created.ID {
		t.Fatalf("wrong task delivered: %s", got[0])
	}
}

func TestDoubleAcknowledgeIsStale(t *testing.T) {
	roomID := uuid.New()
	store := newMemStore(roomID)
	svc := newTestService(store, &recordingPublisher{}, config.DispatchConfig{})
	ctx := context.Background()

	created, err := svc.Create(ctx, roomID, TypeLock, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PollNext(ctx, roomID); err != nil {
		t.Fatal(err)
	}
	if err := svc.Acknowledge(ctx, roomID, created.ID, true, ""); err != nil {
		t.Fatal(err)
	}

	// The second acknowledgement always fails, regardless of outcome value.
	if err := svc.Acknowledge(ctx, roomID, created.ID, true, ""); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
	if err := svc.Acknowledge(ctx, roomID, created.ID, false, "late failure"); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
}

func TestAcknowledgeWrongRoomOrUnknownTask(t *testing.T) {
	roomID := uuid.New()
	otherRoom := uuid.New()
	store := newMemStore(roomID, otherRoom)
	svc := newTestService(store, &recordingPublisher{}, config.DispatchConfig{})
	ctx := context.Background()

	created, err := svc.Create(ctx, roomID, TypeLock, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PollNext(ctx, roomID); err != nil {
		t.Fatal(err)
	}

	if err := svc.Acknowledge(ctx, otherRoom, created.ID, true, ""); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("foreign room must not acknowledge, got %v", err)
	}
	if err := svc.Acknowledge(ctx, roomID, uuid.New(), true, ""); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestAcknowledgePendingTaskIsStale(t *testing.T) {
	roomID := uuid.New()
	store := newMemStore(roomID)
	svc := newTestService(store, &recordingPublisher{}, config.DispatchConfig{})
	ctx := context.Background()

	created, err := svc.Create(ctx, roomID, TypeLock, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Acknowledge(ctx, roomID, created.ID, true, ""); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("acknowledging an undelivered task must be stale, got %v", err)
	}
}

func TestSweepRedispatchesTimedOutTask(t *testing.T) {
	roomID := uuid.New()
	store := newMemStore(roomID)
	publisher := &recordingPublisher{}
	svc := newTestService(store, publisher, config.DispatchConfig{Timeout: 30 * time.Second, MaxRetries: 3})
	ctx := context.Background()

	created, err := svc.Create(ctx, roomID, TypeUnlock, json.RawMessage(`{"holdOpenSeconds": 2}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PollNext(ctx, roomID); err != nil {
		t.Fatal(err)
	}

	// Sweep from one minute in the future: the SENT task is past deadline.
	svc.WithClock(func() time.Time { return time.Now().Add(time.Minute) })
	if err := svc.SweepOnce(ctx); err != nil {
		t.Fatal(err)
	}

	original, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if original.Status != StatusFailed {
		t.Fatalf("timed-out task must be FAILED, got %s", original.Status)
	}

	// One fresh PENDING re-dispatch linked to the same origin.
	var redispatched *Task
	store.mu.Lock()
	for _, candidate := range store.tasks {
		if candidate.ID != created.ID && candidate.OriginID == created.ID {
			cp := *candidate
			redispatched = &cp
		}
	}
	store.mu.Unlock()

	if redispatched == nil {
		t.Fatal("no re-dispatch created")
	}
	if redispatched.Status != StatusPending || redispatched.Attempt != 1 {
		t.Fatalf("re-dispatch should be PENDING attempt 1, got %s attempt %d",
			redispatched.Status, redispatched.Attempt)
	}
	if len(publisher.published) != 0 {
		t.Fatalf("no permanent failure expected yet, published %v", publisher.published)
	}
}

func TestSweepReportsPermanentFailureAfterRetriesExhaust(t *testing.T) {
	roomID := uuid.New()
	store := newMemStore(roomID)
	publisher := &recordingPublisher{}
	cfg := config.DispatchConfig{Timeout: 30 * time.Second, MaxRetries: 3}
	svc := newTestService(store, publisher, cfg)
	ctx := context.Background()

	created, err := svc.Create(ctx, roomID, TypeUnlock, nil)
	if err != nil {
		t.Fatal(err)
	}

	svc.WithClock(func() time.Time { return time.Now().Add(time.Minute) })

	// Each round: the controller claims the task but never acknowledges.
	for round := 0; round <= cfg.MaxRetries; round++ {
		if _, err := svc.PollNext(ctx, roomID); err != nil {
			t.Fatalf("round %d poll: %v", round, err)
		}
		if err := svc.SweepOnce(ctx); err != nil {
			t.Fatalf("round %d sweep: %v", round, err)
		}
	}

	if len(publisher.published) != 1 || publisher.published[0] != events.SubjectTaskFailed {
		t.Fatalf("expected one permanent failure event, got %v", publisher.published)
	}
	failure := publisher.payloads[0].(PermanentFailure)
	if failure.OriginID != created.ID {
		t.Fatalf("failure should reference the origin task, got %s", failure.OriginID)
	}
	if failure.Attempts != cfg.MaxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", cfg.MaxRetries+1, failure.Attempts)
	}

	// Queue drained: the chain is dead, nothing further to deliver.
	polled, err := svc.PollNext(ctx, roomID)
	if err != nil {
		t.Fatal(err)
	}
	if polled != nil {
		t.Fatalf("exhausted chain must not re-dispatch, got %#v", polled)
	}
}

func TestSweepDoesNotTouchFreshSentTasks(t *testing.T) {
	roomID := uuid.New()
	store := newMemStore(roomID)
	svc := newTestService(store, &recordingPublisher{}, config.DispatchConfig{Timeout: time.Hour, MaxRetries: 3})
	ctx := context.Background()

	created, err := svc.Create(ctx, roomID, TypeLock, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PollNext(ctx, roomID); err != nil {
		t.Fatal(err)
	}
	if err := svc.SweepOnce(ctx); err != nil {
		t.Fatal(err)
	}

	current, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if current.Status != StatusSent {
		t.Fatalf("fresh SENT task must survive the sweep, got %s", current.Status)
	}
}
