package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docuflow/researchd/internal/agent/core"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*core.Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[uuid.UUID]*core.Session{}}
}

func (s *fakeStore) CreateSession(ctx context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *fakeStore) GetSession(ctx context.Context, id uuid.UUID) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *fakeStore) ListSessions(ctx context.Context, userID uuid.UUID) ([]core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *fakeStore) UpdateSessionStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if sess.Status == f {
			sess.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) status(id uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Status
	}
	return ""
}

// blockingRunner simulates a pipeline that runs until released, honoring
// pause polls and cancellation like the real orchestrator.
type blockingRunner struct {
	mu      sync.Mutex
	started chan uuid.UUID
	release chan struct{}
	store   *fakeStore
	runs    int
}

func newBlockingRunner(store *fakeStore) *blockingRunner {
	return &blockingRunner{started: make(chan uuid.UUID, 16), release: make(chan struct{}), store: store}
}

func (r *blockingRunner) Run(ctx context.Context, id uuid.UUID, paused func() bool) error {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	r.started <- id

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return core.ErrStopped
		case <-r.release:
			r.store.UpdateSessionStatus(context.Background(), id, []string{core.StatusRunning}, core.StatusCompleted)
			return nil
		case <-ticker.C:
			if paused() {
				return core.ErrPaused
			}
		}
	}
}

func (r *blockingRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func newTestManager(t *testing.T, maxConcurrent int) (*Manager, *fakeStore, *blockingRunner) {
	t.Helper()
	store := newFakeStore()
	runner := newBlockingRunner(store)
	return NewManager(store, runner, nil, maxConcurrent, nil), store, runner
}

func TestCreateRequiresTopic(t *testing.T) {
	m, _, _ := newTestManager(t, 1)
	if _, err := m.Create(context.Background(), uuid.New(), "   ", nil, ""); err == nil {
		t.Fatal("expected error for empty topic")
	}
}

func TestStartOnlyFromCreated(t *testing.T) {
	m, store, runner := newTestManager(t, 1)
	sess, err := m.Create(context.Background(), uuid.New(), "topic", nil, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Start(context.Background(), sess.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-runner.started
	if store.status(sess.ID) != core.StatusRunning {
		t.Fatalf("status %q", store.status(sess.ID))
	}

	// Second start is illegal.
	err = m.Start(context.Background(), sess.ID)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	close(runner.release)
	if err := m.Wait(context.Background(), sess.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if store.status(sess.ID) != core.StatusCompleted {
		t.Fatalf("status %q, want completed", store.status(sess.ID))
	}
}

func TestStartUnknownSession(t *testing.T) {
	m, _, _ := newTestManager(t, 1)
	if err := m.Start(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPauseAndResume(t *testing.T) {
	m, store, runner := newTestManager(t, 1)
	sess, _ := m.Create(context.Background(), uuid.New(), "topic", nil, "")
	if err := m.Start(context.Background(), sess.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-runner.started

	if err := m.Pause(context.Background(), sess.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := m.Wait(context.Background(), sess.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if store.status(sess.ID) != core.StatusPaused {
		t.Fatalf("status %q, want paused", store.status(sess.ID))
	}

	// Pause again is illegal.
	if err := m.Pause(context.Background(), sess.ID); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	if err := m.Resume(context.Background(), sess.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	<-runner.started
	if store.status(sess.ID) != core.StatusRunning {
		t.Fatalf("status %q, want running", store.status(sess.ID))
	}
	if runner.runCount() != 2 {
		t.Fatalf("resume must relaunch the pipeline, runs = %d", runner.runCount())
	}

	close(runner.release)
	m.Wait(context.Background(), sess.ID)
}

func TestStopFromRunningAndPaused(t *testing.T) {
	m, store, runner := newTestManager(t, 2)

	// Stop from running.
	s1, _ := m.Create(context.Background(), uuid.New(), "one", nil, "")
	m.Start(context.Background(), s1.ID)
	<-runner.started
	if err := m.Stop(context.Background(), s1.ID); err != nil {
		t.Fatalf("Stop running: %v", err)
	}
	m.Wait(context.Background(), s1.ID)
	if store.status(s1.ID) != core.StatusStopped {
		t.Fatalf("status %q, want stopped", store.status(s1.ID))
	}

	// Stop from paused.
	s2, _ := m.Create(context.Background(), uuid.New(), "two", nil, "")
	m.Start(context.Background(), s2.ID)
	<-runner.started
	m.Pause(context.Background(), s2.ID)
	m.Wait(context.Background(), s2.ID)
	if err := m.Stop(context.Background(), s2.ID); err != nil {
		t.Fatalf("Stop paused: %v", err)
	}
	if store.status(s2.ID) != core.StatusStopped {
		t.Fatalf("status %q, want stopped", store.status(s2.ID))
	}

	// Stop on a terminal session is illegal.
	if err := m.Stop(context.Background(), s1.ID); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestDeleteRequiresInactiveSession(t *testing.T) {
	m, store, runner := newTestManager(t, 1)
	sess, _ := m.Create(context.Background(), uuid.New(), "topic", nil, "")
	m.Start(context.Background(), sess.ID)
	<-runner.started

	if err := m.Delete(context.Background(), sess.ID); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for running delete, got %v", err)
	}

	m.Stop(context.Background(), sess.ID)
	m.Wait(context.Background(), sess.ID)
	if err := m.Delete(context.Background(), sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.GetSession(context.Background(), sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("session should be gone")
	}
}

func TestConcurrencyLimit(t *testing.T) {
	m, _, runner := newTestManager(t, 1)

	s1, _ := m.Create(context.Background(), uuid.New(), "one", nil, "")
	s2, _ := m.Create(context.Background(), uuid.New(), "two", nil, "")
	m.Start(context.Background(), s1.ID)
	<-runner.started

	// Second session starts (status running) but its pipeline waits on
	// the semaphore.
	if err := m.Start(context.Background(), s2.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-runner.started:
		t.Fatal("second pipeline ran past the concurrency limit")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	<-runner.started // second pipeline gets the slot once the first exits
	m.Wait(context.Background(), s1.ID)
	m.Wait(context.Background(), s2.ID)
}

func TestShutdownCancelsPipelines(t *testing.T) {
	m, _, runner := newTestManager(t, 2)
	sess, _ := m.Create(context.Background(), uuid.New(), "topic", nil, "")
	m.Start(context.Background(), sess.ID)
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
