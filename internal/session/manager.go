package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/docuflow/researchd/internal/agent/core"
)

// Store is the persistence surface the manager needs on top of what the
// orchestrator already uses.
type Store interface {
	CreateSession(ctx context.Context, s *core.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*core.Session, error)
	ListSessions(ctx context.Context, userID uuid.UUID) ([]core.Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error)
}

// Runner executes a session pipeline. Satisfied by *core.Orchestrator.
type Runner interface {
	Run(ctx context.Context, sessionID uuid.UUID, paused func() bool) error
}

// runHandle tracks one in-flight pipeline goroutine.
type runHandle struct {
	cancel context.CancelFunc
	paused atomic.Bool
	done   chan struct{}
}

// Manager owns session lifecycle commands. Status changes go through
// atomic guarded updates in the store, so concurrent commands on the same
// session cannot race into an illegal state.
type Manager struct {
	store  Store
	runner Runner
	sink   core.EventSink
	sem    chan struct{}
	logger *log.Logger

	mu      sync.Mutex
	handles map[uuid.UUID]*runHandle
}

// NewManager builds a session manager. maxConcurrent bounds the number of
// simultaneously running pipelines.
func NewManager(store Store, runner Runner, sink core.EventSink, maxConcurrent int, logger *log.Logger) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if sink == nil {
		sink = core.NopSink{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SESSION] ", log.LstdFlags)
	}
	return &Manager{
		store:   store,
		runner:  runner,
		sink:    sink,
		sem:     make(chan struct{}, maxConcurrent),
		logger:  logger,
		handles: map[uuid.UUID]*runHandle{},
	}
}

// Create registers a new session in the created state.
func (m *Manager) Create(ctx context.Context, userID uuid.UUID, topic string, preferences map[string]interface{}, template string) (*core.Session, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if template == "" {
		template = "standard"
	}
	now := time.Now().UTC()
	sess := &core.Session{
		ID:          uuid.New(),
		UserID:      userID,
		Topic:       topic,
		Preferences: preferences,
		Template:    template,
		Status:      core.StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.logger.Printf("session %s created (topic %q)", sess.ID, topic)
	return sess, nil
}

// Start moves a created session to running and launches its pipeline.
func (m *Manager) Start(ctx context.Context, id uuid.UUID) error {
	return m.startFrom(ctx, id, core.StatusCreated)
}

// Resume moves a paused session back to running. The relaunched pipeline
// skips steps that already completed.
func (m *Manager) Resume(ctx context.Context, id uuid.UUID) error {
	return m.startFrom(ctx, id, core.StatusPaused)
}

func (m *Manager) startFrom(ctx context.Context, id uuid.UUID, from string) error {
	ok, err := m.store.UpdateSessionStatus(ctx, id, []string{from}, core.StatusRunning)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if !ok {
		return m.transitionError(ctx, id, core.StatusRunning)
	}
	m.emitStatus(id, core.StatusRunning)
	m.launch(id)
	return nil
}

// Pause requests a pause; the pipeline yields at the next step boundary.
func (m *Manager) Pause(ctx context.Context, id uuid.UUID) error {
	ok, err := m.store.UpdateSessionStatus(ctx, id, []string{core.StatusRunning}, core.StatusPaused)
	if err != nil {
		return fmt.Errorf("pause session: %w", err)
	}
	if !ok {
		return m.transitionError(ctx, id, core.StatusPaused)
	}

	m.mu.Lock()
	if h := m.handles[id]; h != nil {
		h.paused.Store(true)
	}
	m.mu.Unlock()

	m.emitStatus(id, core.StatusPaused)
	m.logger.Printf("session %s paused", id)
	return nil
}

// Stop terminates a running or paused session. In-flight work is
// cancelled; completed steps and their artifacts are kept.
func (m *Manager) Stop(ctx context.Context, id uuid.UUID) error {
	ok, err := m.store.UpdateSessionStatus(ctx, id, []string{core.StatusRunning, core.StatusPaused}, core.StatusStopped)
	if err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	if !ok {
		return m.transitionError(ctx, id, core.StatusStopped)
	}

	m.mu.Lock()
	if h := m.handles[id]; h != nil {
		h.cancel()
	}
	m.mu.Unlock()

	m.emitStatus(id, core.StatusStopped)
	m.logger.Printf("session %s stopped", id)
	return nil
}

// Delete removes a session and all dependent records. Active sessions
// must be stopped first.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == core.StatusRunning || sess.Status == core.StatusPaused {
		return fmt.Errorf("%w: cannot delete a %s session, stop it first", ErrIllegalTransition, sess.Status)
	}
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.logger.Printf("session %s deleted", id)
	return nil
}

// Get loads a session.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*core.Session, error) {
	return m.store.GetSession(ctx, id)
}

// List returns a user's sessions.
func (m *Manager) List(ctx context.Context, userID uuid.UUID) ([]core.Session, error) {
	return m.store.ListSessions(ctx, userID)
}

// Wait blocks until the session's pipeline goroutine exits, or ctx ends.
// Used by tests and graceful shutdown.
func (m *Manager) Wait(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	h := m.handles[id]
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every in-flight pipeline and waits for them to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*runHandle, 0, len(m.handles))
	for _, h := range m.handles {
		h.cancel()
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// launch spawns the pipeline goroutine behind the concurrency semaphore.
func (m *Manager) launch(id uuid.UUID) {
	runCtx, cancel := context.WithCancel(context.Background())
	h := &runHandle{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.handles[id] = h
	m.mu.Unlock()

	go func() {
		defer close(h.done)
		defer cancel()
		defer func() {
			m.mu.Lock()
			if m.handles[id] == h {
				delete(m.handles, id)
			}
			m.mu.Unlock()
		}()

		select {
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
		case <-runCtx.Done():
			return
		}

		err := m.runner.Run(runCtx, id, h.paused.Load)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrPaused), errors.Is(err, core.ErrStopped):
			// Status was already moved by the command that interrupted us.
		default:
			m.logger.Printf("session %s pipeline failed: %v", id, err)
		}
	}()
}

// transitionError distinguishes not-found from an illegal transition
// after a guarded update matched no rows.
func (m *Manager) transitionError(ctx context.Context, id uuid.UUID, to string) error {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return ErrNotFound
	}
	return illegal(sess.Status, to)
}

func (m *Manager) emitStatus(id uuid.UUID, status string) {
	m.sink.Publish(context.Background(), core.Event{
		SessionID: id,
		Type:      core.EventStatus,
		Payload:   map[string]interface{}{"status": status},
		At:        time.Now().UTC(),
	})
}
