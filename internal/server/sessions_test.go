package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/docuflow/researchd/internal/agent/core"
	"github.com/docuflow/researchd/internal/session"
)

type fakeSvc struct {
	sessions map[uuid.UUID]*core.Session
	started  []uuid.UUID
	stopErr  error
}

func newFakeSvc() *fakeSvc {
	return &fakeSvc{sessions: map[uuid.UUID]*core.Session{}}
}

func (f *fakeSvc) add(userID uuid.UUID, status string) *core.Session {
	s := &core.Session{ID: uuid.New(), UserID: userID, Topic: "topic", Template: "standard", Status: status}
	f.sessions[s.ID] = s
	return s
}

func (f *fakeSvc) Create(ctx context.Context, userID uuid.UUID, topic string, prefs map[string]interface{}, template string) (*core.Session, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, context.DeadlineExceeded // any error; handler maps to 400
	}
	s := &core.Session{ID: uuid.New(), UserID: userID, Topic: topic, Preferences: prefs, Template: template, Status: core.StatusCreated}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeSvc) Start(ctx context.Context, id uuid.UUID) error {
	s, ok := f.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if s.Status != core.StatusCreated {
		return session.ErrIllegalTransition
	}
	s.Status = core.StatusRunning
	f.started = append(f.started, id)
	return nil
}

func (f *fakeSvc) Pause(ctx context.Context, id uuid.UUID) error {
	s, ok := f.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if s.Status != core.StatusRunning {
		return session.ErrIllegalTransition
	}
	s.Status = core.StatusPaused
	return nil
}

func (f *fakeSvc) Resume(ctx context.Context, id uuid.UUID) error {
	s, ok := f.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if s.Status != core.StatusPaused {
		return session.ErrIllegalTransition
	}
	s.Status = core.StatusRunning
	return nil
}

func (f *fakeSvc) Stop(ctx context.Context, id uuid.UUID) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	s, ok := f.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if s.Status != core.StatusRunning && s.Status != core.StatusPaused {
		return session.ErrIllegalTransition
	}
	s.Status = core.StatusStopped
	return nil
}

func (f *fakeSvc) Delete(ctx context.Context, id uuid.UUID) error {
	s, ok := f.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if s.Status == core.StatusRunning || s.Status == core.StatusPaused {
		return session.ErrIllegalTransition
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeSvc) Get(ctx context.Context, id uuid.UUID) (*core.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSvc) List(ctx context.Context, userID uuid.UUID) ([]core.Session, error) {
	var out []core.Session
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

type fakeReader struct {
	runs      []core.AgentRun
	artifacts []core.Artifact
	logs      []core.LogEntry
}

func (f *fakeReader) ListAgentRuns(ctx context.Context, id uuid.UUID) ([]core.AgentRun, error) {
	return f.runs, nil
}
func (f *fakeReader) ListArtifacts(ctx context.Context, id uuid.UUID) ([]core.Artifact, error) {
	return f.artifacts, nil
}
func (f *fakeReader) ListLogs(ctx context.Context, id uuid.UUID) ([]core.LogEntry, error) {
	return f.logs, nil
}

type fakeEvents struct {
	ch chan core.Event
}

func (f *fakeEvents) Subscribe(id uuid.UUID) (<-chan core.Event, func()) {
	return f.ch, func() {}
}

func newTestHandler() (*SessionsHandler, *fakeSvc, *fakeEvents) {
	svc := newFakeSvc()
	ev := &fakeEvents{ch: make(chan core.Event, 16)}
	return &SessionsHandler{Svc: svc, Reader: &fakeReader{}, Events: ev}, svc, ev
}

func ctxFor(e *echo.Echo, method, path, body string, userID uuid.UUID, rec *httptest.ResponseRecorder) echo.Context {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	c := e.NewContext(req, rec)
	c.Set("user_id", userID.String())
	return c
}

func TestCreateSessionHandler(t *testing.T) {
	e := echo.New()
	h, _, _ := newTestHandler()
	uid := uuid.New()

	rec := httptest.NewRecorder()
	c := ctxFor(e, http.MethodPost, "/api/sessions", `{"topic":"ai safety","template":"quick"}`, uid, rec)
	if err := h.create(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d", rec.Code)
	}
	var sess core.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.Topic != "ai safety" || sess.Status != core.StatusCreated {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestCreateSessionHandlerRejectsEmptyTopic(t *testing.T) {
	e := echo.New()
	h, _, _ := newTestHandler()

	rec := httptest.NewRecorder()
	c := ctxFor(e, http.MethodPost, "/api/sessions", `{"topic":""}`, uuid.New(), rec)
	err := h.create(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestLifecycleHandlers(t *testing.T) {
	e := echo.New()
	h, svc, _ := newTestHandler()
	uid := uuid.New()
	sess := svc.add(uid, core.StatusCreated)

	call := func(action string, fn echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
		rec := httptest.NewRecorder()
		c := ctxFor(e, http.MethodPost, "/api/sessions/"+sess.ID.String()+"/"+action, "", uid, rec)
		c.SetParamNames("id")
		c.SetParamValues(sess.ID.String())
		return rec, fn(c)
	}

	if rec, err := call("start", h.start); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("start: %v code %d", err, rec.Code)
	}
	if rec, err := call("pause", h.pause); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("pause: %v code %d", err, rec.Code)
	}
	if rec, err := call("resume", h.resume); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("resume: %v code %d", err, rec.Code)
	}
	if rec, err := call("stop", h.stop); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("stop: %v code %d", err, rec.Code)
	}

	// Start after stop is an illegal transition: 409.
	_, err := call("start", h.start)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestOwnershipHidden(t *testing.T) {
	e := echo.New()
	h, svc, _ := newTestHandler()
	owner := uuid.New()
	other := uuid.New()
	sess := svc.add(owner, core.StatusCreated)

	rec := httptest.NewRecorder()
	c := ctxFor(e, http.MethodGet, "/api/sessions/"+sess.ID.String(), "", other, rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID.String())

	err := h.get(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("foreign session must look like 404, got %v", err)
	}
}

func TestDeleteRunningSessionConflict(t *testing.T) {
	e := echo.New()
	h, svc, _ := newTestHandler()
	uid := uuid.New()
	sess := svc.add(uid, core.StatusRunning)

	rec := httptest.NewRecorder()
	c := ctxFor(e, http.MethodDelete, "/api/sessions/"+sess.ID.String(), "", uid, rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID.String())

	err := h.remove(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestListEndpointsReturnEmptyArrays(t *testing.T) {
	e := echo.New()
	h, svc, _ := newTestHandler()
	uid := uuid.New()
	sess := svc.add(uid, core.StatusCompleted)

	for _, tc := range []struct {
		name string
		fn   echo.HandlerFunc
	}{
		{"runs", h.runs},
		{"artifacts", h.artifacts},
		{"logs", h.logs},
	} {
		rec := httptest.NewRecorder()
		c := ctxFor(e, http.MethodGet, "/api/sessions/"+sess.ID.String()+"/"+tc.name, "", uid, rec)
		c.SetParamNames("id")
		c.SetParamValues(sess.ID.String())
		if err := tc.fn(c); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
			t.Fatalf("%s: body %q, want []", tc.name, body)
		}
	}
}

func TestEventsStreamTerminalSnapshot(t *testing.T) {
	e := echo.New()
	h, svc, _ := newTestHandler()
	uid := uuid.New()
	sess := svc.add(uid, core.StatusCompleted)

	rec := httptest.NewRecorder()
	c := ctxFor(e, http.MethodGet, "/api/sessions/"+sess.ID.String()+"/events", "", uid, rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID.String())

	// Terminal session: handler sends the snapshot and returns at once.
	if err := h.events(c); err != nil {
		t.Fatalf("events: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: status") || !strings.Contains(body, core.StatusCompleted) {
		t.Fatalf("missing terminal snapshot in stream:\n%s", body)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
}

func TestEventsStreamLiveUntilChannelCloses(t *testing.T) {
	e := echo.New()
	h, svc, ev := newTestHandler()
	uid := uuid.New()
	sess := svc.add(uid, core.StatusRunning)

	ev.ch <- core.Event{SessionID: sess.ID, Type: core.EventProgress, Payload: map[string]interface{}{"progress": 0.25}, At: time.Now()}
	ev.ch <- core.Event{SessionID: sess.ID, Type: core.EventStatus, Payload: map[string]interface{}{"status": core.StatusCompleted}, At: time.Now()}
	close(ev.ch)

	rec := httptest.NewRecorder()
	c := ctxFor(e, http.MethodGet, "/api/sessions/"+sess.ID.String()+"/events", "", uid, rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID.String())

	if err := h.events(c); err != nil {
		t.Fatalf("events: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: progress") {
		t.Fatalf("missing progress event:\n%s", body)
	}
	if strings.Count(body, "event: status") < 2 { // snapshot + terminal
		t.Fatalf("missing status events:\n%s", body)
	}
}
