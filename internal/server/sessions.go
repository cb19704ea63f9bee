package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/docuflow/researchd/internal/agent/core"
	"github.com/docuflow/researchd/internal/session"
	"github.com/docuflow/researchd/internal/store"
)

var sessionsTracer = otel.Tracer("researchd/server")

// SessionService is the lifecycle surface the handler needs; satisfied by
// *session.Manager.
type SessionService interface {
	Create(ctx context.Context, userID uuid.UUID, topic string, preferences map[string]interface{}, template string) (*core.Session, error)
	Start(ctx context.Context, id uuid.UUID) error
	Pause(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error
	Stop(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*core.Session, error)
	List(ctx context.Context, userID uuid.UUID) ([]core.Session, error)
}

// SessionReader lists a session's dependent records; satisfied by
// *store.Store.
type SessionReader interface {
	ListAgentRuns(ctx context.Context, sessionID uuid.UUID) ([]core.AgentRun, error)
	ListArtifacts(ctx context.Context, sessionID uuid.UUID) ([]core.Artifact, error)
	ListLogs(ctx context.Context, sessionID uuid.UUID) ([]core.LogEntry, error)
}

// EventSource provides live event subscriptions; satisfied by
// *events.Hub.
type EventSource interface {
	Subscribe(sessionID uuid.UUID) (<-chan core.Event, func())
}

type SessionsHandler struct {
	Svc    SessionService
	Reader SessionReader
	Events EventSource
}

func (h *SessionsHandler) Register(g *echo.Group, authMW echo.MiddlewareFunc) {
	g.Use(authMW)
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.remove)
	g.POST("/:id/start", h.start)
	g.POST("/:id/pause", h.pause)
	g.POST("/:id/resume", h.resume)
	g.POST("/:id/stop", h.stop)
	g.GET("/:id/runs", h.runs)
	g.GET("/:id/artifacts", h.artifacts)
	g.GET("/:id/logs", h.logs)
	g.GET("/:id/events", h.events)
}

// userID pulls the authenticated user id injected by the auth middleware.
func userID(c echo.Context) (uuid.UUID, error) {
	raw, _ := c.Get("user_id").(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return id, nil
}

// owned loads the session and enforces ownership.
func (h *SessionsHandler) owned(c echo.Context) (*core.Session, error) {
	uid, err := userID(c)
	if err != nil {
		return nil, err
	}
	sid, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	sess, err := h.Svc.Get(c.Request().Context(), sid)
	if err != nil {
		return nil, mapSessionError(err)
	}
	if sess.UserID != uid {
		// Hide the existence of other users' sessions.
		return nil, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return sess, nil
}

func mapSessionError(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrIllegalTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// create
//
//	@Summary	Create a research session
//	@Tags		sessions
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		CreateSessionRequest	true	"Session payload"
//	@Success	201		{object}	core.Session
//	@Failure	400		{object}	HTTPError
//	@Router		/api/sessions [post]
func (h *SessionsHandler) create(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.Svc.Create(c.Request().Context(), uid, req.Topic, req.Preferences, req.Template)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, sess)
}

// list
//
//	@Summary	List own sessions
//	@Tags		sessions
//	@Produce	json
//	@Success	200	{array}	core.Session
//	@Router		/api/sessions [get]
func (h *SessionsHandler) list(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	sessions, err := h.Svc.List(c.Request().Context(), uid)
	if err != nil {
		return mapSessionError(err)
	}
	if sessions == nil {
		sessions = []core.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

// get
//
//	@Summary	Session detail including progress and error
//	@Tags		sessions
//	@Produce	json
//	@Param		id	path		string	true	"Session ID"
//	@Success	200	{object}	core.Session
//	@Failure	404	{object}	HTTPError
//	@Router		/api/sessions/{id} [get]
func (h *SessionsHandler) get(c echo.Context) error {
	sess, err := h.owned(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

// remove
//
//	@Summary	Delete a session and all its records
//	@Tags		sessions
//	@Param		id	path	string	true	"Session ID"
//	@Success	204	{string}	string	"No Content"
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/sessions/{id} [delete]
func (h *SessionsHandler) remove(c echo.Context) error {
	sess, err := h.owned(c)
	if err != nil {
		return err
	}
	if err := h.Svc.Delete(c.Request().Context(), sess.ID); err != nil {
		return mapSessionError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *SessionsHandler) lifecycle(c echo.Context, cmd func(context.Context, uuid.UUID) error) error {
	sess, err := h.owned(c)
	if err != nil {
		return err
	}
	if err := cmd(c.Request().Context(), sess.ID); err != nil {
		return mapSessionError(err)
	}
	updated, err := h.Svc.Get(c.Request().Context(), sess.ID)
	if err != nil {
		return mapSessionError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// start
//
//	@Summary	Start a created session
//	@Tags		sessions
//	@Param		id	path	string	true	"Session ID"
//	@Success	200	{object}	core.Session
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/sessions/{id}/start [post]
func (h *SessionsHandler) start(c echo.Context) error {
	return h.lifecycle(c, h.Svc.Start)
}

// pause
//
//	@Summary	Pause a running session at the next step boundary
//	@Tags		sessions
//	@Param		id	path	string	true	"Session ID"
//	@Success	200	{object}	core.Session
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/sessions/{id}/pause [post]
func (h *SessionsHandler) pause(c echo.Context) error {
	return h.lifecycle(c, h.Svc.Pause)
}

// resume
//
//	@Summary	Resume a paused session
//	@Tags		sessions
//	@Param		id	path	string	true	"Session ID"
//	@Success	200	{object}	core.Session
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/sessions/{id}/resume [post]
func (h *SessionsHandler) resume(c echo.Context) error {
	return h.lifecycle(c, h.Svc.Resume)
}

// stop
//
//	@Summary	Stop a running or paused session
//	@Tags		sessions
//	@Param		id	path	string	true	"Session ID"
//	@Success	200	{object}	core.Session
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/sessions/{id}/stop [post]
func (h *SessionsHandler) stop(c echo.Context) error {
	return h.lifecycle(c, h.Svc.Stop)
}

// runs
//
//	@Summary	List a session's agent runs in pipeline order
//	@Tags		sessions
//	@Produce	json
//	@Param		id	path	string	true	"Session ID"
//	@Success	200	{array}	core.AgentRun
//	@Router		/api/sessions/{id}/runs [get]
func (h *SessionsHandler) runs(c echo.Context) error {
	sess, err := h.owned(c)
	if err != nil {
		return err
	}
	runs, err := h.Reader.ListAgentRuns(c.Request().Context(), sess.ID)
	if err != nil {
		return mapSessionError(err)
	}
	if runs == nil {
		runs = []core.AgentRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

// artifacts
//
//	@Summary	List a session's artifacts in creation order
//	@Tags		sessions
//	@Produce	json
//	@Param		id	path	string	true	"Session ID"
//	@Success	200	{array}	core.Artifact
//	@Router		/api/sessions/{id}/artifacts [get]
func (h *SessionsHandler) artifacts(c echo.Context) error {
	sess, err := h.owned(c)
	if err != nil {
		return err
	}
	arts, err := h.Reader.ListArtifacts(c.Request().Context(), sess.ID)
	if err != nil {
		return mapSessionError(err)
	}
	if arts == nil {
		arts = []core.Artifact{}
	}
	return c.JSON(http.StatusOK, arts)
}

// logs
//
//	@Summary	List a session's log entries in order
//	@Tags		sessions
//	@Produce	json
//	@Param		id	path	string	true	"Session ID"
//	@Success	200	{array}	core.LogEntry
//	@Router		/api/sessions/{id}/logs [get]
func (h *SessionsHandler) logs(c echo.Context) error {
	sess, err := h.owned(c)
	if err != nil {
		return err
	}
	logs, err := h.Reader.ListLogs(c.Request().Context(), sess.ID)
	if err != nil {
		return mapSessionError(err)
	}
	if logs == nil {
		logs = []core.LogEntry{}
	}
	return c.JSON(http.StatusOK, logs)
}

// events streams the session's live feed via Server-Sent Events. The
// stream ends after a terminal status event.
//
//	@Summary	Session event stream
//	@Tags		sessions
//	@Param		id	path	string	true	"Session ID"
//	@Produce	text/event-stream
//	@Success	200	{string}	string
//	@Failure	404	{object}	HTTPError
//	@Failure	503	{object}	HTTPError
//	@Router		/api/sessions/{id}/events [get]
func (h *SessionsHandler) events(c echo.Context) error {
	req := c.Request()
	ctx, span := sessionsTracer.Start(req.Context(), "SessionsHandler.events")
	defer span.End()
	c.SetRequest(req.WithContext(ctx))

	sess, err := h.owned(c)
	if err != nil {
		span.SetStatus(codes.Error, "session lookup failed")
		return err
	}
	span.SetAttributes(attribute.String("session.id", sess.ID.String()))

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		span.SetStatus(codes.Error, "streaming unsupported")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	send := func(ev core.Event) error {
		data, err := json.Marshal(map[string]interface{}{
			"session_id": ev.SessionID,
			"type":       ev.Type,
			"payload":    ev.Payload,
			"at":         ev.At,
		})
		if err != nil {
			return err
		}
		if _, err := resp.Write([]byte("event: " + ev.Type + "\n")); err != nil {
			return err
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// Subscribe before the snapshot so no event between snapshot and
	// subscription is lost.
	ch, cancel := h.Events.Subscribe(sess.ID)
	defer cancel()

	// Initial snapshot so late subscribers see the current state.
	snapshot := core.Event{
		SessionID: sess.ID,
		Type:      core.EventStatus,
		Payload:   map[string]interface{}{"status": sess.Status, "progress": sess.Progress},
		At:        time.Now().UTC(),
	}
	if sess.Error != "" {
		snapshot.Payload["error"] = sess.Error
	}
	if err := send(snapshot); err != nil {
		return nil
	}
	if session.Terminal(sess.Status) {
		return nil
	}

	for {
		select {
		case ev, open := <-ch:
			if !open {
				// Hub closed us after a terminal status event.
				return nil
			}
			if err := send(ev); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}
