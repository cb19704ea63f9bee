package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/docuflow/researchd/config"
	"github.com/docuflow/researchd/internal/agent/core"
)

// ErrNotFound is returned for lookups that match no row.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a unique constraint is violated.
var ErrConflict = errors.New("already exists")

type Store struct {
	DB *sql.DB
}

// New opens a Postgres connection from config and pings it.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	return NewWithDSN(ctx, cfg.DSN(), cfg.Timeout)
}

// NewWithDSN opens a Postgres connection from a DSN.
func NewWithDSN(ctx context.Context, dsn string, timeout time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ---------------- users ----------------

// CreateUser inserts a user with a bcrypt password hash.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, NOW())`,
		id, email, passwordHash)
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, fmt.Errorf("user %s: %w", email, ErrConflict)
		}
		return uuid.Nil, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByEmail returns the user id and password hash for email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (uuid.UUID, string, error) {
	var id uuid.UUID
	var hash string
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email = $1`, email).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, "", ErrNotFound
	}
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("get user: %w", err)
	}
	return id, hash, nil
}

// ---------------- sessions ----------------

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *core.Session) error {
	prefs, err := json.Marshal(sess.Preferences)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, topic, preferences, template, status, progress, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`,
		sess.ID, sess.UserID, sess.Topic, prefs, sess.Template, sess.Status, sess.Progress)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*core.Session, error) {
	var sess core.Session
	var prefs []byte
	var errMsg sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, user_id, topic, preferences, template, status, progress, error, created_at, updated_at
		 FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.UserID, &sess.Topic, &prefs, &sess.Template, &sess.Status, &sess.Progress, &errMsg, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(prefs) > 0 {
		if uerr := json.Unmarshal(prefs, &sess.Preferences); uerr != nil {
			return nil, fmt.Errorf("decode preferences: %w", uerr)
		}
	}
	sess.Error = errMsg.String
	return &sess, nil
}

// ListSessions returns a user's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, userID uuid.UUID) ([]core.Session, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, topic, preferences, template, status, progress, error, created_at, updated_at
		 FROM sessions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []core.Session
	for rows.Next() {
		var sess core.Session
		var prefs []byte
		var errMsg sql.NullString
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Topic, &prefs, &sess.Template, &sess.Status, &sess.Progress, &errMsg, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if len(prefs) > 0 {
			if uerr := json.Unmarshal(prefs, &sess.Preferences); uerr != nil {
				return nil, fmt.Errorf("decode preferences: %w", uerr)
			}
		}
		sess.Error = errMsg.String
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSessionStatus atomically moves a session to status `to` if its
// current status is one of `from`. Returns false when no row matched,
// which means either an illegal transition or a missing session.
func (s *Store) UpdateSessionStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET status = $1, updated_at = NOW() WHERE id = $2 AND status = ANY($3)`,
		to, id, pq.Array(from))
	if err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	return n > 0, nil
}

// SetSessionProgress records pipeline progress in [0,1].
func (s *Store) SetSessionProgress(ctx context.Context, id uuid.UUID, progress float64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET progress = $1, updated_at = NOW() WHERE id = $2`, progress, id)
	if err != nil {
		return fmt.Errorf("set session progress: %w", err)
	}
	return nil
}

// SetSessionError records the failure message on the session row.
func (s *Store) SetSessionError(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET error = $1, updated_at = NOW() WHERE id = $2`, msg, id)
	if err != nil {
		return fmt.Errorf("set session error: %w", err)
	}
	return nil
}

// DeleteSession removes a session; agent runs, artifacts and logs go with
// it via ON DELETE CASCADE.
func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredSessions prunes terminal sessions older than cutoff,
// returning how many were removed. Used by the retention janitor.
func (s *Store) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM sessions WHERE status = ANY($1) AND updated_at < $2`,
		pq.Array([]string{core.StatusCompleted, core.StatusError, core.StatusStopped}), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// ---------------- agent runs ----------------

// CreateAgentRun inserts a pipeline step record.
func (s *Store) CreateAgentRun(ctx context.Context, run *core.AgentRun) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO agent_runs (id, session_id, seq, kind, completed, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.SessionID, run.Seq, string(run.Kind), run.Completed, run.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("agent run seq %d: %w", run.Seq, ErrConflict)
		}
		return fmt.Errorf("create agent run: %w", err)
	}
	return nil
}

// FinishAgentRun records completion state and accounting for a run.
func (s *Store) FinishAgentRun(ctx context.Context, run *core.AgentRun) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE agent_runs SET completed = $1, error = $2, model = $3, tokens_in = $4, tokens_out = $5, cost = $6, finished_at = $7
		 WHERE id = $8`,
		run.Completed, run.Error, run.Model, run.TokensIn, run.TokensOut, run.Cost, run.FinishedAt, run.ID)
	if err != nil {
		return fmt.Errorf("finish agent run: %w", err)
	}
	return nil
}

// ListAgentRuns returns a session's runs ordered by sequence.
func (s *Store) ListAgentRuns(ctx context.Context, sessionID uuid.UUID) ([]core.AgentRun, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, session_id, seq, kind, completed, COALESCE(error, ''), COALESCE(model, ''), tokens_in, tokens_out, cost, started_at, COALESCE(finished_at, started_at)
		 FROM agent_runs WHERE session_id = $1 ORDER BY seq ASC, started_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list agent runs: %w", err)
	}
	defer rows.Close()

	var out []core.AgentRun
	for rows.Next() {
		var r core.AgentRun
		var kind string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Seq, &kind, &r.Completed, &r.Error, &r.Model, &r.TokensIn, &r.TokensOut, &r.Cost, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan agent run: %w", err)
		}
		r.Kind = core.AgentKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------- artifacts ----------------

// AddArtifact appends an artifact. Artifacts are immutable.
func (s *Store) AddArtifact(ctx context.Context, a *core.Artifact) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal artifact metadata: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO artifacts (id, session_id, kind, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.SessionID, a.Kind, a.Content, meta, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("add artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns a session's artifacts in creation order.
func (s *Store) ListArtifacts(ctx context.Context, sessionID uuid.UUID) ([]core.Artifact, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, session_id, kind, content, metadata, created_at
		 FROM artifacts WHERE session_id = $1 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []core.Artifact
	for rows.Next() {
		var a core.Artifact
		var meta []byte
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Kind, &a.Content, &meta, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if len(meta) > 0 {
			if uerr := json.Unmarshal(meta, &a.Metadata); uerr != nil {
				return nil, fmt.Errorf("decode artifact metadata: %w", uerr)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---------------- logs ----------------

// AddLog appends a session log entry.
func (s *Store) AddLog(ctx context.Context, l *core.LogEntry) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO session_logs (session_id, level, message, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		l.SessionID, l.Level, l.Message, l.CreatedAt).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("add log: %w", err)
	}
	return nil
}

// ListLogs returns a session's logs in insertion order.
func (s *Store) ListLogs(ctx context.Context, sessionID uuid.UUID) ([]core.LogEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, session_id, level, message, created_at
		 FROM session_logs WHERE session_id = $1 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []core.LogEntry
	for rows.Next() {
		var l core.LogEntry
		if err := rows.Scan(&l.ID, &l.SessionID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
