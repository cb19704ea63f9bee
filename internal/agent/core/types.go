package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Session status values. Transitions are enforced by the session package;
// these constants are shared so the store and API speak the same vocabulary.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusStopped   = "stopped"
)

// AgentKind identifies a worker agent in the pipeline.
type AgentKind string

const (
	KindDiscovery    AgentKind = "discovery"
	KindAnalysis     AgentKind = "analysis"
	KindSynthesis    AgentKind = "synthesis"
	KindVerification AgentKind = "verification"
)

// Artifact kinds produced by the pipeline.
const (
	ArtifactSourceEvaluation = "source_evaluation"
	ArtifactThemeAnalysis    = "theme_analysis"
	ArtifactContentAnalysis  = "content_analysis"
	ArtifactNarrative        = "research_narrative"
	ArtifactSynthesis        = "synthesis"
	ArtifactVerification     = "fact_verification"
	ArtifactLanguageConfig   = "language_configuration"
	ArtifactSummary          = "research_summary"
)

// Session is a research session record.
type Session struct {
	ID          uuid.UUID              `json:"id"`
	UserID      uuid.UUID              `json:"user_id"`
	Topic       string                 `json:"topic"`
	Preferences map[string]interface{} `json:"preferences,omitempty"`
	Template    string                 `json:"template"`
	Status      string                 `json:"status"`
	Progress    float64                `json:"progress"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// AgentRun records one agent step of a session pipeline.
type AgentRun struct {
	ID         uuid.UUID `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	Seq        int       `json:"seq"`
	Kind       AgentKind `json:"kind"`
	Completed  bool      `json:"completed"`
	Error      string    `json:"error,omitempty"`
	Model      string    `json:"model,omitempty"`
	TokensIn   int       `json:"tokens_in"`
	TokensOut  int       `json:"tokens_out"`
	Cost       float64   `json:"cost"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Artifact is an immutable result payload produced by an agent or the
// report assembler.
type Artifact struct {
	ID        uuid.UUID              `json:"id"`
	SessionID uuid.UUID              `json:"session_id"`
	Kind      string                 `json:"kind"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// LogEntry is an append-only, leveled log line of a session.
type LogEntry struct {
	ID        int64     `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is a single item on a session's live feed.
type Event struct {
	SessionID uuid.UUID              `json:"session_id"`
	Type      string                 `json:"type"` // status, progress, log, result
	Payload   map[string]interface{} `json:"payload,omitempty"`
	At        time.Time              `json:"at"`
}

// Event types emitted by the orchestrator and session manager.
const (
	EventStatus   = "status"
	EventProgress = "progress"
	EventLog      = "log"
	EventResult   = "result"
)

// GenerateOptions carries per-call parameters for the LLM provider.
type GenerateOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// Context is prior conversation content appended before the prompt,
	// used by the truncation guard's continuation calls.
	Context []string
}

// Completion is one LLM response with token accounting.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Model            string
}

// LLMProvider is the minimal surface the engine needs from a model backend.
type LLMProvider interface {
	Generate(ctx context.Context, system, prompt string, opts GenerateOptions) (Completion, error)
	Health(ctx context.Context) error
}

// AgentTask is the input handed to a worker agent.
type AgentTask struct {
	Session   *Session
	Prior     []Artifact
	UserQuery string
}

// AgentResult is what a worker agent hands back to the orchestrator.
type AgentResult struct {
	Artifacts []Artifact
	Logs      []LogEntry
	Model     string
	TokensIn  int
	TokensOut int
	Cost      float64
}

// Agent runs one pipeline step.
type Agent interface {
	Kind() AgentKind
	Execute(ctx context.Context, task AgentTask) (AgentResult, error)
}

// SessionStore is the persistence surface the orchestrator depends on.
type SessionStore interface {
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	SetSessionProgress(ctx context.Context, id uuid.UUID, progress float64) error
	SetSessionError(ctx context.Context, id uuid.UUID, msg string) error
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error)

	CreateAgentRun(ctx context.Context, run *AgentRun) error
	FinishAgentRun(ctx context.Context, run *AgentRun) error
	ListAgentRuns(ctx context.Context, sessionID uuid.UUID) ([]AgentRun, error)

	AddArtifact(ctx context.Context, a *Artifact) error
	ListArtifacts(ctx context.Context, sessionID uuid.UUID) ([]Artifact, error)

	AddLog(ctx context.Context, l *LogEntry) error
}

// EventSink receives engine events. Publish must not block the pipeline.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) {}
