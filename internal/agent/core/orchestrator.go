package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Returned by Run when a session command interrupted the pipeline at a
// step boundary. The caller owns the status transition in both cases.
var (
	ErrPaused  = errors.New("session paused")
	ErrStopped = errors.New("session stopped")
)

// DefaultTemplate is the standard pipeline order.
var DefaultTemplate = []AgentKind{KindDiscovery, KindAnalysis, KindSynthesis, KindVerification}

// Templates maps template names to pipeline step orders.
var Templates = map[string][]AgentKind{
	"standard": DefaultTemplate,
	"quick":    {KindDiscovery, KindSynthesis},
	"thorough": {KindDiscovery, KindAnalysis, KindAnalysis, KindSynthesis, KindVerification},
}

// TemplateSteps resolves a template name, defaulting to the standard
// pipeline for unknown names.
func TemplateSteps(name string) []AgentKind {
	if steps, ok := Templates[name]; ok {
		return steps
	}
	return DefaultTemplate
}

// Metrics receives orchestrator observations. All methods must be
// non-blocking; a nil Metrics disables observation.
type Metrics interface {
	SessionStarted()
	StepDone(kind AgentKind, d time.Duration, err error)
	SessionDone(status string)
	Tokens(model string, in, out int, cost float64)
	QualityScore(score int)
}

// Orchestrator drives a session's agent pipeline sequentially and
// assembles the final report.
type Orchestrator struct {
	store     SessionStore
	agents    map[AgentKind]Agent
	assembler *Assembler
	sink      EventSink
	metrics   Metrics
	logger    *log.Logger
}

// NewOrchestrator wires the pipeline. sink may be nil (events dropped),
// metrics may be nil.
func NewOrchestrator(store SessionStore, agents map[AgentKind]Agent, assembler *Assembler, sink EventSink, metrics Metrics, logger *log.Logger) *Orchestrator {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{store: store, agents: agents, assembler: assembler, sink: sink, metrics: metrics, logger: logger}
}

// Run executes the session pipeline from its first incomplete step.
// paused is polled at step boundaries only; a true return makes Run exit
// with ErrPaused. Context cancellation at a boundary returns ErrStopped.
// Agent failures mark the session as errored and return the cause.
func (o *Orchestrator) Run(ctx context.Context, sessionID uuid.UUID, paused func() bool) error {
	tracer := otel.Tracer("researchd/orchestrator")
	ctx, span := tracer.Start(ctx, "session.run",
		trace.WithAttributes(attribute.String("session.id", sessionID.String())))
	defer span.End()

	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	steps := TemplateSteps(session.Template)
	total := len(steps) + 1 // report assembly is the final step

	existing, err := o.store.ListAgentRuns(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load agent runs: %w", err)
	}
	completedSeq := make(map[int]bool, len(existing))
	for _, r := range existing {
		if r.Completed {
			completedSeq[r.Seq] = true
		}
	}
	if len(existing) == 0 && o.metrics != nil {
		o.metrics.SessionStarted()
	}

	checkpoint := func() error {
		if ctx.Err() != nil {
			return ErrStopped
		}
		if paused != nil && paused() {
			return ErrPaused
		}
		return nil
	}

	for i, kind := range steps {
		if err := checkpoint(); err != nil {
			span.SetAttributes(attribute.String("session.interrupt", err.Error()))
			return err
		}
		if completedSeq[i] {
			o.logger.Printf("session %s: step %d (%s) already complete, skipping", sessionID, i, kind)
			continue
		}
		if err := o.runStep(ctx, session, i, kind, total); err != nil {
			if ctx.Err() != nil {
				// A stop cancelled the in-flight call; the caller owns
				// the stopped transition, this is not an agent failure.
				span.SetAttributes(attribute.String("session.interrupt", ErrStopped.Error()))
				return ErrStopped
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.failSession(ctx, session, kind, err)
			return err
		}
	}

	if err := checkpoint(); err != nil {
		span.SetAttributes(attribute.String("session.interrupt", err.Error()))
		return err
	}
	if err := o.assembleReport(ctx, session, total); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.failSession(ctx, session, "report", err)
		return err
	}

	ok, err := o.store.UpdateSessionStatus(ctx, sessionID, []string{StatusRunning}, StatusCompleted)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if !ok {
		// A session command landed during report assembly. The session is
		// no longer running, so no terminal event may be emitted here.
		cur, gerr := o.store.GetSession(ctx, sessionID)
		if gerr != nil {
			return fmt.Errorf("complete session: %w", gerr)
		}
		switch cur.Status {
		case StatusPaused:
			return ErrPaused
		case StatusStopped:
			return ErrStopped
		default:
			return fmt.Errorf("complete session: unexpected status %q", cur.Status)
		}
	}
	o.emitStatus(ctx, sessionID, StatusCompleted, "")
	if o.metrics != nil {
		o.metrics.SessionDone(StatusCompleted)
	}
	o.logger.Printf("session %s: completed", sessionID)
	return nil
}

func (o *Orchestrator) runStep(ctx context.Context, session *Session, seq int, kind AgentKind, total int) error {
	tracer := otel.Tracer("researchd/orchestrator")
	ctx, span := tracer.Start(ctx, "session.step",
		trace.WithAttributes(
			attribute.String("agent.kind", string(kind)),
			attribute.Int("step.seq", seq),
		))
	defer span.End()

	agent, ok := o.agents[kind]
	if !ok {
		return fmt.Errorf("no agent registered for kind %q", kind)
	}

	prior, err := o.store.ListArtifacts(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("load artifacts: %w", err)
	}

	run := &AgentRun{
		ID:        uuid.New(),
		SessionID: session.ID,
		Seq:       seq,
		Kind:      kind,
		StartedAt: time.Now().UTC(),
	}
	if err := o.store.CreateAgentRun(ctx, run); err != nil {
		return fmt.Errorf("create agent run: %w", err)
	}

	o.logger.Printf("session %s: step %d (%s) starting", session.ID, seq, kind)
	started := time.Now()
	result, execErr := agent.Execute(ctx, AgentTask{Session: session, Prior: prior})
	if o.metrics != nil {
		o.metrics.StepDone(kind, time.Since(started), execErr)
	}
	if execErr != nil {
		run.Error = execErr.Error()
		run.FinishedAt = time.Now().UTC()
		if ferr := o.store.FinishAgentRun(ctx, run); ferr != nil {
			o.logger.Printf("session %s: persist failed run: %v", session.ID, ferr)
		}
		return fmt.Errorf("agent %s (step %d): %w", kind, seq, execErr)
	}

	for i := range result.Artifacts {
		if err := o.store.AddArtifact(ctx, &result.Artifacts[i]); err != nil {
			return fmt.Errorf("persist artifact: %w", err)
		}
		o.sink.Publish(ctx, Event{
			SessionID: session.ID,
			Type:      EventResult,
			Payload: map[string]interface{}{
				"artifact_id": result.Artifacts[i].ID.String(),
				"kind":        result.Artifacts[i].Kind,
				"agent":       string(kind),
			},
			At: time.Now().UTC(),
		})
	}
	for i := range result.Logs {
		if err := o.store.AddLog(ctx, &result.Logs[i]); err != nil {
			o.logger.Printf("session %s: persist log: %v", session.ID, err)
			continue
		}
		o.sink.Publish(ctx, Event{
			SessionID: session.ID,
			Type:      EventLog,
			Payload:   map[string]interface{}{"level": result.Logs[i].Level, "message": result.Logs[i].Message},
			At:        time.Now().UTC(),
		})
	}

	run.Completed = true
	run.Model = result.Model
	run.TokensIn = result.TokensIn
	run.TokensOut = result.TokensOut
	run.Cost = result.Cost
	run.FinishedAt = time.Now().UTC()
	if err := o.store.FinishAgentRun(ctx, run); err != nil {
		return fmt.Errorf("finish agent run: %w", err)
	}
	if o.metrics != nil {
		o.metrics.Tokens(result.Model, result.TokensIn, result.TokensOut, result.Cost)
	}

	progress := float64(seq+1) / float64(total)
	if err := o.store.SetSessionProgress(ctx, session.ID, progress); err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	o.sink.Publish(ctx, Event{
		SessionID: session.ID,
		Type:      EventProgress,
		Payload:   map[string]interface{}{"progress": progress, "step": seq + 1, "total": total},
		At:        time.Now().UTC(),
	})
	span.SetAttributes(attribute.Float64("session.progress", progress))
	return nil
}

func (o *Orchestrator) assembleReport(ctx context.Context, session *Session, total int) error {
	tracer := otel.Tracer("researchd/orchestrator")
	ctx, span := tracer.Start(ctx, "session.report")
	defer span.End()

	artifacts, err := o.store.ListArtifacts(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("load artifacts: %w", err)
	}
	for _, a := range artifacts {
		if a.Kind == ArtifactSummary {
			// An earlier run assembled the report before the session was
			// interrupted; resuming must not produce a second one.
			o.logger.Printf("session %s: report already assembled, skipping", session.ID)
			return nil
		}
	}

	res, err := o.assembler.Assemble(ctx, session, artifacts)
	if err != nil {
		if ctx.Err() != nil {
			return ErrStopped
		}
		return fmt.Errorf("assemble report: %w", err)
	}
	if err := o.store.AddArtifact(ctx, &res.Artifact); err != nil {
		return fmt.Errorf("persist report: %w", err)
	}
	if o.metrics != nil {
		model, _ := res.Artifact.Metadata["model"].(string)
		o.metrics.Tokens(model, res.TokensIn, res.TokensOut, res.Cost)
		o.metrics.QualityScore(res.Quality.Score)
	}
	span.SetAttributes(
		attribute.Int("report.quality_score", res.Quality.Score),
		attribute.String("report.language", res.Language),
	)

	o.sink.Publish(ctx, Event{
		SessionID: session.ID,
		Type:      EventResult,
		Payload: map[string]interface{}{
			"artifact_id":   res.Artifact.ID.String(),
			"kind":          ArtifactSummary,
			"quality_score": res.Quality.Score,
			"language":      res.Language,
		},
		At: time.Now().UTC(),
	})

	if err := o.store.SetSessionProgress(ctx, session.ID, 1.0); err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	o.sink.Publish(ctx, Event{
		SessionID: session.ID,
		Type:      EventProgress,
		Payload:   map[string]interface{}{"progress": 1.0, "step": total, "total": total},
		At:        time.Now().UTC(),
	})
	return nil
}

// failSession records the failing step and flips the session to error.
// Persistence here is best effort, the returned pipeline error already
// carries the cause.
func (o *Orchestrator) failSession(ctx context.Context, session *Session, step AgentKind, err error) {
	// Use a fresh context so a stop-cancelled pipeline can still record
	// its failure.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	msg := fmt.Sprintf("agent %s failed: %v", step, err)
	if serr := o.store.SetSessionError(ctx, session.ID, msg); serr != nil {
		o.logger.Printf("session %s: record error: %v", session.ID, serr)
	}
	if _, serr := o.store.UpdateSessionStatus(ctx, session.ID, []string{StatusRunning, StatusPaused}, StatusError); serr != nil {
		o.logger.Printf("session %s: mark errored: %v", session.ID, serr)
	}
	lg := &LogEntry{SessionID: session.ID, Level: "error", Message: msg}
	if serr := o.store.AddLog(ctx, lg); serr == nil {
		o.sink.Publish(ctx, Event{
			SessionID: session.ID,
			Type:      EventLog,
			Payload:   map[string]interface{}{"level": "error", "message": msg},
			At:        time.Now().UTC(),
		})
	}
	o.emitStatus(ctx, session.ID, StatusError, msg)
	if o.metrics != nil {
		o.metrics.SessionDone(StatusError)
	}
	o.logger.Printf("session %s: %s", session.ID, msg)
}

func (o *Orchestrator) emitStatus(ctx context.Context, sessionID uuid.UUID, status, errMsg string) {
	payload := map[string]interface{}{"status": status}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	o.sink.Publish(ctx, Event{SessionID: sessionID, Type: EventStatus, Payload: payload, At: time.Now().UTC()})
}
