package telemetry

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/docuflow/researchd/config"
	"github.com/docuflow/researchd/internal/agent/core"
)

// Telemetry exposes Prometheus metrics for the research engine and
// implements core.Metrics. When disabled in config, all observations are
// no-ops but the instance stays safe to use.
type Telemetry struct {
	cfg    config.TelemetryConfig
	logger *log.Logger

	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	stepFailures     *prometheus.CounterVec
	llmAttempts      prometheus.Counter
	llmRetries       prometheus.Counter
	llmTokens        *prometheus.CounterVec
	llmCost          *prometheus.CounterVec
	qualityScore     prometheus.Histogram
}

// New builds a Telemetry instance and registers its collectors on reg. A
// nil reg uses the default registerer.
func New(cfg config.TelemetryConfig, reg prometheus.Registerer) *Telemetry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	t := &Telemetry{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "researchd_sessions_started_total",
			Help: "Research sessions started.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "researchd_sessions_finished_total",
			Help: "Research sessions finished, by terminal status.",
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "researchd_agent_step_duration_seconds",
			Help:    "Duration of agent pipeline steps.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"kind"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "researchd_agent_step_failures_total",
			Help: "Failed agent pipeline steps.",
		}, []string{"kind"}),
		llmAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "researchd_llm_attempts_total",
			Help: "LLM gateway call attempts, including retries.",
		}),
		llmRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "researchd_llm_retries_total",
			Help: "LLM gateway retry attempts.",
		}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "researchd_llm_tokens_total",
			Help: "LLM tokens used, by model and direction.",
		}, []string{"model", "direction"}),
		llmCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "researchd_llm_cost_dollars_total",
			Help: "Estimated LLM spend in dollars, by model.",
		}, []string{"model"}),
		qualityScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "researchd_report_quality_score",
			Help:    "Advisory quality score of assembled reports.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
	}
	if cfg.Enabled {
		reg.MustRegister(
			t.sessionsStarted, t.sessionsFinished, t.stepDuration, t.stepFailures,
			t.llmAttempts, t.llmRetries, t.llmTokens, t.llmCost, t.qualityScore,
		)
	}
	return t
}

// SessionStarted counts a pipeline launch.
func (t *Telemetry) SessionStarted() {
	if !t.cfg.Enabled {
		return
	}
	t.sessionsStarted.Inc()
}

// SessionDone implements core.Metrics.
func (t *Telemetry) SessionDone(status string) {
	if !t.cfg.Enabled {
		return
	}
	t.sessionsFinished.WithLabelValues(status).Inc()
}

// StepDone implements core.Metrics.
func (t *Telemetry) StepDone(kind core.AgentKind, d time.Duration, err error) {
	if !t.cfg.Enabled {
		return
	}
	t.stepDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
	if err != nil {
		t.stepFailures.WithLabelValues(string(kind)).Inc()
	}
}

// Tokens implements core.Metrics. Cost tracking can be switched off
// independently of the rest of telemetry.
func (t *Telemetry) Tokens(model string, in, out int, cost float64) {
	if !t.cfg.Enabled {
		return
	}
	if model == "" {
		model = "unknown"
	}
	t.llmTokens.WithLabelValues(model, "in").Add(float64(in))
	t.llmTokens.WithLabelValues(model, "out").Add(float64(out))
	if t.cfg.CostTracking {
		t.llmCost.WithLabelValues(model).Add(cost)
	}
}

// QualityScore implements core.Metrics.
func (t *Telemetry) QualityScore(score int) {
	if !t.cfg.Enabled {
		return
	}
	t.qualityScore.Observe(float64(score))
}

// GatewayObserver returns the attempt callback for core.Gateway.
func (t *Telemetry) GatewayObserver() func(attempt int, err error) {
	return func(attempt int, err error) {
		if !t.cfg.Enabled {
			return
		}
		t.llmAttempts.Inc()
		if attempt > 1 {
			t.llmRetries.Inc()
		}
	}
}
