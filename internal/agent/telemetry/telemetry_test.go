package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/docuflow/researchd/config"
	"github.com/docuflow/researchd/internal/agent/core"
)

func TestTelemetryCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel := New(config.TelemetryConfig{Enabled: true, CostTracking: true}, reg)

	tel.SessionStarted()
	tel.SessionDone(core.StatusCompleted)
	tel.StepDone(core.KindAnalysis, 2*time.Second, nil)
	tel.StepDone(core.KindAnalysis, time.Second, errors.New("boom"))
	tel.Tokens("gpt-4o", 100, 50, 0.02)

	if got := testutil.ToFloat64(tel.sessionsStarted); got != 1 {
		t.Fatalf("sessions started = %v", got)
	}
	if got := testutil.ToFloat64(tel.sessionsFinished.WithLabelValues(core.StatusCompleted)); got != 1 {
		t.Fatalf("sessions finished = %v", got)
	}
	if got := testutil.ToFloat64(tel.stepFailures.WithLabelValues(string(core.KindAnalysis))); got != 1 {
		t.Fatalf("step failures = %v", got)
	}
	if got := testutil.ToFloat64(tel.llmTokens.WithLabelValues("gpt-4o", "in")); got != 100 {
		t.Fatalf("tokens in = %v", got)
	}
	if got := testutil.ToFloat64(tel.llmCost.WithLabelValues("gpt-4o")); got != 0.02 {
		t.Fatalf("cost = %v", got)
	}
}

func TestTelemetryDisabledIsNoop(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel := New(config.TelemetryConfig{Enabled: false}, reg)

	tel.SessionStarted()
	tel.Tokens("m", 1, 1, 1)
	tel.GatewayObserver()(2, errors.New("retry"))

	if got := testutil.ToFloat64(tel.sessionsStarted); got != 0 {
		t.Fatalf("disabled telemetry must not count, got %v", got)
	}
	if got := testutil.ToFloat64(tel.llmRetries); got != 0 {
		t.Fatalf("disabled telemetry must not count retries, got %v", got)
	}
}

func TestCostTrackingGate(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel := New(config.TelemetryConfig{Enabled: true, CostTracking: false}, reg)

	tel.Tokens("m", 10, 5, 0.5)
	if got := testutil.ToFloat64(tel.llmCost.WithLabelValues("m")); got != 0 {
		t.Fatalf("cost tracking disabled but cost recorded: %v", got)
	}
	if got := testutil.ToFloat64(tel.llmTokens.WithLabelValues("m", "out")); got != 5 {
		t.Fatalf("token counting must stay on: %v", got)
	}
}
