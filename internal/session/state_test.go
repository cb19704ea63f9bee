package session

import (
	"testing"

	"github.com/docuflow/researchd/internal/agent/core"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to string }{
		{core.StatusCreated, core.StatusRunning},
		{core.StatusRunning, core.StatusPaused},
		{core.StatusRunning, core.StatusCompleted},
		{core.StatusRunning, core.StatusError},
		{core.StatusRunning, core.StatusStopped},
		{core.StatusPaused, core.StatusRunning},
		{core.StatusPaused, core.StatusStopped},
	}
	for _, c := range allowed {
		if !CanTransition(c.from, c.to) {
			t.Fatalf("%s -> %s should be legal", c.from, c.to)
		}
	}

	denied := []struct{ from, to string }{
		{core.StatusCreated, core.StatusPaused},
		{core.StatusCreated, core.StatusCompleted},
		{core.StatusPaused, core.StatusCompleted},
		{core.StatusPaused, core.StatusError},
		{core.StatusCompleted, core.StatusRunning},
		{core.StatusError, core.StatusRunning},
		{core.StatusStopped, core.StatusRunning},
		{core.StatusStopped, core.StatusStopped},
	}
	for _, c := range denied {
		if CanTransition(c.from, c.to) {
			t.Fatalf("%s -> %s must be illegal", c.from, c.to)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []string{core.StatusCompleted, core.StatusError, core.StatusStopped} {
		if !Terminal(s) {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []string{core.StatusCreated, core.StatusRunning, core.StatusPaused} {
		if Terminal(s) {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}
