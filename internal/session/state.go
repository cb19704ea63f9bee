package session

import (
	"errors"
	"fmt"

	"github.com/docuflow/researchd/internal/agent/core"
)

// ErrIllegalTransition is returned when a lifecycle command is not legal
// for the session's current status. The HTTP layer maps it to 409.
var ErrIllegalTransition = errors.New("illegal session transition")

// ErrNotFound is returned when the session does not exist.
var ErrNotFound = errors.New("session not found")

// transitions lists the legal status changes. Stop is legal from both
// running and paused so a paused session never becomes unstoppable.
var transitions = map[string][]string{
	core.StatusCreated: {core.StatusRunning},
	core.StatusRunning: {core.StatusPaused, core.StatusCompleted, core.StatusError, core.StatusStopped},
	core.StatusPaused:  {core.StatusRunning, core.StatusStopped},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case core.StatusCompleted, core.StatusError, core.StatusStopped:
		return true
	}
	return false
}

// ValidStatus reports whether s is a known session status.
func ValidStatus(s string) bool {
	switch s {
	case core.StatusCreated, core.StatusRunning, core.StatusPaused,
		core.StatusCompleted, core.StatusError, core.StatusStopped:
		return true
	}
	return false
}

func illegal(from, to string) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
