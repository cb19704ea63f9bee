package events

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/docuflow/researchd/internal/agent/core"
	"github.com/docuflow/researchd/internal/session"
)

// subscriber is one live listener on a session feed.
type subscriber struct {
	ch     chan core.Event
	closed bool
}

// Hub fans session events out to live subscribers. Delivery per
// subscriber is ordered; a slow subscriber drops events rather than
// blocking the pipeline (at-most-once live semantics, durable state lives
// in the store). Subscriptions are closed after a terminal status event.
type Hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID][]*subscriber
	buffer int
	logger *log.Logger
}

// NewHub builds a hub. buffer is the per-subscriber channel depth.
func NewHub(buffer int, logger *log.Logger) *Hub {
	if buffer < 1 {
		buffer = 64
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EVENTS] ", log.LstdFlags)
	}
	return &Hub{subs: map[uuid.UUID][]*subscriber{}, buffer: buffer, logger: logger}
}

// Subscribe returns an ordered event channel for the session and a cancel
// function. The channel is closed by the hub after a terminal status
// event, or by cancel.
func (h *Hub) Subscribe(sessionID uuid.UUID) (<-chan core.Event, func()) {
	sub := &subscriber{ch: make(chan core.Event, h.buffer)}

	h.mu.Lock()
	h.subs[sessionID] = append(h.subs[sessionID], sub)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.remove(sessionID, sub)
	}
	return sub.ch, cancel
}

// Publish delivers ev to every live subscriber of its session. Terminal
// status events close the session's subscriptions after delivery.
func (h *Hub) Publish(ctx context.Context, ev core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[ev.SessionID]
	for _, sub := range subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer: drop rather than stall the pipeline.
			h.logger.Printf("session %s: subscriber buffer full, dropping %s event", ev.SessionID, ev.Type)
		}
	}

	if isTerminalStatus(ev) {
		for _, sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		delete(h.subs, ev.SessionID)
	}
}

// remove must be called with h.mu held.
func (h *Hub) remove(sessionID uuid.UUID, target *subscriber) {
	subs := h.subs[sessionID]
	for i, sub := range subs {
		if sub == target {
			h.subs[sessionID] = append(subs[:i], subs[i+1:]...)
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			break
		}
	}
	if len(h.subs[sessionID]) == 0 {
		delete(h.subs, sessionID)
	}
}

func isTerminalStatus(ev core.Event) bool {
	if ev.Type != core.EventStatus {
		return false
	}
	status, _ := ev.Payload["status"].(string)
	return session.Terminal(status)
}
