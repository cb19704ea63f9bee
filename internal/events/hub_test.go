package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docuflow/researchd/internal/agent/core"
)

func statusEvent(id uuid.UUID, status string) core.Event {
	return core.Event{
		SessionID: id,
		Type:      core.EventStatus,
		Payload:   map[string]interface{}{"status": status},
		At:        time.Now().UTC(),
	}
}

func TestHubOrderedDelivery(t *testing.T) {
	h := NewHub(16, nil)
	id := uuid.New()
	ch, cancel := h.Subscribe(id)
	defer cancel()

	for i := 0; i < 5; i++ {
		h.Publish(context.Background(), core.Event{
			SessionID: id,
			Type:      core.EventProgress,
			Payload:   map[string]interface{}{"step": i},
		})
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-ch:
			if ev.Payload["step"] != i {
				t.Fatalf("out of order: got step %v at position %d", ev.Payload["step"], i)
			}
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
}

func TestHubSessionIsolation(t *testing.T) {
	h := NewHub(16, nil)
	a, b := uuid.New(), uuid.New()
	chA, cancelA := h.Subscribe(a)
	defer cancelA()
	_, cancelB := h.Subscribe(b)
	defer cancelB()

	h.Publish(context.Background(), core.Event{SessionID: b, Type: core.EventLog})

	select {
	case ev := <-chA:
		t.Fatalf("session A received session B's event: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHubClosesOnTerminalStatus(t *testing.T) {
	h := NewHub(16, nil)
	id := uuid.New()
	ch, cancel := h.Subscribe(id)
	defer cancel()

	h.Publish(context.Background(), statusEvent(id, core.StatusCompleted))

	ev, ok := <-ch
	if !ok {
		t.Fatal("terminal status event must be delivered before close")
	}
	if ev.Payload["status"] != core.StatusCompleted {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed after terminal status")
	}
}

func TestHubNonTerminalStatusKeepsChannelOpen(t *testing.T) {
	h := NewHub(16, nil)
	id := uuid.New()
	ch, cancel := h.Subscribe(id)
	defer cancel()

	h.Publish(context.Background(), statusEvent(id, core.StatusPaused))
	h.Publish(context.Background(), statusEvent(id, core.StatusRunning))

	for i := 0; i < 2; i++ {
		if _, ok := <-ch; !ok {
			t.Fatal("channel closed on non-terminal status")
		}
	}
}

func TestHubSlowSubscriberDropsNotBlocks(t *testing.T) {
	h := NewHub(2, nil)
	id := uuid.New()
	_, cancel := h.Subscribe(id)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			h.Publish(context.Background(), core.Event{SessionID: id, Type: core.EventLog,
				Payload: map[string]interface{}{"i": fmt.Sprint(i)}})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHubCancelUnsubscribes(t *testing.T) {
	h := NewHub(16, nil)
	id := uuid.New()
	ch, cancel := h.Subscribe(id)
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("cancel must close the channel")
	}
	// Publishing after cancel must not panic.
	h.Publish(context.Background(), statusEvent(id, core.StatusCompleted))
}
