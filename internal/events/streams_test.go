package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/docuflow/researchd/internal/agent/core"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestStreamBridgeMirrorsEvents(t *testing.T) {
	rdb := testRedis(t)
	hub := NewHub(16, nil)
	bridge := NewStreamBridge(hub, rdb, 100, nil)

	id := uuid.New()
	ch, cancel := hub.Subscribe(id)
	defer cancel()

	bridge.Publish(context.Background(), core.Event{
		SessionID: id,
		Type:      core.EventProgress,
		Payload:   map[string]interface{}{"progress": 0.5},
		At:        time.Now().UTC(),
	})

	// Live subscriber still receives it.
	select {
	case ev := <-ch:
		if ev.Type != core.EventProgress {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("inner sink did not receive event")
	}

	// Mirror landed on the stream.
	entries, err := rdb.XRange(context.Background(), StreamKey(id.String()), "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stream entries = %d, want 1", len(entries))
	}
	if entries[0].Values["type"] != core.EventProgress {
		t.Fatalf("stream entry %+v", entries[0].Values)
	}
	if entries[0].Values["payload"] != `{"progress":0.5}` {
		t.Fatalf("payload %v", entries[0].Values["payload"])
	}
}

func TestStreamBridgePerSessionStreams(t *testing.T) {
	rdb := testRedis(t)
	bridge := NewStreamBridge(nil, rdb, 100, nil)

	a, b := uuid.New(), uuid.New()
	bridge.Publish(context.Background(), core.Event{SessionID: a, Type: core.EventLog})
	bridge.Publish(context.Background(), core.Event{SessionID: a, Type: core.EventLog})
	bridge.Publish(context.Background(), core.Event{SessionID: b, Type: core.EventLog})

	lenA, _ := rdb.XLen(context.Background(), StreamKey(a.String())).Result()
	lenB, _ := rdb.XLen(context.Background(), StreamKey(b.String())).Result()
	if lenA != 2 || lenB != 1 {
		t.Fatalf("stream lengths a=%d b=%d", lenA, lenB)
	}
}

func TestStreamBridgeRedisDownDoesNotFail(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	hub := NewHub(16, nil)
	bridge := NewStreamBridge(hub, rdb, 100, nil)

	id := uuid.New()
	ch, cancel := hub.Subscribe(id)
	defer cancel()

	// Must not panic or block; inner delivery still happens.
	bridge.Publish(context.Background(), core.Event{SessionID: id, Type: core.EventLog})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("inner sink delivery lost when redis is down")
	}
}
