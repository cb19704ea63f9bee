package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docuflow/researchd/internal/agent/core"
)

// streamPrefix namespaces per-session event streams in Redis.
const streamPrefix = "researchd:sessions:"

// StreamBridge decorates an EventSink, mirroring every event onto a
// capped per-session Redis Stream so out-of-process consumers can tail a
// session without holding an SSE connection. Mirror failures are logged
// and never fail the pipeline.
type StreamBridge struct {
	inner  core.EventSink
	rdb    *redis.Client
	maxLen int64
	logger *log.Logger
}

// NewStreamBridge wraps inner with a Redis Streams mirror. maxLen caps
// each stream approximately (XAdd MAXLEN ~).
func NewStreamBridge(inner core.EventSink, rdb *redis.Client, maxLen int64, logger *log.Logger) *StreamBridge {
	if inner == nil {
		inner = core.NopSink{}
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EVENTS] ", log.LstdFlags)
	}
	return &StreamBridge{inner: inner, rdb: rdb, maxLen: maxLen, logger: logger}
}

// StreamKey returns the Redis stream key for a session id string.
func StreamKey(sessionID string) string { return streamPrefix + sessionID }

// Publish forwards to the inner sink first (live subscribers see the
// event in order), then mirrors to Redis.
func (b *StreamBridge) Publish(ctx context.Context, ev core.Event) {
	b.inner.Publish(ctx, ev)
	if b.rdb == nil {
		return
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		b.logger.Printf("session %s: marshal %s event: %v", ev.SessionID, ev.Type, err)
		return
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	mirrorCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	err = b.rdb.XAdd(mirrorCtx, &redis.XAddArgs{
		Stream: StreamKey(ev.SessionID.String()),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    ev.Type,
			"payload": string(payload),
			"at":      at.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		b.logger.Printf("session %s: mirror %s event: %v", ev.SessionID, ev.Type, err)
	}
}
