package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/docuflow/researchd/config"
	"github.com/docuflow/researchd/internal/store"
)

const janitorLockKey = "researchd:janitor:lock"

// Janitor prunes terminal sessions older than the configured retention
// age on a cron schedule. A Redis SetNX lock keeps multiple instances
// from pruning at the same time.
type Janitor struct {
	Store  *store.Store
	Rdb    *redis.Client
	Cfg    config.RetentionConfig
	Logger *log.Logger

	stop chan struct{}
}

// Start launches the janitor loop. No-op when retention is disabled.
func (j *Janitor) Start() {
	if !j.Cfg.Enabled {
		return
	}
	if j.Logger == nil {
		j.Logger = log.New(log.Writer(), "[JANITOR] ", log.LstdFlags)
	}
	expr, err := cronexpr.Parse(j.Cfg.Cron)
	if err != nil {
		j.Logger.Printf("invalid retention cron %q, janitor disabled: %v", j.Cfg.Cron, err)
		return
	}
	j.stop = make(chan struct{})

	go func() {
		for {
			next := expr.Next(time.Now())
			if next.IsZero() {
				return
			}
			select {
			case <-j.stop:
				return
			case <-time.After(time.Until(next)):
				j.tick()
			}
		}
	}()
}

// Stop halts the janitor loop.
func (j *Janitor) Stop() {
	if j.stop != nil {
		close(j.stop)
	}
}

func (j *Janitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if j.Rdb != nil {
		ok, err := j.Rdb.SetNX(ctx, janitorLockKey, "1", 2*time.Minute).Result()
		if err != nil {
			j.Logger.Printf("lock: %v", err)
			return
		}
		if !ok {
			return
		}
		defer j.Rdb.Del(ctx, janitorLockKey)
	}

	cutoff := time.Now().Add(-j.Cfg.MaxAge)
	n, err := j.Store.DeleteExpiredSessions(ctx, cutoff)
	if err != nil {
		j.Logger.Printf("prune: %v", err)
		return
	}
	if n > 0 {
		j.Logger.Printf("pruned %d terminal session(s) older than %s", n, j.Cfg.MaxAge)
	}
}
