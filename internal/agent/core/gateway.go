package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// ErrorKind classifies a provider failure for retry purposes.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
)

// Error is a classified provider failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(op string, err error) *Error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is a transient
// provider failure. Unclassified errors count as transient so that plain
// network errors get retried.
func IsTransient(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindTransient
	}
	return true
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindPermanent
	}
	return false
}

// GatewayConfig tunes the retry loop around the provider.
type GatewayConfig struct {
	Attempts    int           // total attempts per call, min 1
	Backoff     time.Duration // initial backoff, doubles per retry
	CallTimeout time.Duration // per-attempt deadline, 0 means none
}

// Gateway wraps an LLMProvider with bounded retries, doubling backoff and
// a per-call timeout. Transient failures are retried; permanent failures
// and context cancellation abort immediately.
type Gateway struct {
	provider LLMProvider
	cfg      GatewayConfig
	logger   *log.Logger
	observer func(attempt int, err error)
}

// NewGateway builds a gateway around provider. A nil logger gets a
// [GATEWAY]-prefixed default.
func NewGateway(provider LLMProvider, cfg GatewayConfig, logger *log.Logger) *Gateway {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags)
	}
	return &Gateway{provider: provider, cfg: cfg, logger: logger}
}

// SetObserver installs a callback invoked after every attempt, used for
// metrics. err is nil on success.
func (g *Gateway) SetObserver(fn func(attempt int, err error)) { g.observer = fn }

// Generate calls the provider, retrying transient failures up to the
// configured attempt budget. The backoff wait is cancellable via ctx.
func (g *Gateway) Generate(ctx context.Context, system, prompt string, opts GenerateOptions) (Completion, error) {
	var lastErr error
	for attempt := 0; attempt < g.cfg.Attempts; attempt++ {
		if attempt > 0 {
			wait := g.cfg.Backoff * (1 << (attempt - 1))
			g.logger.Printf("retrying in %v (attempt %d/%d): %v", wait, attempt+1, g.cfg.Attempts, lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return Completion{}, ctx.Err()
			}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if g.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		}
		comp, err := g.provider.Generate(callCtx, system, prompt, opts)
		if cancel != nil {
			cancel()
		}
		if g.observer != nil {
			g.observer(attempt+1, err)
		}
		if err == nil {
			return comp, nil
		}
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		if IsPermanent(err) {
			return Completion{}, err
		}
		lastErr = err
	}
	return Completion{}, fmt.Errorf("llm call failed after %d attempts: %w", g.cfg.Attempts, lastErr)
}

// Health probes the underlying provider.
func (g *Gateway) Health(ctx context.Context) error {
	return g.provider.Health(ctx)
}
