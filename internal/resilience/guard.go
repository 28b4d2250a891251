// Package resilience bounds calls to external services.
//
// A [Guard] wraps one collaborator (a provider, the search API, the webhook)
// and applies two rules to every call: the caller waits at most Timeout, even
// when the callee ignores its context, and after MaxFailures consecutive
// failures the guard fails fast with [ErrCircuitOpen] until ResetTimeout has
// passed. Calls are never retried.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned without calling the collaborator while the
	// guard is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTimeout is returned when a call does not finish within the guard's
	// timeout.
	ErrTimeout = errors.New("call timed out")
)

// State is the breaker state of a Guard.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// GuardConfig tunes a Guard. Zero values pick the defaults.
type GuardConfig struct {
	// Name labels log lines and wrapped errors.
	Name string

	// Timeout bounds every call. Default: 10s.
	Timeout time.Duration

	// MaxFailures opens the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close
	// again. Default: 3.
	HalfOpenMax int
}

// Guard is safe for concurrent use. A nil *Guard runs calls unguarded.
type Guard struct {
	name         string
	timeout      time.Duration
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	probeOKs int
	now      func() time.Time
}

// NewGuard creates a Guard.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &Guard{
		name:         cfg.Name,
		timeout:      cfg.Timeout,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		now:          time.Now,
	}
}

// Name returns the configured label.
func (g *Guard) Name() string {
	if g == nil {
		return ""
	}
	return g.name
}

// Timeout returns the per-call bound.
func (g *Guard) Timeout() time.Duration {
	if g == nil {
		return 0
	}
	return g.timeout
}

// State returns the current breaker state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateOpen && g.now().Sub(g.openedAt) >= g.resetTimeout {
		return StateHalfOpen
	}
	return g.state
}

// Do runs fn under the guard.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call runs fn under g and returns its value. fn receives a context that
// expires after the guard's timeout. When fn does not return in time Call
// gives up with ErrTimeout and leaves fn to finish in the background.
//
// Cancellation of the caller's ctx is returned as ctx.Err() and does not
// count as a failure.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if g == nil {
		return fn(ctx)
	}
	probe, err := g.admit()
	if err != nil {
		return zero, fmt.Errorf("%s: %w", g.name, err)
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(r.err, context.DeadlineExceeded) {
			r.err = fmt.Errorf("%s: %w", g.name, ErrTimeout)
		}
		g.settle(ctx, probe, r.err)
		return r.v, r.err
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			g.settle(ctx, probe, err)
			return zero, err
		}
		err := fmt.Errorf("%s: %w after %s", g.name, ErrTimeout, g.timeout)
		g.settle(ctx, probe, err)
		return zero, err
	}
}

// admit decides whether a call may proceed and whether it is a half-open
// probe.
func (g *Guard) admit() (probe bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case StateOpen:
		if g.now().Sub(g.openedAt) < g.resetTimeout {
			return false, ErrCircuitOpen
		}
		g.state = StateHalfOpen
		g.probes, g.probeOKs = 0, 0
		slog.Info("guard half-open", "name", g.name)
	case StateHalfOpen:
		if g.probes >= g.halfOpenMax {
			return false, ErrCircuitOpen
		}
	}
	if g.state == StateHalfOpen {
		g.probes++
		return true, nil
	}
	return false, nil
}

func (g *Guard) settle(ctx context.Context, probe bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// The caller went away; say nothing about the collaborator's health.
	if ctx.Err() != nil {
		if probe {
			g.probes--
		}
		return
	}

	if err != nil {
		g.failures++
		if probe || g.failures >= g.maxFailures {
			if g.state != StateOpen {
				slog.Warn("guard opened", "name", g.name, "consecutive_failures", g.failures, "err", err)
			}
			g.state = StateOpen
			g.openedAt = g.now()
		}
		return
	}

	g.failures = 0
	if probe {
		g.probeOKs++
		if g.probeOKs >= g.halfOpenMax {
			g.state = StateClosed
			g.probes, g.probeOKs = 0, 0
			slog.Info("guard closed", "name", g.name)
		}
	}
}
