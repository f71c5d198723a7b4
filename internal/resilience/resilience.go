// Package resilience wraps outbound calls to slow or unreliable
// backends with a token-bucket rate limiter and a three-state circuit
// breaker. Callers receive a single outcome rather than raw transport
// errors, so the flow engine never retries indefinitely on its own.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Outcome classifies the result of a guarded call.
type Outcome string

const (
	// OutcomeSuccess means the call completed and its value is usable.
	OutcomeSuccess Outcome = "success"
	// OutcomeFallback means the call failed but a configured fallback
	// value was substituted.
	OutcomeFallback Outcome = "fallback"
	// OutcomeRejected means the call was refused (rate limit, open
	// breaker, or an unrecoverable error with no fallback).
	OutcomeRejected Outcome = "rejected"
)

// ErrRateLimited is returned when no token becomes available within
// the caller's context deadline.
var ErrRateLimited = errors.New("rate limit exceeded")

const (
	defaultTripFailures = 5
	defaultOpenFor      = 30 * time.Second
)

// Opts holds guard configuration.
type Opts struct {
	// RPS and Burst configure the token bucket. RPS <= 0 disables
	// rate limiting.
	RPS   float64
	Burst int
	// TripFailures is the consecutive-failure count that opens the
	// breaker.
	TripFailures uint32
	// OpenFor is how long the breaker stays open before probing.
	OpenFor time.Duration
	// Fallback, when set, supplies a substitute value for failed or
	// rejected calls.
	Fallback func() any
}

// Option configures a Guard.
type Option func(*Opts)

// WithRateLimit caps calls at rps with the given burst size.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *Opts) {
		o.RPS = rps
		o.Burst = burst
	}
}

// WithBreaker tunes when the breaker opens and for how long.
func WithBreaker(tripFailures uint32, openFor time.Duration) Option {
	return func(o *Opts) {
		o.TripFailures = tripFailures
		o.OpenFor = openFor
	}
}

// WithFallback installs a substitute value for failed or rejected
// calls. Calls that use the fallback report OutcomeFallback, never
// OutcomeRejected.
func WithFallback(fn func() any) Option {
	return func(o *Opts) { o.Fallback = fn }
}

// Guard serializes access to one external target. The limiter queues
// callers until a token is free or their context expires; the breaker
// tracks consecutive failures and short-circuits while open.
type Guard struct {
	name     string
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	fallback func() any
}

// NewGuard creates a guard for the named target.
func NewGuard(name string, options ...Option) *Guard {
	opts := Opts{
		TripFailures: defaultTripFailures,
		OpenFor:      defaultOpenFor,
	}
	for _, opt := range options {
		opt(&opts)
	}

	g := &Guard{name: name, fallback: opts.Fallback}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: opts.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.TripFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Guard breaker state changed", "target", name, "from", from.String(), "to", to.String())
		},
	})
	return g
}

// Name returns the guarded target's name.
func (g *Guard) Name() string { return g.name }

// Do runs call under the limiter and breaker. The returned outcome
// tells the caller how to treat the value: use it (success), use the
// substitute (fallback), or take the error transition (rejected).
func (g *Guard) Do(ctx context.Context, call func(ctx context.Context) (any, error)) (any, Outcome, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			slog.Debug("Guard rejected call at rate limit", "target", g.name, "error", err)
			return g.reject(fmt.Errorf("%w: %s", ErrRateLimited, g.name))
		}
	}

	value, err := g.breaker.Execute(func() (any, error) {
		return call(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			slog.Debug("Guard short-circuited call", "target", g.name, "error", err)
		} else {
			slog.Error("Guard call failed", "target", g.name, "error", err)
		}
		return g.reject(fmt.Errorf("call to %s failed: %w", g.name, err))
	}
	return value, OutcomeSuccess, nil
}

func (g *Guard) reject(err error) (any, Outcome, error) {
	if g.fallback != nil {
		return g.fallback(), OutcomeFallback, nil
	}
	return nil, OutcomeRejected, err
}
