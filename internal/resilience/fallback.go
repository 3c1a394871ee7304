package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [Group] fails or has an open
// circuit breaker.
var ErrAllFailed = errors.New("all endpoints failed")

// entry pairs an endpoint value with its dedicated circuit breaker.
type entry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Group holds a primary and zero or more fallback instances of the same
// collaborator client, each behind its own circuit breaker. Calls go to the
// first entry whose breaker admits them; a failing entry hands over to the
// next one in registration order.
//
// A Group with a single entry is simply a breaker-guarded client.
type Group[T any] struct {
	entries []entry[T]
	cfg     CircuitBreakerConfig
}

// NewGroup creates a [Group] with primary as the first entry. cfg is the
// template for every entry's breaker; its Name is replaced by the entry name.
func NewGroup[T any](name string, primary T, cfg CircuitBreakerConfig) *Group[T] {
	g := &Group[T]{cfg: cfg}
	g.Add(name, primary)
	return g
}

// Add appends a fallback. Fallbacks are tried in the order they are added,
// after the primary. Add must not be called concurrently with calls.
func (g *Group[T]) Add(name string, value T) {
	cfg := g.cfg
	cfg.Name = name
	g.entries = append(g.entries, entry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cfg),
	})
}

// Len returns the number of entries.
func (g *Group[T]) Len() int { return len(g.entries) }

// Breakers returns the breakers of all entries in order.
func (g *Group[T]) Breakers() []*CircuitBreaker {
	out := make([]*CircuitBreaker, len(g.entries))
	for i := range g.entries {
		out[i] = g.entries[i].breaker
	}
	return out
}

// Do calls fn against each entry in order until one succeeds. Entries with an
// open breaker are skipped. Failover stops as soon as ctx is done. When every
// entry fails the returned error wraps both [ErrAllFailed] and the last
// entry's error. This is a package-level function because Go does not
// support method-level type parameters.
func Do[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range g.entries {
		e := &g.entries[i]
		var result R
		err := e.breaker.Execute(ctx, func(ctx context.Context) error {
			var innerErr error
			result, innerErr = fn(ctx, e.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping endpoint (circuit open)", "endpoint", e.name)
		} else if i < len(g.entries)-1 {
			slog.Warn("endpoint failed, trying next", "endpoint", e.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
