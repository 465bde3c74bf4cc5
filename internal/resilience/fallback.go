package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/hoa/internal/observe"
)

// ErrAllFailed is returned when every entry of a [FallbackGroup] failed or
// had its breaker open.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig is shared by every entry of a group.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Kind ("llm", "stt", "tts") labels metrics and logs.
	Kind string

	// Metrics, when set, receives one provider request per attempt and one
	// provider error per failed attempt.
	Metrics *observe.Metrics
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and its fallbacks, tried in registration
// order. Entries are added before the group is shared; after that it is safe
// for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry with its own breaker.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cb := fg.cfg.CircuitBreaker
	cb.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cb),
	})
}

// Names returns the entry names in try order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Primary returns the first entry's value.
func (fg *FallbackGroup[T]) Primary() T { return fg.entries[0].value }

// Execute runs fn against each entry until one returns nil.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against each entry until one succeeds and returns
// its result. Entries with an open breaker are skipped. A cancelled ctx stops
// the walk, since every further attempt would fail the same way.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		switch {
		case err == nil:
			fg.record(ctx, entry.name, "ok")
			return result, nil
		case errors.Is(err, ErrCircuitOpen):
			fg.record(ctx, entry.name, "skipped")
			slog.Debug("skipping provider, circuit open", "kind", fg.cfg.Kind, "provider", entry.name)
		default:
			fg.record(ctx, entry.name, "error")
			slog.Warn("provider failed, trying next", "kind", fg.cfg.Kind, "provider", entry.name, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func (fg *FallbackGroup[T]) record(ctx context.Context, name, status string) {
	m := fg.cfg.Metrics
	if m == nil {
		return
	}
	m.RecordProviderRequest(ctx, name, fg.cfg.Kind, status)
	if status == "error" {
		m.RecordProviderError(ctx, name, fg.cfg.Kind)
	}
}
