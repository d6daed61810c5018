package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [Group] failed or was
// skipped by its breaker. The error of the last entry tried is wrapped as
// well, so errors.Is still matches its sentinel.
var ErrAllFailed = errors.New("resilience: all entries failed")

type entry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group is an ordered list of interchangeable values, each behind its own
// [Breaker]. Entries are tried in the order they were added.
//
// Add must not be called concurrently with Do or DoValue.
type Group[T any] struct {
	cfg     BreakerConfig
	log     *slog.Logger
	entries []entry[T]
}

// NewGroup returns an empty group. cfg is the template for every entry's
// breaker; its Name is replaced by the entry name.
func NewGroup[T any](cfg BreakerConfig) *Group[T] {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Group[T]{cfg: cfg, log: log}
}

// Add appends an entry.
func (g *Group[T]) Add(name string, v T) {
	cfg := g.cfg
	cfg.Name = name
	g.entries = append(g.entries, entry[T]{name: name, value: v, breaker: NewBreaker(cfg)})
}

// Len returns the number of entries.
func (g *Group[T]) Len() int { return len(g.entries) }

// Breaker returns the breaker guarding the entry called name, or nil.
func (g *Group[T]) Breaker(name string) *Breaker {
	for i := range g.entries {
		if g.entries[i].name == name {
			return g.entries[i].breaker
		}
	}
	return nil
}

// Do calls fn with each entry until one succeeds.
func (g *Group[T]) Do(fn func(name string, v T) error) error {
	_, err := DoValue(g, func(name string, v T) (struct{}, error) {
		return struct{}{}, fn(name, v)
	})
	return err
}

// DoValue is [Group.Do] for functions that return a value.
func DoValue[T, R any](g *Group[T], fn func(name string, v T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	if len(g.entries) == 0 {
		return zero, fmt.Errorf("%w: group is empty", ErrAllFailed)
	}
	for i := range g.entries {
		e := &g.entries[i]
		var out R
		err := e.breaker.Execute(func() error {
			var err error
			out, err = fn(e.name, e.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			g.log.Debug("skipping entry, circuit open", "entry", e.name)
			continue
		}
		g.log.Warn("entry failed, trying next", "entry", e.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
