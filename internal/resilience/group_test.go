package resilience

import (
	"errors"
	"testing"
	"time"
)

var errSentinel = errors.New("sentinel")

func newTestGroup(names ...string) *Group[string] {
	g := NewGroup[string](BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour, Logger: quiet})
	for _, n := range names {
		g.Add(n, n)
	}
	return g
}

func TestGroup_FirstEntryWins(t *testing.T) {
	t.Parallel()
	g := newTestGroup("primary", "secondary")

	var tried []string
	err := g.Do(func(name, _ string) error {
		tried = append(tried, name)
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(tried) != 1 || tried[0] != "primary" {
		t.Fatalf("tried = %v, want [primary]", tried)
	}
}

func TestGroup_FailsOverInOrder(t *testing.T) {
	t.Parallel()
	g := newTestGroup("a", "b", "c")

	got, err := DoValue(g, func(name, v string) (string, error) {
		if name != "c" {
			return "", errTest
		}
		return "from-" + v, nil
	})
	if err != nil {
		t.Fatalf("DoValue: %v", err)
	}
	if got != "from-c" {
		t.Fatalf("got %q, want from-c", got)
	}
}

func TestGroup_AllFailKeepsLastError(t *testing.T) {
	t.Parallel()
	g := newTestGroup("a", "b")

	err := g.Do(func(name, _ string) error {
		if name == "b" {
			return errSentinel
		}
		return errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errSentinel) {
		t.Fatalf("err = %v, want it to wrap the last entry's error", err)
	}
}

func TestGroup_SkipsOpenEntry(t *testing.T) {
	t.Parallel()
	g := newTestGroup("primary", "secondary")

	for range 2 {
		_ = g.Do(func(name, _ string) error {
			if name == "primary" {
				return errTest
			}
			return nil
		})
	}
	if s := g.Breaker("primary").State(); s != StateOpen {
		t.Fatalf("primary breaker = %v, want open", s)
	}

	var tried []string
	_ = g.Do(func(name, _ string) error {
		tried = append(tried, name)
		return nil
	})
	if len(tried) != 1 || tried[0] != "secondary" {
		t.Fatalf("tried = %v, want [secondary]", tried)
	}
}

func TestGroup_Empty(t *testing.T) {
	t.Parallel()
	g := newTestGroup()
	if err := g.Do(func(string, string) error { return nil }); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if g.Breaker("missing") != nil {
		t.Fatal("Breaker(missing) != nil")
	}
}
