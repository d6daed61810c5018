package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/micgraph/pkg/audio/capture"
)

var (
	_ capture.Driver = (*Driver)(nil)
	_ capture.Prober = (*Driver)(nil)
)

// Driver is a [capture.Driver] that opens its stream on the first of several
// drivers that succeeds. A driver that keeps failing is skipped until its
// breaker lets a trial through again.
type Driver struct {
	group *Group[capture.Driver]
	name  string

	mu     sync.Mutex
	active string
}

// NewDriver returns a failover driver trying primary first, then each
// fallback in order. cfg tunes the per-driver breakers.
func NewDriver(cfg BreakerConfig, primary capture.Driver, fallbacks ...capture.Driver) *Driver {
	g := NewGroup[capture.Driver](cfg)
	names := make([]string, 0, 1+len(fallbacks))
	for _, d := range append([]capture.Driver{primary}, fallbacks...) {
		g.Add(d.Name(), d)
		names = append(names, d.Name())
	}
	return &Driver{group: g, name: strings.Join(names, "+")}
}

// Name returns the member names joined with "+", e.g. "portaudio+malgo".
func (d *Driver) Name() string { return d.name }

// Active returns the name of the driver that opened the most recent stream,
// or "" before the first successful open.
func (d *Driver) Active() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Breaker returns the breaker guarding the member called name, or nil.
func (d *Driver) Breaker(name string) *Breaker { return d.group.Breaker(name) }

// OpenStream implements [capture.Driver].
func (d *Driver) OpenStream(cfg capture.Config, deliver capture.DeliverFunc) (capture.Stream, error) {
	var opened string
	s, err := DoValue(d.group, func(name string, drv capture.Driver) (capture.Stream, error) {
		s, err := drv.OpenStream(cfg, deliver)
		if err != nil {
			return nil, err
		}
		opened = name
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.name, err)
	}
	d.mu.Lock()
	d.active = opened
	d.mu.Unlock()
	return s, nil
}

// Probe implements [capture.Prober]. It succeeds when any member can
// capture. Members without a Probe method count as usable. Probes bypass the
// breakers.
func (d *Driver) Probe(ctx context.Context) error {
	var errs []error
	for i := range d.group.entries {
		e := &d.group.entries[i]
		p, ok := e.value.(capture.Prober)
		if !ok {
			return nil
		}
		err := p.Probe(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return errors.Join(errs...)
}
