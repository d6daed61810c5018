// Package capture owns the audio input stream that drives every processing
// tick.
//
// A [Device] wraps a [Driver] stream and turns its raw, arbitrarily sized
// interleaved deliveries into fixed-size planar [audio.Buffer] blocks that are
// handed to a single callback on the driver's real-time context. The Device
// enforces the lifecycle open → start ⇄ stop → close and provides the drain
// barrier that makes Stop safe: once Stop returns, no buffer is in flight and
// none will be delivered.
package capture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/micgraph/pkg/audio"
	"github.com/MrWong99/micgraph/pkg/audio/permission"
)

type deviceState int

const (
	stateOpen deviceState = iota
	stateRunning
	stateStopped
	stateClosed
)

func (s deviceState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DeadlineMissError describes a buffer whose processing overran its time
// budget. It unwraps to [audio.ErrDeadlineMiss].
type DeadlineMissError struct {
	// Tick is the 1-based sequence number of the late buffer within the
	// current run.
	Tick uint64

	// Elapsed is how long the buffer callback took.
	Elapsed time.Duration

	// Budget is the buffer period (BufferFrames / SampleRate).
	Budget time.Duration
}

func (e *DeadlineMissError) Error() string {
	return fmt.Sprintf("capture: tick %d took %v, budget %v", e.Tick, e.Elapsed, e.Budget)
}

func (e *DeadlineMissError) Unwrap() error { return audio.ErrDeadlineMiss }

// Stats is a snapshot of a Device's delivery counters.
type Stats struct {
	// Delivered counts buffers handed to the callback.
	Delivered uint64

	// DeadlineMisses counts buffers whose callback overran the budget.
	DeadlineMisses uint64

	// Overruns counts driver deliveries rejected because the previous one was
	// still being processed.
	Overruns uint64

	// Dropped counts driver deliveries discarded while the device was stopping.
	Dropped uint64
}

// Option configures a [Device] during [Open].
type Option func(*Device)

// WithDeadlineHandler registers fn to be called, on the real-time context,
// whenever a buffer callback overruns its budget. fn must not block.
func WithDeadlineHandler(fn func(*DeadlineMissError)) Option {
	return func(d *Device) {
		d.onMiss = fn
	}
}

// WithClock overrides the monotonic clock used for deadline accounting.
func WithClock(now func() time.Time) Option {
	return func(d *Device) {
		if now != nil {
			d.now = now
		}
	}
}

// Device is an open capture stream producing fixed-size buffers.
//
// Lifecycle methods are safe for concurrent use from the control context.
type Device struct {
	cfg    Config
	driver string
	stream Stream
	budget time.Duration
	onMiss func(*DeadlineMissError)
	now    func() time.Time

	mu    sync.Mutex // serialises lifecycle calls
	state deviceState

	// gate is held for reading by every delivery and for writing by Stop,
	// which therefore waits for in-flight deliveries to finish.
	gate     sync.RWMutex
	live     bool // guarded by gate
	onBuffer func(*audio.Buffer)

	// Real-time state; only touched inside a delivery.
	busy atomic.Bool
	buf  *audio.Buffer
	fill int
	seq  uint64

	delivered atomic.Uint64
	misses    atomic.Uint64
	overruns  atomic.Uint64
	dropped   atomic.Uint64
}

// Open allocates an input stream on driver. It requires a valid grant from
// [permission.Authorize]; without one it fails with [audio.ErrPermissionDenied].
// It fails with [audio.ErrInvalidConfig] for non-positive parameters and with
// whatever the driver reports for unavailable or unsupported hardware.
func Open(driver Driver, cfg Config, grant permission.Grant, opts ...Option) (*Device, error) {
	if !grant.Valid() {
		return nil, fmt.Errorf("capture: open: %w", audio.ErrPermissionDenied)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("capture: open: %w", err)
	}
	if driver == nil {
		return nil, fmt.Errorf("capture: open: no driver: %w", audio.ErrDeviceUnavailable)
	}
	cfg = cfg.withDefaults()

	d := &Device{
		cfg:    cfg,
		driver: driver.Name(),
		budget: cfg.Period(),
		now:    time.Now,
		buf:    audio.NewBuffer(cfg.Channels, cfg.BufferFrames, cfg.SampleRate),
	}
	for _, o := range opts {
		o(d)
	}

	stream, err := driver.OpenStream(cfg, d.deliver)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s stream: %w", d.driver, err)
	}
	d.stream = stream
	return d, nil
}

// Config returns the effective stream configuration.
func (d *Device) Config() Config { return d.cfg }

// Driver returns the name of the driver backing the device.
func (d *Device) Driver() string { return d.driver }

// Period returns the buffer time budget.
func (d *Device) Period() time.Duration { return d.budget }

// Running reports whether the device is delivering buffers.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == stateRunning
}

// Stats returns a snapshot of the delivery counters. Counters reset on Start.
func (d *Device) Stats() Stats {
	return Stats{
		Delivered:      d.delivered.Load(),
		DeadlineMisses: d.misses.Load(),
		Overruns:       d.overruns.Load(),
		Dropped:        d.dropped.Load(),
	}
}

// Start begins delivering buffers to onBuffer on the driver's real-time
// context. onBuffer is never re-entered: each call returns before the next
// begins. The buffer passed to onBuffer is reused for the next delivery and
// must not be retained.
//
// Start fails with [audio.ErrInvalidState] if the device is running or closed.
func (d *Device) Start(onBuffer func(*audio.Buffer)) error {
	if onBuffer == nil {
		return fmt.Errorf("capture: start: nil buffer callback: %w", audio.ErrInvalidConfig)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == stateRunning || d.state == stateClosed {
		return fmt.Errorf("capture: start while %s: %w", d.state, audio.ErrInvalidState)
	}

	d.gate.Lock()
	d.onBuffer = onBuffer
	d.fill = 0
	d.seq = 0
	d.live = true
	d.gate.Unlock()

	d.delivered.Store(0)
	d.misses.Store(0)
	d.overruns.Store(0)
	d.dropped.Store(0)

	if err := d.stream.Start(); err != nil {
		d.gate.Lock()
		d.live = false
		d.onBuffer = nil
		d.gate.Unlock()
		return fmt.Errorf("capture: start %s stream: %w", d.driver, err)
	}
	d.state = stateRunning
	return nil
}

// Stop halts delivery. It blocks until any buffer callback already in flight
// has returned; after Stop returns the callback is never invoked again.
// Stopping a device that is not running is a no-op.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning {
		return nil
	}

	// Drain barrier: acquiring the write lock waits for every delivery that
	// holds the read lock.
	d.gate.Lock()
	d.live = false
	d.onBuffer = nil
	d.gate.Unlock()

	d.state = stateStopped
	if err := d.stream.Stop(); err != nil {
		return fmt.Errorf("capture: stop %s stream: %w", d.driver, err)
	}
	return nil
}

// Close releases the hardware stream. It is idempotent and fails with
// [audio.ErrInvalidState] while the device is running.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case stateClosed:
		return nil
	case stateRunning:
		return fmt.Errorf("capture: close while running: %w", audio.ErrInvalidState)
	}

	d.state = stateClosed
	if err := d.stream.Close(); err != nil {
		return fmt.Errorf("capture: close %s stream: %w", d.driver, err)
	}
	return nil
}

// deliver is the driver callback. It runs on the real-time context and must
// never block: a delivery that races with Stop is dropped instead of waiting.
func (d *Device) deliver(interleaved []float32) {
	if !d.gate.TryRLock() {
		d.dropped.Add(1)
		return
	}
	defer d.gate.RUnlock()
	if !d.live {
		return
	}
	if !d.busy.CompareAndSwap(false, true) {
		d.overruns.Add(1)
		return
	}
	defer d.busy.Store(false)

	ch := d.cfg.Channels
	frames := d.cfg.BufferFrames
	for len(interleaved) >= ch {
		n := audio.DeinterleaveInto(d.buf, d.fill, interleaved, ch)
		if n == 0 {
			break
		}
		interleaved = interleaved[n*ch:]
		d.fill += n
		if d.fill == frames {
			d.fill = 0
			d.emit()
		}
	}
}

// emit hands the completed block to the callback and accounts for its
// processing time. Called with the read gate held.
func (d *Device) emit() {
	d.seq++
	start := d.now()
	d.onBuffer(d.buf)
	elapsed := d.now().Sub(start)
	d.delivered.Add(1)

	if elapsed > d.budget {
		d.misses.Add(1)
		if d.onMiss != nil {
			d.onMiss(&DeadlineMissError{Tick: d.seq, Elapsed: elapsed, Budget: d.budget})
		}
	}
}
