// Package session owns the lifecycle of a microphone capture session: ask
// for permission, open the capture device, build the processing graph
// (adapter → worklet → destination), start it, and tear it all down again.
//
// A [Controller] is a four-state machine driven by [Controller.Toggle], the
// action behind a UI record button. Only one session exists at a time; a
// toggle that arrives while a start or stop is in progress fails with
// [audio.ErrInvalidState] instead of queueing. A start that fails or is
// cancelled releases every resource it acquired and returns to [Idle].
//
// Failures raised on the real-time context (worklet faults, deadline misses,
// node errors) travel through lock-free queues to a reporter goroutine that
// logs them, records metrics and publishes them as [Event] values.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/micgraph/internal/observe"
	"github.com/MrWong99/micgraph/internal/worklets"
	"github.com/MrWong99/micgraph/pkg/audio"
	"github.com/MrWong99/micgraph/pkg/audio/capture"
	"github.com/MrWong99/micgraph/pkg/audio/graph"
	"github.com/MrWong99/micgraph/pkg/audio/permission"
	"github.com/MrWong99/micgraph/pkg/audio/ring"
	"github.com/MrWong99/micgraph/pkg/audio/sink"
	"github.com/MrWong99/micgraph/pkg/audio/worklet"
)

// Node names used in the session graph.
const (
	AdapterNodeName     = "recorder-adapter"
	DestinationNodeName = "destination"
)

// Plan describes the session built on the next start.
type Plan struct {
	// Driver is the capture backend.
	Driver capture.Driver

	// Capture is the stream format. It also fixes the graph buffer size.
	Capture capture.Config

	// Worklet selects the built-in worklet. Frames is always taken from
	// Capture.BufferFrames; a zero Channels uses the capture channel count.
	Worklet worklets.Options

	// NewSink creates the destination sink. Nil uses [sink.Discard].
	NewSink func() (sink.Sink, error)
}

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the metric instruments. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithReportInterval sets how often the reporter drains the real-time
// queues. The default is 50ms.
func WithReportInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithStatsWindow sets how many tick latency samples the status percentiles
// are computed over.
func WithStatsWindow(n int) Option {
	return func(c *Controller) { c.window = n }
}

// Controller is the session state machine. All methods are safe for
// concurrent use.
type Controller struct {
	log      *slog.Logger
	metrics  *observe.Metrics
	interval time.Duration
	window   int
	events   *broker

	mu          sync.Mutex
	state       State
	gate        permission.Gate
	plan        Plan
	sessionID   string // of the session being started, running or stopped
	active      *run
	cancelStart context.CancelFunc
	settled     chan struct{} // closed when the current transitional state ends
	closed      bool
	lastErr     string
	base        observe.CaptureCounters // totals of finished sessions
}

// New creates an idle controller that asks gate for permission on every
// start and builds sessions according to plan.
func New(gate permission.Gate, plan Plan, opts ...Option) *Controller {
	c := &Controller{
		gate:     gate,
		plan:     plan,
		log:      slog.Default(),
		interval: 50 * time.Millisecond,
		events:   newBroker(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetPlan replaces the plan used by the next start. A running session keeps
// its current setup.
func (c *Controller) SetPlan(p Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plan = p
}

// SetGate replaces the permission gate consulted by the next start.
func (c *Controller) SetGate(g permission.Gate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = g
}

// Subscribe returns a channel receiving every event from now on and a
// function cancelling the subscription. Events that do not fit in buffer are
// dropped. The channel is closed on cancel and on [Controller.Shutdown].
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

// Toggle starts a session when idle and stops it when running. It returns
// the state the controller settled in. While a start or stop is in progress
// it fails with [audio.ErrInvalidState].
//
// Cancelling ctx aborts a start (typically while the permission request is
// pending); everything acquired so far is released and the controller returns
// to [Idle] with the context error. A stop always runs to completion.
func (c *Controller) Toggle(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.closed {
		s := c.state
		c.mu.Unlock()
		return s, fmt.Errorf("session: controller is shut down: %w", audio.ErrInvalidState)
	}
	switch c.state {
	case Idle:
		return c.startLocked(ctx)
	case Running:
		return c.stopLocked(ctx)
	default:
		s := c.state
		c.mu.Unlock()
		return s, fmt.Errorf("session: toggle while %s: %w", s, audio.ErrInvalidState)
	}
}

// Shutdown is the lifecycle hook called on process exit. It cancels a start
// in progress, waits for a stop in progress and stops a running session.
// Afterwards every Toggle fails and all event subscriptions are closed.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	for {
		switch c.state {
		case Idle:
			c.mu.Unlock()
			c.events.close()
			return nil
		case Running:
			_, err := c.stopLocked(ctx)
			c.events.close()
			return err
		case Starting:
			c.cancelStart()
		}
		settled := c.settled
		c.mu.Unlock()
		select {
		case <-settled:
		case <-ctx.Done():
			return fmt.Errorf("session: shutdown: %w", ctx.Err())
		}
		c.mu.Lock()
	}
}

// startLocked runs Idle → Starting → Running|Idle. Called with mu held; it
// releases mu while the session is built.
func (c *Controller) startLocked(ctx context.Context) (State, error) {
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	settled := make(chan struct{})
	c.cancelStart = cancel
	c.settled = settled
	c.sessionID = uuid.NewString()
	id, plan, gate := c.sessionID, c.plan, c.gate
	c.transition(Starting, nil)
	c.mu.Unlock()

	begin := time.Now()
	r, err := c.start(startCtx, id, gate, plan)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer close(settled)
	c.cancelStart = nil

	if err == nil && c.closed {
		// Shutdown arrived after the last cancellation check.
		if terr := r.teardown(c.log); terr != nil {
			c.log.Warn("session: teardown after shutdown", "session_id", id, "err", terr)
		}
		c.base = c.base.Add(r.counters())
		err = fmt.Errorf("session: start: %w", context.Canceled)
	}
	if err != nil {
		c.metrics.RecordToggle(ctx, "start", "error", time.Since(begin).Seconds())
		c.lastErr = err.Error()
		c.transition(Idle, err)
		return Idle, err
	}

	c.metrics.RecordToggle(ctx, "start", "ok", time.Since(begin).Seconds())
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.active = r
	c.lastErr = ""
	c.transition(Running, nil)
	cfg := r.dev.Config()
	c.log.Info("session started",
		"session_id", id,
		"driver", r.dev.Driver(),
		"sample_rate", cfg.SampleRate,
		"buffer_frames", cfg.BufferFrames,
		"channels", cfg.Channels,
		"period", r.dev.Period(),
		"worklet", r.wk.Name(),
	)
	return Running, nil
}

// stopLocked runs Running → Stopping → Idle. Called with mu held; it
// releases mu while the session is torn down.
func (c *Controller) stopLocked(ctx context.Context) (State, error) {
	r := c.active
	settled := make(chan struct{})
	c.settled = settled
	c.metrics.ActiveSessions.Add(ctx, -1)
	c.transition(Stopping, nil)
	c.mu.Unlock()

	begin := time.Now()
	err := c.stop(ctx, r)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer close(settled)

	status := "ok"
	if err != nil {
		status = "error"
		c.lastErr = err.Error()
	}
	c.metrics.RecordToggle(ctx, "stop", status, time.Since(begin).Seconds())
	counters := r.counters()
	c.base = c.base.Add(counters)
	c.active = nil
	c.transition(Idle, err)
	c.log.Info("session stopped",
		"session_id", r.id,
		"duration", time.Since(r.startedAt),
		"ticks", counters.Ticks,
		"deadline_misses", counters.DeadlineMisses,
		"callback_failures", r.wk.FailureCount(),
	)
	return Idle, err
}

// transition moves to state to and publishes the change. Called with mu held.
func (c *Controller) transition(to State, err error) {
	from := c.state
	c.state = to
	c.metrics.RecordTransition(context.Background(), from.String(), to.String())
	e := Event{Type: EventState, Time: time.Now(), Session: c.sessionID, From: &from, State: &to}
	if err != nil {
		e.Error = err.Error()
	}
	c.events.publish(e)
}

// start acquires every session resource in order. On failure, including
// cancellation of ctx, it releases what it acquired.
func (c *Controller) start(ctx context.Context, id string, gate permission.Gate, plan Plan) (_ *run, err error) {
	ctx, span := observe.StartSpan(ctx, "session.start", attribute.String("session.id", id))
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Enrich(ctx, c.log).With("session_id", id)

	r := newRun(id, c.window)
	defer func() {
		if err == nil {
			return
		}
		if terr := r.teardown(log); terr != nil {
			log.Warn("session: rollback incomplete", "err", terr)
		}
		log.Warn("session: start failed", "err", err)
	}()

	log.Debug("session: requesting capture permission")
	grant, err := permission.Authorize(ctx, gate)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("session: start: %w", err)
	}

	r.dev, err = capture.Open(plan.Driver, plan.Capture, grant, capture.WithDeadlineHandler(r.onMiss))
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	r.closers = append(r.closers, r.dev.Close)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("session: start: %w", err)
	}

	if err := r.build(plan, log); err != nil {
		return nil, fmt.Errorf("session: build graph: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("session: start: %w", err)
	}

	rctx, stopReporter := context.WithCancel(context.Background())
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		c.report(rctx, r, log)
	}()
	r.closers = append(r.closers, func() error {
		stopReporter()
		<-reported
		return nil
	})

	if err := r.graph.Start(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	r.startedAt = time.Now()
	if err := r.dev.Start(r.onBuffer); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	r.closers = append(r.closers, r.dev.Stop)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("session: start: %w", err)
	}
	return r, nil
}

// stop tears down a running session: stop the device (drain), stop the
// reporter, destroy the graph, close the device.
func (c *Controller) stop(ctx context.Context, r *run) error {
	ctx, span := observe.StartSpan(ctx, "session.stop", attribute.String("session.id", r.id))
	err := r.teardown(observe.Enrich(ctx, c.log).With("session_id", r.id))
	observe.EndSpan(span, err)
	return err
}

// PostGain sends a new gain to the running session's gain worklet. It
// reports whether a gain worklet received it.
func (c *Controller) PostGain(gain float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.kind != worklets.KindGain {
		return false
	}
	return worklets.PostGain(c.active.wk.Port(), gain)
}

// Counters returns lifetime capture counters across all sessions. They never
// decrease, which makes them suitable for observable metric counters.
func (c *Controller) Counters() observe.CaptureCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.base
	if c.active != nil {
		total = total.Add(c.active.counters())
	}
	return total
}

// WorkletStatus describes the running worklet node.
type WorkletStatus struct {
	Name        string `json:"name"`
	Context     string `json:"context"`
	Invocations uint64 `json:"invocations"`
	Failures    uint64 `json:"failures"`
}

// Status is a snapshot of the controller for the HTTP API.
type Status struct {
	State     State  `json:"state"`
	Session   string `json:"session,omitempty"`
	LastError string `json:"last_error,omitempty"`

	// The fields below are only set while a session exists.
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	Driver       string         `json:"driver,omitempty"`
	SampleRate   int            `json:"sample_rate,omitempty"`
	BufferFrames int            `json:"buffer_frames,omitempty"`
	Channels     int            `json:"channels,omitempty"`
	Period       time.Duration  `json:"period,omitempty"`
	Capture      *capture.Stats `json:"capture,omitempty"`
	Graph        *graph.Stats   `json:"graph,omitempty"`
	Worklet      *WorkletStatus `json:"worklet,omitempty"`
	Ticks        *TickSnapshot  `json:"ticks,omitempty"`

	EventsDropped uint64 `json:"events_dropped"`
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:         c.state,
		LastError:     c.lastErr,
		EventsDropped: c.events.dropped.Load(),
	}
	if c.state != Idle {
		st.Session = c.sessionID
	}
	r := c.active
	if r == nil {
		return st
	}
	cfg := r.dev.Config()
	cs, gs, ts := r.dev.Stats(), r.graph.Stats(), r.stats.Snapshot()
	started := r.startedAt
	st.StartedAt = &started
	st.Driver = r.dev.Driver()
	st.SampleRate = cfg.SampleRate
	st.BufferFrames = cfg.BufferFrames
	st.Channels = cfg.Channels
	st.Period = r.dev.Period()
	st.Capture = &cs
	st.Graph = &gs
	st.Ticks = &ts
	st.Worklet = &WorkletStatus{
		Name:        r.wk.Name(),
		Context:     r.wk.Context(),
		Invocations: r.wk.Invocations(),
		Failures:    r.wk.FailureCount(),
	}
	return st
}

// run holds the resources of one session.
type run struct {
	id        string
	startedAt time.Time
	kind      string

	dev   *capture.Device
	graph *graph.Graph
	rt    *worklet.Runtime
	wk    *worklet.Node
	stats *TickStats

	// closers release resources in reverse acquisition order.
	closers []func() error

	// Real-time → reporter queues.
	misses   *ring.Queue[capture.DeadlineMissError]
	nodeErrs *ring.Queue[nodeFailure]
	tickErrs *ring.Queue[error]
	ticks    *ring.Queue[time.Duration]
}

type nodeFailure struct {
	name string
	err  error
}

func newRun(id string, window int) *run {
	return &run{
		id:       id,
		stats:    NewTickStats(window),
		misses:   ring.NewQueue[capture.DeadlineMissError](64),
		nodeErrs: ring.NewQueue[nodeFailure](64),
		tickErrs: ring.NewQueue[error](64),
		ticks:    ring.NewQueue[time.Duration](1024),
	}
}

// build creates the graph adapter → worklet → destination.
func (r *run) build(plan Plan, log *slog.Logger) error {
	cfg := r.dev.Config()
	g, err := graph.New(graph.Config{
		SampleRate:   cfg.SampleRate,
		BufferFrames: cfg.BufferFrames,
		Logger:       log,
		OnNodeError:  r.onNodeError,
	})
	if err != nil {
		return err
	}
	r.graph = g
	r.closers = append(r.closers, g.Close)

	opts := plan.Worklet
	opts.Frames = cfg.BufferFrames
	if opts.Channels == 0 {
		opts.Channels = cfg.Channels
	}
	if opts.Kind == "" {
		opts.Kind = worklets.KindLength
	}
	r.kind = opts.Kind
	r.rt = worklet.NewRuntime()
	if r.wk, err = worklets.New(r.rt, opts); err != nil {
		return err
	}

	snk := sink.Discard
	if plan.NewSink != nil {
		if snk, err = plan.NewSink(); err != nil {
			return fmt.Errorf("create sink: %w", err)
		}
	}

	adapter, err := g.Add(graph.NewAdapterNode(AdapterNodeName, cfg.Channels))
	if err != nil {
		closeSink(snk)
		return err
	}
	wk, err := g.Add(r.wk)
	if err != nil {
		closeSink(snk)
		return err
	}
	dest, err := g.Add(graph.NewDestinationNode(DestinationNodeName, opts.Channels, snk))
	if err != nil {
		closeSink(snk)
		return err
	}
	// From here on the graph owns the sink.
	if err := g.Connect(adapter, 0, wk, 0); err != nil {
		return err
	}
	return g.Connect(wk, 0, dest, 0)
}

func closeSink(s sink.Sink) {
	if c, ok := s.(io.Closer); ok {
		_ = c.Close()
	}
}

// teardown runs the closers in reverse order and forgets them.
func (r *run) teardown(log *slog.Logger) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			log.Warn("session: closer error", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *run) counters() observe.CaptureCounters {
	if r.dev == nil {
		return observe.CaptureCounters{}
	}
	s := r.dev.Stats()
	return observe.CaptureCounters{
		Ticks:          s.Delivered,
		DeadlineMisses: s.DeadlineMisses,
		Overruns:       s.Overruns,
		Dropped:        s.Dropped,
	}
}

// onBuffer is the device callback. Real-time context.
func (r *run) onBuffer(b *audio.Buffer) {
	start := time.Now()
	if err := r.graph.Tick(b); err != nil {
		r.tickErrs.Push(err)
		return
	}
	r.ticks.Push(time.Since(start))
}

// onMiss is the deadline handler. Real-time context.
func (r *run) onMiss(e *capture.DeadlineMissError) {
	r.misses.Push(*e)
}

// onNodeError is the graph failure hook. Real-time context.
func (r *run) onNodeError(_ graph.NodeID, name string, err error) {
	r.nodeErrs.Push(nodeFailure{name: name, err: err})
}
