package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/micgraph/internal/worklets"
	"github.com/MrWong99/micgraph/pkg/audio"
	"github.com/MrWong99/micgraph/pkg/audio/capture"
	"github.com/MrWong99/micgraph/pkg/audio/graph"
	"github.com/MrWong99/micgraph/pkg/audio/mock"
	"github.com/MrWong99/micgraph/pkg/audio/permission"
	"github.com/MrWong99/micgraph/pkg/audio/sink"
	"github.com/MrWong99/micgraph/pkg/audio/worklet"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

const testFrames = 16

func testPlan(drv *mock.Driver, kind string) Plan {
	return Plan{
		Driver:  drv,
		Capture: capture.Config{SampleRate: 48000, BufferFrames: testFrames, Channels: 1},
		Worklet: worklets.Options{Kind: kind, Context: "UIRuntime", Gain: 1},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(gate permission.Gate, plan Plan) *Controller {
	return New(gate, plan, WithLogger(quietLogger()), WithReportInterval(5*time.Millisecond))
}

func allow() permission.Gate { return permission.Static{Allowed: true} }

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// collectUntil reads events until one matches stop or the timeout passes.
func collectUntil(t *testing.T, ch <-chan Event, stop func(Event) bool) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, e)
			if stop(e) {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out; events so far: %+v", got)
		}
	}
}

func isState(s State) func(Event) bool {
	return func(e Event) bool { return e.Type == EventState && e.State != nil && *e.State == s }
}

// ─── Toggle ───────────────────────────────────────────────────────────────────

func TestToggle_StartAndStop(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	c := newTestController(allow(), testPlan(drv, worklets.KindLength))

	state, err := c.Toggle(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if state != Running || c.State() != Running {
		t.Fatalf("state after start = %v / %v, want running", state, c.State())
	}
	if got := drv.OpenHandles(); got != 1 {
		t.Errorf("open handles while running = %d, want 1", got)
	}
	if !drv.Streams[0].Started() {
		t.Error("stream should be started")
	}

	st := c.Status()
	if st.Session == "" || st.Driver != "mock" || st.BufferFrames != testFrames {
		t.Errorf("status while running: %+v", st)
	}
	if st.Worklet == nil || st.Worklet.Context != "UIRuntime" {
		t.Errorf("worklet status: %+v", st.Worklet)
	}

	if !drv.Deliver(make([]float32, testFrames)) {
		t.Fatal("Deliver reported no running stream")
	}

	state, err = c.Toggle(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if state != Idle {
		t.Fatalf("state after stop = %v, want idle", state)
	}
	if got := drv.OpenHandles(); got != 0 {
		t.Errorf("open handles after stop = %d, want 0", got)
	}
	if got := c.Counters().Ticks; got != 1 {
		t.Errorf("lifetime ticks = %d, want 1", got)
	}
	if st := c.Status(); st.Session != "" || st.Capture != nil {
		t.Errorf("idle status should carry no session: %+v", st)
	}
}

func TestToggle_WhileStartingIsRejected(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	gate := &mock.Gate{Allowed: true, Block: make(chan struct{})}
	c := newTestController(gate, testPlan(drv, worklets.KindLength))

	type result struct {
		state State
		err   error
	}
	first := make(chan result, 1)
	go func() {
		s, err := c.Toggle(context.Background())
		first <- result{s, err}
	}()
	waitFor(t, "permission request", func() bool { return gate.Calls() == 1 })

	if c.State() != Starting {
		t.Fatalf("state = %v, want starting", c.State())
	}
	for range 3 {
		s, err := c.Toggle(context.Background())
		if !errors.Is(err, audio.ErrInvalidState) {
			t.Fatalf("toggle while starting: err = %v, want ErrInvalidState", err)
		}
		if s != Starting {
			t.Errorf("rejected toggle reported %v, want starting", s)
		}
	}

	close(gate.Block)
	r := <-first
	if r.err != nil || r.state != Running {
		t.Fatalf("first toggle = %v, %v; want running, nil", r.state, r.err)
	}
	if n := len(drv.OpenStreamCalls); n != 1 {
		t.Errorf("OpenStream calls = %d, want exactly 1", n)
	}
	if n := gate.Calls(); n != 1 {
		t.Errorf("permission requests = %d, want 1", n)
	}
	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestToggle_PermissionDenied(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	c := newTestController(&mock.Gate{Allowed: false}, testPlan(drv, worklets.KindLength))

	state, err := c.Toggle(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if state != Idle {
		t.Errorf("state = %v, want idle", state)
	}
	if n := len(drv.OpenStreamCalls); n != 0 {
		t.Errorf("device opened %d times after a denial", n)
	}
	if c.Status().LastError == "" {
		t.Error("status should report the failure")
	}
}

func TestToggle_RollbackOnFailure(t *testing.T) {
	t.Parallel()

	errSink := errors.New("sink unavailable")
	tests := []struct {
		name    string
		setup   func(*mock.Driver, *Plan)
		wantErr error
		opened  int
	}{
		{
			name:    "device unavailable",
			setup:   func(d *mock.Driver, _ *Plan) { d.OpenStreamError = audio.ErrDeviceUnavailable },
			wantErr: audio.ErrDeviceUnavailable,
			opened:  1,
		},
		{
			name:    "invalid format",
			setup:   func(_ *mock.Driver, p *Plan) { p.Capture.SampleRate = 0 },
			wantErr: audio.ErrInvalidConfig,
		},
		{
			name:    "unknown worklet",
			setup:   func(_ *mock.Driver, p *Plan) { p.Worklet.Kind = "reverb" },
			wantErr: audio.ErrInvalidConfig,
			opened:  1,
		},
		{
			name: "sink fails",
			setup: func(_ *mock.Driver, p *Plan) {
				p.NewSink = func() (sink.Sink, error) { return nil, errSink }
			},
			wantErr: errSink,
			opened:  1,
		},
		{
			name:    "stream start fails",
			setup:   func(d *mock.Driver, _ *Plan) { d.StartError = audio.ErrDeviceUnavailable },
			wantErr: audio.ErrDeviceUnavailable,
			opened:  1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			drv := &mock.Driver{}
			plan := testPlan(drv, worklets.KindLength)
			tc.setup(drv, &plan)
			c := newTestController(allow(), plan)

			state, err := c.Toggle(context.Background())
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if state != Idle || c.State() != Idle {
				t.Errorf("state = %v, want idle", c.State())
			}
			if n := len(drv.OpenStreamCalls); n != tc.opened {
				t.Errorf("OpenStream calls = %d, want %d", n, tc.opened)
			}
			if got := drv.OpenHandles(); got != 0 {
				t.Errorf("open handles after rollback = %d, want 0", got)
			}

			// The controller stays usable once the cause is gone.
			drv2 := &mock.Driver{}
			c.SetPlan(testPlan(drv2, worklets.KindLength))
			if _, err := c.Toggle(context.Background()); err != nil {
				t.Fatalf("retry start: %v", err)
			}
			if _, err := c.Toggle(context.Background()); err != nil {
				t.Fatalf("retry stop: %v", err)
			}
		})
	}
}

func TestToggle_SinkClosedOnStop(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	tap := &sink.Tap{}
	plan := testPlan(drv, worklets.KindLength)
	plan.NewSink = func() (sink.Sink, error) { return tap, nil }
	c := newTestController(allow(), plan)

	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	samples := make([]float32, testFrames)
	for i := range samples {
		samples[i] = 0.25
	}
	drv.Deliver(samples)
	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if tap.Len() != 1 {
		t.Errorf("sink received %d buffers, want 1", tap.Len())
	}
	if got := tap.Buffers()[0].Channels[0][3]; got != 0.25 {
		t.Errorf("sample passed through the length worklet = %v, want 0.25", got)
	}
	if !tap.Closed() {
		t.Error("sink should be closed when the session stops")
	}
}

func TestToggle_CancelDuringPermission(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	gate := &mock.Gate{Allowed: true, Block: make(chan struct{})}
	c := newTestController(gate, testPlan(drv, worklets.KindLength))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Toggle(ctx)
		done <- err
	}()
	waitFor(t, "permission request", func() bool { return gate.Calls() == 1 })
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if c.State() != Idle {
		t.Errorf("state = %v, want idle", c.State())
	}
	if n := len(drv.OpenStreamCalls); n != 0 {
		t.Errorf("device opened %d times after cancellation", n)
	}
}

// ─── Shutdown ─────────────────────────────────────────────────────────────────

func TestShutdown_CancelsPendingStart(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	gate := &mock.Gate{Allowed: true, Block: make(chan struct{})}
	c := newTestController(gate, testPlan(drv, worklets.KindLength))
	events, _ := c.Subscribe(16)

	done := make(chan error, 1)
	go func() {
		_, err := c.Toggle(context.Background())
		done <- err
	}()
	waitFor(t, "permission request", func() bool { return gate.Calls() == 1 })

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("pending start err = %v, want context.Canceled", err)
	}
	if got := drv.OpenHandles(); got != 0 {
		t.Errorf("open handles = %d, want 0", got)
	}
	if _, err := c.Toggle(context.Background()); !errors.Is(err, audio.ErrInvalidState) {
		t.Errorf("toggle after shutdown: err = %v, want ErrInvalidState", err)
	}

	// The subscription is closed after the final idle transition.
	got := collectUntil(t, events, func(Event) bool { return false })
	if last := got[len(got)-1]; !isState(Idle)(last) {
		t.Errorf("last event = %+v, want idle state", last)
	}
}

func TestShutdown_StopsRunningSession(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	c := newTestController(allow(), testPlan(drv, worklets.KindLength))
	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if c.State() != Idle {
		t.Errorf("state = %v, want idle", c.State())
	}
	if got := drv.OpenHandles(); got != 0 {
		t.Errorf("open handles = %d, want 0", got)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

// ─── Events ───────────────────────────────────────────────────────────────────

func TestEvents_StateSequence(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	c := newTestController(allow(), testPlan(drv, worklets.KindLength))
	events, cancel := c.Subscribe(32)
	defer cancel()

	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	var states []State
	for _, e := range collectUntil(t, events, isState(Idle)) {
		if e.Type == EventState {
			states = append(states, *e.State)
		}
	}
	want := []State{Starting, Running, Stopping, Idle}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestEvents_MeterLevels(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	c := newTestController(allow(), testPlan(drv, worklets.KindMeter))
	events, cancel := c.Subscribe(64)
	defer cancel()

	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	samples := make([]float32, testFrames)
	for i := range samples {
		samples[i] = 1
	}
	drv.Deliver(samples)
	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	var levels *Event
	for _, e := range collectUntil(t, events, isState(Idle)) {
		if e.Type == EventLevels {
			levels = &e
		}
	}
	if levels == nil {
		t.Fatal("no levels event published")
	}
	if levels.PeakdB != 0 || levels.Clipped != testFrames {
		t.Errorf("levels = peak %v dB, %d clipped; want 0 dB, %d clipped", levels.PeakdB, levels.Clipped, testFrames)
	}
}

func TestDrain_ReportsRealtimeFailures(t *testing.T) {
	t.Parallel()

	c := newTestController(allow(), Plan{})
	events, cancel := c.Subscribe(16)
	defer cancel()

	r := newRun("s-1", 0)
	r.rt = worklet.NewRuntime()
	node, err := r.rt.CreateWorkletNode(func([][]float32, int) [][]float32 {
		panic("boom")
	}, 4, 1, "UIRuntime")
	if err != nil {
		t.Fatalf("CreateWorkletNode: %v", err)
	}
	r.wk = node
	if _, err := node.Process([]*audio.Buffer{audio.NewBuffer(1, 4, 48000)}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	r.misses.Push(capture.DeadlineMissError{Tick: 7, Elapsed: 30 * time.Millisecond, Budget: 21 * time.Millisecond})
	r.nodeErrs.Push(nodeFailure{name: DestinationNodeName, err: errors.New("disk full")})
	r.ticks.Push(2 * time.Millisecond)

	c.drain(r, quietLogger(), &drainState{})

	got := map[EventType]Event{}
	for len(got) < 3 {
		select {
		case e := <-events:
			got[e.Type] = e
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", got)
		}
	}
	if e := got[EventCallbackFailure]; e.Context != "UIRuntime" || e.Tick != 1 || e.Session != "s-1" {
		t.Errorf("callback failure event = %+v", e)
	}
	if e := got[EventDeadlineMiss]; e.Tick != 7 || e.Budget != 21*time.Millisecond {
		t.Errorf("deadline miss event = %+v", e)
	}
	if e := got[EventNodeError]; e.Node != DestinationNodeName || e.Error != "disk full" {
		t.Errorf("node error event = %+v", e)
	}
	if s := r.stats.Snapshot(); s.Samples != 1 || s.Max != 2*time.Millisecond {
		t.Errorf("tick stats = %+v", s)
	}
}

// gateNode blocks inside Process until release is closed.
type gateNode struct {
	entered chan struct{}
	release chan struct{}
}

func (n *gateNode) Name() string              { return "gate" }
func (n *gateNode) Inputs() []graph.PortSpec  { return []graph.PortSpec{{Channels: 1}} }
func (n *gateNode) Outputs() []graph.PortSpec { return []graph.PortSpec{{Channels: 1}} }
func (n *gateNode) Process(in []*audio.Buffer) ([]*audio.Buffer, error) {
	close(n.entered)
	<-n.release
	return in, nil
}

func TestOnBuffer_OverlappingTickIsReported(t *testing.T) {
	t.Parallel()

	c := newTestController(allow(), Plan{})
	events, cancel := c.Subscribe(16)
	defer cancel()

	r := newRun("s-2", 0)
	r.rt = worklet.NewRuntime()
	wk, err := r.rt.CreateWorkletNode(func([][]float32, int) [][]float32 { return nil }, 4, 1, "UIRuntime")
	if err != nil {
		t.Fatalf("CreateWorkletNode: %v", err)
	}
	r.wk = wk
	if r.graph, err = graph.New(graph.Config{SampleRate: 48000, BufferFrames: 4}); err != nil {
		t.Fatalf("graph.New: %v", err)
	}
	blocker := &gateNode{entered: make(chan struct{}), release: make(chan struct{})}
	if _, err := r.graph.Add(blocker); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.graph.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.onBuffer(audio.NewBuffer(1, 4, 48000))
	}()
	<-blocker.entered
	r.onBuffer(audio.NewBuffer(1, 4, 48000))
	close(blocker.release)
	<-done

	c.drain(r, quietLogger(), &drainState{})

	got := collectUntil(t, events, func(e Event) bool { return e.Type == EventTickRejected })
	if e := got[len(got)-1]; e.Session != "s-2" || e.Node != "graph" || !strings.Contains(e.Error, "overlapping tick") {
		t.Fatalf("event = %+v, want a rejected overlapping tick", e)
	}
	if s := r.stats.Snapshot(); s.Samples != 1 {
		t.Errorf("tick samples = %d, want 1 (the rejected tick is not timed)", s.Samples)
	}
	if got := r.graph.Stats().Rejected; got != 1 {
		t.Errorf("graph rejected = %d, want 1", got)
	}
}

// ─── Gain and counters ────────────────────────────────────────────────────────

func TestPostGain(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	c := newTestController(allow(), testPlan(drv, worklets.KindGain))
	if c.PostGain(0.5) {
		t.Error("PostGain while idle should report false")
	}
	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !c.PostGain(0.5) {
		t.Error("PostGain on a running gain worklet should report true")
	}
	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	c.SetPlan(testPlan(drv, worklets.KindLength))
	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Toggle(context.Background())
	if c.PostGain(0.5) {
		t.Error("PostGain on a length worklet should report false")
	}
}

func TestCounters_MonotonicAcrossSessions(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	c := newTestController(allow(), testPlan(drv, worklets.KindLength))
	var last uint64
	for session := range 10 {
		if _, err := c.Toggle(context.Background()); err != nil {
			t.Fatalf("start %d: %v", session, err)
		}
		if got := drv.OpenHandles(); got != 1 {
			t.Fatalf("session %d: open handles while running = %d, want 1", session, got)
		}
		for range 2 {
			drv.Deliver(make([]float32, testFrames))
			if got := c.Counters().Ticks; got < last {
				t.Fatalf("ticks went backwards: %d → %d", last, got)
			} else {
				last = got
			}
		}
		if _, err := c.Toggle(context.Background()); err != nil {
			t.Fatalf("stop %d: %v", session, err)
		}
		if got := drv.OpenHandles(); got != 0 {
			t.Fatalf("session %d: open handles after stop = %d, want 0", session, got)
		}
		if s := c.State(); s != Idle {
			t.Fatalf("session %d: state after stop = %v, want idle", session, s)
		}
	}
	if last != 20 {
		t.Errorf("lifetime ticks = %d, want 20", last)
	}
}
