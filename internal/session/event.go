package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a [Controller].
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// EventType classifies an [Event].
type EventType string

const (
	// EventState reports a controller state transition.
	EventState EventType = "state"

	// EventCallbackFailure reports a contained worklet fault.
	EventCallbackFailure EventType = "callback_failure"

	// EventDeadlineMiss reports a tick that overran the buffer period.
	EventDeadlineMiss EventType = "deadline_miss"

	// EventNodeError reports a failing graph node other than the worklet.
	EventNodeError EventType = "node_error"

	// EventTickRejected reports a buffer the graph refused to process, such
	// as an overlapping tick.
	EventTickRejected EventType = "tick_rejected"

	// EventLevels carries a meter reading.
	EventLevels EventType = "levels"

	// EventLength carries the frame count reported by the length worklet.
	EventLength EventType = "length"
)

// Event is published to subscribers for every observable session change.
// It is JSON-encoded verbatim on the WebSocket stream.
type Event struct {
	Type    EventType `json:"type"`
	Time    time.Time `json:"time"`
	Session string    `json:"session,omitempty"`

	// State events.
	From  *State `json:"from,omitempty"`
	State *State `json:"state,omitempty"`

	// Failure events. Error is also set on a state event that ends a failed
	// start.
	Error   string `json:"error,omitempty"`
	Node    string `json:"node,omitempty"`
	Context string `json:"context,omitempty"`
	Tick    uint64 `json:"tick,omitempty"`

	// Deadline misses.
	Elapsed time.Duration `json:"elapsed,omitempty"`
	Budget  time.Duration `json:"budget,omitempty"`

	// Worklet readings.
	Frames  int     `json:"frames,omitempty"`
	RMSdB   float64 `json:"rms_db,omitempty"`
	PeakdB  float64 `json:"peak_db,omitempty"`
	Clipped int     `json:"clipped,omitempty"`
}

// broker fans events out to subscribers. Slow subscribers lose events.
type broker struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool

	dropped atomic.Uint64
}

func newBroker() *broker {
	return &broker{subs: make(map[int]chan Event)}
}

func (b *broker) subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, max(buffer, 1))
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *broker) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
