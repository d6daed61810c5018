package worklet

import (
	"sync"
	"sync/atomic"

	"github.com/MrWong99/micgraph/pkg/audio/ring"
)

// DefaultPortCapacity is the queue depth of ports created without an explicit
// size.
const DefaultPortCapacity = 64

// Message is the unit exchanged between a callback and the control context.
// It is a plain value so that sending one never allocates.
type Message struct {
	// Kind names the message type, e.g. "gain" or "meter".
	Kind string

	// Tick is the tick a callback-side message was produced on.
	Tick uint64

	// Values carries the payload. Its meaning depends on Kind.
	Values [4]float64
}

// Port is the only channel between a worklet callback and the control
// context. It holds two single-producer single-consumer queues: the inbox
// (control → callback) and the outbox (callback → control).
//
// The callback side ([Port.Next], [Port.Send]) is lock-free and never blocks.
// The control side ([Port.Post], [Port.Receive]) may be called from several
// goroutines; those calls are serialised by a mutex that the callback side
// never touches.
type Port struct {
	inbox  *ring.Queue[Message]
	outbox *ring.Queue[Message]

	postMu sync.Mutex
	recvMu sync.Mutex

	droppedIn  atomic.Uint64
	droppedOut atomic.Uint64
}

// NewPort returns a port whose queues hold at least capacity messages each.
// A non-positive capacity uses [DefaultPortCapacity].
func NewPort(capacity int) *Port {
	if capacity <= 0 {
		capacity = DefaultPortCapacity
	}
	return &Port{
		inbox:  ring.NewQueue[Message](capacity),
		outbox: ring.NewQueue[Message](capacity),
	}
}

// Post queues msg for the callback. It returns false, and counts the message
// as dropped, when the inbox is full. Control side.
func (p *Port) Post(msg Message) bool {
	p.postMu.Lock()
	ok := p.inbox.Push(msg)
	p.postMu.Unlock()
	if !ok {
		p.droppedIn.Add(1)
	}
	return ok
}

// Receive returns the oldest message the callback sent. Control side.
func (p *Port) Receive() (Message, bool) {
	p.recvMu.Lock()
	defer p.recvMu.Unlock()
	return p.outbox.Pop()
}

// Next returns the oldest message posted by the control context. Callback
// side.
func (p *Port) Next() (Message, bool) {
	return p.inbox.Pop()
}

// Send queues msg for the control context. It returns false, and counts the
// message as dropped, when the outbox is full. Callback side.
func (p *Port) Send(msg Message) bool {
	if !p.outbox.Push(msg) {
		p.droppedOut.Add(1)
		return false
	}
	return true
}

// Dropped returns how many messages were lost to full queues in each
// direction.
func (p *Port) Dropped() (in, out uint64) {
	return p.droppedIn.Load(), p.droppedOut.Load()
}
