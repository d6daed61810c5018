// Package ring provides single-producer/single-consumer lock-free queues used
// to move data between the real-time audio context and the control context.
//
// Exactly one goroutine may write and exactly one goroutine may read at any
// time. Neither side blocks or allocates: a full queue rejects writes, an
// empty queue returns nothing.
package ring

import "sync/atomic"

// pad keeps the producer and consumer indices on separate cache lines.
type pad [64 - 8]byte

// Queue is a bounded SPSC queue of values.
type Queue[T any] struct {
	buf  []T
	mask uint64

	head atomic.Uint64 // next slot to write; owned by the producer
	_    pad
	tail atomic.Uint64 // next slot to read; owned by the consumer
	_    pad
}

// NewQueue returns a queue holding at least capacity values. The capacity is
// rounded up to a power of two.
func NewQueue[T any](capacity int) *Queue[T] {
	n := roundPow2(capacity)
	return &Queue[T]{buf: make([]T, n), mask: uint64(n - 1)}
}

// Push appends v. It returns false without blocking when the queue is full.
// Only the producer may call Push.
func (q *Queue[T]) Push(v T) bool {
	head := q.head.Load()
	if head-q.tail.Load() == uint64(len(q.buf)) {
		return false
	}
	q.buf[head&q.mask] = v
	q.head.Store(head + 1)
	return true
}

// Pop removes the oldest value. ok is false when the queue is empty.
// Only the consumer may call Pop.
func (q *Queue[T]) Pop() (v T, ok bool) {
	tail := q.tail.Load()
	if tail == q.head.Load() {
		return v, false
	}
	slot := &q.buf[tail&q.mask]
	v = *slot
	var zero T
	*slot = zero
	q.tail.Store(tail + 1)
	return v, true
}

// Len returns the number of queued values. The result is a snapshot.
func (q *Queue[T]) Len() int {
	return int(q.head.Load() - q.tail.Load())
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return len(q.buf) }

// Floats is a bounded SPSC ring of float32 samples supporting bulk reads and
// writes. It backs the speaker and Opus sinks.
type Floats struct {
	buf  []float32
	mask uint64

	head atomic.Uint64
	_    pad
	tail atomic.Uint64
	_    pad
}

// NewFloats returns a sample ring holding at least capacity samples, rounded up
// to a power of two.
func NewFloats(capacity int) *Floats {
	n := roundPow2(capacity)
	return &Floats{buf: make([]float32, n), mask: uint64(n - 1)}
}

// Write copies as many samples from p as fit and returns the count written.
// Only the producer may call Write.
func (r *Floats) Write(p []float32) int {
	head := r.head.Load()
	free := uint64(len(r.buf)) - (head - r.tail.Load())
	n := min(uint64(len(p)), free)
	for i := range n {
		r.buf[(head+i)&r.mask] = p[i]
	}
	r.head.Store(head + n)
	return int(n)
}

// Read copies up to len(p) samples into p and returns the count read.
// Only the consumer may call Read.
func (r *Floats) Read(p []float32) int {
	tail := r.tail.Load()
	avail := r.head.Load() - tail
	n := min(uint64(len(p)), avail)
	for i := range n {
		p[i] = r.buf[(tail+i)&r.mask]
	}
	r.tail.Store(tail + n)
	return int(n)
}

// Len returns the number of buffered samples.
func (r *Floats) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap returns the ring capacity in samples.
func (r *Floats) Cap() int { return len(r.buf) }

func roundPow2(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
