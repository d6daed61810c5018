package session

import (
	"math"
	"slices"
	"sync"
	"time"
)

// TickStats collects graph tick latency samples for the status endpoint. It
// keeps a bounded window of recent observations from which percentiles are
// computed on demand.
//
// Thread-safe for concurrent use. It is fed by the reporter goroutine, never
// by the real-time context.
type TickStats struct {
	mu sync.Mutex

	window latencyBuffer
	total  int64
	max    time.Duration
}

// NewTickStats creates a TickStats with the given window size (maximum
// number of samples retained). Non-positive sizes default to 512.
func NewTickStats(windowSize int) *TickStats {
	if windowSize <= 0 {
		windowSize = 512
	}
	return &TickStats{window: newLatencyBuffer(windowSize)}
}

// Record adds a tick latency sample.
func (ts *TickStats) Record(d time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.window.add(d)
	ts.total++
	if d > ts.max {
		ts.max = d
	}
}

// LatencyPercentiles holds p50 and p95 values of the current window.
type LatencyPercentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
}

// TickSnapshot is a point-in-time view of the tick statistics.
type TickSnapshot struct {
	LatencyPercentiles
	Max     time.Duration `json:"max"`
	Samples int64         `json:"samples"`
}

// Snapshot returns a point-in-time view of the statistics.
func (ts *TickStats) Snapshot() TickSnapshot {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return TickSnapshot{
		LatencyPercentiles: ts.window.percentiles(),
		Max:                ts.max,
		Samples:            ts.total,
	}
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{data: make([]time.Duration, size)}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos == len(lb.data) {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = len(lb.data)
	}
	if n == 0 {
		return LatencyPercentiles{}
	}
	sorted := slices.Clone(lb.data[:n])
	slices.Sort(sorted)
	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the value at p (0.0-1.0) of a sorted slice using
// nearest-rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
