// Package stats keeps rolling detection statistics.
package stats

import (
	"maps"
	"sync"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/detection"
)

// DefaultHistorySize is the rolling window length.
const DefaultHistorySize = 10

// Snapshot is a point-in-time copy of the aggregate statistics.
type Snapshot struct {
	TotalDetections uint64
	PerClassCounts  map[string]uint64
	// AvgConfidence is the mean confidence over History, or 0 when History is empty.
	AvgConfidence float64
	// History holds the most recent detections, newest first.
	History []detection.Detection
}

// Aggregator records accepted detections. All fields are guarded by mu so a
// Snapshot never sees a history push without its counter increments.
type Aggregator struct {
	mu       sync.RWMutex
	total    uint64
	perClass map[string]uint64

	// ring buffer, head is the index of the newest entry
	ring  []detection.Detection
	head  int
	count int

	avg float64
}

// NewAggregator creates an aggregator with the given window size. Classes are
// pre-registered with a zero count.
func NewAggregator(historySize int, classes ...string) *Aggregator {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	a := &Aggregator{
		perClass: make(map[string]uint64, len(classes)),
		ring:     make([]detection.Detection, historySize),
		head:     -1,
	}
	a.Register(classes...)
	return a
}

// Register adds zero counters for classes that have none yet.
func (a *Aggregator) Register(classes ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range classes {
		if _, ok := a.perClass[c]; !ok {
			a.perClass[c] = 0
		}
	}
}

// Record adds one accepted detection.
func (a *Aggregator) Record(d detection.Detection) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	a.perClass[d.ClassLabel]++

	a.head = (a.head + 1) % len(a.ring)
	a.ring[a.head] = d
	if a.count < len(a.ring) {
		a.count++
	}

	var sum float64
	for i := 0; i < a.count; i++ {
		sum += a.ring[a.index(i)].Confidence
	}
	a.avg = sum / float64(a.count)
}

// index maps a newest-first position to a ring slot.
func (a *Aggregator) index(i int) int {
	n := len(a.ring)
	return ((a.head-i)%n + n) % n
}

// Snapshot returns a copy of the current state. The returned map and slice are
// owned by the caller.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	history := make([]detection.Detection, a.count)
	for i := range history {
		history[i] = a.ring[a.index(i)]
	}

	return Snapshot{
		TotalDetections: a.total,
		PerClassCounts:  maps.Clone(a.perClass),
		AvgConfidence:   a.avg,
		History:         history,
	}
}
