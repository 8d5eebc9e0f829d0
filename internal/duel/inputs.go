package duel

import (
	"sync"

	"github.com/meathill/pvp-games/internal/engine"
)

const (
	defaultInputCapacity = 8

	inputOccupancyMetricKey = "duel_input_buffer_occupancy"
	inputEvictedMetricKey   = "duel_input_buffer_evicted_total"
)

// intent is one buffered client input.
type intent struct {
	Direction engine.Direction
	Seq       uint64
}

type inputMetrics interface {
	Add(string, uint64)
	Store(string, uint64)
}

// inputRing buffers pending client inputs in a fixed-size ring. When the ring
// is full a new push evicts the oldest entry, so the freshest inputs survive
// sustained bursts. Safe for concurrent producers and a single consumer.
type inputRing struct {
	mu      sync.Mutex
	data    []intent
	head    int
	count   int
	metrics inputMetrics
}

func newInputRing(capacity int, metrics inputMetrics) *inputRing {
	if capacity < 1 {
		capacity = defaultInputCapacity
	}
	return &inputRing{
		data:    make([]intent, capacity),
		metrics: metrics,
	}
}

// Push stages an input, reporting whether an older one was evicted.
func (r *inputRing) Push(in intent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := false
	if r.count == len(r.data) {
		r.head = (r.head + 1) % len(r.data)
		r.count--
		evicted = true
		if r.metrics != nil {
			r.metrics.Add(inputEvictedMetricKey, 1)
		}
	}
	tail := (r.head + r.count) % len(r.data)
	r.data[tail] = in
	r.count++
	r.storeOccupancyLocked()
	return evicted
}

// PopOne dequeues the oldest staged input.
func (r *inputRing) PopOne() (intent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return intent{}, false
	}
	in := r.data[r.head]
	r.head = (r.head + 1) % len(r.data)
	r.count--
	r.storeOccupancyLocked()
	return in, true
}

// Len reports the number of staged inputs.
func (r *inputRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *inputRing) storeOccupancyLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.Store(inputOccupancyMetricKey, uint64(r.count))
}
