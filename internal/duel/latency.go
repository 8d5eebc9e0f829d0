package duel

import (
	"sync"
	"time"
)

// latencyEstimator keeps a smoothed one-way latency estimate derived from
// ping round trips. Each observation nudges the estimate by a fifth of the
// difference, which tolerates the occasional outlier RTT.
type latencyEstimator struct {
	mu       sync.Mutex
	smoothed time.Duration
	samples  uint64
}

func (l *latencyEstimator) observe(rtt time.Duration) {
	if rtt < 0 {
		rtt = 0
	}
	oneWay := rtt / 2
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples++
	if l.samples == 1 {
		l.smoothed = oneWay
		return
	}
	l.smoothed += (oneWay - l.smoothed) / 5
}

func (l *latencyEstimator) estimate() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.smoothed, l.samples > 0
}
