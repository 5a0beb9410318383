package processor

import (
	"sync"
	"time"
)

// maxMetricsWindow caps the rolling window regardless of configuration.
const maxMetricsWindow = 100

// thoughtMetrics keeps per-thought wall times in a fixed ring and serves the
// rolling mean. Wall time is the thought's own processing span, not its share
// of wall-clock across concurrent workers.
type thoughtMetrics struct {
	mu     sync.Mutex
	ring   []time.Duration
	next   int
	filled int
	total  int64
}

func newThoughtMetrics(window int) *thoughtMetrics {
	if window <= 0 || window > maxMetricsWindow {
		window = maxMetricsWindow
	}
	return &thoughtMetrics{ring: make([]time.Duration, window)}
}

// Observe records one completed thought's processing time.
func (m *thoughtMetrics) Observe(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = d
	m.next = (m.next + 1) % len(m.ring)
	if m.filled < len(m.ring) {
		m.filled++
	}
	m.total++
}

// SecondsPerThought returns the rolling mean in seconds, 0 before the first
// completed thought.
func (m *thoughtMetrics) SecondsPerThought() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.filled == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < m.filled; i++ {
		sum += m.ring[i]
	}
	return (sum / time.Duration(m.filled)).Seconds()
}

// Completed returns the lifetime count of completed thoughts.
func (m *thoughtMetrics) Completed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}
