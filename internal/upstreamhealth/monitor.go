// Package upstreamhealth tracks the recent outcomes of gateway fetches so
// the service can report upstream degradation without probing.
package upstreamhealth

import (
	"sync"
	"time"

	"github.com/ncecere/usage_insights/internal/config"
)

// Status summarizes the rolling fetch-outcome window.
type Status struct {
	Healthy      bool      `json:"healthy"`
	WindowSize   int       `json:"window_size"`
	Failures     int       `json:"failures"`
	DegradedAt   time.Time `json:"degraded_at,omitzero"`
	LastObserved time.Time `json:"last_observed,omitzero"`
}

// Monitor keeps a fixed-size window of recent fetch outcomes. When every
// slot in a full window is a failure, the upstream is marked degraded and
// stays so for the cooldown even if a stray success slips through.
type Monitor struct {
	mu         sync.Mutex
	window     []bool
	next       int
	filled     int
	degradedAt time.Time
	last       time.Time
	cooldown   time.Duration
	now        func() time.Time
}

func NewMonitor(cfg config.HealthConfig) *Monitor {
	size := cfg.RollingWindow
	if size <= 0 {
		size = 5
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Monitor{
		window:   make([]bool, size),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// RecordSuccess notes a completed gateway fetch.
func (m *Monitor) RecordSuccess() { m.record(true) }

// RecordFailure notes a failed gateway fetch.
func (m *Monitor) RecordFailure() { m.record(false) }

func (m *Monitor) record(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window[m.next] = ok
	m.next = (m.next + 1) % len(m.window)
	if m.filled < len(m.window) {
		m.filled++
	}
	m.last = m.now()

	if m.filled == len(m.window) && m.failureCountLocked() == len(m.window) {
		m.degradedAt = m.now()
	}
}

// Status reports the current window. Degraded state clears after the
// cooldown elapses and at least one success has been observed since.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	failures := m.failureCountLocked()
	status := Status{
		WindowSize:   len(m.window),
		Failures:     failures,
		LastObserved: m.last,
	}

	degraded := false
	if !m.degradedAt.IsZero() {
		if m.now().Sub(m.degradedAt) < m.cooldown {
			degraded = true
		} else if failures < len(m.window) {
			m.degradedAt = time.Time{}
		} else {
			degraded = true
		}
	}
	status.Healthy = !degraded
	status.DegradedAt = m.degradedAt
	return status
}

func (m *Monitor) failureCountLocked() int {
	failures := 0
	for i := 0; i < m.filled; i++ {
		if !m.window[i] {
			failures++
		}
	}
	return failures
}
