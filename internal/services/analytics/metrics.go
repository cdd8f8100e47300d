package analytics

import "sync/atomic"

// CacheMetrics tracks day-cache behavior over the process lifetime. Counters
// are monotonic and safe for concurrent request handlers.
type CacheMetrics struct {
	hits          atomic.Int64
	misses        atomic.Int64
	rebuilds      atomic.Int64
	lockSuccesses atomic.Int64
	lockFailures  atomic.Int64
	graceServes   atomic.Int64
}

// CacheMetricsSnapshot is the read-side view with derived rates.
type CacheMetricsSnapshot struct {
	Hits               int64   `json:"hits"`
	Misses             int64   `json:"misses"`
	Rebuilds           int64   `json:"rebuilds"`
	LockSuccesses      int64   `json:"lock_successes"`
	LockFailures       int64   `json:"lock_failures"`
	GraceServes        int64   `json:"grace_serves"`
	HitRate            float64 `json:"hit_rate"`
	LockContentionRate float64 `json:"lock_contention_rate"`
}

func (m *CacheMetrics) Snapshot() CacheMetricsSnapshot {
	snap := CacheMetricsSnapshot{
		Hits:          m.hits.Load(),
		Misses:        m.misses.Load(),
		Rebuilds:      m.rebuilds.Load(),
		LockSuccesses: m.lockSuccesses.Load(),
		LockFailures:  m.lockFailures.Load(),
		GraceServes:   m.graceServes.Load(),
	}
	if lookups := snap.Hits + snap.Misses; lookups > 0 {
		snap.HitRate = float64(snap.Hits) / float64(lookups)
	}
	if attempts := snap.LockSuccesses + snap.LockFailures; attempts > 0 {
		snap.LockContentionRate = float64(snap.LockFailures) / float64(attempts)
	}
	return snap
}
