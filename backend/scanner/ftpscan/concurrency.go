package ftpscan

import (
	"sync"
	"sync/atomic"
	"time"
)

// executionStats gathers rolling probe counters.
type executionStats struct {
	anonymous   atomic.Uint64
	restricted  atomic.Uint64
	unreachable atomic.Uint64
	durationsNS atomic.Uint64
	inflight    atomic.Int64
	maxInflight atomic.Int64
}

func (s *executionStats) recordStart() {
	cur := s.inflight.Add(1)
	for {
		peak := s.maxInflight.Load()
		if cur <= peak || s.maxInflight.CompareAndSwap(peak, cur) {
			return
		}
	}
}

func (s *executionStats) recordFinish(kind OutcomeKind, duration time.Duration) {
	switch kind {
	case Anonymous:
		s.anonymous.Add(1)
	case RestrictedFTP:
		s.restricted.Add(1)
	default:
		s.unreachable.Add(1)
	}
	if dur := duration.Nanoseconds(); dur > 0 {
		s.durationsNS.Add(uint64(dur))
	}
	s.inflight.Add(-1)
}

func (s *executionStats) finished() uint64 {
	return s.anonymous.Load() + s.restricted.Load() + s.unreachable.Load()
}

// concurrencyManager decides the worker count and measures throughput.
type concurrencyManager struct {
	threads int
	stats   *executionStats

	permitMu        sync.Mutex
	lastFinished    uint64
	lastPermitsTime time.Time
	cachedPPS       float64
	runStart        time.Time
}

func newConcurrencyManager(params ScanParams, planned int) *concurrencyManager {
	threads := params.Threads
	if threads <= 0 {
		threads = DefaultThreads
	}
	if fdCap := fdAwareThreadCap(); fdCap > 0 && threads > fdCap {
		threads = fdCap
	}
	// never start more workers than there are addresses
	if planned > 0 && threads > planned {
		threads = planned
	}
	if threads < 1 {
		threads = 1
	}
	return &concurrencyManager{
		threads:  threads,
		stats:    &executionStats{},
		runStart: time.Now(),
	}
}

func (m *concurrencyManager) Workers() int {
	return m.threads
}

func (m *concurrencyManager) RecordStart() {
	m.stats.recordStart()
}

func (m *concurrencyManager) RecordFinish(kind OutcomeKind, duration time.Duration) {
	m.stats.recordFinish(kind, duration)
}

// PeakInflight is the highest number of simultaneous probes observed.
func (m *concurrencyManager) PeakInflight() int {
	return int(m.stats.maxInflight.Load())
}

// EffectivePPS returns finished probes per second, smoothed with an
// exponential moving average and refreshed at most once per second.
func (m *concurrencyManager) EffectivePPS() float64 {
	if m == nil {
		return 0
	}
	now := time.Now()
	total := m.stats.finished()
	m.permitMu.Lock()
	defer m.permitMu.Unlock()
	if m.lastPermitsTime.IsZero() {
		m.lastPermitsTime = now
		m.lastFinished = total
		return 0
	}
	elapsed := now.Sub(m.lastPermitsTime)
	if elapsed < time.Second {
		return m.cachedPPS
	}
	delta := total - m.lastFinished
	m.lastFinished = total
	m.lastPermitsTime = now
	pps := float64(delta) / elapsed.Seconds()
	const alpha = 0.3
	if m.cachedPPS == 0 {
		m.cachedPPS = pps
	} else {
		m.cachedPPS = alpha*pps + (1-alpha)*m.cachedPPS
	}
	return m.cachedPPS
}

func (m *concurrencyManager) Uptime() time.Duration {
	return time.Since(m.runStart)
}
