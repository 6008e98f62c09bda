package cache

import (
	"sync"
	"time"
)

const accessWindow = 100

// PatternStats aggregates accesses for one key pattern. The rolling
// windows are bounded so a hot pattern cannot grow without limit.
type PatternStats struct {
	AccessCount int64
	HitCount    int64
	MissCount   int64

	accessTimes   []time.Time
	responseTimes []time.Duration
	lastChange    time.Time
}

// HitRate returns hits / (hits + misses).
func (s *PatternStats) HitRate() float64 {
	total := s.HitCount + s.MissCount
	if total == 0 {
		return 0
	}
	return float64(s.HitCount) / float64(total)
}

// AccessesPerMinute estimates the recent access rate from the rolling
// window.
func (s *PatternStats) AccessesPerMinute(now time.Time) float64 {
	if len(s.accessTimes) < 2 {
		return 0
	}
	span := now.Sub(s.accessTimes[0])
	if span <= 0 {
		return 0
	}
	return float64(len(s.accessTimes)) / span.Minutes()
}

// LastAccess returns the most recent access time, zero if none.
func (s *PatternStats) LastAccess() time.Time {
	if len(s.accessTimes) == 0 {
		return time.Time{}
	}
	return s.accessTimes[len(s.accessTimes)-1]
}

// Analytics collects per-pattern counters and per-principal access
// sequences. The TTL manager and the warming planner read batched
// snapshots; only cache operations write.
type Analytics struct {
	mu        sync.RWMutex
	patterns  map[string]*PatternStats
	sequences map[string][]Ref
	seqCap    int
}

// NewAnalytics creates a collector. seqCap bounds each principal's
// access sequence; zero means the default of 100.
func NewAnalytics(seqCap int) *Analytics {
	if seqCap <= 0 {
		seqCap = accessWindow
	}
	return &Analytics{
		patterns:  make(map[string]*PatternStats),
		sequences: make(map[string][]Ref),
		seqCap:    seqCap,
	}
}

// RecordAccess notes one cache access for the ref's pattern and appends
// the ref to the principal's sequence.
func (a *Analytics) RecordAccess(ref Ref, hit bool, latency time.Duration) {
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	stats, ok := a.patterns[ref.Pattern()]
	if !ok {
		stats = &PatternStats{}
		a.patterns[ref.Pattern()] = stats
	}
	stats.AccessCount++
	if hit {
		stats.HitCount++
	} else {
		stats.MissCount++
	}
	stats.accessTimes = appendBounded(stats.accessTimes, now, accessWindow)
	stats.responseTimes = appendBounded(stats.responseTimes, latency, accessWindow)

	if ref.PrincipalID != "" {
		a.sequences[ref.PrincipalID] = appendBounded(a.sequences[ref.PrincipalID], ref, a.seqCap)
	}
}

// RecordChange notes a data-change event on a pattern; the TTL manager
// treats recently changed patterns as more volatile.
func (a *Analytics) RecordChange(pattern string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats, ok := a.patterns[pattern]
	if !ok {
		stats = &PatternStats{}
		a.patterns[pattern] = stats
	}
	stats.lastChange = time.Now()
}

// Snapshot returns a copy of each pattern's counters for batch
// processing.
func (a *Analytics) Snapshot() map[string]PatternStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]PatternStats, len(a.patterns))
	for pattern, stats := range a.patterns {
		cp := *stats
		cp.accessTimes = append([]time.Time(nil), stats.accessTimes...)
		cp.responseTimes = append([]time.Duration(nil), stats.responseTimes...)
		out[pattern] = cp
	}
	return out
}

// Sequence returns a copy of the principal's recent access refs, oldest
// first.
func (a *Analytics) Sequence(principalID string) []Ref {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Ref(nil), a.sequences[principalID]...)
}

// Principals lists principals with a recorded sequence.
func (a *Analytics) Principals() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.sequences))
	for id := range a.sequences {
		out = append(out, id)
	}
	return out
}

func appendBounded[T any](s []T, v T, capacity int) []T {
	s = append(s, v)
	if len(s) > capacity {
		s = s[len(s)-capacity:]
	}
	return s
}
