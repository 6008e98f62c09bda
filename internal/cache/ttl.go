package cache

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/velro/authcore/internal/metrics"
)

// Volatility categorizes how quickly a key kind's data changes; it
// selects the default TTL triple.
type Volatility string

const (
	VolatilityVeryHigh Volatility = "very_high"
	VolatilityHigh     Volatility = "high"
	VolatilityMedium   Volatility = "medium"
	VolatilityLow      Volatility = "low"
	VolatilityVeryLow  Volatility = "very_low"
)

// TTLTriple is the per-tier TTL assignment for a pattern. L3 applies
// only when an archival tier is configured and is zero otherwise.
type TTLTriple struct {
	L1 time.Duration
	L2 time.Duration
	L3 time.Duration
}

var volatilityDefaults = map[Volatility]TTLTriple{
	VolatilityVeryHigh: {L1: 1 * time.Minute, L2: 5 * time.Minute},
	VolatilityHigh:     {L1: 2 * time.Minute, L2: 15 * time.Minute},
	VolatilityMedium:   {L1: 5 * time.Minute, L2: 30 * time.Minute},
	VolatilityLow:      {L1: 15 * time.Minute, L2: time.Hour},
	VolatilityVeryLow:  {L1: 30 * time.Minute, L2: 6 * time.Hour},
}

// kindVolatility maps key kinds to their default volatility.
var kindVolatility = map[Kind]Volatility{
	KindSession:    VolatilityVeryHigh,
	KindGeneration: VolatilityHigh,
	KindResource:   VolatilityMedium,
	KindTeam:       VolatilityMedium,
	KindProject:    VolatilityLow,
	KindProfile:    VolatilityLow,
	KindConfig:     VolatilityVeryLow,
}

// TTLManagerConfig tunes the adaptive TTL rules.
type TTLManagerConfig struct {
	Sensitivity        float64       // combined factor clamp, default 0.1
	MinTTL             time.Duration // floor, default 30s
	MaxTTL             time.Duration // ceiling, default 24h
	TargetHitRate      float64       // default 0.95
	MinSamples         int64         // default 10
	PromotionThreshold float64       // minimum factor movement, default 0.05
	PromotionCooldown  time.Duration // default 1h
	ActivityWindow     time.Duration // patterns idle longer are skipped, default 15m
}

func (c *TTLManagerConfig) withDefaults() {
	if c.Sensitivity <= 0 {
		c.Sensitivity = 0.1
	}
	if c.MinTTL <= 0 {
		c.MinTTL = 30 * time.Second
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = 24 * time.Hour
	}
	if c.TargetHitRate <= 0 {
		c.TargetHitRate = 0.95
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.PromotionThreshold <= 0 {
		c.PromotionThreshold = 0.05
	}
	if c.PromotionCooldown <= 0 {
		c.PromotionCooldown = time.Hour
	}
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = 15 * time.Minute
	}
}

type patternTTL struct {
	current      TTLTriple
	volatility   Volatility
	lastAdjusted time.Time
}

// TTLManager derives per-pattern TTLs from access analytics. State is
// single-writer (the background loop), many-reader (cache operations).
type TTLManager struct {
	cfg       TTLManagerConfig
	analytics *Analytics

	mu       sync.RWMutex
	patterns map[string]*patternTTL
}

// NewTTLManager creates the manager.
func NewTTLManager(cfg TTLManagerConfig, analytics *Analytics) *TTLManager {
	cfg.withDefaults()
	return &TTLManager{
		cfg:       cfg,
		analytics: analytics,
		patterns:  make(map[string]*patternTTL),
	}
}

// TTLsFor returns the current TTL triple for a ref, falling back to the
// kind's volatility defaults for unseen patterns.
func (m *TTLManager) TTLsFor(ref Ref) TTLTriple {
	m.mu.RLock()
	state, ok := m.patterns[ref.Pattern()]
	m.mu.RUnlock()
	if ok {
		return state.current
	}
	return m.defaultsFor(ref.Kind)
}

func (m *TTLManager) defaultsFor(kind Kind) TTLTriple {
	vol, ok := kindVolatility[kind]
	if !ok {
		vol = VolatilityMedium
	}
	return volatilityDefaults[vol]
}

// Adjust runs one adjustment pass. Intended for a 5-minute background
// cadence; exported so tests can drive it directly.
func (m *TTLManager) Adjust(ctx context.Context) error {
	now := time.Now()
	snapshot := m.analytics.Snapshot()

	for pattern, stats := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if stats.AccessCount < m.cfg.MinSamples {
			continue
		}
		if last := stats.LastAccess(); last.IsZero() || now.Sub(last) > m.cfg.ActivityWindow {
			continue
		}

		m.adjustPattern(pattern, stats, now)
	}
	return nil
}

func (m *TTLManager) adjustPattern(pattern string, stats PatternStats, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.patterns[pattern]
	if !ok {
		state = &patternTTL{
			current:    m.defaultsForPattern(pattern),
			volatility: m.volatilityForPattern(pattern),
		}
		m.patterns[pattern] = state
	}

	freq := frequencyFactor(stats.AccessesPerMinute(now))
	perf := clampFloat(stats.HitRate()/m.cfg.TargetHitRate, 0.8, 1.2)
	combined := clampFloat(freq*perf, 1-m.cfg.Sensitivity, 1+m.cfg.Sensitivity)

	base := volatilityDefaults[state.volatility]
	candidate := TTLTriple{
		L1: m.clampTTL(scaleTTL(base.L1, combined)),
		L2: m.clampTTL(scaleTTL(base.L2, combined)),
	}

	metrics.TTLOptimal.WithLabelValues(pattern).Set(candidate.L2.Seconds())

	movement := math.Abs(combined - 1)
	if movement < m.cfg.PromotionThreshold {
		return
	}
	if stats.HitRate() < 0.9*m.cfg.TargetHitRate {
		return
	}
	if !state.lastAdjusted.IsZero() && now.Sub(state.lastAdjusted) < m.cfg.PromotionCooldown {
		return
	}

	direction := "up"
	if combined < 1 {
		direction = "down"
	}
	metrics.TTLAdjustments.WithLabelValues(direction).Inc()

	state.current = candidate
	state.lastAdjusted = now
}

// defaultsForPattern parses the kind back out of a pattern string.
func (m *TTLManager) defaultsForPattern(pattern string) TTLTriple {
	return volatilityDefaults[m.volatilityForPattern(pattern)]
}

func (m *TTLManager) volatilityForPattern(pattern string) Volatility {
	for kind, vol := range kindVolatility {
		if len(pattern) >= len(kind) && pattern[:len(kind)] == string(kind) {
			return vol
		}
	}
	return VolatilityMedium
}

// frequencyFactor maps accesses-per-minute onto [0.8, 1.3]: idle
// patterns shrink toward 0.8, patterns at or above one access per
// second saturate at 1.3.
func frequencyFactor(apm float64) float64 {
	if apm <= 0 {
		return 0.8
	}
	f := 0.8 + 0.5*(apm/60.0)
	if f > 1.3 {
		f = 1.3
	}
	return f
}

func scaleTTL(ttl time.Duration, factor float64) time.Duration {
	return time.Duration(float64(ttl) * factor)
}

func (m *TTLManager) clampTTL(ttl time.Duration) time.Duration {
	if ttl < m.cfg.MinTTL {
		return m.cfg.MinTTL
	}
	if ttl > m.cfg.MaxTTL {
		return m.cfg.MaxTTL
	}
	return ttl
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
