package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/velro/authcore/internal/metrics"
)

// Producer computes the value on a total miss. It is invoked exactly
// once per Get and returns the value bytes plus the tags the entry
// should carry.
type Producer func(ctx context.Context) (value []byte, tags []string, err error)

// degradedThreshold is how many consecutive L2 failures switch the
// engine into L1-only mode.
const degradedThreshold = 3

// Engine is the hierarchical cache: hot keys, then L1, then L2 with
// backfill, then the caller's producer. When L2 fails repeatedly the
// engine degrades to L1-only until a probe succeeds.
type Engine struct {
	keys      *KeyBuilder
	l1        *L1
	l2        *L2
	ttl       *TTLManager
	analytics *Analytics
	logger    *slog.Logger

	degraded   atomic.Bool
	l2Failures atomic.Int64

	// observer, when set, sees every access; the warming planner uses
	// it to account for predictive-warm effectiveness.
	observer func(ref Ref, hit bool)
}

// SetAccessObserver registers the access observer. Must be called
// before the engine serves traffic.
func (e *Engine) SetAccessObserver(fn func(ref Ref, hit bool)) {
	e.observer = fn
}

// NewEngine assembles the engine.
func NewEngine(keys *KeyBuilder, l1 *L1, l2 *L2, ttl *TTLManager, analytics *Analytics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		keys:      keys,
		l1:        l1,
		l2:        l2,
		ttl:       ttl,
		analytics: analytics,
		logger:    logger,
	}
}

// Get resolves the ref's key and walks the tiers. On a total miss the
// producer runs once and its value is stored in both tiers. The
// returned hit flag is true when any tier served the value.
func (e *Engine) Get(ctx context.Context, ref Ref, hot bool, producer Producer) ([]byte, bool, error) {
	start := time.Now()

	key, err := e.keys.Build(ctx, ref)
	if err != nil {
		return nil, false, err
	}

	if entry, ok := e.l1.Get(key); ok {
		e.recordAccess(ref, true, time.Since(start))
		metrics.CacheOperations.WithLabelValues("l1", "get", "hit").Inc()
		metrics.CacheTierLatency.WithLabelValues("l1", "get").Observe(time.Since(start).Seconds())
		return e.unpack(entry)
	}
	metrics.CacheOperations.WithLabelValues("l1", "get", "miss").Inc()

	if !e.degraded.Load() {
		l2Start := time.Now()
		entry, err := e.l2.Get(ctx, key)
		metrics.CacheTierLatency.WithLabelValues("l2", "get").Observe(time.Since(l2Start).Seconds())
		switch {
		case err != nil:
			metrics.CacheOperations.WithLabelValues("l2", "get", "error").Inc()
			e.recordL2Failure(err)
		case entry != nil:
			e.l2Failures.Store(0)
			metrics.CacheOperations.WithLabelValues("l2", "get", "hit").Inc()
			// Backfill is best-effort; L1 TTL comes from the manager.
			e.l1.Set(key, entry, hot)
			e.recordAccess(ref, true, time.Since(start))
			return e.unpack(entry)
		default:
			e.l2Failures.Store(0)
			metrics.CacheOperations.WithLabelValues("l2", "get", "miss").Inc()
		}
	}

	e.recordAccess(ref, false, time.Since(start))

	if producer == nil {
		return nil, false, nil
	}
	value, tags, err := producer(ctx)
	if err != nil {
		return nil, false, err
	}
	if err := e.setKey(ctx, key, ref, value, tags, hot); err != nil {
		// The produced value is still good; a store failure only costs
		// the next caller a recompute.
		e.logger.Warn("cache store after miss failed", "key_pattern", ref.Pattern(), "error", err)
	}
	return value, false, nil
}

// Set stores a value under the ref's key in both tiers.
func (e *Engine) Set(ctx context.Context, ref Ref, value []byte, tags []string, hot bool) error {
	key, err := e.keys.Build(ctx, ref)
	if err != nil {
		return err
	}
	return e.setKey(ctx, key, ref, value, tags, hot)
}

func (e *Engine) setKey(ctx context.Context, key string, ref Ref, value []byte, tags []string, hot bool) error {
	ttls := e.ttl.TTLsFor(ref)
	now := time.Now()

	entry := &Entry{
		Value:      value,
		OwnerID:    ref.PrincipalID,
		ResourceID: ref.ResourceID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttls.L1),
		LastAccess: now,
		Tags:       tags,
	}
	e.l1.Set(key, entry, hot)
	metrics.CacheOperations.WithLabelValues("l1", "set", "ok").Inc()
	metrics.CacheMemoryBytes.Set(float64(e.l1.UsedBytes()))

	if e.degraded.Load() {
		return nil
	}

	l2Entry := *entry
	l2Entry.ExpiresAt = now.Add(ttls.L2)
	l2Start := time.Now()
	err := e.l2.Set(ctx, key, &l2Entry, ttls.L2)
	metrics.CacheTierLatency.WithLabelValues("l2", "set").Observe(time.Since(l2Start).Seconds())
	if err != nil {
		metrics.CacheOperations.WithLabelValues("l2", "set", "error").Inc()
		e.recordL2Failure(err)
		return err
	}
	e.l2Failures.Store(0)
	metrics.CacheOperations.WithLabelValues("l2", "set", "ok").Inc()
	return nil
}

// SetWithTTL stores a value with an explicit TTL, bypassing the TTL
// manager. Used for media grants whose lifetime tracks the grant expiry.
func (e *Engine) SetWithTTL(ctx context.Context, ref Ref, value []byte, tags []string, ttl time.Duration, hot bool) error {
	key, err := e.keys.Build(ctx, ref)
	if err != nil {
		return err
	}
	now := time.Now()
	entry := &Entry{
		Value:      value,
		OwnerID:    ref.PrincipalID,
		ResourceID: ref.ResourceID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
		Tags:       tags,
	}
	e.l1.Set(key, entry, hot)
	if e.degraded.Load() {
		return nil
	}
	if err := e.l2.Set(ctx, key, entry, ttl); err != nil {
		e.recordL2Failure(err)
		return err
	}
	return nil
}

// InvalidateTag removes every entry carrying the tag from both tiers.
func (e *Engine) InvalidateTag(ctx context.Context, tag string) error {
	metrics.CacheInvalidations.WithLabelValues("tag").Inc()
	e.l1.DeleteByTag(tag)

	if e.degraded.Load() {
		return nil
	}
	keys, err := e.l2.DeleteByTag(ctx, tag)
	if err != nil {
		e.recordL2Failure(err)
		return fmt.Errorf("invalidate tag %s: %w", tag, err)
	}
	// Keys indexed only in L2 may still sit in this process's L1.
	for _, key := range keys {
		e.l1.Delete(key)
	}
	return nil
}

// InvalidatePattern removes every key matching the component glob from
// both tiers.
func (e *Engine) InvalidatePattern(ctx context.Context, pattern string) error {
	metrics.CacheInvalidations.WithLabelValues("pattern").Inc()
	e.l1.DeleteByPattern(pattern)

	if e.degraded.Load() {
		return nil
	}
	keys, err := e.l2.DeleteByPattern(ctx, pattern)
	if err != nil {
		e.recordL2Failure(err)
		return fmt.Errorf("invalidate pattern %s: %w", pattern, err)
	}
	for _, key := range keys {
		e.l1.Delete(key)
	}
	return nil
}

// BumpPrincipalGeneration increments the principal's generation
// counter. Every key built with the old counter misses from then on,
// which invalidates the principal's entries in O(1).
func (e *Engine) BumpPrincipalGeneration(ctx context.Context, principalID string) (int64, error) {
	metrics.CacheInvalidations.WithLabelValues("generation_bump").Inc()
	gen, err := e.keys.Bump(ctx, principalID)
	if err != nil {
		return 0, fmt.Errorf("bump generation for %s: %w", principalID, err)
	}
	return gen, nil
}

// RecordChange forwards a data-change event to the analytics collector.
func (e *Engine) RecordChange(pattern string) {
	e.analytics.RecordChange(pattern)
}

// Degraded reports whether the engine is in L1-only mode.
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}

// ProbeL2 pings the shared tier and clears degraded mode on success.
// Wired as a background loop.
func (e *Engine) ProbeL2(ctx context.Context) error {
	if err := e.l2.Ping(ctx); err != nil {
		if !e.degraded.Load() {
			e.recordL2Failure(err)
		}
		return nil
	}
	if e.degraded.CompareAndSwap(true, false) {
		e.l2Failures.Store(0)
		metrics.CacheDegraded.Set(0)
		e.logger.Info("shared cache tier recovered, leaving degraded mode")
	}
	return nil
}

// SweepL1 drops expired L1 entries. Wired as a background loop.
func (e *Engine) SweepL1(ctx context.Context) error {
	n := e.l1.Sweep()
	if n > 0 {
		e.logger.Debug("swept expired cache entries", "count", n)
	}
	metrics.CacheMemoryBytes.Set(float64(e.l1.UsedBytes()))
	return nil
}

// EngineStats is the admin-facing snapshot of both tiers.
type EngineStats struct {
	L1          TierStats `json:"l1"`
	L2          TierStats `json:"l2"`
	L1Entries   int       `json:"l1_entries"`
	L1HotKeys   int       `json:"l1_hot_keys"`
	L1UsedBytes int64     `json:"l1_used_bytes"`
	L2Errors    int64     `json:"l2_errors"`
	Degraded    bool      `json:"degraded"`
}

// Stats returns the current tier statistics.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		L1:          e.l1.Stats(),
		L2:          e.l2.Stats(),
		L1Entries:   e.l1.Len(),
		L1HotKeys:   e.l1.HotLen(),
		L1UsedBytes: e.l1.UsedBytes(),
		L2Errors:    e.l2.Errors(),
		Degraded:    e.degraded.Load(),
	}
}

// Analytics exposes the collector for the warming planner and TTL loop.
func (e *Engine) Analytics() *Analytics {
	return e.analytics
}

func (e *Engine) unpack(entry *Entry) ([]byte, bool, error) {
	if !entry.Compressed {
		return entry.Value, true, nil
	}
	value, err := Decompress(entry.Value)
	if err != nil {
		return nil, false, fmt.Errorf("decompress cached value: %w", err)
	}
	return value, true, nil
}

func (e *Engine) recordAccess(ref Ref, hit bool, latency time.Duration) {
	e.analytics.RecordAccess(ref, hit, latency)
	if e.observer != nil {
		e.observer(ref, hit)
	}
}

func (e *Engine) recordL2Failure(err error) {
	n := e.l2Failures.Add(1)
	if n >= degradedThreshold && e.degraded.CompareAndSwap(false, true) {
		metrics.CacheDegraded.Set(1)
		e.logger.Error("shared cache tier unavailable, entering degraded mode",
			"consecutive_failures", n, "error", err)
	}
}
