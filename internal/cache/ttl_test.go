package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLManagerDefaultsByKind(t *testing.T) {
	m := NewTTLManager(TTLManagerConfig{}, NewAnalytics(0))

	session := m.TTLsFor(Ref{Kind: KindSession, Op: "read"})
	config := m.TTLsFor(Ref{Kind: KindConfig, Op: "read"})

	assert.Less(t, session.L1, config.L1, "volatile kinds get shorter TTLs")
	assert.Less(t, session.L2, config.L2)
	assert.Equal(t, time.Minute, session.L1)
	assert.Equal(t, 6*time.Hour, config.L2)
}

func TestTTLManagerSkipsBelowMinSamples(t *testing.T) {
	analytics := NewAnalytics(0)
	m := NewTTLManager(TTLManagerConfig{MinSamples: 10}, analytics)

	ref := Ref{PrincipalID: "u1", Kind: KindResource, ResourceID: "r1", Op: "read"}
	for i := 0; i < 9; i++ {
		analytics.RecordAccess(ref, true, time.Millisecond)
	}
	require.NoError(t, m.Adjust(context.Background()))

	assert.Empty(t, m.patterns, "patterns below the sample floor are untouched")
}

func TestTTLManagerPromotionRequiresHitRate(t *testing.T) {
	analytics := NewAnalytics(0)
	m := NewTTLManager(TTLManagerConfig{MinSamples: 10, TargetHitRate: 0.95}, analytics)

	ref := Ref{PrincipalID: "u1", Kind: KindResource, ResourceID: "r1", Op: "read"}
	// Heavy traffic but a poor hit rate: half misses.
	for i := 0; i < 50; i++ {
		analytics.RecordAccess(ref, i%2 == 0, time.Millisecond)
	}
	require.NoError(t, m.Adjust(context.Background()))

	state := m.patterns[ref.Pattern()]
	require.NotNil(t, state)
	assert.True(t, state.lastAdjusted.IsZero(), "promotion requires hit rate >= 0.9 x target")
	assert.Equal(t, m.defaultsFor(KindResource), state.current)
}

func TestTTLManagerPromotesOnGoodHitRate(t *testing.T) {
	analytics := NewAnalytics(0)
	m := NewTTLManager(TTLManagerConfig{MinSamples: 10, TargetHitRate: 0.95}, analytics)

	ref := Ref{PrincipalID: "u1", Kind: KindResource, ResourceID: "r1", Op: "read"}
	for i := 0; i < 100; i++ {
		analytics.RecordAccess(ref, true, time.Millisecond)
	}
	require.NoError(t, m.Adjust(context.Background()))

	state := m.patterns[ref.Pattern()]
	require.NotNil(t, state)
	assert.False(t, state.lastAdjusted.IsZero())
	base := m.defaultsFor(KindResource)
	assert.Greater(t, state.current.L2, base.L2, "hot pattern with perfect hits lengthens TTL")
	// Combined factor is clamped to 1 + sensitivity.
	assert.LessOrEqual(t, state.current.L2, scaleTTL(base.L2, 1.1)+time.Second)
}

func TestTTLManagerPromotionCooldown(t *testing.T) {
	analytics := NewAnalytics(0)
	m := NewTTLManager(TTLManagerConfig{MinSamples: 10, TargetHitRate: 0.95}, analytics)

	ref := Ref{PrincipalID: "u1", Kind: KindResource, ResourceID: "r1", Op: "read"}
	for i := 0; i < 100; i++ {
		analytics.RecordAccess(ref, true, time.Millisecond)
	}
	require.NoError(t, m.Adjust(context.Background()))

	first := m.patterns[ref.Pattern()].lastAdjusted
	require.False(t, first.IsZero())

	// A second pass inside the cooldown leaves the timestamp alone.
	require.NoError(t, m.Adjust(context.Background()))
	assert.Equal(t, first, m.patterns[ref.Pattern()].lastAdjusted)
}

func TestFrequencyFactorBounds(t *testing.T) {
	assert.Equal(t, 0.8, frequencyFactor(0))
	assert.Equal(t, 1.3, frequencyFactor(1000))
	mid := frequencyFactor(30)
	assert.Greater(t, mid, 0.8)
	assert.Less(t, mid, 1.3)
}

func TestTTLClamp(t *testing.T) {
	m := NewTTLManager(TTLManagerConfig{MinTTL: time.Minute, MaxTTL: time.Hour}, NewAnalytics(0))
	assert.Equal(t, time.Minute, m.clampTTL(time.Second))
	assert.Equal(t, time.Hour, m.clampTTL(24*time.Hour))
	assert.Equal(t, 30*time.Minute, m.clampTTL(30*time.Minute))
}
