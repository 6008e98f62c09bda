package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry(value string, ttl time.Duration, tags ...string) *Entry {
	now := time.Now()
	return &Entry{
		Value:     []byte(value),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Tags:      tags,
	}
}

func TestL1GetSet(t *testing.T) {
	c := NewL1(L1Config{})

	c.Set("k1", newEntry("v1", time.Minute), false)
	entry, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), entry.Value)
	assert.Equal(t, int64(1), entry.AccessCount)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestL1Expiry(t *testing.T) {
	c := NewL1(L1Config{})

	c.Set("k1", newEntry("v1", 10*time.Millisecond), false)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestL1MemoryBudgetEviction(t *testing.T) {
	// Budget fits roughly three entries given the fixed overhead.
	c := NewL1(L1Config{MemoryBudgetBytes: 450})

	c.Set("a", newEntry("1", time.Minute), false)
	c.Set("b", newEntry("2", time.Minute), false)
	c.Set("c", newEntry("3", time.Minute), false)

	// Touch "a" so "b" is the LRU victim.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", newEntry("4", time.Minute), false)

	_, ok = c.Get("b")
	assert.False(t, ok, "LRU entry should have been evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("d")
	assert.True(t, ok)
	assert.LessOrEqual(t, c.UsedBytes(), int64(450))
}

func TestL1HotKeysBounded(t *testing.T) {
	c := NewL1(L1Config{HotKeyCapacity: 2})

	c.Set("h1", newEntry("1", time.Minute), true)
	c.Set("h2", newEntry("2", time.Minute), true)
	c.Set("h3", newEntry("3", time.Minute), true)

	assert.Equal(t, 2, c.HotLen())
	// Evicted from hot keys but still in the main structure.
	_, ok := c.Get("h1")
	assert.True(t, ok)
}

func TestL1DeleteByTag(t *testing.T) {
	c := NewL1(L1Config{})

	c.Set("k1", newEntry("1", time.Minute, "user:u1", "resource:r1"), false)
	c.Set("k2", newEntry("2", time.Minute, "user:u1"), true)
	c.Set("k3", newEntry("3", time.Minute, "user:u2"), false)

	removed := c.DeleteByTag("user:u1")
	assert.Len(t, removed, 2)

	_, ok := c.Get("k1")
	assert.False(t, ok)
	_, ok = c.Get("k2")
	assert.False(t, ok)
	_, ok = c.Get("k3")
	assert.True(t, ok)
}

func TestL1DeleteByPattern(t *testing.T) {
	c := NewL1(L1Config{})

	c.Set("auth:user:u1:gen:0:resource:r1:op:read", newEntry("1", time.Minute), false)
	c.Set("auth:user:u1:gen:0:resource:r2:op:write", newEntry("2", time.Minute), false)
	c.Set("auth:user:u2:gen:0:resource:r1:op:read", newEntry("3", time.Minute), false)

	removed := c.DeleteByPattern("auth:user:u1:gen:*:resource:*:op:*")
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, c.Len())
}

func TestL1Compression(t *testing.T) {
	c := NewL1(L1Config{CompressionThreshold: 64})

	big := make([]byte, 0, 4096)
	for i := 0; i < 512; i++ {
		big = append(big, []byte("compress")...)
	}
	entry := newEntry(string(big), time.Minute)
	c.Set("big", entry, false)

	stored, ok := c.Get("big")
	require.True(t, ok)
	require.True(t, stored.Compressed)
	assert.Less(t, len(stored.Value), len(big))

	raw, err := Decompress(stored.Value)
	require.NoError(t, err)
	assert.Equal(t, big, raw)
}

func TestMatchPattern(t *testing.T) {
	key := "auth:user:u1:gen:3:resource:r1:op:read"

	assert.True(t, MatchPattern("auth:user:u1:gen:*:resource:*:op:read", key))
	assert.True(t, MatchPattern(key, key))
	assert.False(t, MatchPattern("auth:user:u2:gen:*:resource:*:op:read", key))
	assert.False(t, MatchPattern("auth:user:u1:gen:*", key))
}
