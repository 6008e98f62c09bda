package cache

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const tagKeyPrefix = "cachetag:"

// tag sets outlive the entries they index; stale members are harmless
// because deleting a missing key is a no-op.
const tagSetTTL = 48 * time.Hour

// envelope is the serialized form of an Entry in Redis.
type envelope struct {
	Value      []byte    `json:"v"`
	OwnerID    string    `json:"o,omitempty"`
	ResourceID string    `json:"r,omitempty"`
	CreatedAt  time.Time `json:"c"`
	ExpiresAt  time.Time `json:"e"`
	Tags       []string  `json:"t,omitempty"`
	Compressed bool      `json:"z,omitempty"`
}

// L2 is the shared tier. Values and the tag index live in the same
// Redis so a tag invalidation is visible to every process.
type L2 struct {
	client redis.UniversalClient

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// NewL2 creates the shared tier on an existing client.
func NewL2(client redis.UniversalClient) *L2 {
	return &L2{client: client}
}

// Get fetches and decodes an entry. A missing key returns (nil, nil).
func (c *L2) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("l2 get: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("l2 decode %s: %w", key, err)
	}

	c.hits.Add(1)
	return &Entry{
		Value:      env.Value,
		OwnerID:    env.OwnerID,
		ResourceID: env.ResourceID,
		CreatedAt:  env.CreatedAt,
		ExpiresAt:  env.ExpiresAt,
		Tags:       env.Tags,
		Compressed: env.Compressed,
	}, nil
}

// Set stores an entry and indexes its tags in one pipeline.
func (c *L2) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	raw, err := json.Marshal(envelope{
		Value:      entry.Value,
		OwnerID:    entry.OwnerID,
		ResourceID: entry.ResourceID,
		CreatedAt:  entry.CreatedAt,
		ExpiresAt:  entry.ExpiresAt,
		Tags:       entry.Tags,
		Compressed: entry.Compressed,
	})
	if err != nil {
		return fmt.Errorf("l2 encode %s: %w", key, err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, key, raw, ttl)
	for _, tag := range entry.Tags {
		tagKey := tagKeyPrefix + tag
		pipe.SAdd(ctx, tagKey, key)
		pipe.Expire(ctx, tagKey, tagSetTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("l2 set: %w", err)
	}
	return nil
}

// Delete removes one key.
func (c *L2) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("l2 delete: %w", err)
	}
	return nil
}

// DeleteByTag removes every key in the tag's index set, then the set
// itself. Returns the keys that were indexed.
func (c *L2) DeleteByTag(ctx context.Context, tag string) ([]string, error) {
	tagKey := tagKeyPrefix + tag
	keys, err := c.client.SMembers(ctx, tagKey).Result()
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("l2 tag members: %w", err)
	}
	if len(keys) == 0 {
		return nil, c.client.Del(ctx, tagKey).Err()
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, keys...)
	pipe.Del(ctx, tagKey)
	if _, err := pipe.Exec(ctx); err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("l2 tag delete: %w", err)
	}
	return keys, nil
}

// DeleteByPattern scans for keys matching the component glob and
// removes them. The Redis MATCH glob over-selects (its `*` crosses
// colons), so every candidate is re-checked before deletion.
func (c *L2) DeleteByPattern(ctx context.Context, pattern string) ([]string, error) {
	var removed []string
	iter := c.client.Scan(ctx, 0, redisGlob(pattern), 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if !MatchPattern(pattern, key) {
			continue
		}
		if err := c.client.Del(ctx, key).Err(); err != nil {
			c.errors.Add(1)
			return removed, fmt.Errorf("l2 pattern delete: %w", err)
		}
		removed = append(removed, key)
	}
	if err := iter.Err(); err != nil {
		c.errors.Add(1)
		return removed, fmt.Errorf("l2 pattern scan: %w", err)
	}
	return removed, nil
}

// Ping probes the backend.
func (c *L2) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Stats reports hit/miss/error counters.
func (c *L2) Stats() TierStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return TierStats{Hits: hits, Misses: misses, HitRate: rate}
}

// Errors returns the cumulative backend error count.
func (c *L2) Errors() int64 {
	return c.errors.Load()
}

// redisGlob keeps the caller's '*' wildcards; everything else is passed
// through literally. Redis special characters in identifiers do not
// occur in our key alphabet.
func redisGlob(pattern string) string {
	return strings.ReplaceAll(pattern, "**", "*")
}
