// Package cache implements the hierarchical two-tier authorization cache:
// an in-process L1 bounded by memory with a hot-key sub-structure, and a
// Redis L2 that doubles as the tag index. Keys embed a per-principal
// generation counter so one counter bump logically invalidates every
// entry belonging to that principal.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Kind names the cached object class inside a key.
type Kind string

const (
	KindResource   Kind = "resource"
	KindGeneration Kind = "generation"
	KindProject    Kind = "project"
	KindTeam       Kind = "team"
	KindSession    Kind = "session"
	KindProfile    Kind = "profile"
	KindConfig     Kind = "config"
)

// Ref identifies one cacheable decision or object.
type Ref struct {
	PrincipalID string
	Kind        Kind
	ResourceID  string
	Op          string // read, write, delete, share, admin
}

// Pattern collapses the identifiers so analytics and TTL tuning group
// keys by shape rather than by instance.
func (r Ref) Pattern() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.Op)
}

// Tag builders. Tags are attached to entries and indexed in L2 so a
// single tag removal invalidates everything depending on that object.
func UserTag(id string) string       { return "user:" + id }
func ResourceTag(id string) string   { return "resource:" + id }
func GenerationTag(id string) string { return "generation:" + id }
func ProjectTag(id string) string    { return "project:" + id }
func TeamTag(id string) string       { return "team:" + id }

const counterKeyPrefix = "auth:gencounter:"

// KeyBuilder renders hierarchical keys and owns the per-principal
// generation counters. Counters live in Redis so every process sees the
// same value; a short-lived local cache keeps the counter off the hot
// path.
type KeyBuilder struct {
	client   redis.UniversalClient
	counters *gocache.Cache

	// lastKnown retains the most recent counter per principal with no
	// expiry, so key construction keeps working when Redis is
	// unreachable and the in-process tier must carry reads alone.
	mu        sync.RWMutex
	lastKnown map[string]int64
}

// NewKeyBuilder creates a key builder. localTTL bounds how stale a
// locally cached counter may be for bumps made by other processes;
// bumps made through this builder invalidate the local copy
// synchronously.
func NewKeyBuilder(client redis.UniversalClient, localTTL time.Duration) *KeyBuilder {
	if localTTL <= 0 {
		localTTL = 5 * time.Second
	}
	return &KeyBuilder{
		client:    client,
		counters:  gocache.New(localTTL, 2*localTTL),
		lastKnown: make(map[string]int64),
	}
}

// Build renders the canonical key for a ref, embedding the principal's
// current generation counter.
func (b *KeyBuilder) Build(ctx context.Context, ref Ref) (string, error) {
	gen, err := b.Generation(ctx, ref.PrincipalID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("auth:user:%s:gen:%d:%s:%s:op:%s",
		ref.PrincipalID, gen, ref.Kind, ref.ResourceID, ref.Op), nil
}

// Generation returns the principal's current generation counter. A
// principal that has never been bumped is at generation 0.
func (b *KeyBuilder) Generation(ctx context.Context, principalID string) (int64, error) {
	if v, ok := b.counters.Get(principalID); ok {
		return v.(int64), nil
	}

	val, err := b.client.Get(ctx, counterKeyPrefix+principalID).Result()
	if err == redis.Nil {
		b.remember(principalID, 0)
		return 0, nil
	}
	if err != nil {
		// Serve the last-known counter so the in-process tier stays
		// usable while the shared store is down.
		b.mu.RLock()
		gen, ok := b.lastKnown[principalID]
		b.mu.RUnlock()
		if ok {
			return gen, nil
		}
		return 0, fmt.Errorf("read generation counter: %w", err)
	}

	gen, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse generation counter %q: %w", val, err)
	}
	b.remember(principalID, gen)
	return gen, nil
}

func (b *KeyBuilder) remember(principalID string, gen int64) {
	b.counters.SetDefault(principalID, gen)
	b.mu.Lock()
	b.lastKnown[principalID] = gen
	b.mu.Unlock()
}

// Bump atomically increments the principal's generation counter and
// returns the new value. All keys built with the previous counter are
// unreachable afterwards.
func (b *KeyBuilder) Bump(ctx context.Context, principalID string) (int64, error) {
	gen, err := b.client.Incr(ctx, counterKeyPrefix+principalID).Result()
	if err != nil {
		return 0, fmt.Errorf("bump generation counter: %w", err)
	}
	b.remember(principalID, gen)
	return gen, nil
}

// MatchPattern reports whether a key matches a colon-delimited glob
// where "*" matches exactly one component.
func MatchPattern(pattern, key string) bool {
	pp := strings.Split(pattern, ":")
	kp := strings.Split(key, ":")
	if len(pp) != len(kp) {
		return false
	}
	for i, p := range pp {
		if p != "*" && p != kp[i] {
			return false
		}
	}
	return true
}
