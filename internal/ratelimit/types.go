// Package ratelimit provides fixed-window rate limiting with a Redis
// backend for the full pipeline and an in-memory limiter for the fast
// lane.
package ratelimit

import (
	"context"
	"time"
)

// Scope identifies what a counter is keyed on.
type Scope string

const (
	ScopePrincipal Scope = "principal"
	ScopeIP        Scope = "ip"
	ScopeEndpoint  Scope = "endpoint"
)

// Category classifies endpoints for per-category limits.
type Category string

const (
	CategoryGlobal     Category = "global"
	CategoryAuth       Category = "auth"
	CategorySensitive  Category = "sensitive"
	CategoryUpload     Category = "upload"
	CategoryGeneration Category = "generation"
)

// Descriptor defines a specific fixed-window limit rule.
type Descriptor struct {
	Scope  Scope
	ID     string // principal id, client IP, or category name
	Limit  int64
	Window time.Duration
}

// Result contains the outcome of a limit check.
type Result struct {
	Allowed   bool
	Current   int64
	Remaining int64
	ResetAt   int64 // unix seconds when the window resets
}

// RetryAfter returns the seconds until the window resets, floored at 1.
func (r Result) RetryAfter(now time.Time) int {
	sec := r.ResetAt - now.Unix()
	if sec < 1 {
		sec = 1
	}
	return int(sec)
}

// DistributedLimiter checks and increments counters atomically across
// processes. Counters live in the shared store with a TTL equal to the
// window.
type DistributedLimiter interface {
	CheckAllow(ctx context.Context, descriptors []Descriptor) ([]Result, error)
}
