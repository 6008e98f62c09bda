package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/velro/authcore/internal/metrics"
)

// Rule is a limit/window pair for one category.
type Rule struct {
	Limit  int64
	Window time.Duration
}

// Limits carries the primary limiter values.
type Limits struct {
	Categories      map[Category]Rule
	PerPrincipalMin int64
	PerIPMin        int64
}

// Limiter applies the per-principal, per-IP, and per-category limits in
// one distributed round trip. Limits shrink as the threat multiplier
// rises.
type Limiter struct {
	distributed DistributedLimiter
	failOpen    bool
	logger      *slog.Logger

	mu     sync.RWMutex
	limits Limits
}

// CheckInput identifies the request being limited.
type CheckInput struct {
	PrincipalID string
	ClientIP    string
	Category    Category
	// ThreatMultiplier scales limits downward; 1.0 leaves them unchanged,
	// 0.5 halves them. Values outside (0, 1] are treated as 1.
	ThreatMultiplier float64
}

// CheckOutput reports the binding result, if any.
type CheckOutput struct {
	Allowed    bool
	Scope      Scope  // scope of the first denied counter
	RetryAfter int    // seconds
}

// NewLimiter creates the scoped limiter.
func NewLimiter(distributed DistributedLimiter, limits Limits, failOpen bool, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		distributed: distributed,
		limits:      limits,
		failOpen:    failOpen,
		logger:      logger,
	}
}

// SetLimits replaces the limit table. Existing window counters are
// unaffected; the new limits apply from the next check.
func (l *Limiter) SetLimits(limits Limits) {
	l.mu.Lock()
	l.limits = limits
	l.mu.Unlock()
}

// Check evaluates all applicable counters. On backend failure the
// configured fail-open/fail-closed policy decides the outcome.
func (l *Limiter) Check(ctx context.Context, in CheckInput) (CheckOutput, error) {
	mult := in.ThreatMultiplier
	if mult <= 0 || mult > 1 {
		mult = 1
	}

	l.mu.RLock()
	limits := l.limits
	l.mu.RUnlock()

	descriptors := make([]Descriptor, 0, 3)
	if in.PrincipalID != "" {
		descriptors = append(descriptors, Descriptor{
			Scope:  ScopePrincipal,
			ID:     in.PrincipalID,
			Limit:  scaled(limits.PerPrincipalMin, mult),
			Window: time.Minute,
		})
	}
	if in.ClientIP != "" {
		descriptors = append(descriptors, Descriptor{
			Scope:  ScopeIP,
			ID:     in.ClientIP,
			Limit:  scaled(limits.PerIPMin, mult),
			Window: time.Minute,
		})
	}
	if rule, ok := limits.Categories[in.Category]; ok {
		id := string(in.Category)
		if in.PrincipalID != "" {
			id = fmt.Sprintf("%s:%s", in.Category, in.PrincipalID)
		}
		descriptors = append(descriptors, Descriptor{
			Scope:  ScopeEndpoint,
			ID:     id,
			Limit:  scaled(rule.Limit, mult),
			Window: rule.Window,
		})
	}

	if len(descriptors) == 0 {
		return CheckOutput{Allowed: true}, nil
	}

	results, err := l.distributed.CheckAllow(ctx, descriptors)
	if err != nil || len(results) != len(descriptors) {
		if err == nil {
			err = fmt.Errorf("rate limiter returned %d results for %d descriptors", len(results), len(descriptors))
		}
		action := "deny"
		if l.failOpen {
			action = "allow"
		}
		metrics.RateLimiterBackendErrors.WithLabelValues("pipeline", action).Inc()
		l.logger.Warn("distributed rate limiter check failed",
			"error", err, "fail_open", l.failOpen, "action", action)
		return CheckOutput{Allowed: l.failOpen}, err
	}

	now := time.Now()
	for i, res := range results {
		if !res.Allowed {
			metrics.RateLimitRejections.WithLabelValues(string(descriptors[i].Scope)).Inc()
			return CheckOutput{
				Allowed:    false,
				Scope:      descriptors[i].Scope,
				RetryAfter: res.RetryAfter(now),
			}, nil
		}
	}
	return CheckOutput{Allowed: true}, nil
}

func scaled(limit int64, mult float64) int64 {
	s := int64(float64(limit) * mult)
	if s < 1 {
		s = 1
	}
	return s
}
