package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter provides in-memory token-bucket limiting for the fast
// lane, where a distributed round trip would blow the latency budget.
type LocalLimiter struct {
	mu          sync.RWMutex
	limiters    map[string]*rate.Limiter
	lastAccess  map[string]time.Time
	defaultRate rate.Limit
	burst       int
	cleanupTTL  time.Duration

	stop chan struct{}
	once sync.Once
}

// NewLocalLimiter creates a local limiter. rpm is requests per minute.
func NewLocalLimiter(rpm, burst int, cleanupTTL time.Duration) *LocalLimiter {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = 10
	}
	if cleanupTTL <= 0 {
		cleanupTTL = 10 * time.Minute
	}

	l := &LocalLimiter{
		limiters:    make(map[string]*rate.Limiter),
		lastAccess:  make(map[string]time.Time),
		defaultRate: rate.Limit(float64(rpm) / 60.0),
		burst:       burst,
		cleanupTTL:  cleanupTTL,
		stop:        make(chan struct{}),
	}

	go l.cleanupLoop()
	return l
}

// Allow checks whether a request for the given id is permitted.
func (l *LocalLimiter) Allow(id string) bool {
	return l.getLimiter(id).Allow()
}

// Wait blocks until a request is allowed or the context is canceled.
func (l *LocalLimiter) Wait(ctx context.Context, id string) error {
	return l.getLimiter(id).Wait(ctx)
}

// Close stops the cleanup goroutine.
func (l *LocalLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *LocalLimiter) getLimiter(id string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[id]
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if exists {
		l.lastAccess[id] = time.Now()
		return limiter
	}
	// Double-check after acquiring the write lock.
	if limiter, exists = l.limiters[id]; exists {
		l.lastAccess[id] = time.Now()
		return limiter
	}

	limiter = rate.NewLimiter(l.defaultRate, l.burst)
	l.limiters[id] = limiter
	l.lastAccess[id] = time.Now()
	return limiter
}

func (l *LocalLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *LocalLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for id, last := range l.lastAccess {
		if now.Sub(last) > l.cleanupTTL {
			delete(l.limiters, id)
			delete(l.lastAccess, id)
		}
	}
}
