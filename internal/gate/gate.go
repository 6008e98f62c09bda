// Package gate is the request pipeline gate in front of the
// authorization chain: it classifies requests onto the fast lane by
// path prefix and caches the request body exactly once so no downstream
// component ever re-reads the transport.
package gate

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/velro/authcore/internal/metrics"
	"github.com/velro/authcore/internal/observability"
	"github.com/velro/authcore/internal/ratelimit"
)

type fastLaneKey struct{}
type bodyKey struct{}
type bodyFailedKey struct{}

// Config bounds the gate.
type Config struct {
	FastLanePrefixes []string
	MaxBodyBytes     int64 // default 50 MiB
	// FastLaneRPM bounds fast-lane requests per client IP through the
	// in-memory limiter. Zero disables the limiter.
	FastLaneRPM   int
	FastLaneBurst int
}

// Gate classifies and pre-reads requests before the chain runs.
type Gate struct {
	prefixes atomic.Pointer[[]string]
	maxBody  int64
	limiter  *ratelimit.LocalLimiter
	logger   *slog.Logger
}

// New creates the gate.
func New(cfg Config, logger *slog.Logger) *Gate {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 50 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *ratelimit.LocalLimiter
	if cfg.FastLaneRPM > 0 {
		burst := cfg.FastLaneBurst
		if burst <= 0 {
			burst = cfg.FastLaneRPM
		}
		limiter = ratelimit.NewLocalLimiter(cfg.FastLaneRPM, burst, 0)
	}
	g := &Gate{
		maxBody: cfg.MaxBodyBytes,
		limiter: limiter,
		logger:  logger,
	}
	g.SetFastLanePrefixes(cfg.FastLanePrefixes)
	return g
}

// SetFastLanePrefixes swaps the fast-lane classification list. Safe to
// call while requests are in flight; used on config reload.
func (g *Gate) SetFastLanePrefixes(prefixes []string) {
	copied := append([]string(nil), prefixes...)
	g.prefixes.Store(&copied)
}

// Close releases the fast-lane limiter.
func (g *Gate) Close() {
	if g.limiter != nil {
		g.limiter.Close()
	}
}

// FastLane reports whether the path is classified onto the reduced
// chain.
func (g *Gate) FastLane(path string) bool {
	for _, prefix := range *g.prefixes.Load() {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Middleware classifies the request, applies the fast-lane limiter, and
// caches the body. The transport is read at most once; every later
// consumer goes through CachedBody.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if g.FastLane(r.URL.Path) {
			ctx = context.WithValue(ctx, fastLaneKey{}, true)
			if g.limiter != nil && !g.limiter.Allow(clientIP(r)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}

		if r.Body != nil && r.Body != http.NoBody {
			body, err := io.ReadAll(io.LimitReader(r.Body, g.maxBody+1))
			_ = r.Body.Close()
			switch {
			case err != nil, int64(len(body)) > g.maxBody:
				// The transport has been consumed; downstream sees an
				// empty body plus the failure marker and must not
				// retry the read.
				metrics.BodyCacheFailures.Inc()
				observability.RequestLogger(ctx, g.logger).Warn("request body cache failed",
					"path", r.URL.Path, "bytes_read", len(body), "error", err)
				ctx = context.WithValue(ctx, bodyFailedKey{}, true)
				r.Body = http.NoBody
			default:
				ctx = context.WithValue(ctx, bodyKey{}, body)
				r.Body = io.NopCloser(bytes.NewReader(body))
				r.ContentLength = int64(len(body))
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FastLaneFromContext reports whether the gate classified the request
// onto the fast lane.
func FastLaneFromContext(ctx context.Context) bool {
	v, _ := ctx.Value(fastLaneKey{}).(bool)
	return v
}

// CachedBody returns the body cached by the middleware. ok is false
// when no body was cached, including the failure case.
func CachedBody(ctx context.Context) (body []byte, ok bool) {
	body, ok = ctx.Value(bodyKey{}).([]byte)
	return body, ok
}

// BodyCacheFailed reports whether the body exceeded the cap or the
// transport read failed.
func BodyCacheFailed(ctx context.Context) bool {
	v, _ := ctx.Value(bodyFailedKey{}).(bool)
	return v
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
