package authz

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by ResourceStore implementations when the
// identified row does not exist.
var ErrNotFound = errors.New("not found")

// ResourceStore is the slice of the persistent store the engine
// consumes. The postgres implementation lives in internal/store.
type ResourceStore interface {
	GetResource(ctx context.Context, id string) (*Resource, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	GetMemberships(ctx context.Context, principalID string) (map[string]Role, error)
	GetTeamProjectLinks(ctx context.Context, projectID string) ([]TeamProjectLink, error)
	GetGenerationParent(ctx context.Context, generationID string) (string, error)
}

// Signer produces time-bounded signed URLs for underlying media
// objects.
type Signer interface {
	Sign(ctx context.Context, resourceRef, operation string, ttl time.Duration) (string, error)
}

// URLGuard validates outbound URLs before any signing or fetching
// happens; the SSRF guard implements it.
type URLGuard interface {
	ValidateURL(ctx context.Context, raw string) error
}

// GeoResolver maps a client IP to a location. Implementations are
// expected to cache; the context validator calls it on the hot path.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (*GeoPoint, error)
}

// IPIntel scores source addresses. ReputationScore is in [0,1], higher
// meaning worse.
type IPIntel interface {
	ReputationScore(ip string) float64
	IsVPNOrTor(ip string) bool
	ThreatListed(ip string) bool
}

// AlertMatcher reports which correlation patterns currently cluster
// around a principal or IP; the anomaly layer raises the threat level
// on matches. The audit correlator implements it.
type AlertMatcher interface {
	MatchesSubject(principalID, clientIP string) []string
}
