// Package identity validates bearer tokens issued by the external
// identity provider. The core never mints tokens.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"
)

// Result is a validated token: the principal, the raw claims, and the
// token expiry.
type Result struct {
	PrincipalID string         `json:"principal_id"`
	Claims      map[string]any `json:"claims"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// ValidatorConfig contains token validation settings.
type ValidatorConfig struct {
	Secret         []byte
	Issuer         string
	Audience       string
	ValidationTTL  time.Duration // ceiling for the cached result TTL
	ClockSkewGrace time.Duration
}

// Validator validates HMAC-signed JWTs with a bounded result cache. The
// cached TTL is min(token expiry, configured TTL) so a revoked-by-expiry
// token never outlives its own lifetime in the cache.
type Validator struct {
	cfg   ValidatorConfig
	cache *gocache.Cache
}

// NewValidator creates a token validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.ValidationTTL <= 0 {
		cfg.ValidationTTL = 5 * time.Minute
	}
	if cfg.ClockSkewGrace < 0 {
		cfg.ClockSkewGrace = 0
	}
	return &Validator{
		cfg:   cfg,
		cache: gocache.New(cfg.ValidationTTL, 2*cfg.ValidationTTL),
	}
}

// Validate parses and verifies the token, returning the principal id,
// claims, and expiry. Results are cached keyed by a digest of the token.
func (v *Validator) Validate(ctx context.Context, token string) (*Result, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token")
	}

	digest := tokenDigest(token)
	if cached, ok := v.cache.Get(digest); ok {
		result := cached.(*Result)
		if time.Now().Before(result.ExpiresAt) {
			return result, nil
		}
		v.cache.Delete(digest)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(v.cfg.ClockSkewGrace),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("token missing subject")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("token missing expiry")
	}

	result := &Result{
		PrincipalID: sub,
		Claims:      map[string]any(claims),
		ExpiresAt:   exp.Time,
	}

	ttl := time.Until(exp.Time)
	if ttl > v.cfg.ValidationTTL {
		ttl = v.cfg.ValidationTTL
	}
	if ttl > 0 {
		v.cache.Set(digest, result, ttl)
	}

	return result, nil
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
