package authz

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/velro/authcore/internal/cache"
)

// MediaIssuerConfig bounds grant lifetimes.
type MediaIssuerConfig struct {
	DefaultTTL time.Duration // default 1h
	MaxTTL     time.Duration // default 24h
}

// MediaIssuer is layer 7: it materializes signed, time-bounded media
// grants for requests that carry the media-grant flag. Grants are
// cached at 0.8 x their lifetime so a cached grant never outlives its
// signatures.
type MediaIssuer struct {
	signer Signer
	engine *cache.Engine
	cfg    MediaIssuerConfig
}

// NewMediaIssuer creates the issuer. engine may be nil in tests.
func NewMediaIssuer(signer Signer, engine *cache.Engine, cfg MediaIssuerConfig) *MediaIssuer {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 24 * time.Hour
	}
	return &MediaIssuer{signer: signer, engine: engine, cfg: cfg}
}

// Issue produces a grant for an already-granted request. The permitted
// operations derive from how access was resolved.
func (m *MediaIssuer) Issue(ctx context.Context, req *Request, resource *Resource, res *Resolution) (*MediaGrant, error) {
	ttl := req.GrantExpiry
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	if ttl > m.cfg.MaxTTL {
		ttl = m.cfg.MaxTTL
	}

	if cached := m.cachedGrant(ctx, req); cached != nil {
		return cached, nil
	}

	operations := []string{"view", "download"}
	if shareAllowed(res) {
		operations = append(operations, "share")
	}

	grant := &MediaGrant{
		ID:          uuid.NewString(),
		PrincipalID: req.Principal.ID,
		ResourceID:  req.ResourceID,
		Operations:  operations,
		ExpiresAt:   time.Now().Add(ttl),
	}

	for _, op := range operations {
		if op == "share" {
			continue // share is a capability, not a URL
		}
		signed, err := m.signer.Sign(ctx, req.ResourceID, op, ttl)
		if err != nil {
			return nil, fmt.Errorf("sign %s url: %w", op, err)
		}
		grant.SignedURLs = append(grant.SignedURLs, signed)
	}

	m.cacheGrant(ctx, req, resource, res, grant, ttl)
	return grant, nil
}

func (m *MediaIssuer) grantRef(req *Request) cache.Ref {
	return cache.Ref{
		PrincipalID: req.Principal.ID,
		Kind:        cache.KindResource,
		ResourceID:  req.ResourceID,
		Op:          "share",
	}
}

func (m *MediaIssuer) cachedGrant(ctx context.Context, req *Request) *MediaGrant {
	if m.engine == nil {
		return nil
	}
	raw, hit, err := m.engine.Get(ctx, m.grantRef(req), false, nil)
	if err != nil || !hit {
		return nil
	}
	var grant MediaGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return nil
	}
	if time.Now().After(grant.ExpiresAt) {
		return nil
	}
	return &grant
}

func (m *MediaIssuer) cacheGrant(ctx context.Context, req *Request, resource *Resource, res *Resolution, grant *MediaGrant, ttl time.Duration) {
	if m.engine == nil {
		return
	}
	raw, err := json.Marshal(grant)
	if err != nil {
		return
	}
	tags := []string{
		cache.UserTag(req.Principal.ID),
		cache.ResourceTag(req.ResourceID),
	}
	if resource != nil && resource.ProjectID != nil && *resource.ProjectID != "" {
		tags = append(tags, cache.ProjectTag(*resource.ProjectID))
	}
	cacheTTL := time.Duration(float64(ttl) * 0.8)
	// A store failure only costs a re-sign on the next request.
	_ = m.engine.SetWithTTL(ctx, m.grantRef(req), raw, tags, cacheTTL, false)
}

func shareAllowed(res *Resolution) bool {
	switch res.Method {
	case MethodDirectOwnership, MethodProjectOwnership:
		return true
	}
	return res.EffectiveRole.Satisfies(RoleEditor)
}
