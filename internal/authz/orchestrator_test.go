package authz

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velro/authcore/internal/audit"
	"github.com/velro/authcore/internal/cache"
	"github.com/velro/authcore/internal/ratelimit"
)

type stubLimiter struct {
	out ratelimit.CheckOutput
	err error
	in  []ratelimit.CheckInput
}

func (l *stubLimiter) Check(ctx context.Context, in ratelimit.CheckInput) (ratelimit.CheckOutput, error) {
	l.in = append(l.in, in)
	if l.err != nil {
		return l.out, l.err
	}
	return l.out, nil
}

type stubMatcher struct {
	patterns []string
}

func (m *stubMatcher) MatchesSubject(principalID, clientIP string) []string {
	return m.patterns
}

type harness struct {
	store   *fakeStore
	limiter *stubLimiter
	matcher *stubMatcher
	sink    *captureSink
	engine  *cache.Engine
	orch    *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	analytics := cache.NewAnalytics(0)
	engine := cache.NewEngine(
		cache.NewKeyBuilder(client, time.Second),
		cache.NewL1(cache.L1Config{}),
		cache.NewL2(client),
		cache.NewTTLManager(cache.TTLManagerConfig{}, analytics),
		analytics,
		nil,
	)

	store := newFakeStore()
	limiter := &stubLimiter{out: ratelimit.CheckOutput{Allowed: true}}
	matcher := &stubMatcher{}
	sink := &captureSink{}
	pipeline := audit.NewPipeline([]audit.Sink{sink}, nil, nil, 0)

	orch := NewOrchestrator(OrchestratorConfig{}, Deps{
		Validator:    NewInputValidator(ValidationConfig{StrictUUID: true}, nil),
		Limiter:      limiter,
		CtxValidator: NewContextValidator(nil, nil),
		Resolver:     NewResolver(store, 10),
		Media:        NewMediaIssuer(&fakeSigner{}, engine, MediaIssuerConfig{}),
		Matcher:      matcher,
		Fallback:     NewEmergencyFallback(store, pipeline, nil),
		Store:        store,
		Engine:       engine,
		Audits:       pipeline,
	})

	return &harness{store: store, limiter: limiter, matcher: matcher, sink: sink, engine: engine, orch: orch}
}

func ownerReadRequest() *Request {
	return &Request{
		Principal:    Principal{ID: idOwner},
		ResourceID:   idRes,
		ResourceType: ResourceGeneration,
		Access:       AccessRead,
		Context: &SecurityContext{
			ClientIP:  "203.0.113.10",
			UserAgent: "Mozilla/5.0 (Macintosh)",
		},
	}
}

func TestAuthorizeOwnerReadGranted(t *testing.T) {
	h := newHarness(t)
	h.store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner}

	resp := h.orch.Authorize(context.Background(), ownerReadRequest())

	assert.True(t, resp.Granted)
	assert.Equal(t, MethodDirectOwnership, resp.Method)
	assert.Equal(t, ThreatGreen, resp.ThreatLevel)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, "full_chain", resp.SystemUsed)
	assert.NotEmpty(t, resp.CorrelationID)

	layers := make([]LayerType, 0, len(resp.LayerResults))
	for _, lr := range resp.LayerResults {
		layers = append(layers, lr.Layer)
		assert.True(t, lr.Success, "layer %s", lr.Layer)
	}
	assert.Equal(t, []LayerType{
		LayerInputValidation, LayerRateLimit, LayerContext,
		LayerAccessControl, LayerDepthGuard, LayerAuditEmission, LayerAnomaly,
	}, layers)

	events := h.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventAuthorizationGranted, events[0].EventType)
	assert.Equal(t, "read_generation", events[0].Action)
}

func TestAuthorizeSecondCallHitsDecisionCache(t *testing.T) {
	h := newHarness(t)
	h.store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner}

	first := h.orch.Authorize(context.Background(), ownerReadRequest())
	require.True(t, first.Granted)

	second := h.orch.Authorize(context.Background(), ownerReadRequest())
	assert.True(t, second.Granted)
	assert.True(t, second.CacheHit)
	assert.Equal(t, MethodDirectOwnership, second.Method)
	// Cached answers skip the chain entirely, including audit.
	assert.Len(t, h.sink.all(), 1)
}

func TestAuthorizeGenerationBumpInvalidatesDecision(t *testing.T) {
	h := newHarness(t)
	h.store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner}

	first := h.orch.Authorize(context.Background(), ownerReadRequest())
	require.True(t, first.Granted)

	_, err := h.engine.BumpPrincipalGeneration(context.Background(), idOwner)
	require.NoError(t, err)

	second := h.orch.Authorize(context.Background(), ownerReadRequest())
	assert.True(t, second.Granted)
	assert.False(t, second.CacheHit, "bumped counter must make the cached decision unreachable")
}

func TestAuthorizeTeamWrite(t *testing.T) {
	h := newHarness(t)
	h.store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner, ProjectID: strPtr(idProj)}
	h.store.projects[idProj] = &Project{ID: idProj, OwnerID: idOwner, Visibility: VisibilityPrivate}
	h.store.links[idProj] = []TeamProjectLink{{TeamID: idTeam, ProjectID: idProj, Role: RoleEditor}}

	req := ownerReadRequest()
	req.Principal = Principal{ID: idOther, Teams: map[string]Role{idTeam: RoleEditor}}
	req.Access = AccessWrite

	resp := h.orch.Authorize(context.Background(), req)
	require.True(t, resp.Granted)
	assert.Equal(t, MethodTeamMembership, resp.Method)

	// The inheritance layer appears for project-scoped resources and
	// reports the effective role.
	var inheritance *LayerResult
	for i := range resp.LayerResults {
		if resp.LayerResults[i].Layer == LayerInheritance {
			inheritance = &resp.LayerResults[i]
		}
	}
	require.NotNil(t, inheritance)
	assert.Equal(t, string(RoleEditor), inheritance.Metadata["effective_role"])
}

func TestAuthorizeTeamEditorCannotAdmin(t *testing.T) {
	h := newHarness(t)
	h.store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner, ProjectID: strPtr(idProj)}
	h.store.projects[idProj] = &Project{ID: idProj, OwnerID: idOwner, Visibility: VisibilityPrivate}
	h.store.links[idProj] = []TeamProjectLink{{TeamID: idTeam, ProjectID: idProj, Role: RoleEditor}}

	req := ownerReadRequest()
	req.Principal = Principal{ID: idOther, Teams: map[string]Role{idTeam: RoleEditor}}
	req.Access = AccessAdmin

	resp := h.orch.Authorize(context.Background(), req)
	assert.False(t, resp.Granted)
	assert.Equal(t, ReasonInsufficientTeamRole, resp.DenialReason)
	assert.GreaterOrEqual(t, resp.ThreatLevel, ThreatOrange)

	events := h.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventAuthorizationDenied, events[0].EventType)
}

func TestAuthorizeDenialsNotCached(t *testing.T) {
	h := newHarness(t)
	h.store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner}

	req := ownerReadRequest()
	req.Principal = Principal{ID: idOther}

	first := h.orch.Authorize(context.Background(), req)
	require.False(t, first.Granted)

	second := h.orch.Authorize(context.Background(), req)
	assert.False(t, second.Granted)
	assert.False(t, second.CacheHit)
}

func TestAuthorizeMalformedInput(t *testing.T) {
	h := newHarness(t)

	req := ownerReadRequest()
	req.ResourceID = "not-a-uuid"

	resp := h.orch.Authorize(context.Background(), req)
	assert.False(t, resp.Granted)
	assert.Equal(t, "input_malformed", resp.DenialReason)

	// The denial is still audited.
	events := h.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "denied", events[0].Outcome)
}

func TestAuthorizeRateLimited(t *testing.T) {
	h := newHarness(t)
	h.limiter.out = ratelimit.CheckOutput{Allowed: false, Scope: ratelimit.ScopePrincipal, RetryAfter: 42}

	resp := h.orch.Authorize(context.Background(), ownerReadRequest())
	assert.False(t, resp.Granted)
	assert.Equal(t, "rate_limited", resp.DenialReason)
	assert.Equal(t, 42, resp.RetryAfterSec)

	authErr := ToAuthError(resp)
	require.NotNil(t, authErr)
	assert.Equal(t, 429, authErr.HTTPStatusCode())
	assert.Equal(t, 42, authErr.RetryAfterSec)
}

func TestAuthorizeRateLimiterOutageFailClosed(t *testing.T) {
	h := newHarness(t)
	h.store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner}
	h.limiter.err = assert.AnError
	h.limiter.out = ratelimit.CheckOutput{Allowed: false}

	resp := h.orch.Authorize(context.Background(), ownerReadRequest())
	assert.False(t, resp.Granted)
	// An outage must not read as quota exhaustion.
	assert.Equal(t, "rate_limiter_unavailable", resp.DenialReason)
	assert.Zero(t, resp.RetryAfterSec)

	authErr := ToAuthError(resp)
	require.NotNil(t, authErr)
	assert.Equal(t, 503, authErr.HTTPStatusCode())
}

func TestAuthorizeRateLimiterOutageFailOpen(t *testing.T) {
	h := newHarness(t)
	h.store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner}
	h.limiter.err = assert.AnError
	h.limiter.out = ratelimit.CheckOutput{Allowed: true}

	resp := h.orch.Authorize(context.Background(), ownerReadRequest())
	assert.True(t, resp.Granted)
}

func TestAuthorizeResourceNotFound(t *testing.T) {
	h := newHarness(t)

	resp := h.orch.Authorize(context.Background(), ownerReadRequest())
	assert.False(t, resp.Granted)
	assert.Equal(t, "resource_not_found", resp.DenialReason)
}

func TestAuthorizeStoreFailureEngagesFallback(t *testing.T) {
	h := newHarness(t)
	h.store.err = assert.AnError

	resp := h.orch.Authorize(context.Background(), ownerReadRequest())
	assert.False(t, resp.Granted)
	assert.Equal(t, "emergency", resp.SystemUsed)
	assert.Equal(t, "emergency_deny_default", resp.DenialReason)

	events := h.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventEmergencyFallback, events[0].EventType)
	assert.Equal(t, audit.SeverityCritical, events[0].Severity)
	require.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, resp.CorrelationID, events[0].CorrelationID)
}

func TestAuthorizeMediaGrant(t *testing.T) {
	h := newHarness(t)
	h.store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner}

	req := ownerReadRequest()
	req.MediaGrant = true

	resp := h.orch.Authorize(context.Background(), req)
	require.True(t, resp.Granted)
	require.NotNil(t, resp.Grant)
	assert.Contains(t, resp.Grant.Operations, "share")
	assert.Len(t, resp.Grant.SignedURLs, 2)

	events := h.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventMediaGrantIssued, events[0].EventType)
}

func TestAuthorizeAnomalyMatchesRaiseThreat(t *testing.T) {
	h := newHarness(t)
	h.store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner}
	h.matcher.patterns = []string{"brute_force"}

	resp := h.orch.Authorize(context.Background(), ownerReadRequest())
	// A single standing alert raises the threat but does not deny.
	assert.True(t, resp.Granted)
	assert.Equal(t, ThreatYellow, resp.ThreatLevel)
}

func TestAuthorizeElevatedThreatNotCached(t *testing.T) {
	h := newHarness(t)
	h.store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner}
	h.matcher.patterns = []string{"brute_force", "geographic_cluster"}

	first := h.orch.Authorize(context.Background(), ownerReadRequest())
	require.True(t, first.Granted)
	assert.Equal(t, ThreatOrange, first.ThreatLevel)

	second := h.orch.Authorize(context.Background(), ownerReadRequest())
	assert.False(t, second.CacheHit, "decisions above YELLOW are never cached")
}

func TestFastLaneSkipsAdvisoryLayers(t *testing.T) {
	h := newHarness(t)
	h.store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner}

	req := ownerReadRequest()
	req.FastLane = true

	resp := h.orch.Authorize(context.Background(), req)
	require.True(t, resp.Granted)
	assert.Equal(t, "fast_lane", resp.SystemUsed)
	for _, lr := range resp.LayerResults {
		assert.NotEqual(t, LayerContext, lr.Layer)
		assert.NotEqual(t, LayerAnomaly, lr.Layer)
	}
}

func TestFastLaneNeverGrantsAdmin(t *testing.T) {
	h := newHarness(t)
	h.store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner}

	req := ownerReadRequest()
	req.FastLane = true
	req.Access = AccessAdmin

	resp := h.orch.Authorize(context.Background(), req)
	assert.False(t, resp.Granted)
	assert.Equal(t, "fast_lane_admin_blocked", resp.DenialReason)
	assert.Empty(t, resp.LayerResults)
}

func TestAuthorizeRateLimitScalesWithThreat(t *testing.T) {
	h := newHarness(t)
	h.store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner}

	resp := h.orch.Authorize(context.Background(), ownerReadRequest())
	require.True(t, resp.Granted)
	require.NotEmpty(t, h.limiter.in)
	assert.Equal(t, 1.0, h.limiter.in[0].ThreatMultiplier)
	assert.Equal(t, ratelimit.CategoryGeneration, h.limiter.in[0].Category)
}

func TestAuthorizePanicInLayerEngagesFallback(t *testing.T) {
	h := newHarness(t)
	// A nil map dereference inside the resolver path: the resource row
	// references a project that cannot be loaded.
	h.store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner}
	h.orch.resolver = nil // forces a nil-pointer panic in access control

	req := ownerReadRequest()
	req.Principal = Principal{ID: idOther}

	resp := h.orch.Authorize(context.Background(), req)
	assert.False(t, resp.Granted)
	assert.Equal(t, "emergency", resp.SystemUsed)

	// The CRITICAL fallback event stays traceable to the request.
	events := h.sink.all()
	require.Len(t, events, 1)
	require.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, resp.CorrelationID, events[0].CorrelationID)
}
