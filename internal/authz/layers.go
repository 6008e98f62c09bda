package authz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/velro/authcore/internal/audit"
	"github.com/velro/authcore/internal/cache"
	"github.com/velro/authcore/internal/ratelimit"
)

// layerInputValidation rejects malformed identifiers and scans request
// metadata for injection patterns.
func (o *Orchestrator) layerInputValidation(ctx context.Context, st *chainState) (*LayerResult, error) {
	anomalies, err := o.validator.Validate(ctx, st.req)
	result := &LayerResult{Success: err == nil, Anomalies: anomalies}
	if err != nil {
		result.ErrorDetail = "input_malformed"
		result.ThreatLevel = ThreatOrange
		result.Metadata = map[string]string{"error": err.Error()}
	}
	return result, nil
}

// layerRateLimit evaluates all applicable counters, scaled down by the
// threat level aggregated so far.
func (o *Orchestrator) layerRateLimit(ctx context.Context, st *chainState) (*LayerResult, error) {
	if o.limiter == nil {
		return &LayerResult{Success: true, Metadata: map[string]string{"limiter": "disabled"}}, nil
	}

	in := ratelimit.CheckInput{
		PrincipalID:      st.req.Principal.ID,
		Category:         categoryFor(st.req),
		ThreatMultiplier: threatMultiplier(st.threat),
	}
	if st.req.Context != nil {
		in.ClientIP = st.req.Context.ClientIP
	}

	out, err := o.limiter.Check(ctx, in)
	if err != nil {
		if out.Allowed {
			// Backend failure under a fail-open policy: allowed, but noted.
			return &LayerResult{
				Success:  true,
				Metadata: map[string]string{"backend_error": err.Error()},
			}, nil
		}
		// Fail-closed outage: deny, but never report it as quota
		// exhaustion.
		return &LayerResult{
			Success:     false,
			ErrorDetail: "rate_limiter_unavailable",
			ThreatLevel: ThreatYellow,
			Metadata:    map[string]string{"backend_error": err.Error()},
		}, nil
	}
	if !out.Allowed {
		st.retryAfter = out.RetryAfter
		return &LayerResult{
			Success:     false,
			ErrorDetail: "rate_limited",
			ThreatLevel: ThreatYellow,
			Metadata: map[string]string{
				"scope":       string(out.Scope),
				"retry_after": strconv.Itoa(out.RetryAfter),
			},
		}, nil
	}
	return &LayerResult{Success: true}, nil
}

// layerContext attaches the advisory risk assessment. It never fails
// the request directly; a RED aggregate threat denies in assembly.
func (o *Orchestrator) layerContext(ctx context.Context, st *chainState) (*LayerResult, error) {
	anomalies := o.ctxValidator.Assess(ctx, st.req)
	result := &LayerResult{Success: true, Anomalies: anomalies}
	if st.req.Context != nil {
		result.ThreatLevel = riskToThreat(st.req.Context.RiskScore)
		result.Metadata = map[string]string{
			"risk_score": strconv.FormatFloat(st.req.Context.RiskScore, 'f', 3, 64),
		}
	}
	return result, nil
}

// layerAccessControl fetches the resource and runs the resolution
// order. Depth exhaustion and cycles are deferred to the depth guard so
// they surface under their own layer.
func (o *Orchestrator) layerAccessControl(ctx context.Context, st *chainState) (*LayerResult, error) {
	resource, err := o.store.GetResource(ctx, st.req.ResourceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &LayerResult{
				Success:     false,
				ErrorDetail: "resource_not_found",
				ThreatLevel: ThreatYellow,
			}, nil
		}
		return nil, fmt.Errorf("fetch resource: %w", err)
	}
	st.resource = resource

	res, err := o.resolver.Resolve(ctx, st.req.Principal, resource, st.req.Access)
	if err != nil {
		if errors.Is(err, ErrInheritanceCycle) {
			st.resolution = res
			st.cycle = true
			return &LayerResult{Success: true, Metadata: map[string]string{"deferred": "cycle"}}, nil
		}
		return nil, err
	}
	st.resolution = res

	if res.Granted {
		return &LayerResult{
			Success:  true,
			Metadata: map[string]string{"method": string(res.Method)},
		}, nil
	}
	if res.Reason == ReasonInheritanceExhausted {
		return &LayerResult{Success: true, Metadata: map[string]string{"deferred": "depth"}}, nil
	}
	return &LayerResult{
		Success:     false,
		ErrorDetail: res.Reason,
		ThreatLevel: ThreatYellow,
	}, nil
}

// layerInheritance records which team path granted access and the
// effective role after the member/link minimum.
func (o *Orchestrator) layerInheritance(ctx context.Context, st *chainState) (*LayerResult, error) {
	result := &LayerResult{Success: true, Metadata: map[string]string{}}
	if res := st.resolution; res != nil {
		if res.EffectiveRole != "" {
			result.Metadata["effective_role"] = string(res.EffectiveRole)
		}
		if res.TeamID != "" {
			result.Metadata["team_id"] = res.TeamID
		}
		result.Metadata["teams_consulted"] = strconv.Itoa(len(res.DependsOnTeams))
	}
	return result, nil
}

// layerDepthGuard converts deferred inheritance outcomes into denials.
func (o *Orchestrator) layerDepthGuard(ctx context.Context, st *chainState) (*LayerResult, error) {
	if st.cycle {
		return &LayerResult{
			Success:     false,
			ErrorDetail: ReasonInheritanceCycle,
			ThreatLevel: ThreatOrange,
		}, nil
	}
	res := st.resolution
	if res != nil && !res.Granted && res.Reason == ReasonInheritanceExhausted {
		return &LayerResult{
			Success:     false,
			ErrorDetail: ReasonInheritanceExhausted,
			ThreatLevel: ThreatYellow,
			Metadata:    map[string]string{"depth": strconv.Itoa(res.Depth)},
		}, nil
	}
	result := &LayerResult{Success: true}
	if res != nil {
		result.Metadata = map[string]string{"depth": strconv.Itoa(res.Depth)}
	}
	return result, nil
}

// layerMediaAccess issues the signed grant for an already-resolved
// grant. A signing failure denies the grant without engaging the
// emergency fallback.
func (o *Orchestrator) layerMediaAccess(ctx context.Context, st *chainState) (*LayerResult, error) {
	if st.resolution == nil || !st.resolution.Granted {
		return &LayerResult{
			Success:     false,
			ErrorDetail: "media_access_unresolved",
		}, nil
	}
	grant, err := o.media.Issue(ctx, st.req, st.resource, st.resolution)
	if err != nil {
		return &LayerResult{
			Success:     false,
			ErrorDetail: "media_grant_failed",
			Metadata:    map[string]string{"error": err.Error()},
		}, nil
	}
	st.grant = grant
	return &LayerResult{
		Success:  true,
		Metadata: map[string]string{"grant_id": grant.ID, "operations": strconv.Itoa(len(grant.Operations))},
	}, nil
}

// layerAuditEmission records the decision. Its own failure never denies
// the request; a degraded audit path is noted on the result instead.
func (o *Orchestrator) layerAuditEmission(ctx context.Context, st *chainState) (*LayerResult, error) {
	if o.audits == nil {
		return &LayerResult{Success: true, Metadata: map[string]string{"audit": "disabled"}}, nil
	}
	event := o.buildAuditEvent(st)
	if err := o.audits.Emit(ctx, event); err != nil {
		o.logger.Error("audit emission degraded", "error", err, "audit_id", event.AuditID)
		return &LayerResult{
			Success:  true,
			Metadata: map[string]string{"audit": "degraded", "error": err.Error()},
		}, nil
	}
	return &LayerResult{Success: true, Metadata: map[string]string{"audit_id": event.AuditID}}, nil
}

// layerAnomaly consults the correlation rule set for standing alerts
// against this principal or source address. Matches raise the threat
// level; they never grant.
func (o *Orchestrator) layerAnomaly(ctx context.Context, st *chainState) (*LayerResult, error) {
	clientIP := ""
	if st.req.Context != nil {
		clientIP = st.req.Context.ClientIP
	}
	patterns := o.matcher.MatchesSubject(st.req.Principal.ID, clientIP)
	if len(patterns) == 0 {
		return &LayerResult{Success: true}, nil
	}

	result := &LayerResult{Success: true, Metadata: map[string]string{}}
	threat := st.threat
	for _, p := range patterns {
		threat = threat.Raise()
		if kind, ok := patternAnomalies[p]; ok {
			result.Anomalies = append(result.Anomalies, kind)
		}
	}
	result.ThreatLevel = threat
	result.Metadata["matched_patterns"] = strconv.Itoa(len(patterns))
	return result, nil
}

// patternAnomalies maps correlation alert patterns onto anomaly kinds.
var patternAnomalies = map[string]AnomalyKind{
	"brute_force":        AnomalyBruteForce,
	"escalation_pattern": AnomalyPrivilegeEscalation,
	"injection_pattern":  AnomalyCommandInjection,
	"geographic_cluster": AnomalyGeographic,
}

func (o *Orchestrator) buildAuditEvent(st *chainState) *audit.Event {
	granted := !st.denied && st.threat < ThreatRed &&
		st.resolution != nil && st.resolution.Granted

	eventType := audit.EventAuthorizationDenied
	outcome := "denied"
	severity := audit.SeverityWarning
	if granted {
		eventType = audit.EventAuthorizationGranted
		outcome = "granted"
		severity = audit.SeverityInfo
		if st.grant != nil {
			eventType = audit.EventMediaGrantIssued
		}
	}
	switch {
	case st.threat >= ThreatRed:
		severity = audit.SeverityCritical
	case st.threat >= ThreatOrange:
		severity = audit.SeverityError
	}

	event := audit.NewEvent(eventType, severity, st.req.Principal.ID, outcome)
	event.ResourceID = st.req.ResourceID
	event.ResourceType = string(st.req.ResourceType)
	event.Action = string(st.req.Access) + "_" + string(st.req.ResourceType)
	event.ThreatLevel = st.threat.String()
	event.CorrelationID = st.correlationID
	if st.req.Context != nil {
		event.ClientIP = st.req.Context.ClientIP
		event.UserAgent = st.req.Context.UserAgent
	}
	event.LayerResults = layerOutcomes(st.results)
	event.Performance = audit.Performance{
		TotalMs: float64(time.Since(st.started).Microseconds()) / 1000.0,
	}
	event.Seal()
	return event
}

func layerOutcomes(results []LayerResult) []audit.LayerOutcome {
	if len(results) == 0 {
		return nil
	}
	out := make([]audit.LayerOutcome, 0, len(results))
	for _, r := range results {
		lo := audit.LayerOutcome{
			Layer:       string(r.Layer),
			Success:     r.Success,
			ExecutionMs: r.ExecutionMs,
			ThreatLevel: r.ThreatLevel.String(),
		}
		for _, a := range r.Anomalies {
			lo.Anomalies = append(lo.Anomalies, string(a))
		}
		out = append(out, lo)
	}
	return out
}

// decisionRef maps the request tuple onto the cache key space. The
// per-principal generation counter inside the key makes stale entries
// unreachable after an invalidation bump.
func decisionRef(req *Request) cache.Ref {
	return cache.Ref{
		PrincipalID: req.Principal.ID,
		Kind:        kindFor(req.ResourceType),
		ResourceID:  req.ResourceID,
		Op:          string(req.Access),
	}
}

func kindFor(rt ResourceType) cache.Kind {
	switch rt {
	case ResourceGeneration:
		return cache.KindGeneration
	case ResourceProject:
		return cache.KindProject
	case ResourceTeam:
		return cache.KindTeam
	case ResourceUserProfile:
		return cache.KindProfile
	default:
		return cache.KindResource
	}
}

// cachedDecision answers the request from the decision cache, or nil on
// a miss.
func (o *Orchestrator) cachedDecision(ctx context.Context, req *Request, correlationID string) *Response {
	if o.engine == nil {
		return nil
	}
	raw, hit, err := o.engine.Get(ctx, decisionRef(req), false, nil)
	if err != nil || !hit {
		return nil
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil
	}

	system := "full_chain"
	if req.FastLane {
		system = "fast_lane"
	}
	return &Response{
		Granted:       d.Granted,
		Method:        d.Method,
		DenialReason:  d.DenialReason,
		ThreatLevel:   d.ThreatLevel,
		CorrelationID: correlationID,
		CacheHit:      true,
		SystemUsed:    system,
		Degraded:      o.engine.Degraded(),
	}
}

// storeDecision caches a granted decision. Decisions reached under an
// elevated threat level are never cached; the next identical request
// re-runs the chain.
func (o *Orchestrator) storeDecision(ctx context.Context, st *chainState, resp *Response) {
	if o.engine == nil || st.threat > ThreatYellow {
		return
	}
	raw, err := json.Marshal(Decision{
		Granted:     resp.Granted,
		Method:      resp.Method,
		ThreatLevel: resp.ThreatLevel,
	})
	if err != nil {
		return
	}

	tags := []string{
		cache.UserTag(st.req.Principal.ID),
		cache.ResourceTag(st.req.ResourceID),
	}
	if st.req.ResourceType == ResourceGeneration {
		tags = append(tags, cache.GenerationTag(st.req.ResourceID))
	}
	if res := st.resolution; res != nil {
		for _, p := range res.DependsOnProjects {
			tags = append(tags, cache.ProjectTag(p))
		}
		for _, t := range res.DependsOnTeams {
			tags = append(tags, cache.TeamTag(t))
		}
	}
	// A cache store failure only costs a chain re-run on the next
	// request.
	if err := o.engine.Set(ctx, decisionRef(st.req), raw, tags, false); err != nil {
		o.logger.Debug("decision cache store failed", "error", err)
	}
}

func categoryFor(req *Request) ratelimit.Category {
	if c, ok := req.Metadata["endpoint_category"]; ok {
		switch ratelimit.Category(c) {
		case ratelimit.CategoryAuth, ratelimit.CategorySensitive,
			ratelimit.CategoryUpload, ratelimit.CategoryGeneration:
			return ratelimit.Category(c)
		}
	}
	if req.Access == AccessAdmin {
		return ratelimit.CategorySensitive
	}
	if req.ResourceType == ResourceGeneration {
		return ratelimit.CategoryGeneration
	}
	return ratelimit.CategoryGlobal
}

// threatMultiplier tightens rate limits as the threat level rises.
func threatMultiplier(t ThreatLevel) float64 {
	switch t {
	case ThreatGreen:
		return 1.0
	case ThreatYellow:
		return 0.75
	case ThreatOrange:
		return 0.5
	default:
		return 0.25
	}
}

// riskToThreat maps the weighted risk score onto the threat scale.
func riskToThreat(risk float64) ThreatLevel {
	switch {
	case risk >= 0.8:
		return ThreatRed
	case risk >= 0.6:
		return ThreatOrange
	case risk >= 0.3:
		return ThreatYellow
	default:
		return ThreatGreen
	}
}
