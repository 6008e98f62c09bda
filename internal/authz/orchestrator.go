package authz

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/velro/authcore/internal/audit"
	"github.com/velro/authcore/internal/cache"
	"github.com/velro/authcore/internal/metrics"
	"github.com/velro/authcore/internal/observability"
	"github.com/velro/authcore/internal/ratelimit"
	"github.com/velro/authcore/pkg/errors"
)

// RateLimiter is the slice of the rate limiting subsystem the chain
// consumes.
type RateLimiter interface {
	Check(ctx context.Context, in ratelimit.CheckInput) (ratelimit.CheckOutput, error)
}

// OrchestratorConfig bounds chain execution.
type OrchestratorConfig struct {
	ChainDeadline     time.Duration // default 2s
	LayerSoftDeadline time.Duration // default 10ms, log-only
	LayerHardTimeout  time.Duration // default 500ms
}

func (c *OrchestratorConfig) withDefaults() {
	if c.ChainDeadline <= 0 {
		c.ChainDeadline = 2 * time.Second
	}
	if c.LayerSoftDeadline <= 0 {
		c.LayerSoftDeadline = 10 * time.Millisecond
	}
	if c.LayerHardTimeout <= 0 {
		c.LayerHardTimeout = 500 * time.Millisecond
	}
}

// Orchestrator runs the fixed, totally ordered authorization chain and
// aggregates per-layer results into one response. It denies by default:
// a response is granted only when every required layer succeeded and
// the aggregated threat level stays below RED.
type Orchestrator struct {
	cfg OrchestratorConfig

	validator    *InputValidator
	limiter      RateLimiter
	ctxValidator *ContextValidator
	resolver     *Resolver
	media        *MediaIssuer
	matcher      AlertMatcher
	fallback     *EmergencyFallback
	store        ResourceStore
	engine       *cache.Engine
	audits       *audit.Pipeline

	logger *slog.Logger
	tracer trace.Tracer
}

// Deps carries the orchestrator's collaborators. Engine, Media,
// Matcher, Audits, and Tracer may be nil; the corresponding layer
// degrades to a no-op.
type Deps struct {
	Validator    *InputValidator
	Limiter      RateLimiter
	CtxValidator *ContextValidator
	Resolver     *Resolver
	Media        *MediaIssuer
	Matcher      AlertMatcher
	Fallback     *EmergencyFallback
	Store        ResourceStore
	Engine       *cache.Engine
	Audits       *audit.Pipeline
	Logger       *slog.Logger
	Tracer       trace.Tracer
}

// NewOrchestrator assembles the chain.
func NewOrchestrator(cfg OrchestratorConfig, deps Deps) *Orchestrator {
	cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:          cfg,
		validator:    deps.Validator,
		limiter:      deps.Limiter,
		ctxValidator: deps.CtxValidator,
		resolver:     deps.Resolver,
		media:        deps.Media,
		matcher:      deps.Matcher,
		fallback:     deps.Fallback,
		store:        deps.Store,
		engine:       deps.Engine,
		audits:       deps.Audits,
		logger:       logger,
		tracer:       deps.Tracer,
	}
}

// chainState is the mutable per-request state threaded through layers.
type chainState struct {
	req           *Request
	resource      *Resource
	resolution    *Resolution
	cycle         bool
	threat        ThreatLevel
	denied        bool
	denialReason  string
	grant         *MediaGrant
	results       []LayerResult
	correlationID string
	retryAfter    int
	started       time.Time
}

type layerFunc func(ctx context.Context, st *chainState) (*LayerResult, error)

type layerSpec struct {
	typ      LayerType
	required bool
	// skip reports whether the layer does not apply to this request.
	skip func(st *chainState) bool
	run  layerFunc
}

// Authorize executes the chain for one request. It never panics and
// never returns an error: every failure mode collapses into a typed
// denial or the emergency fallback decision.
func (o *Orchestrator) Authorize(ctx context.Context, req *Request) *Response {
	start := time.Now()
	correlationID := observability.RequestIDFromContext(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.ChainDeadline)
	defer cancel()

	// The reduced chain never grants admin access regardless of the
	// underlying principal's privileges.
	if req.FastLane && req.Access == AccessAdmin {
		resp := &Response{
			DenialReason:  "fast_lane_admin_blocked",
			ThreatLevel:   ThreatYellow,
			CorrelationID: correlationID,
			SystemUsed:    "fast_lane",
		}
		o.finish(resp, start, req)
		return resp
	}

	// Decision cache first: an identical request tuple inside the TTL
	// is answered without running the chain.
	if !req.MediaGrant {
		if resp := o.cachedDecision(ctx, req, correlationID); resp != nil {
			o.finish(resp, start, req)
			return resp
		}
	}

	st := &chainState{req: req, correlationID: correlationID, started: start}

	failed, cause := o.runChain(ctx, st)
	if failed {
		resp := o.fallback.Decide(ctx, req, cause, correlationID)
		resp.LayerResults = st.results
		o.finish(resp, start, req)
		return resp
	}

	resp := o.assemble(st)
	if resp.Granted && !req.MediaGrant {
		o.storeDecision(ctx, st, resp)
	}
	o.finish(resp, start, req)
	return resp
}

// runChain executes layers in order. It returns failed=true only for
// the exception path (panic, timeout, or dependency error in a
// required layer), which hands control to the emergency fallback.
func (o *Orchestrator) runChain(ctx context.Context, st *chainState) (bool, string) {
	for _, spec := range o.layers() {
		if spec.skip != nil && spec.skip(st) {
			continue
		}
		// Denials fail fast past the decision layers, but audit and
		// anomaly correlation still run so the denial is recorded and
		// fed to the rule set.
		if st.denied && spec.typ != LayerAuditEmission && spec.typ != LayerAnomaly {
			continue
		}

		result, err := o.runLayer(ctx, spec, st)
		if result != nil {
			st.results = append(st.results, *result)
		}
		if err != nil {
			metrics.LayerFailures.WithLabelValues(string(spec.typ), "exception").Inc()
			if spec.required {
				return true, fmt.Sprintf("layer %s: %v", spec.typ, err)
			}
			st.threat = st.threat.Raise()
			continue
		}
		if result != nil && !result.Success {
			metrics.LayerFailures.WithLabelValues(string(spec.typ), "denial").Inc()
			if spec.required {
				st.denied = true
				if st.denialReason == "" {
					st.denialReason = result.ErrorDetail
				}
				st.threat = st.threat.Max(ThreatOrange)
			} else {
				st.threat = st.threat.Raise()
			}
		}
		if result != nil {
			st.threat = st.threat.Max(result.ThreatLevel)
		}
	}
	return false, ""
}

// runLayer executes one layer under the hard timeout, converting
// panics into errors.
func (o *Orchestrator) runLayer(ctx context.Context, spec layerSpec, st *chainState) (result *LayerResult, err error) {
	layerCtx, cancel := context.WithTimeout(ctx, o.cfg.LayerHardTimeout)
	defer cancel()

	var span trace.Span
	if o.tracer != nil {
		layerCtx, span = observability.StartLayerSpan(layerCtx, o.tracer, string(spec.typ))
		defer span.End()
	}

	start := time.Now()
	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
			close(done)
		}()
		result, err = spec.run(layerCtx, st)
	}()

	select {
	case <-done:
	case <-layerCtx.Done():
		// Wait for the goroutine to observe cancellation so the state
		// is never mutated concurrently with later layers.
		<-done
		if err == nil {
			err = fmt.Errorf("layer timed out after %s", time.Since(start).Round(time.Millisecond))
		}
	}

	elapsed := time.Since(start)
	if result != nil {
		result.Layer = spec.typ
		result.ExecutionMs = float64(elapsed.Microseconds()) / 1000.0
	}
	if elapsed > o.cfg.LayerSoftDeadline {
		o.logger.Debug("layer exceeded soft deadline",
			"layer", spec.typ, "elapsed_ms", elapsed.Milliseconds())
	}
	success := err == nil && (result == nil || result.Success)
	metrics.LayerLatency.WithLabelValues(string(spec.typ), strconv.FormatBool(success)).
		Observe(elapsed.Seconds())
	if span != nil && err != nil {
		observability.RecordError(span, err)
	}
	return result, err
}

func (o *Orchestrator) layers() []layerSpec {
	return []layerSpec{
		{typ: LayerInputValidation, required: true, run: o.layerInputValidation},
		{typ: LayerRateLimit, required: true, run: o.layerRateLimit},
		{
			typ: LayerContext, required: false,
			skip: func(st *chainState) bool { return st.req.FastLane || o.ctxValidator == nil },
			run:  o.layerContext,
		},
		{typ: LayerAccessControl, required: true, run: o.layerAccessControl},
		{
			typ: LayerInheritance, required: true,
			skip: func(st *chainState) bool { return !teamScoped(st) },
			run:  o.layerInheritance,
		},
		{typ: LayerDepthGuard, required: true, run: o.layerDepthGuard},
		{
			typ: LayerMediaAccess, required: true,
			skip: func(st *chainState) bool {
				return !st.req.MediaGrant || st.req.FastLane || o.media == nil
			},
			run: o.layerMediaAccess,
		},
		{typ: LayerAuditEmission, required: true, run: o.layerAuditEmission},
		{
			typ: LayerAnomaly, required: false,
			skip: func(st *chainState) bool { return st.req.FastLane || o.matcher == nil },
			run:  o.layerAnomaly,
		},
	}
}

// teamScoped reports whether team and role inheritance applies to the
// request: team and project resources always, everything else only when
// it belongs to a project.
func teamScoped(st *chainState) bool {
	if st.req.ResourceType == ResourceTeam || st.req.ResourceType == ResourceProject {
		return true
	}
	return st.resource != nil && st.resource.ProjectID != nil && *st.resource.ProjectID != ""
}

func (o *Orchestrator) assemble(st *chainState) *Response {
	resp := &Response{
		ThreatLevel:   st.threat,
		LayerResults:  st.results,
		CorrelationID: st.correlationID,
		SystemUsed:    "full_chain",
		Grant:         st.grant,
		RetryAfterSec: st.retryAfter,
	}
	if st.req.FastLane {
		resp.SystemUsed = "fast_lane"
	}
	if o.engine != nil {
		resp.Degraded = o.engine.Degraded()
	}

	granted := !st.denied && st.threat < ThreatRed &&
		st.resolution != nil && st.resolution.Granted
	if granted {
		resp.Granted = true
		resp.Method = st.resolution.Method
		return resp
	}

	resp.DenialReason = st.denialReason
	if resp.DenialReason == "" && st.threat >= ThreatRed {
		resp.DenialReason = "context_suspicious"
	}
	if resp.DenialReason == "" && st.resolution != nil && st.resolution.Reason != "" {
		resp.DenialReason = st.resolution.Reason
	}
	if resp.DenialReason == "" {
		resp.DenialReason = "denied"
	}
	return resp
}

func (o *Orchestrator) finish(resp *Response, start time.Time, req *Request) {
	resp.ExecutionMs = float64(time.Since(start).Microseconds()) / 1000.0
	metrics.AuthChainLatency.WithLabelValues(strconv.FormatBool(req.FastLane)).
		Observe(time.Since(start).Seconds())
	metrics.AuthDecisions.WithLabelValues(
		strconv.FormatBool(resp.Granted), string(resp.Method), resp.ThreatLevel.String()).Inc()
}

// ToAuthError converts a denial response into the transport error
// shape. Granted responses yield nil.
func ToAuthError(resp *Response) *errors.AuthError {
	if resp.Granted {
		return nil
	}
	var err *errors.AuthError
	switch resp.DenialReason {
	case "rate_limited":
		err = errors.NewRateLimited("rate limit exceeded", resp.RetryAfterSec)
	case "rate_limiter_unavailable":
		err = errors.NewDependencyUnavailable("rate limiter unavailable")
	case "context_suspicious":
		err = errors.NewContextSuspicious("request context rejected")
	case "input_malformed":
		err = errors.NewInputMalformed("request failed validation")
	default:
		err = errors.NewUnauthorized(resp.DenialReason, "access denied")
	}
	return err.WithCorrelation(resp.CorrelationID)
}
