package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/velro/authcore/internal/audit"
	"github.com/velro/authcore/internal/authz"
	"github.com/velro/authcore/internal/cache"
	"github.com/velro/authcore/internal/config"
	"github.com/velro/authcore/internal/gate"
	"github.com/velro/authcore/internal/identity"
	"github.com/velro/authcore/internal/observability"
	"github.com/velro/authcore/internal/store"
	"github.com/velro/authcore/pkg/errors"
)

type handlerDeps struct {
	orch       *authz.Orchestrator
	tokens     *identity.Validator
	engine     *cache.Engine
	planner    *cache.Planner // nil when warming is disabled
	store      *store.PostgresStore
	redis      redis.UniversalClient
	auditStore *audit.PostgresStore
	realtime   *audit.RealtimeSink
	correlator *audit.Correlator
	cfg        func() *config.Config
	logger     *slog.Logger
}

type handler struct {
	handlerDeps
}

func newHandler(deps handlerDeps) *handler {
	return &handler{handlerDeps: deps}
}

// authorizeRequest is the wire shape of an authorization check. The
// principal comes from the bearer token, never from the body.
type authorizeRequest struct {
	ResourceID     string            `json:"resource_id"`
	ResourceType   string            `json:"resource_type"`
	Access         string            `json:"access"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	MediaGrant     bool              `json:"media_grant,omitempty"`
	GrantExpirySec int               `json:"grant_expiry_sec,omitempty"`
}

func (h *handler) authorize(w http.ResponseWriter, r *http.Request) {
	h.runChain(w, r, false)
}

// mediaGrant is the dedicated media endpoint; it runs the same chain
// with the media layer forced on.
func (h *handler) mediaGrant(w http.ResponseWriter, r *http.Request) {
	h.runChain(w, r, true)
}

func (h *handler) runChain(w http.ResponseWriter, r *http.Request, forceMedia bool) {
	principalID, authErr := h.principalFrom(r)
	if authErr != nil {
		writeAuthError(w, authErr)
		return
	}

	var body authorizeRequest
	if authErr := h.readBody(r, &body); authErr != nil {
		writeAuthError(w, authErr)
		return
	}

	access := body.Access
	if forceMedia && access == "" {
		access = string(authz.AccessRead)
	}

	req := &authz.Request{
		Principal:    authz.Principal{ID: principalID},
		ResourceID:   body.ResourceID,
		ResourceType: authz.ResourceType(body.ResourceType),
		Access:       authz.AccessType(access),
		Metadata:     body.Metadata,
		MediaGrant:   body.MediaGrant || forceMedia,
		GrantExpiry:  time.Duration(body.GrantExpirySec) * time.Second,
		FastLane:     gate.FastLaneFromContext(r.Context()),
		Context: &authz.SecurityContext{
			ClientIP:    requestIP(r),
			UserAgent:   r.UserAgent(),
			RequestedAt: time.Now(),
		},
	}

	resp := h.orch.Authorize(r.Context(), req)
	if !resp.Granted {
		writeAuthError(w, authz.ToAuthError(resp))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type loginEvent struct {
	SessionID string `json:"session_id"`
}

// eventLogin fires the triggered warmer for a fresh session.
func (h *handler) eventLogin(w http.ResponseWriter, r *http.Request) {
	principalID, authErr := h.principalFrom(r)
	if authErr != nil {
		writeAuthError(w, authErr)
		return
	}

	var body loginEvent
	if authErr := h.readBody(r, &body); authErr != nil {
		writeAuthError(w, authErr)
		return
	}

	if h.planner != nil {
		limit := h.cfg().Cache.Warming.RecentGenerations
		recent, err := h.store.ListRecentGenerations(r.Context(), principalID, limit)
		if err != nil {
			h.logger.Warn("recent generations lookup failed, warming session bundle only",
				"principal_id", principalID, "error", err)
		}
		ids := make([]string, 0, len(recent))
		for _, res := range recent {
			ids = append(ids, res.ID)
		}
		h.planner.OnLogin(r.Context(), principalID, body.SessionID, ids)
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type generationEvent struct {
	GenerationID string `json:"generation_id"`
	ProjectID    string `json:"project_id,omitempty"`
}

// eventGeneration invalidates listing-dependent keys and warms the new
// generation's bundle.
func (h *handler) eventGeneration(w http.ResponseWriter, r *http.Request) {
	principalID, authErr := h.principalFrom(r)
	if authErr != nil {
		writeAuthError(w, authErr)
		return
	}

	var body generationEvent
	if authErr := h.readBody(r, &body); authErr != nil {
		writeAuthError(w, authErr)
		return
	}
	if body.GenerationID == "" {
		writeAuthError(w, errors.NewInputMalformed("generation_id is required"))
		return
	}

	h.engine.RecordChange("generation")
	if body.ProjectID != "" {
		if err := h.engine.InvalidateTag(r.Context(), cache.ProjectTag(body.ProjectID)); err != nil {
			h.logger.Warn("project tag invalidation failed",
				"project_id", body.ProjectID, "error", err)
		}
	}
	if h.planner != nil {
		h.planner.OnGenerationCreate(r.Context(), principalID, body.GenerationID)
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *handler) healthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) healthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := map[string]string{"database": "ok", "redis": "ok"}
	ready := true
	if err := h.store.Ping(ctx); err != nil {
		components["database"] = err.Error()
		ready = false
	}
	if err := h.redis.Ping(ctx).Err(); err != nil {
		components["redis"] = err.Error()
		ready = false
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "components": components})
}

func (h *handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

type invalidateRequest struct {
	Tag         string `json:"tag,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	PrincipalID string `json:"principal_id,omitempty"`
}

// cacheInvalidate handles operator-driven invalidation: by tag, by key
// pattern, or by principal generation bump.
func (h *handler) cacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var body invalidateRequest
	if authErr := h.readBody(r, &body); authErr != nil {
		writeAuthError(w, authErr)
		return
	}
	if body.Tag == "" && body.Pattern == "" && body.PrincipalID == "" {
		writeAuthError(w, errors.NewInputMalformed("tag, pattern, or principal_id is required"))
		return
	}

	result := map[string]any{"status": "ok"}
	if body.Tag != "" {
		if err := h.engine.InvalidateTag(r.Context(), body.Tag); err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
	}
	if body.Pattern != "" {
		if err := h.engine.InvalidatePattern(r.Context(), body.Pattern); err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
	}
	if body.PrincipalID != "" {
		gen, err := h.engine.BumpPrincipalGeneration(r.Context(), body.PrincipalID)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		result["generation"] = gen
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) auditEvents(w http.ResponseWriter, r *http.Request) {
	filter := audit.QueryFilter{
		PrincipalID: r.URL.Query().Get("principal_id"),
		Severity:    audit.Severity(r.URL.Query().Get("severity")),
		Limit:       queryInt(r, "limit", 100),
	}
	events, err := h.auditStore.Query(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (h *handler) auditRecent(w http.ResponseWriter, r *http.Request) {
	events := h.realtime.Recent(queryInt(r, "limit", 100))
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (h *handler) auditAlerts(w http.ResponseWriter, r *http.Request) {
	includeAcked := r.URL.Query().Get("include_acked") == "true"
	alerts := h.correlator.Alerts(includeAcked)
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

type ackRequest struct {
	By string `json:"by"`
}

func (h *handler) ackAlert(w http.ResponseWriter, r *http.Request) {
	var body ackRequest
	if authErr := h.readBody(r, &body); authErr != nil {
		writeAuthError(w, authErr)
		return
	}
	if body.By == "" {
		body.By = "operator"
	}
	if err := h.correlator.Acknowledge(r.PathValue("id"), body.By); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// principalFrom validates the bearer token and returns the subject.
func (h *handler) principalFrom(r *http.Request) (string, *errors.AuthError) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", errors.NewUnauthorized("missing_token", "bearer token required").
			WithCorrelation(requestCorrelation(r))
	}
	result, err := h.tokens.Validate(r.Context(), token)
	if err != nil {
		return "", errors.NewUnauthorized("invalid_token", "token validation failed").
			WithCorrelation(requestCorrelation(r))
	}
	return result.PrincipalID, nil
}

// readBody decodes the request body from the gate's cache. A request
// whose body failed to cache is rejected rather than re-read.
func (h *handler) readBody(r *http.Request, v any) *errors.AuthError {
	if gate.BodyCacheFailed(r.Context()) {
		return errors.NewInputMalformed("body_cache_failed").
			WithCorrelation(requestCorrelation(r))
	}
	body, ok := gate.CachedBody(r.Context())
	if !ok {
		raw, err := io.ReadAll(io.LimitReader(r.Body, h.cfg().Validation.MaxBodyBytes+1))
		if err != nil || int64(len(raw)) > h.cfg().Validation.MaxBodyBytes {
			return errors.NewInputMalformed("body_cache_failed").
				WithCorrelation(requestCorrelation(r))
		}
		body = raw
	}
	if len(body) == 0 {
		return errors.NewInputMalformed("request body required").
			WithCorrelation(requestCorrelation(r))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.NewInputMalformed("invalid request body").
			WithCorrelation(requestCorrelation(r))
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, authErr *errors.AuthError) {
	if authErr.RetryAfterSec > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(authErr.RetryAfterSec))
	}
	writeJSON(w, authErr.HTTPStatusCode(), authErr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestCorrelation(r *http.Request) string {
	return observability.RequestIDFromContext(r.Context())
}

func requestIP(r *http.Request) string {
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

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
