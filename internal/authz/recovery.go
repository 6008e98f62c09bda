package authz

import (
	"context"
	"log/slog"
	"time"

	"github.com/velro/authcore/internal/audit"
	"github.com/velro/authcore/internal/metrics"
)

// EmergencyFallback is layer 10. It runs only when the orchestrator
// itself failed: a required layer panicked or errored instead of
// returning a result. It grants the bare minimum — direct ownership on
// read, plus read on public_read resources — and denies everything
// else. Every invocation emits a CRITICAL audit event.
type EmergencyFallback struct {
	store  ResourceStore
	audits *audit.Pipeline
	logger *slog.Logger
}

// NewEmergencyFallback creates the fallback.
func NewEmergencyFallback(store ResourceStore, audits *audit.Pipeline, logger *slog.Logger) *EmergencyFallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmergencyFallback{store: store, audits: audits, logger: logger}
}

// Decide produces the conservative emergency decision. It never
// returns an error; when even the minimal checks cannot run, the
// answer is deny. The correlation id ties the CRITICAL audit event
// back to the request that triggered the fallback.
func (f *EmergencyFallback) Decide(ctx context.Context, req *Request, cause, correlationID string) *Response {
	metrics.EmergencyFallbacks.Inc()
	f.logger.Error("emergency fallback engaged",
		"principal_id", req.Principal.ID,
		"resource_id", req.ResourceID,
		"access", req.Access,
		"cause", cause,
		"correlation_id", correlationID,
	)

	resp := &Response{
		ThreatLevel:   ThreatOrange,
		SystemUsed:    "emergency",
		CorrelationID: correlationID,
	}

	if req.Access == AccessRead {
		// Bound the minimal check tightly; the fallback must answer
		// even when dependencies are slow.
		checkCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		resource, err := f.store.GetResource(checkCtx, req.ResourceID)
		cancel()
		if err == nil && resource != nil {
			if resource.OwnerID == req.Principal.ID {
				resp.Granted = true
				resp.Method = MethodEmergency
			} else if resource.ProjectID != nil && *resource.ProjectID != "" {
				checkCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
				project, err := f.store.GetProject(checkCtx, *resource.ProjectID)
				cancel()
				if err == nil && project != nil && project.Visibility == VisibilityPublicRead {
					resp.Granted = true
					resp.Method = MethodEmergency
				}
			}
		}
	}
	if !resp.Granted {
		resp.DenialReason = "emergency_deny_default"
	}

	f.emitAudit(ctx, req, resp, cause)
	return resp
}

func (f *EmergencyFallback) emitAudit(ctx context.Context, req *Request, resp *Response, cause string) {
	if f.audits == nil {
		return
	}
	outcome := "denied"
	if resp.Granted {
		outcome = "granted"
	}
	event := audit.NewEvent(audit.EventEmergencyFallback, audit.SeverityCritical, req.Principal.ID, outcome)
	event.ResourceID = req.ResourceID
	event.ResourceType = string(req.ResourceType)
	event.Action = string(req.Access) + "_" + string(req.ResourceType)
	event.ThreatLevel = resp.ThreatLevel.String()
	event.CorrelationID = resp.CorrelationID
	if req.Context != nil {
		event.ClientIP = req.Context.ClientIP
		event.UserAgent = req.Context.UserAgent
	}
	event.Remediation = []string{
		"investigate orchestrator failure: " + cause,
		"verify dependency health before restoring full chain",
	}
	event.Seal()
	if err := f.audits.Emit(ctx, event); err != nil {
		f.logger.Error("emergency audit emission failed", "error", err)
	}
}
