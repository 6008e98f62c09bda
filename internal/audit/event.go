// Package audit implements the tamper-evident audit pipeline: event
// construction with a SHA-256 checksum, parallel fan-out to four sinks,
// and background correlation of suspicious patterns into alerts.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity grades an audit event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// EventType names the auditable occurrence.
type EventType string

const (
	EventAuthorizationGranted EventType = "authorization_granted"
	EventAuthorizationDenied  EventType = "authorization_denied"
	EventMediaGrantIssued     EventType = "media_grant_issued"
	EventEmergencyFallback    EventType = "emergency_fallback"
	EventAnomalyDetected      EventType = "anomaly_detected"
	EventAdminAction          EventType = "admin_action"
)

// LayerOutcome is the per-layer slice of an event.
type LayerOutcome struct {
	Layer       string  `json:"layer"`
	Success     bool    `json:"success"`
	ExecutionMs float64 `json:"execution_ms"`
	ThreatLevel string  `json:"threat_level"`
	Anomalies   []string `json:"anomalies,omitempty"`
}

// Performance carries the timing summary.
type Performance struct {
	TotalMs  float64 `json:"total_ms"`
	CacheHit bool    `json:"cache_hit"`
}

// Event is one audit record. The checksum covers the identity fields so
// any later mutation of who/when/what-happened is detectable.
type Event struct {
	AuditID        string         `json:"audit_id"`
	EventType      EventType      `json:"event_type"`
	Severity       Severity       `json:"severity"`
	Timestamp      time.Time      `json:"timestamp"`
	PrincipalID    string         `json:"principal_id"`
	ResourceID     string         `json:"resource_id,omitempty"`
	ResourceType   string         `json:"resource_type,omitempty"`
	ClientIP       string         `json:"client_ip,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	Action         string         `json:"action"` // "<access>_<resource_type>"
	Outcome        string         `json:"outcome"` // granted, denied, error
	ThreatLevel    string         `json:"threat_level"`
	LayerResults   []LayerOutcome `json:"layer_results,omitempty"`
	Performance    Performance    `json:"performance"`
	ContextSummary map[string]any `json:"context_summary,omitempty"`
	CorrelationID  string         `json:"correlation_id"`
	Remediation    []string       `json:"remediation,omitempty"`
	Checksum       string         `json:"checksum"`
}

// NewEvent allocates an event with identity fields filled and the
// checksum sealed. Callers set the remaining fields before sealing via
// Seal if they mutate identity fields.
func NewEvent(eventType EventType, severity Severity, principalID, outcome string) *Event {
	e := &Event{
		AuditID:     uuid.NewString(),
		EventType:   eventType,
		Severity:    severity,
		Timestamp:   time.Now().UTC(),
		PrincipalID: principalID,
		Outcome:     outcome,
	}
	e.Seal()
	return e
}

// Seal recomputes the checksum over the identity fields.
func (e *Event) Seal() {
	e.Checksum = e.computeChecksum()
}

// VerifyChecksum reports whether the stored checksum still matches the
// identity fields.
func (e *Event) VerifyChecksum() bool {
	return e.Checksum == e.computeChecksum()
}

func (e *Event) computeChecksum() string {
	payload := fmt.Sprintf("%s|%s|%s|%s",
		e.AuditID,
		e.Timestamp.Format(time.RFC3339Nano),
		e.PrincipalID,
		e.Outcome,
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// cefSeverity maps the event severity onto the 0-10 CEF scale.
func (s Severity) cefSeverity() int {
	switch s {
	case SeverityInfo:
		return 2
	case SeverityWarning:
		return 5
	case SeverityError:
		return 7
	case SeverityCritical:
		return 10
	default:
		return 2
	}
}
