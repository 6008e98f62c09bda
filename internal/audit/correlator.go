package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velro/authcore/internal/metrics"
)

// Correlation rule thresholds.
const (
	bruteForceThreshold = 10
	bruteForceWindow    = 5 * time.Minute

	escalationThreshold = 3
	escalationWindow    = 10 * time.Minute

	geographicThreshold = 5
	geographicWindow    = 30 * time.Minute
)

// Anomaly kind strings the rules match on. These mirror the layer
// anomaly enumeration carried inside events.
const (
	anomalyPrivilegeEscalation = "privilege_escalation"
	anomalyGeographic          = "geographic_anomaly"
)

var injectionAnomalies = map[string]bool{
	"sql_injection":     true,
	"xss_pattern":       true,
	"path_traversal":    true,
	"command_injection": true,
	"ssrf_attempt":      true,
}

// AlertPattern names a correlation rule.
type AlertPattern string

const (
	PatternBruteForce        AlertPattern = "brute_force"
	PatternEscalation        AlertPattern = "escalation_pattern"
	PatternInjection         AlertPattern = "injection_pattern"
	PatternGeographicCluster AlertPattern = "geographic_cluster"
)

// Alert is a correlation match awaiting operator acknowledgement.
type Alert struct {
	ID                 string       `json:"id"`
	Pattern            AlertPattern `json:"pattern"`
	Severity           Severity     `json:"severity"`
	Subject            string       `json:"subject"` // offending IP or principal
	Principals         []string     `json:"principals,omitempty"`
	Resources          []string     `json:"resources,omitempty"`
	RecommendedActions []string     `json:"recommended_actions"`
	EventCount         int          `json:"event_count"`
	CreatedAt          time.Time    `json:"created_at"`
	Acknowledged       bool         `json:"acknowledged"`
	AcknowledgedBy     string       `json:"acknowledged_by,omitempty"`
	AcknowledgedAt     time.Time    `json:"acknowledged_at,omitempty"`
}

// observation is the lightweight trace of one event kept for rule
// evaluation.
type observation struct {
	at          time.Time
	principalID string
	resourceID  string
	clientIP    string
	denied      bool
	anomalies   []string
}

// Correlator buffers recent observations and evaluates the correlation
// rules on a background cadence.
type Correlator struct {
	mu           sync.Mutex
	observations []observation
	alerts       []*Alert
	lastAlerted  map[string]time.Time // pattern+subject -> time
	maxAlerts    int
}

// NewCorrelator creates the correlator.
func NewCorrelator() *Correlator {
	return &Correlator{
		lastAlerted: make(map[string]time.Time),
		maxAlerts:   1000,
	}
}

// Ingest records the rule-relevant slice of one event.
func (c *Correlator) Ingest(event *Event) {
	obs := observation{
		at:          event.Timestamp,
		principalID: event.PrincipalID,
		resourceID:  event.ResourceID,
		clientIP:    event.ClientIP,
		denied:      event.Outcome == "denied",
	}
	for _, lr := range event.LayerResults {
		obs.anomalies = append(obs.anomalies, lr.Anomalies...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.observations = append(c.observations, obs)
}

// Run evaluates every rule against the buffered observations and drops
// observations older than the widest window. Wired as a background
// loop; exported so tests and the anomaly layer can drive it directly.
func (c *Correlator) Run(ctx context.Context) error {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(now)
	c.ruleBruteForce(now)
	c.ruleEscalation(now)
	c.ruleInjection(now)
	c.ruleGeographic(now)
	return ctx.Err()
}

// MatchesSubject reports whether recent observations already cluster
// around the given principal or IP. The anomaly layer uses it to raise
// the threat level on the live request path.
func (c *Correlator) MatchesSubject(principalID, clientIP string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var patterns []string
	now := time.Now()
	for _, alert := range c.alerts {
		if alert.Acknowledged || now.Sub(alert.CreatedAt) > geographicWindow {
			continue
		}
		if alert.Subject == principalID || alert.Subject == clientIP {
			patterns = append(patterns, string(alert.Pattern))
		}
	}
	return patterns
}

// Alerts returns alerts, newest first. Acknowledged alerts are included
// when includeAcked is true.
func (c *Correlator) Alerts(includeAcked bool) []*Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Alert, 0, len(c.alerts))
	for _, alert := range c.alerts {
		if !includeAcked && alert.Acknowledged {
			continue
		}
		cp := *alert
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Acknowledge marks one alert as handled.
func (c *Correlator) Acknowledge(alertID, by string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, alert := range c.alerts {
		if alert.ID == alertID {
			alert.Acknowledged = true
			alert.AcknowledgedBy = by
			alert.AcknowledgedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("alert %s not found", alertID)
}

func (c *Correlator) ruleBruteForce(now time.Time) {
	cutoff := now.Add(-bruteForceWindow)
	byIP := make(map[string][]observation)
	for _, obs := range c.observations {
		if obs.denied && obs.clientIP != "" && obs.at.After(cutoff) {
			byIP[obs.clientIP] = append(byIP[obs.clientIP], obs)
		}
	}
	for ip, hits := range byIP {
		if len(hits) < bruteForceThreshold {
			continue
		}
		c.raiseLocked(PatternBruteForce, SeverityCritical, ip, hits, now, []string{
			"block source IP at the edge",
			"force credential rotation for targeted principals",
		})
	}
}

func (c *Correlator) ruleEscalation(now time.Time) {
	cutoff := now.Add(-escalationWindow)
	byPrincipal := make(map[string][]observation)
	for _, obs := range c.observations {
		if obs.at.Before(cutoff) || obs.principalID == "" {
			continue
		}
		if hasAnomaly(obs, anomalyPrivilegeEscalation) {
			byPrincipal[obs.principalID] = append(byPrincipal[obs.principalID], obs)
		}
	}
	for principal, hits := range byPrincipal {
		if len(hits) < escalationThreshold {
			continue
		}
		c.raiseLocked(PatternEscalation, SeverityCritical, principal, hits, now, []string{
			"suspend principal pending review",
			"audit recent role changes",
		})
	}
}

func (c *Correlator) ruleInjection(now time.Time) {
	for _, obs := range c.observations {
		injected := false
		for _, a := range obs.anomalies {
			if injectionAnomalies[a] {
				injected = true
				break
			}
		}
		if !injected {
			continue
		}
		subject := obs.clientIP
		if subject == "" {
			subject = obs.principalID
		}
		c.raiseLocked(PatternInjection, SeverityError, subject, []observation{obs}, now, []string{
			"inspect request payloads from this source",
			"verify input validation rules cover the observed pattern",
		})
	}
}

func (c *Correlator) ruleGeographic(now time.Time) {
	cutoff := now.Add(-geographicWindow)
	byPrincipal := make(map[string][]observation)
	for _, obs := range c.observations {
		if obs.at.Before(cutoff) || obs.principalID == "" {
			continue
		}
		if hasAnomaly(obs, anomalyGeographic) {
			byPrincipal[obs.principalID] = append(byPrincipal[obs.principalID], obs)
		}
	}
	for principal, hits := range byPrincipal {
		if len(hits) < geographicThreshold {
			continue
		}
		c.raiseLocked(PatternGeographicCluster, SeverityError, principal, hits, now, []string{
			"require re-authentication for this principal",
			"review session origins for account sharing",
		})
	}
}

// raiseLocked creates an alert unless the same (pattern, subject) pair
// alerted within its window already.
func (c *Correlator) raiseLocked(pattern AlertPattern, severity Severity, subject string, hits []observation, now time.Time, actions []string) {
	dedupeKey := string(pattern) + "|" + subject
	if last, ok := c.lastAlerted[dedupeKey]; ok && now.Sub(last) < geographicWindow {
		return
	}
	c.lastAlerted[dedupeKey] = now

	principals := make(map[string]bool)
	resources := make(map[string]bool)
	for _, obs := range hits {
		if obs.principalID != "" {
			principals[obs.principalID] = true
		}
		if obs.resourceID != "" {
			resources[obs.resourceID] = true
		}
	}

	alert := &Alert{
		ID:                 uuid.NewString(),
		Pattern:            pattern,
		Severity:           severity,
		Subject:            subject,
		Principals:         sortedKeys(principals),
		Resources:          sortedKeys(resources),
		RecommendedActions: actions,
		EventCount:         len(hits),
		CreatedAt:          now,
	}
	c.alerts = append(c.alerts, alert)
	if len(c.alerts) > c.maxAlerts {
		c.alerts = c.alerts[len(c.alerts)-c.maxAlerts:]
	}
	metrics.AuditAlerts.WithLabelValues(string(pattern)).Inc()
}

// evictLocked drops observations older than the widest rule window.
func (c *Correlator) evictLocked(now time.Time) {
	cutoff := now.Add(-geographicWindow)
	kept := c.observations[:0]
	for _, obs := range c.observations {
		if obs.at.After(cutoff) {
			kept = append(kept, obs)
		}
	}
	c.observations = kept
}

func hasAnomaly(obs observation, kind string) bool {
	for _, a := range obs.anomalies {
		if a == kind {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
