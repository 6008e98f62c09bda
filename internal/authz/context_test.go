package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGeo struct {
	points map[string]*GeoPoint
}

func (g stubGeo) Resolve(ctx context.Context, ip string) (*GeoPoint, error) {
	return g.points[ip], nil
}

type stubIntel struct {
	reputation float64
	vpn        bool
	listed     bool
}

func (i stubIntel) ReputationScore(ip string) float64 { return i.reputation }
func (i stubIntel) IsVPNOrTor(ip string) bool         { return i.vpn }
func (i stubIntel) ThreatListed(ip string) bool       { return i.listed }

func contextRequest(ip, ua string) *Request {
	return &Request{
		Principal: Principal{ID: idOwner},
		Context: &SecurityContext{
			ClientIP:    ip,
			UserAgent:   ua,
			RequestedAt: time.Now(),
		},
	}
}

func TestAssessCleanRequest(t *testing.T) {
	v := NewContextValidator(stubGeo{}, stubIntel{})
	req := contextRequest("203.0.113.10", "Mozilla/5.0 (Macintosh)")

	anomalies := v.Assess(context.Background(), req)
	assert.Empty(t, anomalies)
	assert.Less(t, req.Context.RiskScore, 0.3)
}

func TestAssessVPNFloorsReputation(t *testing.T) {
	v := NewContextValidator(nil, stubIntel{reputation: 0.1, vpn: true})
	req := contextRequest("203.0.113.10", "Mozilla/5.0")

	anomalies := v.Assess(context.Background(), req)
	assert.Contains(t, anomalies, AnomalyVPNOrTor)
	assert.True(t, req.Context.HasFlag(FlagVPNOrTor))
	// 0.3 weight x 0.5 floored reputation.
	assert.InDelta(t, 0.15, req.Context.RiskScore, 0.001)
}

func TestAssessThreatListed(t *testing.T) {
	v := NewContextValidator(nil, stubIntel{listed: true})
	req := contextRequest("203.0.113.10", "Mozilla/5.0")

	v.Assess(context.Background(), req)
	assert.True(t, req.Context.HasFlag(FlagThreatListed))
	// Threat intel carries a 0.1 weight at full score.
	assert.GreaterOrEqual(t, req.Context.RiskScore, 0.1)
}

func TestAssessImpossibleTravel(t *testing.T) {
	geo := stubGeo{points: map[string]*GeoPoint{
		"203.0.113.10": {Latitude: 40.7128, Longitude: -74.0060, Country: "US"}, // New York
		"203.0.113.20": {Latitude: 35.6762, Longitude: 139.6503, Country: "JP"}, // Tokyo
	}}
	v := NewContextValidator(geo, nil)

	first := contextRequest("203.0.113.10", "Mozilla/5.0")
	v.Assess(context.Background(), first)

	second := contextRequest("203.0.113.20", "Mozilla/5.0")
	second.Context.RequestedAt = first.Context.RequestedAt.Add(5 * time.Minute)
	anomalies := v.Assess(context.Background(), second)

	assert.Contains(t, anomalies, AnomalyGeographic)
	assert.True(t, second.Context.HasFlag(FlagImpossibleTravel))
	assert.InDelta(t, 0.2, second.Context.RiskScore, 0.001)
}

func TestAssessSlowTravelAllowed(t *testing.T) {
	geo := stubGeo{points: map[string]*GeoPoint{
		"203.0.113.10": {Latitude: 40.7128, Longitude: -74.0060, Country: "US"},
		"203.0.113.20": {Latitude: 35.6762, Longitude: 139.6503, Country: "JP"},
	}}
	v := NewContextValidator(geo, nil)

	first := contextRequest("203.0.113.10", "Mozilla/5.0")
	v.Assess(context.Background(), first)

	// Outside the 30-minute window the same hop only scores as a
	// country change.
	second := contextRequest("203.0.113.20", "Mozilla/5.0")
	second.Context.RequestedAt = first.Context.RequestedAt.Add(14 * time.Hour)
	anomalies := v.Assess(context.Background(), second)

	assert.NotContains(t, anomalies, AnomalyGeographic)
	assert.False(t, second.Context.HasFlag(FlagImpossibleTravel))
	assert.InDelta(t, 0.1, second.Context.RiskScore, 0.001)
}

func TestAssessUserAgent(t *testing.T) {
	v := NewContextValidator(nil, nil)

	bot := contextRequest("203.0.113.10", "curl/8.4.0")
	anomalies := v.Assess(context.Background(), bot)
	assert.Contains(t, anomalies, AnomalyBotUserAgent)
	require.NotNil(t, bot.Context.UserAgentInfo)
	assert.True(t, bot.Context.UserAgentInfo.IsBot)
	assert.InDelta(t, 0.2, bot.Context.RiskScore, 0.001)

	missing := contextRequest("203.0.113.10", "")
	v.Assess(context.Background(), missing)
	assert.InDelta(t, 0.06, missing.Context.RiskScore, 0.001)
}

func TestAssessBehaviorSignals(t *testing.T) {
	v := NewContextValidator(nil, nil)
	now := time.Now()

	req := contextRequest("203.0.113.10", "Mozilla/5.0")
	req.Context.RequestedAt = now
	req.Context.History = []RequestSummary{
		{Timestamp: now.Add(-4 * time.Minute), ClientIP: "203.0.113.11", AccessType: AccessAdmin},
		{Timestamp: now.Add(-3 * time.Minute), ClientIP: "203.0.113.12", AccessType: AccessAdmin},
		{Timestamp: now.Add(-2 * time.Minute), ClientIP: "203.0.113.13", AccessType: AccessAdmin},
		{Timestamp: now.Add(-1 * time.Minute), ClientIP: "203.0.113.14", AccessType: AccessAdmin},
		{Timestamp: now.Add(-30 * time.Second), ClientIP: "203.0.113.15", AccessType: AccessAdmin},
	}

	anomalies := v.Assess(context.Background(), req)
	assert.Contains(t, anomalies, AnomalyIPChurn)
	assert.Contains(t, anomalies, AnomalyAdminRatio)
	assert.True(t, req.Context.HasFlag(FlagIPChurn))
	assert.True(t, req.Context.HasFlag(FlagAdminRatio))
}

func TestAssessPeriodicTiming(t *testing.T) {
	v := NewContextValidator(nil, nil)
	base := time.Now().Add(-time.Hour)

	req := contextRequest("203.0.113.10", "Mozilla/5.0")
	history := make([]RequestSummary, 6)
	for i := range history {
		// Exactly 60 seconds apart.
		history[i] = RequestSummary{Timestamp: base.Add(time.Duration(i) * time.Minute), ClientIP: "203.0.113.10"}
	}
	req.Context.History = history

	anomalies := v.Assess(context.Background(), req)
	assert.Contains(t, anomalies, AnomalyPeriodicTiming)
}

func TestHaversine(t *testing.T) {
	// New York to Tokyo is roughly 10,850 km.
	d := haversineKm(40.7128, -74.0060, 35.6762, 139.6503)
	assert.InDelta(t, 10850, d, 100)
}
