package authz

import (
	"context"
	"math"
	"regexp"
	"sync"
	"time"
)

// Risk score weights. They sum to 1 so the score stays in [0,1].
const (
	weightIPReputation = 0.3
	weightGeoAnomaly   = 0.2
	weightUserAgent    = 0.2
	weightBehavior     = 0.2
	weightThreatIntel  = 0.1
)

// Impossible travel bounds: more than 1000 km covered in under 30
// minutes.
const (
	impossibleTravelKm     = 1000.0
	impossibleTravelWindow = 30 * time.Minute
)

var botUAPattern = regexp.MustCompile(`(?i)(bot|crawler|spider|scraper|curl/|wget/|python-requests|go-http-client|headlesschrome|phantomjs)`)

// Security flag names attached to the context.
const (
	FlagVPNOrTor         = "vpn_or_tor"
	FlagImpossibleTravel = "impossible_travel"
	FlagBotUserAgent     = "bot_user_agent"
	FlagIPChurn          = "rapid_ip_churn"
	FlagPeriodicTiming   = "periodic_timing"
	FlagAdminRatio       = "excessive_admin_ratio"
	FlagThreatListed     = "threat_intel_hit"
)

type lastLocation struct {
	geo GeoPoint
	at  time.Time
}

// ContextValidator is layer 3 (advisory): it attaches geolocation and
// user-agent analysis to the security context and computes the weighted
// risk score.
type ContextValidator struct {
	geo   GeoResolver
	intel IPIntel

	mu       sync.Mutex
	lastSeen map[string]lastLocation
}

// NewContextValidator creates the validator. Either collaborator may be
// nil, in which case its sub-score is zero.
func NewContextValidator(geo GeoResolver, intel IPIntel) *ContextValidator {
	return &ContextValidator{
		geo:      geo,
		intel:    intel,
		lastSeen: make(map[string]lastLocation),
	}
}

// Assess mutates the request's security context in place: sub-records,
// flags, and the risk score. It returns the anomalies it detected.
func (v *ContextValidator) Assess(ctx context.Context, req *Request) []AnomalyKind {
	sc := req.Context
	if sc == nil {
		return nil
	}
	if sc.RequestedAt.IsZero() {
		sc.RequestedAt = time.Now()
	}

	var anomalies []AnomalyKind

	var ipReputation, threatIntel float64
	if v.intel != nil && sc.ClientIP != "" {
		ipReputation = clamp01(v.intel.ReputationScore(sc.ClientIP))
		if v.intel.IsVPNOrTor(sc.ClientIP) {
			sc.AddFlag(FlagVPNOrTor)
			anomalies = append(anomalies, AnomalyVPNOrTor)
			if ipReputation < 0.5 {
				ipReputation = 0.5
			}
		}
		if v.intel.ThreatListed(sc.ClientIP) {
			sc.AddFlag(FlagThreatListed)
			threatIntel = 1.0
		}
	}

	geoScore := v.assessGeo(ctx, req, sc, &anomalies)
	uaScore := v.assessUserAgent(sc, &anomalies)
	behaviorScore := v.assessBehavior(req, sc, &anomalies)

	sc.RiskScore = clamp01(weightIPReputation*ipReputation +
		weightGeoAnomaly*geoScore +
		weightUserAgent*uaScore +
		weightBehavior*behaviorScore +
		weightThreatIntel*threatIntel)

	return anomalies
}

func (v *ContextValidator) assessGeo(ctx context.Context, req *Request, sc *SecurityContext, anomalies *[]AnomalyKind) float64 {
	if v.geo == nil || sc.ClientIP == "" {
		return 0
	}
	geo, err := v.geo.Resolve(ctx, sc.ClientIP)
	if err != nil || geo == nil {
		return 0
	}
	sc.Geo = geo

	v.mu.Lock()
	prev, seen := v.lastSeen[req.Principal.ID]
	v.lastSeen[req.Principal.ID] = lastLocation{geo: *geo, at: sc.RequestedAt}
	v.mu.Unlock()

	if !seen {
		return 0
	}

	elapsed := sc.RequestedAt.Sub(prev.at)
	distance := haversineKm(prev.geo.Latitude, prev.geo.Longitude, geo.Latitude, geo.Longitude)
	if elapsed > 0 && elapsed < impossibleTravelWindow && distance > impossibleTravelKm {
		sc.AddFlag(FlagImpossibleTravel)
		*anomalies = append(*anomalies, AnomalyGeographic)
		return 1.0
	}
	if prev.geo.Country != "" && geo.Country != "" && prev.geo.Country != geo.Country {
		return 0.5
	}
	return 0
}

func (v *ContextValidator) assessUserAgent(sc *SecurityContext, anomalies *[]AnomalyKind) float64 {
	if sc.UserAgent == "" {
		// A missing user agent is itself mildly suspicious.
		return 0.3
	}
	info := &UserAgentInfo{Raw: sc.UserAgent}
	if botUAPattern.MatchString(sc.UserAgent) {
		info.IsBot = true
	}
	sc.UserAgentInfo = info

	if info.IsBot {
		sc.AddFlag(FlagBotUserAgent)
		*anomalies = append(*anomalies, AnomalyBotUserAgent)
		return 1.0
	}
	return 0
}

func (v *ContextValidator) assessBehavior(req *Request, sc *SecurityContext, anomalies *[]AnomalyKind) float64 {
	history := sc.History
	if len(history) < 3 {
		return 0
	}

	var score float64

	// Rapid IP churn: three or more distinct source addresses inside
	// five minutes.
	cutoff := sc.RequestedAt.Add(-5 * time.Minute)
	ips := map[string]bool{sc.ClientIP: true}
	for _, h := range history {
		if h.Timestamp.After(cutoff) && h.ClientIP != "" {
			ips[h.ClientIP] = true
		}
	}
	if len(ips) >= 3 {
		sc.AddFlag(FlagIPChurn)
		*anomalies = append(*anomalies, AnomalyIPChurn)
		score += 1.0 / 3
	}

	// Perfectly periodic request timing suggests automation.
	if len(history) >= 5 && isPeriodic(history) {
		sc.AddFlag(FlagPeriodicTiming)
		*anomalies = append(*anomalies, AnomalyPeriodicTiming)
		score += 1.0 / 3
	}

	// Excessive share of admin accesses.
	if len(history) >= 5 {
		admin := 0
		for _, h := range history {
			if h.AccessType == AccessAdmin {
				admin++
			}
		}
		if float64(admin)/float64(len(history)) > 0.5 {
			sc.AddFlag(FlagAdminRatio)
			*anomalies = append(*anomalies, AnomalyAdminRatio)
			score += 1.0 / 3
		}
	}

	return clamp01(score)
}

// isPeriodic reports whether inter-request intervals are near-constant:
// standard deviation under 5% of the mean interval.
func isPeriodic(history []RequestSummary) bool {
	intervals := make([]float64, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		d := history[i].Timestamp.Sub(history[i-1].Timestamp).Seconds()
		if d <= 0 {
			return false
		}
		intervals = append(intervals, d)
	}
	if len(intervals) < 4 {
		return false
	}

	var mean float64
	for _, d := range intervals {
		mean += d
	}
	mean /= float64(len(intervals))
	if mean == 0 {
		return false
	}

	var variance float64
	for _, d := range intervals {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(intervals))

	return math.Sqrt(variance)/mean < 0.05
}

// haversineKm computes the great-circle distance between two points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := math.Pi / 180

	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
