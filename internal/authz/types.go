// Package authz implements the layered authorization engine: the
// orchestrator, the ten-layer chain, access resolution, media grants,
// and the emergency fallback.
package authz

import (
	"time"
)

// ResourceType identifies the kind of resource being authorized.
type ResourceType string

const (
	ResourceUserProfile ResourceType = "user_profile"
	ResourceGeneration  ResourceType = "generation"
	ResourceProject     ResourceType = "project"
	ResourceTeam        ResourceType = "team"
	ResourceAdmin       ResourceType = "admin_resource"
	ResourceSystem      ResourceType = "system_resource"
)

// AccessType is the operation requested on a resource.
type AccessType string

const (
	AccessRead   AccessType = "read"
	AccessWrite  AccessType = "write"
	AccessDelete AccessType = "delete"
	AccessShare  AccessType = "share"
	AccessAdmin  AccessType = "admin"
)

// Role is a hierarchical team role. Role A satisfies role B iff
// A.Level() >= B.Level().
type Role string

const (
	RoleViewer      Role = "viewer"
	RoleContributor Role = "contributor"
	RoleEditor      Role = "editor"
	RoleAdmin       Role = "admin"
	RoleOwner       Role = "owner"
)

// Level returns the ordinal rank of the role; unknown roles rank zero.
func (r Role) Level() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleContributor:
		return 2
	case RoleEditor:
		return 3
	case RoleAdmin:
		return 4
	case RoleOwner:
		return 5
	default:
		return 0
	}
}

// Satisfies reports whether r meets or exceeds the required role.
func (r Role) Satisfies(required Role) bool {
	return r.Level() >= required.Level()
}

// MinRole returns the lower-ranked of two roles.
func MinRole(a, b Role) Role {
	if a.Level() <= b.Level() {
		return a
	}
	return b
}

// RequiredRole returns the minimum role for an access type. Delete on a
// resource owned by someone else requires admin; ownDelete selects the
// owner's cheaper editor requirement.
func RequiredRole(access AccessType, ownDelete bool) Role {
	switch access {
	case AccessRead:
		return RoleViewer
	case AccessWrite:
		return RoleContributor
	case AccessShare:
		return RoleEditor
	case AccessDelete:
		if ownDelete {
			return RoleEditor
		}
		return RoleAdmin
	case AccessAdmin:
		return RoleAdmin
	default:
		return RoleOwner
	}
}

// Visibility is the project-level policy controlling access from
// unrelated principals.
type Visibility string

const (
	VisibilityPrivate        Visibility = "private"
	VisibilityTeamRestricted Visibility = "team_restricted"
	VisibilityTeamOpen       Visibility = "team_open"
	VisibilityPublicRead     Visibility = "public_read"
	VisibilityPublicFull     Visibility = "public_full"
)

// AccessMethod records how access was ultimately granted. Ties break in
// favor of the most specific method (direct > project > team > visibility).
type AccessMethod string

const (
	MethodDirectOwnership  AccessMethod = "DIRECT_OWNERSHIP"
	MethodProjectOwnership AccessMethod = "PROJECT_OWNERSHIP"
	MethodTeamMembership   AccessMethod = "TEAM_MEMBERSHIP"
	MethodVisibility       AccessMethod = "PROJECT_VISIBILITY"
	MethodInheritance      AccessMethod = "GENERATION_INHERITANCE"
	MethodEmergency        AccessMethod = "EMERGENCY_FALLBACK"
)

// ThreatLevel is the ordinal threat classification aggregated across
// layers.
type ThreatLevel int

const (
	ThreatGreen ThreatLevel = iota
	ThreatYellow
	ThreatOrange
	ThreatRed
)

// String renders the wire form of the threat level.
func (t ThreatLevel) String() string {
	switch t {
	case ThreatGreen:
		return "GREEN"
	case ThreatYellow:
		return "YELLOW"
	case ThreatOrange:
		return "ORANGE"
	default:
		return "RED"
	}
}

// Raise returns the threat level elevated by one step, capped at RED.
func (t ThreatLevel) Raise() ThreatLevel {
	if t >= ThreatRed {
		return ThreatRed
	}
	return t + 1
}

// Max returns the higher of two threat levels.
func (t ThreatLevel) Max(other ThreatLevel) ThreatLevel {
	if other > t {
		return other
	}
	return t
}

// LayerType identifies a step in the ordered authorization chain.
type LayerType string

const (
	LayerInputValidation LayerType = "input_validation"
	LayerRateLimit       LayerType = "rate_limiting"
	LayerContext         LayerType = "security_context"
	LayerAccessControl   LayerType = "access_control"
	LayerInheritance     LayerType = "team_inheritance"
	LayerDepthGuard      LayerType = "inheritance_depth_guard"
	LayerMediaAccess     LayerType = "media_access"
	LayerAuditEmission   LayerType = "audit_emission"
	LayerAnomaly         LayerType = "anomaly_correlation"
	LayerRecovery        LayerType = "emergency_recovery"
)

// AnomalyKind is a closed enumeration of detected anomalies.
type AnomalyKind string

const (
	AnomalySQLInjection       AnomalyKind = "sql_injection"
	AnomalyXSS                AnomalyKind = "xss_pattern"
	AnomalyPathTraversal      AnomalyKind = "path_traversal"
	AnomalyCommandInjection   AnomalyKind = "command_injection"
	AnomalySSRFAttempt        AnomalyKind = "ssrf_attempt"
	AnomalyGeographic         AnomalyKind = "geographic_anomaly"
	AnomalyBotUserAgent       AnomalyKind = "bot_user_agent"
	AnomalyVPNOrTor           AnomalyKind = "vpn_or_tor"
	AnomalyIPChurn            AnomalyKind = "rapid_ip_churn"
	AnomalyPeriodicTiming     AnomalyKind = "periodic_timing"
	AnomalyAdminRatio         AnomalyKind = "excessive_admin_ratio"
	AnomalyPrivilegeEscalation AnomalyKind = "privilege_escalation"
	AnomalyBruteForce         AnomalyKind = "brute_force"
)

// Principal is an authenticated actor with its team memberships
// (team id -> role).
type Principal struct {
	ID    string          `json:"id"`
	Teams map[string]Role `json:"teams,omitempty"`
}

// Resource is a typed object under authorization.
type Resource struct {
	ID       string       `json:"id"`
	Type     ResourceType `json:"type"`
	OwnerID  string       `json:"owner_id"`
	ProjectID *string     `json:"project_id,omitempty"` // generations only
	ParentID  *string     `json:"parent_id,omitempty"`  // parent generation
}

// Project carries the visibility policy consulted during resolution.
type Project struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Visibility Visibility `json:"visibility"`
}

// TeamProjectLink binds a team to a project with a role ceiling.
type TeamProjectLink struct {
	TeamID    string `json:"team_id"`
	ProjectID string `json:"project_id"`
	Role      Role   `json:"role"`
}

// RequestSummary is a bounded record of a prior request used by the
// behavioral analyzer.
type RequestSummary struct {
	Timestamp  time.Time  `json:"timestamp"`
	ClientIP   string     `json:"client_ip"`
	AccessType AccessType `json:"access_type"`
	Granted    bool       `json:"granted"`
}

// GeoPoint is a resolved client location.
type GeoPoint struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Country    string    `json:"country"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// UserAgentInfo is the parsed user-agent analysis record.
type UserAgentInfo struct {
	Raw       string `json:"raw"`
	IsBot     bool   `json:"is_bot"`
	IsHeadless bool  `json:"is_headless"`
	Browser   string `json:"browser,omitempty"`
}

// SecurityContext is the per-request security value. The context
// validator attaches the geolocation and user-agent sub-records and
// computes the risk score.
type SecurityContext struct {
	ClientIP       string            `json:"client_ip"`
	UserAgent      string            `json:"user_agent"`
	RequestedAt    time.Time         `json:"requested_at"`
	SessionData    map[string]string `json:"session_data,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	History        []RequestSummary  `json:"history,omitempty"` // bounded
	RiskScore      float64           `json:"risk_score"`        // [0,1]
	SecurityFlags  []string          `json:"security_flags,omitempty"`
	Geo            *GeoPoint         `json:"geo,omitempty"`
	UserAgentInfo  *UserAgentInfo    `json:"user_agent_info,omitempty"`
}

// HasFlag reports whether the named security flag is set.
func (sc *SecurityContext) HasFlag(flag string) bool {
	for _, f := range sc.SecurityFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// AddFlag appends a security flag if not already present.
func (sc *SecurityContext) AddFlag(flag string) {
	if !sc.HasFlag(flag) {
		sc.SecurityFlags = append(sc.SecurityFlags, flag)
	}
}

// Request is the orchestrator input.
type Request struct {
	Principal    Principal         `json:"principal"`
	ResourceID   string            `json:"resource_id"`
	ResourceType ResourceType      `json:"resource_type"`
	Access       AccessType        `json:"access"`
	Context      *SecurityContext  `json:"context"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// MediaGrant requests a signed media grant alongside the decision.
	MediaGrant   bool          `json:"media_grant,omitempty"`
	GrantExpiry  time.Duration `json:"grant_expiry,omitempty"`

	// FastLane marks requests classified by the gate for the reduced
	// chain. The reduced chain never issues admin grants.
	FastLane bool `json:"fast_lane,omitempty"`
}

// LayerResult is the outcome of one chain step.
type LayerResult struct {
	Layer       LayerType         `json:"layer"`
	Success     bool              `json:"success"`
	ExecutionMs float64           `json:"execution_ms"`
	ThreatLevel ThreatLevel       `json:"threat_level"`
	Anomalies   []AnomalyKind     `json:"anomalies,omitempty"`
	CacheHit    bool              `json:"cache_hit"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ErrorDetail string            `json:"error_detail,omitempty"`
}

// MediaGrant is a time-bounded authorization object for media access.
type MediaGrant struct {
	ID         string    `json:"id"`
	PrincipalID string   `json:"principal_id"`
	ResourceID string    `json:"resource_id"`
	Operations []string  `json:"operations"` // view, download, share
	ExpiresAt  time.Time `json:"expires_at"`
	SignedURLs []string  `json:"signed_urls,omitempty"`
}

// Response is the orchestrator output.
type Response struct {
	Granted       bool          `json:"granted"`
	Method        AccessMethod  `json:"method,omitempty"`
	DenialReason  string        `json:"denial_reason,omitempty"`
	ThreatLevel   ThreatLevel   `json:"threat_level"`
	LayerResults  []LayerResult `json:"layer_results"`
	ExecutionMs   float64       `json:"execution_ms"`
	Grant         *MediaGrant   `json:"grant,omitempty"`
	CorrelationID string        `json:"correlation_id"`
	CacheHit      bool          `json:"cache_hit"`
	SystemUsed    string        `json:"system_used"` // full_chain, fast_lane, emergency
	Degraded      bool          `json:"cache_degraded,omitempty"`
	RetryAfterSec int           `json:"retry_after,omitempty"`
}

// Decision is the cacheable core of a response: everything except the
// per-request timing, correlation, and cache-hit markers.
type Decision struct {
	Granted      bool         `json:"granted"`
	Method       AccessMethod `json:"method,omitempty"`
	DenialReason string       `json:"denial_reason,omitempty"`
	ThreatLevel  ThreatLevel  `json:"threat_level"`
	Grant        *MediaGrant  `json:"grant,omitempty"`
}
