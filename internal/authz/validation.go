package authz

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ValidationConfig bounds the input validator.
type ValidationConfig struct {
	MaxStringLength int  // default 10000
	MaxArrayLength  int  // default 1000
	MaxJSONDepth    int  // default 10
	StrictUUID      bool // enforce version/variant bits
}

func (c *ValidationConfig) withDefaults() {
	if c.MaxStringLength <= 0 {
		c.MaxStringLength = 10000
	}
	if c.MaxArrayLength <= 0 {
		c.MaxArrayLength = 1000
	}
	if c.MaxJSONDepth <= 0 {
		c.MaxJSONDepth = 10
	}
}

// Attack signatures scanned over identifier and metadata values. The
// patterns are deliberately coarse; the layer rejects rather than
// sanitizes.
var (
	sqlPattern = regexp.MustCompile(`(?i)(\bunion\b.{0,20}\bselect\b|\bselect\b.{0,40}\bfrom\b|\binsert\b\s+\binto\b|\bdrop\b\s+\btable\b|\bdelete\b\s+\bfrom\b|--|;\s*\bexec\b|'\s*or\s+'?\d+'?\s*=\s*'?\d+)`)
	xssPattern = regexp.MustCompile(`(?i)(<\s*script|javascript\s*:|on(error|load|click|mouseover)\s*=|<\s*iframe|document\s*\.\s*cookie)`)
	pathPattern = regexp.MustCompile(`(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f)`)
	cmdPattern  = regexp.MustCompile("(?i)([;&|`]\\s*(cat|ls|rm|wget|curl|sh|bash|nc|python)\\b|\\$\\((cat|ls|rm|wget|curl)\\b)")
)

// InputValidator is layer 1: canonicalizes and validates identifiers,
// scans for embedded attack patterns, and checks outbound URLs carried
// in metadata against the SSRF guard.
type InputValidator struct {
	cfg   ValidationConfig
	guard URLGuard
}

// NewInputValidator creates the validator. guard may be nil when no
// outbound URL checking is wanted.
func NewInputValidator(cfg ValidationConfig, guard URLGuard) *InputValidator {
	cfg.withDefaults()
	return &InputValidator{cfg: cfg, guard: guard}
}

// Validate checks one request. It returns the detected anomalies and
// the first hard error.
func (v *InputValidator) Validate(ctx context.Context, req *Request) ([]AnomalyKind, error) {
	if err := v.validateID(req.Principal.ID, "principal_id"); err != nil {
		return nil, err
	}
	if err := v.validateID(req.ResourceID, "resource_id"); err != nil {
		return nil, err
	}

	switch req.Access {
	case AccessRead, AccessWrite, AccessDelete, AccessShare, AccessAdmin:
	default:
		return nil, fmt.Errorf("unknown access type %q", req.Access)
	}
	switch req.ResourceType {
	case ResourceUserProfile, ResourceGeneration, ResourceProject, ResourceTeam, ResourceAdmin, ResourceSystem:
	default:
		return nil, fmt.Errorf("unknown resource type %q", req.ResourceType)
	}

	if len(req.Metadata) > v.cfg.MaxArrayLength {
		return nil, fmt.Errorf("metadata exceeds %d entries", v.cfg.MaxArrayLength)
	}

	var anomalies []AnomalyKind
	for key, value := range req.Metadata {
		if len(value) > v.cfg.MaxStringLength {
			return nil, fmt.Errorf("metadata value %q exceeds %d bytes", key, v.cfg.MaxStringLength)
		}
		if found := scanAttackPatterns(value); len(found) > 0 {
			return found, fmt.Errorf("attack pattern in metadata value %q", key)
		}
		anomalies = append(anomalies, scanAttackPatterns(key)...)
	}
	if len(anomalies) > 0 {
		return anomalies, fmt.Errorf("attack pattern in metadata key")
	}

	// Outbound URLs in metadata go through the SSRF guard before any
	// later layer can fetch or sign them.
	if v.guard != nil {
		for _, key := range []string{"webhook_url", "callback_url", "media_url"} {
			raw, ok := req.Metadata[key]
			if !ok || raw == "" {
				continue
			}
			if err := v.guard.ValidateURL(ctx, raw); err != nil {
				return []AnomalyKind{AnomalySSRFAttempt}, fmt.Errorf("%s rejected: %w", key, err)
			}
		}
	}

	return nil, nil
}

// validateID enforces the canonical 8-4-4-4-12 form. With StrictUUID
// the version and variant bits must also be valid.
func (v *InputValidator) validateID(id, field string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) != 36 {
		return fmt.Errorf("%s is not a canonical identifier", field)
	}
	if found := scanAttackPatterns(id); len(found) > 0 {
		return fmt.Errorf("attack pattern in %s", field)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%s is not a valid identifier: %w", field, err)
	}
	// uuid.Parse accepts urn: and braced forms; require the canonical
	// rendering.
	if parsed.String() != strings.ToLower(id) {
		return fmt.Errorf("%s is not in canonical form", field)
	}

	if v.cfg.StrictUUID {
		if version := parsed.Version(); version < 1 || version > 7 {
			return fmt.Errorf("%s has invalid version bits", field)
		}
		if parsed.Variant() != uuid.RFC4122 {
			return fmt.Errorf("%s has invalid variant bits", field)
		}
	}
	return nil
}

func scanAttackPatterns(s string) []AnomalyKind {
	if s == "" {
		return nil
	}
	var found []AnomalyKind
	if sqlPattern.MatchString(s) {
		found = append(found, AnomalySQLInjection)
	}
	if xssPattern.MatchString(s) {
		found = append(found, AnomalyXSS)
	}
	if pathPattern.MatchString(s) {
		found = append(found, AnomalyPathTraversal)
	}
	if cmdPattern.MatchString(s) {
		found = append(found, AnomalyCommandInjection)
	}
	return found
}
