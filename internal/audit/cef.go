package audit

import (
	"fmt"
	"strings"
)

// CEF rendering for the SIEM stream. Header fields escape backslash and
// pipe; extension values additionally escape equals signs.

const (
	cefVendor  = "Velro"
	cefProduct = "AuthorizationSystem"
	cefVersion = "1.0"
)

// FormatCEF renders the event as one Common Event Format record.
func FormatCEF(e *Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CEF:0|%s|%s|%s|%s|%s|%d|",
		cefVendor,
		cefProduct,
		cefVersion,
		cefHeaderEscape(string(e.EventType)),
		cefHeaderEscape(e.Action),
		e.Severity.cefSeverity(),
	)

	ext := []struct {
		key   string
		value string
	}{
		{"externalId", e.AuditID},
		{"rt", fmt.Sprintf("%d", e.Timestamp.UnixMilli())},
		{"suser", e.PrincipalID},
		{"src", e.ClientIP},
		{"requestClientApplication", e.UserAgent},
		{"cs1", e.ResourceID},
		{"cs1Label", "resourceId"},
		{"cs2", e.ThreatLevel},
		{"cs2Label", "threatLevel"},
		{"outcome", e.Outcome},
		{"cs3", e.CorrelationID},
		{"cs3Label", "correlationId"},
		{"cs4", e.Checksum},
		{"cs4Label", "checksum"},
	}

	first := true
	for _, kv := range ext {
		if kv.value == "" {
			continue
		}
		if !first {
			b.WriteByte(' ')
		}
		first = false
		b.WriteString(kv.key)
		b.WriteByte('=')
		b.WriteString(cefExtensionEscape(kv.value))
	}
	return b.String()
}

func cefHeaderEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "|", `\|`)
}

func cefExtensionEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "=", `\=`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return strings.ReplaceAll(s, "\r", `\r`)
}
