// Package ssrf constrains outbound URLs to an allow-list and blocks
// requests that could reach internal infrastructure, including through
// DNS rebinding.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Blocked protocol schemes. Everything not http/https is rejected, these
// are called out explicitly for audit detail.
var blockedSchemes = map[string]bool{
	"file": true, "ftp": true, "gopher": true, "dict": true,
	"sftp": true, "ldap": true, "jar": true,
}

var defaultAllowedPorts = map[int]bool{80: true, 443: true, 8080: true, 8443: true}

// Resolver abstracts DNS lookups so tests can inject fixtures.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

type netResolver struct{}

func (netResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// GuardConfig contains allow-list and cache settings.
type GuardConfig struct {
	AllowedDomains []string // exact names or "*.example.com" wildcards
	AllowedPorts   []int    // defaults to {80, 443, 8080, 8443}
	DNSCacheTTL    time.Duration
	Resolver       Resolver
}

// Guard validates outbound URLs. Resolved IPs are cached for the DNS TTL
// and re-validated against the block-list on every use, which defeats
// rebinding through a short upstream TTL.
type Guard struct {
	allowedDomains []string
	allowedPorts   map[int]bool
	dnsTTL         time.Duration
	resolver       Resolver

	mu       sync.RWMutex
	dnsCache map[string]dnsEntry
}

type dnsEntry struct {
	ips       []net.IP
	expiresAt time.Time
}

// NewGuard creates an outbound URL guard.
func NewGuard(cfg GuardConfig) *Guard {
	ports := make(map[int]bool, len(cfg.AllowedPorts))
	for _, p := range cfg.AllowedPorts {
		ports[p] = true
	}
	if len(ports) == 0 {
		ports = defaultAllowedPorts
	}
	if cfg.DNSCacheTTL <= 0 {
		cfg.DNSCacheTTL = 5 * time.Minute
	}
	if cfg.Resolver == nil {
		cfg.Resolver = netResolver{}
	}

	domains := make([]string, 0, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		domains = append(domains, strings.ToLower(strings.TrimSpace(d)))
	}

	return &Guard{
		allowedDomains: domains,
		allowedPorts:   ports,
		dnsTTL:         cfg.DNSCacheTTL,
		resolver:       cfg.Resolver,
		dnsCache:       make(map[string]dnsEntry),
	}
}

// ValidateURL checks a raw outbound URL against the scheme, port,
// allow-list, and resolved-IP policies. A nil return means the URL is
// safe to fetch.
func (g *Guard) ValidateURL(ctx context.Context, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("ssrf: unparseable url: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if blockedSchemes[scheme] {
		return fmt.Errorf("ssrf: blocked protocol %q", scheme)
	}
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("ssrf: unsupported protocol %q", scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("ssrf: missing host")
	}

	port := defaultPort(scheme)
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("ssrf: invalid port %q", p)
		}
	}
	if !g.allowedPorts[port] && port != defaultPort(scheme) {
		return fmt.Errorf("ssrf: port %d not permitted", port)
	}

	// Literal IPs bypass DNS entirely; check them directly.
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("ssrf: address %s is blocked", ip)
		}
		if !g.domainAllowed(host) {
			return fmt.Errorf("ssrf: host %q not in allow-list", host)
		}
		return nil
	}

	if !g.domainAllowed(host) {
		return fmt.Errorf("ssrf: host %q not in allow-list", host)
	}

	ips, err := g.resolve(ctx, host)
	if err != nil {
		return fmt.Errorf("ssrf: resolve %q: %w", host, err)
	}
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return fmt.Errorf("ssrf: host %q resolves to blocked address %s", host, ip)
		}
	}
	return nil
}

func (g *Guard) domainAllowed(host string) bool {
	for _, d := range g.allowedDomains {
		if d == "" {
			continue
		}
		if strings.HasPrefix(d, "*.") {
			suffix := d[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) || host == d[2:] {
				return true
			}
			continue
		}
		if host == d {
			return true
		}
	}
	return false
}

// resolve returns cached IPs when fresh; cached entries are still
// re-validated against the block-list by the caller on every use.
func (g *Guard) resolve(ctx context.Context, host string) ([]net.IP, error) {
	g.mu.RLock()
	entry, ok := g.dnsCache[host]
	g.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		return entry.ips, nil
	}

	ips, err := g.resolver.LookupIP(ctx, host)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.dnsCache[host] = dnsEntry{ips: ips, expiresAt: time.Now().Add(g.dnsTTL)}
	g.mu.Unlock()

	return ips, nil
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// isBlockedIP rejects loopback, link-local, RFC1918, multicast, and
// reserved ranges.
func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() || ip.IsPrivate() {
		return true
	}
	// Reserved ranges not covered by the stdlib helpers.
	for _, cidr := range []string{
		"100.64.0.0/10",  // carrier-grade NAT
		"192.0.0.0/24",   // IETF protocol assignments
		"192.0.2.0/24",   // TEST-NET-1
		"198.18.0.0/15",  // benchmarking
		"198.51.100.0/24", // TEST-NET-2
		"203.0.113.0/24", // TEST-NET-3
		"240.0.0.0/4",    // reserved
		"::/128",
		"100::/64",
		"2001:db8::/32",
	} {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err == nil && ipNet.Contains(ip) {
			return true
		}
	}
	return false
}
