package ssrf

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	hosts   map[string][]net.IP
	lookups atomic.Int64
}

func (r *fakeResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	r.lookups.Add(1)
	ips, ok := r.hosts[host]
	if !ok {
		return nil, fmt.Errorf("no such host %q", host)
	}
	return ips, nil
}

func newTestGuard(resolver Resolver, domains ...string) *Guard {
	return NewGuard(GuardConfig{
		AllowedDomains: domains,
		Resolver:       resolver,
	})
}

func TestValidateURLBlockedSchemes(t *testing.T) {
	g := newTestGuard(nil, "example.com")

	for _, raw := range []string{
		"file:///etc/passwd",
		"gopher://example.com/",
		"ftp://example.com/pub",
		"dict://example.com:2628/",
	} {
		assert.Error(t, g.ValidateURL(context.Background(), raw), raw)
	}
}

func TestValidateURLLiteralIPBlocks(t *testing.T) {
	g := newTestGuard(nil, "169.254.169.254", "127.0.0.1", "10.0.0.5", "100.64.0.1")

	// Even allow-listed literals never reach internal ranges.
	for _, raw := range []string{
		"http://169.254.169.254/latest/meta-data/",
		"http://127.0.0.1/",
		"http://10.0.0.5/",
		"http://100.64.0.1/", // carrier-grade NAT
		"http://0.0.0.0/",
	} {
		assert.Error(t, g.ValidateURL(context.Background(), raw), raw)
	}
}

func TestValidateURLAllowList(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string][]net.IP{
		"example.com":     {net.ParseIP("93.184.216.34")},
		"cdn.example.com": {net.ParseIP("93.184.216.35")},
		"evil.test":       {net.ParseIP("93.184.216.36")},
	}}
	g := newTestGuard(resolver, "example.com", "*.example.com")

	assert.NoError(t, g.ValidateURL(context.Background(), "https://example.com/media/1"))
	assert.NoError(t, g.ValidateURL(context.Background(), "https://cdn.example.com/media/1"))
	assert.Error(t, g.ValidateURL(context.Background(), "https://evil.test/"))
	assert.Error(t, g.ValidateURL(context.Background(), "https://notexample.com/"))
}

func TestValidateURLWildcardMatchesApex(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string][]net.IP{
		"example.com": {net.ParseIP("93.184.216.34")},
	}}
	g := newTestGuard(resolver, "*.example.com")

	assert.NoError(t, g.ValidateURL(context.Background(), "https://example.com/"))
}

func TestValidateURLRebindingCaught(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string][]net.IP{
		"example.com": {net.ParseIP("10.0.0.8")},
	}}
	g := newTestGuard(resolver, "example.com")

	err := g.ValidateURL(context.Background(), "https://example.com/webhook")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked address")
}

func TestValidateURLPortPolicy(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string][]net.IP{
		"example.com": {net.ParseIP("93.184.216.34")},
	}}
	g := NewGuard(GuardConfig{
		AllowedDomains: []string{"example.com"},
		AllowedPorts:   []int{443},
		Resolver:       resolver,
	})

	assert.NoError(t, g.ValidateURL(context.Background(), "https://example.com:443/"))
	assert.Error(t, g.ValidateURL(context.Background(), "https://example.com:6379/"))
	// The scheme's own default port is always acceptable.
	assert.NoError(t, g.ValidateURL(context.Background(), "http://example.com/"))
}

func TestValidateURLDNSCache(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string][]net.IP{
		"example.com": {net.ParseIP("93.184.216.34")},
	}}
	g := NewGuard(GuardConfig{
		AllowedDomains: []string{"example.com"},
		DNSCacheTTL:    time.Minute,
		Resolver:       resolver,
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, g.ValidateURL(context.Background(), "https://example.com/"))
	}
	assert.Equal(t, int64(1), resolver.lookups.Load())
}

func TestValidateURLMissingHost(t *testing.T) {
	g := newTestGuard(nil, "example.com")
	assert.Error(t, g.ValidateURL(context.Background(), "https:///path-only"))
	assert.Error(t, g.ValidateURL(context.Background(), "not a url at all ://"))
}
