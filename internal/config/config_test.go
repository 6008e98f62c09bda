package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 300, cfg.Cache.L1MemoryBudgetMiB)
	assert.Equal(t, 1000, cfg.Cache.HotKeyCapacity)
	assert.Equal(t, 0.95, cfg.Cache.OverallHitRateTarget)
	assert.Equal(t, int64(1000), cfg.RateLimits.Global.Limit)
	assert.Equal(t, int64(10), cfg.RateLimits.Auth.Limit)
	assert.Equal(t, 15*time.Minute, cfg.RateLimits.Auth.Window)
	assert.Equal(t, int64(100), cfg.RateLimits.PerPrincipalMin)
	assert.Equal(t, int64(500), cfg.RateLimits.PerIPMin)
	assert.Equal(t, int64(50<<20), cfg.Validation.MaxBodyBytes)
	assert.Equal(t, 10, cfg.Authorization.InheritanceMaxDepth)
	assert.Equal(t, 2*time.Second, cfg.Authorization.ChainDeadline)
	assert.Equal(t, 500*time.Millisecond, cfg.Authorization.LayerHardTimeout)
	assert.Contains(t, cfg.Gate.FastLanePrefixes, "/api/v1/auth/")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
cache:
  l1_memory_budget_mib: 128
  ttl:
    min_ttl: 1m
rate_limits:
  generation:
    limit: 50
    window: 30m
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 128, cfg.Cache.L1MemoryBudgetMiB)
	assert.Equal(t, time.Minute, cfg.Cache.TTL.MinTTL)
	assert.Equal(t, int64(50), cfg.RateLimits.Generation.Limit)
	// Untouched sections keep defaults.
	assert.Equal(t, int64(1000), cfg.RateLimits.Global.Limit)
	assert.Equal(t, 1000, cfg.Cache.HotKeyCapacity)
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "super-secret")
	path := writeConfig(t, `
identity:
  jwt_secret: ${TEST_JWT_SECRET}
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "super-secret", cfg.Identity.JWTSecret)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad_port", func(c *Config) { c.Server.Port = 0 }},
		{"zero_l1_budget", func(c *Config) { c.Cache.L1MemoryBudgetMiB = 0 }},
		{"hit_rate_over_one", func(c *Config) { c.Cache.OverallHitRateTarget = 1.5 }},
		{"ttl_bounds_inverted", func(c *Config) { c.Cache.TTL.MaxTTL = c.Cache.TTL.MinTTL / 2 }},
		{"sensitivity_out_of_range", func(c *Config) { c.Cache.TTL.Sensitivity = 1 }},
		{"zero_rate_limit", func(c *Config) { c.RateLimits.Auth.Limit = 0 }},
		{"zero_body_cap", func(c *Config) { c.Validation.MaxBodyBytes = 0 }},
		{"zero_depth", func(c *Config) { c.Authorization.InheritanceMaxDepth = 0 }},
		{"zero_chain_deadline", func(c *Config) { c.Authorization.ChainDeadline = 0 }},
		{"grant_ttl_over_max", func(c *Config) {
			c.Authorization.MediaGrantTTL = 48 * time.Hour
		}},
		{"zero_retention", func(c *Config) { c.Audit.RetentionDays = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestManagerHotReload(t *testing.T) {
	logger := slog.Default()
	path := writeConfig(t, "server:\n  port: 8081\n")

	m, err := NewManager(path, logger)
	require.NoError(t, err)
	defer m.Close() //nolint:errcheck
	assert.Equal(t, 8081, m.Get().Server.Port)

	reloaded := make(chan *Config, 1)
	m.OnChange(func(c *Config) { reloaded <- c })
	require.NoError(t, m.Watch(t.Context()))

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8082\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 8082, cfg.Server.Port)
		assert.Equal(t, 8082, m.Get().Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload was not observed")
	}
}

func TestManagerKeepsConfigOnBadReload(t *testing.T) {
	logger := slog.Default()
	path := writeConfig(t, "server:\n  port: 8081\n")

	m, err := NewManager(path, logger)
	require.NoError(t, err)
	defer m.Close() //nolint:errcheck

	m.reload() // no change on disk, still valid
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -5\n"), 0o600))
	m.reload()

	assert.Equal(t, 8081, m.Get().Server.Port, "invalid reload must keep the current config")
}

func TestStaticManager(t *testing.T) {
	cfg := DefaultConfig()
	m := NewStaticManager(cfg, slog.Default())
	assert.Same(t, cfg, m.Get())
}
