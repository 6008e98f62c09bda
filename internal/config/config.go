// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete authorization core configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Redis         RedisConfig         `yaml:"redis"`
	Database      DatabaseConfig      `yaml:"database"`
	Identity      IdentityConfig      `yaml:"identity"`
	Cache         CacheConfig         `yaml:"cache"`
	RateLimits    RateLimitConfig     `yaml:"rate_limits"`
	Validation    ValidationConfig    `yaml:"validation"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Audit         AuditConfig         `yaml:"audit"`
	SSRF          SSRFConfig          `yaml:"ssrf"`
	Signer        SignerConfig        `yaml:"signer"`
	Gate          GateConfig          `yaml:"gate"`
	CORS          CORSConfig          `yaml:"cors"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Tracing       TracingConfig       `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig contains shared cache store (L2) settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// DatabaseConfig contains relational store settings.
type DatabaseConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// IdentityConfig contains token validation settings. The core does not
// mint tokens; it only validates them.
type IdentityConfig struct {
	JWTSecret      string        `yaml:"jwt_secret"`
	Issuer         string        `yaml:"issuer"`
	Audience       string        `yaml:"audience"`
	ValidationTTL  time.Duration `yaml:"validation_ttl"` // cached result TTL ceiling
	ClockSkewGrace time.Duration `yaml:"clock_skew_grace"`
}

// CacheConfig contains hierarchical cache settings.
type CacheConfig struct {
	L1MemoryBudgetMiB    int     `yaml:"l1_memory_budget_mib"`
	HotKeyCapacity       int     `yaml:"hot_key_capacity"`
	CompressionThreshold int     `yaml:"compression_threshold"` // bytes; 0 disables
	OverallHitRateTarget float64 `yaml:"overall_hit_rate_target"`
	L1HitRateTarget      float64 `yaml:"l1_hit_rate_target"`
	L2HitRateTarget      float64 `yaml:"l2_hit_rate_target"`
	L1ResponseTargetMs   int     `yaml:"l1_response_target_ms"`
	L2ResponseTargetMs   int     `yaml:"l2_response_target_ms"`
	AuthResponseTargetMs int     `yaml:"auth_response_target_ms"`

	TTL     TTLConfig     `yaml:"ttl"`
	Warming WarmingConfig `yaml:"warming"`
}

// TTLConfig contains adaptive TTL manager settings.
type TTLConfig struct {
	Sensitivity        float64       `yaml:"sensitivity"`         // clamp on combined factor
	MinTTL             time.Duration `yaml:"min_ttl"`             // floor
	MaxTTL             time.Duration `yaml:"max_ttl"`             // ceiling
	AdjustInterval     time.Duration `yaml:"adjust_interval"`     // background cadence
	MinSamples         int           `yaml:"min_samples"`         // per pattern
	PromotionCooldown  time.Duration `yaml:"promotion_cooldown"`  // between adjustments
	PromotionThreshold float64       `yaml:"promotion_threshold"` // factor movement
}

// WarmingConfig contains cache warming planner settings.
type WarmingConfig struct {
	Enabled              bool          `yaml:"enabled"`
	RecentGenerations    int           `yaml:"recent_generations"`
	PredictiveInterval   time.Duration `yaml:"predictive_interval"`
	PredictiveCooldown   time.Duration `yaml:"predictive_cooldown"`
	MinEffectiveness     float64       `yaml:"min_effectiveness"`
	PredictedKeysPerRun  int           `yaml:"predicted_keys_per_run"`
	EffectivenessDecay   float64       `yaml:"effectiveness_decay"` // per idle hour
	AccessSequenceWindow int           `yaml:"access_sequence_window"`
}

// RateLimitRule defines a fixed-window limit.
type RateLimitRule struct {
	Limit  int64         `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// RateLimitConfig defines the primary limiter values. Alternates elsewhere
// in the original system are advisory only.
type RateLimitConfig struct {
	Global          RateLimitRule `yaml:"global"`
	Auth            RateLimitRule `yaml:"auth"`
	Sensitive       RateLimitRule `yaml:"sensitive"`
	Upload          RateLimitRule `yaml:"upload"`
	Generation      RateLimitRule `yaml:"generation"`
	PerPrincipalMin int64         `yaml:"per_principal_per_minute"`
	PerIPMin        int64         `yaml:"per_ip_per_minute"`
	FailOpen        bool          `yaml:"fail_open"`
}

// ValidationConfig contains input validation bounds.
type ValidationConfig struct {
	MaxJSONDepth    int   `yaml:"max_json_depth"`
	MaxArrayLength  int   `yaml:"max_array_length"`
	MaxStringLength int   `yaml:"max_string_length"`
	MaxBodyBytes    int64 `yaml:"max_body_bytes"`
	StrictUUID      bool  `yaml:"strict_uuid"`
}

// AuthorizationConfig contains orchestrator settings.
type AuthorizationConfig struct {
	InheritanceMaxDepth int           `yaml:"inheritance_max_depth"`
	ChainDeadline       time.Duration `yaml:"chain_deadline"`
	LayerSoftDeadline   time.Duration `yaml:"layer_soft_deadline"`
	LayerHardTimeout    time.Duration `yaml:"layer_hard_timeout"`
	MediaGrantTTL       time.Duration `yaml:"media_grant_ttl"`
	MediaGrantMaxTTL    time.Duration `yaml:"media_grant_max_ttl"`
}

// AuditConfig contains audit pipeline settings.
type AuditConfig struct {
	SIEMBatchSize      int           `yaml:"siem_batch_size"`
	SIEMStreamKey      string        `yaml:"siem_stream_key"`
	RealtimeBufferSize int           `yaml:"realtime_buffer_size"`
	RetentionDays      int           `yaml:"audit_retention_days"`
	PruneInterval      time.Duration `yaml:"prune_interval"`
	CorrelateInterval  time.Duration `yaml:"correlate_interval"`
}

// SSRFConfig contains outbound URL guard settings.
type SSRFConfig struct {
	AllowedDomains []string      `yaml:"allowed_domains"` // exact or "*." wildcard
	AllowedPorts   []int         `yaml:"allowed_ports"`
	DNSCacheTTL    time.Duration `yaml:"dns_cache_ttl"`
}

// SignerConfig contains external storage signer settings.
type SignerConfig struct {
	Bucket       string        `yaml:"bucket"`
	Region       string        `yaml:"region"`
	Endpoint     string        `yaml:"endpoint"` // optional S3-compatible endpoint
	MaxTTL       time.Duration `yaml:"max_ttl"`
	UsePathStyle bool          `yaml:"use_path_style"`
}

// GateConfig contains request pipeline gate settings.
type GateConfig struct {
	FastLanePrefixes []string `yaml:"fast_lane_prefixes"`
}

// CORSOrigins is an allow/deny origin pair for one route class.
type CORSOrigins struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
}

// CORSConfig contains cross-origin settings. Admin routes carry their
// own, stricter origin policy.
type CORSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	AllowAllOrigins   bool          `yaml:"allow_all_origins"`
	AllowCredentials  bool          `yaml:"allow_credentials"`
	AllowMethods      []string      `yaml:"allow_methods"`
	AllowHeaders      []string      `yaml:"allow_headers"`
	ExposeHeaders     []string      `yaml:"expose_headers"`
	MaxAge            time.Duration `yaml:"max_age"`
	AdminPathPrefixes []string      `yaml:"admin_path_prefixes"`
	DataOrigins       CORSOrigins   `yaml:"data_origins"`
	AdminOrigins      CORSOrigins   `yaml:"admin_origins"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     20,
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			Database:     "velro",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			ConnLifetime: 5 * time.Minute,
		},
		Identity: IdentityConfig{
			ValidationTTL:  5 * time.Minute,
			ClockSkewGrace: 30 * time.Second,
		},
		Cache: CacheConfig{
			L1MemoryBudgetMiB:    300,
			HotKeyCapacity:       1000,
			CompressionThreshold: 4096,
			OverallHitRateTarget: 0.95,
			L1HitRateTarget:      0.97,
			L2HitRateTarget:      0.90,
			L1ResponseTargetMs:   5,
			L2ResponseTargetMs:   20,
			AuthResponseTargetMs: 75,
			TTL: TTLConfig{
				Sensitivity:        0.1,
				MinTTL:             30 * time.Second,
				MaxTTL:             24 * time.Hour,
				AdjustInterval:     5 * time.Minute,
				MinSamples:         10,
				PromotionCooldown:  time.Hour,
				PromotionThreshold: 0.05,
			},
			Warming: WarmingConfig{
				Enabled:              true,
				RecentGenerations:    20,
				PredictiveInterval:   5 * time.Minute,
				PredictiveCooldown:   30 * time.Minute,
				MinEffectiveness:     0.3,
				PredictedKeysPerRun:  5,
				EffectivenessDecay:   0.1,
				AccessSequenceWindow: 100,
			},
		},
		RateLimits: RateLimitConfig{
			Global:          RateLimitRule{Limit: 1000, Window: 3600 * time.Second},
			Auth:            RateLimitRule{Limit: 10, Window: 900 * time.Second},
			Sensitive:       RateLimitRule{Limit: 50, Window: 3600 * time.Second},
			Upload:          RateLimitRule{Limit: 20, Window: 3600 * time.Second},
			Generation:      RateLimitRule{Limit: 100, Window: 3600 * time.Second},
			PerPrincipalMin: 100,
			PerIPMin:        500,
			FailOpen:        false,
		},
		Validation: ValidationConfig{
			MaxJSONDepth:    10,
			MaxArrayLength:  1000,
			MaxStringLength: 10000,
			MaxBodyBytes:    50 << 20,
			StrictUUID:      true,
		},
		Authorization: AuthorizationConfig{
			InheritanceMaxDepth: 10,
			ChainDeadline:       2 * time.Second,
			LayerSoftDeadline:   10 * time.Millisecond,
			LayerHardTimeout:    500 * time.Millisecond,
			MediaGrantTTL:       time.Hour,
			MediaGrantMaxTTL:    24 * time.Hour,
		},
		Audit: AuditConfig{
			SIEMBatchSize:      100,
			SIEMStreamKey:      "audit:siem",
			RealtimeBufferSize: 1000,
			RetentionDays:      90,
			PruneInterval:      time.Hour,
			CorrelateInterval:  time.Minute,
		},
		SSRF: SSRFConfig{
			AllowedPorts: []int{80, 443, 8080, 8443},
			DNSCacheTTL:  5 * time.Minute,
		},
		Signer: SignerConfig{
			Region: "us-east-1",
			MaxTTL: 24 * time.Hour,
		},
		Gate: GateConfig{
			FastLanePrefixes: []string{
				"/api/v1/auth/",
				"/health",
				"/metrics",
				"/e2e/",
			},
		},
		CORS: CORSConfig{
			Enabled:           false,
			AllowMethods:      []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:      []string{"Content-Type", "Authorization", "X-Request-ID"},
			ExposeHeaders:     []string{"X-Request-ID", "Retry-After"},
			MaxAge:            10 * time.Minute,
			AdminPathPrefixes: []string{"/admin/"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "velro-authcore",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Cache.L1MemoryBudgetMiB <= 0 {
		return fmt.Errorf("cache.l1_memory_budget_mib must be positive")
	}
	if c.Cache.OverallHitRateTarget <= 0 || c.Cache.OverallHitRateTarget > 1 {
		return fmt.Errorf("cache.overall_hit_rate_target must be in (0, 1]")
	}
	if c.Cache.TTL.MinTTL <= 0 || c.Cache.TTL.MaxTTL < c.Cache.TTL.MinTTL {
		return fmt.Errorf("cache.ttl min/max bounds are inconsistent")
	}
	if c.Cache.TTL.Sensitivity <= 0 || c.Cache.TTL.Sensitivity >= 1 {
		return fmt.Errorf("cache.ttl.sensitivity must be in (0, 1)")
	}
	for name, rule := range map[string]RateLimitRule{
		"global":     c.RateLimits.Global,
		"auth":       c.RateLimits.Auth,
		"sensitive":  c.RateLimits.Sensitive,
		"upload":     c.RateLimits.Upload,
		"generation": c.RateLimits.Generation,
	} {
		if rule.Limit <= 0 || rule.Window <= 0 {
			return fmt.Errorf("rate_limits.%s: limit and window must be positive", name)
		}
	}
	if c.Validation.MaxBodyBytes <= 0 {
		return fmt.Errorf("validation.max_body_bytes must be positive")
	}
	if c.Authorization.InheritanceMaxDepth <= 0 {
		return fmt.Errorf("authorization.inheritance_max_depth must be positive")
	}
	if c.Authorization.ChainDeadline <= 0 {
		return fmt.Errorf("authorization.chain_deadline must be positive")
	}
	if c.Authorization.MediaGrantTTL > c.Authorization.MediaGrantMaxTTL {
		return fmt.Errorf("authorization.media_grant_ttl exceeds media_grant_max_ttl")
	}
	if c.Audit.RealtimeBufferSize <= 0 {
		return fmt.Errorf("audit.realtime_buffer_size must be positive")
	}
	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit.audit_retention_days must be positive")
	}
	return nil
}
