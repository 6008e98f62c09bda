// Package main is the entry point for the Velro authorization core server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/velro/authcore/internal/audit"
	"github.com/velro/authcore/internal/authz"
	"github.com/velro/authcore/internal/background"
	"github.com/velro/authcore/internal/cache"
	"github.com/velro/authcore/internal/config"
	"github.com/velro/authcore/internal/gate"
	"github.com/velro/authcore/internal/identity"
	"github.com/velro/authcore/internal/metrics"
	"github.com/velro/authcore/internal/observability"
	"github.com/velro/authcore/internal/ratelimit"
	"github.com/velro/authcore/internal/signer"
	"github.com/velro/authcore/internal/ssrf"
	"github.com/velro/authcore/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger; replaced below once the config is loaded.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfgManager, err := config.NewManager(*configPath, logger)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	cfg := cfgManager.Get()

	logger = observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format != "text",
	}).Slog()
	slog.SetDefault(logger)

	logger.Info("starting authorization core", "version", "0.1.0")

	// Start config watcher
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	// Tracing
	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Shared cache store (L2, rate limit counters, SIEM stream)
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
	})

	// Relational store
	st, err := store.NewPostgresStore(&store.PostgresConfig{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		ConnLifetime: cfg.Database.ConnLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	// Hierarchical cache
	analytics := cache.NewAnalytics(cfg.Cache.Warming.AccessSequenceWindow)
	keys := cache.NewKeyBuilder(redisClient, 2*time.Second)
	l1 := cache.NewL1(cache.L1Config{
		MemoryBudgetBytes:    int64(cfg.Cache.L1MemoryBudgetMiB) << 20,
		HotKeyCapacity:       cfg.Cache.HotKeyCapacity,
		CompressionThreshold: cfg.Cache.CompressionThreshold,
	})
	l2 := cache.NewL2(redisClient)
	ttl := cache.NewTTLManager(cache.TTLManagerConfig{
		Sensitivity:        cfg.Cache.TTL.Sensitivity,
		MinTTL:             cfg.Cache.TTL.MinTTL,
		MaxTTL:             cfg.Cache.TTL.MaxTTL,
		TargetHitRate:      cfg.Cache.OverallHitRateTarget,
		MinSamples:         int64(cfg.Cache.TTL.MinSamples),
		PromotionThreshold: cfg.Cache.TTL.PromotionThreshold,
		PromotionCooldown:  cfg.Cache.TTL.PromotionCooldown,
	}, analytics)
	engine := cache.NewEngine(keys, l1, l2, ttl, analytics, logger)

	var planner *cache.Planner
	if cfg.Cache.Warming.Enabled {
		planner = cache.NewPlanner(engine, store.NewCacheSource(st), cache.PlannerConfig{
			RecentGenerations:   cfg.Cache.Warming.RecentGenerations,
			PredictiveCooldown:  cfg.Cache.Warming.PredictiveCooldown,
			MinEffectiveness:    cfg.Cache.Warming.MinEffectiveness,
			PredictedKeysPerRun: cfg.Cache.Warming.PredictedKeysPerRun,
			EffectivenessDecay:  cfg.Cache.Warming.EffectivenessDecay,
		}, logger)
	}

	// Rate limiting
	limiter := ratelimit.NewLimiter(
		ratelimit.NewRedisLimiter(redisClient),
		limitsFrom(cfg),
		cfg.RateLimits.FailOpen,
		logger,
	)

	// Audit pipeline
	correlator := audit.NewCorrelator()
	auditStore := audit.NewPostgresStore(st.DB(), cfg.Audit.RetentionDays)
	realtime := audit.NewRealtimeSink(cfg.Audit.RealtimeBufferSize)
	sinks := []audit.Sink{
		audit.NewLogSink(logger),
		audit.NewSIEMSink(redisClient, cfg.Audit.SIEMStreamKey, 100000),
		realtime,
		auditStore,
	}
	auditPipeline := audit.NewPipeline(sinks, correlator, logger, 0)

	// Outbound URL guard for metadata validation
	guard := ssrf.NewGuard(ssrf.GuardConfig{
		AllowedDomains: cfg.SSRF.AllowedDomains,
		AllowedPorts:   cfg.SSRF.AllowedPorts,
		DNSCacheTTL:    cfg.SSRF.DNSCacheTTL,
	})

	// Media grant signing is optional; without a bucket the media layer
	// is skipped and grants are unavailable.
	var media *authz.MediaIssuer
	if cfg.Signer.Bucket != "" {
		s3signer, err := signer.New(ctx, signer.Config{
			Bucket:       cfg.Signer.Bucket,
			Region:       cfg.Signer.Region,
			Endpoint:     cfg.Signer.Endpoint,
			MaxTTL:       cfg.Signer.MaxTTL,
			UsePathStyle: cfg.Signer.UsePathStyle,
		})
		if err != nil {
			logger.Warn("media signer unavailable, media grants disabled", "error", err)
		} else {
			media = authz.NewMediaIssuer(s3signer, engine, authz.MediaIssuerConfig{
				DefaultTTL: cfg.Authorization.MediaGrantTTL,
				MaxTTL:     cfg.Authorization.MediaGrantMaxTTL,
			})
		}
	}

	// Token validation
	tokens := identity.NewValidator(identity.ValidatorConfig{
		Secret:         []byte(cfg.Identity.JWTSecret),
		Issuer:         cfg.Identity.Issuer,
		Audience:       cfg.Identity.Audience,
		ValidationTTL:  cfg.Identity.ValidationTTL,
		ClockSkewGrace: cfg.Identity.ClockSkewGrace,
	})

	// Authorization chain
	orch := authz.NewOrchestrator(authz.OrchestratorConfig{
		ChainDeadline:     cfg.Authorization.ChainDeadline,
		LayerSoftDeadline: cfg.Authorization.LayerSoftDeadline,
		LayerHardTimeout:  cfg.Authorization.LayerHardTimeout,
	}, authz.Deps{
		Validator: authz.NewInputValidator(authz.ValidationConfig{
			MaxStringLength: cfg.Validation.MaxStringLength,
			MaxArrayLength:  cfg.Validation.MaxArrayLength,
			MaxJSONDepth:    cfg.Validation.MaxJSONDepth,
			StrictUUID:      cfg.Validation.StrictUUID,
		}, guard),
		Limiter:      limiter,
		CtxValidator: authz.NewContextValidator(nil, nil),
		Resolver:     authz.NewResolver(st, cfg.Authorization.InheritanceMaxDepth),
		Media:        media,
		Matcher:      correlator,
		Fallback:     authz.NewEmergencyFallback(st, auditPipeline, logger),
		Store:        st,
		Engine:       engine,
		Audits:       auditPipeline,
		Logger:       logger,
		Tracer:       tp.Tracer(),
	})

	// Request pipeline gate
	g := gate.New(gate.Config{
		FastLanePrefixes: cfg.Gate.FastLanePrefixes,
		MaxBodyBytes:     cfg.Validation.MaxBodyBytes,
		FastLaneRPM:      int(cfg.RateLimits.PerIPMin),
	}, logger)

	// Rate limits and fast-lane prefixes follow config reloads.
	cfgManager.OnChange(func(next *config.Config) {
		limiter.SetLimits(limitsFrom(next))
		g.SetFastLanePrefixes(next.Gate.FastLanePrefixes)
	})

	// Background maintenance
	supervisor := background.NewSupervisor(logger)
	supervisor.Add(background.Loop{
		Name:     "ttl_adjust",
		Interval: cfg.Cache.TTL.AdjustInterval,
		Run:      ttl.Adjust,
	})
	supervisor.Add(background.Loop{
		Name:     "audit_correlate",
		Interval: cfg.Audit.CorrelateInterval,
		Run:      correlator.Run,
	})
	supervisor.Add(background.Loop{
		Name:     "audit_prune",
		Interval: cfg.Audit.PruneInterval,
		Run: func(ctx context.Context) error {
			return auditStore.Prune(ctx)
		},
	})
	supervisor.Add(background.Loop{
		Name:     "l1_sweep",
		Interval: time.Minute,
		Run:      engine.SweepL1,
	})
	supervisor.Add(background.Loop{
		Name:     "l2_probe",
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Run:      engine.ProbeL2,
	})
	if planner != nil {
		supervisor.Add(background.Loop{
			Name:     "predictive_warming",
			Interval: cfg.Cache.Warming.PredictiveInterval,
			Run:      planner.PredictiveRun,
		})
	}
	supervisor.Start(ctx)

	// HTTP handler
	handler := newHandler(handlerDeps{
		orch:       orch,
		tokens:     tokens,
		engine:     engine,
		planner:    planner,
		store:      st,
		redis:      redisClient,
		auditStore: auditStore,
		realtime:   realtime,
		correlator: correlator,
		cfg:        cfgManager.Get,
		logger:     logger,
	})

	mux := newMux(handler, cfg)

	// Apply middleware
	var httpHandler http.Handler = mux
	httpHandler = g.Middleware(httpHandler)
	httpHandler = metrics.Middleware(httpHandler)
	httpHandler = corsMiddleware(cfg.CORS, httpHandler)
	httpHandler = observability.RequestIDMiddleware(httpHandler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	supervisor.Stop()
	g.Close()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown error", "error", err)
	}
	_ = redisClient.Close()
	_ = st.Close()
	cfgManager.Close()
	logger.Info("server stopped")
}

func limitsFrom(cfg *config.Config) ratelimit.Limits {
	return ratelimit.Limits{
		Categories: map[ratelimit.Category]ratelimit.Rule{
			ratelimit.CategoryGlobal:     {Limit: cfg.RateLimits.Global.Limit, Window: cfg.RateLimits.Global.Window},
			ratelimit.CategoryAuth:       {Limit: cfg.RateLimits.Auth.Limit, Window: cfg.RateLimits.Auth.Window},
			ratelimit.CategorySensitive:  {Limit: cfg.RateLimits.Sensitive.Limit, Window: cfg.RateLimits.Sensitive.Window},
			ratelimit.CategoryUpload:     {Limit: cfg.RateLimits.Upload.Limit, Window: cfg.RateLimits.Upload.Window},
			ratelimit.CategoryGeneration: {Limit: cfg.RateLimits.Generation.Limit, Window: cfg.RateLimits.Generation.Window},
		},
		PerPrincipalMin: cfg.RateLimits.PerPrincipalMin,
		PerIPMin:        cfg.RateLimits.PerIPMin,
	}
}
