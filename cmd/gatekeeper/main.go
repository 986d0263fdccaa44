package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/gatekeeper/pkg/access"
	"github.com/platinummonkey/gatekeeper/pkg/api"
	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/cache"
	"github.com/platinummonkey/gatekeeper/pkg/catalog"
	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/entitlements"
	"github.com/platinummonkey/gatekeeper/pkg/jobs"
	"github.com/platinummonkey/gatekeeper/pkg/middleware"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/orgs"
	"github.com/platinummonkey/gatekeeper/pkg/permsync"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/storage/postgres"
	"github.com/platinummonkey/gatekeeper/pkg/tenant"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "gatekeeper").
		WithField("version", version)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Gatekeeper exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Database
	conns, err := postgres.NewConnectionManager(cfg.Database.ConnectionConfig, logger)
	if err != nil {
		return err
	}
	db := conns.Primary()
	if cfg.Database.AutoMigrate {
		if err := postgres.RunMigrations(ctx, db, logger); err != nil {
			return err
		}
	}
	conns.StartMaintenance(ctx, 30*time.Second, metrics)

	// Module catalog
	modules := catalog.Default()
	if cfg.Catalog.Path != "" {
		if modules, err = catalog.LoadFile(cfg.Catalog.Path); err != nil {
			return err
		}
	}
	modulesRegistry := catalog.NewRegistry(modules)
	var watcher *catalog.Watcher
	if cfg.Catalog.Path != "" && cfg.Catalog.Watch {
		if watcher, err = catalog.NewWatcher(cfg.Catalog.Path, modulesRegistry, logger); err != nil {
			return err
		}
		go watcher.Run(ctx)
	}

	// Entitlement cache
	var (
		entCache    cache.EntitlementCache
		redisClient *redis.Client
	)
	switch cfg.Cache.Backend {
	case config.CacheBackendRedis:
		rc, err := cache.NewRedisCache(cfg.Cache.Redis, metrics, logger)
		if err != nil {
			return err
		}
		entCache, redisClient = rc, rc.Client()
	default:
		entCache = cache.NewMemoryCache(cfg.Cache.Size, cfg.Cache.TTL, metrics)
	}

	// Audit
	dbAudit, err := audit.NewDBLogger(db, conns.Replica())
	if err != nil {
		return err
	}
	// Audit writes land off the request path
	auditLogger := audit.NewMultiLogger(dbAudit)
	auditLogger.SetAsync(true)
	events := audit.NewEventStore(db, nil)

	// Access layers
	validator := rbac.NewValidator(modulesRegistry)
	users := rbac.NewStore(db, validator, nil, logger)
	permissions := rbac.NewResolver(users, validator, logger, metrics)
	orgStore := orgs.NewStore(db, nil)
	tenants := tenant.NewResolver(users, orgStore)

	ents := entitlements.NewStore(db, modulesRegistry, events, entitlements.Options{
		Cache:   entCache,
		Logger:  logger,
		Metrics: metrics,
	})
	ents.SetSyncTrigger(permsync.NewEngine(users, events, modulesRegistry, permsync.Options{
		Workers: cfg.Sync.Workers,
		Timeout: cfg.Sync.Timeout,
		Async:   cfg.Sync.Async,
		Logger:  logger,
		Metrics: metrics,
	}))

	enforcer := access.NewEnforcer(tenants, ents, permissions, access.Options{
		Audit:                       auditLogger,
		Switch:                      access.NewEnforcementSwitch(cfg.Access.EntitlementEnforcement, auditLogger, logger, metrics),
		SuperAdminEntitlementBypass: cfg.Access.SuperAdminEntitlementBypass,
		Logger:                      logger,
		Metrics:                     metrics,
	})

	// Credentials
	verifiers := []auth.Verifier{}
	var tokens *auth.TokenStore
	if cfg.Auth.JWT.Secret != "" {
		sessions, err := auth.NewJWTVerifier(cfg.Auth.JWT, nil)
		if err != nil {
			return err
		}
		verifiers = append(verifiers, sessions)
	}
	if cfg.Auth.OIDCEnabled() {
		oidcVerifier, err := auth.NewOIDCVerifier(ctx, cfg.Auth.OIDC, users)
		if err != nil {
			return err
		}
		verifiers = append(verifiers, oidcVerifier)
	}
	if cfg.Auth.APITokens {
		tokens = auth.NewTokenStore(db, nil)
		verifiers = append(verifiers, auth.NewAPITokenVerifier(tokens))
	}

	var rateLimit *middleware.RateLimitMiddleware
	if cfg.RateLimit.Enabled {
		perMinute := func(n int) *middleware.RateLimitConfig {
			return &middleware.RateLimitConfig{RequestsPerWindow: n, WindowDuration: time.Minute, BurstSize: cfg.RateLimit.Burst}
		}
		if redisClient != nil {
			rateLimit = middleware.NewRateLimitMiddleware(middleware.NewDistributedTiers(redisClient,
				perMinute(cfg.RateLimit.User), perMinute(cfg.RateLimit.APIToken), perMinute(cfg.RateLimit.Anonymous)), logger)
		} else {
			rateLimit = middleware.NewMemoryRateLimitMiddleware(
				perMinute(cfg.RateLimit.User), perMinute(cfg.RateLimit.APIToken), perMinute(cfg.RateLimit.Anonymous), logger)
			rateLimit.StartCleanup(ctx)
		}
		rateLimit.SetMetrics(metrics)
	}

	health := observability.NewHealthChecker(db, redisClient, version)

	server := api.NewServer(api.Dependencies{
		Enforcer:     enforcer,
		Verifier:     auth.NewChain(verifiers...),
		Entitlements: ents,
		Orgs:         orgStore,
		RBAC:         users,
		Permissions:  permissions,
		Tokens:       tokens,
		RateLimit:    rateLimit,
		Audit:        auditLogger,
		AuditSearch:  dbAudit,
		AuditStats:   dbAudit,
		Events:       events,
		Health:       health,
		Registry:     registry,
		Metrics:      metrics,
		Logger:       logger,
	})

	// Background jobs
	scheduler := jobs.NewScheduler(logger, metrics)
	if err := scheduler.Add(jobs.TrialReconcile, cfg.Jobs.TrialReconcileSpec, jobs.ReconcileTrials(ents, logger)); err != nil {
		return err
	}
	if cfg.Archive.Enabled() {
		s3Client, err := audit.NewS3Client(ctx, cfg.Archive.S3)
		if err != nil {
			return err
		}
		archiver := audit.NewS3Archiver(s3Client, cfg.Archive.S3, dbAudit, events, nil, logger)
		if err := scheduler.Add(jobs.AuditArchive, cfg.Jobs.AuditArchiveSpec, jobs.ArchiveAudit(archiver, cfg.Archive.Window, nil, logger)); err != nil {
			return err
		}
	}
	scheduler.Start()

	// HTTP servers
	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(server, "gatekeeper"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz/live", health.Liveness)
	healthMux.HandleFunc("/healthz/ready", health.Readiness)
	healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	healthServer := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error { return conns.Close() })
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error { return entCache.Close() })
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error { return observability.ShutdownOTel(ctx, providers, logger) })
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error { return auditLogger.Close() })
	if watcher != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error { return watcher.Close() })
	}
	shutdown.RegisterShutdownFunc(scheduler.Stop)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		cancel()
		return nil
	})

	errCh := make(chan error, 2)
	for _, srv := range []*http.Server{apiServer, healthServer} {
		go func(srv *http.Server) {
			logger.WithField("addr", srv.Addr).Info("Starting HTTP server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv)
	}

	logger.WithFields(map[string]interface{}{
		"cache":       cfg.Cache.Backend,
		"enforcement": cfg.Access.EntitlementEnforcement,
		"jobs":        scheduler.Names(),
	}).Info("Gatekeeper started")

	go func() {
		if err := <-errCh; err != nil {
			logger.WithError(err).Error("HTTP server failed")
			shutdown.Shutdown(context.Background())
			os.Exit(1)
		}
	}()

	return shutdown.WaitForShutdown()
}
