package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/cache"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/storage/postgres"
)

// Cache backends
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Entitlement cache configuration
	Cache CacheConfig

	// Access enforcement configuration
	Access AccessConfig

	// Credential verification
	Auth AuthConfig

	// Request rate limits
	RateLimit RateLimitConfig

	// Module catalog
	Catalog CatalogConfig

	// Permission sync
	Sync SyncConfig

	// Scheduled jobs and audit archive
	Jobs    JobsConfig
	Archive ArchiveConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds the primary and replica connections
type DatabaseConfig struct {
	postgres.ConnectionConfig
	AutoMigrate bool
}

// CacheConfig selects and tunes the entitlement cache
type CacheConfig struct {
	Backend string
	TTL     time.Duration
	Size    int
	Redis   cache.RedisOptions
}

// AccessConfig holds the enforcement toggles
type AccessConfig struct {
	// EntitlementEnforcement is the startup state of the runtime toggle
	EntitlementEnforcement      bool
	SuperAdminEntitlementBypass bool
}

// AuthConfig holds the bearer credential verifiers
type AuthConfig struct {
	JWT       auth.JWTConfig
	OIDC      auth.OIDCConfig
	APITokens bool
}

// OIDCEnabled reports whether an OIDC issuer is configured
func (c AuthConfig) OIDCEnabled() bool {
	return c.OIDC.IssuerURL != ""
}

// RateLimitConfig holds per-minute request limits for each caller tier.
// Limits are shared through redis when the cache backend is redis.
type RateLimitConfig struct {
	Enabled   bool
	User      int
	APIToken  int
	Anonymous int
	Burst     int
}

// CatalogConfig locates the module catalog. An empty path uses the built in
// catalog.
type CatalogConfig struct {
	Path  string
	Watch bool
}

// SyncConfig tunes permission sync
type SyncConfig struct {
	Workers int
	Timeout time.Duration
	Async   bool
}

// JobsConfig holds cron specs. An empty spec disables the job.
type JobsConfig struct {
	TrialReconcileSpec string
	AuditArchiveSpec   string
}

// ArchiveConfig holds the audit archive bucket
type ArchiveConfig struct {
	S3 audit.S3Config
	// Window is how far back each archive run reaches
	Window time.Duration
}

// Enabled reports whether archiving is configured
func (c ArchiveConfig) Enabled() bool {
	return c.S3.Bucket != ""
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Cache:         loadCacheConfig(),
		Access:        loadAccessConfig(),
		Auth:          loadAuthConfig(),
		RateLimit:     loadRateLimitConfig(),
		Catalog:       loadCatalogConfig(),
		Sync:          loadSyncConfig(),
		Jobs:          loadJobsConfig(),
		Archive:       loadArchiveConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GATEKEEPER_HOST", "0.0.0.0"),
		Port:            getEnv("GATEKEEPER_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GATEKEEPER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GATEKEEPER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("GATEKEEPER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GATEKEEPER_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("GATEKEEPER_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		ConnectionConfig: postgres.ConnectionConfig{
			PrimaryURL:  getEnv("GATEKEEPER_DATABASE_URL", ""),
			ReplicaURLs: postgres.ParseReplicaURLs(getEnv("GATEKEEPER_DATABASE_REPLICA_URLS", "")),
			MaxConns:    getEnvInt("GATEKEEPER_DATABASE_MAX_CONNS", 20),
			MinConns:    getEnvInt("GATEKEEPER_DATABASE_MIN_CONNS", 5),
			Timeout:     getEnvDuration("GATEKEEPER_DATABASE_TIMEOUT", 5*time.Second),
			MaxLifetime: getEnvDuration("GATEKEEPER_DATABASE_MAX_LIFETIME", 30*time.Minute),
			MaxIdleTime: getEnvDuration("GATEKEEPER_DATABASE_MAX_IDLE_TIME", 5*time.Minute),
		},
		AutoMigrate: getEnvBool("GATEKEEPER_DATABASE_AUTO_MIGRATE", true),
	}
}

func loadCacheConfig() CacheConfig {
	ttl := getEnvDuration("GATEKEEPER_CACHE_TTL", 5*time.Minute)
	return CacheConfig{
		Backend: strings.ToLower(getEnv("GATEKEEPER_CACHE_BACKEND", CacheBackendMemory)),
		TTL:     ttl,
		Size:    getEnvInt("GATEKEEPER_CACHE_SIZE", 10000),
		Redis: cache.RedisOptions{
			URL:        getEnv("GATEKEEPER_REDIS_URL", ""),
			Password:   getEnv("GATEKEEPER_REDIS_PASSWORD", ""),
			DB:         getEnvInt("GATEKEEPER_REDIS_DB", 0),
			PoolSize:   getEnvInt("GATEKEEPER_REDIS_POOL_SIZE", 10),
			MaxRetries: getEnvInt("GATEKEEPER_REDIS_MAX_RETRIES", 3),
			TTL:        ttl,
		},
	}
}

func loadAccessConfig() AccessConfig {
	return AccessConfig{
		// The unprefixed name is still honored for existing deployments
		EntitlementEnforcement: getEnvBool("GATEKEEPER_ENTITLEMENT_ENFORCEMENT",
			getEnvBool("ENTITLEMENT_ENFORCEMENT", true)),
		SuperAdminEntitlementBypass: getEnvBool("GATEKEEPER_SUPER_ADMIN_ENTITLEMENT_BYPASS", false),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWT: auth.JWTConfig{
			Secret:   getEnv("GATEKEEPER_JWT_SECRET", ""),
			Issuer:   getEnv("GATEKEEPER_JWT_ISSUER", "gatekeeper"),
			Audience: getEnv("GATEKEEPER_JWT_AUDIENCE", ""),
			TTL:      getEnvDuration("GATEKEEPER_JWT_TTL", 12*time.Hour),
		},
		OIDC: auth.OIDCConfig{
			IssuerURL:        getEnv("GATEKEEPER_OIDC_ISSUER_URL", ""),
			ClientID:         getEnv("GATEKEEPER_OIDC_CLIENT_ID", ""),
			UserInfoFallback: getEnvBool("GATEKEEPER_OIDC_USERINFO_FALLBACK", false),
		},
		APITokens: getEnvBool("GATEKEEPER_API_TOKENS_ENABLED", true),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:   getEnvBool("GATEKEEPER_RATE_LIMIT_ENABLED", true),
		User:      getEnvInt("GATEKEEPER_RATE_LIMIT_USER", 1000),
		APIToken:  getEnvInt("GATEKEEPER_RATE_LIMIT_API_TOKEN", 5000),
		Anonymous: getEnvInt("GATEKEEPER_RATE_LIMIT_ANONYMOUS", 100),
		Burst:     getEnvInt("GATEKEEPER_RATE_LIMIT_BURST", 50),
	}
}

func loadCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Path:  getEnv("GATEKEEPER_CATALOG_PATH", ""),
		Watch: getEnvBool("GATEKEEPER_CATALOG_WATCH", false),
	}
}

func loadSyncConfig() SyncConfig {
	return SyncConfig{
		Workers: getEnvInt("GATEKEEPER_SYNC_WORKERS", 4),
		Timeout: getEnvDuration("GATEKEEPER_SYNC_TIMEOUT", 30*time.Second),
		Async:   getEnvBool("GATEKEEPER_SYNC_ASYNC", false),
	}
}

func loadJobsConfig() JobsConfig {
	return JobsConfig{
		TrialReconcileSpec: getEnv("GATEKEEPER_TRIAL_RECONCILE_SCHEDULE", "@every 15m"),
		AuditArchiveSpec:   getEnv("GATEKEEPER_AUDIT_ARCHIVE_SCHEDULE", "0 3 * * *"),
	}
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		S3: audit.S3Config{
			Bucket:       getEnv("GATEKEEPER_ARCHIVE_S3_BUCKET", ""),
			Region:       getEnv("GATEKEEPER_ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint:     getEnv("GATEKEEPER_ARCHIVE_S3_ENDPOINT", ""),
			AccessKey:    getEnv("GATEKEEPER_ARCHIVE_S3_ACCESS_KEY", ""),
			SecretKey:    getEnv("GATEKEEPER_ARCHIVE_S3_SECRET_KEY", ""),
			UsePathStyle: getEnvBool("GATEKEEPER_ARCHIVE_S3_USE_PATH_STYLE", false),
			Prefix:       getEnv("GATEKEEPER_ARCHIVE_S3_PREFIX", "audit"),
		},
		Window: getEnvDuration("GATEKEEPER_ARCHIVE_WINDOW", 24*time.Hour),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("GATEKEEPER_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("GATEKEEPER_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("GATEKEEPER_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("GATEKEEPER_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("GATEKEEPER_OTEL_SERVICE_NAME", "gatekeeper"),
		OTelServiceVersion: getEnv("GATEKEEPER_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("GATEKEEPER_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.PrimaryURL == "" {
		return fmt.Errorf("database URL is required")
	}

	switch c.Cache.Backend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if c.Cache.Redis.URL == "" {
			return fmt.Errorf("redis URL is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be memory or redis)", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}

	if c.Auth.JWT.Secret != "" && len(c.Auth.JWT.Secret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 bytes")
	}
	if c.Auth.JWT.Secret == "" && !c.Auth.OIDCEnabled() && !c.Auth.APITokens {
		return fmt.Errorf("at least one credential verifier (JWT, OIDC or API tokens) must be enabled")
	}
	if c.Auth.OIDCEnabled() && c.Auth.OIDC.ClientID == "" {
		return fmt.Errorf("OIDC client id is required when an OIDC issuer is set")
	}

	if c.RateLimit.Enabled && (c.RateLimit.User <= 0 || c.RateLimit.APIToken <= 0 || c.RateLimit.Anonymous <= 0) {
		return fmt.Errorf("rate limits must be positive when rate limiting is enabled")
	}
	if c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit burst must not be negative")
	}

	if c.Catalog.Watch && c.Catalog.Path == "" {
		return fmt.Errorf("catalog path is required when catalog watch is enabled")
	}

	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync workers must be positive")
	}

	if c.Archive.Enabled() && c.Archive.Window <= 0 {
		return fmt.Errorf("archive window must be positive")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
