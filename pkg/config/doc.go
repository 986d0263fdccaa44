// Package config loads gatekeeper configuration from environment variables.
//
// # Configuration Structure
//
// Server settings:
//
//	GATEKEEPER_HOST="0.0.0.0"
//	GATEKEEPER_PORT="8080"
//	GATEKEEPER_HEALTH_PORT="9090"
//	GATEKEEPER_SHUTDOWN_TIMEOUT="30s"
//
// Database settings:
//
//	GATEKEEPER_DATABASE_URL="postgres://localhost/gatekeeper?sslmode=disable"
//	GATEKEEPER_DATABASE_REPLICA_URLS="postgres://replica1/gatekeeper,postgres://replica2/gatekeeper"
//	GATEKEEPER_DATABASE_MAX_CONNS="20"
//	GATEKEEPER_DATABASE_AUTO_MIGRATE="true"
//
// Entitlement cache:
//
//	GATEKEEPER_CACHE_BACKEND="memory"  # memory, redis
//	GATEKEEPER_CACHE_TTL="5m"
//	GATEKEEPER_REDIS_URL="redis://localhost:6379/0"
//
// Access enforcement:
//
//	GATEKEEPER_ENTITLEMENT_ENFORCEMENT="true"  # ENTITLEMENT_ENFORCEMENT is also read
//	GATEKEEPER_SUPER_ADMIN_ENTITLEMENT_BYPASS="false"
//
// Credentials:
//
//	GATEKEEPER_JWT_SECRET="..."  # at least 32 bytes
//	GATEKEEPER_OIDC_ISSUER_URL="https://accounts.example.com"
//	GATEKEEPER_OIDC_CLIENT_ID="gatekeeper"
//	GATEKEEPER_API_TOKENS_ENABLED="true"
//
// Rate limits (requests per minute):
//
//	GATEKEEPER_RATE_LIMIT_ENABLED="true"
//	GATEKEEPER_RATE_LIMIT_USER="1000"
//	GATEKEEPER_RATE_LIMIT_API_TOKEN="5000"
//	GATEKEEPER_RATE_LIMIT_ANONYMOUS="100"
//
// Catalog, sync and jobs:
//
//	GATEKEEPER_CATALOG_PATH="/etc/gatekeeper/catalog.yaml"
//	GATEKEEPER_CATALOG_WATCH="true"
//	GATEKEEPER_SYNC_WORKERS="4"
//	GATEKEEPER_TRIAL_RECONCILE_SCHEDULE="@every 15m"
//	GATEKEEPER_AUDIT_ARCHIVE_SCHEDULE="0 3 * * *"
//	GATEKEEPER_ARCHIVE_S3_BUCKET="gatekeeper-audit"
//
// Observability settings:
//
//	GATEKEEPER_LOG_LEVEL="info"  # debug, info, warn, error
//	GATEKEEPER_METRICS_ENABLED="true"
//	GATEKEEPER_OTEL_ENABLED="true"
//	GATEKEEPER_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
