package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// Migration is one versioned schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns every schema migration in version order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create organizations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(100) NOT NULL UNIQUE,
					license_tier VARCHAR(20) NOT NULL DEFAULT 'free',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
			`,
		},
		{
			Version:     2,
			Description: "Create service_roles and users tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS service_roles (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT REFERENCES organizations(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					permissions JSONB NOT NULL DEFAULT '[]',
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_service_roles_org_name
					ON service_roles(COALESCE(organization_id, 0), name);

				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT REFERENCES organizations(id) ON DELETE CASCADE,
					email VARCHAR(255) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL DEFAULT '',
					role VARCHAR(20) NOT NULL,
					service_role_id BIGINT REFERENCES service_roles(id) ON DELETE SET NULL,
					manager_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
					assigned_modules JSONB NOT NULL DEFAULT '[]',
					sub_module_permissions JSONB NOT NULL DEFAULT '{}',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					CHECK (role IN ('super_admin', 'org_admin', 'management', 'manager', 'executive')),
					CHECK (role = 'super_admin' OR organization_id IS NOT NULL)
				);

				CREATE INDEX IF NOT EXISTS idx_users_organization_role ON users(organization_id, role);
			`,
		},
		{
			Version:     3,
			Description: "Create entitlement tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS org_entitlements (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					module_key VARCHAR(100) NOT NULL,
					status VARCHAR(20) NOT NULL,
					trial_expires_at TIMESTAMP,
					updated_by VARCHAR(255) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					UNIQUE(organization_id, module_key),
					CHECK (status IN ('enabled', 'disabled', 'trial')),
					CHECK (status <> 'trial' OR trial_expires_at IS NOT NULL)
				);

				CREATE TABLE IF NOT EXISTS org_sub_entitlements (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					module_key VARCHAR(100) NOT NULL,
					submodule_key VARCHAR(100) NOT NULL,
					status VARCHAR(20) NOT NULL,
					trial_expires_at TIMESTAMP,
					updated_by VARCHAR(255) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					UNIQUE(organization_id, module_key, submodule_key),
					CHECK (status IN ('enabled', 'disabled', 'trial')),
					CHECK (status <> 'trial' OR trial_expires_at IS NOT NULL)
				);

				CREATE INDEX IF NOT EXISTS idx_org_entitlements_trial
					ON org_entitlements(trial_expires_at) WHERE status = 'trial';
				CREATE INDEX IF NOT EXISTS idx_org_sub_entitlements_trial
					ON org_sub_entitlements(trial_expires_at) WHERE status = 'trial';

				CREATE TABLE IF NOT EXISTS entitlement_events (
					id BIGSERIAL PRIMARY KEY,
					event_id VARCHAR(36) NOT NULL UNIQUE,
					organization_id BIGINT NOT NULL,
					module_key VARCHAR(100) NOT NULL,
					submodule_key VARCHAR(100),
					event_type VARCHAR(50) NOT NULL,
					old_status VARCHAR(20),
					new_status VARCHAR(20),
					actor VARCHAR(255) NOT NULL DEFAULT '',
					affected_count INTEGER NOT NULL DEFAULT 0,
					metadata JSONB,
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_entitlement_events_org ON entitlement_events(organization_id, created_at);
			`,
		},
		{
			Version:     4,
			Description: "Create user_module_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_module_permissions (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					module_key VARCHAR(100) NOT NULL,
					submodule_key VARCHAR(100) NOT NULL DEFAULT '',
					action VARCHAR(50) NOT NULL,
					created_at TIMESTAMP NOT NULL,
					UNIQUE(organization_id, user_id, module_key, submodule_key, action)
				);

				CREATE INDEX IF NOT EXISTS idx_user_module_permissions_module
					ON user_module_permissions(organization_id, module_key);
			`,
		},
		{
			Version:     5,
			Description: "Create api_tokens table",
			SQL: `
				CREATE TABLE IF NOT EXISTS api_tokens (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL,
					token_hash VARCHAR(64) NOT NULL UNIQUE,
					token_prefix VARCHAR(16) NOT NULL,
					expires_at TIMESTAMP,
					last_used_at TIMESTAMP,
					revoked_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL
				);
			`,
		},
		{
			Version:     6,
			Description: "Create audit_logs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_logs (
					id BIGSERIAL PRIMARY KEY,
					timestamp TIMESTAMP NOT NULL,
					event_type VARCHAR(100) NOT NULL,
					status VARCHAR(20) NOT NULL,
					user_id BIGINT,
					organization_id BIGINT,
					resource_type VARCHAR(50) NOT NULL DEFAULT '',
					resource_id VARCHAR(255) NOT NULL DEFAULT '',
					action VARCHAR(50) NOT NULL DEFAULT '',
					reason VARCHAR(100) NOT NULL DEFAULT '',
					request_id VARCHAR(100) NOT NULL DEFAULT '',
					ip_address VARCHAR(45) NOT NULL DEFAULT '',
					method VARCHAR(10) NOT NULL DEFAULT '',
					path TEXT NOT NULL DEFAULT '',
					message TEXT NOT NULL DEFAULT '',
					metadata JSONB
				);

				CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp DESC);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_organization_id ON audit_logs(organization_id);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id);
			`,
		},
	}
}

// RunMigrations applies every pending migration, each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	logger = observability.OrNop(logger)

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     m.Version,
			"description": m.Description,
		})
		log.Info("Running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}

		log.Info("Migration applied")
	}

	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
