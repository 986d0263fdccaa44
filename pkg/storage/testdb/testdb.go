// Package testdb opens in-memory SQLite databases carrying the same tables
// as the Postgres migrations, so store tests can run real SQL without a
// server.
package testdb

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/stretchr/testify/require"
)

const schema = `
CREATE TABLE organizations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	slug TEXT NOT NULL UNIQUE,
	license_tier TEXT NOT NULL DEFAULT 'free',
	is_active BOOLEAN NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE service_roles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id INTEGER REFERENCES organizations(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	permissions TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX idx_service_roles_org_name ON service_roles(COALESCE(organization_id, 0), name);

CREATE TABLE users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id INTEGER REFERENCES organizations(id) ON DELETE CASCADE,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	service_role_id INTEGER REFERENCES service_roles(id) ON DELETE SET NULL,
	manager_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
	assigned_modules TEXT NOT NULL DEFAULT '[]',
	sub_module_permissions TEXT NOT NULL DEFAULT '{}',
	is_active BOOLEAN NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	CHECK (role IN ('super_admin', 'org_admin', 'management', 'manager', 'executive')),
	CHECK (role = 'super_admin' OR organization_id IS NOT NULL)
);

CREATE TABLE org_entitlements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id INTEGER NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	module_key TEXT NOT NULL,
	status TEXT NOT NULL,
	trial_expires_at TIMESTAMP,
	updated_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(organization_id, module_key),
	CHECK (status IN ('enabled', 'disabled', 'trial')),
	CHECK (status <> 'trial' OR trial_expires_at IS NOT NULL)
);

CREATE TABLE org_sub_entitlements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id INTEGER NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	module_key TEXT NOT NULL,
	submodule_key TEXT NOT NULL,
	status TEXT NOT NULL,
	trial_expires_at TIMESTAMP,
	updated_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(organization_id, module_key, submodule_key),
	CHECK (status IN ('enabled', 'disabled', 'trial')),
	CHECK (status <> 'trial' OR trial_expires_at IS NOT NULL)
);

CREATE TABLE entitlement_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	organization_id INTEGER NOT NULL,
	module_key TEXT NOT NULL,
	submodule_key TEXT,
	event_type TEXT NOT NULL,
	old_status TEXT,
	new_status TEXT,
	actor TEXT NOT NULL DEFAULT '',
	affected_count INTEGER NOT NULL DEFAULT 0,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE user_module_permissions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id INTEGER NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	module_key TEXT NOT NULL,
	submodule_key TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(organization_id, user_id, module_key, submodule_key, action)
);

CREATE TABLE api_tokens (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	token_prefix TEXT NOT NULL,
	expires_at TIMESTAMP,
	last_used_at TIMESTAMP,
	revoked_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE audit_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TIMESTAMP NOT NULL,
	event_type TEXT NOT NULL,
	status TEXT NOT NULL,
	user_id INTEGER,
	organization_id INTEGER,
	resource_type TEXT NOT NULL DEFAULT '',
	resource_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	method TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	metadata TEXT
);
`

var counter int64

// Open returns a fresh, isolated database with the full schema. It is closed
// when the test ends.
func Open(t testing.TB) *sql.DB {
	t.Helper()

	// A named shared-cache memory database lets every pooled connection see
	// the same data; the counter keeps tests isolated from each other.
	dsn := fmt.Sprintf("file:gatekeeper_%d?mode=memory&cache=shared&_foreign_keys=on", atomic.AddInt64(&counter, 1))
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(schema)
	require.NoError(t, err)
	return db
}

// Org inserts an organization and returns its id
func Org(t testing.TB, db *sql.DB, slug string) int64 {
	t.Helper()
	now := time.Now().UTC()
	var id int64
	err := db.QueryRow(
		`INSERT INTO organizations (name, slug, license_tier, is_active, created_at, updated_at)
		 VALUES ($1, $2, 'free', 1, $3, $3) RETURNING id`,
		slug, slug, now,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

// User inserts a user with the given role and returns its id. orgID may be
// nil only for super_admin.
func User(t testing.TB, db *sql.DB, orgID *int64, email, role string) int64 {
	t.Helper()
	now := time.Now().UTC()
	var id int64
	err := db.QueryRow(
		`INSERT INTO users (organization_id, email, name, role, is_active, created_at, updated_at)
		 VALUES ($1, $2, $2, $3, 1, $4, $4) RETURNING id`,
		orgID, email, role, now,
	).Scan(&id)
	require.NoError(t, err)
	return id
}
