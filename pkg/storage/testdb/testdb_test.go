package testdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Isolated(t *testing.T) {
	a := Open(t)
	b := Open(t)

	Org(t, a, "acme")

	var n int
	require.NoError(t, a.QueryRow("SELECT COUNT(*) FROM organizations").Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, b.QueryRow("SELECT COUNT(*) FROM organizations").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestUser_RequiresOrgUnlessSuperAdmin(t *testing.T) {
	db := Open(t)
	org := Org(t, db, "acme")

	assert.NotZero(t, User(t, db, &org, "admin@acme.test", "org_admin"))
	assert.NotZero(t, User(t, db, nil, "root@platform.test", "super_admin"))

	_, err := db.Exec(
		`INSERT INTO users (organization_id, email, role, created_at, updated_at)
		 VALUES (NULL, 'x@acme.test', 'manager', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	assert.Error(t, err)
}

func TestEntitlementChecks(t *testing.T) {
	db := Open(t)
	org := Org(t, db, "acme")

	_, err := db.Exec(
		`INSERT INTO org_entitlements (organization_id, module_key, status, created_at, updated_at)
		 VALUES ($1, 'crm', 'trial', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`, org)
	assert.Error(t, err, "trial rows need an expiry")
}
