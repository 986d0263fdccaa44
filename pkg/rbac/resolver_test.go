package rbac

import (
	"bytes"
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

func newTestResolver(t *testing.T, f *fixture) *Resolver {
	t.Helper()
	return NewResolver(f.store, f.store.Validator(), nil, nil)
}

func resolve(t *testing.T, r *Resolver, u *User, module, sub, action string) Resolution {
	t.Helper()
	res, err := r.ResolvePermission(context.Background(), u, Request{Module: module, Submodule: sub, Action: action})
	require.NoError(t, err)
	return res
}

func TestResolver_SuperAdminBypass(t *testing.T) {
	f := newFixture(t)
	r := newTestResolver(t, f)
	root := f.user(t, &User{Email: "root@platform.test", Role: RoleSuperAdmin})

	res := resolve(t, r, root, "anything", "", "whatever")
	assert.True(t, res.Allowed)
	assert.True(t, res.Bypass)
	assert.Equal(t, ReasonSuperAdmin, res.Reason)
}

func TestResolver_OrgWideRoles(t *testing.T) {
	f := newFixture(t)
	r := newTestResolver(t, f)

	for _, role := range []Role{RoleOrgAdmin, RoleManagement} {
		u := f.user(t, &User{Email: string(role) + "@acme.test", Role: role})

		res := resolve(t, r, u, "vouchers", "", "approve")
		assert.True(t, res.Allowed, role)
		assert.False(t, res.Bypass)

		assert.Equal(t, ReasonUnknownPermission, resolve(t, r, u, "crm", "", "approve").Reason)
		assert.Equal(t, ReasonUnknownPermission, resolve(t, r, u, "billing", "", "read").Reason)
	}
}

func TestResolver_Manager(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := newTestResolver(t, f)

	role := f.role(t, &f.org, "crm-editor", "crm.manage", "vouchers.read")
	m := f.user(t, &User{Email: "m@acme.test", Role: RoleManager, ServiceRoleID: &role.ID, AssignedModules: []string{"crm"}})

	assert.True(t, resolve(t, r, m, "crm", "", "delete").Allowed)
	assert.True(t, resolve(t, r, m, "crm", "", "manage").Allowed)
	assert.Equal(t, ReasonPermissionNotGrant, resolve(t, r, m, "crm", "", "export").Reason)
	assert.Equal(t, ReasonModuleNotAssigned, resolve(t, r, m, "vouchers", "", "read").Reason,
		"grant without assignment is not enough")

	_, err := f.store.SetServiceRole(ctx, m.ID, nil)
	require.NoError(t, err)
	m, err = f.store.GetUser(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoServiceRole, resolve(t, r, m, "crm", "", "read").Reason)
}

func TestResolver_ManagerIgnoresStaleGrants(t *testing.T) {
	f := newFixture(t)
	var logs bytes.Buffer
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	r := NewResolver(f.store, f.store.Validator(), observability.NewLogger(observability.DebugLevel, &logs), metrics)

	role := f.role(t, &f.org, "sales", "crm.read")
	_, err := f.db.Exec(`UPDATE service_roles SET permissions = '["crm.read","crm_update","billing.read"]' WHERE id = $1`, role.ID)
	require.NoError(t, err)
	m := f.user(t, &User{Email: "m@acme.test", Role: RoleManager, ServiceRoleID: &role.ID, AssignedModules: []string{"crm"}})

	assert.True(t, resolve(t, r, m, "crm", "", "read").Allowed)
	assert.False(t, resolve(t, r, m, "crm", "", "update").Allowed)
	assert.Contains(t, logs.String(), "Ignoring permission data not defined in the catalog")
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.InvalidGrantsFilteredTotal.WithLabelValues("service_role")))
}

func TestResolver_Executive(t *testing.T) {
	f := newFixture(t)
	r := newTestResolver(t, f)

	exec := f.user(t, &User{
		Email:                "e@acme.test",
		Role:                 RoleExecutive,
		SubModulePermissions: SubModulePermissions{"crm": {"leads": {"read", "update"}, "contacts": {"manage"}}},
	})

	assert.True(t, resolve(t, r, exec, "crm", "leads", "update").Allowed)
	assert.Equal(t, ReasonSubmoduleNotGranted, resolve(t, r, exec, "crm", "leads", "delete").Reason)
	assert.Equal(t, ReasonSubmoduleNotGranted, resolve(t, r, exec, "crm", "opportunities", "read").Reason)
	assert.Equal(t, ReasonSubmoduleRequired, resolve(t, r, exec, "crm", "", "read").Reason)
	assert.True(t, resolve(t, r, exec, "crm", "contacts", "delete").Allowed)
	assert.True(t, resolve(t, r, exec, "crm", "contacts", "manage").Allowed)
	assert.False(t, resolve(t, r, exec, "crm", "leads", "manage").Allowed)
}

func TestResolver_ExecutiveIntersectsManager(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := newTestResolver(t, f)

	role := f.role(t, &f.org, "crm-reader", "crm.read")
	manager := f.user(t, &User{Email: "m@acme.test", Role: RoleManager, ServiceRoleID: &role.ID, AssignedModules: []string{"crm"}})
	exec := f.user(t, &User{
		Email:                "e@acme.test",
		Role:                 RoleExecutive,
		ManagerID:            &manager.ID,
		SubModulePermissions: SubModulePermissions{"crm": {"leads": {"read", "update"}}},
	})

	assert.True(t, resolve(t, r, exec, "crm", "leads", "read").Allowed)
	res := resolve(t, r, exec, "crm", "leads", "update")
	assert.False(t, res.Allowed, "executive cannot exceed its manager")
	assert.Equal(t, ReasonManagerDenied, res.Reason)

	require.NoError(t, f.store.SetUserActive(ctx, manager.ID, false))
	assert.Equal(t, ReasonManagerDenied, resolve(t, r, exec, "crm", "leads", "read").Reason)
}

func TestResolver_InactiveUser(t *testing.T) {
	f := newFixture(t)
	r := newTestResolver(t, f)

	u := f.user(t, &User{Email: "admin@acme.test", Role: RoleOrgAdmin})
	u.IsActive = false
	assert.Equal(t, ReasonInactiveUser, resolve(t, r, u, "crm", "", "read").Reason)
}

func TestResolver_EffectivePermissions(t *testing.T) {
	f := newFixture(t)
	r := newTestResolver(t, f)

	role := f.role(t, &f.org, "payroll", "payroll.approve", "payroll.read")
	m := f.user(t, &User{Email: "m@acme.test", Role: RoleManager, ServiceRoleID: &role.ID, AssignedModules: []string{"payroll"}})

	grants, err := r.EffectivePermissions(context.Background(), m)
	require.NoError(t, err)
	assert.ElementsMatch(t, []EffectiveGrant{
		{Module: "payroll", Action: "read"},
		{Module: "payroll", Action: "approve"},
	}, grants)

	exec := f.user(t, &User{Email: "e@acme.test", Role: RoleExecutive, SubModulePermissions: SubModulePermissions{"inventory": {"stock": {"read"}}}})
	grants, err = r.EffectivePermissions(context.Background(), exec)
	require.NoError(t, err)
	assert.Equal(t, []EffectiveGrant{{Module: "inventory", Submodule: "stock", Action: "read"}}, grants)
}
