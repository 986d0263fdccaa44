package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/catalog"
)

const overlappingCatalog = `
modules:
  - key: crm
    name: CRM
    actions: [export]
  - key: crm_ext
    name: CRM extensions
    actions: [sync]
`

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	return NewValidator(catalog.NewRegistry(catalog.Default()))
}

func TestNormalizeLegacyKey(t *testing.T) {
	cat, err := catalog.Parse([]byte(overlappingCatalog))
	require.NoError(t, err)

	cases := map[string]string{
		"crm_read":     "crm.read",
		"crm_ext_sync": "crm_ext.sync",
		"crm_ext_read": "crm_ext.read",
		"crm:export":   "crm.export",
		"crm.manage":   "crm.manage",
		"crm_ext.sync": "crm_ext.sync",
	}
	for in, want := range cases {
		p, err := NormalizeLegacyKey(in, cat)
		require.NoError(t, err, in)
		assert.Equal(t, want, p.String(), in)
	}

	for _, bad := range []string{"crm_sync", "billing_read", "crm_", "crm.approve", "read"} {
		_, err := NormalizeLegacyKey(bad, cat)
		assert.ErrorIs(t, err, ErrInvalidPermission, bad)
	}
}

func TestValidator_ValidatePermissions(t *testing.T) {
	v := newTestValidator(t)

	perms, err := v.ValidatePermissions([]string{"vouchers.approve", "crm.read", "crm.read", "crm.manage"})
	require.NoError(t, err)
	assert.Equal(t, []string{"crm.manage", "crm.read", "vouchers.approve"}, perms)

	for _, bad := range [][]string{{"crm_read"}, {"crm.approve"}, {"billing.read"}} {
		_, err := v.ValidatePermissions(bad)
		assert.ErrorIs(t, err, ErrInvalidPermission, bad[0])
	}
}

func TestValidator_ValidateModules(t *testing.T) {
	v := newTestValidator(t)

	modules, err := v.ValidateModules([]string{"vouchers", "crm", "crm"})
	require.NoError(t, err)
	assert.Equal(t, []string{"crm", "vouchers"}, modules)

	_, err = v.ValidateModules([]string{"billing"})
	assert.ErrorIs(t, err, ErrInvalidPermission)
}

func TestValidator_ValidateSubModulePermissions(t *testing.T) {
	v := newTestValidator(t)

	cleaned, err := v.ValidateSubModulePermissions(SubModulePermissions{
		"crm":      {"leads": {"update", "read", "read"}, "contacts": {}},
		"vouchers": {"sales": {"approve"}},
	})
	require.NoError(t, err)
	assert.Equal(t, SubModulePermissions{
		"crm":      {"leads": {"read", "update"}},
		"vouchers": {"sales": {"approve"}},
	}, cleaned)

	bad := []SubModulePermissions{
		{"billing": {"x": {"read"}}},
		{"crm": {"tickets": {"read"}}},
		{"crm": {"leads": {"approve"}}},
	}
	for _, p := range bad {
		_, err := v.ValidateSubModulePermissions(p)
		assert.ErrorIs(t, err, ErrInvalidPermission)
	}
}

func TestValidator_Filtering(t *testing.T) {
	v := newTestValidator(t)

	set, dropped := v.FilterPermissions([]string{"crm.read", "crm_update", "billing.read"})
	assert.True(t, set.Has(Permission{Module: "crm", Action: "read"}))
	assert.Len(t, set, 1)
	assert.Equal(t, []string{"crm_update", "billing.read"}, dropped)

	modules, droppedModules := v.FilterModules([]string{"crm", "billing"})
	assert.Contains(t, modules, "crm")
	assert.Equal(t, []string{"billing"}, droppedModules)

	actions, droppedActions := v.FilterActions("crm", "leads", []string{"manage", "approve"})
	assert.Len(t, actions, 4)
	assert.Equal(t, []string{"crm.leads.approve"}, droppedActions)

	_, droppedAll := v.FilterActions("crm", "tickets", []string{"read"})
	assert.Equal(t, []string{"crm.tickets.read"}, droppedAll)
}
