package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
modules:
  - key: crm
    actions: [export]
    submodules:
      - key: leads
      - key: opportunities
  - key: inventory
  - key: manufacturing
  - key: email
    always_on: true
  - key: settings
    rbac_only: true
categories:
  - key: manufacturing_suite
    name: Manufacturing Suite
    modules: [manufacturing, inventory]
tiers:
  - name: free
    modules: [crm]
  - name: enterprise
    categories: [manufacturing_suite]
    modules: [crm]
`

func mustParse(t *testing.T, doc string) *Catalog {
	t.Helper()
	c, err := Parse([]byte(doc))
	require.NoError(t, err)
	return c
}

func TestParse(t *testing.T) {
	c := mustParse(t, testCatalog)

	crm, err := c.Module("crm")
	require.NoError(t, err)
	assert.Equal(t, "crm", crm.Name, "name defaults to key")
	assert.Empty(t, crm.Category)

	mfg, err := c.Module("manufacturing")
	require.NoError(t, err)
	assert.Equal(t, "manufacturing_suite", mfg.Category)

	email, _ := c.Module("email")
	assert.True(t, email.AlwaysOn)
	settings, _ := c.Module("settings")
	assert.True(t, settings.RBACOnly)

	assert.Equal(t, []string{"crm", "email", "inventory", "manufacturing", "settings"}, c.ModuleKeys())
	assert.True(t, c.HasSubmodule("crm", "leads"))
	assert.False(t, c.HasSubmodule("crm", "invoices"))

	_, err = c.Module("payroll")
	assert.ErrorIs(t, err, ErrUnknownModule)
	_, err = c.Submodule("crm", "invoices")
	assert.ErrorIs(t, err, ErrUnknownSubmodule)
	_, err = c.Category("nope")
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":           "modules: [",
		"dotted key":         "modules:\n  - key: crm.leads\n",
		"duplicate module":   "modules:\n  - key: crm\n  - key: crm\n",
		"both exemptions":    "modules:\n  - key: crm\n    always_on: true\n    rbac_only: true\n",
		"standard extra":     "modules:\n  - key: crm\n    actions: [read]\n",
		"duplicate sub":      "modules:\n  - key: crm\n    submodules:\n      - key: leads\n      - key: leads\n",
		"unknown in cat":     "modules:\n  - key: crm\ncategories:\n  - key: sales\n    modules: [erp]\n",
		"empty category":     "modules:\n  - key: crm\ncategories:\n  - key: sales\n",
		"module in two cats": "modules:\n  - key: crm\ncategories:\n  - key: a\n    modules: [crm]\n  - key: b\n    modules: [crm]\n",
		"tier unknown cat":   "modules:\n  - key: crm\ntiers:\n  - name: pro\n    categories: [x]\n",
		"tier unknown mod":   "modules:\n  - key: crm\ntiers:\n  - name: pro\n    modules: [x]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidCatalog)
		})
	}
}

func TestActions(t *testing.T) {
	c := mustParse(t, testCatalog)

	actions, err := c.Actions("crm")
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "create", "update", "delete", "export"}, actions)

	assert.True(t, c.ValidAction("crm", "manage"))
	assert.True(t, c.ValidAction("crm", "export"))
	assert.False(t, c.ValidAction("inventory", "export"))
	assert.False(t, c.ValidAction("unknown", "read"))
}

func TestTierModules(t *testing.T) {
	c := mustParse(t, testCatalog)

	assert.Equal(t, []string{"crm"}, c.TierModules("free"))
	assert.Equal(t, []string{"crm", "inventory", "manufacturing"}, c.TierModules("enterprise"))
	assert.Nil(t, c.TierModules("platinum"))
	assert.True(t, c.HasTier("free"))
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.True(t, c.HasModule("crm"))
	assert.NotEmpty(t, c.Categories())
	for _, tier := range []string{"free", "pro", "enterprise", "custom"} {
		assert.True(t, c.HasTier(tier), tier)
	}
}

func TestRegistry_Replace(t *testing.T) {
	reg := NewRegistry(mustParse(t, testCatalog))

	t.Run("adding modules is allowed", func(t *testing.T) {
		head := len("\nmodules:\n")
		extended := testCatalog[:head] + "  - key: payroll\n" + testCatalog[head:]
		require.NoError(t, reg.Replace(mustParse(t, extended)))
		assert.True(t, reg.Current().HasModule("payroll"))
	})

	t.Run("removing a module is rejected", func(t *testing.T) {
		before := reg.Current()
		err := reg.Replace(mustParse(t, "modules:\n  - key: crm\n"))
		assert.ErrorIs(t, err, ErrInvalidCatalog)
		assert.Same(t, before, reg.Current())
	})

	t.Run("removing a submodule is rejected", func(t *testing.T) {
		doc := "modules:\n  - key: crm\n    submodules:\n      - key: leads\n  - key: inventory\n  - key: manufacturing\n  - key: email\n  - key: settings\n  - key: payroll\n"
		err := reg.Replace(mustParse(t, doc))
		assert.ErrorIs(t, err, ErrInvalidCatalog)
	})
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))

	reg := NewRegistry(mustParse(t, testCatalog))
	w, err := NewWatcher(path, reg, nil)
	require.NoError(t, err)
	defer w.Close()

	reloaded := make(chan *Catalog, 1)
	w.OnReload(func(c *Catalog) { reloaded <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	updated := testCatalog + "  - name: pro\n    modules: [inventory]\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case c := <-reloaded:
		assert.True(t, c.HasTier("pro"))
		assert.Same(t, c, reg.Current())
	case <-time.After(5 * time.Second):
		t.Fatal("catalog was not reloaded")
	}
}

func TestWatcher_RejectsIncompatibleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("modules:\n  - key: crm\n"), 0o644))

	reg := NewRegistry(mustParse(t, testCatalog))
	w, err := NewWatcher(path, reg, nil)
	require.NoError(t, err)
	defer w.Close()

	err = w.Reload()
	assert.True(t, errors.Is(err, ErrInvalidCatalog))
	assert.True(t, reg.Current().HasModule("inventory"))
}
