package entitlements

import (
	"context"
	"database/sql"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/cache"
	"github.com/platinummonkey/gatekeeper/pkg/catalog"
	"github.com/platinummonkey/gatekeeper/pkg/storage/testdb"
)

var testNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type recordingSync struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (r *recordingSync) OnStatusChange(_ context.Context, change StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

func (r *recordingSync) Changes() []StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusChange(nil), r.changes...)
}

type fixture struct {
	db     *sql.DB
	store  *Store
	events *audit.EventStore
	clock  *quartz.Mock
	sync   *recordingSync
	org    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testdb.Open(t)
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	events := audit.NewEventStore(db, clock)
	rec := &recordingSync{}
	store := NewStore(db, catalog.NewRegistry(catalog.Default()), events, Options{
		Cache: cache.NewMemoryCache(100, time.Minute, nil),
		Clock: clock,
		Sync:  rec,
	})
	return &fixture{db: db, store: store, events: events, clock: clock, sync: rec, org: testdb.Org(t, db, "acme")}
}

func (f *fixture) set(t *testing.T, module, submodule string, status Status, expiresAt *time.Time) *Change {
	t.Helper()
	change, err := f.store.SetModuleStatus(context.Background(), Mutation{
		OrganizationID: f.org,
		Module:         module,
		Submodule:      submodule,
		Status:         status,
		TrialExpiresAt: expiresAt,
		Actor:          "user:1",
	})
	require.NoError(t, err)
	return change
}

func (f *fixture) check(t *testing.T, module, submodule string) Decision {
	t.Helper()
	d, err := f.store.CheckEntitlement(context.Background(), f.org, module, submodule)
	require.NoError(t, err)
	return d
}

func (f *fixture) eventTypes(t *testing.T) []audit.EntitlementEventType {
	t.Helper()
	events, err := f.events.List(context.Background(), audit.EventFilter{OrganizationID: &f.org})
	require.NoError(t, err)
	out := make([]audit.EntitlementEventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func timePtr(t time.Time) *time.Time { return &t }

func TestCheckEntitlement_CatalogRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.check(t, "email", "")
	assert.True(t, d.Allowed())
	assert.Equal(t, ReasonAlwaysOn, d.Reason)
	assert.Equal(t, SourceCatalog, d.Source)

	d = f.check(t, "settings", "")
	assert.True(t, d.Allowed())
	assert.Equal(t, ReasonRBACOnly, d.Reason)

	d = f.check(t, "crm", "")
	assert.False(t, d.Allowed())
	assert.Equal(t, ReasonNoEntitlement, d.Reason)

	_, err := f.store.CheckEntitlement(ctx, f.org, "billing", "")
	assert.ErrorIs(t, err, ErrUnknownModule)

	_, err = f.store.CheckEntitlement(ctx, f.org, "crm", "tickets")
	assert.ErrorIs(t, err, ErrUnknownSubmodule)
}

func TestCheckEntitlement_ReadsOwnWrites(t *testing.T) {
	f := newFixture(t)

	d := f.check(t, "crm", "")
	assert.Equal(t, SourceDatabase, d.Source)
	d = f.check(t, "crm", "")
	assert.Equal(t, SourceCache, d.Source, "a miss is cached too")
	assert.False(t, d.Allowed())

	change := f.set(t, "crm", "", StatusEnabled, nil)
	assert.True(t, change.Changed)
	assert.Equal(t, Status(""), change.OldStatus)

	d = f.check(t, "crm", "")
	assert.True(t, d.Allowed())
	assert.Equal(t, ReasonEnabled, d.Reason)
	assert.Equal(t, SourceDatabase, d.Source)
}

func TestSetModuleStatus_EventsAndSync(t *testing.T) {
	f := newFixture(t)

	f.set(t, "crm", "", StatusEnabled, nil)
	noop := f.set(t, "crm", "", StatusEnabled, nil)
	assert.False(t, noop.Changed)
	f.set(t, "crm", "", StatusDisabled, nil)

	assert.Equal(t, []audit.EntitlementEventType{audit.EventGranted, audit.EventRevoked}, f.eventTypes(t))

	changes := f.sync.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, StatusChange{OrganizationID: f.org, Module: "crm", Old: "", New: StatusEnabled, Actor: "user:1"}, changes[0])
	assert.Equal(t, StatusDisabled, changes[1].New)
	assert.False(t, changes[1].Enabled())
}

func TestSetModuleStatus_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		m    Mutation
		want error
	}{
		{"unknown status", Mutation{Module: "crm", Status: "paused"}, ErrInvalidMutation},
		{"trial without expiry", Mutation{Module: "crm", Status: StatusTrial}, ErrInvalidMutation},
		{"trial in the past", Mutation{Module: "crm", Status: StatusTrial, TrialExpiresAt: timePtr(testNow.Add(-time.Hour))}, ErrInvalidMutation},
		{"unknown module", Mutation{Module: "billing", Status: StatusEnabled}, ErrUnknownModule},
		{"unknown submodule", Mutation{Module: "crm", Submodule: "tickets", Status: StatusEnabled}, ErrUnknownSubmodule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.m.OrganizationID = f.org
			_, err := f.store.SetModuleStatus(ctx, tt.m)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.eventTypes(t))
}

func TestTrialLifecycle(t *testing.T) {
	f := newFixture(t)
	expires := testNow.Add(48 * time.Hour)

	f.set(t, "inventory", "", StatusTrial, &expires)
	d := f.check(t, "inventory", "")
	assert.True(t, d.Allowed())
	assert.Equal(t, StatusTrial, d.Status)
	assert.Equal(t, ReasonTrialActive, d.Reason)
	require.NotNil(t, d.TrialExpiresAt)
	assert.True(t, expires.Equal(*d.TrialExpiresAt))

	// expiry is evaluated on read, even from the cache
	f.clock.Set(expires)
	d = f.check(t, "inventory", "")
	assert.False(t, d.Allowed())
	assert.Equal(t, ReasonTrialExpired, d.Reason)
	assert.Equal(t, SourceCache, d.Source)
	assert.Equal(t, []audit.EntitlementEventType{audit.EventTrialStarted}, f.eventTypes(t), "reads never write")

	// the next write persists the lapse first
	change := f.set(t, "inventory", "", StatusDisabled, nil)
	assert.True(t, change.Changed)
	assert.True(t, change.TrialExpired)
	assert.Equal(t, []audit.EntitlementEventType{audit.EventTrialStarted, audit.EventTrialExpired}, f.eventTypes(t))

	changes := f.sync.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, StatusTrial, changes[0].New)
	assert.Equal(t, StatusChange{OrganizationID: f.org, Module: "inventory", Old: StatusTrial, New: StatusDisabled, Actor: "user:1"}, changes[1])
}

func TestEnableAfterLapsedTrial_SyncsRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.set(t, "manufacturing", "", StatusTrial, timePtr(testNow.Add(time.Hour)))
	f.clock.Set(testNow.Add(2 * time.Hour))
	require.False(t, f.check(t, "manufacturing", "").Allowed())

	result, err := f.store.ActivateCategory(ctx, f.org, "manufacturing_suite", "user:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"manufacturing", "inventory"}, result.Changed)
	assert.True(t, f.check(t, "manufacturing", "").Allowed())

	assert.Equal(t, []audit.EntitlementEventType{
		audit.EventTrialStarted, audit.EventTrialExpired, audit.EventGranted, audit.EventGranted,
	}, f.eventTypes(t))

	changes := f.sync.Changes()
	require.Len(t, changes, 3)
	assert.Equal(t, StatusChange{OrganizationID: f.org, Module: "manufacturing", Old: StatusDisabled, New: StatusEnabled, Actor: "user:1"}, changes[1])
	assert.Equal(t, "inventory", changes[2].Module)
}

func TestSetModuleStatus_LapsedTrialToNewTrial(t *testing.T) {
	f := newFixture(t)

	f.set(t, "payroll", "", StatusTrial, timePtr(testNow.Add(time.Hour)))
	f.clock.Set(testNow.Add(2 * time.Hour))

	change := f.set(t, "payroll", "", StatusTrial, timePtr(testNow.Add(48*time.Hour)))
	assert.True(t, change.TrialExpired)
	assert.Equal(t, StatusTrial, change.OldStatus)

	changes := f.sync.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, StatusDisabled, changes[1].Old)
	assert.Equal(t, StatusTrial, changes[1].New)
}

func TestTrialExtensionIsAWrite(t *testing.T) {
	f := newFixture(t)

	f.set(t, "crm", "", StatusTrial, timePtr(testNow.Add(time.Hour)))
	same := f.set(t, "crm", "", StatusTrial, timePtr(testNow.Add(time.Hour)))
	assert.False(t, same.Changed)

	extended := f.set(t, "crm", "", StatusTrial, timePtr(testNow.Add(24*time.Hour)))
	assert.True(t, extended.Changed)
	assert.Len(t, f.sync.Changes(), 1, "trial to trial does not resync")
}

func TestCheckEntitlement_Submodules(t *testing.T) {
	f := newFixture(t)

	f.set(t, "crm", "leads", StatusEnabled, nil)
	d := f.check(t, "crm", "leads")
	assert.False(t, d.Allowed(), "a submodule is never more permissive than its parent")
	assert.Equal(t, ReasonParentDisabled, d.Reason)

	f.set(t, "crm", "", StatusEnabled, nil)
	assert.True(t, f.check(t, "crm", "leads").Allowed())
	assert.True(t, f.check(t, "crm", "contacts").Allowed(), "no submodule row inherits the parent")

	f.set(t, "crm", "contacts", StatusDisabled, nil)
	d = f.check(t, "crm", "contacts")
	assert.False(t, d.Allowed())
	assert.Equal(t, ReasonSubmoduleDisabled, d.Reason)
	assert.Equal(t, StatusEnabled, d.ModuleStatus)

	subExpiry := testNow.Add(2 * time.Hour)
	f.set(t, "crm", "opportunities", StatusTrial, &subExpiry)
	d = f.check(t, "crm", "opportunities")
	assert.Equal(t, StatusTrial, d.Status)
	assert.True(t, subExpiry.Equal(*d.TrialExpiresAt))

	parentExpiry := testNow.Add(time.Hour)
	f.set(t, "crm", "", StatusTrial, &parentExpiry)
	d = f.check(t, "crm", "opportunities")
	assert.True(t, parentExpiry.Equal(*d.TrialExpiresAt), "the earlier expiry wins")

	// submodule writes never resync module permissions
	for _, c := range f.sync.Changes() {
		assert.Equal(t, "crm", c.Module)
	}
	assert.Len(t, f.sync.Changes(), 1)
}

func TestCategoryActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.set(t, "payroll", "", StatusEnabled, nil)

	result, err := f.store.ActivateCategory(ctx, f.org, "accounting_suite", "user:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vouchers"}, result.Changed)
	assert.Equal(t, []string{"payroll"}, result.Unchanged)
	assert.True(t, f.check(t, "vouchers", "").Allowed())

	result, err = f.store.DeactivateCategory(ctx, f.org, "accounting_suite", "user:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vouchers", "payroll"}, result.Changed)
	assert.False(t, f.check(t, "vouchers", "").Allowed())
	assert.False(t, f.check(t, "payroll", "").Allowed())

	assert.Len(t, f.sync.Changes(), 4)

	_, err = f.store.ActivateCategory(ctx, f.org, "hr_suite", "user:1")
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestCategoryActivation_IsAtomic(t *testing.T) {
	f := newFixture(t)
	_, err := f.db.Exec(`
		CREATE TRIGGER reject_payroll BEFORE INSERT ON org_entitlements
		WHEN NEW.module_key = 'payroll'
		BEGIN SELECT RAISE(ABORT, 'payroll rejected'); END`)
	require.NoError(t, err)

	_, err = f.store.ActivateCategory(context.Background(), f.org, "accounting_suite", "user:1")
	require.Error(t, err)

	assert.False(t, f.check(t, "vouchers", "").Allowed(), "vouchers rolled back with payroll")
	assert.Empty(t, f.eventTypes(t))
	assert.Empty(t, f.sync.Changes())
}

func TestInitializeForOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	modules, err := f.store.InitializeForOrganization(ctx, f.org, "pro", []string{"inventory"}, "user:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"crm", "inventory", "payroll", "vouchers"}, modules)
	assert.True(t, f.check(t, "inventory", "").Allowed())
	assert.False(t, f.check(t, "manufacturing", "").Allowed())

	_, err = f.store.InitializeForOrganization(ctx, f.org, "platinum", nil, "user:1")
	assert.ErrorIs(t, err, ErrUnknownTier)
	_, err = f.store.InitializeForOrganization(ctx, f.org, "free", []string{"billing"}, "user:1")
	assert.ErrorIs(t, err, ErrUnknownModule)
}

func TestReconcileExpiredTrials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.set(t, "crm", "", StatusEnabled, nil)
	f.set(t, "crm", "leads", StatusTrial, timePtr(testNow.Add(time.Hour)))
	f.set(t, "inventory", "", StatusTrial, timePtr(testNow.Add(time.Hour)))
	f.set(t, "payroll", "", StatusTrial, timePtr(testNow.Add(72*time.Hour)))

	n, err := f.store.ReconcileExpiredTrials(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Set(testNow.Add(2 * time.Hour))
	n, err = f.store.ReconcileExpiredTrials(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var status string
	require.NoError(t, f.db.QueryRow(`SELECT status FROM org_entitlements WHERE module_key = 'inventory'`).Scan(&status))
	assert.Equal(t, "disabled", status)
	require.NoError(t, f.db.QueryRow(`SELECT status FROM org_sub_entitlements WHERE module_key = 'crm'`).Scan(&status))
	assert.Equal(t, "disabled", status)

	expired, err := f.events.List(ctx, audit.EventFilter{EventTypes: []audit.EntitlementEventType{audit.EventTrialExpired}})
	require.NoError(t, err)
	assert.Len(t, expired, 2)

	last := f.sync.Changes()[len(f.sync.Changes())-1]
	assert.Equal(t, StatusChange{OrganizationID: f.org, Module: "inventory", Old: StatusTrial, New: StatusDisabled, Actor: SystemActor}, last)

	n, err = f.store.ReconcileExpiredTrials(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetOrgEntitlements(t *testing.T) {
	f := newFixture(t)

	f.set(t, "crm", "", StatusEnabled, nil)
	f.set(t, "crm", "leads", StatusDisabled, nil)

	list, err := f.store.GetOrgEntitlements(context.Background(), f.org)
	require.NoError(t, err)
	require.Len(t, list, len(catalog.Default().ModuleKeys()))

	byKey := make(map[string]EffectiveEntitlement)
	for _, e := range list {
		byKey[e.Module] = e
	}

	crm := byKey["crm"]
	require.NotNil(t, crm.Status)
	assert.Equal(t, StatusEnabled, *crm.Status)
	assert.Equal(t, "sales_suite", crm.Category)
	require.Len(t, crm.Submodules, 3)
	for _, sub := range crm.Submodules {
		if sub.Submodule == "leads" {
			assert.Equal(t, StatusDisabled, sub.EffectiveStatus)
			assert.Equal(t, ReasonSubmoduleDisabled, sub.Reason)
		} else {
			assert.Equal(t, StatusEnabled, sub.EffectiveStatus)
			assert.Nil(t, sub.Status)
		}
	}

	assert.Nil(t, byKey["payroll"].Status)
	assert.Equal(t, ReasonNoEntitlement, byKey["payroll"].Reason)
	assert.Equal(t, ReasonAlwaysOn, byKey["email"].Reason)
}

func TestCheckEntitlement_ConcurrentMisses(t *testing.T) {
	f := newFixture(t)
	f.set(t, "crm", "", StatusEnabled, nil)

	var wg sync.WaitGroup
	results := make([]Decision, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := f.store.CheckEntitlement(context.Background(), f.org, "crm", "")
			assert.NoError(t, err)
			results[i] = d
		}(i)
	}
	wg.Wait()

	for _, d := range results {
		assert.True(t, d.Allowed())
	}
}

// interleavedCache runs beforeFill once, between the row load and the cache
// write, standing in for a second replica that commits in that window
type interleavedCache struct {
	*cache.RedisCache
	beforeFill func()
}

func (c *interleavedCache) SetAt(ctx context.Context, orgID int64, gen uint64, key string, entry cache.Entry) error {
	if fn := c.beforeFill; fn != nil {
		c.beforeFill = nil
		fn()
	}
	return c.RedisCache.SetAt(ctx, orgID, gen, key, entry)
}

func TestCheckEntitlement_SharedCacheAcrossReplicas(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	registry := catalog.NewRegistry(catalog.Default())
	shared := cache.NewRedisCacheFromClient(client, time.Minute, nil, nil)
	racing := &interleavedCache{RedisCache: shared}
	replicaA := NewStore(f.db, registry, f.events, Options{Cache: racing, Clock: f.clock})
	replicaB := NewStore(f.db, registry, f.events, Options{Cache: shared, Clock: f.clock})

	ctx := context.Background()
	_, err := replicaB.SetModuleStatus(ctx, Mutation{OrganizationID: f.org, Module: "crm", Status: StatusEnabled, Actor: "user:1"})
	require.NoError(t, err)

	racing.beforeFill = func() {
		_, err := replicaB.SetModuleStatus(ctx, Mutation{OrganizationID: f.org, Module: "crm", Status: StatusDisabled, Actor: "user:1"})
		require.NoError(t, err)
	}

	// the in-flight read still sees the row it loaded
	d, err := replicaA.CheckEntitlement(ctx, f.org, "crm", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed())
	assert.Nil(t, racing.beforeFill)

	// but its fill never lands over replica B's invalidation
	assert.False(t, mr.Exists("gk:ent:"+strconv.FormatInt(f.org, 10)+":crm"))
	d, err = replicaA.CheckEntitlement(ctx, f.org, "crm", "")
	require.NoError(t, err)
	assert.False(t, d.Allowed())
	assert.Equal(t, SourceDatabase, d.Source)

	// an uncontended fill is cached and served to the other replica
	d, err = replicaB.CheckEntitlement(ctx, f.org, "crm", "")
	require.NoError(t, err)
	assert.False(t, d.Allowed())
	assert.Equal(t, SourceCache, d.Source)
}
