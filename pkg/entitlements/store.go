package entitlements

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/cache"
	"github.com/platinummonkey/gatekeeper/pkg/catalog"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// SystemActor is recorded for changes made by background jobs
const SystemActor = "system"

// Options carries the optional collaborators of a Store
type Options struct {
	Cache   cache.EntitlementCache
	Clock   quartz.Clock
	Sync    SyncTrigger
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Store reads and writes organization entitlements
type Store struct {
	db       *sql.DB
	registry *catalog.Registry
	events   *audit.EventStore
	cache    cache.EntitlementCache
	clock    quartz.Clock
	sync     SyncTrigger
	logger   *observability.Logger
	metrics  *observability.Metrics

	group singleflight.Group
	// genMu orders cache fills against invalidations. A fill that started
	// before an invalidation never lands after it.
	genMu       sync.RWMutex
	generations map[int64]uint64
}

// NewStore creates an entitlement store. Missing options fall back to a
// no-op cache, the real clock and no sync.
func NewStore(db *sql.DB, registry *catalog.Registry, events *audit.EventStore, opts Options) *Store {
	s := &Store{
		db:          db,
		registry:    registry,
		events:      events,
		cache:       opts.Cache,
		clock:       opts.Clock,
		sync:        opts.Sync,
		logger:      observability.OrNop(opts.Logger),
		metrics:     opts.Metrics,
		generations: make(map[int64]uint64),
	}
	if s.cache == nil {
		s.cache = cache.NewNoopCache()
	}
	if s.clock == nil {
		s.clock = quartz.NewReal()
	}
	return s
}

// SetSyncTrigger installs the trigger called after committed transitions
func (s *Store) SetSyncTrigger(t SyncTrigger) {
	s.sync = t
}

// Catalog returns the current catalog snapshot
func (s *Store) Catalog() *catalog.Catalog {
	return s.registry.Current()
}

// CheckEntitlement returns the effective entitlement of orgID for module,
// or for module/submodule when submodule is set. Unknown keys return
// ErrUnknownModule or ErrUnknownSubmodule.
func (s *Store) CheckEntitlement(ctx context.Context, orgID int64, module, submodule string) (Decision, error) {
	cat := s.registry.Current()
	m, err := cat.Module(module)
	if err != nil {
		return Decision{}, err
	}
	if submodule != "" {
		if _, err := cat.Submodule(module, submodule); err != nil {
			return Decision{}, err
		}
	}
	if m.AlwaysOn || m.RBACOnly {
		return decideModule(m, cache.Entry{}, time.Time{}), nil
	}

	now := s.clock.Now()
	parent, source, err := s.lookup(ctx, orgID, module, "")
	if err != nil {
		return Decision{}, err
	}
	d := decideModule(m, parent, now)
	d.Source = source
	if submodule == "" {
		return d, nil
	}

	if !d.Allowed() {
		d.Reason = ReasonParentDisabled
		return d, nil
	}
	row, subSource, err := s.lookup(ctx, orgID, module, submodule)
	if err != nil {
		return Decision{}, err
	}
	if subSource == SourceDatabase {
		d.Source = SourceDatabase
	}
	return decideSubmodule(d, row, now), nil
}

func evaluate(row cache.Entry, now time.Time) (Status, string) {
	if !row.Found {
		return StatusDisabled, ReasonNoEntitlement
	}
	switch Status(row.Status) {
	case StatusEnabled:
		return StatusEnabled, ReasonEnabled
	case StatusTrial:
		if trialLapsed(row.TrialExpiresAt, now) {
			return StatusDisabled, ReasonTrialExpired
		}
		return StatusTrial, ReasonTrialActive
	default:
		return StatusDisabled, ReasonDisabled
	}
}

func trialLapsed(expiresAt *time.Time, now time.Time) bool {
	return expiresAt == nil || !now.Before(*expiresAt)
}

func decideModule(m *catalog.Module, row cache.Entry, now time.Time) Decision {
	switch {
	case m.AlwaysOn:
		return Decision{Status: StatusEnabled, ModuleStatus: StatusEnabled, Reason: ReasonAlwaysOn, Source: SourceCatalog}
	case m.RBACOnly:
		return Decision{Status: StatusEnabled, ModuleStatus: StatusEnabled, Reason: ReasonRBACOnly, Source: SourceCatalog}
	}
	status, reason := evaluate(row, now)
	d := Decision{Status: status, ModuleStatus: status, Reason: reason}
	if status == StatusTrial {
		d.TrialExpiresAt = row.TrialExpiresAt
	}
	return d
}

// decideSubmodule narrows an allowed parent decision by the submodule row.
// A submodule without a row inherits its parent.
func decideSubmodule(parent Decision, row cache.Entry, now time.Time) Decision {
	if !parent.Allowed() {
		parent.Reason = ReasonParentDisabled
		return parent
	}
	if !row.Found {
		return parent
	}
	status, _ := evaluate(row, now)
	d := parent
	switch status {
	case StatusDisabled:
		d.Status = StatusDisabled
		d.Reason = ReasonSubmoduleDisabled
		d.TrialExpiresAt = nil
	case StatusTrial:
		d.Status = StatusTrial
		d.Reason = ReasonTrialActive
		d.TrialExpiresAt = earliest(parent.TrialExpiresAt, row.TrialExpiresAt)
	}
	return d
}

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}

// lookup returns the row for module/submodule through the cache. Misses are
// collapsed per (org, generation, key).
func (s *Store) lookup(ctx context.Context, orgID int64, module, submodule string) (cache.Entry, string, error) {
	key := cache.Key(module, submodule)
	entry, ok, err := s.cache.Get(ctx, orgID, key)
	if err != nil {
		observability.FromContext(ctx, s.logger).WithError(err).Warn("Entitlement cache read failed")
	} else if ok {
		return entry, SourceCache, nil
	}

	gen := s.generation(orgID)
	v, err, _ := s.group.Do(fmt.Sprintf("%d:%d:%s", orgID, gen, key), func() (interface{}, error) {
		// A shared cache is versioned before the read so invalidations from
		// other replicas are seen too.
		shared, sharedGen, fillable := s.sharedGeneration(ctx, orgID)
		entry, err := loadRow(ctx, s.db, orgID, module, submodule)
		if err != nil {
			return cache.Entry{}, err
		}
		if fillable {
			s.fill(ctx, orgID, gen, func() error {
				if shared != nil {
					return shared.SetAt(ctx, orgID, sharedGen, key, entry)
				}
				return s.cache.Set(ctx, orgID, key, entry)
			})
		}
		return entry, nil
	})
	if err != nil {
		return cache.Entry{}, "", err
	}
	return v.(cache.Entry), SourceDatabase, nil
}

func (s *Store) generation(orgID int64) uint64 {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	return s.generations[orgID]
}

// sharedGeneration reads the generation of a cache shared with other
// replicas. When it cannot be read the row is served without filling.
func (s *Store) sharedGeneration(ctx context.Context, orgID int64) (cache.Generational, uint64, bool) {
	shared, ok := s.cache.(cache.Generational)
	if !ok {
		return nil, 0, true
	}
	gen, err := shared.Generation(ctx, orgID)
	if err != nil {
		observability.FromContext(ctx, s.logger).WithError(err).Warn("Entitlement cache read failed")
		return nil, 0, false
	}
	return shared, gen, true
}

func (s *Store) fill(ctx context.Context, orgID int64, gen uint64, set func() error) {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	if s.generations[orgID] != gen {
		return
	}
	if err := set(); err != nil {
		observability.FromContext(ctx, s.logger).WithError(err).Warn("Entitlement cache write failed")
	}
}

// invalidate drops the organization's cache entries. The write has already
// committed, so a failure is logged and the TTL bounds the staleness.
func (s *Store) invalidate(ctx context.Context, orgID int64) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.generations[orgID]++
	if err := s.cache.InvalidateOrg(ctx, orgID); err != nil {
		observability.FromContext(ctx, s.logger).WithError(err).WithField("organization_id", orgID).
			Error("Failed to invalidate entitlement cache")
	}
}

func loadRow(ctx context.Context, q storage.DBTX, orgID int64, module, submodule string) (cache.Entry, error) {
	var (
		status    string
		expiresAt sql.NullTime
		err       error
	)
	if submodule == "" {
		err = q.QueryRowContext(ctx,
			`SELECT status, trial_expires_at FROM org_entitlements WHERE organization_id = $1 AND module_key = $2`,
			orgID, module).Scan(&status, &expiresAt)
	} else {
		err = q.QueryRowContext(ctx,
			`SELECT status, trial_expires_at FROM org_sub_entitlements
			WHERE organization_id = $1 AND module_key = $2 AND submodule_key = $3`,
			orgID, module, submodule).Scan(&status, &expiresAt)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, nil
	}
	if err != nil {
		return cache.Entry{}, fmt.Errorf("failed to load entitlement: %w", err)
	}
	entry := cache.Entry{Found: true, Status: status}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		entry.TrialExpiresAt = &t
	}
	return entry, nil
}

// SetModuleStatus writes one module or submodule status. A lapsed trial on
// the row is persisted as disabled first. Writing the current status again
// records nothing.
func (s *Store) SetModuleStatus(ctx context.Context, m Mutation) (*Change, error) {
	now := s.clock.Now().UTC()
	if err := s.validateMutation(&m, now); err != nil {
		return nil, err
	}

	var change Change
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		change, err = s.applyInTx(ctx, tx, m, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, m.OrganizationID, m.Actor, []Change{change})
	return &change, nil
}

func (s *Store) validateMutation(m *Mutation, now time.Time) error {
	if !m.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidMutation, m.Status)
	}
	cat := s.registry.Current()
	if _, err := cat.Module(m.Module); err != nil {
		return err
	}
	if m.Submodule != "" {
		if _, err := cat.Submodule(m.Module, m.Submodule); err != nil {
			return err
		}
	}
	if m.Status != StatusTrial {
		m.TrialExpiresAt = nil
		return nil
	}
	if m.TrialExpiresAt == nil {
		return fmt.Errorf("%w: trial_expires_at is required for a trial", ErrInvalidMutation)
	}
	if !m.TrialExpiresAt.After(now) {
		return fmt.Errorf("%w: trial_expires_at must be in the future", ErrInvalidMutation)
	}
	t := m.TrialExpiresAt.UTC()
	m.TrialExpiresAt = &t
	return nil
}

func (s *Store) applyInTx(ctx context.Context, tx *sql.Tx, m Mutation, now time.Time) (Change, error) {
	current, err := loadRow(ctx, tx, m.OrganizationID, m.Module, m.Submodule)
	if err != nil {
		return Change{}, err
	}

	change := Change{Module: m.Module, Submodule: m.Submodule, NewStatus: m.Status}
	if current.Found {
		change.OldStatus = Status(current.Status)
	}

	if current.Found && Status(current.Status) == StatusTrial && trialLapsed(current.TrialExpiresAt, now) {
		if err := s.expireInTx(ctx, tx, m.OrganizationID, m.Module, m.Submodule, m.Actor, now); err != nil {
			return Change{}, err
		}
		change.Changed = true
		change.TrialExpired = true
		change.events = append(change.events, audit.EventTrialExpired)
		current = cache.Entry{Found: true, Status: string(StatusDisabled)}
	}

	if current.Found && Status(current.Status) == m.Status && sameTime(current.TrialExpiresAt, m.TrialExpiresAt) {
		return change, nil
	}

	if err := upsertRow(ctx, tx, m, now); err != nil {
		return Change{}, err
	}

	event := &audit.EntitlementEvent{
		OrganizationID: m.OrganizationID,
		ModuleKey:      m.Module,
		SubmoduleKey:   audit.StringPtr(m.Submodule),
		EventType:      eventTypeFor(m.Status),
		OldStatus:      audit.StringPtr(current.Status),
		NewStatus:      audit.StringPtr(string(m.Status)),
		Actor:          m.Actor,
		CreatedAt:      now,
	}
	if m.TrialExpiresAt != nil {
		event.Metadata = map[string]interface{}{"trial_expires_at": m.TrialExpiresAt.Format(time.RFC3339)}
	}
	if err := s.events.Append(ctx, tx, event); err != nil {
		return Change{}, err
	}
	change.Changed = true
	change.events = append(change.events, event.EventType)
	return change, nil
}

func (s *Store) expireInTx(ctx context.Context, tx *sql.Tx, orgID int64, module, submodule, actor string, now time.Time) error {
	var err error
	if submodule == "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE org_entitlements SET status = $1, trial_expires_at = NULL, updated_by = $2, updated_at = $3
			WHERE organization_id = $4 AND module_key = $5`,
			string(StatusDisabled), actor, now, orgID, module)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE org_sub_entitlements SET status = $1, trial_expires_at = NULL, updated_by = $2, updated_at = $3
			WHERE organization_id = $4 AND module_key = $5 AND submodule_key = $6`,
			string(StatusDisabled), actor, now, orgID, module, submodule)
	}
	if err != nil {
		return fmt.Errorf("failed to expire trial: %w", err)
	}

	return s.events.Append(ctx, tx, &audit.EntitlementEvent{
		OrganizationID: orgID,
		ModuleKey:      module,
		SubmoduleKey:   audit.StringPtr(submodule),
		EventType:      audit.EventTrialExpired,
		OldStatus:      audit.StringPtr(string(StatusTrial)),
		NewStatus:      audit.StringPtr(string(StatusDisabled)),
		Actor:          actor,
		CreatedAt:      now,
	})
}

func upsertRow(ctx context.Context, tx *sql.Tx, m Mutation, now time.Time) error {
	var err error
	if m.Submodule == "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO org_entitlements (organization_id, module_key, status, trial_expires_at, updated_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (organization_id, module_key) DO UPDATE SET
				status = EXCLUDED.status,
				trial_expires_at = EXCLUDED.trial_expires_at,
				updated_by = EXCLUDED.updated_by,
				updated_at = EXCLUDED.updated_at`,
			m.OrganizationID, m.Module, string(m.Status), m.TrialExpiresAt, m.Actor, now)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO org_sub_entitlements (organization_id, module_key, submodule_key, status, trial_expires_at, updated_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			ON CONFLICT (organization_id, module_key, submodule_key) DO UPDATE SET
				status = EXCLUDED.status,
				trial_expires_at = EXCLUDED.trial_expires_at,
				updated_by = EXCLUDED.updated_by,
				updated_at = EXCLUDED.updated_at`,
			m.OrganizationID, m.Module, m.Submodule, string(m.Status), m.TrialExpiresAt, m.Actor, now)
	}
	if err != nil {
		return fmt.Errorf("failed to write entitlement: %w", err)
	}
	return nil
}

func eventTypeFor(status Status) audit.EntitlementEventType {
	switch status {
	case StatusEnabled:
		return audit.EventGranted
	case StatusTrial:
		return audit.EventTrialStarted
	default:
		return audit.EventRevoked
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// afterCommit invalidates the cache and hands module-level flips to the
// sync trigger
func (s *Store) afterCommit(ctx context.Context, orgID int64, actor string, changes []Change) {
	changed := false
	for _, c := range changes {
		if c.Changed {
			changed = true
			break
		}
	}
	if !changed {
		return
	}
	s.invalidate(ctx, orgID)

	logger := observability.FromContext(ctx, s.logger)
	cat := s.registry.Current()
	for _, c := range changes {
		if !c.Changed {
			continue
		}
		for _, eventType := range c.events {
			s.metrics.IncTransition(string(eventType))
		}
		logger.WithFields(map[string]interface{}{
			"organization_id": orgID,
			"module":          c.Module,
			"submodule":       c.Submodule,
			"old_status":      c.OldStatus,
			"new_status":      c.NewStatus,
			"actor":           actor,
		}).Info("Entitlement changed")

		if c.Submodule != "" || s.sync == nil {
			continue
		}
		m, err := cat.Module(c.Module)
		if err != nil || m.AlwaysOn || m.RBACOnly {
			continue
		}
		old := c.OldStatus
		if c.TrialExpired {
			// The lapsed trial was persisted as disabled first; only the net
			// transition is synced.
			if !c.NewStatus.Allows() {
				s.sync.OnStatusChange(ctx, StatusChange{
					OrganizationID: orgID,
					Module:         c.Module,
					Old:            StatusTrial,
					New:            StatusDisabled,
					Actor:          actor,
				})
				continue
			}
			old = StatusDisabled
		}
		if old.Allows() == c.NewStatus.Allows() {
			continue
		}
		s.sync.OnStatusChange(ctx, StatusChange{
			OrganizationID: orgID,
			Module:         c.Module,
			Old:            old,
			New:            c.NewStatus,
			Actor:          actor,
		})
	}
}

// ActivateCategory enables every module of category for orgID in one
// transaction
func (s *Store) ActivateCategory(ctx context.Context, orgID int64, category, actor string) (*CategoryResult, error) {
	return s.setCategory(ctx, orgID, category, StatusEnabled, actor)
}

// DeactivateCategory disables every module of category for orgID in one
// transaction
func (s *Store) DeactivateCategory(ctx context.Context, orgID int64, category, actor string) (*CategoryResult, error) {
	return s.setCategory(ctx, orgID, category, StatusDisabled, actor)
}

func (s *Store) setCategory(ctx context.Context, orgID int64, category string, status Status, actor string) (*CategoryResult, error) {
	cat, err := s.registry.Current().Category(category)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	changes, err := s.applyAll(ctx, orgID, cat.Modules, status, actor, now)
	if err != nil {
		return nil, fmt.Errorf("failed to set category %s: %w", category, err)
	}
	s.afterCommit(ctx, orgID, actor, changes)

	result := &CategoryResult{Category: category, Status: status, Changed: []string{}, Unchanged: []string{}}
	for _, c := range changes {
		if c.Changed {
			result.Changed = append(result.Changed, c.Module)
		} else {
			result.Unchanged = append(result.Unchanged, c.Module)
		}
	}
	return result, nil
}

func (s *Store) applyAll(ctx context.Context, orgID int64, modules []string, status Status, actor string, now time.Time) ([]Change, error) {
	changes := make([]Change, 0, len(modules))
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, module := range modules {
			c, err := s.applyInTx(ctx, tx, Mutation{
				OrganizationID: orgID,
				Module:         module,
				Status:         status,
				Actor:          actor,
			}, now)
			if err != nil {
				return err
			}
			changes = append(changes, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// InitializeForOrganization enables the modules of tier plus extraModules.
// Every other module is left without a row and so stays denied.
func (s *Store) InitializeForOrganization(ctx context.Context, orgID int64, tier string, extraModules []string, actor string) ([]string, error) {
	modules, err := s.InitialModules(tier, extraModules)
	if err != nil {
		return nil, err
	}

	changes, err := s.applyAll(ctx, orgID, modules, StatusEnabled, actor, s.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize entitlements: %w", err)
	}
	s.afterCommit(ctx, orgID, actor, changes)
	return modules, nil
}

// InitialModules returns the sorted modules a new organization on tier
// starts with
func (s *Store) InitialModules(tier string, extraModules []string) ([]string, error) {
	cat := s.registry.Current()
	if !cat.HasTier(tier) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}

	set := make(map[string]struct{})
	for _, m := range cat.TierModules(tier) {
		set[m] = struct{}{}
	}
	for _, m := range extraModules {
		if !cat.HasModule(m) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownModule, m)
		}
		set[m] = struct{}{}
	}
	modules := make([]string, 0, len(set))
	for m := range set {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	return modules, nil
}

type lapsedTrial struct {
	orgID     int64
	module    string
	submodule string
}

// ReconcileExpiredTrials persists every lapsed trial as disabled. Reads
// already treat lapsed trials as disabled, so this only keeps the stored
// rows, the event log and the materialized permissions in line.
func (s *Store) ReconcileExpiredTrials(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	var lapsed []lapsedTrial

	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		lapsed, err = findLapsedTrials(ctx, tx, now)
		if err != nil {
			return err
		}
		for _, l := range lapsed {
			if err := s.expireInTx(ctx, tx, l.orgID, l.module, l.submodule, SystemActor, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	byOrg := make(map[int64][]Change)
	var orgIDs []int64
	for _, l := range lapsed {
		if _, ok := byOrg[l.orgID]; !ok {
			orgIDs = append(orgIDs, l.orgID)
		}
		byOrg[l.orgID] = append(byOrg[l.orgID], Change{
			Module:       l.module,
			Submodule:    l.submodule,
			OldStatus:    StatusTrial,
			NewStatus:    StatusDisabled,
			Changed:      true,
			TrialExpired: true,
			events:       []audit.EntitlementEventType{audit.EventTrialExpired},
		})
	}
	for _, orgID := range orgIDs {
		s.afterCommit(ctx, orgID, SystemActor, byOrg[orgID])
	}

	if len(lapsed) > 0 {
		s.logger.WithField("count", len(lapsed)).Info("Reconciled expired trials")
	}
	return len(lapsed), nil
}

func findLapsedTrials(ctx context.Context, tx *sql.Tx, now time.Time) ([]lapsedTrial, error) {
	var lapsed []lapsedTrial
	queries := []string{
		`SELECT organization_id, module_key, '', trial_expires_at FROM org_entitlements
		WHERE status = $1 ORDER BY organization_id, module_key`,
		`SELECT organization_id, module_key, submodule_key, trial_expires_at FROM org_sub_entitlements
		WHERE status = $1 ORDER BY organization_id, module_key, submodule_key`,
	}
	for _, query := range queries {
		rows, err := tx.QueryContext(ctx, query, string(StatusTrial))
		if err != nil {
			return nil, fmt.Errorf("failed to list trials: %w", err)
		}
		for rows.Next() {
			var (
				l         lapsedTrial
				expiresAt sql.NullTime
			)
			if err := rows.Scan(&l.orgID, &l.module, &l.submodule, &expiresAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan trial: %w", err)
			}
			var exp *time.Time
			if expiresAt.Valid {
				exp = &expiresAt.Time
			}
			if trialLapsed(exp, now) {
				lapsed = append(lapsed, l)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return lapsed, nil
}

// GetOrgEntitlements lists every catalog module with the organization's
// persisted row and effective status. Rows for modules no longer in the
// catalog are left out.
func (s *Store) GetOrgEntitlements(ctx context.Context, orgID int64) ([]EffectiveEntitlement, error) {
	modules, subs, err := s.loadOrgRows(ctx, orgID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	cat := s.registry.Current()
	out := make([]EffectiveEntitlement, 0, len(cat.ModuleKeys()))
	for _, m := range cat.Modules() {
		row := modules[m.Key]
		d := decideModule(&m, row, now)
		e := EffectiveEntitlement{
			Module:          m.Key,
			Name:            m.Name,
			Category:        m.Category,
			AlwaysOn:        m.AlwaysOn,
			RBACOnly:        m.RBACOnly,
			EffectiveStatus: d.Status,
			Reason:          d.Reason,
		}
		if row.Found {
			st := Status(row.Status)
			e.Status = &st
			e.TrialExpiresAt = row.TrialExpiresAt
		}
		for _, sub := range m.Submodules {
			subRow := subs[m.Key][sub.Key]
			sd := decideSubmodule(d, subRow, now)
			se := EffectiveSubEntitlement{
				Submodule:       sub.Key,
				Name:            sub.Name,
				EffectiveStatus: sd.Status,
				Reason:          sd.Reason,
			}
			if subRow.Found {
				st := Status(subRow.Status)
				se.Status = &st
				se.TrialExpiresAt = subRow.TrialExpiresAt
			}
			e.Submodules = append(e.Submodules, se)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) loadOrgRows(ctx context.Context, orgID int64) (map[string]cache.Entry, map[string]map[string]cache.Entry, error) {
	modules := make(map[string]cache.Entry)
	subs := make(map[string]map[string]cache.Entry)

	queries := []string{
		`SELECT module_key, '', status, trial_expires_at FROM org_entitlements WHERE organization_id = $1`,
		`SELECT module_key, submodule_key, status, trial_expires_at FROM org_sub_entitlements WHERE organization_id = $1`,
	}
	for _, query := range queries {
		rows, err := s.db.QueryContext(ctx, query, orgID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list entitlements: %w", err)
		}
		for rows.Next() {
			var (
				module, sub string
				expiresAt   sql.NullTime
			)
			entry := cache.Entry{Found: true}
			if err := rows.Scan(&module, &sub, &entry.Status, &expiresAt); err != nil {
				rows.Close()
				return nil, nil, fmt.Errorf("failed to scan entitlement: %w", err)
			}
			if expiresAt.Valid {
				t := expiresAt.Time.UTC()
				entry.TrialExpiresAt = &t
			}
			if sub == "" {
				modules[module] = entry
				continue
			}
			if subs[module] == nil {
				subs[module] = make(map[string]cache.Entry)
			}
			subs[module][sub] = entry
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, nil, err
		}
	}
	return modules, subs, nil
}

// ListCategories returns the catalog's categories
func (s *Store) ListCategories() []catalog.Category {
	return s.registry.Current().Categories()
}

// ListEvents returns entitlement events of one organization
func (s *Store) ListEvents(ctx context.Context, filter audit.EventFilter) ([]*audit.EntitlementEvent, error) {
	return s.events.List(ctx, filter)
}
