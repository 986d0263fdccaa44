package permsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/async"
	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/catalog"
	"github.com/platinummonkey/gatekeeper/pkg/entitlements"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// Sync directions
const (
	DirectionRestore = "restore"
	DirectionRevoke  = "revoke"
)

// UserStore is the slice of rbac.Store used by the engine
type UserStore interface {
	ListUsersByRoles(ctx context.Context, orgID int64, roles ...rbac.Role) ([]*rbac.User, error)
	UpsertUserModulePermissions(ctx context.Context, orgID, userID int64, perms []rbac.UserModulePermission) (int, error)
	DeleteModulePermissions(ctx context.Context, orgID int64, module string) (int64, error)
}

// EventAppender records sync events
type EventAppender interface {
	Append(ctx context.Context, exec storage.DBTX, event *audit.EntitlementEvent) error
}

// SyncFailure collects the users a restore could not update
type SyncFailure struct {
	OrganizationID int64
	Module         string
	Users          map[int64]error
}

func (f *SyncFailure) Error() string {
	ids := make([]int64, 0, len(f.Users))
	for id := range f.Users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("user %d: %v", id, f.Users[id]))
	}
	return fmt.Sprintf("permission sync for org %d module %s failed for %d users: %s",
		f.OrganizationID, f.Module, len(ids), strings.Join(parts, "; "))
}

// Result describes one sync run
type Result struct {
	Direction string `json:"direction"`
	// Affected is the number of rows deleted on revoke, or users updated on
	// restore
	Affected int          `json:"affected"`
	Inserted int          `json:"inserted,omitempty"`
	Failure  *SyncFailure `json:"-"`
}

// Options tunes an Engine
type Options struct {
	// Workers bounds concurrent user updates during a restore
	Workers int
	// Timeout bounds one user update, or a whole detached run
	Timeout time.Duration
	// Async detaches OnStatusChange from the caller
	Async   bool
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Engine materializes permissions after entitlement transitions. It
// implements entitlements.SyncTrigger.
type Engine struct {
	store    UserStore
	events   EventAppender
	registry *catalog.Registry
	workers  int
	timeout  time.Duration
	async    bool
	logger   *observability.Logger
	metrics  *observability.Metrics
}

var _ entitlements.SyncTrigger = (*Engine)(nil)

// NewEngine creates a sync engine
func NewEngine(store UserStore, events EventAppender, registry *catalog.Registry, opts Options) *Engine {
	e := &Engine{
		store:    store,
		events:   events,
		registry: registry,
		workers:  opts.Workers,
		timeout:  opts.Timeout,
		async:    opts.Async,
		logger:   observability.OrNop(opts.Logger),
		metrics:  opts.Metrics,
	}
	if e.workers <= 0 {
		e.workers = 4
	}
	if e.timeout <= 0 {
		e.timeout = 30 * time.Second
	}
	return e
}

// OnStatusChange syncs a committed transition. Failures are logged only.
func (e *Engine) OnStatusChange(ctx context.Context, change entitlements.StatusChange) {
	if e.async {
		async.SafeGo(ctx, e.logger, e.timeout, "permission sync", func(ctx context.Context) error {
			_, err := e.Sync(ctx, change)
			return err
		})
		return
	}
	if _, err := e.Sync(ctx, change); err != nil {
		observability.FromContext(ctx, e.logger).WithError(err).WithFields(map[string]interface{}{
			"organization_id": change.OrganizationID,
			"module":          change.Module,
		}).Error("Permission sync failed")
	}
}

// Sync applies change and returns what it did. Per-user failures are
// reported in Result.Failure; the error is reserved for failures that
// stopped the whole run.
func (e *Engine) Sync(ctx context.Context, change entitlements.StatusChange) (*Result, error) {
	if change.Enabled() {
		return e.restore(ctx, change)
	}
	return e.revoke(ctx, change)
}

func (e *Engine) revoke(ctx context.Context, change entitlements.StatusChange) (*Result, error) {
	n, err := e.store.DeleteModulePermissions(ctx, change.OrganizationID, change.Module)
	if err != nil {
		e.metrics.ObserveSync(DirectionRevoke, 1)
		return nil, fmt.Errorf("failed to revoke permissions: %w", err)
	}

	if err := e.appendEvent(ctx, change, audit.EventPermissionsRevoked, int(n), nil); err != nil {
		return nil, err
	}
	e.metrics.ObserveSync(DirectionRevoke, 0)
	observability.FromContext(ctx, e.logger).WithFields(map[string]interface{}{
		"organization_id": change.OrganizationID,
		"module":          change.Module,
		"rows":            n,
	}).Info("Revoked module permissions")
	return &Result{Direction: DirectionRevoke, Affected: int(n)}, nil
}

func (e *Engine) restore(ctx context.Context, change entitlements.StatusChange) (*Result, error) {
	grants, err := e.grantsFor(change.Module)
	if err != nil {
		return nil, err
	}
	users, err := e.store.ListUsersByRoles(ctx, change.OrganizationID, rbac.RoleOrgAdmin, rbac.RoleManagement)
	if err != nil {
		e.metrics.ObserveSync(DirectionRestore, 1)
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	var inserted atomic.Int64
	errs := async.Batch(ctx, users, e.workers, "permission sync", e.timeout, func(ctx context.Context, u *rbac.User) error {
		perms := make([]rbac.UserModulePermission, len(grants))
		for i, g := range grants {
			g.OrganizationID = change.OrganizationID
			g.UserID = u.ID
			perms[i] = g
		}
		n, err := e.store.UpsertUserModulePermissions(ctx, change.OrganizationID, u.ID, perms)
		inserted.Add(int64(n))
		return err
	})

	result := &Result{Direction: DirectionRestore, Inserted: int(inserted.Load())}
	logger := observability.FromContext(ctx, e.logger)
	for i, err := range errs {
		if err == nil {
			result.Affected++
			continue
		}
		if result.Failure == nil {
			result.Failure = &SyncFailure{
				OrganizationID: change.OrganizationID,
				Module:         change.Module,
				Users:          make(map[int64]error),
			}
		}
		result.Failure.Users[users[i].ID] = err
		logger.WithError(err).WithFields(map[string]interface{}{
			"organization_id": change.OrganizationID,
			"module":          change.Module,
			"user_id":         users[i].ID,
		}).Warn("Skipping user during permission sync")
	}

	metadata := map[string]interface{}{"rows_inserted": result.Inserted}
	if result.Failure != nil {
		metadata["failed_users"] = len(result.Failure.Users)
	}
	if err := e.appendEvent(ctx, change, audit.EventPermissionsRestored, result.Affected, metadata); err != nil {
		return result, err
	}
	e.metrics.ObserveSync(DirectionRestore, async.Failed(errs))
	logger.WithFields(map[string]interface{}{
		"organization_id": change.OrganizationID,
		"module":          change.Module,
		"users":           result.Affected,
		"rows":            result.Inserted,
	}).Info("Restored module permissions")
	return result, nil
}

// grantsFor lists every concrete action of module, module-wide and per
// submodule
func (e *Engine) grantsFor(module string) ([]rbac.UserModulePermission, error) {
	cat := e.registry.Current()
	m, err := cat.Module(module)
	if err != nil {
		return nil, err
	}
	actions, err := cat.Actions(module)
	if err != nil {
		return nil, err
	}

	grants := make([]rbac.UserModulePermission, 0, len(actions)*(1+len(m.Submodules)))
	for _, action := range actions {
		grants = append(grants, rbac.UserModulePermission{ModuleKey: module, Action: action})
	}
	for _, sub := range m.Submodules {
		for _, action := range actions {
			grants = append(grants, rbac.UserModulePermission{ModuleKey: module, SubmoduleKey: sub.Key, Action: action})
		}
	}
	return grants, nil
}

func (e *Engine) appendEvent(ctx context.Context, change entitlements.StatusChange, eventType audit.EntitlementEventType, affected int, metadata map[string]interface{}) error {
	err := e.events.Append(ctx, nil, &audit.EntitlementEvent{
		OrganizationID: change.OrganizationID,
		ModuleKey:      change.Module,
		EventType:      eventType,
		OldStatus:      audit.StringPtr(string(change.Old)),
		NewStatus:      audit.StringPtr(string(change.New)),
		Actor:          change.Actor,
		AffectedCount:  affected,
		Metadata:       metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to record sync event: %w", err)
	}
	e.metrics.IncTransition(string(eventType))
	return nil
}
