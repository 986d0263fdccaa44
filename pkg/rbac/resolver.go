package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/platinummonkey/gatekeeper/pkg/catalog"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// Resolution reasons
const (
	ReasonSuperAdmin          = "super_admin"
	ReasonOrgRole             = "org_role"
	ReasonServiceRoleGrant    = "service_role_grant"
	ReasonSubmoduleGrant      = "submodule_grant"
	ReasonInactiveUser        = "inactive_user"
	ReasonUnknownPermission   = "unknown_permission"
	ReasonModuleNotAssigned   = "module_not_assigned"
	ReasonNoServiceRole       = "no_service_role"
	ReasonPermissionNotGrant  = "permission_not_granted"
	ReasonSubmoduleRequired   = "submodule_required"
	ReasonSubmoduleNotGranted = "submodule_action_not_granted"
	ReasonManagerDenied       = "manager_denied"
	ReasonManagerUnavailable  = "manager_unavailable"
	ReasonUnknownRole         = "unknown_role"
)

// maxManagerDepth bounds executive -> manager chains
const maxManagerDepth = 4

// Request is one permission check
type Request struct {
	Module    string `json:"module"`
	Submodule string `json:"submodule,omitempty"`
	Action    string `json:"action"`
}

// Permission returns the module-level permission being asked for
func (r Request) Permission() Permission {
	return Permission{Module: r.Module, Action: r.Action}
}

// Resolution is the outcome of a permission check
type Resolution struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	// Bypass is set when the grant came from super admin rather than data
	Bypass bool `json:"bypass,omitempty"`
}

func allow(reason string) Resolution { return Resolution{Allowed: true, Reason: reason} }
func deny(reason string) Resolution  { return Resolution{Reason: reason} }

// UserSource loads users and service roles for resolution
type UserSource interface {
	GetUser(ctx context.Context, id int64) (*User, error)
	GetServiceRole(ctx context.Context, id int64) (*ServiceRole, error)
}

// Resolver answers "may this user perform module.action"
type Resolver struct {
	source    UserSource
	validator *Validator
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewResolver creates a resolver. metrics may be nil.
func NewResolver(source UserSource, validator *Validator, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		source:    source,
		validator: validator,
		logger:    observability.OrNop(logger),
		metrics:   metrics,
	}
}

// ResolvePermission decides a request for user. Errors are reserved for
// storage failures; every policy outcome is a Resolution.
func (r *Resolver) ResolvePermission(ctx context.Context, user *User, req Request) (Resolution, error) {
	return r.resolve(ctx, user, req, 0)
}

func (r *Resolver) resolve(ctx context.Context, user *User, req Request, depth int) (Resolution, error) {
	if user.Role == RoleSuperAdmin {
		return Resolution{Allowed: true, Reason: ReasonSuperAdmin, Bypass: true}, nil
	}
	if !user.IsActive {
		return deny(ReasonInactiveUser), nil
	}
	if !r.validator.Catalog().ValidAction(req.Module, req.Action) {
		return deny(ReasonUnknownPermission), nil
	}

	switch user.Role {
	case RoleOrgAdmin, RoleManagement:
		return allow(ReasonOrgRole), nil
	case RoleManager:
		return r.resolveManager(ctx, user, req)
	case RoleExecutive:
		return r.resolveExecutive(ctx, user, req, depth)
	default:
		return deny(ReasonUnknownRole), nil
	}
}

func (r *Resolver) resolveManager(ctx context.Context, user *User, req Request) (Resolution, error) {
	modules, dropped := r.validator.FilterModules(user.AssignedModules)
	r.warnFiltered(ctx, user, "assigned_modules", dropped)
	if _, ok := modules[req.Module]; !ok {
		return deny(ReasonModuleNotAssigned), nil
	}

	if user.ServiceRoleID == nil {
		return deny(ReasonNoServiceRole), nil
	}
	role, err := r.source.GetServiceRole(ctx, *user.ServiceRoleID)
	if errors.Is(err, ErrRoleNotFound) {
		return deny(ReasonNoServiceRole), nil
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to load service role: %w", err)
	}
	if user.OrganizationID == nil || !role.VisibleTo(*user.OrganizationID) {
		return deny(ReasonNoServiceRole), nil
	}

	grants, dropped := r.validator.FilterPermissions(role.Permissions)
	r.warnFiltered(ctx, user, "service_role", dropped)
	if !grants.Has(req.Permission()) {
		return deny(ReasonPermissionNotGrant), nil
	}
	return allow(ReasonServiceRoleGrant), nil
}

func (r *Resolver) resolveExecutive(ctx context.Context, user *User, req Request, depth int) (Resolution, error) {
	if req.Submodule == "" {
		return deny(ReasonSubmoduleRequired), nil
	}

	actions, dropped := r.validator.FilterActions(req.Module, req.Submodule, user.SubModulePermissions.Actions(req.Module, req.Submodule))
	r.warnFiltered(ctx, user, "sub_module_permissions", dropped)
	if !hasAction(actions, req.Action) {
		return deny(ReasonSubmoduleNotGranted), nil
	}

	if user.ManagerID == nil {
		return allow(ReasonSubmoduleGrant), nil
	}
	if depth >= maxManagerDepth {
		return deny(ReasonManagerUnavailable), nil
	}

	manager, err := r.source.GetUser(ctx, *user.ManagerID)
	if errors.Is(err, ErrUserNotFound) {
		return deny(ReasonManagerUnavailable), nil
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to load manager: %w", err)
	}
	if user.OrganizationID == nil || !manager.InOrg(*user.OrganizationID) {
		return deny(ReasonManagerUnavailable), nil
	}

	managerRes, err := r.resolve(ctx, manager, req, depth+1)
	if err != nil {
		return Resolution{}, err
	}
	if !managerRes.Allowed {
		return deny(ReasonManagerDenied), nil
	}
	return allow(ReasonSubmoduleGrant), nil
}

func hasAction(actions map[string]struct{}, action string) bool {
	if action == catalog.ActionManage {
		for _, a := range catalog.CRUDActions {
			if _, ok := actions[a]; !ok {
				return false
			}
		}
		return true
	}
	_, ok := actions[action]
	return ok
}

func (r *Resolver) warnFiltered(ctx context.Context, user *User, source string, dropped []string) {
	if len(dropped) == 0 {
		return
	}
	r.metrics.IncFiltered(source, len(dropped))
	observability.FromContext(ctx, r.logger).WithFields(map[string]interface{}{
		"user_id": user.ID,
		"source":  source,
		"dropped": dropped,
	}).Warn("Ignoring permission data not defined in the catalog")
}

// EffectiveGrant is one allowed module/submodule/action triple
type EffectiveGrant struct {
	Module    string `json:"module"`
	Submodule string `json:"submodule,omitempty"`
	Action    string `json:"action"`
}

// EffectivePermissions enumerates everything user is allowed to do under
// the current catalog. Executives are enumerated per submodule.
func (r *Resolver) EffectivePermissions(ctx context.Context, user *User) ([]EffectiveGrant, error) {
	cat := r.validator.Catalog()
	grants := make([]EffectiveGrant, 0)

	for _, module := range cat.Modules() {
		actions, err := cat.Actions(module.Key)
		if err != nil {
			return nil, err
		}
		targets := []string{""}
		if user.Role == RoleExecutive {
			targets = targets[:0]
			for _, sub := range module.Submodules {
				targets = append(targets, sub.Key)
			}
		}
		for _, sub := range targets {
			for _, action := range actions {
				res, err := r.ResolvePermission(ctx, user, Request{Module: module.Key, Submodule: sub, Action: action})
				if err != nil {
					return nil, err
				}
				if res.Allowed {
					grants = append(grants, EffectiveGrant{Module: module.Key, Submodule: sub, Action: action})
				}
			}
		}
	}

	sort.SliceStable(grants, func(i, j int) bool {
		if grants[i].Module != grants[j].Module {
			return grants[i].Module < grants[j].Module
		}
		return grants[i].Submodule < grants[j].Submodule
	})
	return grants, nil
}
