package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/catalog"
)

var (
	// ErrInvalidPermission wraps every rejected permission, module or action
	ErrInvalidPermission = errors.New("invalid permission")
	// ErrUserNotFound is the same sentinel the OIDC verifier checks for
	ErrUserNotFound = auth.ErrUserNotFound
	// ErrRoleNotFound is returned for an unknown or foreign service role
	ErrRoleNotFound = errors.New("service role not found")
	// ErrRoleExists is returned for a duplicate service role name
	ErrRoleExists = errors.New("service role already exists")
	// ErrRoleMismatch is returned when a write does not apply to the user's role
	ErrRoleMismatch = errors.New("operation not valid for user role")
	// ErrUserExists is returned for a duplicate email
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidUser is returned for an inconsistent user record
	ErrInvalidUser = errors.New("invalid user")
)

// Role is the closed set of user roles
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleOrgAdmin   Role = "org_admin"
	RoleManagement Role = "management"
	RoleManager    Role = "manager"
	RoleExecutive  Role = "executive"
)

// Roles lists every role in descending privilege
var Roles = []Role{RoleSuperAdmin, RoleOrgAdmin, RoleManagement, RoleManager, RoleExecutive}

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidUser, s)
}

// IsOrgWide reports whether the role gets every catalog permission in its org
func (r Role) IsOrgWide() bool {
	return r == RoleOrgAdmin || r == RoleManagement
}

// Permission is a canonical module.action grant
type Permission struct {
	Module string `json:"module"`
	Action string `json:"action"`
}

// String returns the canonical form
func (p Permission) String() string {
	return p.Module + "." + p.Action
}

// ParsePermission accepts only the canonical module.action form. Catalog
// membership is checked by Validator.
func ParsePermission(s string) (Permission, error) {
	module, action, ok := strings.Cut(s, ".")
	if !ok || module == "" || action == "" || strings.Contains(action, ".") {
		return Permission{}, fmt.Errorf("%w: %q is not module.action", ErrInvalidPermission, s)
	}
	return Permission{Module: module, Action: action}, nil
}

// PermissionSet is a set of grants with module.manage expanded to CRUD
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set, expanding the manage wildcard
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set.Add(p)
	}
	return set
}

// Add inserts p, expanding manage
func (s PermissionSet) Add(p Permission) {
	if p.Action == catalog.ActionManage {
		for _, a := range catalog.CRUDActions {
			s[Permission{Module: p.Module, Action: a}] = struct{}{}
		}
		return
	}
	s[p] = struct{}{}
}

// Has reports whether p is granted. Asking for manage requires every CRUD
// action.
func (s PermissionSet) Has(p Permission) bool {
	if p.Action == catalog.ActionManage {
		for _, a := range catalog.CRUDActions {
			if _, ok := s[Permission{Module: p.Module, Action: a}]; !ok {
				return false
			}
		}
		return true
	}
	_, ok := s[p]
	return ok
}

// Strings returns the sorted canonical forms
func (s PermissionSet) Strings() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}

// ServiceRole is a named set of grants, scoped to an org or global when
// OrganizationID is nil
type ServiceRole struct {
	ID             int64     `json:"id"`
	OrganizationID *int64    `json:"organization_id,omitempty"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Permissions    []string  `json:"permissions"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// VisibleTo reports whether org may use the role
func (r *ServiceRole) VisibleTo(orgID int64) bool {
	return r.OrganizationID == nil || *r.OrganizationID == orgID
}

// SubModulePermissions maps module -> submodule -> actions
type SubModulePermissions map[string]map[string][]string

// Actions returns the granted actions for a module/submodule pair
func (p SubModulePermissions) Actions(module, submodule string) []string {
	if p == nil {
		return nil
	}
	return p[module][submodule]
}

// User is a member of an organization, or a platform super admin
type User struct {
	ID                   int64                `json:"id"`
	OrganizationID       *int64               `json:"organization_id,omitempty"`
	Email                string               `json:"email"`
	Name                 string               `json:"name"`
	Role                 Role                 `json:"role"`
	ServiceRoleID        *int64               `json:"service_role_id,omitempty"`
	ManagerID            *int64               `json:"manager_id,omitempty"`
	AssignedModules      []string             `json:"assigned_modules"`
	SubModulePermissions SubModulePermissions `json:"sub_module_permissions"`
	IsActive             bool                 `json:"is_active"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// IsSuperAdmin reports whether the user is a platform super admin
func (u *User) IsSuperAdmin() bool {
	return u != nil && u.Role == RoleSuperAdmin
}

// InOrg reports whether the user belongs to org
func (u *User) InOrg(orgID int64) bool {
	return u.OrganizationID != nil && *u.OrganizationID == orgID
}

// Validate checks the role-dependent shape of the record
func (u *User) Validate() error {
	if _, err := ParseRole(string(u.Role)); err != nil {
		return err
	}
	if strings.TrimSpace(u.Email) == "" || !strings.Contains(u.Email, "@") {
		return fmt.Errorf("%w: email is required", ErrInvalidUser)
	}
	if u.Role != RoleSuperAdmin && u.OrganizationID == nil {
		return fmt.Errorf("%w: %s requires an organization", ErrInvalidUser, u.Role)
	}
	if u.Role == RoleSuperAdmin && u.OrganizationID != nil {
		return fmt.Errorf("%w: super_admin is not scoped to an organization", ErrInvalidUser)
	}
	if u.ManagerID != nil && u.Role != RoleExecutive {
		return fmt.Errorf("%w: only executives have a manager", ErrInvalidUser)
	}
	if len(u.AssignedModules) > 0 && u.Role != RoleManager {
		return fmt.Errorf("%w: only managers have assigned modules", ErrInvalidUser)
	}
	if len(u.SubModulePermissions) > 0 && u.Role != RoleExecutive {
		return fmt.Errorf("%w: only executives have submodule permissions", ErrInvalidUser)
	}
	return nil
}

// UserModulePermission is a materialized grant written by permission sync
type UserModulePermission struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	UserID         int64     `json:"user_id"`
	ModuleKey      string    `json:"module_key"`
	SubmoduleKey   string    `json:"submodule_key,omitempty"`
	Action         string    `json:"action"`
	CreatedAt      time.Time `json:"created_at"`
}

// NormalizationReport summarizes a legacy permission pass
type NormalizationReport struct {
	RolesScanned int      `json:"roles_scanned"`
	RolesUpdated int      `json:"roles_updated"`
	UsersScanned int      `json:"users_scanned"`
	UsersUpdated int      `json:"users_updated"`
	Rewritten    int      `json:"rewritten"`
	Dropped      int      `json:"dropped"`
	DroppedKeys  []string `json:"dropped_keys,omitempty"`
}
