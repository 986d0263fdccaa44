package rbac

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// Handlers provides HTTP handlers for RBAC administration. Every route is
// scoped to the {org_id} path segment; callers mount them behind access
// middleware that resolves that org.
type Handlers struct {
	store    *Store
	resolver *Resolver
	audit    audit.Logger
	logger   *observability.Logger
	scope    TenantScope
}

// TenantScope decides whether a resource owned by resourceOrgID may be shown
// for r. Any error hides the resource as not found.
type TenantScope func(r *http.Request, resourceOrgID int64) error

// NewHandlers creates new RBAC handlers
func NewHandlers(store *Store, resolver *Resolver, auditLogger audit.Logger, logger *observability.Logger) *Handlers {
	return &Handlers{
		store:    store,
		resolver: resolver,
		audit:    audit.OrNoOp(auditLogger),
		logger:   observability.OrNop(logger),
	}
}

// SetTenantScope adds a check on top of the {org_id} path match for every
// role or user looked up by id
func (h *Handlers) SetTenantScope(scope TenantScope) {
	h.scope = scope
}

// owns reports whether a resource of resourceOrgID belongs to the path org
// and passes the tenant scope
func (h *Handlers) owns(r *http.Request, orgID, resourceOrgID int64) bool {
	if orgID != resourceOrgID {
		return false
	}
	return h.scope == nil || h.scope(r, resourceOrgID) == nil
}

// RegisterRoutes registers all RBAC routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	org := router.PathPrefix("/admin/organizations/{org_id:[0-9]+}").Subrouter()

	// Service roles
	org.HandleFunc("/roles", h.ListRoles).Methods(http.MethodGet)
	org.HandleFunc("/roles", h.CreateRole).Methods(http.MethodPost)
	org.HandleFunc("/roles/{role_id:[0-9]+}", h.GetRole).Methods(http.MethodGet)
	org.HandleFunc("/roles/{role_id:[0-9]+}", h.UpdateRole).Methods(http.MethodPut)
	org.HandleFunc("/roles/{role_id:[0-9]+}", h.DeleteRole).Methods(http.MethodDelete)

	// Users and assignments
	org.HandleFunc("/users", h.ListUsers).Methods(http.MethodGet)
	org.HandleFunc("/users", h.CreateUser).Methods(http.MethodPost)
	org.HandleFunc("/users/{user_id:[0-9]+}", h.GetUser).Methods(http.MethodGet)
	org.HandleFunc("/users/{user_id:[0-9]+}/modules", h.AssignModules).Methods(http.MethodPut)
	org.HandleFunc("/users/{user_id:[0-9]+}/submodule-permissions", h.SetSubModulePermissions).Methods(http.MethodPut)
	org.HandleFunc("/users/{user_id:[0-9]+}/service-role", h.SetServiceRole).Methods(http.MethodPut)
	org.HandleFunc("/users/{user_id:[0-9]+}/permissions", h.GetUserPermissions).Methods(http.MethodGet)
}

// writeError maps store errors onto status codes
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidPermission), errors.Is(err, ErrInvalidUser), errors.Is(err, ErrRoleMismatch):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrRoleNotFound):
		httputil.WriteNotFound(w, err.Error())
	case errors.Is(err, ErrRoleExists), errors.Is(err, ErrUserExists):
		httputil.WriteConflict(w, err.Error())
	default:
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("RBAC request failed")
		httputil.WriteInternalError(w)
	}
}

func (h *Handlers) logMutation(r *http.Request, orgID int64, eventType audit.EventType, resourceType audit.ResourceType, resourceID int64, message string, metadata map[string]interface{}) {
	err := h.audit.LogMutation(r.Context(), audit.Mutation{
		Actor:        audit.ActorFromContext(r.Context(), &orgID),
		EventType:    eventType,
		ResourceType: resourceType,
		ResourceID:   strconv.FormatInt(resourceID, 10),
		Message:      message,
		Metadata:     metadata,
	})
	if err != nil {
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("Failed to write audit event")
	}
}

// orgRole loads a role and hides roles owned by other orgs
func (h *Handlers) orgRole(w http.ResponseWriter, r *http.Request, orgID int64) (*ServiceRole, bool) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return nil, false
	}
	role, err := h.store.GetServiceRole(r.Context(), roleID)
	if errors.Is(err, ErrRoleNotFound) {
		httputil.WriteNotFound(w, "service role not found")
		return nil, false
	}
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	// global roles are shared by every org
	if role.OrganizationID != nil && !h.owns(r, orgID, *role.OrganizationID) {
		httputil.WriteNotFound(w, "service role not found")
		return nil, false
	}
	return role, true
}

// orgUser loads a user and hides users of other orgs
func (h *Handlers) orgUser(w http.ResponseWriter, r *http.Request, orgID int64) (*User, bool) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return nil, false
	}
	user, err := h.store.GetUser(r.Context(), userID)
	if errors.Is(err, ErrUserNotFound) {
		httputil.WriteNotFound(w, "user not found")
		return nil, false
	}
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	if user.OrganizationID == nil || !h.owns(r, orgID, *user.OrganizationID) {
		httputil.WriteNotFound(w, "user not found")
		return nil, false
	}
	return user, true
}

// ListRoles handles GET /admin/organizations/{org_id}/roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	roles, err := h.store.ListServiceRoles(r.Context(), orgID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"roles": roles})
}

type roleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

// CreateRole handles POST /admin/organizations/{org_id}/roles
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	var req roleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role := &ServiceRole{
		OrganizationID: &orgID,
		Name:           req.Name,
		Description:    req.Description,
		Permissions:    req.Permissions,
	}
	if err := h.store.CreateServiceRole(r.Context(), role); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logMutation(r, orgID, audit.EventTypeRoleCreated, audit.ResourceTypeRole, role.ID,
		"service role created", map[string]interface{}{"name": role.Name, "permissions": role.Permissions})
	httputil.WriteCreated(w, role)
}

// GetRole handles GET /admin/organizations/{org_id}/roles/{role_id}
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	role, ok := h.orgRole(w, r, orgID)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, role)
}

// UpdateRole handles PUT /admin/organizations/{org_id}/roles/{role_id}.
// Global roles are read-only through the org API.
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	role, ok := h.orgRole(w, r, orgID)
	if !ok {
		return
	}
	if role.OrganizationID == nil {
		httputil.WriteForbidden(w, "global service roles cannot be modified by an organization")
		return
	}

	var req roleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name != "" && req.Name != role.Name {
		httputil.WriteBadRequest(w, "service role names cannot be changed")
		return
	}

	previous := role.Permissions
	role.Description = req.Description
	role.Permissions = req.Permissions
	if err := h.store.UpdateServiceRole(r.Context(), role); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logMutation(r, orgID, audit.EventTypeRoleUpdated, audit.ResourceTypeRole, role.ID,
		"service role updated", map[string]interface{}{"before": previous, "after": role.Permissions})
	httputil.WriteSuccess(w, role)
}

// DeleteRole handles DELETE /admin/organizations/{org_id}/roles/{role_id}
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	role, ok := h.orgRole(w, r, orgID)
	if !ok {
		return
	}
	if role.OrganizationID == nil {
		httputil.WriteForbidden(w, "global service roles cannot be modified by an organization")
		return
	}
	if err := h.store.DeleteServiceRole(r.Context(), role.ID); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logMutation(r, orgID, audit.EventTypeRoleDeleted, audit.ResourceTypeRole, role.ID,
		"service role deleted", map[string]interface{}{"name": role.Name})
	httputil.WriteNoContent(w)
}

// ListUsers handles GET /admin/organizations/{org_id}/users
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}

	var (
		users []*User
		err   error
	)
	if raw := r.URL.Query().Get("role"); raw != "" {
		role, perr := ParseRole(raw)
		if perr != nil {
			httputil.WriteBadRequest(w, perr.Error())
			return
		}
		users, err = h.store.ListUsersByRoles(r.Context(), orgID, role)
	} else {
		users, err = h.store.ListUsers(r.Context(), orgID)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"users": users})
}

type createUserRequest struct {
	Email                string               `json:"email"`
	Name                 string               `json:"name"`
	Role                 string               `json:"role"`
	ServiceRoleID        *int64               `json:"service_role_id,omitempty"`
	ManagerID            *int64               `json:"manager_id,omitempty"`
	AssignedModules      []string             `json:"assigned_modules,omitempty"`
	SubModulePermissions SubModulePermissions `json:"sub_module_permissions,omitempty"`
}

// CreateUser handles POST /admin/organizations/{org_id}/users. Super admins
// are not created through the org API.
func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	var req createUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if role == RoleSuperAdmin {
		httputil.WriteBadRequest(w, "super_admin users cannot belong to an organization")
		return
	}

	user := &User{
		OrganizationID:       &orgID,
		Email:                req.Email,
		Name:                 req.Name,
		Role:                 role,
		ServiceRoleID:        req.ServiceRoleID,
		ManagerID:            req.ManagerID,
		AssignedModules:      req.AssignedModules,
		SubModulePermissions: req.SubModulePermissions,
	}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logMutation(r, orgID, audit.EventTypeUserCreated, audit.ResourceTypeUser, user.ID,
		"user created", map[string]interface{}{"role": string(user.Role)})
	httputil.WriteCreated(w, user)
}

// GetUser handles GET /admin/organizations/{org_id}/users/{user_id}
func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	user, ok := h.orgUser(w, r, orgID)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, user)
}

// AssignModules handles PUT /admin/organizations/{org_id}/users/{user_id}/modules
func (h *Handlers) AssignModules(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	user, ok := h.orgUser(w, r, orgID)
	if !ok {
		return
	}
	var req struct {
		Modules []string `json:"modules"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	updated, err := h.store.AssignModules(r.Context(), user.ID, req.Modules)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logMutation(r, orgID, audit.EventTypeModulesAssigned, audit.ResourceTypeUser, user.ID,
		"modules assigned", map[string]interface{}{"before": user.AssignedModules, "after": updated.AssignedModules})
	httputil.WriteSuccess(w, updated)
}

// SetSubModulePermissions handles
// PUT /admin/organizations/{org_id}/users/{user_id}/submodule-permissions
func (h *Handlers) SetSubModulePermissions(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	user, ok := h.orgUser(w, r, orgID)
	if !ok {
		return
	}
	var req struct {
		Permissions SubModulePermissions `json:"permissions"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	updated, err := h.store.SetSubModulePermissions(r.Context(), user.ID, req.Permissions)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logMutation(r, orgID, audit.EventTypeSubmodulePermissionsSet, audit.ResourceTypeUser, user.ID,
		"submodule permissions set", map[string]interface{}{"before": user.SubModulePermissions, "after": updated.SubModulePermissions})
	httputil.WriteSuccess(w, updated)
}

// SetServiceRole handles PUT /admin/organizations/{org_id}/users/{user_id}/service-role.
// A null service_role_id clears the assignment.
func (h *Handlers) SetServiceRole(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	user, ok := h.orgUser(w, r, orgID)
	if !ok {
		return
	}
	var req struct {
		ServiceRoleID *int64 `json:"service_role_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	updated, err := h.store.SetServiceRole(r.Context(), user.ID, req.ServiceRoleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logMutation(r, orgID, audit.EventTypeServiceRoleSet, audit.ResourceTypeUser, user.ID,
		"service role set", map[string]interface{}{"before": user.ServiceRoleID, "after": updated.ServiceRoleID})
	httputil.WriteSuccess(w, updated)
}

// GetUserPermissions handles GET /admin/organizations/{org_id}/users/{user_id}/permissions.
// It returns the resolved grants and the materialized rows side by side.
func (h *Handlers) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	user, ok := h.orgUser(w, r, orgID)
	if !ok {
		return
	}

	effective, err := h.resolver.EffectivePermissions(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	materialized, err := h.store.ListUserModulePermissions(r.Context(), orgID, user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id":      user.ID,
		"role":         user.Role,
		"effective":    effective,
		"materialized": materialized,
	})
}
