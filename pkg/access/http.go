package access

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/tenant"
)

// FromContext returns the AuthorizedContext stored by Middleware
func FromContext(ctx context.Context) (*AuthorizedContext, bool) {
	authz, ok := ctx.Value(contextkeys.AuthorizedKey).(*AuthorizedContext)
	return authz, ok && authz != nil
}

// ScopeRequest applies ScopeToTenant with the AuthorizedContext that
// Middleware stored on r. A request that never passed Middleware sees
// nothing.
func ScopeRequest(r *http.Request, resourceOrgID int64) error {
	authz, _ := FromContext(r.Context())
	return ScopeToTenant(authz, resourceOrgID)
}

// WithAuthorized stores authz in ctx
func WithAuthorized(ctx context.Context, authz *AuthorizedContext) context.Context {
	return contextkeys.WithAuthorized(ctx, authz)
}

type middlewareConfig struct {
	orgParam       string
	submoduleParam string
	platform       bool
	opts           []Option
}

// MiddlewareOption adjusts Middleware
type MiddlewareOption func(*middlewareConfig)

// OrgFromPath targets the organization named by a mux path variable. Only a
// super admin may name an org other than their own.
func OrgFromPath(param string) MiddlewareOption {
	return func(c *middlewareConfig) { c.orgParam = param }
}

// SubmoduleFromPath narrows the check to the submodule named by a mux path
// variable
func SubmoduleFromPath(param string) MiddlewareOption {
	return func(c *middlewareConfig) { c.submoduleParam = param }
}

// WithOptions passes fixed options to every RequireAccess call
func WithOptions(opts ...Option) MiddlewareOption {
	return func(c *middlewareConfig) { c.opts = append(c.opts, opts...) }
}

// ActionForMethod maps an HTTP method onto a CRUD action
func ActionForMethod(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// Middleware guards a handler with RequireAccess. An empty action is
// derived from the request method.
func (e *Enforcer) Middleware(module, action string, mwOpts ...MiddlewareOption) func(http.Handler) http.Handler {
	var cfg middlewareConfig
	for _, opt := range mwOpts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			opts := append([]Option(nil), cfg.opts...)
			if cfg.orgParam != "" {
				orgID, err := strconv.ParseInt(mux.Vars(r)[cfg.orgParam], 10, 64)
				if err != nil {
					httputil.WriteBadRequest(w, "invalid "+cfg.orgParam)
					return
				}
				opts = append(opts, AllowCrossTenant(orgID))
			}
			if cfg.submoduleParam != "" {
				opts = append(opts, WithSubmodule(mux.Vars(r)[cfg.submoduleParam]))
			}

			act := action
			if act == "" {
				act = ActionForMethod(r.Method)
			}

			authz, err := e.RequireAccess(r.Context(), module, act, opts...)
			if err != nil {
				e.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuthorized(r.Context(), authz)))
		})
	}
}

// RequireSuperAdmin admits only an active super admin. It guards platform
// routes such as licensing administration.
func (e *Enforcer) RequireSuperAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, err := e.checkTenant(r.Context(), options{tenant: []tenant.Option{tenant.PlatformScoped()}})
		if err == nil && !t.IsSuperAdmin() {
			err = e.denySuperAdmin(r.Context(), t)
		}
		if err != nil {
			e.writeError(w, r, err)
			return
		}
		authz := &AuthorizedContext{User: t.User, OrganizationID: t.OrganizationID}
		next.ServeHTTP(w, r.WithContext(WithAuthorized(r.Context(), authz)))
	})
}

func (e *Enforcer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if StatusCode(err) == http.StatusInternalServerError {
		observability.FromContext(r.Context(), e.logger).WithError(err).Error("Access check failed")
	}
	WriteError(w, err)
}

// EnforcementHandlers exposes the enforcement toggle
type EnforcementHandlers struct {
	toggle *EnforcementSwitch
}

// NewEnforcementHandlers creates toggle handlers
func NewEnforcementHandlers(toggle *EnforcementSwitch) *EnforcementHandlers {
	return &EnforcementHandlers{toggle: toggle}
}

// RegisterRoutes registers GET and PUT /admin/enforcement. Mount behind
// RequireSuperAdmin.
func (h *EnforcementHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/enforcement", h.Get).Methods(http.MethodGet)
	router.HandleFunc("/admin/enforcement", h.Set).Methods(http.MethodPut)
}

type enforcementRequest struct {
	Enabled *bool `json:"enabled"`
}

// Get handles GET /admin/enforcement
func (h *EnforcementHandlers) Get(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{"enabled": h.toggle.Enabled()})
}

// Set handles PUT /admin/enforcement
func (h *EnforcementHandlers) Set(w http.ResponseWriter, r *http.Request) {
	var req enforcementRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		httputil.WriteBadRequest(w, "enabled is required")
		return
	}
	changed := h.toggle.Set(r.Context(), *req.Enabled, auth.ActorFromContext(r.Context()))
	httputil.WriteSuccess(w, map[string]interface{}{
		"enabled": h.toggle.Enabled(),
		"changed": changed,
	})
}
