package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/access"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
)

// AccessHandlers lets services ask whether the caller may perform an action
type AccessHandlers struct {
	enforcer *access.Enforcer
}

// NewAccessHandlers creates access check handlers
func NewAccessHandlers(enforcer *access.Enforcer) *AccessHandlers {
	return &AccessHandlers{enforcer: enforcer}
}

// RegisterRoutes registers the access check route
func (h *AccessHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/access/check", h.check).Methods(http.MethodGet)
}

// check handles GET /access/check?module=&action=[&submodule=][&org_id=]. A
// denial is returned with the same status and body as a guarded route.
func (h *AccessHandlers) check(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	module, action := q.Get("module"), q.Get("action")
	if module == "" || action == "" {
		httputil.WriteBadRequest(w, "module and action are required")
		return
	}

	var opts []access.Option
	if sub := q.Get("submodule"); sub != "" {
		opts = append(opts, access.WithSubmodule(sub))
	}
	orgID, err := httputil.ParseQueryInt64Ptr(r, "org_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if orgID != nil {
		opts = append(opts, access.AllowCrossTenant(*orgID))
	}

	authz, err := h.enforcer.RequireAccess(r.Context(), module, action, opts...)
	if err != nil {
		access.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"allowed":         true,
		"user_id":         authz.User.ID,
		"organization_id": authz.OrganizationID,
		"module":          authz.Module,
		"submodule":       authz.Submodule,
		"action":          authz.Action,
	})
}
