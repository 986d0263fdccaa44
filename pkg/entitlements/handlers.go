package entitlements

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// Handlers exposes licensing administration over HTTP. Every route changes
// or reveals an organization's license, so callers mount them behind super
// admin authorization.
type Handlers struct {
	store  *Store
	logger *observability.Logger
}

// NewHandlers creates entitlement handlers
func NewHandlers(store *Store, logger *observability.Logger) *Handlers {
	return &Handlers{store: store, logger: observability.OrNop(logger)}
}

// RegisterRoutes registers the licensing routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/categories", h.ListCategories).Methods(http.MethodGet)

	org := router.PathPrefix("/admin/organizations/{org_id:[0-9]+}").Subrouter()
	org.HandleFunc("/entitlements", h.GetOrgEntitlements).Methods(http.MethodGet)
	org.HandleFunc("/entitlements/{module}", h.SetModuleStatus).Methods(http.MethodPut)
	org.HandleFunc("/entitlements/{module}/submodules/{submodule}", h.SetModuleStatus).Methods(http.MethodPut)
	org.HandleFunc("/categories/{category}/activate", h.ActivateCategory).Methods(http.MethodPost)
	org.HandleFunc("/categories/{category}/deactivate", h.DeactivateCategory).Methods(http.MethodPost)
	org.HandleFunc("/entitlement-events", h.ListEvents).Methods(http.MethodGet)
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUnknownModule), errors.Is(err, ErrUnknownSubmodule), errors.Is(err, ErrUnknownCategory):
		httputil.WriteNotFound(w, err.Error())
	case errors.Is(err, ErrInvalidMutation), errors.Is(err, ErrUnknownTier):
		httputil.WriteBadRequest(w, err.Error())
	default:
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("Entitlement request failed")
		httputil.WriteInternalError(w)
	}
}

// ListCategories handles GET /admin/categories
func (h *Handlers) ListCategories(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{"categories": h.store.ListCategories()})
}

// GetOrgEntitlements handles GET /admin/organizations/{org_id}/entitlements
func (h *Handlers) GetOrgEntitlements(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	entitlements, err := h.store.GetOrgEntitlements(r.Context(), orgID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"organization_id": orgID,
		"entitlements":    entitlements,
	})
}

type statusRequest struct {
	Status         Status     `json:"status"`
	TrialExpiresAt *time.Time `json:"trial_expires_at,omitempty"`
}

// SetModuleStatus handles PUT /admin/organizations/{org_id}/entitlements/{module}
// and its submodule variant
func (h *Handlers) SetModuleStatus(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	var req statusRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	change, err := h.store.SetModuleStatus(r.Context(), Mutation{
		OrganizationID: orgID,
		Module:         httputil.PathString(r, "module"),
		Submodule:      httputil.PathString(r, "submodule"),
		Status:         req.Status,
		TrialExpiresAt: req.TrialExpiresAt,
		Actor:          auth.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, change)
}

// ActivateCategory handles POST /admin/organizations/{org_id}/categories/{category}/activate
func (h *Handlers) ActivateCategory(w http.ResponseWriter, r *http.Request) {
	h.setCategory(w, r, h.store.ActivateCategory)
}

// DeactivateCategory handles POST /admin/organizations/{org_id}/categories/{category}/deactivate
func (h *Handlers) DeactivateCategory(w http.ResponseWriter, r *http.Request) {
	h.setCategory(w, r, h.store.DeactivateCategory)
}

type categoryFunc func(ctx context.Context, orgID int64, category, actor string) (*CategoryResult, error)

func (h *Handlers) setCategory(w http.ResponseWriter, r *http.Request, apply categoryFunc) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	result, err := apply(r.Context(), orgID, httputil.PathString(r, "category"), auth.ActorFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// ListEvents handles GET /admin/organizations/{org_id}/entitlement-events
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	filter := audit.EventFilter{
		OrganizationID: &orgID,
		ModuleKey:      r.URL.Query().Get("module_key"),
	}

	var err error
	if filter.Since, err = httputil.ParseQueryTime(r, "since"); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if filter.Until, err = httputil.ParseQueryTime(r, "until"); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", audit.DefaultSearchLimit); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if raw := r.URL.Query().Get("event_types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.EventTypes = append(filter.EventTypes, audit.EntitlementEventType(t))
			}
		}
	}

	events, err := h.store.ListEvents(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}
