package orgs

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// Initializer seeds the entitlements of a new organization
type Initializer interface {
	InitialModules(tier string, extraModules []string) ([]string, error)
	InitializeForOrganization(ctx context.Context, orgID int64, tier string, extraModules []string, actor string) ([]string, error)
}

// Handlers serves platform administration of organizations. Mount behind
// super admin authorization.
type Handlers struct {
	store       *Store
	initializer Initializer
	audit       audit.Logger
	logger      *observability.Logger
}

// NewHandlers creates organization handlers
func NewHandlers(store *Store, initializer Initializer, auditLogger audit.Logger, logger *observability.Logger) *Handlers {
	return &Handlers{
		store:       store,
		initializer: initializer,
		audit:       audit.OrNoOp(auditLogger),
		logger:      observability.OrNop(logger),
	}
}

// RegisterRoutes registers organization routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/organizations", h.CreateOrganization).Methods(http.MethodPost)
	router.HandleFunc("/admin/organizations", h.ListOrganizations).Methods(http.MethodGet)
	router.HandleFunc("/admin/organizations/{org_id:[0-9]+}", h.GetOrganization).Methods(http.MethodGet)
	router.HandleFunc("/admin/organizations/{org_id:[0-9]+}/active", h.SetActive).Methods(http.MethodPut)
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrOrgNotFound):
		httputil.WriteNotFound(w, err.Error())
	case errors.Is(err, ErrSlugTaken):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, ErrInvalidOrganization):
		httputil.WriteBadRequest(w, err.Error())
	default:
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("Organization request failed")
		httputil.WriteInternalError(w)
	}
}

// CreateOrganization handles POST /admin/organizations. The org and its
// initial entitlements are created together; unknown tiers or modules are
// rejected before anything is written.
func (h *Handlers) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req CreateOrgRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.initializer.InitialModules(string(req.LicenseTier), req.ExtraModules); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	org, err := h.store.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	actor := auth.ActorFromContext(r.Context())
	modules, err := h.initializer.InitializeForOrganization(r.Context(), org.ID, string(org.LicenseTier), req.ExtraModules, actor)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("failed to initialize organization %d: %w", org.ID, err))
		return
	}

	h.logMutation(r.Context(), audit.EventTypeOrgCreated, org, map[string]interface{}{
		"license_tier": org.LicenseTier,
		"modules":      modules,
	})
	observability.FromContext(r.Context(), h.logger).WithFields(map[string]interface{}{
		"organization_id": org.ID,
		"slug":            org.Slug,
		"license_tier":    org.LicenseTier,
	}).Info("Organization created")

	httputil.WriteCreated(w, map[string]interface{}{
		"organization": org,
		"modules":      modules,
	})
}

// ListOrganizations handles GET /admin/organizations
func (h *Handlers) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 100)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	orgs, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"organizations": orgs,
		"count":         len(orgs),
	})
}

// GetOrganization handles GET /admin/organizations/{org_id}
func (h *Handlers) GetOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	org, err := h.store.Get(r.Context(), orgID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

type activeRequest struct {
	IsActive *bool `json:"is_active"`
}

// SetActive handles PUT /admin/organizations/{org_id}/active. Deactivated
// organizations fail tenant resolution.
func (h *Handlers) SetActive(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	var req activeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.IsActive == nil {
		httputil.WriteBadRequest(w, "is_active is required")
		return
	}

	if err := h.store.SetActive(r.Context(), orgID, *req.IsActive); err != nil {
		h.writeError(w, r, err)
		return
	}
	org, err := h.store.Get(r.Context(), orgID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logMutation(r.Context(), audit.EventTypeOrgStatusChanged, org, map[string]interface{}{
		"is_active": org.IsActive,
	})
	httputil.WriteSuccess(w, org)
}

func (h *Handlers) logMutation(ctx context.Context, eventType audit.EventType, org *Organization, metadata map[string]interface{}) {
	id := org.ID
	err := h.audit.LogMutation(ctx, audit.Mutation{
		Actor:        audit.ActorFromContext(ctx, &id),
		EventType:    eventType,
		ResourceType: audit.ResourceTypeOrganization,
		ResourceID:   fmt.Sprintf("%d", org.ID),
		Metadata:     metadata,
	})
	if err != nil {
		observability.FromContext(ctx, h.logger).WithError(err).Error("Failed to audit organization change")
	}
}
