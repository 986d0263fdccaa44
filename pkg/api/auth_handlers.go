package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/middleware"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// UserGetter loads users by id
type UserGetter interface {
	GetUser(ctx context.Context, id int64) (*rbac.User, error)
}

// AuthHandlers serves the caller's own identity and API tokens
type AuthHandlers struct {
	tokens *auth.TokenStore
	users  UserGetter
	audit  audit.Logger
	logger *observability.Logger
}

// NewAuthHandlers creates auth handlers. Token routes are only registered
// when tokens is non-nil.
func NewAuthHandlers(tokens *auth.TokenStore, users UserGetter, auditLogger audit.Logger, logger *observability.Logger) *AuthHandlers {
	return &AuthHandlers{
		tokens: tokens,
		users:  users,
		audit:  audit.OrNoOp(auditLogger),
		logger: observability.OrNop(logger),
	}
}

// RegisterRoutes registers authentication routes
func (h *AuthHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/me", h.me).Methods(http.MethodGet)

	if h.tokens == nil {
		return
	}
	// Tokens cannot mint tokens
	interactive := middleware.RequireMethod(auth.MethodSession, auth.MethodOIDC)
	router.Handle("/auth/tokens", interactive(http.HandlerFunc(h.createToken))).Methods(http.MethodPost)
	router.HandleFunc("/auth/tokens", h.listTokens).Methods(http.MethodGet)
	router.HandleFunc("/auth/tokens/{id:[0-9]+}", h.revokeToken).Methods(http.MethodDelete)
}

// caller loads the active user behind the request's principal
func (h *AuthHandlers) caller(w http.ResponseWriter, r *http.Request) (*auth.Principal, *rbac.User, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return nil, nil, false
	}
	user, err := h.users.GetUser(r.Context(), principal.UserID)
	if errors.Is(err, rbac.ErrUserNotFound) {
		httputil.WriteUnauthorized(w, "unknown user")
		return nil, nil, false
	}
	if err != nil {
		h.internalError(w, r, err)
		return nil, nil, false
	}
	if !user.IsActive {
		httputil.WriteUnauthorized(w, "user is inactive")
		return nil, nil, false
	}
	return principal, user, true
}

func (h *AuthHandlers) internalError(w http.ResponseWriter, r *http.Request, err error) {
	observability.FromContext(r.Context(), h.logger).WithError(err).Error("Auth request failed")
	httputil.WriteInternalError(w)
}

// me handles GET /auth/me
func (h *AuthHandlers) me(w http.ResponseWriter, r *http.Request) {
	principal, user, ok := h.caller(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"principal": principal,
		"user":      user,
	})
}

type createTokenRequest struct {
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// UserID issues the token for another user. Super admin only.
	UserID *int64 `json:"user_id,omitempty"`
}

// createToken handles POST /auth/tokens
func (h *AuthHandlers) createToken(w http.ResponseWriter, r *http.Request) {
	_, user, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req createTokenRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}

	owner := user.ID
	if req.UserID != nil && *req.UserID != user.ID {
		if !user.IsSuperAdmin() {
			httputil.WriteForbidden(w, "only a super admin may issue tokens for another user")
			return
		}
		target, err := h.users.GetUser(r.Context(), *req.UserID)
		if errors.Is(err, rbac.ErrUserNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		if err != nil {
			h.internalError(w, r, err)
			return
		}
		owner = target.ID
	}

	token, plaintext, err := h.tokens.Create(r.Context(), owner, req.Name, req.ExpiresAt)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.logMutation(r, user, audit.EventTypeTokenCreated, token.ID, "API token created", map[string]interface{}{
		"owner_id": owner,
		"name":     token.Name,
	})

	// The plaintext is only ever returned here
	httputil.WriteCreated(w, map[string]interface{}{
		"token":     plaintext,
		"api_token": token,
	})
}

// listTokens handles GET /auth/tokens
func (h *AuthHandlers) listTokens(w http.ResponseWriter, r *http.Request) {
	_, user, ok := h.caller(w, r)
	if !ok {
		return
	}
	tokens, err := h.tokens.ListForUser(r.Context(), user.ID)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"tokens": tokens})
}

// revokeToken handles DELETE /auth/tokens/{id}
func (h *AuthHandlers) revokeToken(w http.ResponseWriter, r *http.Request) {
	_, user, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	err := h.tokens.RevokeForUser(r.Context(), id, user.ID)
	if errors.Is(err, auth.ErrTokenNotFound) {
		httputil.WriteNotFound(w, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.logMutation(r, user, audit.EventTypeTokenRevoked, id, "API token revoked", nil)
	httputil.WriteNoContent(w)
}

func (h *AuthHandlers) logMutation(r *http.Request, user *rbac.User, eventType audit.EventType, tokenID int64, message string, metadata map[string]interface{}) {
	err := h.audit.LogMutation(r.Context(), audit.Mutation{
		Actor:        audit.ActorFromContext(r.Context(), user.OrganizationID),
		EventType:    eventType,
		ResourceType: audit.ResourceTypeToken,
		ResourceID:   strconv.FormatInt(tokenID, 10),
		Message:      message,
		Metadata:     metadata,
	})
	if err != nil {
		observability.FromContext(r.Context(), h.logger).WithError(err).Warn("Failed to write audit event")
	}
}
