package access

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/tenant"
)

// ErrNotFound hides resources owned by another tenant
var ErrNotFound = errors.New("resource not found")

// Denial layers, used in audit metadata and metrics labels
const (
	LayerTenant      = "tenant"
	LayerEntitlement = "entitlement"
	LayerRBAC        = "rbac"
)

// Entitlement denial reasons added on top of entitlements.Reason*
const (
	ReasonUnknownModule    = "unknown_module"
	ReasonUnknownSubmodule = "unknown_submodule"
)

// ReasonSuperAdminRequired is the permission denial for platform routes
const ReasonSuperAdminRequired = "super_admin_required"

// TenantError is a failed tenant resolution
type TenantError = tenant.Error

// EntitlementDenied is returned when the organization is not licensed for
// the module or submodule
type EntitlementDenied struct {
	Module    string
	Submodule string
	Status    string
	Reason    string
}

func (e *EntitlementDenied) Error() string {
	return fmt.Sprintf("entitlement denied for %s: %s", e.target(), e.Reason)
}

// Message is the human readable form returned to clients
func (e *EntitlementDenied) Message() string {
	switch e.Reason {
	case ReasonUnknownModule, ReasonUnknownSubmodule:
		return fmt.Sprintf("%s does not exist", e.target())
	default:
		return fmt.Sprintf("your organization is not licensed for %s", e.target())
	}
}

func (e *EntitlementDenied) target() string {
	if e.Submodule != "" {
		return e.Module + "/" + e.Submodule
	}
	return e.Module
}

// PermissionDenied is returned when the user's role does not grant the
// action
type PermissionDenied struct {
	Module    string
	Submodule string
	Action    string
	Reason    string
}

// Permission returns the canonical module.action
func (e *PermissionDenied) Permission() string {
	return e.Module + "." + e.Action
}

func (e *PermissionDenied) Error() string {
	return fmt.Sprintf("permission denied for %s: %s", e.Permission(), e.Reason)
}

// Message is the human readable form returned to clients
func (e *PermissionDenied) Message() string {
	if e.Reason == ReasonSuperAdminRequired {
		return "this operation is restricted to platform administrators"
	}
	return fmt.Sprintf("you do not have the %s permission", e.Permission())
}

// IsTenantError reports whether err is a tenant resolution failure
func IsTenantError(err error) bool {
	var target *TenantError
	return errors.As(err, &target)
}

// IsEntitlementDenied reports whether err is an entitlement denial
func IsEntitlementDenied(err error) bool {
	var target *EntitlementDenied
	return errors.As(err, &target)
}

// IsPermissionDenied reports whether err is a permission denial
func IsPermissionDenied(err error) bool {
	var target *PermissionDenied
	return errors.As(err, &target)
}

// StatusCode maps an access error to its HTTP status
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsTenantError(err):
		return http.StatusUnauthorized
	case IsEntitlementDenied(err), IsPermissionDenied(err):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type tenantBody struct {
	ErrorType string `json:"error_type"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
}

type entitlementBody struct {
	ErrorType    string `json:"error_type"`
	ModuleKey    string `json:"module_key"`
	SubmoduleKey string `json:"submodule_key,omitempty"`
	Status       string `json:"status,omitempty"`
	Reason       string `json:"reason"`
	Message      string `json:"message"`
}

type permissionBody struct {
	ErrorType  string `json:"error_type"`
	Permission string `json:"permission"`
	Reason     string `json:"reason"`
	Message    string `json:"message"`
}

// WriteError writes err as a structured JSON response. Anything outside the
// access taxonomy becomes an opaque 500.
func WriteError(w http.ResponseWriter, err error) {
	var (
		tenantErr *TenantError
		entErr    *EntitlementDenied
		permErr   *PermissionDenied
	)
	switch {
	case errors.As(err, &tenantErr):
		httputil.WriteJSON(w, http.StatusUnauthorized, tenantBody{
			ErrorType: "tenant_error",
			Reason:    string(tenantErr.Reason),
			Message:   tenantErr.Message(),
		})
	case errors.As(err, &entErr):
		httputil.WriteJSON(w, http.StatusForbidden, entitlementBody{
			ErrorType:    "entitlement_denied",
			ModuleKey:    entErr.Module,
			SubmoduleKey: entErr.Submodule,
			Status:       entErr.Status,
			Reason:       entErr.Reason,
			Message:      entErr.Message(),
		})
	case errors.As(err, &permErr):
		httputil.WriteJSON(w, http.StatusForbidden, permissionBody{
			ErrorType:  "permission_denied",
			Permission: permErr.Permission(),
			Reason:     permErr.Reason,
			Message:    permErr.Message(),
		})
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFound(w, ErrNotFound.Error())
	default:
		httputil.WriteInternalError(w)
	}
}
