package audit

import (
	"time"
)

// EventType represents the type of audit event
type EventType string

const (
	// Access decisions
	EventTypeTenantDenied       EventType = "access.tenant_denied"
	EventTypeEntitlementDenied  EventType = "access.entitlement_denied"
	EventTypePermissionDenied   EventType = "access.permission_denied"
	EventTypeSuperAdminBypass   EventType = "access.super_admin_bypass"
	EventTypeEnforcementToggled EventType = "access.enforcement_toggled"

	// Role and assignment changes
	EventTypeRoleCreated             EventType = "rbac.role_created"
	EventTypeRoleUpdated             EventType = "rbac.role_updated"
	EventTypeRoleDeleted             EventType = "rbac.role_deleted"
	EventTypeModulesAssigned         EventType = "rbac.modules_assigned"
	EventTypeSubmodulePermissionsSet EventType = "rbac.submodule_permissions_set"
	EventTypeServiceRoleSet          EventType = "rbac.service_role_set"
	EventTypePermissionsNormalized   EventType = "rbac.permissions_normalized"
	EventTypeUserCreated             EventType = "rbac.user_created"

	// Organization and credential lifecycle
	EventTypeOrgCreated       EventType = "org.created"
	EventTypeOrgStatusChanged EventType = "org.status_changed"
	EventTypeTokenCreated     EventType = "auth.token_created"
	EventTypeTokenRevoked     EventType = "auth.token_revoked"
)

// EventStatus represents the outcome of an audited action
type EventStatus string

const (
	EventStatusSuccess  EventStatus = "success"
	EventStatusFailure  EventStatus = "failure"
	EventStatusDenied   EventStatus = "denied"
	EventStatusBypassed EventStatus = "bypassed"
)

// ResourceType represents the kind of resource an event refers to
type ResourceType string

const (
	ResourceTypeModule       ResourceType = "module"
	ResourceTypePermission   ResourceType = "permission"
	ResourceTypeRole         ResourceType = "service_role"
	ResourceTypeUser         ResourceType = "user"
	ResourceTypeOrganization ResourceType = "organization"
	ResourceTypeConfig       ResourceType = "config"
	ResourceTypeToken        ResourceType = "api_token"
)

// AuditEvent is a single row of the audit trail
type AuditEvent struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	UserID         *int64 `json:"user_id,omitempty"`
	OrganizationID *int64 `json:"organization_id,omitempty"`

	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	Action       string       `json:"action,omitempty"`
	Reason       string       `json:"reason,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`

	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Actor identifies who triggered an event
type Actor struct {
	UserID         *int64
	OrganizationID *int64
}

// AccessDenial describes a denied access decision
type AccessDenial struct {
	Actor
	EventType EventType
	Module    string
	Submodule string
	Action    string
	Reason    string
	Message   string
}

// Bypass describes a super admin short-circuiting a layer
type Bypass struct {
	Actor
	Layer     string
	Module    string
	Submodule string
	Action    string
}

// Mutation describes a change to roles, assignments or organizations
type Mutation struct {
	Actor
	EventType    EventType
	ResourceType ResourceType
	ResourceID   string
	Message      string
	Metadata     map[string]interface{}
}

// SearchFilter defines filters for searching audit logs
type SearchFilter struct {
	StartTime      *time.Time
	EndTime        *time.Time
	UserID         *int64
	OrganizationID *int64
	EventTypes     []EventType
	Status         EventStatus
	ResourceType   ResourceType
	ResourceID     string

	Limit  int
	Offset int

	// Ascending returns oldest events first. The default is newest first.
	Ascending bool
}

// ExportFormat represents the format for exporting audit logs
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

// DefaultSearchLimit caps result sets when the caller gives no limit
const DefaultSearchLimit = 100

// MaxSearchLimit is the largest page a search returns
const MaxSearchLimit = 1000

func (f *SearchFilter) normalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultSearchLimit
	case f.Limit > MaxSearchLimit:
		return MaxSearchLimit
	}
	return f.Limit
}

func (f *SearchFilter) matches(e *AuditEvent) bool {
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
		return false
	}
	if f.OrganizationID != nil && (e.OrganizationID == nil || *e.OrganizationID != *f.OrganizationID) {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	return true
}
