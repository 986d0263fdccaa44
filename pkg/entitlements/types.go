package entitlements

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/catalog"
)

var (
	// ErrUnknownModule aliases the catalog error so callers need one import
	ErrUnknownModule = catalog.ErrUnknownModule
	// ErrUnknownSubmodule aliases the catalog error
	ErrUnknownSubmodule = catalog.ErrUnknownSubmodule
	// ErrUnknownCategory aliases the catalog error
	ErrUnknownCategory = catalog.ErrUnknownCategory
	// ErrUnknownTier is returned for a license tier missing from the catalog
	ErrUnknownTier = errors.New("unknown license tier")
	// ErrInvalidMutation wraps mutation validation failures
	ErrInvalidMutation = errors.New("invalid entitlement mutation")
)

// Status is a persisted or effective entitlement status
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
	StatusTrial    Status = "trial"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusEnabled, StatusDisabled, StatusTrial:
		return true
	}
	return false
}

// Allows reports whether the status grants access
func (s Status) Allows() bool {
	return s == StatusEnabled || s == StatusTrial
}

// Decision reasons
const (
	ReasonAlwaysOn          = "always_on"
	ReasonRBACOnly          = "rbac_only"
	ReasonNoEntitlement     = "no_entitlement"
	ReasonDisabled          = "disabled"
	ReasonTrialExpired      = "trial_expired"
	ReasonEnabled           = "enabled"
	ReasonTrialActive       = "trial_active"
	ReasonParentDisabled    = "parent_disabled"
	ReasonSubmoduleDisabled = "submodule_disabled"
)

// Decision sources
const (
	SourceCatalog  = "catalog"
	SourceCache    = "cache"
	SourceDatabase = "database"
)

// Decision is the outcome of CheckEntitlement. Status is the effective
// status of what was asked for; ModuleStatus is the parent's effective
// status and equals Status for module checks.
type Decision struct {
	Status         Status     `json:"status"`
	ModuleStatus   Status     `json:"module_status"`
	Reason         string     `json:"reason"`
	TrialExpiresAt *time.Time `json:"trial_expires_at,omitempty"`
	Source         string     `json:"source"`
}

// Allowed reports whether the decision grants access
func (d Decision) Allowed() bool {
	return d.Status.Allows()
}

// Mutation sets one module or submodule status
type Mutation struct {
	OrganizationID int64      `json:"organization_id"`
	Module         string     `json:"module"`
	Submodule      string     `json:"submodule,omitempty"`
	Status         Status     `json:"status"`
	TrialExpiresAt *time.Time `json:"trial_expires_at,omitempty"`
	Actor          string     `json:"actor"`
}

// Change describes what a mutation did to one row
type Change struct {
	Module    string `json:"module"`
	Submodule string `json:"submodule,omitempty"`
	// OldStatus is the persisted status before the write; empty when no row
	// existed
	OldStatus Status `json:"old_status,omitempty"`
	NewStatus Status `json:"new_status"`
	// Changed is false for a no-op write
	Changed bool `json:"changed"`
	// TrialExpired is set when the write first persisted a lapsed trial
	TrialExpired bool `json:"trial_expired,omitempty"`

	events []audit.EntitlementEventType
}

// CategoryResult summarizes a category activation or deactivation
type CategoryResult struct {
	Category  string   `json:"category"`
	Status    Status   `json:"status"`
	Changed   []string `json:"changed"`
	Unchanged []string `json:"unchanged"`
}

// StatusChange is handed to the SyncTrigger after a module flips between
// allowed and denied
type StatusChange struct {
	OrganizationID int64  `json:"organization_id"`
	Module         string `json:"module"`
	Old            Status `json:"old"`
	New            Status `json:"new"`
	Actor          string `json:"actor"`
}

// Enabled reports whether the change grants access
func (c StatusChange) Enabled() bool {
	return c.New.Allows()
}

// SyncTrigger reacts to committed module transitions. It must not fail the
// caller; errors are handled and logged by the implementation.
type SyncTrigger interface {
	OnStatusChange(ctx context.Context, change StatusChange)
}

// EffectiveEntitlement merges a catalog module with its persisted row
type EffectiveEntitlement struct {
	Module          string                    `json:"module"`
	Name            string                    `json:"name"`
	Category        string                    `json:"category,omitempty"`
	AlwaysOn        bool                      `json:"always_on"`
	RBACOnly        bool                      `json:"rbac_only"`
	Status          *Status                   `json:"status,omitempty"`
	TrialExpiresAt  *time.Time                `json:"trial_expires_at,omitempty"`
	EffectiveStatus Status                    `json:"effective_status"`
	Reason          string                    `json:"reason"`
	Submodules      []EffectiveSubEntitlement `json:"submodules,omitempty"`
}

// EffectiveSubEntitlement is the submodule counterpart of EffectiveEntitlement
type EffectiveSubEntitlement struct {
	Submodule       string     `json:"submodule"`
	Name            string     `json:"name"`
	Status          *Status    `json:"status,omitempty"`
	TrialExpiresAt  *time.Time `json:"trial_expires_at,omitempty"`
	EffectiveStatus Status     `json:"effective_status"`
	Reason          string     `json:"reason"`
}
