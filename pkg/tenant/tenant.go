package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/orgs"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// Reason identifies why tenant resolution failed
type Reason string

const (
	ReasonMissingPrincipal     Reason = "missing_principal"
	ReasonInvalidPrincipal     Reason = "invalid_principal"
	ReasonMissingOrganization  Reason = "missing_organization"
	ReasonInactiveOrganization Reason = "inactive_organization"
	ReasonCrossTenant          Reason = "cross_tenant_forbidden"
)

var messages = map[Reason]string{
	ReasonMissingPrincipal:     "authentication required",
	ReasonInvalidPrincipal:     "the authenticated user is unknown or inactive",
	ReasonMissingOrganization:  "no organization could be resolved for this request",
	ReasonInactiveOrganization: "the organization is inactive",
	ReasonCrossTenant:          "access to another organization is not allowed",
}

// Error is a tenant resolution failure
type Error struct {
	Reason Reason
}

func (e *Error) Error() string {
	return fmt.Sprintf("tenant resolution failed: %s", e.Reason)
}

// Message is the human readable form returned to clients
func (e *Error) Message() string {
	if m, ok := messages[e.Reason]; ok {
		return m
	}
	return string(e.Reason)
}

func fail(reason Reason) (*Tenant, error) {
	return nil, &Error{Reason: reason}
}

// Tenant is the resolved caller. OrganizationID is nil only for a super admin
// on a platform-scoped call.
type Tenant struct {
	User           *rbac.User
	OrganizationID *int64
}

// IsSuperAdmin reports whether the caller is a super admin
func (t *Tenant) IsSuperAdmin() bool {
	return t.User != nil && t.User.IsSuperAdmin()
}

// UserLookup loads users by id
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*rbac.User, error)
}

// OrgLookup loads organizations by id
type OrgLookup interface {
	Get(ctx context.Context, id int64) (*orgs.Organization, error)
}

type options struct {
	target   *int64
	platform bool
}

// Option adjusts a single resolution
type Option func(*options)

// AllowCrossTenant lets a super admin act on orgID. Other users may pass
// their own org id; any other value is rejected.
func AllowCrossTenant(orgID int64) Option {
	return func(o *options) { o.target = &orgID }
}

// PlatformScoped lets a super admin resolve with no organization
func PlatformScoped() Option {
	return func(o *options) { o.platform = true }
}

// Resolver combines the authenticated principal with user and org state
type Resolver struct {
	users UserLookup
	orgs  OrgLookup
}

// NewResolver creates a tenant resolver
func NewResolver(users UserLookup, organizations OrgLookup) *Resolver {
	return &Resolver{users: users, orgs: organizations}
}

// Resolve returns the tenant for the principal in ctx. Policy failures are
// *Error; any other error is a storage failure.
func (r *Resolver) Resolve(ctx context.Context, opts ...Option) (*Tenant, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok || principal == nil {
		return fail(ReasonMissingPrincipal)
	}

	user, err := r.users.GetUser(ctx, principal.UserID)
	if errors.Is(err, rbac.ErrUserNotFound) {
		return fail(ReasonInvalidPrincipal)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !user.IsActive {
		return fail(ReasonInvalidPrincipal)
	}

	if user.IsSuperAdmin() {
		switch {
		case o.target != nil:
			return r.withOrg(ctx, user, *o.target)
		case o.platform:
			return &Tenant{User: user}, nil
		default:
			return fail(ReasonMissingOrganization)
		}
	}

	if user.OrganizationID == nil {
		return fail(ReasonMissingOrganization)
	}
	if o.target != nil && *o.target != *user.OrganizationID {
		return fail(ReasonCrossTenant)
	}
	return r.withOrg(ctx, user, *user.OrganizationID)
}

func (r *Resolver) withOrg(ctx context.Context, user *rbac.User, orgID int64) (*Tenant, error) {
	org, err := r.orgs.Get(ctx, orgID)
	if errors.Is(err, orgs.ErrOrgNotFound) {
		return fail(ReasonMissingOrganization)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load organization: %w", err)
	}
	if !org.IsActive {
		return fail(ReasonInactiveOrganization)
	}
	id := org.ID
	return &Tenant{User: user, OrganizationID: &id}, nil
}
