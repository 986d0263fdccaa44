package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/catalog"
	"github.com/platinummonkey/gatekeeper/pkg/entitlements"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/tenant"
)

// TenantResolver resolves the caller's organization
type TenantResolver interface {
	Resolve(ctx context.Context, opts ...tenant.Option) (*tenant.Tenant, error)
}

// EntitlementChecker answers whether an organization is licensed
type EntitlementChecker interface {
	CheckEntitlement(ctx context.Context, orgID int64, module, submodule string) (entitlements.Decision, error)
	Catalog() *catalog.Catalog
}

// PermissionResolver answers whether a user's role grants an action
type PermissionResolver interface {
	ResolvePermission(ctx context.Context, user *rbac.User, req rbac.Request) (rbac.Resolution, error)
}

// AuthorizedContext is the result of a successful RequireAccess
type AuthorizedContext struct {
	User *rbac.User
	// OrganizationID is nil only for a platform-scoped super admin
	OrganizationID *int64
	Module         string
	Submodule      string
	Action         string
}

// OrgID returns the resolved organization, if any
func (a *AuthorizedContext) OrgID() (int64, bool) {
	if a == nil || a.OrganizationID == nil {
		return 0, false
	}
	return *a.OrganizationID, true
}

type options struct {
	submodule string
	tenant    []tenant.Option
}

// Option adjusts a single RequireAccess call
type Option func(*options)

// WithSubmodule narrows the check to one submodule
func WithSubmodule(submodule string) Option {
	return func(o *options) { o.submodule = submodule }
}

// AllowCrossTenant lets a super admin act on orgID
func AllowCrossTenant(orgID int64) Option {
	return func(o *options) { o.tenant = append(o.tenant, tenant.AllowCrossTenant(orgID)) }
}

// PlatformScoped lets a super admin act without an organization
func PlatformScoped() Option {
	return func(o *options) { o.tenant = append(o.tenant, tenant.PlatformScoped()) }
}

// Options configures an Enforcer
type Options struct {
	Audit  audit.Logger
	Switch *EnforcementSwitch
	// SuperAdminEntitlementBypass lets super admins through the entitlement
	// layer. Each use is audited.
	SuperAdminEntitlementBypass bool
	Logger                      *observability.Logger
	Metrics                     *observability.Metrics
	Tracer                      trace.Tracer
}

// Enforcer runs the tenant, entitlement and permission layers in order
type Enforcer struct {
	tenants      TenantResolver
	entitlements EntitlementChecker
	permissions  PermissionResolver
	audit        audit.Logger
	toggle       *EnforcementSwitch
	bypass       bool
	logger       *observability.Logger
	metrics      *observability.Metrics
	tracer       trace.Tracer
}

// NewEnforcer creates an enforcer
func NewEnforcer(tenants TenantResolver, ents EntitlementChecker, permissions PermissionResolver, opts Options) *Enforcer {
	e := &Enforcer{
		tenants:      tenants,
		entitlements: ents,
		permissions:  permissions,
		audit:        audit.OrNoOp(opts.Audit),
		toggle:       opts.Switch,
		bypass:       opts.SuperAdminEntitlementBypass,
		logger:       observability.OrNop(opts.Logger),
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
	}
	if e.toggle == nil {
		e.toggle = NewEnforcementSwitch(true, e.audit, e.logger, e.metrics)
	}
	if e.tracer == nil {
		e.tracer = observability.Tracer()
	}
	return e
}

// Switch returns the enforcement toggle
func (e *Enforcer) Switch() *EnforcementSwitch {
	return e.toggle
}

// RequireAccess authorizes the caller in ctx for module.action. Denials are
// *TenantError, *EntitlementDenied or *PermissionDenied; any other error is
// an infrastructure failure.
func (e *Enforcer) RequireAccess(ctx context.Context, module, action string, opts ...Option) (*AuthorizedContext, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "access.RequireAccess", trace.WithAttributes(
		attribute.String("access.module", module),
		attribute.String("access.submodule", o.submodule),
		attribute.String("access.action", action),
	))
	defer span.End()

	authz, layer, err := e.require(ctx, module, action, o)

	outcome := "allowed"
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case StatusCode(err) == http.StatusInternalServerError:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		outcome = "denied"
		span.SetAttributes(attribute.String("access.denied_layer", layer))
	}
	span.SetAttributes(attribute.String("access.outcome", outcome))
	e.metrics.ObserveDecision(layer, outcome, started)
	return authz, err
}

func (e *Enforcer) require(ctx context.Context, module, action string, o options) (*AuthorizedContext, string, error) {
	t, err := e.checkTenant(ctx, o)
	if err != nil {
		return nil, LayerTenant, err
	}

	if err := e.checkEntitlement(ctx, t, module, o.submodule, action); err != nil {
		return nil, LayerEntitlement, err
	}

	if err := e.checkPermission(ctx, t, module, o.submodule, action); err != nil {
		return nil, LayerRBAC, err
	}

	return &AuthorizedContext{
		User:           t.User,
		OrganizationID: t.OrganizationID,
		Module:         module,
		Submodule:      o.submodule,
		Action:         action,
	}, LayerRBAC, nil
}

func (e *Enforcer) checkTenant(ctx context.Context, o options) (*tenant.Tenant, error) {
	ctx, span := e.tracer.Start(ctx, "access.tenant")
	defer span.End()

	t, err := e.tenants.Resolve(ctx, o.tenant...)
	var tenantErr *TenantError
	if errors.As(err, &tenantErr) {
		span.SetAttributes(attribute.String("access.reason", string(tenantErr.Reason)))
		e.logDenial(ctx, audit.AccessDenial{
			Actor:     audit.ActorFromContext(ctx, nil),
			EventType: audit.EventTypeTenantDenied,
			Reason:    string(tenantErr.Reason),
			Message:   tenantErr.Message(),
		})
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tenant: %w", err)
	}
	if t.OrganizationID != nil {
		span.SetAttributes(attribute.Int64("access.organization_id", *t.OrganizationID))
	}
	return t, nil
}

func (e *Enforcer) checkEntitlement(ctx context.Context, t *tenant.Tenant, module, submodule, action string) error {
	ctx, span := e.tracer.Start(ctx, "access.entitlement")
	defer span.End()

	denied, err := e.entitlementDecision(ctx, t, module, submodule)
	if err != nil {
		return err
	}
	if denied == nil {
		return nil
	}
	span.SetAttributes(attribute.String("access.reason", denied.Reason))

	unknown := denied.Reason == ReasonUnknownModule || denied.Reason == ReasonUnknownSubmodule
	if !unknown && e.bypass && t.IsSuperAdmin() {
		span.SetAttributes(attribute.Bool("access.bypass", true))
		e.logBypass(ctx, t, LayerEntitlement, module, submodule, action)
		return nil
	}

	e.logDenial(ctx, audit.AccessDenial{
		Actor:     actorFor(t),
		EventType: audit.EventTypeEntitlementDenied,
		Module:    module,
		Submodule: submodule,
		Action:    action,
		Reason:    denied.Reason,
		Message:   denied.Message(),
	})
	return denied
}

// entitlementDecision returns a non-nil denial when the layer rejects the
// request. Unknown keys are denied even while enforcement is off.
func (e *Enforcer) entitlementDecision(ctx context.Context, t *tenant.Tenant, module, submodule string) (*EntitlementDenied, error) {
	cat := e.entitlements.Catalog()
	if !cat.HasModule(module) {
		return &EntitlementDenied{Module: module, Submodule: submodule, Reason: ReasonUnknownModule}, nil
	}
	if submodule != "" && !cat.HasSubmodule(module, submodule) {
		return &EntitlementDenied{Module: module, Submodule: submodule, Reason: ReasonUnknownSubmodule}, nil
	}

	if !e.toggle.Enabled() || t.OrganizationID == nil {
		return nil, nil
	}

	d, err := e.entitlements.CheckEntitlement(ctx, *t.OrganizationID, module, submodule)
	switch {
	case errors.Is(err, catalog.ErrUnknownModule):
		return &EntitlementDenied{Module: module, Submodule: submodule, Reason: ReasonUnknownModule}, nil
	case errors.Is(err, catalog.ErrUnknownSubmodule):
		return &EntitlementDenied{Module: module, Submodule: submodule, Reason: ReasonUnknownSubmodule}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to check entitlement: %w", err)
	}
	if d.Allowed() {
		return nil, nil
	}
	return &EntitlementDenied{
		Module:    module,
		Submodule: submodule,
		Status:    string(d.Status),
		Reason:    d.Reason,
	}, nil
}

func (e *Enforcer) checkPermission(ctx context.Context, t *tenant.Tenant, module, submodule, action string) error {
	ctx, span := e.tracer.Start(ctx, "access.rbac")
	defer span.End()

	res, err := e.permissions.ResolvePermission(ctx, t.User, rbac.Request{
		Module:    module,
		Submodule: submodule,
		Action:    action,
	})
	if err != nil {
		return fmt.Errorf("failed to resolve permission: %w", err)
	}
	span.SetAttributes(attribute.String("access.reason", res.Reason))

	if res.Bypass {
		e.logBypass(ctx, t, LayerRBAC, module, submodule, action)
	}
	if res.Allowed {
		return nil
	}

	denied := &PermissionDenied{Module: module, Submodule: submodule, Action: action, Reason: res.Reason}
	e.logDenial(ctx, audit.AccessDenial{
		Actor:     actorFor(t),
		EventType: audit.EventTypePermissionDenied,
		Module:    module,
		Submodule: submodule,
		Action:    action,
		Reason:    res.Reason,
		Message:   denied.Message(),
	})
	return denied
}

func (e *Enforcer) denySuperAdmin(ctx context.Context, t *tenant.Tenant) error {
	denied := &PermissionDenied{Module: "licensing", Action: "manage", Reason: ReasonSuperAdminRequired}
	e.logDenial(ctx, audit.AccessDenial{
		Actor:     actorFor(t),
		EventType: audit.EventTypePermissionDenied,
		Module:    denied.Module,
		Action:    denied.Action,
		Reason:    denied.Reason,
		Message:   denied.Message(),
	})
	return denied
}

func (e *Enforcer) logDenial(ctx context.Context, d audit.AccessDenial) {
	if err := e.audit.LogAccessDenied(ctx, d); err != nil {
		observability.FromContext(ctx, e.logger).WithError(err).Error("Failed to audit access denial")
	}
}

func (e *Enforcer) logBypass(ctx context.Context, t *tenant.Tenant, layer, module, submodule, action string) {
	e.metrics.IncBypass(layer)
	observability.FromContext(ctx, e.logger).WithFields(map[string]interface{}{
		"layer":     layer,
		"module":    module,
		"submodule": submodule,
		"action":    action,
		"user_id":   t.User.ID,
	}).Warn("Super admin bypass")

	err := e.audit.LogBypass(ctx, audit.Bypass{
		Actor:     actorFor(t),
		Layer:     layer,
		Module:    module,
		Submodule: submodule,
		Action:    action,
	})
	if err != nil {
		observability.FromContext(ctx, e.logger).WithError(err).Error("Failed to audit bypass")
	}
}

func actorFor(t *tenant.Tenant) audit.Actor {
	id := t.User.ID
	return audit.Actor{UserID: &id, OrganizationID: t.OrganizationID}
}

// ScopeToTenant hides a resource owned by another organization behind
// ErrNotFound. Only a platform-scoped super admin sees every tenant.
func ScopeToTenant(authz *AuthorizedContext, resourceOrgID int64) error {
	if authz == nil || authz.User == nil {
		return ErrNotFound
	}
	orgID, ok := authz.OrgID()
	if !ok {
		if authz.User.IsSuperAdmin() {
			return nil
		}
		return ErrNotFound
	}
	if orgID != resourceOrgID {
		return ErrNotFound
	}
	return nil
}
