package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log records a fully built audit event
	Log(ctx context.Context, event *AuditEvent) error

	// LogAccessDenied records a tenant, entitlement or permission denial
	LogAccessDenied(ctx context.Context, denial AccessDenial) error

	// LogBypass records a super admin short-circuiting an access layer
	LogBypass(ctx context.Context, bypass Bypass) error

	// LogMutation records a change to roles, assignments or organizations
	LogMutation(ctx context.Context, mutation Mutation) error

	// Close flushes pending events and releases resources
	Close() error
}

// Searcher reads back audit events
type Searcher interface {
	Search(ctx context.Context, filter *SearchFilter) ([]*AuditEvent, error)
}

// ActorFromContext builds an Actor from the authenticated principal, scoped
// to orgID
func ActorFromContext(ctx context.Context, orgID *int64) Actor {
	actor := Actor{OrganizationID: orgID}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		id := p.UserID
		actor.UserID = &id
	}
	return actor
}

// buildBaseEvent stamps an event with the request attributes carried by ctx
func buildBaseEvent(ctx context.Context, eventType EventType, status EventStatus, actor Actor) *AuditEvent {
	event := &AuditEvent{
		Timestamp:      time.Now().UTC(),
		EventType:      eventType,
		Status:         status,
		UserID:         actor.UserID,
		OrganizationID: actor.OrganizationID,
		RequestID:      contextkeys.GetRequestID(ctx),
	}
	if info, ok := contextkeys.GetRequestInfo(ctx); ok {
		event.IPAddress = info.IPAddress
		event.Method = info.Method
		event.Path = info.Path
	}
	return event
}

func denialEvent(ctx context.Context, d AccessDenial) *AuditEvent {
	event := buildBaseEvent(ctx, d.EventType, EventStatusDenied, d.Actor)
	event.Action = d.Action
	event.Reason = d.Reason
	event.Message = d.Message

	switch d.EventType {
	case EventTypePermissionDenied:
		event.ResourceType = ResourceTypePermission
		event.ResourceID = d.Module
		if d.Action != "" {
			event.ResourceID = d.Module + "." + d.Action
		}
	case EventTypeEntitlementDenied:
		event.ResourceType = ResourceTypeModule
		event.ResourceID = d.Module
	case EventTypeTenantDenied:
		event.ResourceType = ResourceTypeOrganization
		if d.OrganizationID != nil {
			event.ResourceID = fmt.Sprintf("%d", *d.OrganizationID)
		}
	}

	if d.Submodule != "" {
		event.Metadata = map[string]interface{}{"submodule_key": d.Submodule}
	}
	return event
}

func bypassEvent(ctx context.Context, b Bypass) *AuditEvent {
	event := buildBaseEvent(ctx, EventTypeSuperAdminBypass, EventStatusBypassed, b.Actor)
	event.ResourceType = ResourceTypeModule
	event.ResourceID = b.Module
	event.Action = b.Action
	event.Metadata = map[string]interface{}{"layer": b.Layer}
	if b.Submodule != "" {
		event.Metadata["submodule_key"] = b.Submodule
	}
	return event
}

func mutationEvent(ctx context.Context, m Mutation) *AuditEvent {
	event := buildBaseEvent(ctx, m.EventType, EventStatusSuccess, m.Actor)
	event.ResourceType = m.ResourceType
	event.ResourceID = m.ResourceID
	event.Message = m.Message
	event.Metadata = m.Metadata
	return event
}

// NoOpLogger discards every event
type NoOpLogger struct{}

// NewNoOpLogger creates a logger that records nothing
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (l *NoOpLogger) Log(ctx context.Context, event *AuditEvent) error { return nil }
func (l *NoOpLogger) LogAccessDenied(ctx context.Context, d AccessDenial) error { return nil }
func (l *NoOpLogger) LogBypass(ctx context.Context, b Bypass) error { return nil }
func (l *NoOpLogger) LogMutation(ctx context.Context, m Mutation) error { return nil }
func (l *NoOpLogger) Close() error { return nil }

// OrNoOp returns l, or a NoOpLogger when l is nil
func OrNoOp(l Logger) Logger {
	if l == nil {
		return NewNoOpLogger()
	}
	return l
}
