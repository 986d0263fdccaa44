package access

import (
	"context"
	"sync"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// EnforcementSwitch is the process-wide entitlement enforcement toggle.
// While disabled, RequireAccess skips the entitlement layer only.
type EnforcementSwitch struct {
	mu      sync.RWMutex
	enabled bool
	audit   audit.Logger
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewEnforcementSwitch creates a toggle in the given state
func NewEnforcementSwitch(enabled bool, auditLogger audit.Logger, logger *observability.Logger, metrics *observability.Metrics) *EnforcementSwitch {
	s := &EnforcementSwitch{
		enabled: enabled,
		audit:   audit.OrNoOp(auditLogger),
		logger:  observability.OrNop(logger),
		metrics: metrics,
	}
	metrics.SetEnforcement(enabled)
	return s
}

// Enabled reports whether entitlements are enforced
func (s *EnforcementSwitch) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Set changes the state and reports whether it changed. Setting the
// current state is a no-op.
func (s *EnforcementSwitch) Set(ctx context.Context, enabled bool, actor string) bool {
	s.mu.Lock()
	old := s.enabled
	s.enabled = enabled
	s.mu.Unlock()

	if old == enabled {
		return false
	}

	s.metrics.SetEnforcement(enabled)
	observability.FromContext(ctx, s.logger).WithFields(map[string]interface{}{
		"old":   old,
		"new":   enabled,
		"actor": actor,
	}).Warn("Entitlement enforcement toggled")

	err := s.audit.LogMutation(ctx, audit.Mutation{
		Actor:        audit.ActorFromContext(ctx, nil),
		EventType:    audit.EventTypeEnforcementToggled,
		ResourceType: audit.ResourceTypeConfig,
		ResourceID:   "entitlement_enforcement",
		Metadata: map[string]interface{}{
			"old":   old,
			"new":   enabled,
			"actor": actor,
		},
	})
	if err != nil {
		observability.FromContext(ctx, s.logger).WithError(err).Error("Failed to audit enforcement toggle")
	}
	return true
}
