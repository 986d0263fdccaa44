package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// TrialReconciler expires trials whose end date has passed
type TrialReconciler interface {
	ReconcileExpiredTrials(ctx context.Context) (int, error)
}

// ReconcileTrials returns a job that revokes lapsed trials
func ReconcileTrials(r TrialReconciler, logger *observability.Logger) Func {
	logger = observability.OrNop(logger)
	return func(ctx context.Context) error {
		n, err := r.ReconcileExpiredTrials(ctx)
		if err != nil {
			return fmt.Errorf("reconcile expired trials: %w", err)
		}
		if n > 0 {
			logger.WithField("expired", n).Info("Expired trials revoked")
		}
		return nil
	}
}

// Archiver uploads the audit history of a time window
type Archiver interface {
	Archive(ctx context.Context, since, until time.Time) (*audit.ArchiveResult, error)
}

// ArchiveWindow returns the most recent complete window before now. Windows
// are aligned to multiples of window since the Unix epoch, so daily windows
// run midnight to midnight UTC.
func ArchiveWindow(now time.Time, window time.Duration) (since, until time.Time) {
	until = now.UTC().Truncate(window)
	return until.Add(-window), until
}

// ArchiveAudit returns a job that archives the previous window of audit and
// entitlement events. A nil clock uses real time.
func ArchiveAudit(a Archiver, window time.Duration, clock quartz.Clock, logger *observability.Logger) Func {
	if clock == nil {
		clock = quartz.NewReal()
	}
	logger = observability.OrNop(logger)
	return func(ctx context.Context) error {
		since, until := ArchiveWindow(clock.Now(), window)
		result, err := a.Archive(ctx, since, until)
		if err != nil {
			return fmt.Errorf("archive audit events %s to %s: %w",
				since.Format(time.RFC3339), until.Format(time.RFC3339), err)
		}
		if result == nil {
			logger.WithField("since", since).Debug("No audit events to archive")
			return nil
		}
		logger.WithFields(map[string]interface{}{
			"key":                result.Key,
			"audit_events":       result.AuditEvents,
			"entitlement_events": result.EntitlementEvents,
			"bytes":              result.Bytes,
		}).Info("Audit events archived")
		return nil
	}
}
