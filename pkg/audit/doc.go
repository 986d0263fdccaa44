// Package audit records the access-control audit trail.
//
// Two append-only streams are kept. Audit events (audit_logs) capture
// access denials, super admin bypasses, enforcement toggles and
// administrative mutations of roles, assignments and organizations.
// Entitlement events (entitlement_events) capture every entitlement
// transition and the permission sync it caused; they are appended inside
// the same transaction as the change they describe.
//
// # Usage
//
//	logger, _ := audit.NewDBLogger(db, replica)
//	logger.LogAccessDenied(ctx, audit.AccessDenial{
//		Actor:     audit.Actor{UserID: &userID, OrganizationID: &orgID},
//		EventType: audit.EventTypePermissionDenied,
//		Module:    "crm",
//		Action:    "delete",
//		Reason:    "insufficient_permissions",
//	})
//
//	events := audit.NewEventStore(db, clock)
//	events.Append(ctx, tx, &audit.EntitlementEvent{...})
//
// Events can be exported as JSON, CSV or NDJSON and archived to S3 as
// newline-delimited JSON under audit/YYYY/MM/DD/.
package audit
