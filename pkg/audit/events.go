package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// EntitlementEventType classifies a change to an organization's entitlements
type EntitlementEventType string

const (
	EventGranted             EntitlementEventType = "granted"
	EventRevoked             EntitlementEventType = "revoked"
	EventTrialStarted        EntitlementEventType = "trial_started"
	EventTrialExpired        EntitlementEventType = "trial_expired"
	EventPermissionsSynced   EntitlementEventType = "permissions_synced"
	EventPermissionsRevoked  EntitlementEventType = "permissions_revoked"
	EventPermissionsRestored EntitlementEventType = "permissions_restored"
)

// EntitlementEvent is an append-only record of an entitlement change or of
// the permission sync it caused
type EntitlementEvent struct {
	ID             int64                  `json:"id"`
	EventID        string                 `json:"event_id"`
	OrganizationID int64                  `json:"organization_id"`
	ModuleKey      string                 `json:"module_key"`
	SubmoduleKey   *string                `json:"submodule_key,omitempty"`
	EventType      EntitlementEventType   `json:"event_type"`
	OldStatus      *string                `json:"old_status,omitempty"`
	NewStatus      *string                `json:"new_status,omitempty"`
	Actor          string                 `json:"actor,omitempty"`
	AffectedCount  int                    `json:"affected_count"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// EventFilter narrows EventStore.List
type EventFilter struct {
	OrganizationID *int64
	ModuleKey      string
	EventTypes     []EntitlementEventType
	Since          *time.Time
	Until          *time.Time
	Limit          int
	Offset         int
}

// EventStore appends and lists entitlement events
type EventStore struct {
	db    *sql.DB
	clock quartz.Clock
}

// NewEventStore creates an event store. A nil clock uses the real clock.
func NewEventStore(db *sql.DB, clock quartz.Clock) *EventStore {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &EventStore{db: db, clock: clock}
}

// Append writes the event through exec, which may be a transaction so the
// event commits or rolls back with the change it records. A nil exec writes
// directly to the store's database. EventID and CreatedAt are filled in when
// empty.
func (s *EventStore) Append(ctx context.Context, exec storage.DBTX, event *EntitlementEvent) error {
	if exec == nil {
		exec = s.db
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.clock.Now().UTC()
	}

	metadata, err := marshalMetadata(event.Metadata)
	if err != nil {
		return err
	}

	err = exec.QueryRowContext(ctx, `
		INSERT INTO entitlement_events (
			event_id, organization_id, module_key, submodule_key, event_type,
			old_status, new_status, actor, affected_count, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		event.EventID, event.OrganizationID, event.ModuleKey, event.SubmoduleKey, string(event.EventType),
		event.OldStatus, event.NewStatus, event.Actor, event.AffectedCount, metadata, event.CreatedAt.UTC(),
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to append entitlement event: %w", err)
	}
	return nil
}

// List returns events matching the filter, oldest first
func (s *EventStore) List(ctx context.Context, filter EventFilter) ([]*EntitlementEvent, error) {
	query := `
		SELECT id, event_id, organization_id, module_key, submodule_key, event_type,
			old_status, new_status, actor, affected_count, metadata, created_at
		FROM entitlement_events
		WHERE 1=1`

	args := []interface{}{}
	argCount := 1

	if filter.OrganizationID != nil {
		query += fmt.Sprintf(" AND organization_id = $%d", argCount)
		args = append(args, *filter.OrganizationID)
		argCount++
	}
	if filter.ModuleKey != "" {
		query += fmt.Sprintf(" AND module_key = $%d", argCount)
		args = append(args, filter.ModuleKey)
		argCount++
	}
	if len(filter.EventTypes) > 0 {
		query += fmt.Sprintf(" AND event_type IN (%s)", storage.Placeholders(argCount, len(filter.EventTypes)))
		for _, t := range filter.EventTypes {
			args = append(args, string(t))
		}
		argCount += len(filter.EventTypes)
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, filter.Since.UTC())
		argCount++
	}
	if filter.Until != nil {
		query += fmt.Sprintf(" AND created_at < $%d", argCount)
		args = append(args, filter.Until.UTC())
		argCount++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d OFFSET $%d", argCount, argCount+1)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlement events: %w", err)
	}
	defer rows.Close()

	events := make([]*EntitlementEvent, 0)
	for rows.Next() {
		var (
			e                 EntitlementEvent
			eventType         string
			sub, oldSt, newSt sql.NullString
			metadata          sql.NullString
		)
		err := rows.Scan(&e.ID, &e.EventID, &e.OrganizationID, &e.ModuleKey, &sub, &eventType,
			&oldSt, &newSt, &e.Actor, &e.AffectedCount, &metadata, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entitlement event: %w", err)
		}
		e.EventType = EntitlementEventType(eventType)
		e.SubmoduleKey = nullStringPtr(sub)
		e.OldStatus = nullStringPtr(oldSt)
		e.NewStatus = nullStringPtr(newSt)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
