package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// DBLogger writes audit events to the audit_logs table. Searches go to the
// reader, which may be a replica.
type DBLogger struct {
	db     *sql.DB
	reader *sql.DB
}

// NewDBLogger creates a new database-based audit logger. A nil reader reads
// from db.
func NewDBLogger(db, reader *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if reader == nil {
		reader = db
	}
	return &DBLogger{db: db, reader: reader}, nil
}

func marshalMetadata(metadata map[string]interface{}) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// Log logs an audit event to the database
func (l *DBLogger) Log(ctx context.Context, event *AuditEvent) error {
	metadata, err := marshalMetadata(event.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_logs (
			timestamp, event_type, status,
			user_id, organization_id,
			resource_type, resource_id, action, reason,
			request_id, ip_address, method, path,
			message, metadata
		) VALUES (
			$1, $2, $3,
			$4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15
		) RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		event.Timestamp.UTC(), string(event.EventType), string(event.Status),
		event.UserID, event.OrganizationID,
		string(event.ResourceType), event.ResourceID, event.Action, event.Reason,
		event.RequestID, event.IPAddress, event.Method, event.Path,
		event.Message, metadata,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// LogAccessDenied logs a denied access decision
func (l *DBLogger) LogAccessDenied(ctx context.Context, d AccessDenial) error {
	return l.Log(ctx, denialEvent(ctx, d))
}

// LogBypass logs a super admin bypass
func (l *DBLogger) LogBypass(ctx context.Context, b Bypass) error {
	return l.Log(ctx, bypassEvent(ctx, b))
}

// LogMutation logs an administrative change
func (l *DBLogger) LogMutation(ctx context.Context, m Mutation) error {
	return l.Log(ctx, mutationEvent(ctx, m))
}

// Close closes the logger. The database handles are owned by the caller.
func (l *DBLogger) Close() error {
	return nil
}

// Search searches audit logs based on the provided filter
func (l *DBLogger) Search(ctx context.Context, filter *SearchFilter) ([]*AuditEvent, error) {
	if filter == nil {
		filter = &SearchFilter{}
	}

	query := `
		SELECT id, timestamp, event_type, status,
			user_id, organization_id,
			resource_type, resource_id, action, reason,
			request_id, ip_address, method, path,
			message, metadata
		FROM audit_logs
		WHERE 1=1
	`

	args := []interface{}{}
	argCount := 1

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, filter.StartTime.UTC())
		argCount++
	}
	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, filter.EndTime.UTC())
		argCount++
	}
	if filter.UserID != nil {
		query += fmt.Sprintf(" AND user_id = $%d", argCount)
		args = append(args, *filter.UserID)
		argCount++
	}
	if filter.OrganizationID != nil {
		query += fmt.Sprintf(" AND organization_id = $%d", argCount)
		args = append(args, *filter.OrganizationID)
		argCount++
	}
	if len(filter.EventTypes) > 0 {
		query += fmt.Sprintf(" AND event_type IN (%s)", storage.Placeholders(argCount, len(filter.EventTypes)))
		for _, t := range filter.EventTypes {
			args = append(args, string(t))
		}
		argCount += len(filter.EventTypes)
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, string(filter.Status))
		argCount++
	}
	if filter.ResourceType != "" {
		query += fmt.Sprintf(" AND resource_type = $%d", argCount)
		args = append(args, string(filter.ResourceType))
		argCount++
	}
	if filter.ResourceID != "" {
		query += fmt.Sprintf(" AND resource_id = $%d", argCount)
		args = append(args, filter.ResourceID)
		argCount++
	}

	order := "DESC"
	if filter.Ascending {
		order = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY timestamp %s, id %s", order, order)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCount, argCount+1)
	args = append(args, filter.normalizedLimit(), filter.Offset)

	rows, err := l.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	events := make([]*AuditEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*AuditEvent, error) {
	event := &AuditEvent{}
	var (
		userID, orgID sql.NullInt64
		metadata      sql.NullString
		eventType     string
		status        string
		resourceType  string
	)

	err := rows.Scan(
		&event.ID, &event.Timestamp, &eventType, &status,
		&userID, &orgID,
		&resourceType, &event.ResourceID, &event.Action, &event.Reason,
		&event.RequestID, &event.IPAddress, &event.Method, &event.Path,
		&event.Message, &metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	event.EventType = EventType(eventType)
	event.Status = EventStatus(status)
	event.ResourceType = ResourceType(resourceType)
	if userID.Valid {
		event.UserID = &userID.Int64
	}
	if orgID.Valid {
		event.OrganizationID = &orgID.Int64
	}
	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return event, nil
}

// Stats summarizes audit events in a window
type Stats struct {
	TotalEvents    int64                 `json:"total_events"`
	EventsByType   map[EventType]int64   `json:"events_by_type"`
	EventsByStatus map[EventStatus]int64 `json:"events_by_status"`
	DenialsByOrg   map[int64]int64       `json:"denials_by_org"`
}

// GetStats counts events matching the time and organization filters
func (l *DBLogger) GetStats(ctx context.Context, filter *SearchFilter) (*Stats, error) {
	if filter == nil {
		filter = &SearchFilter{}
	}

	where := "WHERE 1=1"
	args := []interface{}{}
	argCount := 1
	if filter.StartTime != nil {
		where += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, filter.StartTime.UTC())
		argCount++
	}
	if filter.EndTime != nil {
		where += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, filter.EndTime.UTC())
		argCount++
	}
	if filter.OrganizationID != nil {
		where += fmt.Sprintf(" AND organization_id = $%d", argCount)
		args = append(args, *filter.OrganizationID)
	}

	stats := &Stats{
		EventsByType:   make(map[EventType]int64),
		EventsByStatus: make(map[EventStatus]int64),
		DenialsByOrg:   make(map[int64]int64),
	}

	rows, err := l.reader.QueryContext(ctx,
		"SELECT event_type, status, organization_id, COUNT(*) FROM audit_logs "+where+
			" GROUP BY event_type, status, organization_id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			eventType, status string
			orgID             sql.NullInt64
			count             int64
		)
		if err := rows.Scan(&eventType, &status, &orgID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit stats: %w", err)
		}
		stats.TotalEvents += count
		stats.EventsByType[EventType(eventType)] += count
		stats.EventsByStatus[EventStatus(status)] += count
		if EventStatus(status) == EventStatusDenied && orgID.Valid {
			stats.DenialsByOrg[orgID.Int64] += count
		}
	}
	return stats, rows.Err()
}
