package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
	"github.com/platinummonkey/gatekeeper/pkg/storage/testdb"
)

func int64Ptr(v int64) *int64 { return &v }

func TestNewDBLogger_RequiresDB(t *testing.T) {
	_, err := NewDBLogger(nil, nil)
	assert.Error(t, err)
}

func TestDBLogger_LogAndSearch(t *testing.T) {
	ctx := context.Background()
	db := testdb.Open(t)
	logger, err := NewDBLogger(db, nil)
	require.NoError(t, err)

	orgA, orgB := int64(1), int64(2)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	events := []*AuditEvent{
		{Timestamp: base, EventType: EventTypePermissionDenied, Status: EventStatusDenied, OrganizationID: &orgA, UserID: int64Ptr(10), ResourceType: ResourceTypePermission, ResourceID: "crm.delete"},
		{Timestamp: base.Add(time.Minute), EventType: EventTypeEntitlementDenied, Status: EventStatusDenied, OrganizationID: &orgA, ResourceType: ResourceTypeModule, ResourceID: "crm", Metadata: map[string]interface{}{"submodule_key": "leads"}},
		{Timestamp: base.Add(2 * time.Minute), EventType: EventTypeRoleCreated, Status: EventStatusSuccess, OrganizationID: &orgB},
		{Timestamp: base.Add(3 * time.Minute), EventType: EventTypeSuperAdminBypass, Status: EventStatusBypassed},
	}
	for _, e := range events {
		require.NoError(t, logger.Log(ctx, e))
		assert.NotZero(t, e.ID)
	}

	t.Run("newest first by default", func(t *testing.T) {
		got, err := logger.Search(ctx, nil)
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, EventTypeSuperAdminBypass, got[0].EventType)
		assert.Nil(t, got[0].OrganizationID)
	})

	t.Run("organization and type filters", func(t *testing.T) {
		got, err := logger.Search(ctx, &SearchFilter{
			OrganizationID: &orgA,
			EventTypes:     []EventType{EventTypeEntitlementDenied, EventTypePermissionDenied},
			Ascending:      true,
		})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "crm.delete", got[0].ResourceID)
		assert.Equal(t, int64(10), *got[0].UserID)
		assert.Equal(t, "leads", got[1].Metadata["submodule_key"])
	})

	t.Run("time window and status", func(t *testing.T) {
		start := base.Add(30 * time.Second)
		end := base.Add(150 * time.Second)
		got, err := logger.Search(ctx, &SearchFilter{StartTime: &start, EndTime: &end, Status: EventStatusDenied})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, EventTypeEntitlementDenied, got[0].EventType)
	})

	t.Run("pagination", func(t *testing.T) {
		got, err := logger.Search(ctx, &SearchFilter{Limit: 2, Offset: 1, Ascending: true})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, EventTypeEntitlementDenied, got[0].EventType)
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := logger.GetStats(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(4), stats.TotalEvents)
		assert.Equal(t, int64(2), stats.EventsByStatus[EventStatusDenied])
		assert.Equal(t, int64(2), stats.DenialsByOrg[orgA])
		assert.Zero(t, stats.DenialsByOrg[orgB])
	})
}

func TestDBLogger_ConvenienceMethods(t *testing.T) {
	db := testdb.Open(t)
	logger, err := NewDBLogger(db, nil)
	require.NoError(t, err)

	ctx := contextkeys.WithRequestID(context.Background(), "req-123")
	ctx = contextkeys.WithRequestInfo(ctx, contextkeys.RequestInfo{IPAddress: "10.0.0.1", Method: "DELETE", Path: "/api/crm/leads/4"})

	org := int64(7)
	actor := Actor{UserID: int64Ptr(3), OrganizationID: &org}

	require.NoError(t, logger.LogAccessDenied(ctx, AccessDenial{
		Actor:     actor,
		EventType: EventTypePermissionDenied,
		Module:    "crm",
		Submodule: "leads",
		Action:    "delete",
		Reason:    "insufficient_permissions",
		Message:   "missing crm.delete",
	}))
	require.NoError(t, logger.LogBypass(ctx, Bypass{Actor: Actor{UserID: int64Ptr(1)}, Layer: "rbac", Module: "crm", Action: "read"}))
	require.NoError(t, logger.LogMutation(ctx, Mutation{
		Actor:        actor,
		EventType:    EventTypeModulesAssigned,
		ResourceType: ResourceTypeUser,
		ResourceID:   "9",
		Metadata:     map[string]interface{}{"modules": []string{"crm"}},
	}))

	got, err := logger.Search(ctx, &SearchFilter{Ascending: true})
	require.NoError(t, err)
	require.Len(t, got, 3)

	denial := got[0]
	assert.Equal(t, EventStatusDenied, denial.Status)
	assert.Equal(t, "crm.delete", denial.ResourceID)
	assert.Equal(t, "insufficient_permissions", denial.Reason)
	assert.Equal(t, "req-123", denial.RequestID)
	assert.Equal(t, "10.0.0.1", denial.IPAddress)
	assert.Equal(t, "DELETE", denial.Method)
	assert.Equal(t, "leads", denial.Metadata["submodule_key"])

	bypass := got[1]
	assert.Equal(t, EventTypeSuperAdminBypass, bypass.EventType)
	assert.Equal(t, EventStatusBypassed, bypass.Status)
	assert.Equal(t, "rbac", bypass.Metadata["layer"])

	mutation := got[2]
	assert.Equal(t, EventStatusSuccess, mutation.Status)
	assert.Equal(t, []interface{}{"crm"}, mutation.Metadata["modules"])
}

func TestDBLogger_InsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO audit_logs").WillReturnError(errors.New("disk full"))

	logger, err := NewDBLogger(db, nil)
	require.NoError(t, err)

	err = logger.Log(context.Background(), &AuditEvent{Timestamp: time.Now(), EventType: EventTypeOrgCreated, Status: EventStatusSuccess})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert audit log")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLogger_SearchUsesReader(t *testing.T) {
	writer, writerMock, err := sqlmock.New()
	require.NoError(t, err)
	defer writer.Close()
	reader, readerMock, err := sqlmock.New()
	require.NoError(t, err)
	defer reader.Close()

	readerMock.ExpectQuery("SELECT (.+) FROM audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	logger, err := NewDBLogger(writer, reader)
	require.NoError(t, err)

	_, err = logger.Search(context.Background(), &SearchFilter{})
	require.NoError(t, err)
	assert.NoError(t, readerMock.ExpectationsWereMet())
	assert.NoError(t, writerMock.ExpectationsWereMet())
}
