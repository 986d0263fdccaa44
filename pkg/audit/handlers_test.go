package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errSearcher struct{}

func (errSearcher) Search(ctx context.Context, filter *SearchFilter) ([]*AuditEvent, error) {
	return nil, errors.New("db down")
}

func newTestRouter(t *testing.T, searcher Searcher) *mux.Router {
	t.Helper()
	router := mux.NewRouter()
	NewHandlers(searcher, nil, nil, nil).RegisterRoutes(router)
	return router
}

func seededMemoryLogger(t *testing.T) *MemoryLogger {
	t.Helper()
	mem := NewMemoryLogger()
	org := int64(4)
	for i, et := range []EventType{EventTypePermissionDenied, EventTypeRoleCreated, EventTypeEntitlementDenied} {
		status := EventStatusDenied
		if et == EventTypeRoleCreated {
			status = EventStatusSuccess
		}
		require.NoError(t, mem.Log(context.Background(), &AuditEvent{
			Timestamp:      time.Date(2026, 2, 1, 0, i, 0, 0, time.UTC),
			EventType:      et,
			Status:         status,
			OrganizationID: &org,
		}))
	}
	return mem
}

func TestHandlers_ListEvents(t *testing.T) {
	router := newTestRouter(t, seededMemoryLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/admin/audit/events?status=denied&limit=10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []*AuditEvent `json:"events"`
		Count  int           `json:"count"`
		Limit  int           `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, 10, body.Limit)
	assert.Equal(t, EventTypeEntitlementDenied, body.Events[0].EventType)
}

func TestHandlers_ListEvents_BadParams(t *testing.T) {
	router := newTestRouter(t, NewMemoryLogger())

	for _, target := range []string{
		"/admin/audit/events?status=maybe",
		"/admin/audit/events?organization_id=abc",
		"/admin/audit/events?start_time=yesterday",
		"/admin/audit/export?format=xml",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestHandlers_SearchFailureIsOpaque(t *testing.T) {
	router := newTestRouter(t, errSearcher{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/audit/events", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestHandlers_Export(t *testing.T) {
	router := newTestRouter(t, seededMemoryLogger(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/audit/export?format=csv&event_types=access.permission_denied", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "audit-logs.csv")
	assert.Contains(t, rec.Body.String(), "access.permission_denied")
	assert.NotContains(t, rec.Body.String(), "rbac.role_created")
}

func TestHandlers_OptionalRoutes(t *testing.T) {
	router := newTestRouter(t, NewMemoryLogger())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/audit/stats", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParseCommaSeparated(t *testing.T) {
	assert.Nil(t, parseCommaSeparated(""))
	assert.Equal(t, []string{"a", "b"}, parseCommaSeparated(" a, ,b "))
}
