package entitlements

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/auth"
)

func newTestRouter(t *testing.T, f *fixture) *mux.Router {
	t.Helper()
	router := mux.NewRouter()
	NewHandlers(f.store, nil).RegisterRoutes(router)
	return router
}

func serve(t *testing.T, router *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{UserID: 7, Method: auth.MethodSession}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlers_SetModuleStatus(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	base := fmt.Sprintf("/admin/organizations/%d/entitlements", f.org)

	rec := serve(t, router, http.MethodPut, base+"/crm", `{"status":"enabled"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var change Change
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&change))
	assert.True(t, change.Changed)
	assert.Equal(t, StatusEnabled, change.NewStatus)

	rec = serve(t, router, http.MethodPut, base+"/crm/submodules/leads",
		`{"status":"trial","trial_expires_at":"2026-06-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	events, err := f.events.List(t.Context(), audit.EventFilter{OrganizationID: &f.org})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "user:7", events[0].Actor)
	require.NotNil(t, events[1].SubmoduleKey)
	assert.Equal(t, "leads", *events[1].SubmoduleKey)

	for _, tc := range []struct {
		path, body string
		want       int
	}{
		{base + "/crm", `{"status":"paused"}`, http.StatusBadRequest},
		{base + "/crm", `{"status":"trial"}`, http.StatusBadRequest},
		{base + "/crm", `{"status":"enabled","note":"x"}`, http.StatusBadRequest},
		{base + "/billing", `{"status":"enabled"}`, http.StatusNotFound},
		{base + "/crm/submodules/tickets", `{"status":"enabled"}`, http.StatusNotFound},
	} {
		rec := serve(t, router, http.MethodPut, tc.path, tc.body)
		assert.Equal(t, tc.want, rec.Code, "%s %s", tc.path, tc.body)
	}
}

func TestHandlers_Categories(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)

	rec := serve(t, router, http.MethodGet, "/admin/categories", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "manufacturing_suite")

	rec = serve(t, router, http.MethodPost, fmt.Sprintf("/admin/organizations/%d/categories/manufacturing_suite/activate", f.org), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result CategoryResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.ElementsMatch(t, []string{"manufacturing", "inventory"}, result.Changed)

	rec = serve(t, router, http.MethodPost, fmt.Sprintf("/admin/organizations/%d/categories/manufacturing_suite/deactivate", f.org), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, router, http.MethodPost, fmt.Sprintf("/admin/organizations/%d/categories/nope/activate", f.org), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, router, http.MethodGet, fmt.Sprintf("/admin/organizations/%d/entitlement-events?event_types=revoked", f.org), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 2, body.Count)
}

func TestHandlers_GetOrgEntitlements(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	f.set(t, "payroll", "", StatusEnabled, nil)

	rec := serve(t, router, http.MethodGet, fmt.Sprintf("/admin/organizations/%d/entitlements", f.org), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entitlements []EffectiveEntitlement `json:"entitlements"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	for _, e := range body.Entitlements {
		if e.Module == "payroll" {
			assert.Equal(t, StatusEnabled, e.EffectiveStatus)
		}
	}

	rec = serve(t, router, http.MethodGet, fmt.Sprintf("/admin/organizations/%d/entitlement-events?since=yesterday", f.org), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
