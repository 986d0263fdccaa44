package orgs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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

type fakeInitializer struct {
	initialized map[int64][]string
	failFor     string
}

func (f *fakeInitializer) InitialModules(tier string, extra []string) ([]string, error) {
	if tier == "custom" && len(extra) == 0 {
		return nil, errors.New("custom tier needs modules")
	}
	for _, m := range extra {
		if m == "billing" {
			return nil, fmt.Errorf("unknown module: %s", m)
		}
	}
	return append([]string{"crm"}, extra...), nil
}

func (f *fakeInitializer) InitializeForOrganization(ctx context.Context, orgID int64, tier string, extra []string, actor string) ([]string, error) {
	modules, err := f.InitialModules(tier, extra)
	if err != nil {
		return nil, err
	}
	f.initialized[orgID] = modules
	return modules, nil
}

type handlerFixture struct {
	store  *Store
	init   *fakeInitializer
	audit  *audit.MemoryLogger
	router *mux.Router
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	store, _ := newTestStore(t)
	f := &handlerFixture{
		store:  store,
		init:   &fakeInitializer{initialized: make(map[int64][]string)},
		audit:  audit.NewMemoryLogger(),
		router: mux.NewRouter(),
	}
	NewHandlers(store, f.init, f.audit, nil).RegisterRoutes(f.router)
	return f
}

func (f *handlerFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{UserID: 1, Method: auth.MethodSession}))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHandlers_CreateOrganization(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodPost, "/admin/organizations", `{"name":"Acme Corp","license_tier":"pro","extra_modules":["inventory"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var body struct {
		Organization Organization `json:"organization"`
		Modules      []string     `json:"modules"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "acme-corp", body.Organization.Slug)
	assert.Equal(t, TierPro, body.Organization.LicenseTier)
	assert.Equal(t, []string{"crm", "inventory"}, body.Modules)
	assert.Equal(t, body.Modules, f.init.initialized[body.Organization.ID])

	created := f.audit.EventsOfType(audit.EventTypeOrgCreated)
	require.Len(t, created, 1)
	assert.Equal(t, fmt.Sprintf("%d", body.Organization.ID), created[0].ResourceID)

	rec = f.do(http.MethodPost, "/admin/organizations", `{"name":"Acme Corp"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlers_CreateOrganizationRejectsBeforeWriting(t *testing.T) {
	f := newHandlerFixture(t)

	for _, body := range []string{
		`{}`,
		`{"name":"Acme","license_tier":"platinum"}`,
		`{"name":"Acme","extra_modules":["billing"]}`,
		`{"name":"Acme","license_tier":"custom"}`,
		`{"name":"Acme","owner":"bob"}`,
	} {
		rec := f.do(http.MethodPost, "/admin/organizations", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	orgs, err := f.store.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, orgs)
	assert.Empty(t, f.audit.Events())
}

func TestHandlers_GetAndDeactivate(t *testing.T) {
	f := newHandlerFixture(t)
	org, err := f.store.Create(context.Background(), CreateOrgRequest{Name: "Globex"})
	require.NoError(t, err)
	path := fmt.Sprintf("/admin/organizations/%d", org.ID)

	rec := f.do(http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPut, path+"/active", `{"is_active":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var got Organization
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.False(t, got.IsActive)
	assert.Len(t, f.audit.EventsOfType(audit.EventTypeOrgStatusChanged), 1)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, path+"/active", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/admin/organizations/9999", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPut, "/admin/organizations/9999/active", `{"is_active":true}`).Code)

	rec = f.do(http.MethodGet, "/admin/organizations?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodGet, "/admin/organizations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
}
