package rbac

import (
	"bytes"
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

type handlerFixture struct {
	*fixture
	router *mux.Router
	audit  *audit.MemoryLogger
	actor  int64
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	f := newFixture(t)
	mem := audit.NewMemoryLogger()
	router := mux.NewRouter()
	NewHandlers(f.store, newTestResolver(t, f), mem, nil).RegisterRoutes(router)

	admin := f.user(t, &User{Email: "admin@acme.test", Role: RoleOrgAdmin})
	return &handlerFixture{fixture: f, router: router, audit: mem, actor: admin.ID}
}

func (h *handlerFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{UserID: h.actor, Method: auth.MethodSession}))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestHandlers_RoleLifecycle(t *testing.T) {
	h := newHandlerFixture(t)
	base := fmt.Sprintf("/admin/organizations/%d/roles", h.org)

	rec := h.do(t, http.MethodPost, base, map[string]interface{}{"name": "sales", "permissions": []string{"crm.read"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var role ServiceRole
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&role))

	rec = h.do(t, http.MethodPost, base, map[string]interface{}{"name": "sales"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, base, map[string]interface{}{"name": "legacy", "permissions": []string{"crm_read"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPut, fmt.Sprintf("%s/%d", base, role.ID), map[string]interface{}{"permissions": []string{"crm.manage"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "crm.manage")

	rec = h.do(t, http.MethodDelete, fmt.Sprintf("%s/%d", base, role.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	types := []audit.EventType{}
	for _, e := range h.audit.Events() {
		types = append(types, e.EventType)
		require.NotNil(t, e.UserID)
		assert.Equal(t, h.actor, *e.UserID)
		assert.Equal(t, h.org, *e.OrganizationID)
	}
	assert.Equal(t, []audit.EventType{audit.EventTypeRoleCreated, audit.EventTypeRoleUpdated, audit.EventTypeRoleDeleted}, types)
}

func TestHandlers_ForeignAndGlobalRoles(t *testing.T) {
	h := newHandlerFixture(t)
	foreign := h.role(t, &h.other, "foreign", "crm.read")
	global := h.role(t, nil, "global", "crm.read")

	rec := h.do(t, http.MethodGet, fmt.Sprintf("/admin/organizations/%d/roles/%d", h.org, foreign.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/admin/organizations/%d/roles/%d", h.org, global.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodDelete, fmt.Sprintf("/admin/organizations/%d/roles/%d", h.org, global.ID), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlers_UserAssignments(t *testing.T) {
	h := newHandlerFixture(t)
	base := fmt.Sprintf("/admin/organizations/%d/users", h.org)
	role := h.role(t, &h.org, "sales", "crm.read", "crm.update")

	rec := h.do(t, http.MethodPost, base, map[string]interface{}{"email": "m@acme.test", "role": "manager"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var manager User
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&manager))

	rec = h.do(t, http.MethodPut, fmt.Sprintf("%s/%d/modules", base, manager.ID), map[string]interface{}{"modules": []string{"crm"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPut, fmt.Sprintf("%s/%d/service-role", base, manager.ID), map[string]interface{}{"service_role_id": role.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPut, fmt.Sprintf("%s/%d/submodule-permissions", base, manager.ID),
		map[string]interface{}{"permissions": map[string]interface{}{"crm": map[string][]string{"leads": {"read"}}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "managers do not take submodule grants")

	rec = h.do(t, http.MethodGet, fmt.Sprintf("%s/%d/permissions", base, manager.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var perms struct {
		Effective []EffectiveGrant `json:"effective"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&perms))
	assert.ElementsMatch(t, []EffectiveGrant{{Module: "crm", Action: "read"}, {Module: "crm", Action: "update"}}, perms.Effective)

	assert.Len(t, h.audit.EventsOfType(audit.EventTypeModulesAssigned), 1)
	assert.Len(t, h.audit.EventsOfType(audit.EventTypeServiceRoleSet), 1)
	assert.Len(t, h.audit.EventsOfType(audit.EventTypeUserCreated), 1)
}

func TestHandlers_UserInOtherOrgIsHidden(t *testing.T) {
	h := newHandlerFixture(t)
	foreign := h.user(t, &User{OrganizationID: &h.other, Email: "m@globex.test", Role: RoleManager})

	for _, tc := range []struct {
		method, path string
		body         interface{}
	}{
		{http.MethodGet, fmt.Sprintf("/admin/organizations/%d/users/%d", h.org, foreign.ID), nil},
		{http.MethodPut, fmt.Sprintf("/admin/organizations/%d/users/%d/modules", h.org, foreign.ID), map[string]interface{}{"modules": []string{"crm"}}},
		{http.MethodGet, fmt.Sprintf("/admin/organizations/%d/users/%d/permissions", h.org, foreign.ID), nil},
	} {
		rec := h.do(t, tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
	}
	assert.Empty(t, h.audit.Events())
}

func TestHandlers_TenantScope(t *testing.T) {
	h := newHandlerFixture(t)
	own := h.user(t, &User{Email: "m@acme.test", Role: RoleManager})
	local := h.role(t, &h.org, "local", "crm.read")
	global := h.role(t, nil, "global", "crm.read")

	var scoped []int64
	handlers := NewHandlers(h.store, newTestResolver(t, h.fixture), h.audit, nil)
	handlers.SetTenantScope(func(r *http.Request, resourceOrgID int64) error {
		scoped = append(scoped, resourceOrgID)
		return errors.New("outside tenant")
	})
	h.router = mux.NewRouter()
	handlers.RegisterRoutes(h.router)

	rec := h.do(t, http.MethodGet, fmt.Sprintf("/admin/organizations/%d/users/%d", h.org, own.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	missing := h.do(t, http.MethodGet, fmt.Sprintf("/admin/organizations/%d/users/%d", h.org, 99999), nil)
	assert.Equal(t, missing.Body.String(), rec.Body.String())

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/admin/organizations/%d/roles/%d", h.org, local.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/admin/organizations/%d/roles/%d", h.org, global.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code, "global roles are outside any tenant")

	assert.Equal(t, []int64{h.org, h.org}, scoped)
}

func TestHandlers_CreateUserValidation(t *testing.T) {
	h := newHandlerFixture(t)
	base := fmt.Sprintf("/admin/organizations/%d/users", h.org)

	for _, body := range []map[string]interface{}{
		{"email": "root@acme.test", "role": "super_admin"},
		{"email": "x@acme.test", "role": "owner"},
		{"email": "x@acme.test", "role": "manager", "assigned_modules": []string{"billing"}},
		{"email": "x@acme.test", "role": "manager", "unexpected": true},
	} {
		rec := h.do(t, http.MethodPost, base, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := h.do(t, http.MethodPost, base, map[string]interface{}{"email": "admin@acme.test", "role": "org_admin"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlers_ListUsersByRole(t *testing.T) {
	h := newHandlerFixture(t)
	h.user(t, &User{Email: "m@acme.test", Role: RoleManager})

	rec := h.do(t, http.MethodGet, fmt.Sprintf("/admin/organizations/%d/users?role=manager", h.org), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Users []User `json:"users"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Users, 1)
	assert.Equal(t, "m@acme.test", body.Users[0].Email)

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/admin/organizations/%d/users?role=owner", h.org), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
