package tenant

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/orgs"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

type fakeUsers map[int64]*rbac.User

func (f fakeUsers) GetUser(_ context.Context, id int64) (*rbac.User, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, rbac.ErrUserNotFound
}

type fakeOrgs struct {
	orgs map[int64]*orgs.Organization
	err  error
}

func (f fakeOrgs) Get(_ context.Context, id int64) (*orgs.Organization, error) {
	if f.err != nil {
		return nil, f.err
	}
	if o, ok := f.orgs[id]; ok {
		return o, nil
	}
	return nil, orgs.ErrOrgNotFound
}

func int64Ptr(v int64) *int64 { return &v }

func newTestResolver() *Resolver {
	users := fakeUsers{
		1: {ID: 1, Role: rbac.RoleSuperAdmin, IsActive: true},
		2: {ID: 2, OrganizationID: int64Ptr(10), Role: rbac.RoleManager, IsActive: true},
		3: {ID: 3, OrganizationID: int64Ptr(10), Role: rbac.RoleManager, IsActive: false},
		4: {ID: 4, OrganizationID: int64Ptr(20), Role: rbac.RoleOrgAdmin, IsActive: true},
		5: {ID: 5, Role: rbac.RoleManager, IsActive: true},
	}
	organizations := fakeOrgs{orgs: map[int64]*orgs.Organization{
		10: {ID: 10, Slug: "acme", IsActive: true},
		20: {ID: 20, Slug: "globex", IsActive: false},
	}}
	return NewResolver(users, organizations)
}

func as(userID int64) context.Context {
	return auth.WithPrincipal(context.Background(), &auth.Principal{UserID: userID, Method: auth.MethodSession})
}

func requireReason(t *testing.T, err error, want Reason) {
	t.Helper()
	var tErr *Error
	require.True(t, errors.As(err, &tErr), "expected *tenant.Error, got %v", err)
	assert.Equal(t, want, tErr.Reason)
	assert.NotEmpty(t, tErr.Message())
}

func TestResolve_OrgUser(t *testing.T) {
	r := newTestResolver()

	got, err := r.Resolve(as(2))
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.User.ID)
	assert.Equal(t, int64(10), *got.OrganizationID)
	assert.False(t, got.IsSuperAdmin())

	got, err = r.Resolve(as(2), AllowCrossTenant(10))
	require.NoError(t, err)
	assert.Equal(t, int64(10), *got.OrganizationID)

	got, err = r.Resolve(as(2), PlatformScoped())
	require.NoError(t, err)
	assert.Equal(t, int64(10), *got.OrganizationID)
}

func TestResolve_Failures(t *testing.T) {
	r := newTestResolver()

	tests := []struct {
		name string
		ctx  context.Context
		opts []Option
		want Reason
	}{
		{"no principal", context.Background(), nil, ReasonMissingPrincipal},
		{"unknown user", as(99), nil, ReasonInvalidPrincipal},
		{"inactive user", as(3), nil, ReasonInvalidPrincipal},
		{"user without org", as(5), nil, ReasonMissingOrganization},
		{"inactive org", as(4), nil, ReasonInactiveOrganization},
		{"other org", as(2), []Option{AllowCrossTenant(20)}, ReasonCrossTenant},
		{"super admin without target", as(1), nil, ReasonMissingOrganization},
		{"super admin unknown org", as(1), []Option{AllowCrossTenant(77)}, ReasonMissingOrganization},
		{"super admin inactive org", as(1), []Option{AllowCrossTenant(20)}, ReasonInactiveOrganization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.ctx, tt.opts...)
			assert.Nil(t, got)
			requireReason(t, err, tt.want)
		})
	}
}

func TestResolve_SuperAdmin(t *testing.T) {
	r := newTestResolver()

	got, err := r.Resolve(as(1), AllowCrossTenant(10))
	require.NoError(t, err)
	assert.True(t, got.IsSuperAdmin())
	assert.Equal(t, int64(10), *got.OrganizationID)

	got, err = r.Resolve(as(1), PlatformScoped())
	require.NoError(t, err)
	assert.Nil(t, got.OrganizationID)

	// an explicit target wins over platform scope
	got, err = r.Resolve(as(1), PlatformScoped(), AllowCrossTenant(10))
	require.NoError(t, err)
	assert.Equal(t, int64(10), *got.OrganizationID)
}

func TestResolve_StorageErrorIsNotTenantError(t *testing.T) {
	r := NewResolver(fakeUsers{2: {ID: 2, OrganizationID: int64Ptr(10), Role: rbac.RoleManager, IsActive: true}},
		fakeOrgs{err: errors.New("connection reset")})

	_, err := r.Resolve(as(2))
	require.Error(t, err)
	var tErr *Error
	assert.False(t, errors.As(err, &tErr))
	assert.Contains(t, err.Error(), "connection reset")
}
