package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/storage/testdb"
)

func TestGenerateToken(t *testing.T) {
	token, hash, prefix, err := GenerateToken()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token, TokenPrefix))
	assert.True(t, strings.HasPrefix(token, prefix))
	assert.Len(t, prefix, len(TokenPrefix)+8)
	assert.Equal(t, HashToken(token), hash)
	assert.NoError(t, ValidateTokenFormat(token))

	other, _, _, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestValidateTokenFormat(t *testing.T) {
	assert.Error(t, ValidateTokenFormat("ghp_abc"))
	assert.Error(t, ValidateTokenFormat("gk_!!!"))
	assert.Error(t, ValidateTokenFormat("gk_YWJj"))
}

func newTokenFixture(t *testing.T) (*TokenStore, *quartz.Mock, int64) {
	t.Helper()
	db := testdb.Open(t)
	org := testdb.Org(t, db, "acme")
	user := testdb.User(t, db, &org, "ops@acme.test", "org_admin")

	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	return NewTokenStore(db, clock), clock, user
}

func TestTokenStore_CreateAndVerify(t *testing.T) {
	ctx := context.Background()
	store, clock, user := newTokenFixture(t)

	created, plaintext, err := store.Create(ctx, user, "ci", nil)
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.True(t, strings.HasPrefix(plaintext, created.TokenPrefix))

	clock.Advance(time.Minute)
	p, err := NewAPITokenVerifier(store).Verify(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, user, p.UserID)
	assert.Equal(t, MethodAPIToken, p.Method)

	stored, err := store.GetByHash(ctx, HashToken(plaintext))
	require.NoError(t, err)
	require.NotNil(t, stored.LastUsedAt)
	assert.True(t, stored.LastUsedAt.Equal(clock.Now()))
}

func TestTokenStore_CreateRequiresName(t *testing.T) {
	store, _, user := newTokenFixture(t)
	_, _, err := store.Create(context.Background(), user, " ", nil)
	assert.Error(t, err)
}

func TestAPITokenVerifier_Revoked(t *testing.T) {
	ctx := context.Background()
	store, _, user := newTokenFixture(t)

	created, plaintext, err := store.Create(ctx, user, "ci", nil)
	require.NoError(t, err)
	require.NoError(t, store.Revoke(ctx, created.ID))
	require.NoError(t, store.Revoke(ctx, created.ID))

	_, err = NewAPITokenVerifier(store).Verify(ctx, plaintext)
	assert.ErrorIs(t, err, ErrInvalidToken)

	assert.ErrorIs(t, store.Revoke(ctx, 9999), ErrTokenNotFound)
}

func TestAPITokenVerifier_Expired(t *testing.T) {
	ctx := context.Background()
	store, clock, user := newTokenFixture(t)

	expires := clock.Now().Add(time.Hour)
	_, plaintext, err := store.Create(ctx, user, "short-lived", &expires)
	require.NoError(t, err)

	v := NewAPITokenVerifier(store)
	_, err = v.Verify(ctx, plaintext)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = v.Verify(ctx, plaintext)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAPITokenVerifier_Unknown(t *testing.T) {
	store, _, _ := newTokenFixture(t)
	v := NewAPITokenVerifier(store)

	_, err := v.Verify(context.Background(), "session.jwt.token")
	assert.ErrorIs(t, err, ErrUnrecognizedToken)

	forged, _, _, err := GenerateToken()
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), forged)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenStore_ListForUser(t *testing.T) {
	ctx := context.Background()
	store, clock, user := newTokenFixture(t)

	_, _, err := store.Create(ctx, user, "first", nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, _, err = store.Create(ctx, user, "second", nil)
	require.NoError(t, err)

	tokens, err := store.ListForUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "second", tokens[0].Name)
}

func TestTokenStore_RevokeForUser(t *testing.T) {
	ctx := context.Background()
	store, _, user := newTokenFixture(t)

	created, _, err := store.Create(ctx, user, "ci", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, store.RevokeForUser(ctx, created.ID, user+1), ErrTokenNotFound)
	require.NoError(t, store.RevokeForUser(ctx, created.ID, user))

	tokens, err := store.ListForUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.NotNil(t, tokens[0].RevokedAt)
}
