package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
)

const (
	// TokenPrefix identifies Gatekeeper API tokens
	TokenPrefix = "gk_"
	// TokenLength is the number of random bytes in a token
	TokenLength = 32
)

// ErrTokenNotFound is returned for an unknown token id or hash
var ErrTokenNotFound = errors.New("api token not found")

// APIToken is a stored API token. The plaintext is returned once, at
// creation.
type APIToken struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	Name        string     `json:"name"`
	TokenHash   string     `json:"-"`
	TokenPrefix string     `json:"token_prefix"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// GenerateToken creates a new token.
// Format: gk_<base64url(32 random bytes)>
func GenerateToken() (token, tokenHash, tokenPrefix string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	token = TokenPrefix + encoded
	return token, HashToken(token), TokenPrefix + encoded[:8], nil
}

// HashToken computes the SHA-256 hash used to look a token up
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks the prefix and encoding of a token
func ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}
	encoded := strings.TrimPrefix(token, TokenPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	if len(raw) != TokenLength {
		return fmt.Errorf("token must encode %d bytes", TokenLength)
	}
	return nil
}

// TokenStore persists API tokens in api_tokens
type TokenStore struct {
	db    *sql.DB
	clock quartz.Clock
}

// NewTokenStore creates a token store. A nil clock uses the real clock.
func NewTokenStore(db *sql.DB, clock quartz.Clock) *TokenStore {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &TokenStore{db: db, clock: clock}
}

const tokenColumns = `id, user_id, name, token_hash, token_prefix, expires_at, last_used_at, revoked_at, created_at`

func scanToken(row interface{ Scan(...interface{}) error }) (*APIToken, error) {
	t := &APIToken{}
	var expires, lastUsed, revoked sql.NullTime
	if err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.TokenHash, &t.TokenPrefix, &expires, &lastUsed, &revoked, &t.CreatedAt); err != nil {
		return nil, err
	}
	if expires.Valid {
		t.ExpiresAt = &expires.Time
	}
	if lastUsed.Valid {
		t.LastUsedAt = &lastUsed.Time
	}
	if revoked.Valid {
		t.RevokedAt = &revoked.Time
	}
	return t, nil
}

// Create generates and stores a token. The plaintext is returned only here.
func (s *TokenStore) Create(ctx context.Context, userID int64, name string, expiresAt *time.Time) (*APIToken, string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, "", errors.New("token name is required")
	}

	plaintext, hash, prefix, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}

	t := &APIToken{
		UserID:      userID,
		Name:        name,
		TokenHash:   hash,
		TokenPrefix: prefix,
		CreatedAt:   s.clock.Now().UTC(),
	}
	if expiresAt != nil {
		exp := expiresAt.UTC()
		t.ExpiresAt = &exp
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO api_tokens (user_id, name, token_hash, token_prefix, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		t.UserID, t.Name, t.TokenHash, t.TokenPrefix, t.ExpiresAt, t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create api token: %w", err)
	}
	return t, plaintext, nil
}

// GetByHash looks a token up by its hash
func (s *TokenStore) GetByHash(ctx context.Context, hash string) (*APIToken, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE token_hash = $1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api token: %w", err)
	}
	return t, nil
}

// ListForUser returns a user's tokens, newest first
func (s *TokenStore) ListForUser(ctx context.Context, userID int64) ([]*APIToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api tokens: %w", err)
	}
	defer rows.Close()

	tokens := make([]*APIToken, 0)
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// Revoke marks a token revoked. Revoking twice is not an error.
func (s *TokenStore) Revoke(ctx context.Context, id int64) error {
	return s.revoke(ctx, `UPDATE api_tokens SET revoked_at = COALESCE(revoked_at, $1) WHERE id = $2`, id)
}

// RevokeForUser revokes a token owned by userID. A token belonging to
// anyone else reads as not found.
func (s *TokenStore) RevokeForUser(ctx context.Context, id, userID int64) error {
	return s.revoke(ctx, `UPDATE api_tokens SET revoked_at = COALESCE(revoked_at, $1) WHERE id = $2 AND user_id = $3`, id, userID)
}

func (s *TokenStore) revoke(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, append([]interface{}{s.clock.Now().UTC()}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to revoke api token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke api token: %w", err)
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// Touch records a successful use
func (s *TokenStore) Touch(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_tokens SET last_used_at = $1 WHERE id = $2`, s.clock.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch api token: %w", err)
	}
	return nil
}

// APITokenVerifier authenticates gk_ tokens
type APITokenVerifier struct {
	store *TokenStore
}

// NewAPITokenVerifier creates a verifier backed by store
func NewAPITokenVerifier(store *TokenStore) *APITokenVerifier {
	return &APITokenVerifier{store: store}
}

// Verify rejects unknown, revoked and expired tokens and touches
// last_used_at on success
func (v *APITokenVerifier) Verify(ctx context.Context, rawToken string) (*Principal, error) {
	if !strings.HasPrefix(rawToken, TokenPrefix) {
		return nil, ErrUnrecognizedToken
	}
	if err := ValidateTokenFormat(rawToken); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	t, err := v.store.GetByHash(ctx, HashToken(rawToken))
	if errors.Is(err, ErrTokenNotFound) {
		return nil, fmt.Errorf("%w: unknown api token", ErrInvalidToken)
	}
	if err != nil {
		return nil, err
	}
	if t.RevokedAt != nil {
		return nil, fmt.Errorf("%w: api token revoked", ErrInvalidToken)
	}
	if t.ExpiresAt != nil && !v.store.clock.Now().Before(*t.ExpiresAt) {
		return nil, fmt.Errorf("%w: api token expired", ErrInvalidToken)
	}

	if err := v.store.Touch(ctx, t.ID); err != nil {
		return nil, err
	}

	return &Principal{
		Subject: t.TokenPrefix,
		UserID:  t.UserID,
		Method:  MethodAPIToken,
		Claims:  map[string]interface{}{"token_id": t.ID},
	}, nil
}
