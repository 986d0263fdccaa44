package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims are the claims carried by a session token
type SessionClaims struct {
	jwt.RegisteredClaims
}

// JWTConfig configures session tokens
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// JWTVerifier verifies and issues HS256 session tokens
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    quartz.Clock
}

// NewJWTVerifier creates a session verifier. A nil clock uses the real
// clock.
func NewJWTVerifier(cfg JWTConfig, clock quartz.Clock) (*JWTVerifier, error) {
	if len(cfg.Secret) < 32 {
		return nil, errors.New("JWT secret must be at least 32 bytes")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 12 * time.Hour
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &JWTVerifier{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
		clock:    clock,
	}, nil
}

// IssueSession signs a session token for userID
func (v *JWTVerifier) IssueSession(userID int64) (string, time.Time, error) {
	now := v.clock.Now().UTC()
	expires := now.Add(v.ttl)

	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks signature, expiry, issuer and audience. Tokens that are not
// HS256 JWTs, or carry another issuer, are left to other verifiers.
func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (*Principal, error) {
	if strings.Count(rawToken, ".") != 2 {
		return nil, ErrUnrecognizedToken
	}

	var peek SessionClaims
	unverified, _, err := jwt.NewParser().ParseUnverified(rawToken, &peek)
	if err != nil {
		return nil, ErrUnrecognizedToken
	}
	if unverified.Method != jwt.SigningMethodHS256 {
		return nil, ErrUnrecognizedToken
	}
	if v.issuer != "" && peek.Issuer != v.issuer {
		return nil, ErrUnrecognizedToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.clock.Now() }),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims SessionClaims
	token, err := jwt.ParseWithClaims(rawToken, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}

	return &Principal{
		Subject: claims.Subject,
		UserID:  userID,
		Method:  MethodSession,
		Claims: map[string]interface{}{
			"jti": claims.ID,
		},
	}, nil
}
