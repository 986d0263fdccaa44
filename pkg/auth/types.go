package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
)

var (
	// ErrUnrecognizedToken means the verifier does not handle this kind of
	// credential
	ErrUnrecognizedToken = errors.New("unrecognized token")
	// ErrInvalidToken means the credential was recognized but failed
	// verification
	ErrInvalidToken = errors.New("invalid token")
)

// Method identifies how a principal authenticated
type Method string

const (
	MethodSession  Method = "session"
	MethodOIDC     Method = "oidc"
	MethodAPIToken Method = "api_token"
)

// Principal is an authenticated caller. UserID refers to a row in users.
type Principal struct {
	Subject string                 `json:"subject"`
	UserID  int64                  `json:"user_id"`
	Method  Method                 `json:"method"`
	Claims  map[string]interface{} `json:"claims,omitempty"`
}

// Actor formats the principal for audit and event records
func (p *Principal) Actor() string {
	if p == nil {
		return "system"
	}
	return fmt.Sprintf("user:%d", p.UserID)
}

// Verifier authenticates a raw bearer credential
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Principal, error)
}

// Chain tries each verifier in order until one recognizes the credential
type Chain struct {
	verifiers []Verifier
}

// NewChain creates a chain. Nil verifiers are skipped.
func NewChain(verifiers ...Verifier) *Chain {
	c := &Chain{}
	for _, v := range verifiers {
		if v != nil {
			c.verifiers = append(c.verifiers, v)
		}
	}
	return c
}

// Verify returns the first principal produced by a verifier. It stops at the
// first error other than ErrUnrecognizedToken.
func (c *Chain) Verify(ctx context.Context, rawToken string) (*Principal, error) {
	if rawToken == "" {
		return nil, ErrInvalidToken
	}
	for _, v := range c.verifiers {
		p, err := v.Verify(ctx, rawToken)
		if errors.Is(err, ErrUnrecognizedToken) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, ErrUnrecognizedToken
}

// WithPrincipal stores the principal in ctx
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return contextkeys.WithPrincipal(ctx, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	return p, ok && p != nil
}

// ActorFromContext formats the caller for audit records, or "system" when
// the context carries no principal
func ActorFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.Actor()
}
