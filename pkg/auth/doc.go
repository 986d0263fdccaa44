// Package auth turns bearer credentials into an authenticated Principal.
//
// Three verifiers are provided and usually combined with a Chain:
//
//   - JWTVerifier: HS256 session tokens issued by IssueSession
//   - OIDCVerifier: ID tokens from an OpenID Connect provider, with an
//     optional userinfo fallback for opaque OAuth2 access tokens
//   - APITokenVerifier: long-lived gk_ tokens stored as SHA-256 hashes
//
// A verifier that does not recognize a credential returns
// ErrUnrecognizedToken so the chain can try the next one. Any other error is
// final.
//
//	chain := auth.NewChain(sessions, oidcVerifier, apiTokens)
//	principal, err := chain.Verify(ctx, raw)
//
// The Principal only identifies the caller. Tenant and role resolution
// happen later in the access pipeline.
package auth
