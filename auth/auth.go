// Package auth provides the bearer-token authorizer a router can consult
// before dispatching requests: JWT validation against static keys or a
// JWKS endpoint, and a method-to-scope policy.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Principal represents the authenticated entity (e.g., user, client application)
// after successful token validation. It can carry claims from the token.
type Principal interface {
	// GetClaims returns the claims associated with the principal.
	GetClaims() interface{}
	// GetSubject returns a unique identifier for the principal (e.g., 'sub' claim from JWT).
	GetSubject() string
	// GetScopes returns the OAuth scopes granted to the principal.
	GetScopes() []string
}

// TokenValidator defines the interface for validating access tokens.
type TokenValidator interface {
	// ValidateToken returns the authenticated Principal, or an error when the
	// token is malformed, expired or signed by an unknown key.
	ValidateToken(ctx context.Context, tokenString string) (Principal, error)
}

// principalKey is the context key for storing the authenticated Principal.
type principalKeyType struct{}

var principalKey = principalKeyType{}

// ContextWithPrincipal returns a new context with the given Principal embedded.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext retrieves the Principal from the context, if present.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey).(Principal)
	return principal, ok
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header.
func BearerToken(h http.Header) (string, bool) {
	if h == nil {
		return "", false
	}
	value := strings.TrimSpace(h.Get("Authorization"))
	scheme, token, found := strings.Cut(value, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
