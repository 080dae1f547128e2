package auth

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/protocol"
	"github.com/localrivet/mcprpc/router"
	"github.com/localrivet/mcprpc/transport"
	"github.com/localrivet/mcprpc/types"
)

// Authorizer checks the bearer token carried by a connection and, when a
// Policy is set, the scope each method requires. The validated Principal is
// placed on the request context.
type Authorizer struct {
	Validator TokenValidator
	// Policy may be nil, in which case any valid token is accepted.
	Policy *ScopePolicy
	// Public methods skip authentication. Defaults to ping.
	Public []string
	// Token extracts the bearer token. Defaults to the Authorization header
	// of the request that opened the connection.
	Token  func(info transport.Info) (string, bool)
	Logger types.Logger
}

var _ router.Authorizer = (*Authorizer)(nil)

// NewAuthorizer returns an Authorizer enforcing policy with tokens checked
// by validator.
func NewAuthorizer(validator TokenValidator, policy *ScopePolicy, logger types.Logger) *Authorizer {
	return &Authorizer{
		Validator: validator,
		Policy:    policy,
		Public:    []string{protocol.MethodPing},
		Logger:    logx.OrDefault(logger),
	}
}

// Authorize implements router.Authorizer.
func (a *Authorizer) Authorize(ctx context.Context, info transport.Info, method string, _ json.RawMessage) (context.Context, error) {
	for _, m := range a.Public {
		if m == method {
			return ctx, nil
		}
	}

	extract := a.Token
	if extract == nil {
		extract = func(info transport.Info) (string, bool) { return BearerToken(info.Header) }
	}
	token, ok := extract(info)
	if !ok {
		return nil, protocol.NewUnauthorizedError("missing bearer token")
	}

	principal, err := a.Validator.ValidateToken(ctx, token)
	if err != nil {
		// The router replaces non-protocol errors with a generic message and
		// logs the detail.
		return nil, err
	}

	if a.Policy != nil {
		missing, err := a.Policy.Check(method, principal.GetScopes())
		var scopeErr *ScopeError
		if errors.As(err, &scopeErr) {
			return nil, protocol.NewUnauthorizedError("insufficient scope").WithData(map[string]any{
				"method":   method,
				"required": scopeErr.Required,
			})
		}
		if err != nil {
			return nil, err
		}
		if missing != "" && a.Logger != nil {
			a.Logger.Debug("Principal %s lacks optional scope %s for %s", principal.GetSubject(), missing, method)
		}
	}
	return ContextWithPrincipal(ctx, principal), nil
}
