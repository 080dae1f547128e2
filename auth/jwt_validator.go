package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeySource resolves the verification key for a parsed, not yet verified token.
type KeySource interface {
	KeyFor(ctx context.Context, token *jwt.Token) (interface{}, error)
}

// KeySourceFunc adapts a function to KeySource.
type KeySourceFunc func(ctx context.Context, token *jwt.Token) (interface{}, error)

// KeyFor calls f.
func (f KeySourceFunc) KeyFor(ctx context.Context, token *jwt.Token) (interface{}, error) {
	return f(ctx, token)
}

// StaticKey returns a KeySource that always yields key: a []byte secret for
// HMAC, or a public key for RSA/ECDSA/EdDSA.
func StaticKey(key interface{}) KeySource {
	return KeySourceFunc(func(context.Context, *jwt.Token) (interface{}, error) {
		return key, nil
	})
}

// SetKeySource looks keys up by 'kid' in a fixed JWK set.
type SetKeySource struct {
	Set jwk.Set
}

// KeyFor implements KeySource.
func (s SetKeySource) KeyFor(_ context.Context, token *jwt.Token) (interface{}, error) {
	return rawKeyFromSet(s.Set, token)
}

// JWKSConfig holds configuration for the JWKS-based key source.
type JWKSConfig struct {
	// JWKSURL is the URL of the JSON Web Key Set endpoint. (Required)
	JWKSURL string
	// RefreshInterval defines how often to refresh the JWK set from the URL. Defaults to 1 hour.
	RefreshInterval time.Duration
}

// JWKSKeySource fetches keys from a JWKS endpoint through an auto-refreshing
// cache. A token signed with an unknown 'kid' triggers one refresh.
type JWKSKeySource struct {
	url   string
	cache *jwk.Cache
}

// NewJWKSKeySource registers url with a refreshing cache and performs the
// first fetch. The cache stops refreshing when ctx is done.
func NewJWKSKeySource(ctx context.Context, config JWKSConfig, client *http.Client) (*JWKSKeySource, error) {
	if config.JWKSURL == "" {
		return nil, fmt.Errorf("JWKSURL is required in JWKSConfig")
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = 1 * time.Hour
	}
	if client == nil {
		client = http.DefaultClient
	}

	cache := jwk.NewCache(ctx)
	err := cache.Register(config.JWKSURL, jwk.WithMinRefreshInterval(config.RefreshInterval), jwk.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL %s with cache: %w", config.JWKSURL, err)
	}
	if _, err := cache.Refresh(ctx, config.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch from %s: %w", config.JWKSURL, err)
	}
	return &JWKSKeySource{url: config.JWKSURL, cache: cache}, nil
}

// KeyFor implements KeySource.
func (s *JWKSKeySource) KeyFor(ctx context.Context, token *jwt.Token) (interface{}, error) {
	keySet, err := s.cache.Get(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWK set from cache for %s: %w", s.url, err)
	}
	key, err := rawKeyFromSet(keySet, token)
	if !errors.Is(err, errUnknownKey) {
		return key, err
	}

	keySet, err = s.cache.Refresh(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("refresh JWKS from %s after unknown key: %w", s.url, err)
	}
	return rawKeyFromSet(keySet, token)
}

var errUnknownKey = errors.New("unknown signing key")

func rawKeyFromSet(set jwk.Set, token *jwt.Token) (interface{}, error) {
	var key jwk.Key
	kid, hasKid := token.Header["kid"].(string)
	switch {
	case hasKid:
		found, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("%w: kid %q", errUnknownKey, kid)
		}
		key = found
	case set.Len() == 1:
		key, _ = set.Key(0)
	default:
		return nil, fmt.Errorf("JWT header missing 'kid' field")
	}

	var rawKey interface{}
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("failed to get raw key material for kid %q: %w", kid, err)
	}
	return rawKey, nil
}

// JWTConfig controls claim validation.
type JWTConfig struct {
	// Issuer is the required value for the 'iss' claim. (Optional)
	Issuer string
	// Audience is the required value for the 'aud' claim. (Optional)
	Audience string
	// Leeway is the acceptable clock skew for 'exp', 'nbf' and 'iat'.
	Leeway time.Duration
	// Algorithms restricts the accepted 'alg' values. Empty accepts any
	// algorithm the key type supports.
	Algorithms []string
}

// JWTValidator validates signed JWTs. It implements TokenValidator.
type JWTValidator struct {
	keys   KeySource
	config JWTConfig
}

var _ TokenValidator = (*JWTValidator)(nil)

// NewJWTValidator creates a validator that verifies signatures with keys.
func NewJWTValidator(keys KeySource, config JWTConfig) *JWTValidator {
	return &JWTValidator{keys: keys, config: config}
}

// jwtPrincipal implements the Principal interface for JWT claims.
type jwtPrincipal struct {
	claims jwt.MapClaims
	scopes []string
}

func (p *jwtPrincipal) GetClaims() interface{} { return p.claims }

func (p *jwtPrincipal) GetSubject() string {
	sub, _ := p.claims.GetSubject()
	return sub
}

func (p *jwtPrincipal) GetScopes() []string { return p.scopes }

// ValidateToken implements the TokenValidator interface.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (Principal, error) {
	var opts []jwt.ParserOption
	if v.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.Issuer))
	}
	if v.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.config.Audience))
	}
	if v.config.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(v.config.Leeway))
	}
	if len(v.config.Algorithms) > 0 {
		opts = append(opts, jwt.WithValidMethods(v.config.Algorithms))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.keys.KeyFor(ctx, token)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return &jwtPrincipal{claims: claims, scopes: scopesFromClaims(claims)}, nil
}

// scopesFromClaims reads the space-separated 'scope' claim, falling back to
// an 'scp' array.
func scopesFromClaims(claims jwt.MapClaims) []string {
	if scope, ok := claims["scope"].(string); ok {
		return strings.Fields(scope)
	}
	list, ok := claims["scp"].([]interface{})
	if !ok {
		return nil
	}
	scopes := make([]string, 0, len(list))
	for _, s := range list {
		if str, ok := s.(string); ok {
			scopes = append(scopes, str)
		}
	}
	return scopes
}
