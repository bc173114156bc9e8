package processor

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-logr/logr"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// KeySetFunc returns the key set used to verify inbound tokens.
type KeySetFunc func(ctx context.Context) (jwk.Set, error)

// InboundValidator validates bearer tokens on inbound requests.
type InboundValidator struct {
	keys     KeySetFunc
	issuer   string
	audience string
	log      logr.Logger
}

// NewInboundValidator creates a validator. An empty audience disables the
// audience check.
func NewInboundValidator(keys KeySetFunc, issuer, audience string, log logr.Logger) *InboundValidator {
	return &InboundValidator{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		log:      log.WithName("inbound"),
	}
}

// NewJWKSValidator creates a validator backed by a JWKS cache. The cache
// refreshes keys in the background for as long as ctx is alive.
func NewJWKSValidator(ctx context.Context, jwksURL, issuer, audience string, log logr.Logger) (*InboundValidator, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL); err != nil {
		return nil, fmt.Errorf("register JWKS URL %s: %w", jwksURL, err)
	}
	log.WithName("inbound").Info("JWKS cache initialized", "jwksUrl", jwksURL, "issuer", issuer, "expectedAudience", audience)

	keys := func(ctx context.Context) (jwk.Set, error) {
		return cache.Get(ctx, jwksURL)
	}
	return NewInboundValidator(keys, issuer, audience, log), nil
}

// Validate verifies the token signature, expiry, issuer and, when
// configured, audience.
func (v *InboundValidator) Validate(ctx context.Context, tokenString string) error {
	keySet, err := v.keys(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}

	token, err := jwt.Parse([]byte(tokenString), jwt.WithKeySet(keySet), jwt.WithValidate(true))
	if err != nil {
		return fmt.Errorf("failed to parse/validate token: %w", err)
	}

	if token.Issuer() != v.issuer {
		return fmt.Errorf("invalid issuer: expected %s, got %s", v.issuer, token.Issuer())
	}

	if v.audience != "" && !slices.Contains(token.Audience(), v.audience) {
		return fmt.Errorf("invalid audience: expected %s, got %v", v.audience, token.Audience())
	}

	v.log.V(1).Info("Token validated", "issuer", token.Issuer(), "audience", token.Audience())
	return nil
}
