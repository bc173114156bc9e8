// Package clientauth builds OAuth2 client credentials "resource details"
// whose token endpoint is resolved through service discovery.
package clientauth

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/activation"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/config"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/discovery"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/tokenendpoint"
)

// Details describes a client credentials grant against a resolvable token endpoint.
type Details struct {
	ClientID     string
	ClientSecret string
	Scopes       []string

	resolver *tokenendpoint.Resolver
}

// NewDetails copies the client authorization settings into Details.
// locator may be nil; the configured token URI is then used verbatim.
func NewDetails(ca config.ClientAuthorizationConfig, locator discovery.Locator, log logr.Logger) *Details {
	resolver := tokenendpoint.New(locator, log)
	resolver.SetEndpoint(ca.AccessTokenURI)
	resolver.SetServiceID(ca.TokenServiceID)

	return &Details{
		ClientID:     ca.ClientID,
		ClientSecret: ca.ClientSecret,
		Scopes:       append([]string(nil), ca.Scopes...),
		resolver:     resolver,
	}
}

// AutoConfigure builds Details when the activation decision allows it.
// The locator is only wired in when service discovery is enabled.
// Returns false when client details are disabled.
func AutoConfigure(cfg *config.Config, decision activation.Decision, locator discovery.Locator, log logr.Logger) (*Details, bool) {
	log = log.WithName("clientauth")
	if !decision.ClientDetails.Enabled {
		log.Info("Client details disabled", "reason", decision.ClientDetails.Reason, "layer", decision.ClientDetails.Layer)
		return nil, false
	}

	if !decision.ServiceDiscovery.Enabled {
		log.Info("Token endpoint used as configured", "reason", decision.ServiceDiscovery.Reason)
		locator = nil
	}

	d := NewDetails(cfg.ClientAuthorization, locator, log)
	log.Info("Client details configured",
		"clientId", d.ClientID,
		"accessTokenUri", d.resolver.Endpoint(),
		"tokenServiceId", d.resolver.ServiceID(),
		"discovery", locator != nil,
	)
	return d, true
}

// Resolver returns the token endpoint resolver backing these details.
func (d *Details) Resolver() *tokenendpoint.Resolver {
	return d.resolver
}

// AccessTokenURI returns the token endpoint to use right now.
func (d *Details) AccessTokenURI(ctx context.Context) (string, error) {
	return d.resolver.Resolve(ctx)
}

// OAuth2Config returns a client credentials config for the currently
// resolved token endpoint.
func (d *Details) OAuth2Config(ctx context.Context) (*clientcredentials.Config, error) {
	tokenURL, err := d.AccessTokenURI(ctx)
	if err != nil {
		return nil, err
	}
	return &clientcredentials.Config{
		ClientID:     d.ClientID,
		ClientSecret: d.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       append([]string(nil), d.Scopes...),
	}, nil
}

// TokenSource returns a token source that caches tokens until they expire
// and resolves the token endpoint again for every new token.
// An *http.Client set on ctx with oauth2.HTTPClient is used for requests.
func (d *Details) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &resolvingTokenSource{ctx: ctx, details: d})
}

type resolvingTokenSource struct {
	ctx     context.Context
	details *Details
}

func (s *resolvingTokenSource) Token() (*oauth2.Token, error) {
	cfg, err := s.details.OAuth2Config(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve token endpoint: %w", err)
	}
	return cfg.Token(s.ctx)
}
