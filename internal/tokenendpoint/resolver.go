// Package tokenendpoint resolves the token endpoint an OAuth2 client should call.
//
// A Resolver holds a statically configured endpoint and an optional logical
// service id. When both the service id and a discovery.Locator are present,
// every Resolve call rewrites the endpoint's scheme, host and port to the
// instance the locator picks. Otherwise the configured endpoint is returned
// verbatim, so discovery never becomes a hard dependency of authentication.
package tokenendpoint

import (
	"context"
	"fmt"
	"net/url"

	"github.com/go-logr/logr"

	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/discovery"
)

// MalformedEndpointMessage is logged when the configured endpoint cannot be
// parsed. Monitoring matches on this exact text.
const MalformedEndpointMessage = "Could not parse access token URI, falling back to the configured value"

// Resolver resolves a token endpoint through an optional service locator.
// Configure with the setters first; Resolve is safe for concurrent use once
// configuration is complete.
type Resolver struct {
	endpoint  string
	serviceID string
	locator   discovery.Locator
	log       logr.Logger
}

// New creates a Resolver. locator may be nil, in which case the configured
// endpoint is always returned as is.
func New(locator discovery.Locator, log logr.Logger) *Resolver {
	return &Resolver{
		locator: locator,
		log:     log.WithName("token-endpoint"),
	}
}

// SetEndpoint sets the configured token endpoint URI.
func (r *Resolver) SetEndpoint(endpoint string) {
	r.endpoint = endpoint
}

// Endpoint returns the configured token endpoint URI.
func (r *Resolver) Endpoint() string {
	return r.endpoint
}

// SetServiceID sets the logical service id; empty disables discovery.
func (r *Resolver) SetServiceID(serviceID string) {
	r.serviceID = serviceID
}

// ServiceID returns the logical service id.
func (r *Resolver) ServiceID() string {
	return r.serviceID
}

// Resolve returns the token endpoint to call.
//
// A malformed endpoint is logged and returned unchanged. An error is only
// returned when the locator itself fails to choose an instance; the
// configured endpoint is returned alongside it.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	if r.serviceID == "" || r.locator == nil {
		return r.endpoint, nil
	}

	original, err := url.Parse(r.endpoint)
	if err != nil {
		r.log.Error(nil, MalformedEndpointMessage)
		return r.endpoint, nil
	}

	instance, err := r.locator.ChooseInstance(ctx, r.serviceID)
	if err != nil {
		return r.endpoint, fmt.Errorf("choose instance for %q: %w", r.serviceID, err)
	}

	rebuilt := r.locator.ReconstructURI(instance, original)
	if rebuilt == nil {
		return r.endpoint, nil
	}
	return rebuilt.String(), nil
}
