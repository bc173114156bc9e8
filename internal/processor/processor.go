// Package processor implements the Envoy external processor that validates
// inbound tokens and exchanges outbound ones.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	v3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/go-logr/logr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/clientauth"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/discovery"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/exchange"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/metrics"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/resolver"
)

const (
	// DirectionHeader is set by the Envoy listener to mark inbound traffic.
	DirectionHeader  = "x-authbridge-direction"
	DirectionInbound = "inbound"
)

// Targets are the default exchange parameters for hosts without a route.
type Targets struct {
	Audience string
	Scopes   string
}

// Options wires the processor's collaborators. Nil fields disable the
// feature they back.
type Options struct {
	// Details holds the client credentials and the global token endpoint.
	Details *clientauth.Details
	// Exchange performs outbound token exchange.
	Exchange *exchange.Client
	// Routes maps destination hosts to per-target settings.
	Routes resolver.TargetResolver
	// Locator resolves per-route token endpoints.
	Locator discovery.Locator
	// Validator validates inbound tokens.
	Validator *InboundValidator
	Metrics   *metrics.Metrics
	Targets   Targets
}

// Processor is an Envoy ext_proc server.
type Processor struct {
	v3.UnimplementedExternalProcessorServer

	details   *clientauth.Details
	exchange  *exchange.Client
	routes    resolver.TargetResolver
	locator   discovery.Locator
	validator *InboundValidator
	metrics   *metrics.Metrics
	targets   atomic.Pointer[Targets]
	log       logr.Logger
}

func New(opts Options, log logr.Logger) *Processor {
	p := &Processor{
		details:   opts.Details,
		exchange:  opts.Exchange,
		routes:    opts.Routes,
		locator:   opts.Locator,
		validator: opts.Validator,
		metrics:   opts.Metrics,
		log:       log.WithName("processor"),
	}
	p.SetTargets(opts.Targets)
	return p
}

// SetTargets replaces the default exchange parameters.
func (p *Processor) SetTargets(t Targets) {
	p.targets.Store(&t)
}

func (p *Processor) Process(stream v3.ExternalProcessor_ProcessServer) error {
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return status.Errorf(codes.Unknown, "cannot receive stream request: %v", err)
		}

		resp := &v3.ProcessingResponse{}

		switch r := req.Request.(type) {
		case *v3.ProcessingRequest_RequestHeaders:
			headers := r.RequestHeaders.GetHeaders()
			if getHeaderValue(headers, DirectionHeader) == DirectionInbound {
				resp = p.handleInbound(ctx, headers)
			} else {
				resp = p.handleOutbound(ctx, headers)
			}

		case *v3.ProcessingRequest_ResponseHeaders:
			resp = &v3.ProcessingResponse{
				Response: &v3.ProcessingResponse_ResponseHeaders{
					ResponseHeaders: &v3.HeadersResponse{},
				},
			}

		default:
			p.log.Info("Unknown request type", "type", fmt.Sprintf("%T", r))
		}

		if err := stream.Send(resp); err != nil {
			return status.Errorf(codes.Unknown, "cannot send stream response: %v", err)
		}
	}
}

// handleInbound validates the bearer token and strips the direction header.
func (p *Processor) handleInbound(ctx context.Context, headers *core.HeaderMap) *v3.ProcessingResponse {
	log := p.log.WithValues("direction", DirectionInbound)

	if p.validator == nil {
		log.V(1).Info("Inbound validation not configured, skipping")
		p.metrics.ObserveInbound(metrics.InboundSkipped)
		return continueRequest()
	}

	authHeader := getHeaderValue(headers, "authorization")
	if authHeader == "" {
		log.Info("Missing Authorization header")
		p.metrics.ObserveInbound(metrics.InboundDenied)
		return denyRequest("missing Authorization header")
	}

	tokenString, ok := bearerToken(authHeader)
	if !ok {
		log.Info("Invalid Authorization header format")
		p.metrics.ObserveInbound(metrics.InboundDenied)
		return denyRequest("invalid Authorization header format")
	}

	if err := p.validator.Validate(ctx, tokenString); err != nil {
		log.Info("JWT validation failed", "error", err.Error())
		p.metrics.ObserveInbound(metrics.InboundDenied)
		return denyRequest(fmt.Sprintf("token validation failed: %v", err))
	}

	log.V(1).Info("JWT validation succeeded, forwarding request")
	p.metrics.ObserveInbound(metrics.InboundAllowed)
	return &v3.ProcessingResponse{
		Response: &v3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &v3.HeadersResponse{
				Response: &v3.CommonResponse{
					HeaderMutation: &v3.HeaderMutation{
						RemoveHeaders: []string{DirectionHeader},
					},
				},
			},
		},
	}
}

// handleOutbound exchanges the caller's token for one scoped to the
// destination. Any failure forwards the request unchanged.
func (p *Processor) handleOutbound(ctx context.Context, headers *core.HeaderMap) *v3.ProcessingResponse {
	host := getHeaderValue(headers, ":authority")
	if host == "" {
		host = getHeaderValue(headers, "host")
	}
	log := p.log.WithValues("host", host)

	var route *resolver.TargetConfig
	if p.routes != nil && host != "" {
		r, err := p.routes.Resolve(ctx, host)
		if err != nil {
			log.Error(err, "Route lookup failed, using global configuration")
		}
		route = r
	}

	if route != nil && route.Passthrough {
		log.V(1).Info("Passthrough route, skipping token exchange")
		p.metrics.ObserveExchange(metrics.ExchangePassthrough)
		return continueRequest()
	}

	if p.details == nil || p.exchange == nil || p.details.ClientSecret == "" {
		log.V(1).Info("Token exchange not configured, skipping")
		p.metrics.ObserveExchange(metrics.ExchangeSkipped)
		return continueRequest()
	}

	targets := p.targets.Load()
	audience, scopes := targets.Audience, targets.Scopes
	if route != nil {
		if route.Audience != "" {
			audience = route.Audience
		}
		if route.Scopes != "" {
			scopes = route.Scopes
		}
	}
	if audience == "" || scopes == "" {
		log.V(1).Info("Missing target audience or scopes, skipping token exchange",
			"audiencePresent", audience != "", "scopesPresent", scopes != "")
		p.metrics.ObserveExchange(metrics.ExchangeSkipped)
		return continueRequest()
	}

	authHeader := getHeaderValue(headers, "authorization")
	if authHeader == "" {
		log.V(1).Info("No Authorization header found")
		p.metrics.ObserveExchange(metrics.ExchangeSkipped)
		return continueRequest()
	}
	subjectToken, ok := bearerToken(authHeader)
	if !ok {
		log.Info("Invalid Authorization header format")
		p.metrics.ObserveExchange(metrics.ExchangeSkipped)
		return continueRequest()
	}

	newToken, err := p.exchange.Exchange(ctx, exchange.Request{
		TokenURL:     p.tokenURL(ctx, route),
		ClientID:     p.details.ClientID,
		ClientSecret: p.details.ClientSecret,
		SubjectToken: subjectToken,
		Audience:     audience,
		Scopes:       scopes,
	})
	if err != nil {
		log.Error(err, "Failed to exchange token")
		p.metrics.ObserveExchange(metrics.ExchangeFailure)
		return continueRequest()
	}

	log.V(1).Info("Replacing Authorization header with exchanged token", "audience", audience)
	p.metrics.ObserveExchange(metrics.ExchangeSuccess)
	return &v3.ProcessingResponse{
		Response: &v3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &v3.HeadersResponse{
				Response: &v3.CommonResponse{
					HeaderMutation: &v3.HeaderMutation{
						SetHeaders: []*core.HeaderValueOption{
							{
								Header: &core.HeaderValue{
									Key:      "authorization",
									RawValue: []byte("Bearer " + newToken),
								},
							},
						},
					},
				},
			},
		},
	}
}

// tokenURL resolves the route's token endpoint override, or the global one.
// Discovery failures fall back to the configured endpoint.
func (p *Processor) tokenURL(ctx context.Context, route *resolver.TargetConfig) string {
	r := route.TokenEndpointResolver(p.locator, p.log)
	if r == nil {
		r = p.details.Resolver()
	}

	resolved, err := r.Resolve(ctx)
	switch {
	case err != nil:
		p.log.Error(err, "Token endpoint discovery failed, using configured endpoint", "endpoint", resolved)
		p.metrics.ObserveResolution(metrics.ResolutionError)
	case resolved != r.Endpoint():
		p.metrics.ObserveResolution(metrics.ResolutionDiscovered)
	default:
		p.metrics.ObserveResolution(metrics.ResolutionConfigured)
	}
	return resolved
}

func continueRequest() *v3.ProcessingResponse {
	return &v3.ProcessingResponse{
		Response: &v3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &v3.HeadersResponse{},
		},
	}
}

// denyRequest returns a ProcessingResponse that sends a 401 Unauthorized to the client.
func denyRequest(message string) *v3.ProcessingResponse {
	return &v3.ProcessingResponse{
		Response: &v3.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: &v3.ImmediateResponse{
				Status: &typev3.HttpStatus{
					Code: typev3.StatusCode_Unauthorized,
				},
				Body:    []byte(fmt.Sprintf(`{"error":"unauthorized","message":%q}`, message)),
				Details: "jwt_validation_failed",
			},
		},
	}
}

func bearerToken(authHeader string) (string, bool) {
	for _, prefix := range []string{"Bearer ", "bearer "} {
		if token, ok := strings.CutPrefix(authHeader, prefix); ok && token != "" {
			return token, true
		}
	}
	return "", false
}

func getHeaderValue(headers *core.HeaderMap, key string) string {
	for _, header := range headers.GetHeaders() {
		if strings.EqualFold(header.GetKey(), key) {
			if len(header.GetRawValue()) > 0 {
				return string(header.GetRawValue())
			}
			return header.GetValue()
		}
	}
	return ""
}
