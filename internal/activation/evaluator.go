// Package activation decides at startup which components are built.
//
// Each component is only constructed when its optional dependencies and
// configuration keys are present. A component that is not enabled is not
// built at all rather than being built in an inert state.
package activation

import (
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/config"
)

// Layer names reported in FeatureDecision.Layer.
const (
	LayerGlobalGate  = "global-gate"
	LayerFeatureGate = "feature-gate"
	LayerConfig      = "config"
	LayerDependency  = "dependency"
	LayerDefault     = "default"
)

// Evaluator determines which components should be built by evaluating a
// layered chain. Each layer can short-circuit with "no".
//
// Order (highest to lowest):
//  1. Global feature gate (kill switch)
//  2. Per-component feature gate
//  3. Required configuration keys
//  4. Required optional dependencies (e.g. a service locator)
type Evaluator struct {
	featureGates *config.FeatureGates
}

// NewEvaluator creates a new evaluator with the given feature gates.
func NewEvaluator(fg *config.FeatureGates) *Evaluator {
	if fg == nil {
		fg = config.DefaultFeatureGates()
	}
	return &Evaluator{featureGates: fg}
}

// Evaluate determines which components should be built for cfg.
// locatorAvailable reports whether a service locator could be constructed.
func (e *Evaluator) Evaluate(cfg *config.Config, locatorAvailable bool) Decision {
	if cfg == nil {
		cfg = config.CompiledDefaults()
	}
	ca := cfg.ClientAuthorization

	decision := Decision{
		ClientDetails: e.evaluate(
			"token-resolution",
			e.featureGates.TokenResolution,
			requirement{ok: ca.ClientID != "", missing: "clientAuthorization.clientId"},
		),
		TokenExchange: e.evaluate(
			"token-exchange",
			e.featureGates.TokenExchange,
			requirement{ok: ca.ClientID != "" && ca.ClientSecret != "", missing: "client credentials"},
			requirement{ok: ca.AccessTokenURI != "", missing: "clientAuthorization.accessTokenUri"},
		),
		InboundValidation: e.evaluate(
			"inbound-validation",
			e.featureGates.InboundValidation,
			requirement{ok: cfg.Inbound.Issuer != "", missing: "inbound.issuer"},
			requirement{ok: ca.AccessTokenURI != "", missing: "clientAuthorization.accessTokenUri"},
		),
	}

	decision.ServiceDiscovery = e.evaluateDiscovery(cfg, locatorAvailable)
	decision.RouteDiscovery = e.evaluateRouteDiscovery(cfg, locatorAvailable)
	if !decision.ClientDetails.Enabled && decision.ServiceDiscovery.Enabled {
		decision.ServiceDiscovery = FeatureDecision{
			Enabled: false,
			Reason:  "follows token-resolution decision",
			Layer:   decision.ClientDetails.Layer,
		}
	}

	return decision
}

type requirement struct {
	ok      bool
	missing string
}

// evaluate runs the gate layers and then the configuration requirements.
func (e *Evaluator) evaluate(name string, gateEnabled bool, reqs ...requirement) FeatureDecision {
	// Layer 1: Global kill switch
	if !e.featureGates.GlobalEnabled {
		return FeatureDecision{
			Enabled: false,
			Reason:  "global kill switch disabled",
			Layer:   LayerGlobalGate,
		}
	}

	// Layer 2: Per-component feature gate
	if !gateEnabled {
		return FeatureDecision{
			Enabled: false,
			Reason:  name + " feature gate disabled",
			Layer:   LayerFeatureGate,
		}
	}

	// Layer 3: Configuration keys
	for _, r := range reqs {
		if !r.ok {
			return FeatureDecision{
				Enabled: false,
				Reason:  "missing " + r.missing,
				Layer:   LayerConfig,
			}
		}
	}

	return FeatureDecision{
		Enabled: true,
		Reason:  "all gates passed",
		Layer:   LayerDefault,
	}
}

// evaluateDiscovery adds the locator dependency on top of the standard chain.
func (e *Evaluator) evaluateDiscovery(cfg *config.Config, locatorAvailable bool) FeatureDecision {
	return e.withLocator(cfg, locatorAvailable, e.evaluate(
		"service-discovery",
		e.featureGates.ServiceDiscovery,
		discoveryTypeRequirement(cfg),
		requirement{ok: cfg.ClientAuthorization.TokenServiceID != "", missing: "clientAuthorization.tokenServiceId"},
	))
}

// evaluateRouteDiscovery decides whether routes naming a token_service_id
// are resolved through the locator. It shares the service-discovery gate
// but not the global service id requirement.
func (e *Evaluator) evaluateRouteDiscovery(cfg *config.Config, locatorAvailable bool) FeatureDecision {
	return e.withLocator(cfg, locatorAvailable, e.evaluate(
		"service-discovery",
		e.featureGates.ServiceDiscovery,
		discoveryTypeRequirement(cfg),
	))
}

func discoveryTypeRequirement(cfg *config.Config) requirement {
	return requirement{ok: cfg.Discovery.Type != "" && cfg.Discovery.Type != config.DiscoveryNone, missing: "discovery.type"}
}

// withLocator applies layer 4: the locator itself.
func (e *Evaluator) withLocator(cfg *config.Config, locatorAvailable bool, decision FeatureDecision) FeatureDecision {
	if !decision.Enabled || locatorAvailable {
		return decision
	}
	return FeatureDecision{
		Enabled: false,
		Reason:  cfg.Discovery.Type + " locator not available",
		Layer:   LayerDependency,
	}
}
