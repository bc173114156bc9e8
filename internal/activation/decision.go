package activation

// FeatureDecision represents the activation decision for a single component.
type FeatureDecision struct {
	Enabled bool
	Reason  string // human-readable reason for the decision
	Layer   string // which layer made the decision
}

// Decision holds the per-component activation decisions.
type Decision struct {
	ClientDetails     FeatureDecision
	ServiceDiscovery  FeatureDecision // only meaningful when ClientDetails is enabled
	RouteDiscovery    FeatureDecision // per-route token endpoints; independent of the global service id
	TokenExchange     FeatureDecision
	InboundValidation FeatureDecision
}

// AnyEnabled returns true if at least one component will be built.
func (d Decision) AnyEnabled() bool {
	return d.ClientDetails.Enabled || d.TokenExchange.Enabled || d.InboundValidation.Enabled
}
