package config

// FeatureGates switch components on or off before any configuration is
// considered. GlobalEnabled is the kill switch for all of them.
type FeatureGates struct {
	GlobalEnabled     bool `json:"globalEnabled" yaml:"globalEnabled"`
	TokenResolution   bool `json:"tokenResolution" yaml:"tokenResolution"`
	ServiceDiscovery  bool `json:"serviceDiscovery" yaml:"serviceDiscovery"`
	TokenExchange     bool `json:"tokenExchange" yaml:"tokenExchange"`
	InboundValidation bool `json:"inboundValidation" yaml:"inboundValidation"`
}

// DefaultFeatureGates returns feature gates with everything enabled.
func DefaultFeatureGates() *FeatureGates {
	return &FeatureGates{
		GlobalEnabled:     true,
		TokenResolution:   true,
		ServiceDiscovery:  true,
		TokenExchange:     true,
		InboundValidation: true,
	}
}

// DeepCopy creates a copy of the feature gates.
func (fg *FeatureGates) DeepCopy() *FeatureGates {
	if fg == nil {
		return nil
	}
	result := *fg
	return &result
}
