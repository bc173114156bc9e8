package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Discovery backends.
const (
	DiscoveryNone       = "none"
	DiscoveryStatic     = "static"
	DiscoveryKubernetes = "kubernetes"
)

// Config is the complete token resolver configuration.
type Config struct {
	ClientAuthorization ClientAuthorizationConfig `json:"clientAuthorization" yaml:"clientAuthorization"`
	Discovery           DiscoveryConfig           `json:"discovery" yaml:"discovery"`
	TokenExchange       TokenExchangeConfig       `json:"tokenExchange" yaml:"tokenExchange"`
	Inbound             InboundConfig             `json:"inbound" yaml:"inbound"`
	Server              ServerConfig              `json:"server" yaml:"server"`
	Observability       ObservabilityConfig       `json:"observability" yaml:"observability"`
}

// ClientAuthorizationConfig holds the OAuth2 client credentials and the
// token endpoint they are exchanged at.
type ClientAuthorizationConfig struct {
	ClientID     string `json:"clientId" yaml:"clientId"`
	ClientSecret string `json:"clientSecret" yaml:"clientSecret"`

	// AccessTokenURI is the configured token endpoint. It is only parsed at
	// resolution time.
	AccessTokenURI string `json:"accessTokenUri" yaml:"accessTokenUri"`

	// TokenServiceID names the discovery service that serves AccessTokenURI.
	// Empty means AccessTokenURI is used verbatim.
	TokenServiceID string `json:"tokenServiceId" yaml:"tokenServiceId"`

	Scopes []string `json:"scopes" yaml:"scopes"`

	// Credential files written by client registration take priority over
	// ClientID/ClientSecret.
	ClientIDFile     string `json:"clientIdFile" yaml:"clientIdFile"`
	ClientSecretFile string `json:"clientSecretFile" yaml:"clientSecretFile"`
}

type DiscoveryConfig struct {
	Type         string `json:"type" yaml:"type"`
	RegistryPath string `json:"registryPath" yaml:"registryPath"`
	Namespace    string `json:"namespace" yaml:"namespace"`
	PortName     string `json:"portName" yaml:"portName"`
	Kubeconfig   string `json:"kubeconfig" yaml:"kubeconfig"`
}

type TokenExchangeConfig struct {
	TargetAudience string `json:"targetAudience" yaml:"targetAudience"`
	TargetScopes   string `json:"targetScopes" yaml:"targetScopes"`
	RoutesPath     string `json:"routesPath" yaml:"routesPath"`
}

type InboundConfig struct {
	Issuer           string `json:"issuer" yaml:"issuer"`
	ExpectedAudience string `json:"expectedAudience" yaml:"expectedAudience"`
}

type ServerConfig struct {
	ListenAddress  string `json:"listenAddress" yaml:"listenAddress"`
	MetricsAddress string `json:"metricsAddress" yaml:"metricsAddress"`
}

type ObservabilityConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
}

// DeepCopy creates a copy of the config
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return nil
	}
	result := *c

	if c.ClientAuthorization.Scopes != nil {
		result.ClientAuthorization.Scopes = make([]string, len(c.ClientAuthorization.Scopes))
		copy(result.ClientAuthorization.Scopes, c.ClientAuthorization.Scopes)
	}

	return &result
}

// Validate checks if the config is valid.
// The access token URI is not parsed here; a malformed value is reported
// when it is resolved.
func (c *Config) Validate() error {
	switch c.Discovery.Type {
	case DiscoveryNone, DiscoveryStatic, DiscoveryKubernetes:
	default:
		return fmt.Errorf("discovery.type must be one of %s, %s, %s", DiscoveryNone, DiscoveryStatic, DiscoveryKubernetes)
	}
	if c.Discovery.Type == DiscoveryStatic && c.Discovery.RegistryPath == "" {
		return fmt.Errorf("discovery.registryPath is required for static discovery")
	}
	if c.ClientAuthorization.ClientID != "" && c.ClientAuthorization.AccessTokenURI == "" {
		return fmt.Errorf("clientAuthorization.accessTokenUri is required when clientId is set")
	}
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listenAddress is required")
	}
	switch strings.ToLower(c.Observability.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.logLevel must be one of debug, info, warn, error")
	}
	return nil
}

// JWKSURL derives the JWKS URL from a token endpoint URL.
// e.g. ".../protocol/openid-connect/token" -> ".../protocol/openid-connect/certs"
func JWKSURL(tokenURL string) string {
	u, err := url.Parse(tokenURL)
	if err != nil {
		return strings.TrimSuffix(tokenURL, "/token") + "/certs"
	}
	u.Path = strings.TrimSuffix(u.Path, "/token") + "/certs"
	u.RawPath = ""
	return u.String()
}
