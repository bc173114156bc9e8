package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
)

// envBindings maps environment variables onto config fields.
var envBindings = map[string]func(*Config, string){
	"TOKEN_URL":          func(c *Config, v string) { c.ClientAuthorization.AccessTokenURI = v },
	"TOKEN_SERVICE_ID":   func(c *Config, v string) { c.ClientAuthorization.TokenServiceID = v },
	"CLIENT_ID":          func(c *Config, v string) { c.ClientAuthorization.ClientID = v },
	"CLIENT_SECRET":      func(c *Config, v string) { c.ClientAuthorization.ClientSecret = v },
	"CLIENT_ID_FILE":     func(c *Config, v string) { c.ClientAuthorization.ClientIDFile = v },
	"CLIENT_SECRET_FILE": func(c *Config, v string) { c.ClientAuthorization.ClientSecretFile = v },
	"CLIENT_SCOPES":      func(c *Config, v string) { c.ClientAuthorization.Scopes = strings.Fields(v) },
	"TARGET_AUDIENCE":    func(c *Config, v string) { c.TokenExchange.TargetAudience = v },
	"TARGET_SCOPES":      func(c *Config, v string) { c.TokenExchange.TargetScopes = v },
	"ROUTES_CONFIG_PATH": func(c *Config, v string) { c.TokenExchange.RoutesPath = v },
	"ISSUER":             func(c *Config, v string) { c.Inbound.Issuer = v },
	"EXPECTED_AUDIENCE":  func(c *Config, v string) { c.Inbound.ExpectedAudience = v },
	"DISCOVERY_TYPE":     func(c *Config, v string) { c.Discovery.Type = strings.ToLower(v) },
	"SERVICE_REGISTRY":   func(c *Config, v string) { c.Discovery.RegistryPath = v },
	"POD_NAMESPACE":      func(c *Config, v string) { c.Discovery.Namespace = v },
	"LISTEN_ADDRESS":     func(c *Config, v string) { c.Server.ListenAddress = v },
	"METRICS_ADDRESS":    func(c *Config, v string) { c.Server.MetricsAddress = v },
	"LOG_LEVEL":          func(c *Config, v string) { c.Observability.LogLevel = strings.ToLower(v) },
}

// ApplyEnv overlays non-empty environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	for key, set := range envBindings {
		if v := os.Getenv(key); v != "" {
			set(cfg, v)
		}
	}
}

// readFileContent reads the content of a file, trimming whitespace
func readFileContent(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

// LoadCredentials replaces the client id and secret with the contents of the
// credential files when they exist and are non-empty. Dynamic credentials
// from client registration take priority over static configuration.
func LoadCredentials(cfg *Config, log logr.Logger) {
	ca := &cfg.ClientAuthorization

	if clientID, err := readFileContent(ca.ClientIDFile); err == nil && clientID != "" {
		ca.ClientID = clientID
		log.Info("Loaded client id from file", "path", ca.ClientIDFile)
	} else if ca.ClientID != "" {
		log.Info("Using configured client id")
	}

	if clientSecret, err := readFileContent(ca.ClientSecretFile); err == nil && clientSecret != "" {
		ca.ClientSecret = clientSecret
		log.Info("Loaded client secret from file", "path", ca.ClientSecretFile)
	} else if ca.ClientSecret != "" {
		log.Info("Using configured client secret")
	}
}

var errCredentialsNotReady = errors.New("credential files not ready")

// WaitForCredentials waits for both credential files to have content.
// This handles the startup race with the client registration container.
// Returns false if they did not appear within maxWait.
func WaitForCredentials(ctx context.Context, cfg *Config, interval, maxWait time.Duration, log logr.Logger) bool {
	ca := cfg.ClientAuthorization
	log.Info("Waiting for credential files", "maxWait", maxWait)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		clientID, err1 := readFileContent(ca.ClientIDFile)
		clientSecret, err2 := readFileContent(ca.ClientSecretFile)
		if err1 == nil && err2 == nil && clientID != "" && clientSecret != "" {
			return struct{}{}, nil
		}
		return struct{}{}, errCredentialsNotReady
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(maxWait),
		backoff.WithNotify(func(error, time.Duration) {
			log.V(1).Info("Credentials not ready yet, waiting")
		}),
	)
	if err != nil {
		log.Info("Timeout waiting for credentials, will use configured values if available")
		return false
	}

	log.Info("Credential files are ready")
	return true
}
