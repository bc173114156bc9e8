package resolver

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// yamlRoute is the configuration file format for route entries.
type yamlRoute struct {
	Host           string `yaml:"host"`
	TargetAudience string `yaml:"target_audience,omitempty"`
	TokenScopes    string `yaml:"token_scopes,omitempty"`
	TokenURL       string `yaml:"token_url,omitempty"`
	TokenServiceID string `yaml:"token_service_id,omitempty"`
	Passthrough    bool   `yaml:"passthrough,omitempty"`
}

type routeEntry struct {
	pattern string
	glob    glob.Glob
	config  TargetConfig
}

// StaticResolver resolves targets from a YAML routes file. Routes are
// matched in file order and the first match wins.
type StaticResolver struct {
	path string
	log  logr.Logger

	mu     sync.RWMutex
	routes []routeEntry
}

// NewStaticResolver loads routes from a YAML file.
// Returns a resolver with no routes if the file doesn't exist.
func NewStaticResolver(configPath string, log logr.Logger) (*StaticResolver, error) {
	r := &StaticResolver{
		path: configPath,
		log:  log.WithName("routes"),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the routes file and swaps the route table atomically.
// On error the previous routes stay in effect.
func (r *StaticResolver) Reload() error {
	content, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		r.log.Info("No routes config, using global token exchange settings", "path", r.path)
		r.swap(nil)
		return nil
	}
	if err != nil {
		return err
	}

	routes, err := r.parse(content)
	if err != nil {
		return fmt.Errorf("parse routes %s: %w", r.path, err)
	}

	r.swap(routes)
	r.log.Info("Loaded routes", "count", len(routes))
	return nil
}

func (r *StaticResolver) parse(content []byte) ([]routeEntry, error) {
	var routes []yamlRoute
	if err := yaml.Unmarshal(content, &routes); err != nil {
		return nil, err
	}

	entries := make([]routeEntry, 0, len(routes))
	for _, yr := range routes {
		// Use '.' as separator so *.example.com doesn't match foo.bar.example.com
		g, err := glob.Compile(yr.Host, '.')
		if err != nil {
			r.log.Info("Invalid pattern, skipping", "pattern", yr.Host, "error", err.Error())
			continue
		}
		if yr.TokenServiceID != "" && yr.TokenURL == "" {
			r.log.Info("token_service_id without token_url is ignored", "pattern", yr.Host)
		}

		entries = append(entries, routeEntry{
			pattern: yr.Host,
			glob:    g,
			config: TargetConfig{
				Audience:       yr.TargetAudience,
				Scopes:         yr.TokenScopes,
				TokenEndpoint:  yr.TokenURL,
				TokenServiceID: yr.TokenServiceID,
				Passthrough:    yr.Passthrough,
			},
		})
	}
	return entries, nil
}

func (r *StaticResolver) swap(routes []routeEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = routes
}

// Resolve returns the configuration for the given host.
// Returns nil if no route matches.
func (r *StaticResolver) Resolve(_ context.Context, host string) (*TargetConfig, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.routes {
		if entry.glob.Match(host) {
			r.log.V(1).Info("Host matched route", "host", host, "pattern", entry.pattern)
			config := entry.config
			return &config, nil
		}
	}

	return nil, nil
}
