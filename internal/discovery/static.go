package discovery

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// yamlService is the registry file format for a service entry.
type yamlService struct {
	Service   string         `yaml:"service"`
	Instances []yamlInstance `yaml:"instances"`
}

type yamlInstance struct {
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port,omitempty"`
	Secure   bool              `yaml:"secure,omitempty"`
	Scheme   string            `yaml:"scheme,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

type serviceEntry struct {
	pattern   string
	glob      glob.Glob
	instances []ServiceInstance
	rr        *roundRobin
}

// StaticLocator resolves service ids from a YAML registry file.
// Entries may use glob patterns; exact names are checked before patterns,
// and among patterns the first match wins.
type StaticLocator struct {
	path string
	log  logr.Logger

	mu       sync.RWMutex
	exact    map[string]*serviceEntry
	patterns []*serviceEntry
}

// NewStaticLocator loads the registry from a YAML file.
// Returns an empty locator if the file doesn't exist.
func NewStaticLocator(registryPath string, log logr.Logger) (*StaticLocator, error) {
	l := &StaticLocator{
		path:  registryPath,
		log:   log.WithName("static-locator"),
		exact: map[string]*serviceEntry{},
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads the registry file and swaps it in atomically.
// On error the previous registry stays in effect.
func (l *StaticLocator) Reload() error {
	content, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		l.log.Info("No service registry found, no instances available", "path", l.path)
		l.swap(map[string]*serviceEntry{}, nil)
		return nil
	}
	if err != nil {
		return err
	}

	var services []yamlService
	if err := yaml.Unmarshal(content, &services); err != nil {
		return fmt.Errorf("parse service registry %s: %w", l.path, err)
	}

	exact := map[string]*serviceEntry{}
	var patterns []*serviceEntry
	for _, ys := range services {
		if ys.Service == "" {
			l.log.Info("Registry entry without service id, skipping")
			continue
		}

		entry := &serviceEntry{
			pattern:   ys.Service,
			instances: make([]ServiceInstance, 0, len(ys.Instances)),
			rr:        &roundRobin{},
		}
		for _, yi := range ys.Instances {
			if yi.Host == "" {
				l.log.Info("Registry instance without host, skipping", "service", ys.Service)
				continue
			}
			entry.instances = append(entry.instances, ServiceInstance{
				ServiceID: ys.Service,
				Host:      yi.Host,
				Port:      yi.Port,
				Secure:    yi.Secure,
				Scheme:    yi.Scheme,
				Metadata:  yi.Metadata,
			})
		}

		if !strings.ContainsAny(ys.Service, "*?[{\\") {
			exact[ys.Service] = entry
			continue
		}

		// '.' separator keeps *.ns from matching a.b.ns
		g, err := glob.Compile(ys.Service, '.')
		if err != nil {
			l.log.Info("Invalid service pattern, skipping", "pattern", ys.Service, "error", err.Error())
			continue
		}
		entry.glob = g
		patterns = append(patterns, entry)
	}

	l.swap(exact, patterns)
	l.log.Info("Loaded service registry", "exact", len(exact), "patterns", len(patterns))
	return nil
}

func (l *StaticLocator) swap(exact map[string]*serviceEntry, patterns []*serviceEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exact = exact
	l.patterns = patterns
}

// ChooseInstance returns the next instance for serviceID in round-robin order.
func (l *StaticLocator) ChooseInstance(_ context.Context, serviceID string) (*ServiceInstance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.exact[serviceID]
	if !ok {
		for _, p := range l.patterns {
			if p.glob.Match(serviceID) {
				entry = p
				break
			}
		}
	}
	if entry == nil || len(entry.instances) == 0 {
		l.log.V(1).Info("No instance available", "service", serviceID)
		return nil, nil
	}

	instance := entry.instances[entry.rr.pick(len(entry.instances))]
	instance.ServiceID = serviceID
	return &instance, nil
}

// ReconstructURI implements Locator.
func (l *StaticLocator) ReconstructURI(instance *ServiceInstance, original *url.URL) *url.URL {
	return ReconstructURI(instance, original)
}
