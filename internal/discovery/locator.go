// Package discovery provides service locators that translate a logical
// service id into a concrete network location and rebuild URIs against it.
package discovery

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
)

// ServiceInstance is a concrete network location backing a logical service id.
type ServiceInstance struct {
	ServiceID string
	Host      string
	Port      int

	// Secure upgrades the original URI scheme to its TLS form (http -> https, ws -> wss).
	Secure bool

	// Scheme overrides the scheme entirely when set.
	Scheme string

	Metadata map[string]string
}

// Locator chooses service instances and rebuilds URIs to point at them.
type Locator interface {
	// ChooseInstance returns an instance for serviceID.
	// Returns nil (not error) when no instance is available.
	ChooseInstance(ctx context.Context, serviceID string) (*ServiceInstance, error)

	// ReconstructURI returns original with scheme, host and port taken from
	// instance. A nil instance returns original unchanged.
	ReconstructURI(instance *ServiceInstance, original *url.URL) *url.URL
}

// ReconstructURI substitutes the instance's scheme, host and port into original.
// User info, path, query and fragment are preserved verbatim.
func ReconstructURI(instance *ServiceInstance, original *url.URL) *url.URL {
	if instance == nil || original == nil {
		return original
	}

	rebuilt := *original
	if original.User != nil {
		user := *original.User
		rebuilt.User = &user
	}

	rebuilt.Scheme = instanceScheme(instance, original.Scheme)

	host := instance.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	if instance.Port > 0 && instance.Port != defaultPort(rebuilt.Scheme) {
		host = net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(instance.Port))
	}
	rebuilt.Host = host

	return &rebuilt
}

func instanceScheme(instance *ServiceInstance, original string) string {
	if instance.Scheme != "" {
		return strings.ToLower(instance.Scheme)
	}
	scheme := strings.ToLower(original)
	if scheme == "" {
		scheme = "http"
	}
	if !instance.Secure {
		return scheme
	}
	switch scheme {
	case "http":
		return "https"
	case "ws":
		return "wss"
	}
	return scheme
}

func defaultPort(scheme string) int {
	switch scheme {
	case "http", "ws":
		return 80
	case "https", "wss":
		return 443
	}
	return -1
}

// roundRobin hands out indexes in rotation; safe for concurrent use.
type roundRobin struct {
	next atomic.Uint64
}

func (r *roundRobin) pick(n int) int {
	if n <= 1 {
		return 0
	}
	return int((r.next.Add(1) - 1) % uint64(n))
}
