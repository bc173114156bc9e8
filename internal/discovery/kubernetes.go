package discovery

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	discoveryv1 "k8s.io/api/discovery/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// KubernetesLocator resolves service ids to ready endpoints listed in the
// Service's EndpointSlices. Service ids are either "name" (default namespace)
// or "name.namespace".
type KubernetesLocator struct {
	client    kubernetes.Interface
	namespace string
	portName  string
	log       logr.Logger

	mu      sync.Mutex
	cursors map[string]*roundRobin
}

// NewKubernetesLocator creates a locator backed by the given clientset.
// portName selects a named EndpointSlice port; empty uses the first port.
func NewKubernetesLocator(client kubernetes.Interface, namespace, portName string, log logr.Logger) *KubernetesLocator {
	if namespace == "" {
		namespace = "default"
	}
	return &KubernetesLocator{
		client:    client,
		namespace: namespace,
		portName:  portName,
		log:       log.WithName("kubernetes-locator"),
		cursors:   map[string]*roundRobin{},
	}
}

// ChooseInstance lists the EndpointSlices of the service and picks a ready
// endpoint in round-robin order. Returns nil when nothing is ready.
func (l *KubernetesLocator) ChooseInstance(ctx context.Context, serviceID string) (*ServiceInstance, error) {
	name, namespace := l.splitServiceID(serviceID)

	slices, err := l.client.DiscoveryV1().EndpointSlices(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: discoveryv1.LabelServiceName + "=" + name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list EndpointSlices for service %s/%s: %w", namespace, name, err)
	}

	var candidates []ServiceInstance
	for i := range slices.Items {
		slice := &slices.Items[i]
		port, secure, ok := l.slicePort(slice)
		if !ok {
			continue
		}
		for j := range slice.Endpoints {
			ep := &slice.Endpoints[j]
			// Only include ready endpoints
			if ep.Conditions.Ready != nil && !*ep.Conditions.Ready {
				continue
			}
			for _, addr := range ep.Addresses {
				candidates = append(candidates, ServiceInstance{
					ServiceID: serviceID,
					Host:      addr,
					Port:      port,
					Secure:    secure,
					Metadata: map[string]string{
						"namespace":     namespace,
						"endpointSlice": slice.Name,
					},
				})
			}
		}
	}

	if len(candidates) == 0 {
		l.log.V(1).Info("No ready endpoints", "service", name, "namespace", namespace)
		return nil, nil
	}

	// List order is not guaranteed; keep rotation stable
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Host < candidates[j].Host })

	instance := candidates[l.cursor(namespace+"/"+name).pick(len(candidates))]
	return &instance, nil
}

// ReconstructURI implements Locator.
func (l *KubernetesLocator) ReconstructURI(instance *ServiceInstance, original *url.URL) *url.URL {
	return ReconstructURI(instance, original)
}

func (l *KubernetesLocator) splitServiceID(serviceID string) (name, namespace string) {
	if n, ns, ok := strings.Cut(serviceID, "."); ok && ns != "" {
		return n, ns
	}
	return serviceID, l.namespace
}

// slicePort returns the port to use for a slice and whether it carries TLS.
func (l *KubernetesLocator) slicePort(slice *discoveryv1.EndpointSlice) (int, bool, bool) {
	for _, p := range slice.Ports {
		if p.Port == nil {
			continue
		}
		name := ""
		if p.Name != nil {
			name = *p.Name
		}
		if l.portName != "" && name != l.portName {
			continue
		}
		secure := name == "https" || strings.HasSuffix(name, "-https")
		if p.AppProtocol != nil && strings.EqualFold(*p.AppProtocol, "https") {
			secure = true
		}
		return int(*p.Port), secure, true
	}
	return 0, false, false
}

func (l *KubernetesLocator) cursor(key string) *roundRobin {
	l.mu.Lock()
	defer l.mu.Unlock()
	rr, ok := l.cursors[key]
	if !ok {
		rr = &roundRobin{}
		l.cursors[key] = rr
	}
	return rr
}
