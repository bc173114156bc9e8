package clientauth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/go-logr/logr"

	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/activation"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/config"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/discovery"
)

type stubLocator struct {
	instance *discovery.ServiceInstance
	err      error
	calls    atomic.Int32
}

func (s *stubLocator) ChooseInstance(context.Context, string) (*discovery.ServiceInstance, error) {
	s.calls.Add(1)
	return s.instance, s.err
}

func (s *stubLocator) ReconstructURI(instance *discovery.ServiceInstance, original *url.URL) *url.URL {
	return discovery.ReconstructURI(instance, original)
}

// tokenServer serves client credentials grants on /oauth/token.
func tokenServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "client_credentials" {
			http.Error(w, "unsupported grant", http.StatusBadRequest)
			return
		}
		if id, secret, ok := r.BasicAuth(); !ok || id != "gateway" || secret != "s3cr3t" {
			http.Error(w, "bad client", http.StatusUnauthorized)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"issued-token","token_type":"bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func instanceFor(t *testing.T, srv *httptest.Server) *discovery.ServiceInstance {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("bad server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("bad server host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return &discovery.ServiceInstance{ServiceID: "uaa", Host: host, Port: port}
}

func clientAuthorization() config.ClientAuthorizationConfig {
	return config.ClientAuthorizationConfig{
		ClientID:       "gateway",
		ClientSecret:   "s3cr3t",
		AccessTokenURI: "http://uaa/oauth/token",
		TokenServiceID: "uaa",
		Scopes:         []string{"openid"},
	}
}

func TestDetails_OAuth2Config(t *testing.T) {
	locator := &stubLocator{instance: &discovery.ServiceInstance{Host: "10.0.0.3", Port: 9999}}
	d := NewDetails(clientAuthorization(), locator, logr.Discard())

	cfg, err := d.OAuth2Config(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TokenURL != "http://10.0.0.3:9999/oauth/token" {
		t.Errorf("unexpected token URL %q", cfg.TokenURL)
	}
	if cfg.ClientID != "gateway" || cfg.ClientSecret != "s3cr3t" {
		t.Errorf("credentials not copied: %+v", cfg)
	}
	if len(cfg.Scopes) != 1 || cfg.Scopes[0] != "openid" {
		t.Errorf("unexpected scopes %v", cfg.Scopes)
	}
}

func TestDetails_OAuth2ConfigLocatorError(t *testing.T) {
	locator := &stubLocator{err: errors.New("registry down")}
	d := NewDetails(clientAuthorization(), locator, logr.Discard())

	if _, err := d.OAuth2Config(context.Background()); err == nil {
		t.Fatal("expected locator error to propagate")
	}
}

func TestDetails_WithoutLocator(t *testing.T) {
	d := NewDetails(clientAuthorization(), nil, logr.Discard())

	got, err := d.AccessTokenURI(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "http://uaa/oauth/token" {
		t.Errorf("expected configured URI, got %q", got)
	}
	if d.Resolver().ServiceID() != "uaa" {
		t.Errorf("expected service id copied, got %q", d.Resolver().ServiceID())
	}
}

func TestDetails_TokenSourceUsesResolvedEndpoint(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits)
	locator := &stubLocator{instance: instanceFor(t, srv)}
	d := NewDetails(clientAuthorization(), locator, logr.Discard())

	ts := d.TokenSource(context.Background())
	for i := 0; i < 3; i++ {
		tok, err := ts.Token()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tok.AccessToken != "issued-token" {
			t.Errorf("unexpected token %q", tok.AccessToken)
		}
	}

	if hits.Load() != 1 {
		t.Errorf("expected token to be reused, server hit %d times", hits.Load())
	}
	if locator.calls.Load() != 1 {
		t.Errorf("expected one resolution for one fetch, got %d", locator.calls.Load())
	}
}

func TestDetails_TokenSourceLocatorError(t *testing.T) {
	locator := &stubLocator{err: errors.New("registry down")}
	d := NewDetails(clientAuthorization(), locator, logr.Discard())

	if _, err := d.TokenSource(context.Background()).Token(); err == nil {
		t.Fatal("expected error")
	}
}

func TestAutoConfigure(t *testing.T) {
	cfg := config.CompiledDefaults()
	cfg.ClientAuthorization = clientAuthorization()
	cfg.Discovery.Type = config.DiscoveryStatic

	tests := []struct {
		name             string
		gates            *config.FeatureGates
		locatorAvailable bool
		expectBuilt      bool
		expectResolved   string
		expectCalls      int32
	}{
		{
			name:             "discovery enabled",
			gates:            config.DefaultFeatureGates(),
			locatorAvailable: true,
			expectBuilt:      true,
			expectResolved:   "http://10.0.0.3:9999/oauth/token",
			expectCalls:      1,
		},
		{
			name: "discovery gated off uses configured uri",
			gates: &config.FeatureGates{
				GlobalEnabled:    true,
				TokenResolution:  true,
				ServiceDiscovery: false,
			},
			locatorAvailable: true,
			expectBuilt:      true,
			expectResolved:   "http://uaa/oauth/token",
			expectCalls:      0,
		},
		{
			name: "token resolution gated off",
			gates: &config.FeatureGates{
				GlobalEnabled:    true,
				TokenResolution:  false,
				ServiceDiscovery: true,
			},
			locatorAvailable: true,
			expectBuilt:      false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			locator := &stubLocator{instance: &discovery.ServiceInstance{Host: "10.0.0.3", Port: 9999}}
			decision := activation.NewEvaluator(tc.gates).Evaluate(cfg, tc.locatorAvailable)

			d, ok := AutoConfigure(cfg, decision, locator, logr.Discard())
			if ok != tc.expectBuilt {
				t.Fatalf("expected built=%v, got %v", tc.expectBuilt, ok)
			}
			if !ok {
				if d != nil {
					t.Errorf("expected nil details when disabled, got %+v", d)
				}
				return
			}

			got, err := d.AccessTokenURI(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.expectResolved {
				t.Errorf("expected %q, got %q", tc.expectResolved, got)
			}
			if locator.calls.Load() != tc.expectCalls {
				t.Errorf("expected %d locator calls, got %d", tc.expectCalls, locator.calls.Load())
			}
		})
	}
}
