package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	v3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/oauth2"
	"google.golang.org/grpc"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/activation"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/clientauth"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/config"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/discovery"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/exchange"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/metrics"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/processor"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/resolver"
	"github.com/kagenti/kagenti-extensions/AuthBridge/TokenResolver/internal/tokenendpoint"
)

const (
	credentialPollInterval = 2 * time.Second
	credentialMaxWait      = 60 * time.Second
	exchangeTimeout        = 10 * time.Second
)

func main() {
	var configPath, featureGatesPath string
	var development bool
	flag.StringVar(&configPath, "config", "/etc/authbridge/config.yaml", "Path to the processor configuration file")
	flag.StringVar(&featureGatesPath, "feature-gates", "/etc/authbridge/feature-gates.yaml", "Path to the feature gates file")
	flag.BoolVar(&development, "zap-devel", false, "Use the zap development encoder")
	flag.Parse()

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	zapLog := newZapLogger(level, development)
	defer func() { _ = zapLog.Sync() }()
	log := zapr.NewLogger(zapLog).WithName("token-resolver")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configPath, featureGatesPath, level, log); err != nil {
		log.Error(err, "Processor exited with error")
		os.Exit(1)
	}
}

func newZapLogger(level zap.AtomicLevel, development bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = level
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func setLogLevel(level zap.AtomicLevel, cfg *config.Config, log logr.Logger) {
	if err := level.UnmarshalText([]byte(cfg.Observability.LogLevel)); err != nil {
		log.Error(err, "Invalid log level, keeping current", "logLevel", cfg.Observability.LogLevel)
	}
}

func run(ctx context.Context, configPath, featureGatesPath string, level zap.AtomicLevel, log logr.Logger) error {
	log.Info("Starting external processor")

	loader := config.NewLoader(configPath, log)
	if err := loader.Load(); err != nil {
		return err
	}
	gates := config.NewFeatureGateLoader(featureGatesPath, log)
	if err := gates.Load(); err != nil {
		return err
	}

	cfg := loader.Get()
	setLogLevel(level, cfg, log)

	// Credentials may be written by a registration sidecar after we start.
	config.WaitForCredentials(ctx, cfg, credentialPollInterval, credentialMaxWait, log)
	config.LoadCredentials(cfg, log)

	locator, err := buildLocator(ctx, cfg, log)
	if err != nil {
		log.Error(err, "Service locator unavailable, token endpoints will be used as configured")
		locator = nil
	}

	// Feature gates are read once; activation is decided at startup only.
	decision := activation.NewEvaluator(gates.Get()).Evaluate(cfg, locator != nil)
	logDecision(log, decision)
	if !decision.AnyEnabled() {
		log.Info("No components enabled, requests will be forwarded unchanged")
	}

	// The global endpoint and per-route endpoints are gated separately.
	var globalLocator, routeLocator discovery.Locator
	if decision.ServiceDiscovery.Enabled {
		globalLocator = locator
	}
	if decision.RouteDiscovery.Enabled {
		routeLocator = locator
	}

	details, ok := clientauth.AutoConfigure(cfg, decision, globalLocator, log)
	if ok {
		go checkCredentials(ctx, details, log)
	}

	routes, err := resolver.NewStaticResolver(cfg.TokenExchange.RoutesPath, log)
	if err != nil {
		return err
	}
	if err := config.WatchFile(ctx, log.WithName("routes"), cfg.TokenExchange.RoutesPath, routes.Reload); err != nil {
		log.Error(err, "Failed to watch routes file")
	}

	var exchanger *exchange.Client
	if decision.TokenExchange.Enabled {
		exchanger = exchange.NewClient(&http.Client{Timeout: exchangeTimeout}, log)
	}

	var validator *processor.InboundValidator
	if decision.InboundValidation.Enabled {
		validator, err = inboundValidator(ctx, cfg, globalLocator, log)
		if err != nil {
			log.Error(err, "Inbound JWT validation disabled")
			validator = nil
		}
	}

	m := metrics.New()
	proc := processor.New(processor.Options{
		Details:   details,
		Exchange:  exchanger,
		Routes:    routes,
		Locator:   routeLocator,
		Validator: validator,
		Metrics:   m,
		Targets:   targetsFrom(cfg),
	}, log)

	loader.OnChange(func(c *config.Config) {
		setLogLevel(level, c, log)
		proc.SetTargets(targetsFrom(c))
	})
	if err := loader.Watch(ctx); err != nil {
		log.Error(err, "Failed to watch config file")
	}

	metricsServer := serveMetrics(cfg.Server.MetricsAddress, m, log)

	lis, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer()
	v3.RegisterExternalProcessorServer(grpcServer, proc)

	go func() {
		<-ctx.Done()
		log.Info("Shutting down")
		grpcServer.GracefulStop()
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
	}()

	log.Info("Serving external processor", "address", cfg.Server.ListenAddress)
	return grpcServer.Serve(lis)
}

func targetsFrom(cfg *config.Config) processor.Targets {
	return processor.Targets{
		Audience: cfg.TokenExchange.TargetAudience,
		Scopes:   cfg.TokenExchange.TargetScopes,
	}
}

// buildLocator returns the configured service locator, or nil when
// discovery is not configured. The static registry is reloaded on change.
func buildLocator(ctx context.Context, cfg *config.Config, log logr.Logger) (discovery.Locator, error) {
	switch cfg.Discovery.Type {
	case config.DiscoveryStatic:
		l, err := discovery.NewStaticLocator(cfg.Discovery.RegistryPath, log)
		if err != nil {
			return nil, err
		}
		if err := config.WatchFile(ctx, log.WithName("registry"), cfg.Discovery.RegistryPath, l.Reload); err != nil {
			log.Error(err, "Failed to watch service registry")
		}
		return l, nil
	case config.DiscoveryKubernetes:
		restConfig, err := kubeConfig(cfg.Discovery.Kubeconfig)
		if err != nil {
			return nil, err
		}
		client, err := kubernetes.NewForConfig(restConfig)
		if err != nil {
			return nil, err
		}
		return discovery.NewKubernetesLocator(client, cfg.Discovery.Namespace, cfg.Discovery.PortName, log), nil
	default:
		return nil, nil
	}
}

func kubeConfig(path string) (*rest.Config, error) {
	if path != "" {
		return clientcmd.BuildConfigFromFlags("", path)
	}
	return rest.InClusterConfig()
}

// inboundValidator derives the JWKS URL from the resolved token endpoint.
func inboundValidator(ctx context.Context, cfg *config.Config, locator discovery.Locator, log logr.Logger) (*processor.InboundValidator, error) {
	endpoint := tokenendpoint.New(locator, log)
	endpoint.SetEndpoint(cfg.ClientAuthorization.AccessTokenURI)
	endpoint.SetServiceID(cfg.ClientAuthorization.TokenServiceID)

	tokenURL, err := endpoint.Resolve(ctx)
	if err != nil {
		log.Error(err, "Token endpoint discovery failed, deriving JWKS URL from configured endpoint")
	}
	return processor.NewJWKSValidator(ctx, config.JWKSURL(tokenURL), cfg.Inbound.Issuer, cfg.Inbound.ExpectedAudience, log)
}

// checkCredentials fetches a client credentials token from the resolved
// endpoint so misconfigured credentials show up in the logs at startup.
func checkCredentials(ctx context.Context, details *clientauth.Details, log logr.Logger) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: exchangeTimeout})

	log = log.WithName("credentials")
	if _, err := details.TokenSource(ctx).Token(); err != nil {
		log.Info("Client credentials grant failed; token exchange may still succeed", "error", err.Error())
		return
	}
	log.Info("Client credentials verified against token endpoint", "clientId", details.ClientID)
}

func serveMetrics(addr string, m *metrics.Metrics, log logr.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("Serving metrics", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "Metrics server failed")
		}
	}()
	return srv
}

func logDecision(log logr.Logger, d activation.Decision) {
	for name, fd := range map[string]activation.FeatureDecision{
		"clientDetails":     d.ClientDetails,
		"serviceDiscovery":  d.ServiceDiscovery,
		"tokenExchange":     d.TokenExchange,
		"inboundValidation": d.InboundValidation,
		"routeDiscovery":    d.RouteDiscovery,
	} {
		log.Info("Feature decision", "feature", name, "enabled", fd.Enabled, "reason", fd.Reason, "layer", fd.Layer)
	}
}
