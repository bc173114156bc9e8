package config

// CompiledDefaults returns hardcoded defaults used when no config is provided
func CompiledDefaults() *Config {
	return &Config{
		ClientAuthorization: ClientAuthorizationConfig{
			Scopes:           []string{"openid"},
			ClientIDFile:     "/shared/client-id.txt",
			ClientSecretFile: "/shared/client-secret.txt",
		},
		Discovery: DiscoveryConfig{
			Type:         DiscoveryNone,
			RegistryPath: "/etc/authbridge/services.yaml",
			Namespace:    "default",
		},
		TokenExchange: TokenExchangeConfig{
			RoutesPath: "/etc/authproxy/routes.yaml",
		},
		Server: ServerConfig{
			ListenAddress:  ":9090",
			MetricsAddress: ":9091",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
		},
	}
}
