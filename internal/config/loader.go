package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"sigs.k8s.io/yaml"
)

const reloadDebounce = 1 * time.Second

// Loader loads config from file and watches for changes
type Loader struct {
	configPath string
	log        logr.Logger

	mu            sync.RWMutex
	currentConfig *Config

	onChange []func(*Config)
}

func NewLoader(configPath string, log logr.Logger) *Loader {
	return &Loader{
		configPath:    configPath,
		log:           log.WithName("config"),
		currentConfig: CompiledDefaults(),
	}
}

// Load reads the config file over compiled defaults, then overlays the
// environment and validates the result.
func (l *Loader) Load() error {
	l.log.Info("Loading config", "path", l.configPath)

	config := CompiledDefaults()
	source := "compiled-defaults"

	data, err := os.ReadFile(l.configPath)
	switch {
	case err == nil:
		// Fields not specified in file keep their compiled default values
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("parse config %s: %w", l.configPath, err)
		}
		source = "file"
	case os.IsNotExist(err):
		l.log.Info("Config file not found, using compiled defaults")
	default:
		return err
	}

	ApplyEnv(config)

	if err := config.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	l.currentConfig = config
	// Snapshot callbacks under lock, then invoke outside lock
	// so callbacks can safely call Get() without deadlock.
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	logConfig(l.log, config, source)

	for _, cb := range callbacks {
		cb(config.DeepCopy())
	}

	return nil
}

// Get returns current config (thread-safe)
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.currentConfig.DeepCopy()
}

// OnChange registers a callback for config changes.
// Safe to call concurrently with Load/Watch.
func (l *Loader) OnChange(cb func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Watch starts watching the config file for changes
func (l *Loader) Watch(ctx context.Context) error {
	return WatchFile(ctx, l.log, l.configPath, l.Load)
}

// WatchFile watches the directory of path and calls reload, debounced, on
// every create/write/remove. ConfigMap volumes replace symlinks, so the
// directory is watched instead of the file. The watcher stops with ctx.
func WatchFile(ctx context.Context, log logr.Logger, path string, reload func() error) error {
	dir := filepath.Dir(path)

	// If the directory doesn't exist yet (e.g. volume not mounted),
	// skip watching; defaults are already loaded.
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		log.Info("Directory not found, skipping watcher", "dir", dir)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	log.Info("Watching directory for changes", "dir", dir)

	go func() {
		defer watcher.Close()

		var debounceTimer *time.Timer
		defer func() {
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info("Watcher stopped", "dir", dir)
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove) != 0 {
					log.V(1).Info("Change detected", "event", event.Name, "op", event.Op.String())

					if debounceTimer != nil {
						debounceTimer.Stop()
					}
					debounceTimer = time.AfterFunc(reloadDebounce, func() {
						if err := reload(); err != nil {
							log.Error(err, "Failed to reload", "path", path)
						} else {
							log.Info("Reloaded successfully", "path", path)
						}
					})
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error(err, "Watcher error")
			}
		}
	}()

	return nil
}

// logConfig logs configuration settings with the given source label.
// Secrets are reported by length only.
func logConfig(log logr.Logger, cfg *Config, source string) {
	log.Info("config loaded",
		"source", source,
		"clientId", cfg.ClientAuthorization.ClientID,
		"clientSecretLength", len(cfg.ClientAuthorization.ClientSecret),
		"accessTokenUri", cfg.ClientAuthorization.AccessTokenURI,
		"tokenServiceId", cfg.ClientAuthorization.TokenServiceID,
		"scopes", cfg.ClientAuthorization.Scopes,
	)
	log.Info("config discovery",
		"type", cfg.Discovery.Type,
		"registryPath", cfg.Discovery.RegistryPath,
		"namespace", cfg.Discovery.Namespace,
	)
	log.Info("config tokenExchange",
		"targetAudience", cfg.TokenExchange.TargetAudience,
		"targetScopes", cfg.TokenExchange.TargetScopes,
		"routesPath", cfg.TokenExchange.RoutesPath,
	)
	log.Info("config inbound",
		"issuer", cfg.Inbound.Issuer,
		"expectedAudience", cfg.Inbound.ExpectedAudience,
	)
}
