package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func TestApplyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CLIENT_ID", "env-client")
	t.Setenv("CLIENT_SCOPES", "openid  profile")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := CompiledDefaults()
	ApplyEnv(cfg)

	if cfg.ClientAuthorization.ClientID != "env-client" {
		t.Errorf("expected env client id, got %q", cfg.ClientAuthorization.ClientID)
	}
	if len(cfg.ClientAuthorization.Scopes) != 2 || cfg.ClientAuthorization.Scopes[1] != "profile" {
		t.Errorf("expected scopes split on whitespace, got %v", cfg.ClientAuthorization.Scopes)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected lower-cased log level, got %q", cfg.Observability.LogLevel)
	}
	if cfg.ClientAuthorization.ClientSecret != "" {
		t.Errorf("unset variables must not change config, got %q", cfg.ClientAuthorization.ClientSecret)
	}
}

func TestLoadCredentials_FilesPreferred(t *testing.T) {
	dir := t.TempDir()
	cfg := CompiledDefaults()
	cfg.ClientAuthorization.ClientID = "static-client"
	cfg.ClientAuthorization.ClientSecret = "static-secret"
	cfg.ClientAuthorization.ClientIDFile = filepath.Join(dir, "client-id.txt")
	cfg.ClientAuthorization.ClientSecretFile = filepath.Join(dir, "client-secret.txt")

	writeFile(t, cfg.ClientAuthorization.ClientIDFile, "  spiffe://cluster.local/ns/demo/sa/agent\n")

	LoadCredentials(cfg, logr.Discard())

	if cfg.ClientAuthorization.ClientID != "spiffe://cluster.local/ns/demo/sa/agent" {
		t.Errorf("expected trimmed client id from file, got %q", cfg.ClientAuthorization.ClientID)
	}
	if cfg.ClientAuthorization.ClientSecret != "static-secret" {
		t.Errorf("expected static secret when file missing, got %q", cfg.ClientAuthorization.ClientSecret)
	}
}

func TestLoadCredentials_EmptyFileIgnored(t *testing.T) {
	dir := t.TempDir()
	cfg := CompiledDefaults()
	cfg.ClientAuthorization.ClientID = "static-client"
	cfg.ClientAuthorization.ClientIDFile = filepath.Join(dir, "client-id.txt")
	cfg.ClientAuthorization.ClientSecretFile = filepath.Join(dir, "client-secret.txt")
	writeFile(t, cfg.ClientAuthorization.ClientIDFile, "   \n")

	LoadCredentials(cfg, logr.Discard())

	if cfg.ClientAuthorization.ClientID != "static-client" {
		t.Errorf("expected empty file to be ignored, got %q", cfg.ClientAuthorization.ClientID)
	}
}

func TestWaitForCredentials(t *testing.T) {
	dir := t.TempDir()
	cfg := CompiledDefaults()
	cfg.ClientAuthorization.ClientIDFile = filepath.Join(dir, "client-id.txt")
	cfg.ClientAuthorization.ClientSecretFile = filepath.Join(dir, "client-secret.txt")

	if WaitForCredentials(context.Background(), cfg, 10*time.Millisecond, 50*time.Millisecond, logr.Discard()) {
		t.Fatal("expected timeout without credential files")
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.WriteFile(cfg.ClientAuthorization.ClientIDFile, []byte("client"), 0644)
		_ = os.WriteFile(cfg.ClientAuthorization.ClientSecretFile, []byte("secret"), 0644)
	}()

	if !WaitForCredentials(context.Background(), cfg, 10*time.Millisecond, 5*time.Second, logr.Discard()) {
		t.Fatal("expected credentials to become ready")
	}
}
