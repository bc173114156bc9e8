package config

import (
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
)

func TestFeatureGateLoader_Defaults(t *testing.T) {
	l := NewFeatureGateLoader("/nonexistent/feature-gates.yaml", logr.Discard())
	if err := l.Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if *l.Get() != *DefaultFeatureGates() {
		t.Errorf("expected all gates enabled, got %+v", l.Get())
	}
}

func TestFeatureGateLoader_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feature-gates.yaml")
	writeFile(t, path, "serviceDiscovery: false\ntokenExchange: false\n")

	l := NewFeatureGateLoader(path, logr.Discard())

	if err := l.Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := FeatureGates{
		GlobalEnabled:     true,
		TokenResolution:   true,
		ServiceDiscovery:  false,
		TokenExchange:     false,
		InboundValidation: true,
	}
	if *l.Get() != want {
		t.Errorf("expected %+v, got %+v", want, *l.Get())
	}
}

func TestFeatureGateLoader_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feature-gates.yaml")
	writeFile(t, path, "globalEnabled: [")

	l := NewFeatureGateLoader(path, logr.Discard())
	if err := l.Load(); err == nil {
		t.Fatal("expected error for invalid file")
	}
	if *l.Get() != *DefaultFeatureGates() {
		t.Errorf("expected defaults kept after failed load, got %+v", l.Get())
	}
}

func TestFeatureGates_DeepCopy(t *testing.T) {
	var nilGates *FeatureGates
	if nilGates.DeepCopy() != nil {
		t.Error("expected nil copy of nil gates")
	}

	fg := DefaultFeatureGates()
	cp := fg.DeepCopy()
	cp.GlobalEnabled = false
	if !fg.GlobalEnabled {
		t.Error("copy must not alias the original")
	}
}
