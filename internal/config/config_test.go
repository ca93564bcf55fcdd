package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != defaultAddress {
		t.Fatalf("unexpected address %q", cfg.Address)
	}
	if len(cfg.SigningSecret) == 0 {
		t.Fatalf("expected a generated signing secret")
	}
	if cfg.FetchTimeout != 10*time.Minute {
		t.Fatalf("unexpected fetch timeout %v", cfg.FetchTimeout)
	}
}

func TestQueueNamesDebugCollapse(t *testing.T) {
	cfg := &Config{}
	names := cfg.QueueNames()
	if names["high"] != "high" || names["low"] != "low" {
		t.Fatalf("expected distinct queues in production, got %v", names)
	}

	cfg.Debug = true
	names = cfg.QueueNames()
	for tier, queue := range names {
		if queue != "default" {
			t.Fatalf("tier %s maps to %s in debug mode, want default", tier, queue)
		}
	}
}

func TestQueueWeights(t *testing.T) {
	cfg := &Config{}
	weights := cfg.QueueWeights()
	if weights["high"] <= weights["default"] || weights["default"] <= weights["low"] {
		t.Fatalf("weights not strictly ordered: %v", weights)
	}

	cfg.Debug = true
	if len(cfg.QueueWeights()) != 1 {
		t.Fatalf("debug mode should drain a single queue")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GIGAPIX_ADDRESS", ":9999")
	t.Setenv("GIGAPIX_DEBUG", "yes")
	t.Setenv("GIGAPIX_WORKERS", "12")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != ":9999" {
		t.Fatalf("address override ignored: %q", cfg.Address)
	}
	if !cfg.Debug {
		t.Fatalf("debug override ignored")
	}
	if cfg.Concurrency != 12 {
		t.Fatalf("workers override ignored: %d", cfg.Concurrency)
	}
}
