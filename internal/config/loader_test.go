package config

import (
	"strings"
	"testing"
)

const minimalTOML = `
[server]
host = "127.0.0.1"
port = 9000

[store]
mode = "single"
addrs = ["127.0.0.1:6379"]
`

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalTOML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Scheduler.LoadBalancer.Strategy != "least_connections" {
		t.Fatalf("load_balancer.strategy = %q, want default", cfg.Scheduler.LoadBalancer.Strategy)
	}
	if cfg.Scheduler.TaskBinding.LeaseSeconds != 90 {
		t.Fatalf("task_binding.lease_seconds = %d, want default 90", cfg.Scheduler.TaskBinding.LeaseSeconds)
	}
	if cfg.Store.KeyPrefix != "lingua" {
		t.Fatalf("store.key_prefix = %q, want default lingua", cfg.Store.KeyPrefix)
	}
	if cfg.Scheduler.NodeHealth.FailureThreshold.FailureCount != 3 {
		t.Fatalf("node_health.failure_threshold.failure_count = %d, want default 3", cfg.Scheduler.NodeHealth.FailureThreshold.FailureCount)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
[server]
hostname = "typo-of-host"
`))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromReader_RejectsInvalidStrategy(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
[scheduler.load_balancer]
strategy = "not_a_real_strategy"
`))
	if err == nil {
		t.Fatal("expected error for invalid load_balancer.strategy")
	}
}

func TestLoadFromReader_RejectsInvalidStoreMode(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
[store]
mode = "not_a_real_mode"
`))
	if err == nil {
		t.Fatal("expected error for invalid store.mode")
	}
}

func TestLoadFromReader_Phase3EnabledWithoutPoolsOrAutoGenerateErrors(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
[scheduler.phase3]
enabled = true
`))
	if err == nil {
		t.Fatal("expected error: phase3 enabled with no pools and no auto-generation")
	}
}

func TestLoadFromReader_Phase3WithStaticPools(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
[scheduler.phase3]
enabled = true

[[scheduler.phase3.pools]]
id = 1
name = "en-zh"
languages = ["en", "zh"]

[[scheduler.phase3.pools]]
id = 2
name = "en-fr"
languages = ["en", "fr"]
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Scheduler.Phase3.Pools) != 2 {
		t.Fatalf("pools = %+v, want 2", cfg.Scheduler.Phase3.Pools)
	}
}

func TestLoadFromReader_DuplicatePoolIDErrors(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
[scheduler.phase3]
enabled = true

[[scheduler.phase3.pools]]
id = 1
name = "a"

[[scheduler.phase3.pools]]
id = 1
name = "b"
`))
	if err == nil {
		t.Fatal("expected error for duplicate pool id")
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.toml"); err == nil {
		t.Fatal("expected error opening a nonexistent config file")
	}
}
