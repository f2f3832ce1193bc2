package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Swarm.MaxAgents != 10 {
		t.Errorf("expected max_agents 10, got %d", cfg.Swarm.MaxAgents)
	}
	if cfg.Swarm.WorkloadThreshold != 0.8 {
		t.Errorf("expected workload_threshold 0.8, got %v", cfg.Swarm.WorkloadThreshold)
	}
	if cfg.Swarm.QuorumThreshold != 0.51 {
		t.Errorf("expected quorum_threshold 0.51, got %v", cfg.Swarm.QuorumThreshold)
	}
	if cfg.Swarm.TaskTimeout != 5*time.Minute {
		t.Errorf("expected task_timeout 5m, got %v", cfg.Swarm.TaskTimeout)
	}
	if cfg.Defaults.MaxConcurrentTasks != 3 {
		t.Errorf("expected max_concurrent_tasks 3, got %d", cfg.Defaults.MaxConcurrentTasks)
	}
	if cfg.Runtime.Kind != "local" {
		t.Errorf("expected local runtime, got %s", cfg.Runtime.Kind)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	// Point config to a non-existent file so we use defaults
	t.Setenv("HIVE_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("HIVE_MAX_AGENTS", "4")
	t.Setenv("HIVE_WORKLOAD_THRESHOLD", "0.5")
	t.Setenv("HIVE_RUNTIME", "container")
	t.Setenv("HIVE_WEB_PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Swarm.MaxAgents != 4 {
		t.Errorf("expected max_agents 4, got %d", cfg.Swarm.MaxAgents)
	}
	if cfg.Swarm.WorkloadThreshold != 0.5 {
		t.Errorf("expected threshold 0.5, got %v", cfg.Swarm.WorkloadThreshold)
	}
	if cfg.Runtime.Kind != "container" {
		t.Errorf("expected container runtime, got %s", cfg.Runtime.Kind)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
swarm:
  max_agents: 3
  workload_threshold: 0.6
  spawn_grace: 2s
  default_method: weighted
defaults:
  role: researcher
  capabilities: [search, summarize]
  max_concurrent_tasks: 2
scheduler:
  schedules:
    - name: nightly
      schedule: "0 2 * * *"
      description: "rotate logs and compact the index"
web:
  port: 3000
  enabled: false
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HIVE_CONFIG", cfgPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Swarm.MaxAgents != 3 {
		t.Errorf("expected max_agents 3, got %d", cfg.Swarm.MaxAgents)
	}
	if cfg.Swarm.SpawnGrace != 2*time.Second {
		t.Errorf("expected spawn_grace 2s, got %v", cfg.Swarm.SpawnGrace)
	}
	// Unset fields keep their defaults
	if cfg.Swarm.StopTimeout != 10*time.Second {
		t.Errorf("expected default stop_timeout, got %v", cfg.Swarm.StopTimeout)
	}
	if cfg.Defaults.Role != "researcher" || len(cfg.Defaults.Capabilities) != 2 {
		t.Errorf("unexpected defaults: %+v", cfg.Defaults)
	}
	if len(cfg.Scheduler.Schedules) != 1 || cfg.Scheduler.Schedules[0].Name != "nightly" {
		t.Errorf("unexpected schedules: %+v", cfg.Scheduler.Schedules)
	}
	if cfg.Web.Port != 3000 {
		t.Errorf("expected web port 3000, got %d", cfg.Web.Port)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("swarm:\n  workload_threshold: 1.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HIVE_CONFIG", cfgPath)

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error")
	}
}
