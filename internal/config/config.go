package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Swarm     SwarmConfig     `yaml:"swarm"`
	Defaults  AgentDefaults   `yaml:"defaults"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Web       WebConfig       `yaml:"web"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

// SwarmConfig tunes pool sizing, timeouts and reputation feedback.
type SwarmConfig struct {
	MaxAgents         int           `yaml:"max_agents"`
	WorkloadThreshold float64       `yaml:"workload_threshold"`
	SpawnGrace        time.Duration `yaml:"spawn_grace"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	VoteTimeout       time.Duration `yaml:"vote_timeout"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialReputation float64       `yaml:"initial_reputation"`
	SuccessDelta      float64       `yaml:"success_delta"`
	FailureDelta      float64       `yaml:"failure_delta"`
	QuorumThreshold   float64       `yaml:"quorum_threshold"`
	DefaultMethod     string        `yaml:"default_method"`
}

// AgentDefaults is the AgentSpec used when a spawn request leaves fields empty.
type AgentDefaults struct {
	Role               string   `yaml:"role"`
	Specialization     string   `yaml:"specialization"`
	Capabilities       []string `yaml:"capabilities"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
	MemoryMB           int64    `yaml:"memory_mb"`
	CPUs               float64  `yaml:"cpus"`
	Image              string   `yaml:"image"`
}

type RuntimeConfig struct {
	Kind    string `yaml:"kind"` // "local" or "container"
	Network string `yaml:"network"`
	// WorkspaceDir holds one directory per agent, bind-mounted at /workspace.
	WorkspaceDir string            `yaml:"workspace_dir"`
	Mounts       []MountConfig     `yaml:"mounts"`
	Env          map[string]string `yaml:"env"`
	Dockerfile   string            `yaml:"dockerfile"`
	Heartbeat    time.Duration     `yaml:"heartbeat"`
	// VoteCommand answers consensus requests; see worker.CommandHandler.
	VoteCommand string `yaml:"vote_command"`
}

type MountConfig struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only"`
}

type NATSConfig struct {
	Port int `yaml:"port"`
	// AgentURL is the broker address handed to agent processes. Defaults to
	// the embedded server's client URL.
	AgentURL string `yaml:"agent_url"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration   `yaml:"poll_interval"`
	Schedules    []ScheduleEntry `yaml:"schedules"`
}

// ScheduleEntry submits Description as a new task on every tick of Schedule.
// Schedule is a cron expression or a JSON schedule object.
type ScheduleEntry struct {
	Name         string   `yaml:"name"`
	Schedule     string   `yaml:"schedule"`
	Description  string   `yaml:"description"`
	Priority     int      `yaml:"priority"`
	Capabilities []string `yaml:"capabilities"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() Config {
	return Config{
		Swarm: SwarmConfig{
			MaxAgents:         10,
			WorkloadThreshold: 0.8,
			SpawnGrace:        5 * time.Second,
			StopTimeout:       10 * time.Second,
			TaskTimeout:       5 * time.Minute,
			VoteTimeout:       30 * time.Second,
			HeartbeatTimeout:  30 * time.Second,
			SweepInterval:     10 * time.Second,
			MaxAttempts:       3,
			InitialReputation: 0.5,
			SuccessDelta:      0.05,
			FailureDelta:      0.1,
			QuorumThreshold:   0.51,
			DefaultMethod:     "majority",
		},
		Defaults: AgentDefaults{
			Role:               "worker",
			MaxConcurrentTasks: 3,
			MemoryMB:           512,
			CPUs:               1,
			Image:              "hive-agent:latest",
		},
		Runtime: RuntimeConfig{
			Kind:         "local",
			Network:      "hive-net",
			WorkspaceDir: "data/agents",
			Dockerfile:   "Dockerfile.agent",
			Heartbeat:    10 * time.Second,
		},
		NATS: NATSConfig{
			Port: 4222,
		},
		Store: StoreConfig{
			Path: "data/hive.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the built-in configuration without reading files or env.
func Default() Config {
	return defaults()
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("HIVE_CONFIG")
	if path == "" {
		path = "config/hive.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Swarm.MaxAgents <= 0 {
		return fmt.Errorf("swarm.max_agents must be positive")
	}
	if c.Swarm.WorkloadThreshold <= 0 || c.Swarm.WorkloadThreshold > 1 {
		return fmt.Errorf("swarm.workload_threshold must be in (0, 1]")
	}
	if c.Swarm.QuorumThreshold <= 0 || c.Swarm.QuorumThreshold > 1 {
		return fmt.Errorf("swarm.quorum_threshold must be in (0, 1]")
	}
	if c.Defaults.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("defaults.max_concurrent_tasks must be positive")
	}
	switch c.Runtime.Kind {
	case "local", "container":
	default:
		return fmt.Errorf("unknown runtime kind %q", c.Runtime.Kind)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HIVE_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Swarm.MaxAgents = n
		}
	}
	if v := os.Getenv("HIVE_WORKLOAD_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Swarm.WorkloadThreshold = f
		}
	}
	if v := os.Getenv("HIVE_RUNTIME"); v != "" {
		cfg.Runtime.Kind = v
	}
	if v := os.Getenv("HIVE_AGENT_IMAGE"); v != "" {
		cfg.Defaults.Image = v
	}
	if v := os.Getenv("HIVE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("HIVE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("HIVE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("HIVE_NATS_AGENT_URL"); v != "" {
		cfg.NATS.AgentURL = v
	}
	if v := os.Getenv("HIVE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HIVE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
