package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Deployment DeploymentConfig `yaml:"deployment"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Retry      RetryConfig      `yaml:"retry"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Health     HealthConfig     `yaml:"health"`
	Database   DatabaseConfig   `yaml:"database"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

type EngineConfig struct {
	Binary         string        `yaml:"binary"`          // container engine CLI, "docker" unless overridden
	Host           string        `yaml:"host"`            // DOCKER_HOST override; empty resolves from context
	CommandTimeout time.Duration `yaml:"command_timeout"` // per engine call
}

type DeploymentConfig struct {
	ComposeFile   string        `yaml:"compose_file"`
	ProjectName   string        `yaml:"project_name"`
	SingleService []string      `yaml:"single_service"` // services for single-container mode
	StackServices []string      `yaml:"stack_services"` // full stack service set, ordered
	AgentService  string        `yaml:"agent_service"`  // primary agent service name
	AgentImage    string        `yaml:"agent_image"`    // image fallback for agent container lookup
	SwitchTimeout time.Duration `yaml:"switch_timeout"` // mode switch readiness deadline
	ReadyInterval time.Duration `yaml:"ready_interval"` // poll cadence while waiting for Up
}

type ExecutionConfig struct {
	OutputDir     string        `yaml:"output_dir"`
	ToolsDir      string        `yaml:"tools_dir"`
	RuntimeDir    string        `yaml:"runtime_dir"` // prepared runtime for native execution
	AgentCommand  string        `yaml:"agent_command"`
	MaxIterations int           `yaml:"max_iterations"`
	StopGrace     time.Duration `yaml:"stop_grace"` // graceful-to-forced kill window
}

type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        bool          `yaml:"jitter"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Binary:         "docker",
			CommandTimeout: 60 * time.Second,
		},
		Deployment: DeploymentConfig{
			ComposeFile:   "docker-compose.yaml",
			ProjectName:   "cyberagent",
			SingleService: []string{"cyber-agent"},
			StackServices: []string{"cyber-agent", "langfuse-web", "langfuse-worker", "postgres", "clickhouse", "minio"},
			AgentService:  "cyber-agent",
			AgentImage:    "cyber-agent:latest",
			SwitchTimeout: 2 * time.Minute,
			ReadyInterval: 2 * time.Second,
		},
		Execution: ExecutionConfig{
			OutputDir:     "outputs",
			ToolsDir:      "tools",
			RuntimeDir:    ".venv",
			AgentCommand:  "cyberautoagent",
			MaxIterations: 100,
			StopGrace:     time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			BaseDelay:     time.Second,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2,
			Jitter:        true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Timeout:          60 * time.Second,
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9464",
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Engine.Binary == "" {
		return fmt.Errorf("engine.binary must not be empty")
	}
	if c.Engine.CommandTimeout < time.Second {
		return fmt.Errorf("engine.command_timeout must be >= 1s, got %s", c.Engine.CommandTimeout)
	}
	if c.Deployment.AgentService == "" {
		return fmt.Errorf("deployment.agent_service must not be empty")
	}
	if len(c.Deployment.StackServices) == 0 {
		return fmt.Errorf("deployment.stack_services must not be empty")
	}
	if !contains(c.Deployment.StackServices, c.Deployment.AgentService) {
		return fmt.Errorf("deployment.stack_services must include agent_service %q", c.Deployment.AgentService)
	}
	// Service reconciliation matches container names by containment, so
	// tokens embedded in one another (or in the project name) would
	// cross-match.
	for i, a := range c.Deployment.StackServices {
		if strings.Contains(c.Deployment.ProjectName, a) {
			return fmt.Errorf("deployment.project_name %q contains service token %q", c.Deployment.ProjectName, a)
		}
		for j, b := range c.Deployment.StackServices {
			if i != j && strings.Contains(a, b) {
				return fmt.Errorf("deployment service tokens overlap: %q contains %q", a, b)
			}
		}
	}
	if c.Deployment.ReadyInterval <= 0 {
		return fmt.Errorf("deployment.ready_interval must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be >= 1, got %g", c.Retry.BackoffFactor)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay (%s) must be >= base_delay (%s)", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1")
	}
	if c.Health.Enabled && c.Health.Interval < time.Second {
		return fmt.Errorf("health.interval must be >= 1s, got %s", c.Health.Interval)
	}
	if c.Execution.MaxIterations < 1 {
		return fmt.Errorf("execution.max_iterations must be >= 1")
	}
	if c.Execution.StopGrace <= 0 {
		return fmt.Errorf("execution.stop_grace must be > 0")
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
