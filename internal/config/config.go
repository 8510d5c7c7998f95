package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CadreConfig represents the top-level cadre.yml configuration shared by the
// server, the worker, and the CLI.
type CadreConfig struct {
	Version   string `yaml:"version"`
	Namespace string `yaml:"namespace,omitempty"` // Board key namespace, default "default"
	RedisURL  string `yaml:"redis_url,omitempty"` // Overridden by REDIS_URL env
	HTTPAddr  string `yaml:"http_addr,omitempty"` // Server listen address, default ":8080"

	Worker       *WorkerConfig       `yaml:"worker,omitempty"`
	Task         *TaskConfig         `yaml:"task,omitempty"`
	Queue        *QueueConfig        `yaml:"queue,omitempty"`
	EventBus     *EventBusConfig     `yaml:"eventbus,omitempty"`
	Orchestrator *OrchestratorConfig `yaml:"orchestrator,omitempty"`

	// Roles is consumed by the worker binary only: which role queues this
	// worker claims from and with what concurrency.
	Roles []RoleConfig `yaml:"roles,omitempty"`
}

// WorkerConfig specifies lease and heartbeat behavior for workers.
type WorkerConfig struct {
	LeaseSeconds             int `yaml:"lease_seconds,omitempty"`              // Default: 30
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds,omitempty"` // Default: 10
}

// TaskConfig specifies per-task execution defaults.
type TaskConfig struct {
	DefaultDeadlineSeconds int `yaml:"default_deadline_seconds,omitempty"` // Default: 600
	MaxAttempts            int `yaml:"max_attempts,omitempty"`             // Default: 3
	RetryBackoffBaseMs     int `yaml:"retry_backoff_base_ms,omitempty"`    // Default: 1000
	RetryBackoffCapMs      int `yaml:"retry_backoff_cap_ms,omitempty"`     // Default: 60000
}

// QueueConfig specifies queue backpressure behavior.
type QueueConfig struct {
	SoftCapPerRole int `yaml:"soft_cap_per_role,omitempty"` // Default: 1000
}

// EventBusConfig specifies event stream delivery behavior.
type EventBusConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer,omitempty"` // Default: 256
	HeartbeatSeconds int `yaml:"heartbeat_seconds,omitempty"` // Default: 15
}

// OrchestratorConfig specifies orchestrator coordination behavior.
type OrchestratorConfig struct {
	PerJobLockTimeoutSeconds int `yaml:"per_job_lock_timeout_seconds,omitempty"` // Default: 5
}

// RoleConfig binds one role queue to a worker with a concurrency budget.
type RoleConfig struct {
	Name        string `yaml:"name"`
	Concurrency int    `yaml:"concurrency,omitempty"` // Default: 1
}

// Validate performs strict validation and applies defaults in place.
func (c *CadreConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.RedisURL == "" {
		c.RedisURL = "redis://localhost:6379"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}

	if c.Worker == nil {
		c.Worker = &WorkerConfig{}
	}
	if c.Worker.LeaseSeconds == 0 {
		c.Worker.LeaseSeconds = 30
	}
	if c.Worker.LeaseSeconds < 1 {
		return fmt.Errorf("worker.lease_seconds must be >= 1, got %d", c.Worker.LeaseSeconds)
	}
	if c.Worker.HeartbeatIntervalSeconds == 0 {
		c.Worker.HeartbeatIntervalSeconds = 10
	}
	if c.Worker.HeartbeatIntervalSeconds < 1 {
		return fmt.Errorf("worker.heartbeat_interval_seconds must be >= 1, got %d", c.Worker.HeartbeatIntervalSeconds)
	}
	// Heartbeats slower than the lease guarantee spurious expiries.
	if c.Worker.HeartbeatIntervalSeconds >= c.Worker.LeaseSeconds {
		return fmt.Errorf("worker.heartbeat_interval_seconds (%d) must be less than worker.lease_seconds (%d)",
			c.Worker.HeartbeatIntervalSeconds, c.Worker.LeaseSeconds)
	}

	if c.Task == nil {
		c.Task = &TaskConfig{}
	}
	if c.Task.DefaultDeadlineSeconds == 0 {
		c.Task.DefaultDeadlineSeconds = 600
	}
	if c.Task.MaxAttempts == 0 {
		c.Task.MaxAttempts = 3
	}
	if c.Task.MaxAttempts < 1 {
		return fmt.Errorf("task.max_attempts must be >= 1, got %d", c.Task.MaxAttempts)
	}
	if c.Task.RetryBackoffBaseMs == 0 {
		c.Task.RetryBackoffBaseMs = 1000
	}
	if c.Task.RetryBackoffCapMs == 0 {
		c.Task.RetryBackoffCapMs = 60000
	}
	if c.Task.RetryBackoffCapMs < c.Task.RetryBackoffBaseMs {
		return fmt.Errorf("task.retry_backoff_cap_ms (%d) must be >= task.retry_backoff_base_ms (%d)",
			c.Task.RetryBackoffCapMs, c.Task.RetryBackoffBaseMs)
	}

	if c.Queue == nil {
		c.Queue = &QueueConfig{}
	}
	if c.Queue.SoftCapPerRole == 0 {
		c.Queue.SoftCapPerRole = 1000
	}
	if c.Queue.SoftCapPerRole < 1 {
		return fmt.Errorf("queue.soft_cap_per_role must be >= 1, got %d", c.Queue.SoftCapPerRole)
	}

	if c.EventBus == nil {
		c.EventBus = &EventBusConfig{}
	}
	if c.EventBus.SubscriberBuffer == 0 {
		c.EventBus.SubscriberBuffer = 256
	}
	if c.EventBus.HeartbeatSeconds == 0 {
		c.EventBus.HeartbeatSeconds = 15
	}

	if c.Orchestrator == nil {
		c.Orchestrator = &OrchestratorConfig{}
	}
	if c.Orchestrator.PerJobLockTimeoutSeconds == 0 {
		c.Orchestrator.PerJobLockTimeoutSeconds = 5
	}

	// Roles are optional (server binaries run without any), but when present
	// each needs a name and a sane concurrency.
	seen := make(map[string]bool)
	for i := range c.Roles {
		role := &c.Roles[i]
		if role.Name == "" {
			return fmt.Errorf("roles[%d]: name is required", i)
		}
		if seen[role.Name] {
			return fmt.Errorf("duplicate role '%s'", role.Name)
		}
		seen[role.Name] = true
		if role.Concurrency == 0 {
			role.Concurrency = 1
		}
		if role.Concurrency < 1 {
			return fmt.Errorf("roles[%d]: concurrency must be >= 1, got %d", i, role.Concurrency)
		}
	}

	return nil
}

// ApplyEnv overlays environment overrides onto the configuration.
// REDIS_URL and CADRE_NAMESPACE win over file values so deployments can
// retarget a board without editing cadre.yml.
func (c *CadreConfig) ApplyEnv() {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("CADRE_NAMESPACE"); v != "" {
		c.Namespace = v
	}
}

// Load reads and validates cadre.yml from the specified path.
func Load(path string) (*CadreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config CadreConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a fully-defaulted configuration for use without a file.
func Default() *CadreConfig {
	c := &CadreConfig{Version: "1.0"}
	c.ApplyEnv()
	// Defaults never fail validation.
	if err := c.Validate(); err != nil {
		panic(err)
	}
	return c
}
