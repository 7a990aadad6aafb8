// Package config loads and validates the engine configuration from YAML,
// with live reload on file change.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/atomrun/atomrun/pkg/telemetry"
)

// Config is the top-level engine configuration.
type Config struct {
	// Service identifies this engine instance in telemetry.
	Service ServiceConfig `yaml:"service"`

	// Engine contains the orchestrator's numeric policy.
	Engine EngineConfig `yaml:"engine"`

	// Sandbox contains the execution isolation settings.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Logging configures structured logging.
	Logging telemetry.LoggingConfig `yaml:"logging"`

	// Tracing configures distributed tracing.
	Tracing telemetry.TracingConfig `yaml:"tracing"`

	// Metrics configures the Prometheus endpoint.
	Metrics telemetry.MetricsConfig `yaml:"metrics"`

	// PolicyPaths are additional .rego policy files to load.
	PolicyPaths []string `yaml:"policy_paths"`
}

// ServiceConfig identifies the engine instance.
type ServiceConfig struct {
	Name        string `yaml:"name" validate:"required"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" validate:"oneof=development staging production"`
}

// EngineConfig is the orchestrator's numeric policy.
type EngineConfig struct {
	// MaxRetries bounds the attempt count per atom.
	MaxRetries int `yaml:"max_retries" validate:"min=1,max=10"`

	// MaxParallel is the execution-slot pool size within a wave.
	MaxParallel int `yaml:"max_parallel" validate:"min=1,max=256"`

	// GateThreshold is the minimum wave success rate to continue the run.
	GateThreshold float64 `yaml:"gate_threshold" validate:"gt=0,lte=1"`

	// RepairTimeout bounds each call to the repair collaborator.
	RepairTimeout time.Duration `yaml:"repair_timeout" validate:"min=1s"`
}

// SandboxConfig is the execution isolation settings.
type SandboxConfig struct {
	// WallClock is the per-attempt wall-clock limit.
	WallClock time.Duration `yaml:"wall_clock" validate:"min=100ms"`

	// MemoryMB is the per-attempt memory ceiling in megabytes.
	MemoryMB int64 `yaml:"memory_mb" validate:"min=1"`

	// CPUs is the CPU core allocation per attempt.
	CPUs int `yaml:"cpus" validate:"min=1"`

	// WorkDir is the base directory for scratch directories.
	WorkDir string `yaml:"work_dir"`

	// Interpreters overrides the language-to-interpreter table.
	Interpreters map[string]string `yaml:"interpreters"`
}

// Default returns the default configuration.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		Service: ServiceConfig{
			Name:        "atomrun",
			Version:     "dev",
			Environment: "development",
		},
		Engine: EngineConfig{
			MaxRetries:    3,
			MaxParallel:   4,
			GateThreshold: 0.5,
			RepairTimeout: 15 * time.Second,
		},
		Sandbox: SandboxConfig{
			WallClock: 30 * time.Second,
			MemoryMB:  512,
			CPUs:      1,
		},
		Logging: tel.Logging,
		Tracing: tel.Tracing,
		Metrics: tel.Metrics,
	}
}

// Load reads, merges over defaults, and validates a YAML config file.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration against its struct constraints and the
// telemetry section's own rules.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return err
	}

	tel := &telemetry.Config{
		ServiceName:    c.Service.Name,
		ServiceVersion: c.Service.Version,
		Environment:    c.Service.Environment,
		Logging:        c.Logging,
		Tracing:        c.Tracing,
		Metrics:        c.Metrics,
	}
	return tel.Validate()
}

// Telemetry assembles the telemetry configuration from the relevant sections.
func (c *Config) Telemetry() *telemetry.Config {
	return &telemetry.Config{
		ServiceName:    c.Service.Name,
		ServiceVersion: c.Service.Version,
		Environment:    c.Service.Environment,
		Logging:        c.Logging,
		Tracing:        c.Tracing,
		Metrics:        c.Metrics,
	}
}
