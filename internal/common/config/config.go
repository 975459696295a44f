// Package config provides configuration management for the Substrate pipeline.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Recovery policies for tasks whose journal says running after a crash.
const (
	RecoveryReset = "reset" // back to pending with retry budget intact
	RecoveryFail  = "fail"  // mark failed, normal retry semantics apply
)

// Config holds all configuration sections for Substrate.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Worktree     WorktreeConfig     `mapstructure:"worktree"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Events       EventsConfig       `mapstructure:"events"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// DatabaseConfig holds the state database location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig holds task-graph engine configuration.
type EngineConfig struct {
	MaxConcurrency      int    `mapstructure:"maxConcurrency"`      // parallel agent subprocesses
	SignalPollInterval  int    `mapstructure:"signalPollInterval"`  // in milliseconds
	DefaultRetryCeiling int    `mapstructure:"defaultRetryCeiling"` // retries per task unless the graph overrides
	RecoveryPolicy      string `mapstructure:"recoveryPolicy"`      // reset or fail
}

// WorkerConfig holds subprocess lifecycle configuration.
type WorkerConfig struct {
	TerminateGracePeriod int `mapstructure:"terminateGracePeriod"` // in seconds, SIGTERM to SIGKILL
}

// WorktreeConfig holds Git worktree configuration for concurrent agent execution.
type WorktreeConfig struct {
	Root              string `mapstructure:"root"`              // base directory for worktrees
	BaseBranch        string `mapstructure:"baseBranch"`        // branch worktrees derive from
	CleanupOnComplete bool   `mapstructure:"cleanupOnComplete"` // remove worktree when its task reaches a terminal status
}

// OrchestratorConfig holds story-level orchestration configuration.
type OrchestratorConfig struct {
	MaxReviewCycles int `mapstructure:"maxReviewCycles"` // review rounds before escalation
	MaxConcurrency  int `mapstructure:"maxConcurrency"`  // conflict groups running in parallel
}

// EventsConfig holds event distribution configuration.
// An empty URL means events stay on the in-memory bus only.
type EventsConfig struct {
	NATSURL string `mapstructure:"natsUrl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry export configuration.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// SignalPollIntervalDuration returns the signal poll interval as a time.Duration.
func (e *EngineConfig) SignalPollIntervalDuration() time.Duration {
	return time.Duration(e.SignalPollInterval) * time.Millisecond
}

// TerminateGracePeriodDuration returns the SIGTERM grace period as a time.Duration.
func (w *WorkerConfig) TerminateGracePeriodDuration() time.Duration {
	return time.Duration(w.TerminateGracePeriod) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" in CI and production environments, "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("CI") != "" {
		return "json"
	}

	if env := os.Getenv("SUBSTRATE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", ".substrate/state.db")

	// Engine defaults
	v.SetDefault("engine.maxConcurrency", 2)
	v.SetDefault("engine.signalPollInterval", 500)
	v.SetDefault("engine.defaultRetryCeiling", 2)
	v.SetDefault("engine.recoveryPolicy", RecoveryReset)

	// Worker defaults
	v.SetDefault("worker.terminateGracePeriod", 5)

	// Worktree defaults
	v.SetDefault("worktree.root", ".substrate/worktrees")
	v.SetDefault("worktree.baseBranch", "main")
	v.SetDefault("worktree.cleanupOnComplete", true)

	// Orchestrator defaults
	v.SetDefault("orchestrator.maxReviewCycles", 3)
	v.SetDefault("orchestrator.maxConcurrency", 2)

	// Events defaults - empty URL means in-memory bus only
	v.SetDefault("events.natsUrl", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.serviceName", "substrate")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SUBSTRATE_ with snake_case naming.
// Config file should be named substrate.yaml and placed in the current
// directory or in .substrate/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SUBSTRATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("engine.maxConcurrency", "SUBSTRATE_ENGINE_MAX_CONCURRENCY")
	_ = v.BindEnv("engine.signalPollInterval", "SUBSTRATE_ENGINE_SIGNAL_POLL_INTERVAL")
	_ = v.BindEnv("engine.defaultRetryCeiling", "SUBSTRATE_ENGINE_DEFAULT_RETRY_CEILING")
	_ = v.BindEnv("engine.recoveryPolicy", "SUBSTRATE_ENGINE_RECOVERY_POLICY")
	_ = v.BindEnv("worker.terminateGracePeriod", "SUBSTRATE_WORKER_TERMINATE_GRACE_PERIOD")
	_ = v.BindEnv("worktree.baseBranch", "SUBSTRATE_WORKTREE_BASE_BRANCH")
	_ = v.BindEnv("orchestrator.maxReviewCycles", "SUBSTRATE_ORCHESTRATOR_MAX_REVIEW_CYCLES")
	_ = v.BindEnv("orchestrator.maxConcurrency", "SUBSTRATE_ORCHESTRATOR_MAX_CONCURRENCY")
	_ = v.BindEnv("events.natsUrl", "SUBSTRATE_EVENTS_NATS_URL")
	_ = v.BindEnv("logging.outputPath", "SUBSTRATE_LOGGING_OUTPUT_PATH")

	// Configure config file
	v.SetConfigName("substrate")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(".substrate")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Engine.MaxConcurrency < 1 {
		errs = append(errs, "engine.maxConcurrency must be at least 1")
	}
	if cfg.Engine.SignalPollInterval <= 0 {
		errs = append(errs, "engine.signalPollInterval must be positive")
	}
	if cfg.Engine.DefaultRetryCeiling < 0 {
		errs = append(errs, "engine.defaultRetryCeiling must not be negative")
	}
	if p := cfg.Engine.RecoveryPolicy; p != RecoveryReset && p != RecoveryFail {
		errs = append(errs, "engine.recoveryPolicy must be one of: reset, fail")
	}

	if cfg.Worker.TerminateGracePeriod <= 0 {
		errs = append(errs, "worker.terminateGracePeriod must be positive")
	}

	if cfg.Worktree.Root == "" {
		errs = append(errs, "worktree.root is required")
	}
	if cfg.Worktree.BaseBranch == "" {
		errs = append(errs, "worktree.baseBranch is required")
	}

	if cfg.Orchestrator.MaxReviewCycles < 1 {
		errs = append(errs, "orchestrator.maxReviewCycles must be at least 1")
	}
	if cfg.Orchestrator.MaxConcurrency < 1 {
		errs = append(errs, "orchestrator.maxConcurrency must be at least 1")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, "tracing.endpoint is required when tracing is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
