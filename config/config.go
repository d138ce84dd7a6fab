// Package config provides configuration loading and management for the
// AIRES daemon: defaults, YAML files, environment overrides, validation,
// and the reloadable subset.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend identifies an LLM backend kind.
type Backend string

// Recognized backend kinds.
const (
	BackendLocalHTTP Backend = "localHTTP"
	BackendCloudHTTP Backend = "cloudHTTP"
)

// Config is the complete resolved daemon configuration.
type Config struct {
	Input    InputConfig            `yaml:"input"`
	Output   OutputConfig           `yaml:"output"`
	Pipeline PipelineConfig         `yaml:"pipeline"`
	Stages   map[string]StageConfig `yaml:"stages"`
	DB       DBConfig               `yaml:"db"`
	Queue    QueueConfig            `yaml:"queue"`
	Log      LogConfig              `yaml:"log"`
	Control  ControlConfig          `yaml:"control"`
}

// InputConfig configures the watched input directory.
type InputConfig struct {
	// Directory is the absolute path of the watched directory.
	Directory string `yaml:"directory"`
	// FilePatterns lists globs for candidate files.
	FilePatterns []string `yaml:"file_patterns"`
	// PollIntervalSeconds is the watcher scan cadence.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// StableForSeconds is how long size+mtime must hold before claiming.
	StableForSeconds int `yaml:"stable_for_seconds"`
}

// OutputConfig configures booklet output and archive behavior.
type OutputConfig struct {
	// Directory is the absolute path booklets are written to.
	Directory string `yaml:"directory"`
	// RetentionDays is the archive cleanup horizon.
	RetentionDays int `yaml:"retention_days"`
}

// PipelineConfig bounds pipeline concurrency and retries.
type PipelineConfig struct {
	// MaxConcurrentBatches caps batches past Claimed at any moment.
	MaxConcurrentBatches int `yaml:"max_concurrent_batches"`
	// MaxStageAttempts is the retry budget per stage (retries beyond
	// the initial attempt).
	MaxStageAttempts int `yaml:"max_stage_attempts"`
	// MaxErrorsPerBatch truncates oversized inputs.
	MaxErrorsPerBatch int `yaml:"max_errors_per_batch"`
	// ShutdownGraceSeconds bounds how long stop waits for in-flight
	// work before aborting.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
	// FatalDBDownSeconds is how long the store may be unreachable
	// before the daemon exits for supervisor restart.
	FatalDBDownSeconds int `yaml:"fatal_db_down_seconds"`
	// HealthWindowSeconds is the degraded threshold for component health.
	HealthWindowSeconds int `yaml:"health_window_seconds"`
}

// StageConfig configures one AI stage.
type StageConfig struct {
	Backend        Backend `yaml:"backend"`
	Model          string  `yaml:"model"`
	Endpoint       string  `yaml:"endpoint"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	SystemPrompt   string  `yaml:"system_prompt"`
}

// Timeout returns the per-call deadline.
func (s StageConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// DBConfig configures the state store.
type DBConfig struct {
	// ConnectionString is the state store DSN.
	ConnectionString string `yaml:"connection_string"`
	// MaxConns bounds the connection pool.
	MaxConns int `yaml:"max_conns"`
}

// QueueConfig configures the message bus and AI call pacing.
type QueueConfig struct {
	// Brokers lists bus endpoints. Empty means run an embedded broker.
	Brokers []string `yaml:"brokers"`
	// StoreDir holds embedded-broker stream state.
	StoreDir string `yaml:"store_dir"`
	// RateLimit and Burst bound AI calls per backend (token bucket).
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
	// QueueWaitSeconds bounds how long an AI call waits for a token
	// before failing as rate-limited.
	QueueWaitSeconds int `yaml:"queue_wait_seconds"`
	// MaxPublishAttempts caps outbox publish retries before dead-letter.
	MaxPublishAttempts int `yaml:"max_publish_attempts"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string `yaml:"level"`
}

// ControlConfig configures the loopback control listener.
type ControlConfig struct {
	// Addr is the loopback listen address for status/health/metrics.
	Addr string `yaml:"addr"`
}

// Stage name keys in the Stages map.
const (
	StageKeyDocs    = "docs"
	StageKeyContext = "context"
	StageKeyPattern = "pattern"
	StageKeySynth   = "synth"
)

// StageKeys lists the stage config keys in pipeline order.
func StageKeys() []string {
	return []string{StageKeyDocs, StageKeyContext, StageKeyPattern, StageKeySynth}
}

// DefaultConfig returns a Config with every default applied. Input and
// output directories have no default and must be configured.
func DefaultConfig() *Config {
	return &Config{
		Input: InputConfig{
			FilePatterns:        []string{"*.txt", "*.log", "*.err"},
			PollIntervalSeconds: 5,
			StableForSeconds:    2,
		},
		Output: OutputConfig{
			RetentionDays: 30,
		},
		Pipeline: PipelineConfig{
			MaxConcurrentBatches: 5,
			MaxStageAttempts:     3,
			MaxErrorsPerBatch:    500,
			ShutdownGraceSeconds: 30,
			FatalDBDownSeconds:   120,
			HealthWindowSeconds:  300,
		},
		Stages: map[string]StageConfig{
			StageKeyDocs: {
				Backend:        BackendLocalHTTP,
				Model:          "qwen2.5-coder:7b",
				Temperature:    0.4,
				TimeoutSeconds: 30,
			},
			StageKeyContext: {
				Backend:        BackendLocalHTTP,
				Model:          "qwen2.5-coder:32b",
				Temperature:    0.4,
				TimeoutSeconds: 60,
			},
			StageKeyPattern: {
				Backend:        BackendLocalHTTP,
				Model:          "qwen2.5-coder:32b",
				Temperature:    0.4,
				TimeoutSeconds: 45,
			},
			StageKeySynth: {
				Backend:        BackendCloudHTTP,
				Model:          "gemini-2.0-flash",
				Temperature:    0.4,
				TimeoutSeconds: 120,
			},
		},
		DB: DBConfig{
			MaxConns: 20,
		},
		Queue: QueueConfig{
			RateLimit:          2,
			Burst:              5,
			QueueWaitSeconds:   30,
			MaxPublishAttempts: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
		Control: ControlConfig{
			Addr: "127.0.0.1:8377",
		},
	}
}

// Validate checks the configuration for startup-fatal problems.
func (c *Config) Validate() error {
	if c.Input.Directory == "" {
		return fmt.Errorf("input.directory is required")
	}
	if !filepath.IsAbs(c.Input.Directory) {
		return fmt.Errorf("input.directory must be absolute: %s", c.Input.Directory)
	}
	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}
	if !filepath.IsAbs(c.Output.Directory) {
		return fmt.Errorf("output.directory must be absolute: %s", c.Output.Directory)
	}
	if c.DB.ConnectionString == "" {
		return fmt.Errorf("db.connection_string is required")
	}
	if c.Input.PollIntervalSeconds <= 0 {
		return fmt.Errorf("input.poll_interval_seconds must be positive")
	}
	if c.Pipeline.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("pipeline.max_concurrent_batches must be positive")
	}
	for _, key := range StageKeys() {
		sc, ok := c.Stages[key]
		if !ok {
			return fmt.Errorf("stages.%s is required", key)
		}
		if sc.Backend != BackendLocalHTTP && sc.Backend != BackendCloudHTTP {
			return fmt.Errorf("stages.%s.backend must be localHTTP or cloudHTTP", key)
		}
		if sc.Model == "" {
			return fmt.Errorf("stages.%s.model is required", key)
		}
		if sc.Temperature < 0 || sc.Temperature > 1 {
			return fmt.Errorf("stages.%s.temperature must be between 0 and 1", key)
		}
		if sc.TimeoutSeconds <= 0 {
			return fmt.Errorf("stages.%s.timeout_seconds must be positive", key)
		}
	}
	return validateLogLevel(c.Log.Level)
}

func validateLogLevel(level string) error {
	switch level {
	case "trace", "debug", "info", "warn", "error", "fatal":
		return nil
	}
	return fmt.Errorf("log.level %q is not one of trace, debug, info, warn, error, fatal", level)
}

// PollInterval returns the watcher scan cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Input.PollIntervalSeconds) * time.Second
}

// StableFor returns the file stability window.
func (c *Config) StableFor() time.Duration {
	return time.Duration(c.Input.StableForSeconds) * time.Second
}

// ShutdownGrace returns the maximum shutdown grace period.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Pipeline.ShutdownGraceSeconds) * time.Second
}

// HealthWindow returns the degraded-health threshold.
func (c *Config) HealthWindow() time.Duration {
	return time.Duration(c.Pipeline.HealthWindowSeconds) * time.Second
}

// QueueWait returns how long AI calls wait for a rate-limit token.
func (c *Config) QueueWait() time.Duration {
	return time.Duration(c.Queue.QueueWaitSeconds) * time.Second
}

// ApplyReloadable copies the reloadable keys from other into c: log
// level, stage timeouts, and retention. Everything else requires a
// restart, backend endpoint changes included.
func (c *Config) ApplyReloadable(other *Config) {
	if other == nil {
		return
	}
	if other.Log.Level != "" && validateLogLevel(other.Log.Level) == nil {
		c.Log.Level = other.Log.Level
	}
	if other.Output.RetentionDays > 0 {
		c.Output.RetentionDays = other.Output.RetentionDays
	}
	for key, sc := range other.Stages {
		cur, ok := c.Stages[key]
		if !ok {
			continue
		}
		if sc.TimeoutSeconds > 0 {
			cur.TimeoutSeconds = sc.TimeoutSeconds
			c.Stages[key] = cur
		}
	}
}

// Marshal renders the config as YAML for debug dumps.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
