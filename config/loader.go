package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. AIRES_STAGES_1_MODEL.
const EnvPrefix = "AIRES_"

// Loader resolves the daemon configuration: defaults, then the YAML
// file, then environment overrides.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load resolves the configuration from the given file path. An empty
// path skips the file layer. The result is validated.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		l.logger.Debug("Loaded config file", "path", path)
	}

	l.applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// stageKeyByIndex maps the numeric env segment (AIRES_STAGES_1_...) onto
// stage config keys.
var stageKeyByIndex = map[string]string{
	"1": StageKeyDocs,
	"2": StageKeyContext,
	"3": StageKeyPattern,
	"4": StageKeySynth,
}

// applyEnv overlays AIRES_* environment variables. Dotted config keys
// become underscore-joined uppercase segments.
func (l *Loader) applyEnv(cfg *Config) {
	set := func(target *string, key string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*target = v
		}
	}
	setInt := func(target *int, key string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*target = n
			} else {
				l.logger.Warn("Ignoring non-integer env override",
					"key", EnvPrefix+key, "value", v)
			}
		}
	}

	set(&cfg.Input.Directory, "INPUT_DIRECTORY")
	set(&cfg.Output.Directory, "OUTPUT_DIRECTORY")
	set(&cfg.DB.ConnectionString, "DB_CONNECTIONSTRING")
	set(&cfg.Log.Level, "LOG_LEVEL")
	set(&cfg.Control.Addr, "CONTROL_ADDR")

	setInt(&cfg.Input.PollIntervalSeconds, "INPUT_POLLINTERVALSECONDS")
	setInt(&cfg.Input.StableForSeconds, "INPUT_STABLEFORSECONDS")
	setInt(&cfg.Output.RetentionDays, "OUTPUT_RETENTIONDAYS")
	setInt(&cfg.Pipeline.MaxConcurrentBatches, "PIPELINE_MAXCONCURRENTBATCHES")
	setInt(&cfg.Pipeline.MaxStageAttempts, "PIPELINE_MAXSTAGEATTEMPTS")
	setInt(&cfg.Pipeline.HealthWindowSeconds, "PIPELINE_HEALTHWINDOWSECONDS")

	if v, ok := os.LookupEnv(EnvPrefix + "INPUT_FILEPATTERNS"); ok {
		patterns := strings.Split(v, ",")
		for i := range patterns {
			patterns[i] = strings.TrimSpace(patterns[i])
		}
		cfg.Input.FilePatterns = patterns
	}
	if v, ok := os.LookupEnv(EnvPrefix + "QUEUE_BROKERS"); ok {
		brokers := strings.Split(v, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		cfg.Queue.Brokers = brokers
	}

	// Per-stage overrides: AIRES_STAGES_<n>_{MODEL,BACKEND,ENDPOINT,
	// TIMEOUTSECONDS,TEMPERATURE,SYSTEMPROMPT,MAXTOKENS}.
	for idx, key := range stageKeyByIndex {
		sc := cfg.Stages[key]
		prefix := "STAGES_" + idx + "_"
		changed := false

		if v, ok := os.LookupEnv(EnvPrefix + prefix + "MODEL"); ok {
			sc.Model = v
			changed = true
		}
		if v, ok := os.LookupEnv(EnvPrefix + prefix + "BACKEND"); ok {
			sc.Backend = Backend(v)
			changed = true
		}
		if v, ok := os.LookupEnv(EnvPrefix + prefix + "ENDPOINT"); ok {
			sc.Endpoint = v
			changed = true
		}
		if v, ok := os.LookupEnv(EnvPrefix + prefix + "SYSTEMPROMPT"); ok {
			sc.SystemPrompt = v
			changed = true
		}
		if v, ok := os.LookupEnv(EnvPrefix + prefix + "TIMEOUTSECONDS"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				sc.TimeoutSeconds = n
				changed = true
			}
		}
		if v, ok := os.LookupEnv(EnvPrefix + prefix + "MAXTOKENS"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				sc.MaxTokens = n
				changed = true
			}
		}
		if v, ok := os.LookupEnv(EnvPrefix + prefix + "TEMPERATURE"); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				sc.Temperature = f
				changed = true
			}
		}

		if changed {
			cfg.Stages[key] = sc
		}
	}
}

// ParseLevel converts a config log level into a slog.Level. Trace maps
// below debug; fatal maps above error.
func ParseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return slog.LevelDebug - 4
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
