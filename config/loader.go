package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader builds a Config from defaults, an optional YAML file and
// environment overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("stepflow.yaml").
//	    WithEnvPrefix("STEPFLOW").
//	    Load()
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with the default environment source.
func NewLoader() *Loader {
	return &Loader{envPrefix: "STEPFLOW", lookupEnv: os.LookupEnv}
}

// WithConfigPath sets the YAML file to load; missing files are not an error
// when the path was not explicitly set.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix (default STEPFLOW).
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithEnvSource replaces the environment lookup; used by tests to inject a
// fixed environment.
func (l *Loader) WithEnvSource(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

// Load materializes the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", l.configPath, err)
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the fields operators most commonly set per deployment.
// Secrets in particular belong in the environment, not in the YAML file.
func (l *Loader) applyEnv(cfg *Config) error {
	var err error
	l.str("LOG_LEVEL", &cfg.Log.Level)
	l.str("LOG_FORMAT", &cfg.Log.Format)

	l.boolVal("TELEMETRY_ENABLED", &cfg.Telemetry.Enabled, &err)
	l.str("TELEMETRY_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	l.str("ANTHROPIC_API_KEY", &cfg.Providers.Anthropic.APIKey)
	l.str("ANTHROPIC_BASE_URL", &cfg.Providers.Anthropic.BaseURL)
	l.str("ANTHROPIC_MODEL", &cfg.Providers.Anthropic.Model)
	l.str("ANTHROPIC_FALLBACK_MODEL", &cfg.Providers.Anthropic.FallbackModel)

	l.str("OPENAI_API_KEY", &cfg.Providers.OpenAI.APIKey)
	l.str("OPENAI_BASE_URL", &cfg.Providers.OpenAI.BaseURL)
	l.str("OPENAI_MODEL", &cfg.Providers.OpenAI.Model)

	l.str("CLAUDE_CLI_COMMAND", &cfg.Providers.ClaudeCLI.Command)
	l.str("CLAUDE_CLI_OUTPUT_DIR", &cfg.Providers.ClaudeCLI.OutputDir)
	l.dur("CLAUDE_CLI_TIMEOUT", &cfg.Providers.ClaudeCLI.Timeout, &err)
	l.str("CODEX_CLI_COMMAND", &cfg.Providers.CodexCLI.Command)
	l.dur("CODEX_CLI_TIMEOUT", &cfg.Providers.CodexCLI.Timeout, &err)

	l.dur("STREAM_IDLE_TIMEOUT", &cfg.Stream.IdleTimeout, &err)

	l.intVal("SCHEDULER_MAX_LOOPS", &cfg.Scheduler.DefaultMaxLoops, &err)
	l.intVal("SCHEDULER_MAX_STEP_EXECUTIONS", &cfg.Scheduler.DefaultMaxStepExecutions, &err)
	l.dur("SCHEDULER_STAGE_TIMEOUT", &cfg.Scheduler.DefaultStageTimeout, &err)

	l.str("STORAGE_SHARED_ROOT", &cfg.Storage.SharedRoot)
	l.str("STORAGE_ISOLATED_ROOT", &cfg.Storage.IsolatedRoot)
	l.str("RUN_STORE_PATH", &cfg.RunStore.Path)
	return err
}

func (l *Loader) lookup(key string) (string, bool) {
	return l.lookupEnv(l.envPrefix + "_" + key)
}

func (l *Loader) str(key string, dst *string) {
	if v, ok := l.lookup(key); ok {
		*dst = v
	}
}

func (l *Loader) boolVal(key string, dst *bool, errOut *error) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		*errOut = fmt.Errorf("env %s_%s: %w", l.envPrefix, key, err)
		return
	}
	*dst = parsed
}

func (l *Loader) intVal(key string, dst *int, errOut *error) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		*errOut = fmt.Errorf("env %s_%s: %w", l.envPrefix, key, err)
		return
	}
	*dst = parsed
}

func (l *Loader) dur(key string, dst *time.Duration, errOut *error) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		*errOut = fmt.Errorf("env %s_%s: %w", l.envPrefix, key, err)
		return
	}
	*dst = parsed
}
