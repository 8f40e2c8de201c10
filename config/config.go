// =============================================================================
// StepFlow configuration
// =============================================================================
// One Config struct constructed at process start and passed by reference into
// the adapter and scheduler constructors. Nothing below the constructors reads
// ambient environment, so tests can inject fixed configurations.
//
// Precedence: defaults → YAML file → environment overrides.
// =============================================================================
package config

import "time"

// Config is the complete StepFlow process configuration.
type Config struct {
	// Log configures zap logging.
	Log LogConfig `yaml:"log"`

	// Telemetry configures the OTel SDK.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Providers configures the provider execution adapter.
	Providers ProvidersConfig `yaml:"providers"`

	// Stream configures the event-stream parser.
	Stream StreamConfig `yaml:"stream"`

	// Scheduler supplies run-bound defaults for pipelines that omit them.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Storage configures the filesystem storage-path resolver.
	Storage StorageConfig `yaml:"storage"`

	// RunStore configures run persistence.
	RunStore RunStoreConfig `yaml:"run_store"`
}

// LogConfig controls log output.
type LogConfig struct {
	// Level is one of debug|info|warn|error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

// TelemetryConfig controls the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// ProvidersConfig configures both transports of every known provider.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	ClaudeCLI CLIConfig       `yaml:"claude_cli"`
	CodexCLI  CLIConfig       `yaml:"codex_cli"`

	// RequestsPerSecond/Burst bound the HTTP path across all providers.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// AnthropicConfig configures the Anthropic-compatible HTTP provider.
type AnthropicConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	// FallbackModel is the downgrade target for the bounded timeout retry.
	FallbackModel string        `yaml:"fallback_model"`
	Timeout       time.Duration `yaml:"timeout"`
	// TrimBudgetTokens is the context token budget applied when the timeout
	// retry trims context (65% head / 30% tail).
	TrimBudgetTokens int `yaml:"trim_budget_tokens"`
	// FallbackContextWindow caps the context window on the downgrade retry.
	FallbackContextWindow int `yaml:"fallback_context_window"`
}

// OpenAIConfig configures the /responses-style HTTP provider.
type OpenAIConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// CLIConfig configures one subprocess command-line provider.
type CLIConfig struct {
	// Command is the executable name or path.
	Command string `yaml:"command"`
	// OutputDir holds last-message output files for file-based providers;
	// empty means the provider reads stdout.
	OutputDir string        `yaml:"output_dir"`
	Timeout   time.Duration `yaml:"timeout"`
}

// StreamConfig configures the event-stream parser.
type StreamConfig struct {
	// IdleTimeout fails a stream that produces no event within the window.
	// Clamped to [1s, 600s] at use.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// SchedulerConfig supplies defaults for pipelines without runtime bounds.
type SchedulerConfig struct {
	DefaultMaxLoops          int           `yaml:"default_max_loops"`
	DefaultMaxStepExecutions int           `yaml:"default_max_step_executions"`
	DefaultStageTimeout      time.Duration `yaml:"default_stage_timeout"`
	// MaxDelegation caps orchestrator fan-out regardless of step settings.
	MaxDelegation int `yaml:"max_delegation"`
}

// StorageConfig roots the filesystem storage-path resolver.
type StorageConfig struct {
	// SharedRoot is the base directory for shared storage, keyed by
	// pipeline id.
	SharedRoot string `yaml:"shared_root"`
	// IsolatedRoot is the base directory for isolated storage, keyed by
	// pipeline id and run id.
	IsolatedRoot string `yaml:"isolated_root"`
}

// RunStoreConfig configures run persistence.
type RunStoreConfig struct {
	// Path is the sqlite database file; empty disables persistence.
	Path string `yaml:"path"`
}
