package config

import "time"

// Default returns the baseline configuration before YAML and environment
// overrides are applied.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "stepflow",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Providers: ProvidersConfig{
			Anthropic: AnthropicConfig{
				BaseURL:               "https://api.anthropic.com",
				Model:                 "claude-sonnet-4-20250514",
				FallbackModel:         "claude-3-5-haiku-20241022",
				Timeout:               120 * time.Second,
				TrimBudgetTokens:      24000,
				FallbackContextWindow: 200000,
			},
			OpenAI: OpenAIConfig{
				BaseURL: "https://api.openai.com",
				Model:   "gpt-4.1",
				Timeout: 120 * time.Second,
			},
			ClaudeCLI: CLIConfig{
				Command:   "claude",
				OutputDir: "", // set at load time; file-based last-message output
				Timeout:   300 * time.Second,
			},
			CodexCLI: CLIConfig{
				Command: "codex",
				Timeout: 300 * time.Second,
			},
			RequestsPerSecond: 2,
			Burst:             4,
		},
		Stream: StreamConfig{
			IdleTimeout: 90 * time.Second,
		},
		Scheduler: SchedulerConfig{
			DefaultMaxLoops:          3,
			DefaultMaxStepExecutions: 50,
			DefaultStageTimeout:      10 * time.Minute,
			MaxDelegation:            5,
		},
		Storage: StorageConfig{
			SharedRoot:   "data/shared",
			IsolatedRoot: "data/isolated",
		},
		RunStore: RunStoreConfig{
			Path: "",
		},
	}
}
