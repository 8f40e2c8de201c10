package adapter

import "github.com/BaSui01/stepflow/config"

// CredentialSource reports whether a usable API key exists for a provider,
// and whether it was explicitly configured. Explicitly configured keys pin
// the HTTP path: a failure there is surfaced rather than silently rerouted
// to the CLI. Cached keys (picked up from a prior login) allow cross-path
// fallback.
type CredentialSource interface {
	Credential(providerID string) (key string, explicit bool)
}

// configCredentials treats every key in the configuration as explicit.
type configCredentials struct {
	cfg config.ProvidersConfig
}

// NewConfigCredentials builds the default credential source from the static
// configuration.
func NewConfigCredentials(cfg config.ProvidersConfig) CredentialSource {
	return &configCredentials{cfg: cfg}
}

func (c *configCredentials) Credential(providerID string) (string, bool) {
	switch providerID {
	case ProviderAnthropic:
		return c.cfg.Anthropic.APIKey, c.cfg.Anthropic.APIKey != ""
	case ProviderOpenAI:
		return c.cfg.OpenAI.APIKey, c.cfg.OpenAI.APIKey != ""
	default:
		return "", false
	}
}
