package provider

import (
	"fmt"
	"strings"

	"deskagent/internal/config"
)

// Family is the resolved authentication family of a configured provider.
type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
	FamilyGemini    Family = "gemini"
	FamilyVertex    Family = "vertex"
)

// ResolveFamily picks the adapter family for a provider. An explicitly
// configured auth type wins; otherwise the platform identifier is matched by
// substring, with OpenAI-compatible as the default.
func ResolveFamily(cfg config.Provider) Family {
	auth := strings.ToLower(strings.TrimSpace(cfg.AuthType))
	switch auth {
	case string(FamilyOpenAI):
		return FamilyOpenAI
	case string(FamilyAnthropic), "claude":
		return FamilyAnthropic
	case string(FamilyGemini):
		return FamilyGemini
	case string(FamilyVertex):
		return FamilyVertex
	}

	platform := strings.ToLower(strings.TrimSpace(cfg.Platform))
	switch {
	case strings.Contains(platform, "vertex"):
		return FamilyVertex
	case strings.Contains(platform, "gemini"):
		return FamilyGemini
	case strings.Contains(platform, "anthropic"), strings.Contains(platform, "claude"):
		return FamilyAnthropic
	default:
		return FamilyOpenAI
	}
}

// NewRotatingClientFromConfig builds the right adapter for the provider and
// wraps it in key rotation. Vertex never receives a base-URL override; the
// proxy setting only applies to the OpenAI-compatible family.
func NewRotatingClientFromConfig(cfg config.Provider, opts RotatingOptions, logf func(format string, args ...any)) (*RotatingClient, error) {
	if err := config.ValidateProvider(cfg); err != nil {
		return nil, err
	}
	if opts.MaxRetries <= 0 && cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if opts.RetryDelay <= 0 && cfg.RetryDelay() > 0 {
		opts.RetryDelay = cfg.RetryDelay()
	}

	var (
		adapter Adapter
		err     error
	)
	switch family := ResolveFamily(cfg); family {
	case FamilyAnthropic:
		adapter, err = NewAnthropicAdapter(cfg.BaseURL, cfg.Model, cfg.Timeout())
	case FamilyGemini:
		adapter, err = NewGeminiAdapter(cfg.BaseURL, cfg.Model, false, cfg.Timeout())
	case FamilyVertex:
		adapter, err = NewGeminiAdapter("", cfg.Model, true, cfg.Timeout())
	case FamilyOpenAI:
		adapter, err = NewOpenAIAdapter(cfg.BaseURL, cfg.Model, cfg.Proxy, cfg.Timeout())
	default:
		return nil, fmt.Errorf("unsupported provider family: %s", family)
	}
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
	}
	return NewRotatingClient(adapter, cfg.APIKeys, opts, logf)
}
