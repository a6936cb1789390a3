package provider

import (
	"testing"

	"deskagent/internal/config"
)

func TestResolveFamily_ExplicitAuthWins(t *testing.T) {
	cfg := config.Provider{Platform: "gemini-pro-host", AuthType: "anthropic"}
	if got := ResolveFamily(cfg); got != FamilyAnthropic {
		t.Fatalf("explicit auth type must win, got %s", got)
	}
}

func TestResolveFamily_PlatformSubstrings(t *testing.T) {
	cases := []struct {
		platform string
		want     Family
	}{
		{"google-vertex-ai", FamilyVertex},
		{"gemini-flash", FamilyGemini},
		{"anthropic-claude", FamilyAnthropic},
		{"claude-relay", FamilyAnthropic},
		{"deepseek", FamilyOpenAI},
		{"", FamilyOpenAI},
	}
	for _, c := range cases {
		got := ResolveFamily(config.Provider{Platform: c.platform})
		if got != c.want {
			t.Fatalf("platform %q: got %s, want %s", c.platform, got, c.want)
		}
	}
}

func TestFactory_VertexIgnoresBaseURL(t *testing.T) {
	adapter, err := NewGeminiAdapter("", "gemini-2.0-pro", true, 0)
	if err != nil {
		t.Fatalf("new vertex adapter: %v", err)
	}
	if adapter.BaseURL != vertexBaseURL {
		t.Fatalf("vertex must use the managed endpoint, got %s", adapter.BaseURL)
	}
}

func TestFactory_BuildsRotatingClient(t *testing.T) {
	cfg := config.Provider{
		Name:     "main",
		Platform: "claude",
		APIKeys:  []string{"k1", "k2"},
		Model:    "claude-sonnet",
	}
	c, err := NewRotatingClientFromConfig(cfg, RotatingOptions{}, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if c.opts.MaxRetries != DefaultMaxRetries || c.opts.RetryDelay != DefaultRetryDelay {
		t.Fatalf("expected default retry budget, got %+v", c.opts)
	}
	if len(c.keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(c.keys))
	}
}

func TestFactory_RejectsKeylessProvider(t *testing.T) {
	cfg := config.Provider{Name: "main", Platform: "openai", Model: "gpt-4o"}
	if _, err := NewRotatingClientFromConfig(cfg, RotatingOptions{}, nil); err == nil {
		t.Fatalf("expected error for provider without keys")
	}
}
