package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for the orchestration host. Everything
// in here degrades gracefully: a missing file is the expected empty case and
// a malformed section disables only the feature it configures.
type Config struct {
	Providers    []Provider    `yaml:"providers"`
	CustomAgents []CustomAgent `yaml:"custom_agents"`
	Fanout       Fanout        `yaml:"fanout"`
	RedisURL     string        `yaml:"redis_url"`
	LogFile      string        `yaml:"log_file"`
	MCPServers   []MCPServer   `yaml:"mcp_servers"`
}

// Provider configures one direct HTTP provider with one or more API keys.
type Provider struct {
	Name     string   `yaml:"name"`
	Platform string   `yaml:"platform"`
	AuthType string   `yaml:"auth_type,omitempty"`
	BaseURL  string   `yaml:"base_url,omitempty"`
	APIKeys  []string `yaml:"api_keys"`
	Model    string   `yaml:"model"`
	Proxy    string   `yaml:"proxy,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
	MaxRetries     int `yaml:"max_retries,omitempty"`
	RetryDelayMS   int `yaml:"retry_delay_ms,omitempty"`
}

func (p Provider) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (p Provider) RetryDelay() time.Duration {
	if p.RetryDelayMS <= 0 {
		return 0
	}
	return time.Duration(p.RetryDelayMS) * time.Millisecond
}

// CustomAgent is a user-defined CLI backend merged into detection results.
type CustomAgent struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Context string   `yaml:"context,omitempty"`
	Avatar  string   `yaml:"avatar,omitempty"`
}

type Fanout struct {
	Listen         string   `yaml:"listen,omitempty"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// MCPServer mirrors the tool-server config shape direct-API workers attach.
type MCPServer struct {
	Name       string            `yaml:"name"`
	Transport  string            `yaml:"transport,omitempty"`
	Command    string            `yaml:"command,omitempty"`
	Args       []string          `yaml:"args,omitempty"`
	Dir        string            `yaml:"dir,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	URL        string            `yaml:"url,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty"`
	Disabled   bool              `yaml:"disabled,omitempty"`
	InheritEnv *bool             `yaml:"inherit_env,omitempty"`
}

func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = "deskagent.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ValidateProvider reports configuration problems that make a provider
// unusable. Callers log and skip the provider rather than failing startup.
func ValidateProvider(p Provider) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("provider name is required")
	}
	keys := 0
	for _, k := range p.APIKeys {
		if strings.TrimSpace(k) != "" {
			keys++
		}
	}
	if keys == 0 {
		return fmt.Errorf("provider %s: at least one api key is required", p.Name)
	}
	if strings.TrimSpace(p.Model) == "" {
		return fmt.Errorf("provider %s: model is required", p.Name)
	}
	return nil
}
