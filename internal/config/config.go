// Package config loads loom's startup configuration from YAML. There is
// no package-level singleton: Load returns a *Config that main
// constructs once and passes down explicitly.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything loom needs to run, loaded once at startup.
type Config struct {
	// MaxConcurrent caps how many AgentRuntimes may be RUNNING_* at once.
	MaxConcurrent int `yaml:"maxConcurrent"`

	// GlobalDataDir is the root under which projects/, settings.json and
	// search.db live. Conversations are stored per project, under
	// <projectPath>/.loom/conversations.
	GlobalDataDir string `yaml:"globalDataDir"`

	// AssistantCommand is the executable used to spawn the coding
	// assistant child process, e.g. "claude".
	AssistantCommand string `yaml:"assistantCommand"`

	// AssistantArgs are extra argv entries appended after the fixed
	// streaming-protocol flags AgentRuntime always adds.
	AssistantArgs []string `yaml:"assistantArgs"`

	// ModeSwitchDelay is how long the Supervisor waits after stopping a
	// runtime before respawning it with a new permission mode.
	ModeSwitchDelay time.Duration `yaml:"modeSwitchDelay"`

	// ConversationMaxMessages is the head-truncation threshold.
	ConversationMaxMessages int `yaml:"conversationMaxMessages"`

	// HTTPAddr is the listen address for the HTTP/WebSocket API.
	HTTPAddr string `yaml:"httpAddr"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint. Empty disables it.
	MetricsAddr string `yaml:"metricsAddr"`

	// WebSocket reconnect/backoff parameters handed to clients.
	ReconnectBaseMs   int `yaml:"reconnectBaseMs"`
	ReconnectCapMs    int `yaml:"reconnectCapMs"`
	ReconnectMaxTries int `yaml:"reconnectMaxTries"`
}

// Default returns the configuration used when no loom.yaml is present.
func Default() *Config {
	return &Config{
		MaxConcurrent:           3,
		GlobalDataDir:           "./data",
		AssistantCommand:        "claude",
		ModeSwitchDelay:         2 * time.Second,
		ConversationMaxMessages: 1000,
		HTTPAddr:                ":7077",
		MetricsAddr:             ":9090",
		ReconnectBaseMs:         500,
		ReconnectCapMs:          30000,
		ReconnectMaxTries:       0,
	}
}

// Load reads and parses a YAML config file, overlaying it on Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would leave the server in an
// inconsistent state.
func (c *Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("config: maxConcurrent must be >= 1, got %d", c.MaxConcurrent)
	}
	if c.GlobalDataDir == "" {
		return fmt.Errorf("config: globalDataDir must not be empty")
	}
	if c.AssistantCommand == "" {
		return fmt.Errorf("config: assistantCommand must not be empty")
	}
	if c.ConversationMaxMessages < 1 {
		return fmt.Errorf("config: conversationMaxMessages must be >= 1, got %d", c.ConversationMaxMessages)
	}
	return nil
}
