// Package config provides the configuration schema and loader for the
// Concierge server.
package config

import "time"

// LogLevel controls log verbosity for the Concierge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	LLM          LLMConfig          `yaml:"llm"`
	Storage      StorageConfig      `yaml:"storage"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	MCPServers   []MCPServerConfig  `yaml:"mcp_servers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// LLMConfig selects and configures the language-model provider.
type LLMConfig struct {
	// Provider selects the backend (e.g., "openai", "anthropic", "ollama").
	Provider string `yaml:"provider"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. Leave empty to
	// use the provider's built-in default.
	BaseURL string `yaml:"base_url"`
}

// StorageConfig holds the persistence backends.
type StorageConfig struct {
	// PostgresDSN is the connection string for conversations, turns, and
	// credit accounts. Empty selects the in-memory stores (development only).
	PostgresDSN string `yaml:"postgres_dsn"`

	// Redis configures the shared tool-response cache. Empty Addr selects
	// the in-process cache.
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds connection settings for the shared cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OrchestratorConfig holds the turn-loop knobs.
type OrchestratorConfig struct {
	// MaxRounds caps model↔tool round trips per turn. Default 5.
	MaxRounds int `yaml:"max_rounds"`

	// TurnTimeout is the wall-clock budget for one whole turn. Default 2m.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// ModelTimeout bounds each individual model call. Default 30s.
	ModelTimeout time.Duration `yaml:"model_timeout"`

	// ToolTimeout is the default per-tool-call timeout. Default 15s.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// MaxParallelTools caps concurrent tool calls within one batch. Default 4.
	MaxParallelTools int `yaml:"max_parallel_tools"`

	// SystemPrompt is injected before the conversation on every model call.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxCompletionTokens caps model output per call. Default 1024.
	MaxCompletionTokens int `yaml:"max_completion_tokens"`

	// Pricing converts token usage into credit cost.
	Pricing PricingConfig `yaml:"pricing"`
}

// PricingConfig holds credit rates in minor units per thousand tokens.
type PricingConfig struct {
	InputPerThousand  int64 `yaml:"input_per_thousand"`
	OutputPerThousand int64 `yaml:"output_per_thousand"`
}

// MCPServerConfig declares one MCP server hosting external data tools.
// Exactly one of Command or URL must be set.
type MCPServerConfig struct {
	// Name labels the server in logs.
	Name string `yaml:"name"`

	// Command launches the server as a subprocess speaking stdio.
	Command string `yaml:"command"`

	// URL connects to a server over streamable HTTP.
	URL string `yaml:"url"`
}
