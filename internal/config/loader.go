package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviders lists known language-model provider names. Used by
// [Validate] to warn about unrecognised names without rejecting them, so a
// newer backend can be tried without a code change.
var ValidLLMProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// LLM
	if cfg.LLM.Provider == "" {
		errs = append(errs, errors.New("llm.provider is required"))
	} else if !slices.Contains(ValidLLMProviders, cfg.LLM.Provider) {
		slog.Warn("unrecognised llm.provider; continuing anyway", "provider", cfg.LLM.Provider)
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; conversations and credit accounts will not survive a restart")
	}
	if cfg.Storage.Redis.Addr == "" {
		slog.Warn("storage.redis.addr is empty; the tool cache will not be shared across replicas")
	}

	// Orchestrator
	o := cfg.Orchestrator
	if o.MaxRounds < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_rounds %d must not be negative", o.MaxRounds))
	}
	if o.MaxRounds > 20 {
		errs = append(errs, fmt.Errorf("orchestrator.max_rounds %d is unreasonably large; the cap exists to guarantee termination", o.MaxRounds))
	}
	if o.TurnTimeout < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.turn_timeout %s must not be negative", o.TurnTimeout))
	}
	if o.ModelTimeout < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.model_timeout %s must not be negative", o.ModelTimeout))
	}
	if o.ToolTimeout < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.tool_timeout %s must not be negative", o.ToolTimeout))
	}
	if o.ToolTimeout > 0 && o.TurnTimeout > 0 && o.ToolTimeout > o.TurnTimeout {
		errs = append(errs, fmt.Errorf("orchestrator.tool_timeout %s exceeds turn_timeout %s", o.ToolTimeout, o.TurnTimeout))
	}
	if o.MaxParallelTools < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_parallel_tools %d must not be negative", o.MaxParallelTools))
	}
	if o.Pricing.InputPerThousand < 0 || o.Pricing.OutputPerThousand < 0 {
		errs = append(errs, errors.New("orchestrator.pricing rates must not be negative"))
	}

	// MCP servers
	namesSeen := make(map[string]int, len(cfg.MCPServers))
	for i, srv := range cfg.MCPServers {
		prefix := fmt.Sprintf("mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp_servers[%d]", prefix, srv.Name, prev))
			}
			namesSeen[srv.Name] = i
		}
		if (srv.Command == "") == (srv.URL == "") {
			errs = append(errs, fmt.Errorf("%s must set exactly one of command or url", prefix))
		}
	}

	return errors.Join(errs...)
}
