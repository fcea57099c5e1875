package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Model                string                   `toml:"model"`
	ModelProvider        string                   `toml:"model_provider"`
	ModelReasoningEffort string                   `toml:"model_reasoning_effort"`
	ModelProviders       map[string]ModelProvider `toml:"model_providers"`
	Orchestrator         OrchestratorConfig       `toml:"orchestrator"`
	Path                 string                   `toml:"-"`
}

type ModelProvider struct {
	Name    string `toml:"name"`
	BaseURL string `toml:"base_url"`
	EnvKey  string `toml:"env_key"`
}

type OrchestratorConfig struct {
	Addr             string `toml:"addr"`
	DBPath           string `toml:"db_path"`
	MaxWorkers       int    `toml:"max_workers"`
	SubtaskTimeoutMS int    `toml:"subtask_timeout_ms"`
	EventLogLimit    int    `toml:"event_log_limit"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	return cfg, nil
}

// Provider resolves the active model provider, falling back to the public
// OpenAI endpoint when the config names none.
func (c Config) Provider() ModelProvider {
	if c.ModelProvider != "" {
		if p, ok := c.ModelProviders[c.ModelProvider]; ok {
			if p.BaseURL == "" {
				p.BaseURL = "https://api.openai.com/v1"
			}
			if p.EnvKey == "" {
				p.EnvKey = "OPENAI_API_KEY"
			}
			return p
		}
	}
	return ModelProvider{
		Name:    "openai",
		BaseURL: "https://api.openai.com/v1",
		EnvKey:  "OPENAI_API_KEY",
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warpsurf/config.toml"
	}
	return filepath.Join(home, ".warpsurf", "config.toml")
}
