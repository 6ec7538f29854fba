// Package config holds all evquery configuration: LLM provider
// settings, data file locations, and pipeline limits. Configuration is
// loaded from a YAML file with environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all evquery configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM provider configuration
	LLM LLMConfig `yaml:"llm"`

	// Data file locations
	Data DataConfig `yaml:"data"`

	// Pipeline limits
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the Anthropic client.
type LLMConfig struct {
	Provider string `yaml:"provider"` // only "anthropic" is supported
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// DataConfig locates the database and its data dictionary.
type DataConfig struct {
	DatabasePath   string `yaml:"database_path"`
	DictionaryPath string `yaml:"dictionary_path"`
	HistoryPath    string `yaml:"history_path"`
}

// PipelineConfig bounds the client-side pipeline.
type PipelineConfig struct {
	// MaxAttempts is the number of times a query is executed before the
	// pipeline gives up. Each failed attempt goes through the error
	// repair tool first.
	MaxAttempts int    `yaml:"max_attempts"`
	ToolTimeout string `yaml:"tool_timeout"`
	// PromptsPath optionally points at a YAML file overriding the
	// built-in stage prompts.
	PromptsPath string `yaml:"prompts_path,omitempty"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Level     string `yaml:"level"` // debug, info, warn, error
	Dir       string `yaml:"dir"`
	DebugMode bool   `yaml:"debug_mode"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "evquery",
		Version: "1.0.0",

		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-3-5-sonnet-20241022",
			BaseURL:  "https://api.anthropic.com/v1",
			Timeout:  "120s",
		},

		Data: DataConfig{
			DatabasePath:   filepath.Join("data", "electric_vehicle_data.db"),
			DictionaryPath: filepath.Join("data", "data_dictionary.csv"),
			HistoryPath:    filepath.Join("data", "evquery_history.db"),
		},

		Pipeline: PipelineConfig{
			MaxAttempts: 3,
			ToolTimeout: "120s",
		},

		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join("logs"),
		},
	}
}

// Load loads configuration from a YAML file. A missing file is not an
// error: defaults are returned, so a bare checkout works with nothing
// but a database file and an API key in the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// .env first, so its values are visible to the overrides below.
	// Missing .env is fine.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "anthropic"
	}
	if model := os.Getenv("EVQUERY_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if path := os.Getenv("EVQUERY_DB"); path != "" {
		c.Data.DatabasePath = path
	}
	if path := os.Getenv("EVQUERY_DICT"); path != "" {
		c.Data.DictionaryPath = path
	}
	if path := os.Getenv("EVQUERY_HISTORY"); path != "" {
		c.Data.HistoryPath = path
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetToolTimeout returns the per-tool-call timeout as a duration.
func (c *Config) GetToolTimeout() time.Duration {
	d, err := time.ParseDuration(c.Pipeline.ToolTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.LLM.Provider != "anthropic" {
		return fmt.Errorf("unsupported llm provider: %q", c.LLM.Provider)
	}
	if c.Data.DatabasePath == "" {
		return fmt.Errorf("data.database_path is required")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}
	if _, err := time.ParseDuration(c.LLM.Timeout); err != nil {
		return fmt.Errorf("invalid llm.timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Pipeline.ToolTimeout); err != nil {
		return fmt.Errorf("invalid pipeline.tool_timeout: %w", err)
	}
	return nil
}
