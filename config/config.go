// Package config loads the service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the structure of the configuration YAML file. API keys and
// tokens are read from the environment variables named here, never from
// the file itself.
type Config struct {
	Store struct {
		Driver string `yaml:"driver"` // memory, sqlite, mysql, postgres
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`

	Tracker struct {
		BaseURL  string `yaml:"base_url"`
		Email    string `yaml:"email"`
		TokenEnv string `yaml:"token_env"`
	} `yaml:"tracker"`

	Forge struct {
		BaseURL  string `yaml:"base_url"`
		TokenEnv string `yaml:"token_env"`
	} `yaml:"forge"`

	Model struct {
		Provider  string `yaml:"provider"` // anthropic, openai, google
		Name      string `yaml:"name"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"model"`

	Knowledge    string `yaml:"knowledge"`
	GitRoot      string `yaml:"git_root"`
	ArtifactsDir string `yaml:"artifacts_dir"`

	Sandbox struct {
		Image string `yaml:"image"`
	} `yaml:"sandbox"`

	Notify struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"notify"`

	Limits struct {
		MaxValidationLoops int      `yaml:"max_validation_loops"`
		MaxReviewerLoops   int      `yaml:"max_reviewer_loops"`
		CIPollInterval     Duration `yaml:"ci_poll_interval"`
		CIPollMaxAttempts  int      `yaml:"ci_poll_max_attempts"`
		ValidationSlots    int      `yaml:"validation_slots"`
	} `yaml:"limits"`

	Events struct {
		JSON bool `yaml:"json"`
	} `yaml:"events"`
}

// Duration is a time.Duration that parses from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration usable without a file: in-memory
// store, local directories, no external services.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Model.Provider == "" {
		c.Model.Provider = "anthropic"
	}
	if c.Model.APIKeyEnv == "" {
		c.Model.APIKeyEnv = defaultKeyEnv(c.Model.Provider)
	}
	if c.GitRoot == "" {
		c.GitRoot = "ticketpilot-git"
	}
	if c.ArtifactsDir == "" {
		c.ArtifactsDir = "ticketpilot-artifacts"
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = "ubuntu:24.04"
	}
	if c.Limits.ValidationSlots <= 0 {
		c.Limits.ValidationSlots = 4
	}
}

func defaultKeyEnv(provider string) string {
	switch provider {
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GEMINI_API_KEY"
	default:
		return "ANTHROPIC_API_KEY"
	}
}

// Secret resolves an environment-variable name to its value, erroring
// when the variable is named but unset.
func Secret(envName string) (string, error) {
	if envName == "" {
		return "", nil
	}
	v := os.Getenv(envName)
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set", envName)
	}
	return v, nil
}
