// Package config holds all service configuration. Settings load from an
// optional YAML file, then environment variables override (env wins). Each
// concern keeps its own file in this package: server, llm, admission, cache,
// retrieval, spend, logging.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all knowledge hub configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Environment: "development" or "production". Cost throttling and
	// Turnstile checks only apply in production unless overridden.
	Environment string `yaml:"environment"`

	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Admission AdmissionConfig `yaml:"admission"`
	Cache     CacheConfig     `yaml:"cache"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Spend     SpendConfig     `yaml:"spend"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:        "knowledgehub",
		Version:     "1.0.0",
		Environment: "development",
		Server:      DefaultServerConfig(),
		LLM:         DefaultLLMConfig(),
		Admission:   DefaultAdmissionConfig(),
		Cache:       DefaultCacheConfig(),
		Retrieval:   DefaultRetrievalConfig(),
		Spend:       DefaultSpendConfig(),
		Logging:     DefaultLoggingConfig(),
	}
}

// Load loads configuration from a YAML file, then applies env overrides.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	// Best-effort .env for local development; real deployments set env directly.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
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

// IsProduction reports whether the service runs with production policies.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Validate checks cross-cutting constraints.
func (c *Config) Validate() error {
	if err := c.Admission.Validate(); err != nil {
		return err
	}
	if err := c.Retrieval.Validate(); err != nil {
		return err
	}
	if err := c.Spend.Validate(); err != nil {
		return err
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides. Env always wins
// over file values; feature flags accept 1/true/yes (case-insensitive).
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("APP_ENV"); v != "" {
		c.Environment = v
	}

	c.Server.applyEnv()
	c.LLM.applyEnv()
	c.Admission.applyEnv()
	c.Cache.applyEnv()
	c.Retrieval.applyEnv()
	c.Spend.applyEnv()
	c.Logging.applyEnv()
}

// envBool parses a boolean feature flag, returning def when unset or invalid.
func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "on":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off":
		return false
	}
	return def
}

// envInt parses an integer env var, returning def when unset or invalid.
func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envFloat parses a float env var, returning def when unset or invalid.
func envFloat(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// envDuration parses a duration env var ("30s", "5m"), returning def when
// unset or invalid. Bare integers are treated as seconds.
func envDuration(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
