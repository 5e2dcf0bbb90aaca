package config

import "os"

// LoggingConfig configures the categorized logger.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Dir        string          `yaml:"dir"`    // per-category files when set
	JSONFormat bool            `yaml:"json"`   // structured JSON lines
	Categories map[string]bool `yaml:"categories"`
}

// DefaultLoggingConfig returns sensible defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level: "info",
	}
}

func (c *LoggingConfig) applyEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Level = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		c.Dir = v
	}
	c.JSONFormat = envBool("LOG_JSON", c.JSONFormat)
}
