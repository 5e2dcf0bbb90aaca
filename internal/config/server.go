package config

import (
	"os"
	"time"
)

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // must exceed generation time for SSE
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AdminToken authenticates /admin routes (constant-time compare).
	// Empty disables the admin API entirely.
	AdminToken string `yaml:"admin_token"`

	// AllowedOrigins for CORS preflight on the chat endpoint.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    180 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 20 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

func (c *ServerConfig) applyEnv() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Addr = ":" + v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.AdminToken = v
	}
	c.ShutdownTimeout = envDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
}
