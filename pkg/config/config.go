// Package config loads controller and agent settings: defaults, then an
// optional YAML file, then environment variables, each layer overriding
// the last.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the merged runtime configuration.
type Config struct {
	// Controller
	ListenAddr   string `env:"LISTEN_ADDR" yaml:"listen_addr"`
	Environment  string `env:"ENVIRONMENT" yaml:"environment"` // development | production
	DBURL        string `env:"DB_URL" yaml:"db_url"`
	DataDir      string `env:"DATA_DIR" yaml:"data_dir"`
	MaxAgents    int    `env:"MAX_AGENTS" yaml:"max_agents"`
	LogLevel     string `env:"LOG_LEVEL" yaml:"log_level"`
	AuditLogPath string `env:"AUDIT_LOG_PATH" yaml:"audit_log_path"`

	// Operator frontend origins for CORS.
	FrontendURL    string `env:"FRONTEND_URL" yaml:"frontend_url"`
	DevFrontendURL string `env:"DEV_FRONTEND_URL" yaml:"dev_frontend_url"`

	// Agent
	ServerURL     string `env:"SERVER_URL" yaml:"server_url"`
	AgentID       string `env:"AGENT_ID" yaml:"agent_id"`
	ActivationKey string `env:"DEPLOYX_ACTIVATION_KEY" yaml:"activation_key"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:     ":8765",
		Environment:    "development",
		DataDir:        "./data",
		MaxAgents:      1000,
		LogLevel:       "info",
		DevFrontendURL: "http://localhost:5173",
		ServerURL:      "ws://localhost:8765",
	}
}

// Load builds the configuration. path may be empty; a missing file at
// an explicit path is an error, a missing default file is not.
func Load(path string) (*Config, error) {
	cfg := defaults()

	explicit := path != ""
	if path == "" {
		path = "deployx.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// no file, fine
	default:
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}

	switch cfg.Environment {
	case "development", "production":
	default:
		return nil, fmt.Errorf("config: environment %q must be development or production", cfg.Environment)
	}
	return cfg, nil
}

// AllowedOrigin is the operator frontend origin the controller trusts.
func (c *Config) AllowedOrigin() string {
	if c.Environment == "production" && c.FrontendURL != "" {
		return c.FrontendURL
	}
	return c.DevFrontendURL
}

// Production reports whether the controller runs with production
// hardening (strict CORS, no debug surfaces).
func (c *Config) Production() bool {
	return c.Environment == "production"
}
