// Package main provides the centrod orchestrator CLI.
package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the orchestrator configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
}

// ServerConfig contains the operational HTTP endpoint settings.
type ServerConfig struct {
	BindAddress string `yaml:"bind_address"` // ops HTTP listen address (default: :8080)
}

// StoreConfig contains the store connection and scope settings.
type StoreConfig struct {
	URL  string `yaml:"url"`  // websocket RPC endpoint (default: ws://127.0.0.1:8000/rpc)
	User string `yaml:"user"` // root user (or set CENTRO_DB_USER)
	Pass string `yaml:"pass"` // root password (or set CENTRO_DB_PASS)

	Namespace string `yaml:"namespace"` // global namespace (default: global)
	Database  string `yaml:"database"`  // global database (default: main)

	TemplateNamespace string `yaml:"template_namespace"` // tenant template namespace (default: global)
	TemplateDatabase  string `yaml:"template_database"`  // tenant template database (default: interventions)
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for missing config fields. Credentials
// fall back to the environment so they can stay out of config files.
func (c *Config) setDefaults() {
	if c.Server.BindAddress == "" {
		c.Server.BindAddress = ":8080"
	}
	if c.Store.URL == "" {
		c.Store.URL = "ws://127.0.0.1:8000/rpc"
	}
	if c.Store.User == "" {
		c.Store.User = os.Getenv("CENTRO_DB_USER")
	}
	if c.Store.Pass == "" {
		c.Store.Pass = os.Getenv("CENTRO_DB_PASS")
	}
	if c.Store.Namespace == "" {
		c.Store.Namespace = "global"
	}
	if c.Store.Database == "" {
		c.Store.Database = "main"
	}
	if c.Store.TemplateNamespace == "" {
		c.Store.TemplateNamespace = "global"
	}
	if c.Store.TemplateDatabase == "" {
		c.Store.TemplateDatabase = "interventions"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	if c.Store.User == "" {
		return fmt.Errorf("store.user is required (or set CENTRO_DB_USER)")
	}
	if c.Store.Pass == "" {
		return fmt.Errorf("store.pass is required (or set CENTRO_DB_PASS)")
	}
	return nil
}
