package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models carecircle.yml.
type Config struct {
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
		Auth     struct {
			JWTSecret      string `yaml:"jwt_secret"`
			AllowAnonymous bool   `yaml:"allow_anonymous"`
		} `yaml:"auth"`
	} `yaml:"server"`
	Mirror struct {
		URL string `yaml:"url"`
	} `yaml:"mirror"`
}

const fileName = "carecircle.yml"

// Path returns the config file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Default returns a config suitable for local single-node use.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Listen = "127.0.0.1:8420"
	cfg.Server.BasePath = "/v0"
	cfg.Server.Auth.AllowAnonymous = true
	cfg.Mirror.URL = ""
	return cfg
}

// Load reads carecircle.yml from the workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("config.server.listen is required")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}
