// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package config loads coordinator configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every input needed to start a coordinator daemon.
type Config struct {
	ListenPort    int    `yaml:"listen_port"`
	UpstreamHost  string `yaml:"upstream_host"`
	UpstreamPort  int    `yaml:"upstream_port"`
	TokenSecret   string `yaml:"token_secret"`
	TokenTTLHours int    `yaml:"token_ttl_hours"`
	StoreURI      string `yaml:"store_uri"`
}

// TokenTTL returns TokenTTLHours as a time.Duration.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

// Default returns a Config with the defaults used when no file or
// environment override is present.
func Default() Config {
	return Config{
		ListenPort:    6380,
		UpstreamHost:  "127.0.0.1",
		UpstreamPort:  6379,
		TokenTTLHours: 24,
		StoreURI:      ":memory:",
	}
}

// Load reads a YAML config file at path (if non-empty and present), then
// applies environment-variable overrides on top, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LISTEN_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.ListenPort)
	}
	if v := os.Getenv("UPSTREAM_HOST"); v != "" {
		cfg.UpstreamHost = v
	}
	if v := os.Getenv("UPSTREAM_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.UpstreamPort)
	}
	if v := os.Getenv("TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("TOKEN_TTL_HOURS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.TokenTTLHours)
	}
	if v := os.Getenv("STORE_URI"); v != "" {
		cfg.StoreURI = v
	}
}

// Validate reports a configuration error (exit code 1) if any required
// field is missing or out of range.
func (c Config) Validate() error {
	if c.TokenSecret == "" {
		return fmt.Errorf("config: TOKEN_SECRET must not be empty")
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: invalid LISTEN_PORT %d", c.ListenPort)
	}
	if c.UpstreamPort <= 0 || c.UpstreamPort > 65535 {
		return fmt.Errorf("config: invalid UPSTREAM_PORT %d", c.UpstreamPort)
	}
	if c.TokenTTLHours <= 0 {
		return fmt.Errorf("config: TOKEN_TTL_HOURS must be positive")
	}
	return nil
}
