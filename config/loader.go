// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoaderOptions configures the configuration loader
type LoaderOptions struct {
	// ConfigDir is the directory containing config files (default: ./config)
	ConfigDir string
	// Environment overrides automatic environment detection
	Environment string
	// SkipEnvSubstitution disables environment variable substitution
	SkipEnvSubstitution bool
	// SkipValidation disables configuration validation
	SkipValidation bool
}

// DefaultLoaderOptions returns default loader options
func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{
		ConfigDir:           "config",
		Environment:         "",
		SkipEnvSubstitution: false,
		SkipValidation:      false,
	}
}

// Load loads configuration with automatic environment detection. It loads
// a .env file first (if present, development convenience only — a missing
// file is not an error), mirroring the way the agent binaries bootstrap
// IDENTITY_PASSPHRASE before reading YAML.
func Load(opts ...LoaderOptions) (*Config, error) {
	options := DefaultLoaderOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	_ = godotenv.Load()

	// Determine environment
	env := options.Environment
	if env == "" {
		env = GetEnvironment()
	}

	// Try to load environment-specific config file
	envConfigPath := filepath.Join(options.ConfigDir, fmt.Sprintf("%s.yaml", env))
	cfg, err := loadConfigFile(envConfigPath)
	if err != nil {
		// Fall back to default config file
		defaultConfigPath := filepath.Join(options.ConfigDir, "default.yaml")
		cfg, err = loadConfigFile(defaultConfigPath)
		if err != nil {
			// Fall back to config.yaml
			configPath := filepath.Join(options.ConfigDir, "config.yaml")
			cfg, err = loadConfigFile(configPath)
			if err != nil {
				// Return empty config with defaults
				cfg = &Config{}
			}
		}
	}

	// Set environment
	if cfg.Environment == "" {
		cfg.Environment = env
	}

	// Apply defaults
	setDefaults(cfg)

	// Substitute environment variables
	if !options.SkipEnvSubstitution {
		SubstituteEnvVarsInConfig(cfg)
	}

	// Override with environment variables (highest priority)
	applyEnvironmentOverrides(cfg)

	// Validate configuration
	if !options.SkipValidation {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadConfigFile loads a single config file
func loadConfigFile(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	return LoadFromFile(path)
}

// applyEnvironmentOverrides overrides config with environment variables
func applyEnvironmentOverrides(cfg *Config) {
	if dir := os.Getenv("RELAY_IDENTITY_DIR"); dir != "" {
		cfg.Identity.Directory = dir
	}
	if name := os.Getenv("RELAY_AGENT_NAME"); name != "" {
		cfg.Identity.AgentName = name
	}

	if driver := os.Getenv("RELAY_STORE_DRIVER"); driver != "" {
		cfg.Store.Driver = driver
	}
	if host := os.Getenv("RELAY_POSTGRES_HOST"); host != "" {
		cfg.Store.Postgres.Host = host
	}

	if busURL := os.Getenv("RELAY_BUS_URL"); busURL != "" {
		cfg.Bus.URL = busURL
	}

	// Logging overrides
	if logLevel := os.Getenv("RELAY_LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("RELAY_LOG_FORMAT"); logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	// Metrics overrides
	if os.Getenv("RELAY_METRICS_ENABLED") == "true" {
		cfg.Metrics.Enabled = true
	}
	if os.Getenv("RELAY_METRICS_ENABLED") == "false" {
		cfg.Metrics.Enabled = false
	}
}

// Validate checks that the engine tunables are usable. It mirrors the
// narrow, field-by-field style the blockchain config used to validate
// RPC/gas settings, applied here to retry limits and timing windows.
func (c *Config) Validate() error {
	if c.Engine.ExchangeLimit <= 0 {
		return fmt.Errorf("engine.exchange_limit must be greater than 0")
	}
	if c.Engine.InitFinalLimit <= 0 {
		return fmt.Errorf("engine.init_final_limit must be greater than 0")
	}
	if c.Engine.RespFinalLimit <= 0 {
		return fmt.Errorf("engine.resp_final_limit must be greater than 0")
	}
	if c.Engine.HandshakeTTL <= 0 {
		return fmt.Errorf("engine.handshake_ttl must be greater than 0")
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be greater than 0")
	}
	if c.Identity.Directory == "" {
		return fmt.Errorf("identity.directory is required")
	}
	if c.Store.Driver != "memory" && c.Store.Driver != "postgres" {
		return fmt.Errorf("store.driver must be \"memory\" or \"postgres\", got %q", c.Store.Driver)
	}
	return nil
}

// LoadForEnvironment loads configuration for a specific environment
func LoadForEnvironment(environment string) (*Config, error) {
	return Load(LoaderOptions{
		ConfigDir:   "config",
		Environment: environment,
	})
}

// MustLoad loads configuration or panics on error
func MustLoad(opts ...LoaderOptions) *Config {
	cfg, err := Load(opts...)
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	return cfg
}
