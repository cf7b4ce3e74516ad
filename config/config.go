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

// Package config loads the engine's tunables, identity keystore location,
// and ambient logging/metrics settings from YAML with environment variable
// overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for an agent process.
type Config struct {
	Environment string         `yaml:"environment" json:"environment"`
	Engine      EngineConfig   `yaml:"engine" json:"engine"`
	Identity    IdentityConfig `yaml:"identity" json:"identity"`
	Store       StoreConfig    `yaml:"store" json:"store"`
	Bus         BusConfig      `yaml:"bus" json:"bus"`
	Logging     LoggingConfig  `yaml:"logging" json:"logging"`
	Metrics     MetricsConfig  `yaml:"metrics" json:"metrics"`
}

// EngineConfig holds the state machine tunables: retry limits for the
// exchange and finalize stages, the handshake staleness window, and the
// send driver's tick period.
type EngineConfig struct {
	ExchangeLimit  int           `yaml:"exchange_limit" json:"exchange_limit"`
	InitFinalLimit int           `yaml:"init_final_limit" json:"init_final_limit"`
	RespFinalLimit int           `yaml:"resp_final_limit" json:"resp_final_limit"`
	HandshakeTTL   time.Duration `yaml:"handshake_ttl" json:"handshake_ttl"`
	TickInterval   time.Duration `yaml:"tick_interval" json:"tick_interval"`
}

// IdentityConfig locates and unseals the long-term signing/exchange keypair.
type IdentityConfig struct {
	Directory     string `yaml:"directory" json:"directory"`
	AgentName     string `yaml:"agent_name" json:"agent_name"`
	PassphraseEnv string `yaml:"passphrase_env" json:"passphrase_env"`
}

// PostgresConfig addresses a Role State Store / Nonce Log backing database.
type PostgresConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
	SSLMode  string `yaml:"sslmode" json:"sslmode"`
}

// StoreConfig selects the Role State Store / Nonce Log backend.
type StoreConfig struct {
	Driver   string         `yaml:"driver" json:"driver"` // memory, postgres
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// BusConfig points the Message Bus Client at its websocket endpoint.
type BusConfig struct {
	URL               string        `yaml:"url" json:"url"`
	DialTimeout       time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" json:"reconnect_interval"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)

	return cfg, nil
}

// SaveToFile saves configuration to a file, choosing format by extension.
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if len(path) > 5 && path[len(path)-5:] == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setDefaults fills unset fields with the protocol's named defaults.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Engine.ExchangeLimit == 0 {
		cfg.Engine.ExchangeLimit = 3
	}
	if cfg.Engine.InitFinalLimit == 0 {
		cfg.Engine.InitFinalLimit = 3
	}
	if cfg.Engine.RespFinalLimit == 0 {
		cfg.Engine.RespFinalLimit = 5
	}
	if cfg.Engine.HandshakeTTL == 0 {
		cfg.Engine.HandshakeTTL = 60 * time.Second
	}
	if cfg.Engine.TickInterval == 0 {
		cfg.Engine.TickInterval = 1 * time.Second
	}

	if cfg.Identity.Directory == "" {
		cfg.Identity.Directory = ".relay/identity"
	}
	if cfg.Identity.PassphraseEnv == "" {
		cfg.Identity.PassphraseEnv = "IDENTITY_PASSPHRASE"
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}

	if cfg.Bus.DialTimeout == 0 {
		cfg.Bus.DialTimeout = 10 * time.Second
	}
	if cfg.Bus.ReadTimeout == 0 {
		cfg.Bus.ReadTimeout = 30 * time.Second
	}
	if cfg.Bus.WriteTimeout == 0 {
		cfg.Bus.WriteTimeout = 10 * time.Second
	}
	if cfg.Bus.ReconnectInterval == 0 {
		cfg.Bus.ReconnectInterval = 5 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}
