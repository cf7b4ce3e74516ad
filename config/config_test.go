package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	t.Run("YAML with defaults applied", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
environment: staging
engine:
  exchange_limit: 7
identity:
  agent_name: atlas
`), 0644))

		cfg, err := LoadFromFile(path)
		require.NoError(t, err)

		assert.Equal(t, "staging", cfg.Environment)
		assert.Equal(t, 7, cfg.Engine.ExchangeLimit)
		assert.Equal(t, 3, cfg.Engine.InitFinalLimit)
		assert.Equal(t, 5, cfg.Engine.RespFinalLimit)
		assert.Equal(t, 60*time.Second, cfg.Engine.HandshakeTTL)
		assert.Equal(t, "atlas", cfg.Identity.AgentName)
		assert.Equal(t, "memory", cfg.Store.Driver)
	})

	t.Run("missing file errors", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestSaveAndReloadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")

	cfg := &Config{}
	setDefaults(cfg)
	cfg.Identity.AgentName = "relay-1"

	require.NoError(t, SaveToFile(cfg, path))

	reloaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "relay-1", reloaded.Identity.AgentName)
	assert.Equal(t, cfg.Engine.ExchangeLimit, reloaded.Engine.ExchangeLimit)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(*Config) {}, false},
		{"zero exchange limit", func(c *Config) { c.Engine.ExchangeLimit = 0 }, true},
		{"negative handshake ttl", func(c *Config) { c.Engine.HandshakeTTL = -1 }, true},
		{"empty identity directory", func(c *Config) { c.Identity.Directory = "" }, true},
		{"unknown store driver", func(c *Config) { c.Store.Driver = "redis" }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			setDefaults(cfg)
			tc.mutate(cfg)

			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
