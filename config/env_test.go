package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("RELAY_TEST_VAR", "resolved")

	assert.Equal(t, "resolved", SubstituteEnvVars("${RELAY_TEST_VAR}"))
	assert.Equal(t, "fallback", SubstituteEnvVars("${RELAY_TEST_UNSET:fallback}"))
	assert.Equal(t, "plain", SubstituteEnvVars("plain"))
}

func TestSubstituteEnvVarsInConfig(t *testing.T) {
	t.Setenv("RELAY_AGENT_DIR", "/tmp/relay-identity")

	cfg := &Config{}
	cfg.Identity.Directory = "${RELAY_AGENT_DIR}"
	SubstituteEnvVarsInConfig(cfg)

	assert.Equal(t, "/tmp/relay-identity", cfg.Identity.Directory)
}

func TestGetEnvironment(t *testing.T) {
	os.Unsetenv("RELAY_ENV")
	os.Unsetenv("ENVIRONMENT")
	assert.Equal(t, "development", GetEnvironment())

	t.Setenv("ENVIRONMENT", "Production")
	assert.Equal(t, "production", GetEnvironment())
	assert.True(t, IsProduction())

	t.Setenv("RELAY_ENV", "Local")
	assert.Equal(t, "local", GetEnvironment())
	assert.True(t, IsDevelopment())
}
