package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_KEY", "")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 23, cfg.Port)
	assert.Equal(t, 1500, cfg.Session.IdleTimeoutMS)
	assert.Equal(t, 20, cfg.Session.SessionMinutes)
	assert.Equal(t, 4, cfg.Orchestrator.MaxConcurrent)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("API_KEY", "sk-test")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("API_KEY", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("port: 2323\nsession:\n  max_turns: 42\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2323, cfg.Port)
	assert.Equal(t, 42, cfg.Session.MaxTurns)
	// Untouched keys keep defaults.
	assert.Equal(t, 20, cfg.Session.SessionMinutes)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate(false))
	assert.Error(t, cfg.Validate(true), "missing API key must be fatal")

	cfg.LLM.APIKey = "sk-test"
	assert.NoError(t, cfg.Validate(true))

	bad := Default()
	bad.Session.KeystrokeMinMS = 500
	bad.Session.KeystrokeMaxMS = 100
	assert.Error(t, bad.Validate(false))

	bad = Default()
	bad.Orchestrator.Speed = -1
	assert.Error(t, bad.Validate(false))
}
