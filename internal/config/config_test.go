package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.AI.Profiles = []AIProfile{
		{ID: "primary", Provider: "anthropic", APIKey: "sk-ant-test", Priority: 1},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 120, cfg.Locks.TTLSeconds)
	assert.Equal(t, 10000, cfg.Locks.LocalCapacity)
	assert.Equal(t, 30, cfg.Cache.FillLockSeconds)
	assert.Equal(t, 8, cfg.Tools.Workers)
	assert.Equal(t, 6, cfg.Turns.MaxToolRounds)
	assert.Equal(t, 72, cfg.Conversations.TTLHours)
	assert.Equal(t, "@every 1m", cfg.Store.JanitorSchedule)
}

func TestValidate(t *testing.T) {
	assert.Error(t, DefaultConfig().Validate(), "a profile is required")

	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	cfg = validConfig()
	cfg.AI.Profiles[0].Provider = "gemini"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.AI.Profiles[0].APIKey = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Locks.TTLSeconds = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Turns.MaxToolRounds = -1
	assert.Error(t, cfg.Validate())
}

func TestLoader_MissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Locks.TTLSeconds)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Store.Path)
}

func TestLoader_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.json")
	loader := NewLoader(path)

	cfg := validConfig()
	cfg.Locks.TTLSeconds = 60
	cfg.Moderation.Enabled = true
	require.NoError(t, loader.Save(cfg))

	_, err := os.Stat(path)
	require.NoError(t, err)

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 60, loaded.Locks.TTLSeconds)
	assert.True(t, loaded.Moderation.Enabled)
	require.Len(t, loaded.AI.Profiles, 1)
	assert.Equal(t, "anthropic", loaded.AI.Profiles[0].Provider)
}
