package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimal() *Config {
	return &Config{
		Telegram:    TelegramConfig{Token: "123:abc"},
		Destination: DestinationConfig{ChatID: -1001234567890},
	}
}

func TestNormalizeDefaults(t *testing.T) {
	cfg := minimal()
	require.NoError(t, Normalize(cfg))

	assert.Equal(t, RunModeLongpoll, cfg.Telegram.RunMode)
	assert.Equal(t, BackendMemory, cfg.Session.Backend)
	assert.Equal(t, 48*time.Hour, cfg.Session.TTL)
	assert.Equal(t, "@every 10m", cfg.Session.PurgeSchedule)
	assert.Equal(t, 4, cfg.Session.MaxStackDepth)
	assert.Equal(t, 3, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 13*time.Second, cfg.Dispatch.DuplicateWait)
	assert.Equal(t, 1, cfg.RateLimit.Burst)
	assert.False(t, cfg.UsesDatabase())
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no token", func(c *Config) { c.Telegram.Token = "" }},
		{"no destination", func(c *Config) { c.Destination.ChatID = 0 }},
		{"bad run mode", func(c *Config) { c.Telegram.RunMode = "push" }},
		{"webhook without url", func(c *Config) { c.Telegram.RunMode = RunModeWebhook }},
		{"redis without url", func(c *Config) { c.Session.Backend = BackendRedis }},
		{"unknown backend", func(c *Config) { c.Session.Backend = "etcd" }},
		{"postgres without db", func(c *Config) { c.Session.Backend = BackendPostgres }},
		{"bad exclude", func(c *Config) { c.RateLimit.ExcludeUpdates = []string{"inline"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimal()
			tt.mutate(cfg)
			assert.Error(t, Normalize(cfg))
		})
	}
}

func TestLoadOverlaysEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
telegram:
  token: from-file
destination:
  chat_id: -100500
  username: "@relay_chat"
session:
  backend: redis
  ttl: 30m
redis:
  url: redis://localhost:6379/0
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv("BOT_TOKEN", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, "relay_chat", cfg.Destination.Username)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, BackendRedis, cfg.Session.Backend)
}
