package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "./data/liveclass.db", cfg.Database.Path)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.WebSocket.ReadTimeout)
	assert.Equal(t, 100, cfg.WebSocket.BufferSize)
	assert.Equal(t, 600, cfg.Router.SignalsPerMinute)
	assert.Equal(t, 100, cfg.Router.EventsPerMinute)
	assert.False(t, cfg.Redis.Enabled)

	assert.Equal(t, 5, cfg.Classroom.ConnectAttempts)
	assert.Equal(t, time.Second, cfg.Classroom.ConnectBaseDelay)
	assert.Equal(t, 5*time.Second, cfg.Classroom.ConnectMaxDelay)
	assert.Equal(t, 10, cfg.Classroom.FlushBatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Classroom.FlushInterval)
	assert.Equal(t, time.Second, cfg.Classroom.NotebookThrottle)
	assert.Equal(t, 2*time.Second, cfg.Classroom.MonitoringThrottle)
	assert.Equal(t, 3*time.Second, cfg.Classroom.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.Classroom.NegotiationTimeout)
	assert.Equal(t, 5*time.Second, cfg.Classroom.QualityInterval)
	assert.Equal(t, 5*time.Second, cfg.Classroom.HeartbeatInterval)

	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"empty host", func(c *Config) { c.Server.Host = "" }},
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"ping longer than read timeout", func(c *Config) { c.WebSocket.PingInterval = 2 * c.WebSocket.ReadTimeout }},
		{"zero buffer", func(c *Config) { c.WebSocket.BufferSize = 0 }},
		{"zero rate limit", func(c *Config) { c.Router.EventsPerMinute = 0 }},
		{"redis without address", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
		{"zero connect attempts", func(c *Config) { c.Classroom.ConnectAttempts = 0 }},
		{"zero throttle", func(c *Config) { c.Classroom.NotebookThrottle = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("LIVECLASS_SERVER_PORT", "9090")
	t.Setenv("LIVECLASS_DATABASE_PATH", "/tmp/env.db")
	t.Setenv("LIVECLASS_CLASSROOM_NOTEBOOK_THROTTLE", "1500ms")
	t.Setenv("LIVECLASS_SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
	assert.Equal(t, 1500*time.Millisecond, cfg.Classroom.NotebookThrottle)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func TestConfig_LoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liveclass.yaml")
	content := `
server:
  port: 8081
  read_timeout: 10s
database:
  path: /tmp/file.db
redis:
  enabled: true
  addr: redis:6379
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "/tmp/file.db", cfg.Database.Path)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
}

func TestConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liveclass.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"port":8081}}`), 0o600))
	t.Setenv("LIVECLASS_SERVER_PORT", "9191")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestConfig_LoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestConfig_LoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("LIVECLASS_SERVER_PORT", "0")

	_, err := Load("")
	assert.Error(t, err)
}

func TestServerConfig_Addr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9000", ServerConfig{Host: "127.0.0.1", Port: 9000}.Addr())
}
