package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.RealtimeEnabled)
	assert.Equal(t, "/ws", cfg.RealtimePath)
	assert.Equal(t, []string{TransportWebSocket}, cfg.Transports)
	assert.Less(t, PingPeriod, PongWait)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sdk.yaml")
	yml := `
server_url: https://api.example.com
app_id: app-from-file
transports: [nats, websocket]
reconnect_wait: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	t.Setenv("BASE44_APP_ID", "app-from-env")
	t.Setenv("BASE44_REALTIME_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.ServerURL)
	assert.Equal(t, "app-from-env", cfg.AppID)
	assert.Equal(t, []string{"nats", "websocket"}, cfg.Transports)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectWait)
	assert.False(t, cfg.RealtimeEnabled)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad bool", func(t *testing.T) {
		t.Setenv("BASE44_REALTIME_ENABLED", "sometimes")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("transports list", func(t *testing.T) {
		t.Setenv("BASE44_TRANSPORTS", " nats , ,websocket")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, []string{"nats", "websocket"}, cfg.Transports)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "ok", mutate: func(c *Config) { c.AppID = "app" }},
		{name: "no app", mutate: func(c *Config) {}, wantErr: true},
		{name: "no url", mutate: func(c *Config) { c.AppID = "app"; c.ServerURL = "" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
