package agent

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Server = "https://coordinator.example.com"
	cfg.Token = "secret"
	cfg.DownloadPath = filepath.Join(os.TempDir(), "taskagent")
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing server", mutate: func(c *Config) { c.Server = "" }, wantErr: "run setup"},
		{name: "missing token", mutate: func(c *Config) { c.Token = "" }, wantErr: "run setup"},
		{name: "missing download path", mutate: func(c *Config) { c.DownloadPath = "" }, wantErr: "run setup"},
		{name: "relative download path", mutate: func(c *Config) { c.DownloadPath = "data" }, wantErr: "absolute"},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "verbose" }, wantErr: "logLevel"},
		{name: "warning level", mutate: func(c *Config) { c.LogLevel = LevelWarning }},
		{name: "empty queue", mutate: func(c *Config) { c.QueueSize = 0 }, wantErr: "queueSize"},
		{name: "negative timeout", mutate: func(c *Config) { c.CommandTimeout = -time.Second }, wantErr: "negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNotConfigured(t *testing.T) {
	assert.ErrorIs(t, DefaultConfig().Validate(), ErrNotConfigured)
}

func TestLoadConfigMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfigSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "taskagent.yaml")
	cfg := validConfig()
	cfg.CommandTimeout = 90 * time.Minute
	cfg.ListenAddr = "127.0.0.1:9000"

	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: http://s\ntoken: t\nheartbeatInterval: 5s\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://s", cfg.Server)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 8, cfg.QueueSize)
	assert.Equal(t, LevelInfo, cfg.LogLevel)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
