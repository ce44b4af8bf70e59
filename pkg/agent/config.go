package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Log levels accepted in the configuration.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// ErrNotConfigured means the agent has no server or credentials yet.
var ErrNotConfigured = errors.New("not configured yet, run setup first")

// Config holds all configuration for the agent.
type Config struct {
	Server       string `yaml:"server"`
	Token        string `yaml:"token"`
	DownloadPath string `yaml:"downloadPath"`

	LogLevel string `yaml:"logLevel"`
	// LogFile enables a rotating log file in addition to stderr.
	LogFile string `yaml:"logFile,omitempty"`

	// ListenAddr enables the local task API. Empty disables it.
	ListenAddr string `yaml:"listenAddr,omitempty"`

	QueueSize         int           `yaml:"queueSize"`
	CommandTimeout    time.Duration `yaml:"commandTimeout,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() Config {
	return Config{
		LogLevel:          LevelInfo,
		QueueSize:         8,
		HeartbeatInterval: 30 * time.Second,
	}
}

// DefaultConfigPath is ~/.taskagent.yaml, or the working directory when the
// home directory is unknown.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskagent.yaml"
	}
	return filepath.Join(home, ".taskagent.yaml")
}

// LoadConfig reads path on top of the defaults. A missing file yields the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path, readable by the owner only.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c Config) Validate() error {
	if c.Server == "" || c.Token == "" || c.DownloadPath == "" {
		return ErrNotConfigured
	}
	if !filepath.IsAbs(c.DownloadPath) {
		return fmt.Errorf("downloadPath must be absolute, got %q", c.DownloadPath)
	}
	switch c.LogLevel {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		// valid
	default:
		return fmt.Errorf("invalid logLevel %q: must be one of debug, info, warning, error", c.LogLevel)
	}
	if c.QueueSize < 1 {
		return errors.New("queueSize must be at least 1")
	}
	if c.CommandTimeout < 0 || c.HeartbeatInterval < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}
