package fileserver

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/emoon/remotelink/internal/protocol"
)

// Config is the file server's on-disk configuration. It follows the
// load-or-create pattern the rest of the corpus uses for its YAML configs:
// a missing file is not an error, it's an invitation to write defaults.
type Config struct {
	// ListenAddress is the address the server binds to, e.g. ":8889".
	ListenAddress string `yaml:"listen_address"`

	// ServedRoot is the single directory tree exposed to clients. All
	// paths a client sends are resolved relative to this root and may
	// never escape it.
	ServedRoot string `yaml:"served_root"`

	// MaxConnections bounds concurrently accepted client connections.
	// Beyond this, new connections are accepted and closed immediately.
	MaxConnections int `yaml:"max_connections"`

	// MaxHandlesPerConnection bounds the per-connection open-file table.
	MaxHandlesPerConnection int `yaml:"max_handles_per_connection"`

	// LogPath, if set, routes server logs to a file instead of discarding
	// them. Empty means no logging.
	LogPath string `yaml:"log_path"`

	// LogLevel filters emitted log events (DEBUG, INFO, WARN, ERROR).
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig mirrors the values a freshly-created config file gets.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:           fmt.Sprintf(":%d", protocol.DefaultPort),
		ServedRoot:              ".",
		MaxConnections:          64,
		MaxHandlesPerConnection: 256,
		LogPath:                 "",
		LogLevel:                "INFO",
	}
}

// LoadOrCreateConfig reads path, or if it doesn't exist, writes and returns
// DefaultConfig(). Grounded on cmd/mcp's LoadConfig.
func LoadOrCreateConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()

		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("fileserver: create config directory: %w", err)
			}
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("fileserver: marshal default config: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("fileserver: write default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fileserver: read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("fileserver: unmarshal config: %w", err)
	}

	return cfg, nil
}
