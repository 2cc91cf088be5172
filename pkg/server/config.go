package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath is where the server looks for its config file
const DefaultConfigPath = "~/.linechat/config.toml"

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Limits  LimitsSection  `toml:"limits"`
	History HistorySection `toml:"history"`
}

type ServerSection struct {
	TCPPort     int    `toml:"tcp_port"`
	HTTPPort    int    `toml:"http_port"`
	BindAddress string `toml:"bind_address"`
}

type LimitsSection struct {
	MaxSessions             int `toml:"max_sessions"`
	MaxMessageLength        int `toml:"max_message_length"`
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
	WriteTimeoutSeconds     int `toml:"write_timeout_seconds"`
	SendQueueSize           int `toml:"send_queue_size"`
}

type HistorySection struct {
	FilePath        string `toml:"file_path"`
	DatabasePath    string `toml:"database_path"`
	FlushIntervalMs int    `toml:"flush_interval_ms"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort: 8888,
		},
		Limits: LimitsSection{
			MaxSessions:             50,
			MaxMessageLength:        4096,
			HandshakeTimeoutSeconds: 60,
			WriteTimeoutSeconds:     5,
			SendQueueSize:           256,
		},
		History: HistorySection{
			FilePath:        "~/.linechat/chat_history.txt",
			FlushIntervalMs: 100,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Unwritable location; run on defaults anyway
			errorLog.Printf("Could not write default config to %s: %v", path, err)
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# linechat server configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect
# http_port = 0 disables the WebSocket/metrics listener
# An empty history path disables that history sink

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig.
// Zero values fall back to DefaultConfig.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if strings.TrimSpace(c.Server.BindAddress) != "" {
		cfg.BindAddress = strings.TrimSpace(c.Server.BindAddress)
	}

	if c.Limits.MaxSessions > 0 {
		cfg.MaxSessions = c.Limits.MaxSessions
	}
	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.HandshakeTimeoutSeconds > 0 {
		cfg.HandshakeTimeoutSeconds = c.Limits.HandshakeTimeoutSeconds
	}
	if c.Limits.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeoutSeconds = c.Limits.WriteTimeoutSeconds
	}
	if c.Limits.SendQueueSize > 0 {
		cfg.SendQueueSize = c.Limits.SendQueueSize
	}

	if path, err := expandHome(c.History.FilePath); err == nil {
		cfg.HistoryFile = path
	}
	if path, err := expandHome(c.History.DatabasePath); err == nil {
		cfg.HistoryDatabase = path
	}
	if c.History.FlushIntervalMs > 0 {
		cfg.HistoryFlushIntervalMs = c.History.FlushIntervalMs
	}

	return cfg
}

// expandHome replaces a leading ~/ with the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
