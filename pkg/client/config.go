package client

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath is where the terminal client looks for its config
const DefaultConfigPath = "~/.linechat/client.toml"

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Connection ConnectionSection `toml:"connection"`
	Local      LocalSection      `toml:"local"`
	UI         UISection         `toml:"ui"`
}

type ConnectionSection struct {
	DefaultServer string `toml:"default_server"`
	DefaultPort   int    `toml:"default_port"`
}

type LocalSection struct {
	LastIdentity string `toml:"last_identity"`
}

type UISection struct {
	ShowTimestamps bool `toml:"show_timestamps"`
	Notifications  bool `toml:"notifications"`
}

// ConfigError represents a structured configuration error
type ConfigError struct {
	Path       string
	Message    string
	LineNumber int // 0 if not a parse error
}

func (e *ConfigError) Error() string {
	if e.LineNumber > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Path, e.Message, e.LineNumber)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Connection: ConnectionSection{
			DefaultServer: "localhost",
			DefaultPort:   8888,
		},
		UI: UISection{
			ShowTimestamps: true,
			Notifications:  true,
		},
	}
}

// LoadClientConfig loads configuration from a TOML file, creates default if not found
func LoadClientConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable config directory is not fatal; run with defaults
		_ = writeConfig(path, config)
		return config, nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, &ConfigError{
			Path:       path,
			Message:    strings.TrimPrefix(err.Error(), "toml: "),
			LineNumber: extractLineNumber(err.Error()),
		}
	}

	if err := validateConfig(&config); err != nil {
		return TOMLConfig{}, &ConfigError{Path: path, Message: err.Error()}
	}

	return config, nil
}

// SaveClientConfig writes config to path, replacing any existing file
func SaveClientConfig(path string, config TOMLConfig) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}
	return writeConfig(path, config)
}

var lineNumberRegex = regexp.MustCompile(`line (\d+)`)

// extractLineNumber tries to extract a line number from a TOML parse error
func extractLineNumber(errMsg string) int {
	matches := lineNumberRegex.FindStringSubmatch(errMsg)
	if len(matches) > 1 {
		if num, err := strconv.Atoi(matches[1]); err == nil {
			return num
		}
	}
	return 0
}

func validateConfig(config *TOMLConfig) error {
	var problems []string

	if config.Connection.DefaultPort < 1 || config.Connection.DefaultPort > 65535 {
		problems = append(problems, fmt.Sprintf("invalid port number: %d (must be 1-65535)", config.Connection.DefaultPort))
	}
	if strings.TrimSpace(config.Connection.DefaultServer) == "" {
		problems = append(problems, "default server cannot be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

func writeConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := fmt.Sprintf(`# linechat client configuration
# Written %s
# default_server may also be a ws:// or wss:// URL

`, time.Now().Format("2006-01-02"))
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ServerAddress returns the address to dial: a URL unchanged, otherwise host:port
func (c *TOMLConfig) ServerAddress() string {
	server := strings.TrimSpace(c.Connection.DefaultServer)
	if server == "" {
		return ""
	}
	if strings.Contains(server, "://") {
		return server
	}
	if c.Connection.DefaultPort <= 0 {
		return server
	}
	return net.JoinHostPort(server, strconv.Itoa(c.Connection.DefaultPort))
}

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
