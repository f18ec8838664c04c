package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort         int    `toml:"tcp_port"`
	MetricsPort     int    `toml:"metrics_port"`
	CredentialsPath string `toml:"credentials_path"`
}

type LimitsSection struct {
	IdleTimeoutSeconds     int `toml:"idle_timeout_seconds"`
	LockoutDurationSeconds int `toml:"lockout_duration_seconds"`
	DialTimeoutSeconds     int `toml:"dial_timeout_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:         6467,
			MetricsPort:     9090,
			CredentialsPath: "~/.textrelay/credentials.txt",
		},
		Limits: LimitsSection{
			IdleTimeoutSeconds:     120,
			LockoutDurationSeconds: 60,
			DialTimeoutSeconds:     10,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default one
// if not found, and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// If we can't write, just run with defaults
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
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

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern: TEXTRELAY_SECTION_KEY
// Example: TEXTRELAY_SERVER_TCP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("TEXTRELAY_SERVER_TCP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.TCPPort = port
		}
	}
	if val := os.Getenv("TEXTRELAY_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("TEXTRELAY_SERVER_CREDENTIALS_PATH"); val != "" {
		config.Server.CredentialsPath = val
	}
	if val := os.Getenv("TEXTRELAY_LIMITS_IDLE_TIMEOUT_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			config.Limits.IdleTimeoutSeconds = seconds
		}
	}
	if val := os.Getenv("TEXTRELAY_LIMITS_LOCKOUT_DURATION_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			config.Limits.LockoutDurationSeconds = seconds
		}
	}
	if val := os.Getenv("TEXTRELAY_LIMITS_DIAL_TIMEOUT_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			config.Limits.DialTimeoutSeconds = seconds
		}
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# textrelay server configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# TEXTRELAY_SECTION_KEY (e.g., TEXTRELAY_SERVER_TCP_PORT=8080)

[server]
# Port for client TCP connections
tcp_port = 6467

# Port for the internal /metrics and /health listener
# Never expose this port publicly. Set to 0 to disable.
metrics_port = 9090

# Pre-provisioned accounts, one "username password" pair per line
credentials_path = "~/.textrelay/credentials.txt"

[limits]
# Seconds of command inactivity before a session is force-logged-out
idle_timeout_seconds = 120

# Seconds an account stays locked out after three failed password attempts
lockout_duration_seconds = 60

# Seconds to wait when dialing a client's push listener
dial_timeout_seconds = 10
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	cfg.MetricsPort = c.Server.MetricsPort

	if strings.TrimSpace(c.Server.CredentialsPath) != "" {
		if path, err := expandHome(c.Server.CredentialsPath); err == nil {
			cfg.CredentialsPath = path
		}
	}

	if c.Limits.IdleTimeoutSeconds != 0 {
		cfg.IdleTimeout = time.Duration(c.Limits.IdleTimeoutSeconds) * time.Second
	}
	if c.Limits.LockoutDurationSeconds != 0 {
		cfg.LockoutDuration = time.Duration(c.Limits.LockoutDurationSeconds) * time.Second
	}
	if c.Limits.DialTimeoutSeconds != 0 {
		cfg.DialTimeout = time.Duration(c.Limits.DialTimeoutSeconds) * time.Second
	}

	return cfg
}
