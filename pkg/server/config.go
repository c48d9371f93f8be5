package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/ids"
	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/protocol"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server    ServerSection    `toml:"server"`
	Protocol  ProtocolSection  `toml:"protocol"`
	Snowflake SnowflakeSection `toml:"snowflake"`
}

type ServerSection struct {
	TCPPort  int    `toml:"tcp_port"`
	HTTPPort int    `toml:"http_port"`
	Codec    string `toml:"codec"`
	DebugLog bool   `toml:"debug_log"`
}

type ProtocolSection struct {
	BodyPollIntervalMs  int `toml:"body_poll_interval_ms"`
	BodyPollRetries     int `toml:"body_poll_retries"`
	MaxProtocolFailures int `toml:"max_protocol_failures"`
}

type SnowflakeSection struct {
	MachineID int   `toml:"machine_id"`
	ProcessID int   `toml:"process_id"`
	EpochMs   int64 `toml:"epoch_ms"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:  6000,
			HTTPPort: 8080,
			Codec:    protocol.CodecBinary,
		},
		Protocol: ProtocolSection{
			BodyPollIntervalMs:  100,
			BodyPollRetries:     100,
			MaxProtocolFailures: 5,
		},
		Snowflake: SnowflakeSection{
			MachineID: 1,
			ProcessID: 1,
			EpochMs:   ids.DefaultEpoch,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Best effort; the defaults still apply if the file can't be written
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	// Missing keys keep their defaults
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: WIRECHAT_SECTION_KEY
// Example: WIRECHAT_SERVER_TCP_PORT=7000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}

	// Server section
	envInt("WIRECHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("WIRECHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	if val := os.Getenv("WIRECHAT_SERVER_CODEC"); val != "" {
		config.Server.Codec = strings.ToLower(strings.TrimSpace(val))
	}
	if val := os.Getenv("WIRECHAT_SERVER_DEBUG_LOG"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			config.Server.DebugLog = enabled
		}
	}

	// Protocol section
	envInt("WIRECHAT_PROTOCOL_BODY_POLL_INTERVAL_MS", &config.Protocol.BodyPollIntervalMs)
	envInt("WIRECHAT_PROTOCOL_BODY_POLL_RETRIES", &config.Protocol.BodyPollRetries)
	envInt("WIRECHAT_PROTOCOL_MAX_PROTOCOL_FAILURES", &config.Protocol.MaxProtocolFailures)

	// Snowflake section
	envInt("WIRECHAT_SNOWFLAKE_MACHINE_ID", &config.Snowflake.MachineID)
	envInt("WIRECHAT_SNOWFLAKE_PROCESS_ID", &config.Snowflake.ProcessID)
	if val := os.Getenv("WIRECHAT_SNOWFLAKE_EPOCH_MS"); val != "" {
		if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
			config.Snowflake.EpochMs = ms
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

	content := `# Wirechat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# WIRECHAT_SECTION_KEY (e.g., WIRECHAT_SERVER_TCP_PORT=7000)

[server]
# Port for TCP connections
tcp_port = 6000

# Port for HTTP (/metrics, /health, /ws endpoints)
# Set to 0 to disable
http_port = 8080

# Body encoding: "binary" or "json". Clients must use the same codec.
codec = "binary"

# Write per-frame debug output to stderr
debug_log = false

[protocol]
# While waiting for a frame body the server polls this often...
body_poll_interval_ms = 100

# ...at most this many times before dropping the frame
body_poll_retries = 100

# Consecutive malformed or timed-out frames before the connection is closed
max_protocol_failures = 5

[snowflake]
# Message id generator identity. Every server process sharing an id space
# needs a distinct (machine_id, process_id) pair.
machine_id = 1   # 0-1023
process_id = 1   # 0-31

# Custom epoch in Unix milliseconds (default 2024-01-01T00:00:00Z)
# epoch_ms = 1704067200000
`

	return os.WriteFile(path, []byte(content), 0644)
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	// 0 disables the HTTP listener
	cfg.HTTPPort = c.Server.HTTPPort

	if strings.TrimSpace(c.Server.Codec) != "" {
		cfg.Codec = c.Server.Codec
	}
	cfg.DebugLog = c.Server.DebugLog

	if c.Protocol.BodyPollIntervalMs > 0 {
		cfg.BodyPollInterval = time.Duration(c.Protocol.BodyPollIntervalMs) * time.Millisecond
	}
	if c.Protocol.BodyPollRetries > 0 {
		cfg.BodyPollRetries = c.Protocol.BodyPollRetries
	}
	if c.Protocol.MaxProtocolFailures > 0 {
		cfg.MaxProtocolFailures = c.Protocol.MaxProtocolFailures
	}

	return cfg
}

// NewGenerator builds the snowflake generator described by the [snowflake] section
func (c *TOMLConfig) NewGenerator() (*ids.Generator, error) {
	epoch := c.Snowflake.EpochMs
	if epoch == 0 {
		epoch = ids.DefaultEpoch
	}
	return ids.NewGenerator(epoch, c.Snowflake.MachineID, c.Snowflake.ProcessID)
}
