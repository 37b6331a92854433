// Package config loads the pairloop server configuration: compiled-in
// defaults, overridden by an optional TOML file, overridden by environment
// variables. The environment names match the original deployment so
// existing process managers keep working.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for the pairloop server.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Limits   LimitsConfig   `toml:"limits"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	Monitor  MonitorConfig  `toml:"monitoring"`
}

// ServerConfig controls the HTTP listener and WebSocket transport.
type ServerConfig struct {
	// Port is the TCP port the HTTP/WebSocket listener binds.
	Port int `toml:"port"`

	// AllowedOrigins is the list of origin patterns accepted for WebSocket
	// upgrades. A single "*" accepts any origin (the default: clients are
	// browsers served from arbitrary hosts).
	AllowedOrigins []string `toml:"allowed_origins"`

	// PingInterval is how often the server pings each connection to detect
	// dead peers.
	PingInterval time.Duration `toml:"ping_interval"`
}

// LimitsConfig bounds admission and pairing.
type LimitsConfig struct {
	// MaxPeers bounds the number of simultaneously connected peers.
	MaxPeers int `toml:"max_peers"`

	// MaxRooms bounds the number of simultaneously open rooms.
	MaxRooms int `toml:"max_rooms"`

	// MaxAttempts is how many failed pairings a peer may accumulate before
	// the pairing loop demotes it to the queue tail.
	MaxAttempts int `toml:"max_attempts"`
}

// TimeoutsConfig controls the housekeeping sweeps.
type TimeoutsConfig struct {
	// UserTimeout is the inactivity window after which a peer is removed.
	UserTimeout time.Duration `toml:"user_timeout"`

	// ConnectionTimeout is how long a room may stay unconnected before it
	// is reaped.
	ConnectionTimeout time.Duration `toml:"connection_timeout"`

	// CleanupInterval is how often the reap sweep runs.
	CleanupInterval time.Duration `toml:"cleanup_interval"`
}

// MonitorConfig controls the periodic load snapshot.
type MonitorConfig struct {
	// Enabled turns the monitoring loop on.
	Enabled bool `toml:"enabled"`

	// Interval is how often the load snapshot is taken and recorded.
	Interval time.Duration `toml:"interval"`
}

// Default returns a Config populated with the stock deployment values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           3000,
			AllowedOrigins: []string{"*"},
			PingInterval:   25 * time.Second,
		},
		Limits: LimitsConfig{
			MaxPeers:    200,
			MaxRooms:    100,
			MaxAttempts: 3,
		},
		Timeouts: TimeoutsConfig{
			UserTimeout:       5 * time.Minute,
			ConnectionTimeout: 30 * time.Second,
			CleanupInterval:   time.Minute,
		},
		Monitor: MonitorConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
		},
	}
}

// Load builds the effective configuration. path may be empty, in which case
// only defaults and environment variables apply. A non-empty path must
// exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment, using the variable names
// of the original deployment.
func (c *Config) applyEnv() error {
	var err error
	setInt := func(name string, dst *int) {
		if err != nil {
			return
		}
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			err = fmt.Errorf("invalid %s=%q: %w", name, v, convErr)
			return
		}
		*dst = n
	}
	setSeconds := func(name string, dst *time.Duration) {
		if err != nil {
			return
		}
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			err = fmt.Errorf("invalid %s=%q: %w", name, v, convErr)
			return
		}
		*dst = time.Duration(n) * time.Second
	}

	setInt("PORT", &c.Server.Port)
	setInt("MAX_CONCURRENT_USERS", &c.Limits.MaxPeers)
	setInt("MAX_ROOMS", &c.Limits.MaxRooms)
	setInt("MAX_ATTEMPTS", &c.Limits.MaxAttempts)
	setSeconds("USER_TIMEOUT_SECONDS", &c.Timeouts.UserTimeout)
	setSeconds("CONNECTION_TIMEOUT_SECONDS", &c.Timeouts.ConnectionTimeout)
	setSeconds("CLEANUP_INTERVAL_SECONDS", &c.Timeouts.CleanupInterval)
	setSeconds("MONITORING_INTERVAL_SECONDS", &c.Monitor.Interval)
	setSeconds("SOCKET_PING_INTERVAL", &c.Server.PingInterval)
	if err != nil {
		return err
	}

	if v := os.Getenv("ENABLE_MONITORING"); v != "" {
		c.Monitor.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		c.Server.AllowedOrigins = origins
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Server.Port)
	}
	if c.Limits.MaxPeers <= 0 {
		return fmt.Errorf("max_peers must be positive, got %d", c.Limits.MaxPeers)
	}
	if c.Limits.MaxRooms <= 0 {
		return fmt.Errorf("max_rooms must be positive, got %d", c.Limits.MaxRooms)
	}
	if c.Limits.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.Limits.MaxAttempts)
	}
	if c.Timeouts.UserTimeout <= 0 || c.Timeouts.ConnectionTimeout <= 0 || c.Timeouts.CleanupInterval <= 0 {
		return fmt.Errorf("timeouts must be positive: %+v", c.Timeouts)
	}
	if c.Monitor.Enabled && c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitoring interval must be positive when enabled, got %v", c.Monitor.Interval)
	}
	return nil
}
