// Package config provides unified TOML configuration for cbcsocks,
// covering both the server and local binaries in one file so a single
// deployment can ship one config alongside per-binary CLI flags.
package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// KeySize is the required length, in raw bytes, of the shared secret.
const KeySize = 32

// Config is the top-level configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	Local  LocalConfig  `toml:"local"`
}

// ServerConfig holds server-side settings.
type ServerConfig struct {
	Listen   string `toml:"listen"`
	Key      string `toml:"key"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// LocalConfig holds local-side settings.
type LocalConfig struct {
	Listen     string `toml:"listen"`
	RemoteAddr string `toml:"remote_addr"`
	Key        string `toml:"key"`
}

// Load reads and parses a TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for obvious errors. mode is "server" or
// "local".
func (c *Config) Validate(mode string) error {
	switch mode {
	case "server":
		if c.Server.Listen == "" {
			return fmt.Errorf("server.listen is required")
		}
		if c.Server.Key == "" {
			return fmt.Errorf("server.key is required")
		}
		if _, err := DecodeKey(c.Server.Key); err != nil {
			return fmt.Errorf("server.key: %w", err)
		}
		if (c.Server.Username == "") != (c.Server.Password == "") {
			return fmt.Errorf("server.username and server.password must be set together")
		}
	case "local":
		if c.Local.Listen == "" {
			return fmt.Errorf("local.listen is required")
		}
		if c.Local.RemoteAddr == "" {
			return fmt.Errorf("local.remote_addr is required")
		}
		if c.Local.Key == "" {
			return fmt.Errorf("local.key is required")
		}
		if _, err := DecodeKey(c.Local.Key); err != nil {
			return fmt.Errorf("local.key: %w", err)
		}
	default:
		return fmt.Errorf("unknown validation mode %q", mode)
	}
	return nil
}

// DecodeKey parses a hex-encoded shared secret into KeySize raw bytes.
func DecodeKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must decode to %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}
