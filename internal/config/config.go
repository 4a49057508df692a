// Package config handles ntmon configuration loading and NT4 server
// address resolution.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrInvalidArgument is returned when neither a server host nor a team
// number is configured, so no address can be resolved.
var ErrInvalidArgument = errors.New("either server host or team number is required")

// DefaultPort is the NT4 server port.
const DefaultPort = 5810

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./ntmon.yaml, ~/.config/ntmon/config.yaml, /etc/ntmon/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"ntmon.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ntmon", "config.yaml"))
	}

	paths = append(paths, "/etc/ntmon/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all ntmon configuration.
type Config struct {
	Server   ServerConfig `yaml:"server"`
	Bridge   BridgeConfig `yaml:"bridge"`
	DataDir  string       `yaml:"data_dir"`
	LogLevel string       `yaml:"log_level"`
}

// ServerConfig identifies the NT4 server to connect to. Host wins over
// Team; with only Team set the FRC mDNS convention
// roborio-<team>-frc.local is used.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Team int    `yaml:"team"`
}

// BridgeConfig configures the optional MQTT republisher. The bridge is
// inert unless Enabled is true and a broker URL is set.
type BridgeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// BaseTopic prefixes every republished NT topic path (default "nt").
	BaseTopic string `yaml:"base_topic"`
	// Prefix is the NT topic prefix to mirror (default "" = everything).
	Prefix string `yaml:"prefix"`
	// RateLimit caps republished messages per second (default 50).
	RateLimit int `yaml:"rate_limit"`
}

// Load reads and parses a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Bridge.BaseTopic == "" {
		c.Bridge.BaseTopic = "nt"
	}
	if c.Bridge.RateLimit == 0 {
		c.Bridge.RateLimit = 50
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
}

// Address resolves the server host:port. An explicit host wins; otherwise
// a team number maps to the roborio mDNS name. With neither set, fails
// with ErrInvalidArgument.
func (s ServerConfig) Address() (string, error) {
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	switch {
	case s.Host != "":
		return fmt.Sprintf("%s:%d", s.Host, port), nil
	case s.Team > 0:
		return fmt.Sprintf("roborio-%d-frc.local:%d", s.Team, port), nil
	}
	return "", ErrInvalidArgument
}

// URL builds the full WebSocket URL for a client id:
// ws://<host>:<port>/nt/<client-id>.
func (s ServerConfig) URL(clientID string) (string, error) {
	addr, err := s.Address()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ws://%s/nt/%s", addr, clientID), nil
}
