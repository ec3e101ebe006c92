// Package config loads and validates the YAML configuration for the
// client and gateway binaries, following the same Default/Load/Validate/
// Save idiom the relay server used.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ClientConfig is the tunnel client's configuration.
type ClientConfig struct {
	Interface InterfaceConfig `yaml:"interface"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// InterfaceConfig describes the point-to-point virtual interface.
type InterfaceConfig struct {
	Name    string `yaml:"name"`
	LocalIP string `yaml:"local_ip"`
	PeerIP  string `yaml:"peer_ip"`
}

// UpstreamConfig describes how to reach and authenticate the transport to
// the gateway.
type UpstreamConfig struct {
	Addr                  string `yaml:"addr"`
	TransportMode         string `yaml:"transport_mode"` // "quic", "tls", or "tcp"
	AEADKeyFile           string `yaml:"aead_key_file"`  // used only in "tcp" mode
	TLSServerName         string `yaml:"tls_server_name"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify"`
}

// AuthConfig carries the SOCKS5-like username/password credentials.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DefaultClientConfig returns a configuration with sensible defaults
// matching the external interfaces named in the spec.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Interface: InterfaceConfig{
			LocalIP: "10.0.0.2",
			PeerIP:  "10.0.0.1",
		},
		Upstream: UpstreamConfig{
			Addr:          "172.28.0.3:1080",
			TransportMode: "tcp",
			AEADKeyFile:   "/etc/xchacha20.key",
		},
		Auth: AuthConfig{
			Username: "testuser",
			Password: "testpass",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadClientConfig reads and validates a client configuration file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read client config: %w", err)
	}

	cfg := DefaultClientConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid client config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *ClientConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: failed to marshal client config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: failed to write client config: %w", err)
	}
	return nil
}

// Validate checks structural invariants of the configuration.
func (c *ClientConfig) Validate() error {
	if c.Interface.LocalIP == "" || c.Interface.PeerIP == "" {
		return fmt.Errorf("interface.local_ip and interface.peer_ip are required")
	}
	if c.Upstream.Addr == "" {
		return fmt.Errorf("upstream.addr is required")
	}
	switch c.Upstream.TransportMode {
	case "quic", "tls", "tcp":
	default:
		return fmt.Errorf("upstream.transport_mode must be one of: quic, tls, tcp")
	}
	if c.Upstream.TransportMode == "tcp" && c.Upstream.AEADKeyFile == "" {
		return fmt.Errorf("upstream.aead_key_file is required in tcp transport mode")
	}
	if c.Auth.Username == "" || c.Auth.Password == "" {
		return fmt.Errorf("auth.username and auth.password are required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: text, json")
	}
	return nil
}

// LoadAEADKey reads the exactly-32-byte AEAD key from disk.
func LoadAEADKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read AEAD key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: AEAD key at %s must be exactly 32 bytes, got %d", path, len(key))
	}
	return key, nil
}
