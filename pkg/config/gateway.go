package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GatewayConfig is the relay gateway's configuration.
type GatewayConfig struct {
	Server  GatewayServerConfig `yaml:"server"`
	Auth    AuthConfig          `yaml:"auth"`
	Logging LoggingConfig       `yaml:"logging"`
}

// GatewayServerConfig describes the gateway's listening transport.
type GatewayServerConfig struct {
	ListenAddr    string    `yaml:"listen_addr"`
	TransportMode string    `yaml:"transport_mode"` // "quic", "tls", or "tcp"
	TLS           TLSConfig `yaml:"tls"`             // used in "quic" and "tls" modes
	AEADKeyFile   string    `yaml:"aead_key_file"`   // used only in "tcp" mode
}

// TLSConfig names the on-disk certificate chain and private key.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DefaultGatewayConfig returns a configuration matching the external
// interfaces named in the spec.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Server: GatewayServerConfig{
			ListenAddr:    "172.28.0.3:1080",
			TransportMode: "tcp",
			TLS: TLSConfig{
				CertFile: "/etc/cert.pem",
				KeyFile:  "/etc/key.pem",
			},
			AEADKeyFile: "/etc/xchacha20.key",
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

// LoadGatewayConfig reads and validates a gateway configuration file.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read gateway config: %w", err)
	}

	cfg := DefaultGatewayConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse gateway config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid gateway config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *GatewayConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: failed to marshal gateway config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: failed to write gateway config: %w", err)
	}
	return nil
}

// Validate checks structural invariants of the configuration.
func (c *GatewayConfig) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	switch c.Server.TransportMode {
	case "quic", "tls":
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required in %s transport mode", c.Server.TransportMode)
		}
	case "tcp":
		if c.Server.AEADKeyFile == "" {
			return fmt.Errorf("server.aead_key_file is required in tcp transport mode")
		}
	default:
		return fmt.Errorf("server.transport_mode must be one of: quic, tls, tcp")
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

// GetTLSFiles returns the certificate/key paths after checking they exist
// on disk, mirroring the relay's GetTLSFiles idiom.
func (c *GatewayConfig) GetTLSFiles() (certFile, keyFile string, err error) {
	certFile, keyFile = c.Server.TLS.CertFile, c.Server.TLS.KeyFile
	if _, err := os.Stat(certFile); err != nil {
		return "", "", fmt.Errorf("TLS cert file not found: %s", certFile)
	}
	if _, err := os.Stat(keyFile); err != nil {
		return "", "", fmt.Errorf("TLS key file not found: %s", keyFile)
	}
	return certFile, keyFile, nil
}
