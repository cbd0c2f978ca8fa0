package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Agent is the device agent's configuration file.
type Agent struct {
	DeviceID string `toml:"device_id"`
	// Address is the server's name, used for TLS verification.
	Address string `toml:"address"`
	Port    uint16 `toml:"port"`
	// Resolve optionally overrides the host actually dialed.
	Resolve  string `toml:"resolve,omitempty"`
	LogLevel string `toml:"log_level,omitempty"`

	TLS AgentTLS `toml:"tls"`
}

// AgentTLS optionally pins the server CA and names a client certificate
// pair for servers that require one.
type AgentTLS struct {
	CA          string `toml:"ca,omitempty"`
	Certificate string `toml:"certificate,omitempty"`
	Key         string `toml:"key,omitempty"`
}

// DefaultAgent is the configuration printed by -print-config.
func DefaultAgent() *Agent {
	return &Agent{
		DeviceID: "device-1",
		Address:  "connectbot.example.com",
		Port:     4004,
		LogLevel: "info",
	}
}

// LoadAgent reads and validates a device agent configuration file.
func LoadAgent(path string) (*Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Agent{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the configuration and fills in what may be
// omitted.
func (c *Agent) CheckAndSetDefaults() error {
	if c.DeviceID == "" {
		return fmt.Errorf("config: device_id is required")
	}
	if c.Address == "" {
		return fmt.Errorf("config: address is required")
	}
	if c.Port == 0 {
		c.Port = 4004
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if (c.TLS.Certificate == "") != (c.TLS.Key == "") {
		return fmt.Errorf("config: tls.certificate and tls.key must be set together")
	}
	return nil
}

// TLSConfig builds the dialer configuration for the server session.
func (c *Agent) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: c.Address,
		MinVersion: tls.VersionTLS12,
	}
	if c.TLS.CA != "" {
		pem, err := os.ReadFile(c.TLS.CA)
		if err != nil {
			return nil, fmt.Errorf("read server ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("server ca %s contains no certificates", c.TLS.CA)
		}
		cfg.RootCAs = pool
	}
	if c.TLS.Certificate != "" {
		cert, err := tls.LoadX509KeyPair(c.TLS.Certificate, c.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
