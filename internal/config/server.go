// Package config loads the TOML configuration files for the server and
// the device agent.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Server is the server's configuration file.
type Server struct {
	// Address accepts device sessions over TLS.
	Address string `toml:"address"`
	// ControlAddress accepts plaintext control connections. Keep it bound
	// to loopback.
	ControlAddress string `toml:"control_address"`
	LogLevel       string `toml:"log_level,omitempty"`

	TLS                  ServerTLS   `toml:"tls"`
	ClientAuthentication *ClientAuth `toml:"client_authentication,omitempty"`
	SSH                  SSH         `toml:"ssh"`
}

// ServerTLS names the server's certificate pair.
type ServerTLS struct {
	Certificate string `toml:"certificate"`
	Key         string `toml:"key"`
}

// ClientAuth optionally requires devices to present a client certificate
// signed by the named CA.
type ClientAuth struct {
	Required bool   `toml:"required"`
	CA       string `toml:"ca"`
}

// SSH describes the gateway devices tunnel to, and the remote port ranges
// handed out for forwards.
type SSH struct {
	Host       string `toml:"host"`
	Port       uint16 `toml:"port"`
	User       string `toml:"user"`
	PrivateKey string `toml:"private_key"`

	PortStart    uint16 `toml:"port_start"`
	PortEnd      uint16 `toml:"port_end"`
	WebPortStart uint16 `toml:"web_port_start"`
	WebPortEnd   uint16 `toml:"web_port_end"`

	// PrivateKeyData is the loaded contents of PrivateKey.
	PrivateKeyData string `toml:"-"`
}

// DefaultServer is the configuration printed by -print-config.
func DefaultServer() *Server {
	return &Server{
		Address:        "[::]:4004",
		ControlAddress: "[::1]:12345",
		LogLevel:       "info",
		TLS: ServerTLS{
			Certificate: "/etc/connectbot/server.crt",
			Key:         "/etc/connectbot/server.key",
		},
		SSH: SSH{
			Host:         "gateway.example.com",
			Port:         22,
			User:         "tunnel",
			PrivateKey:   "/etc/connectbot/id_ed25519",
			PortStart:    10000,
			PortEnd:      10999,
			WebPortStart: 8000,
			WebPortEnd:   8999,
		},
	}
}

// LoadServer reads and validates a server configuration file, including
// the SSH private key it names.
func LoadServer(path string) (*Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Server{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	key, err := os.ReadFile(cfg.SSH.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("read ssh private key: %w", err)
	}
	cfg.SSH.PrivateKeyData = string(key)
	return cfg, nil
}

// CheckAndSetDefaults validates the configuration and fills in what may be
// omitted.
func (c *Server) CheckAndSetDefaults() error {
	if c.Address == "" {
		c.Address = "[::]:4004"
	}
	if c.ControlAddress == "" {
		c.ControlAddress = "[::1]:12345"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.TLS.Certificate == "" || c.TLS.Key == "" {
		return fmt.Errorf("config: tls.certificate and tls.key are required")
	}
	if c.ClientAuthentication != nil && c.ClientAuthentication.Required && c.ClientAuthentication.CA == "" {
		return fmt.Errorf("config: client_authentication.ca is required when client authentication is")
	}
	return c.SSH.check()
}

func (s *SSH) check() error {
	if s.Host == "" || s.User == "" {
		return fmt.Errorf("config: ssh.host and ssh.user are required")
	}
	if s.Port == 0 {
		s.Port = 22
	}
	if s.PrivateKey == "" {
		return fmt.Errorf("config: ssh.private_key is required")
	}
	for _, r := range []struct {
		name       string
		start, end uint16
	}{
		{"ssh.port_start/port_end", s.PortStart, s.PortEnd},
		{"ssh.web_port_start/web_port_end", s.WebPortStart, s.WebPortEnd},
	} {
		if r.start == 0 || r.end == 0 {
			return fmt.Errorf("config: %s are required", r.name)
		}
		if r.end < r.start {
			return fmt.Errorf("config: %s is an empty range", r.name)
		}
	}
	return nil
}

// TLSConfig builds the listener configuration for device sessions.
func (c *Server) TLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.TLS.Certificate, c.TLS.Key)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.ClientAuthentication != nil && c.ClientAuthentication.Required {
		pem, err := os.ReadFile(c.ClientAuthentication.CA)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client ca %s contains no certificates", c.ClientAuthentication.CA)
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// Example renders a configuration as TOML, for -print-config.
func Example(cfg any) (string, error) {
	out, err := toml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
