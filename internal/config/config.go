// Package config loads Chimera configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables honored on top of the config file.
const (
	// EnvServerHost overrides the client's target server host.
	EnvServerHost = "SERVER_HOST"

	// EnvServerBind overrides the server's bind address.
	EnvServerBind = "SERVER_BIND"
)

// Config is the top-level configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Client  ClientConfig  `yaml:"client"`
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ClientConfig configures the tunnel client.
type ClientConfig struct {
	// ServerHost is the tunnel server host; the port comes from ServerPort.
	ServerHost string `yaml:"server_host"`

	// ServerPort is the tunnel server port.
	ServerPort uint16 `yaml:"server_port"`

	// SocksAddress is where the local SOCKS5 listener binds.
	SocksAddress string `yaml:"socks_address"`

	// SocksMaxConnections caps concurrent SOCKS clients (0 = unlimited).
	SocksMaxConnections int `yaml:"socks_max_connections"`

	// Obfuscate enables padding frames for short writes.
	Obfuscate bool `yaml:"obfuscate"`

	// SystemProxy enables the OS proxy helper on startup.
	SystemProxy bool `yaml:"system_proxy"`

	// Transports lists the transports to register with the path scorer,
	// in preference-bootstrap order.
	Transports []string `yaml:"transports"`
}

// ServerConfig configures the tunnel server.
type ServerConfig struct {
	// Bind is the listen address for all enabled transports.
	Bind string `yaml:"bind"`

	// Transports lists the transports to listen on.
	Transports []string `yaml:"transports"`

	// DialTimeout bounds destination dials.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// RateLimitBytes caps per-stream egress in bytes per second
	// (0 = unlimited).
	RateLimitBytes float64 `yaml:"rate_limit_bytes"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Address serves /metrics when non-empty, e.g. "127.0.0.1:9090".
	Address string `yaml:"address"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Client: ClientConfig{
			ServerHost:          "127.0.0.1",
			ServerPort:          8080,
			SocksAddress:        "127.0.0.1:1080",
			SocksMaxConnections: 1000,
			Obfuscate:           true,
			SystemProxy:         true,
			Transports:          []string{"BlockedProtocol", "TCP"},
		},
		Server: ServerConfig{
			Bind:        "0.0.0.0:8080",
			Transports:  []string{"TCP"},
			DialTimeout: 10 * time.Second,
		},
	}
}

// Load reads configuration from path, applies environment overrides, and
// validates the result. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over the file values.
func (c *Config) applyEnv() {
	if host := os.Getenv(EnvServerHost); host != "" {
		c.Client.ServerHost = host
	}
	if bind := os.Getenv(EnvServerBind); bind != "" {
		c.Server.Bind = bind
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Client.ServerHost == "" {
		return fmt.Errorf("client.server_host must not be empty")
	}
	if c.Client.ServerPort == 0 {
		return fmt.Errorf("client.server_port must not be zero")
	}
	if _, _, err := net.SplitHostPort(c.Client.SocksAddress); err != nil {
		return fmt.Errorf("client.socks_address: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("server.bind: %w", err)
	}
	if len(c.Client.Transports) == 0 {
		return fmt.Errorf("client.transports must not be empty")
	}
	if len(c.Server.Transports) == 0 {
		return fmt.Errorf("server.transports must not be empty")
	}
	if c.Server.RateLimitBytes < 0 {
		return fmt.Errorf("server.rate_limit_bytes must not be negative")
	}
	return nil
}

// ServerAddr returns the client's target address as host:port.
func (c *Config) ServerAddr() string {
	return net.JoinHostPort(c.Client.ServerHost, strconv.Itoa(int(c.Client.ServerPort)))
}
