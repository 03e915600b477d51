// Package config loads the transportd YAML configuration and converts it into
// the settings consumed by the server, logger and metrics packages.
//
// Example file:
//
//	server:
//	  listen_address: 0.0.0.0:7777
//	  maximum_clients: 64
//	  heartbeat_timeout: 30s
//	  tick_interval: 16ms
//	logging:
//	  level: debug
//	  dir: /var/log/transportd
//	metrics:
//	  address: 127.0.0.1:9100
package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyberinferno/go-transport/logger"
	"github.com/cyberinferno/go-transport/server"
	"github.com/cyberinferno/go-transport/transport"
)

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig contains the listening and queueing settings.
type ServerConfig struct {
	ListenAddress     string        `yaml:"listen_address"`
	Protocol          string        `yaml:"protocol"`
	MaximumClients    int           `yaml:"maximum_clients"`
	MaxPayloadSize    int           `yaml:"max_payload_size"`
	SendQueueCapacity int           `yaml:"send_queue_capacity"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	TickInterval      time.Duration `yaml:"tick_interval"`
}

// LoggingConfig contains logging settings. An empty Dir logs to stdout only.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// MetricsConfig contains the Prometheus endpoint. An empty Address disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	d := server.DefaultConfig()

	return Config{
		Server: ServerConfig{
			ListenAddress:     d.ListenEndpoint.String(),
			Protocol:          d.Protocol.String(),
			MaximumClients:    d.MaximumClients,
			MaxPayloadSize:    d.MaxPayloadSize,
			SendQueueCapacity: d.SendQueueCapacity,
			HeartbeatTimeout:  d.HeartbeatTimeout,
			TickInterval:      d.TickInterval,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over Default and validates the result.
//
// Parameters:
//   - path: Path to the YAML file
//
// Returns:
//   - The loaded configuration
//   - An error if the file cannot be read, parsed or validated
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML data over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks every section. The relay protocol is rejected because
// transportd only ships the UDP driver, which serves direct connections.
func (c *Config) Validate() error {
	sc, err := c.ServerConfig()
	if err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if sc.Protocol == transport.RelayProtocol {
		return fmt.Errorf("server config: %w: protocol relay requires a relay-capable driver, the UDP driver supports direct mode only", transport.ErrConfiguration)
	}

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if c.Metrics.Address != "" && c.Metrics.Address == c.Server.ListenAddress {
		return fmt.Errorf("metrics config: address %s collides with the listen address", c.Metrics.Address)
	}

	return nil
}

// ServerConfig converts the file representation into a server.Config.
//
// Returns:
//   - The server configuration
//   - An error wrapping transport.ErrConfiguration if a value is invalid
func (c *Config) ServerConfig() (server.Config, error) {
	endpoint, err := netip.ParseAddrPort(c.Server.ListenAddress)
	if err != nil {
		return server.Config{}, fmt.Errorf("%w: listen_address %q: %v", transport.ErrConfiguration, c.Server.ListenAddress, err)
	}

	protocol, err := transport.ParseProtocol(c.Server.Protocol)
	if err != nil {
		return server.Config{}, err
	}

	sc := server.Config{
		ListenEndpoint:    endpoint,
		Protocol:          protocol,
		MaximumClients:    c.Server.MaximumClients,
		MaxPayloadSize:    c.Server.MaxPayloadSize,
		SendQueueCapacity: c.Server.SendQueueCapacity,
		HeartbeatTimeout:  c.Server.HeartbeatTimeout,
		TickInterval:      c.Server.TickInterval,
	}

	if err := sc.Validate(); err != nil {
		return server.Config{}, err
	}

	return sc, nil
}
