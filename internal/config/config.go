// Package config loads and validates the YAML configuration for both modes.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects which half of the tunnel a process runs.
type Mode string

const (
	ModeServer Mode = "server"
	ModeClient Mode = "client"
)

// Physical link kinds.
const (
	TransportTCP = "tcp"
	TransportWS  = "ws"
)

// Defaults applied to zero-valued fields.
const (
	DefaultBufferSize  = 8192
	DefaultPoolSize    = 4
	DefaultDialTimeout = 10 * time.Second
)

// Config is the root of the configuration file.
type Config struct {
	Mode    Mode          `yaml:"mode"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Server  *ServerConfig `yaml:"server"`
	Client  *ClientConfig `yaml:"client"`
}

type LogConfig struct {
	Debug bool `yaml:"debug"`
}

// MetricsConfig enables the Prometheus and health endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// ServerConfig is the server section.
type ServerConfig struct {
	ListenIP           string        `yaml:"listen_ip"`
	ListenPort         int           `yaml:"listen_port"`
	BackendIP          string        `yaml:"backend_ip"`
	BackendPort        int           `yaml:"backend_port"`
	ConnectionPoolSize int           `yaml:"connection_pool_size"`
	BufferSize         int           `yaml:"buffer_size"`
	Transport          string        `yaml:"transport"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	PinStreams         *bool         `yaml:"pin_streams"`
	Redis              RedisConfig   `yaml:"redis"`
}

// RedisConfig points the stream registry at Redis. Empty Addr keeps it in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ClientConfig is the client section.
type ClientConfig struct {
	LocalListenIP      string        `yaml:"local_listen_ip"`
	LocalListenPort    int           `yaml:"local_listen_port"`
	ServerIP           string        `yaml:"server_ip"`
	ServerPort         int           `yaml:"server_port"`
	ConnectionPoolSize int           `yaml:"connection_pool_size"`
	BufferSize         int           `yaml:"buffer_size"`
	EnableZeroRTT      bool          `yaml:"enable_zero_rtt"`
	Transport          string        `yaml:"transport"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	PinStreams         *bool         `yaml:"pin_streams"`
	AcceptRate         float64       `yaml:"accept_rate"`
	AcceptBurst        int           `yaml:"accept_burst"`
}

// ValidationError reports one invalid or missing setting.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Load reads the file at path, applies defaults and validates it.
func Load(path string) (*Config, error) {
	return LoadMode(path, "")
}

// LoadMode is Load for a process running as mode. A file without a mode is
// taken to be for mode; a file written for the other mode is rejected.
func LoadMode(path string, mode Mode) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseMode(data, mode)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	return ParseMode(data, "")
}

// ParseMode is Parse with the mode check of LoadMode.
func ParseMode(data []byte, mode Mode) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if mode != "" {
		switch cfg.Mode {
		case "":
			cfg.Mode = mode
		case mode:
		default:
			return nil, &ValidationError{Field: "mode", Reason: fmt.Sprintf("file is for %s mode, not %s", cfg.Mode, mode)}
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields of the present sections.
func (c *Config) ApplyDefaults() {
	if s := c.Server; s != nil {
		if s.ListenIP == "" {
			s.ListenIP = "0.0.0.0"
		}
		if s.ConnectionPoolSize == 0 {
			s.ConnectionPoolSize = DefaultPoolSize
		}
		if s.BufferSize == 0 {
			s.BufferSize = DefaultBufferSize
		}
		if s.Transport == "" {
			s.Transport = TransportTCP
		}
		if s.DialTimeout == 0 {
			s.DialTimeout = DefaultDialTimeout
		}
	}
	if cl := c.Client; cl != nil {
		if cl.LocalListenIP == "" {
			cl.LocalListenIP = "127.0.0.1"
		}
		if cl.ConnectionPoolSize == 0 {
			cl.ConnectionPoolSize = DefaultPoolSize
		}
		if cl.BufferSize == 0 {
			cl.BufferSize = DefaultBufferSize
		}
		if cl.Transport == "" {
			cl.Transport = TransportTCP
		}
		if cl.DialTimeout == 0 {
			cl.DialTimeout = DefaultDialTimeout
		}
		if cl.AcceptRate > 0 && cl.AcceptBurst == 0 {
			cl.AcceptBurst = 1
		}
	}
}

// Validate checks that the section required by Mode is present and sane.
// All problems are joined; each one is a *ValidationError.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, reason string) {
		errs = append(errs, &ValidationError{Field: field, Reason: reason})
	}

	switch c.Mode {
	case ModeServer:
		if c.Server == nil {
			add("server", "server mode requires a server section")
			break
		}
		s := c.Server
		checkHost(add, "server.listen_ip", s.ListenIP)
		checkPort(add, "server.listen_port", s.ListenPort)
		checkHost(add, "server.backend_ip", s.BackendIP)
		checkPort(add, "server.backend_port", s.BackendPort)
		checkPositive(add, "server.connection_pool_size", s.ConnectionPoolSize)
		checkPositive(add, "server.buffer_size", s.BufferSize)
		checkTransport(add, "server.transport", s.Transport)
		if s.DialTimeout < 0 {
			add("server.dial_timeout", "must not be negative")
		}
	case ModeClient:
		if c.Client == nil {
			add("client", "client mode requires a client section")
			break
		}
		cl := c.Client
		checkHost(add, "client.local_listen_ip", cl.LocalListenIP)
		checkPort(add, "client.local_listen_port", cl.LocalListenPort)
		checkHost(add, "client.server_ip", cl.ServerIP)
		checkPort(add, "client.server_port", cl.ServerPort)
		checkPositive(add, "client.connection_pool_size", cl.ConnectionPoolSize)
		checkPositive(add, "client.buffer_size", cl.BufferSize)
		checkTransport(add, "client.transport", cl.Transport)
		if cl.DialTimeout < 0 {
			add("client.dial_timeout", "must not be negative")
		}
		if cl.AcceptRate < 0 {
			add("client.accept_rate", "must not be negative")
		}
		if cl.AcceptRate > 0 && cl.AcceptBurst < 1 {
			add("client.accept_burst", "must be at least 1 when accept_rate is set")
		}
	case "":
		add("mode", "missing (server or client)")
	default:
		add("mode", fmt.Sprintf("unknown mode %q", c.Mode))
	}
	return errors.Join(errs...)
}

func checkHost(add func(string, string), field, v string) {
	if v == "" {
		add(field, "required")
	}
}

func checkPort(add func(string, string), field string, v int) {
	if v < 1 || v > 65535 {
		add(field, fmt.Sprintf("port %d out of range 1~65535", v))
	}
}

func checkPositive(add func(string, string), field string, v int) {
	if v < 1 {
		add(field, "must be at least 1")
	}
}

func checkTransport(add func(string, string), field, v string) {
	if v != TransportTCP && v != TransportWS {
		add(field, fmt.Sprintf("unknown transport %q (tcp or ws)", v))
	}
}

func (s *ServerConfig) ListenAddr() string {
	return net.JoinHostPort(s.ListenIP, strconv.Itoa(s.ListenPort))
}

func (s *ServerConfig) BackendAddr() string {
	return net.JoinHostPort(s.BackendIP, strconv.Itoa(s.BackendPort))
}

// Pinned reports whether each stream is kept on one physical link (default true).
func (s *ServerConfig) Pinned() bool {
	return s.PinStreams == nil || *s.PinStreams
}

func (c *ClientConfig) LocalAddr() string {
	return net.JoinHostPort(c.LocalListenIP, strconv.Itoa(c.LocalListenPort))
}

func (c *ClientConfig) ServerAddr() string {
	return net.JoinHostPort(c.ServerIP, strconv.Itoa(c.ServerPort))
}

// Pinned reports whether each stream is kept on one physical link (default true).
func (c *ClientConfig) Pinned() bool {
	return c.PinStreams == nil || *c.PinStreams
}
