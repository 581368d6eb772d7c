// Package types defines common types used across the recording proxy.
package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LogLevel controls how much of the live traffic is printed.
type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelBasic
	LogLevelHeaders
	LogLevelBody
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelNone:
		return "none"
	case LogLevelBasic:
		return "basic"
	case LogLevelHeaders:
		return "headers"
	case LogLevelBody:
		return "body"
	}
	return "level(" + strconv.Itoa(int(l)) + ")"
}

// ParseLogLevel accepts either a name ("none", "basic", "headers", "body")
// or the numeric level.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return LogLevelNone, nil
	case "basic":
		return LogLevelBasic, nil
	case "headers":
		return LogLevelHeaders, nil
	case "body":
		return LogLevelBody, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < int(LogLevelNone) || n > int(LogLevelBody) {
		return LogLevelNone, fmt.Errorf("invalid traffic log level %q", s)
	}
	return LogLevel(n), nil
}

// MarshalText implements encoding.TextMarshaler.
func (l LogLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so config files may use
// either form accepted by ParseLogLevel.
func (l *LogLevel) UnmarshalText(text []byte) error {
	v, err := ParseLogLevel(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Defaults.
const (
	DefaultLocalHost       = "0.0.0.0"
	DefaultLocalPort       = 8080
	DefaultRemotePort      = 80
	DefaultWorkers         = 64
	DefaultBufferSize      = 32 * 1024
	DefaultMaxMessageBytes = 64 << 20
	DefaultDialTimeout     = 10 * time.Second
)

// Config holds the application configuration.
type Config struct {
	LocalHost  string `yaml:"local_host" json:"local_host"`
	LocalPort  int    `yaml:"local_port" json:"local_port"`
	RemoteHost string `yaml:"remote_host" json:"remote_host"`
	RemotePort int    `yaml:"remote_port" json:"remote_port"`

	// OutFile receives the recording at shutdown. Empty means stdout.
	OutFile string `yaml:"out" json:"out"`

	// UpstreamProxy is an optional socks5:// or http:// proxy URL used to
	// reach the remote host.
	UpstreamProxy string `yaml:"upstream_proxy" json:"upstream_proxy"`

	Workers         int           `yaml:"workers" json:"workers"`
	BufferSize      int           `yaml:"buffer_size" json:"buffer_size"`
	MaxMessageBytes int           `yaml:"max_message_bytes" json:"max_message_bytes"`
	DialTimeout     time.Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// APIPort enables the management API on 127.0.0.1 when non-zero.
	APIPort int `yaml:"api_port" json:"api_port"`

	LogLevel        string   `yaml:"log_level" json:"log_level"`
	LogFormat       string   `yaml:"log_format" json:"log_format"`
	TrafficLogLevel LogLevel `yaml:"traffic_log" json:"traffic_log"`

	// Console enables the interactive command console on stdin.
	Console bool `yaml:"console" json:"console"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LocalHost:       DefaultLocalHost,
		LocalPort:       DefaultLocalPort,
		RemotePort:      DefaultRemotePort,
		Workers:         DefaultWorkers,
		BufferSize:      DefaultBufferSize,
		MaxMessageBytes: DefaultMaxMessageBytes,
		DialTimeout:     DefaultDialTimeout,
		LogLevel:        "info",
		LogFormat:       "console",
		Console:         true,
	}
}

// LocalAddr returns the address the listener binds to.
func (c *Config) LocalAddr() string {
	return joinHostPort(c.LocalHost, c.LocalPort)
}

// RemoteAddr returns the fixed upstream address.
func (c *Config) RemoteAddr() string {
	return joinHostPort(c.RemoteHost, c.RemotePort)
}

func joinHostPort(host string, port int) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(port)
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.RemoteHost == "" {
		return errors.New("remote host is required")
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return fmt.Errorf("local port %d out of range", c.LocalPort)
	}
	if c.RemotePort <= 0 || c.RemotePort > 65535 {
		return fmt.Errorf("remote port %d out of range", c.RemotePort)
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("api port %d out of range", c.APIPort)
	}
	if c.Workers < 2 {
		return fmt.Errorf("workers must be at least 2, got %d", c.Workers)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", c.BufferSize)
	}
	return nil
}
