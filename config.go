// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retiarius holds the relay configuration shared by the command line
// entry point and embedding programs.
package retiarius

import (
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/retiarius/pkg/datagram"
	"github.com/absmach/retiarius/pkg/errors"
	"github.com/absmach/retiarius/pkg/pool"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by NewConfig.
const EnvPrefix = "RETIARIUS_"

// Config is the relay configuration.
//
// Values are layered: Default, then an optional YAML file, then the
// environment, then command line flags. Env tags carry no defaults so an
// unset variable never overrides a value loaded from the file.
type Config struct {
	ListenHost      string        `env:"LISTEN_HOST"       yaml:"listen_host"`
	ListenPort      int           `env:"LISTEN_PORT"       yaml:"listen_port"`
	ServerAddr      string        `env:"SERVER_ADDR"       yaml:"server_addr"`
	DropPercent     float64       `env:"DROP_PERCENT"      yaml:"drop_percent"`
	FilterDirection string        `env:"FILTER_DIRECTION"  yaml:"filter_direction"`
	BufferSize      int           `env:"BUFFER_SIZE"       yaml:"buffer_size"`
	QueueSize       int           `env:"QUEUE_SIZE"        yaml:"queue_size"`
	SessionTimeout  time.Duration `env:"SESSION_TIMEOUT"   yaml:"session_timeout"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL"    yaml:"sweep_interval"`
	MaxSessions     int           `env:"MAX_SESSIONS"      yaml:"max_sessions"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"  yaml:"shutdown_timeout"`
	ReadBufferSize  int           `env:"READ_BUFFER_SIZE"  yaml:"read_buffer_size"`
	WriteBufferSize int           `env:"WRITE_BUFFER_SIZE" yaml:"write_buffer_size"`

	// Per-client rate limiting, in datagrams per second. 0 disables it.
	RateLimit float64 `env:"RATE_LIMIT" yaml:"rate_limit"`
	RateBurst int     `env:"RATE_BURST" yaml:"rate_burst"`

	// Backend circuit breaker. BreakerMaxFailures 0 disables it.
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  yaml:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" yaml:"breaker_reset_timeout"`

	// Observability. A port of 0 disables the server.
	MetricsPort int    `env:"METRICS_PORT" yaml:"metrics_port"`
	HealthPort  int    `env:"HEALTH_PORT"  yaml:"health_port"`
	LogLevel    string `env:"LOG_LEVEL"    yaml:"log_level"`
	LogFormat   string `env:"LOG_FORMAT"   yaml:"log_format"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		ListenHost:          "0.0.0.0",
		FilterDirection:     "upstream",
		BufferSize:          datagram.DefaultMTU,
		QueueSize:           1024,
		SessionTimeout:      2 * time.Minute,
		ShutdownTimeout:     30 * time.Second,
		BreakerResetTimeout: 30 * time.Second,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load reads a YAML configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// NewConfig loads the file at path, if any, and applies the environment.
// An empty opts.Prefix uses EnvPrefix.
func NewConfig(path string, opts env.Options) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if opts.Prefix == "" {
		opts.Prefix = EnvPrefix
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// ServerAddress returns the backend address. A bare port means a server on
// the loopback interface.
func (c *Config) ServerAddress() string {
	addr := strings.TrimSpace(c.ServerAddr)
	if _, err := strconv.Atoi(addr); err == nil {
		return net.JoinHostPort("127.0.0.1", addr)
	}
	return addr
}

// ListenAddress returns the client-facing address.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// Directions returns the parsed filter direction.
func (c *Config) Directions() datagram.Directions {
	ds, _ := datagram.ParseDirections(c.FilterDirection)
	return ds
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if c.ListenPort < 1 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Sprintf("listen_port must be between 1 and 65535, got %d", c.ListenPort))
	}
	if err := validateServerAddr(c.ServerAddress()); err != nil {
		errs = append(errs, err.Error())
	}
	if math.IsNaN(c.DropPercent) || c.DropPercent < 0 || c.DropPercent > 1 {
		errs = append(errs, fmt.Sprintf("drop_percent must be between 0 and 1, got %v", c.DropPercent))
	}
	if _, ok := datagram.ParseDirections(c.FilterDirection); !ok {
		errs = append(errs, fmt.Sprintf("invalid filter_direction: %s (must be upstream, downstream, or both)", c.FilterDirection))
	}
	if c.BufferSize < 1 || c.BufferSize > pool.MaxSize {
		errs = append(errs, fmt.Sprintf("buffer_size must be between 1 and %d, got %d", pool.MaxSize, c.BufferSize))
	}
	if c.QueueSize < 1 {
		errs = append(errs, "queue_size must be positive")
	}
	if c.SessionTimeout <= 0 {
		errs = append(errs, "session_timeout must be positive")
	}
	if c.SweepInterval < 0 {
		errs = append(errs, "sweep_interval must not be negative")
	}
	if c.MaxSessions < 0 {
		errs = append(errs, "max_sessions must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, "shutdown_timeout must be positive")
	}
	if c.ReadBufferSize < 0 || c.WriteBufferSize < 0 {
		errs = append(errs, "socket buffer sizes must not be negative")
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		errs = append(errs, "rate_limit and rate_burst must not be negative")
	}
	if c.BreakerMaxFailures < 0 {
		errs = append(errs, "breaker_max_failures must not be negative")
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Sprintf("invalid metrics_port: %d", c.MetricsPort))
	}
	if c.HealthPort < 0 || c.HealthPort > 65535 {
		errs = append(errs, fmt.Sprintf("invalid health_port: %d", c.HealthPort))
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", errors.ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateServerAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("server_addr is required")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid server_addr %q: %v", addr, err)
	}
	if host == "" {
		return fmt.Errorf("server_addr %q has no host", addr)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("server_addr %q has an invalid port", addr)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	}
	return false
}
