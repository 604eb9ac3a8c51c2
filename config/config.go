// Package config holds the settings of an irpc process, loaded from TOML.
//
// A minimal provider file:
//
//	application = "shop"
//
//	[registry]
//	backend = "etcd"
//	endpoints = ["127.0.0.1:2379"]
//
//	[server]
//	listen = ":9000"
//
//	[ratelimit]
//	enabled = true
//	capacity = 100
//	interval = "1s"
package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Registry backends.
const (
	BackendEtcd      = "etcd"
	BackendZooKeeper = "zookeeper"
	BackendMemory    = "memory"
)

// Config contains every setting. Zero values are replaced by Default's.
type Config struct {
	Application string      `toml:"application"`
	Codec       string      `toml:"codec"`
	Registry    Registry    `toml:"registry"`
	LoadBalance LoadBalance `toml:"loadbalance"`
	Heartbeat   Heartbeat   `toml:"heartbeat"`
	RateLimit   RateLimit   `toml:"ratelimit"`
	Retry       Retry       `toml:"retry"`
	Transport   Transport   `toml:"transport"`
	Server      Server      `toml:"server"`
	Log         Log         `toml:"log"`
}

type Registry struct {
	Backend        string        `toml:"backend"`
	Endpoints      []string      `toml:"endpoints"`
	DialTimeout    time.Duration `toml:"dial_timeout"`
	SessionTimeout time.Duration `toml:"session_timeout"` // etcd lease TTL or ZooKeeper session timeout
}

type LoadBalance struct {
	Policy   string `toml:"policy"`
	Replicas int    `toml:"replicas"` // virtual nodes per endpoint for consistent_hash
}

type Heartbeat struct {
	Interval         time.Duration `toml:"interval"`
	FailureThreshold int           `toml:"failure_threshold"`
	ProbeTimeout     time.Duration `toml:"probe_timeout"`
}

type RateLimit struct {
	Enabled   bool          `toml:"enabled"`
	Kind      string        `toml:"kind"`
	Capacity  int           `toml:"capacity"`
	Interval  time.Duration `toml:"interval"`
	PerSecond float64       `toml:"per_second"`
}

type Retry struct {
	MaxRetries int           `toml:"max_retries"`
	BaseDelay  time.Duration `toml:"base_delay"`
}

type Transport struct {
	PoolSize       int           `toml:"pool_size"`
	DialTimeout    time.Duration `toml:"dial_timeout"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

type Server struct {
	Listen          string        `toml:"listen"`
	Advertise       string        `toml:"advertise"`
	HandlerTimeout  time.Duration `toml:"handler_timeout"` // zero disables
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Default returns the settings used when no file is given. Rate limiting is
// off; when enabled it defaults to a token bucket of 100 per second.
func Default() *Config {
	return &Config{
		Codec: "json",
		Registry: Registry{
			Backend:        BackendMemory,
			DialTimeout:    5 * time.Second,
			SessionTimeout: 10 * time.Second,
		},
		LoadBalance: LoadBalance{Policy: "round_robin", Replicas: 100},
		Heartbeat: Heartbeat{
			Interval:         2 * time.Second,
			FailureThreshold: 3,
			ProbeTimeout:     time.Second,
		},
		RateLimit: RateLimit{
			Kind:      "token_bucket",
			Capacity:  100,
			Interval:  time.Second,
			PerSecond: 100,
		},
		Retry:     Retry{MaxRetries: 2, BaseDelay: 50 * time.Millisecond},
		Transport: Transport{PoolSize: 2, DialTimeout: 3 * time.Second, RequestTimeout: 5 * time.Second},
		Server:    Server{Listen: ":9000", ShutdownTimeout: 5 * time.Second},
		Log:       Log{Level: "info"},
	}
}

// Load reads the TOML file at path on top of Default and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := DecodeTOMLFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for TOML text.
func Parse(data string) (*Config, error) {
	cfg := Default()
	if err := DecodeTOML(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	var errs error
	switch c.Registry.Backend {
	case BackendEtcd, BackendZooKeeper:
		if len(c.Registry.Endpoints) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("registry: %s backend needs endpoints", c.Registry.Backend))
		}
	case BackendMemory:
	default:
		errs = multierr.Append(errs, fmt.Errorf("registry: unknown backend %q", c.Registry.Backend))
	}
	switch c.Codec {
	case "json", "binary":
	default:
		errs = multierr.Append(errs, fmt.Errorf("codec: unknown codec %q", c.Codec))
	}
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.ProbeTimeout <= 0 || c.Heartbeat.FailureThreshold <= 0 {
		errs = multierr.Append(errs, errors.New("heartbeat: interval, probe_timeout and failure_threshold must be positive"))
	}
	if c.Retry.MaxRetries < 0 || c.Retry.BaseDelay < 0 {
		errs = multierr.Append(errs, errors.New("retry: max_retries and base_delay must not be negative"))
	}
	if c.Transport.PoolSize <= 0 {
		errs = multierr.Append(errs, errors.New("transport: pool_size must be positive"))
	}
	return errs
}
