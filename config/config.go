// Package config loads mini-hub settings: defaults, then an optional TOML
// file, then MINIHUB_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"

	"mini-hub/codec"
	"mini-hub/loadbalance"
)

const EnvPrefix = "MINIHUB_"

type Config struct {
	// Server side
	Network         string        `toml:"network" env:"NETWORK"`
	ListenAddr      string        `toml:"listen_addr" env:"LISTEN_ADDR"`
	AdvertiseAddr   string        `toml:"advertise_addr" env:"ADVERTISE_ADDR"`
	HubName         string        `toml:"hub_name" env:"HUB_NAME"`
	IdleTimeout     time.Duration `toml:"idle_timeout" env:"IDLE_TIMEOUT"`
	RequestTimeout  time.Duration `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
	RateLimit       float64       `toml:"rate_limit" env:"RATE_LIMIT"` // invocations per second, 0 = unlimited
	RateBurst       int           `toml:"rate_burst" env:"RATE_BURST"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MetricsAddr     string        `toml:"metrics_addr" env:"METRICS_ADDR"` // empty disables the endpoint
	BackplaneTopic  string        `toml:"backplane_topic" env:"BACKPLANE_TOPIC"`

	// Both sides
	Codec             string        `toml:"codec" env:"CODEC"`
	EtcdEndpoints     []string      `toml:"etcd_endpoints" env:"ETCD_ENDPOINTS" envSeparator:","`
	RegistryTTL       time.Duration `toml:"registry_ttl" env:"REGISTRY_TTL"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`

	// Client side
	DialAttempts uint          `toml:"dial_attempts" env:"DIAL_ATTEMPTS"`
	DialBackoff  time.Duration `toml:"dial_backoff" env:"DIAL_BACKOFF"`
	Balancer     string        `toml:"balancer" env:"BALANCER"`
	AffinityKey  string        `toml:"affinity_key" env:"AFFINITY_KEY"`

	LogLevel       string `toml:"log_level" env:"LOG_LEVEL"`
	LogDevelopment bool   `toml:"log_development" env:"LOG_DEVELOPMENT"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Network:           "tcp",
		ListenAddr:        ":7070",
		HubName:           "ChatHub",
		RequestTimeout:    10 * time.Second,
		RateBurst:         100,
		ShutdownTimeout:   10 * time.Second,
		MetricsAddr:       ":9090",
		BackplaneTopic:    "minihub",
		Codec:             "json",
		RegistryTTL:       10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		DialAttempts:      5,
		DialBackoff:       100 * time.Millisecond,
		Balancer:          "round_robin",
		LogLevel:          "info",
	}
}

// Load reads path (skipped when empty) over the defaults, applies the
// environment and validates the result. Unknown TOML keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is empty"))
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if _, err := loadbalance.New(c.Balancer); err != nil {
		errs = append(errs, err)
	}
	if len(c.EtcdEndpoints) > 0 && c.AdvertiseAddr == "" && c.HubName != "" {
		errs = append(errs, errors.New("advertise_addr is required when etcd_endpoints are set"))
	}
	for name, d := range map[string]time.Duration{
		"idle_timeout":       c.IdleTimeout,
		"request_timeout":    c.RequestTimeout,
		"shutdown_timeout":   c.ShutdownTimeout,
		"registry_ttl":       c.RegistryTTL,
		"heartbeat_interval": c.HeartbeatInterval,
		"dial_backoff":       c.DialBackoff,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must not be negative, got %v", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("rate_burst must be at least 1 when rate_limit is set, got %d", c.RateBurst))
	}
	if c.DialAttempts < 1 {
		errs = append(errs, errors.New("dial_attempts must be at least 1"))
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid settings:\n%w", err)
	}
	return nil
}

// CodecType returns the parsed codec. Only valid after Validate succeeded.
func (c Config) CodecType() codec.CodecType {
	t, _ := codec.ParseCodecType(c.Codec)
	return t
}

// String renders the effective settings as TOML.
func (c Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Sprintf("%+v", map[string]any{"error": err.Error()})
	}
	return buf.String()
}
