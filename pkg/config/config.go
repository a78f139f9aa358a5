// Package config provides the hub's configuration, organized into logical
// sections with production-ready defaults. Configuration is loaded from an
// optional YAML file and overridden by HUB_-prefixed environment variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nimbusuite/hub/pkg/errors"
)

// Config is the root configuration for the hub process
type Config struct {
	// Server settings for the HTTP listener
	Server ServerConfig `yaml:"server" json:"server" mapstructure:"server"`

	// Credentials settings for the secret envelope and token manager
	Credentials CredentialsConfig `yaml:"credentials" json:"credentials" mapstructure:"credentials"`

	// Sync settings for the sync engine and its workers
	Sync SyncConfig `yaml:"sync" json:"sync" mapstructure:"sync"`

	// Webhooks settings for outbound delivery
	Webhooks WebhooksConfig `yaml:"webhooks" json:"webhooks" mapstructure:"webhooks"`

	// HTTP settings for outbound connector traffic
	HTTP HTTPConfig `yaml:"http" json:"http" mapstructure:"http"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" json:"logging" mapstructure:"logging"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	// Addr is the listen address, host:port
	Addr string `yaml:"addr" json:"addr" mapstructure:"addr"`
	// ReadTimeout for inbound requests
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	// WriteTimeout for inbound responses
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`
	// ShutdownGrace is how long in-flight work gets on shutdown
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace" mapstructure:"shutdown_grace"`
}

// CredentialsConfig controls secret encryption and token refresh
type CredentialsConfig struct {
	// EncryptionKey is the 32-byte AES key, hex or base64 encoded.
	// Required; there is no insecure default.
	EncryptionKey string `yaml:"encryption_key" json:"-" mapstructure:"encryption_key"`
	// RefreshThreshold refreshes tokens expiring within this window
	RefreshThreshold time.Duration `yaml:"refresh_threshold" json:"refresh_threshold" mapstructure:"refresh_threshold"`
}

// SyncConfig controls the sync engine
type SyncConfig struct {
	// Workers is the number of concurrent sync job workers
	Workers int `yaml:"workers" json:"workers" mapstructure:"workers"`
	// BatchSize is how many records process between cancellation checks
	BatchSize int `yaml:"batch_size" json:"batch_size" mapstructure:"batch_size"`
	// MergeTieBreak picks the side that wins merge-strategy field ties
	// (source or target)
	MergeTieBreak string `yaml:"merge_tie_break" json:"merge_tie_break" mapstructure:"merge_tie_break"`
}

// WebhooksConfig controls outbound webhook delivery
type WebhooksConfig struct {
	// SweepInterval is how often pending retries are scanned
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval" mapstructure:"sweep_interval"`
	// DeliveryTimeout is the default per-attempt timeout
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" json:"delivery_timeout" mapstructure:"delivery_timeout"`
}

// HTTPConfig controls the shared outbound HTTP client
type HTTPConfig struct {
	// Timeout for outbound requests
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	// MaxIdleConns across all hosts
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns" mapstructure:"max_idle_conns"`
	// EnableHTTP2 turns on HTTP/2 for outbound connections
	EnableHTTP2 bool `yaml:"enable_http2" json:"enable_http2" mapstructure:"enable_http2"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	// Level sets verbosity (debug, info, warn, error)
	Level string `yaml:"level" json:"level" mapstructure:"level"`
	// Format selects output encoding (json, console)
	Format string `yaml:"format" json:"format" mapstructure:"format"`
}

// Default returns a Config with production-ready defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			ShutdownGrace: 15 * time.Second,
		},
		Credentials: CredentialsConfig{
			RefreshThreshold: 2 * time.Minute,
		},
		Sync: SyncConfig{
			Workers:       4,
			BatchSize:     100,
			MergeTieBreak: "source",
		},
		Webhooks: WebhooksConfig{
			SweepInterval:   30 * time.Second,
			DeliveryTimeout: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout:      60 * time.Second,
			MaxIdleConns: 100,
			EnableHTTP2:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the given file (optional) and environment.
// Environment variables use the HUB_ prefix with underscores for nesting,
// e.g. HUB_SERVER_ADDR, HUB_SYNC_WORKERS.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "read config file")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers defaults so env-only keys resolve without a file
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.shutdown_grace", cfg.Server.ShutdownGrace)
	v.SetDefault("credentials.encryption_key", "")
	v.SetDefault("credentials.refresh_threshold", cfg.Credentials.RefreshThreshold)
	v.SetDefault("sync.workers", cfg.Sync.Workers)
	v.SetDefault("sync.batch_size", cfg.Sync.BatchSize)
	v.SetDefault("sync.merge_tie_break", cfg.Sync.MergeTieBreak)
	v.SetDefault("webhooks.sweep_interval", cfg.Webhooks.SweepInterval)
	v.SetDefault("webhooks.delivery_timeout", cfg.Webhooks.DeliveryTimeout)
	v.SetDefault("http.timeout", cfg.HTTP.Timeout)
	v.SetDefault("http.max_idle_conns", cfg.HTTP.MaxIdleConns)
	v.SetDefault("http.enable_http2", cfg.HTTP.EnableHTTP2)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New(errors.ErrorTypeConfig, "server.addr is required")
	}
	if c.Credentials.EncryptionKey == "" {
		return errors.New(errors.ErrorTypeConfig, "credentials.encryption_key is required")
	}
	if c.Sync.Workers <= 0 {
		return errors.New(errors.ErrorTypeConfig, "sync.workers must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New(errors.ErrorTypeConfig, "sync.batch_size must be positive")
	}
	switch c.Sync.MergeTieBreak {
	case "source", "target":
	default:
		return errors.New(errors.ErrorTypeConfig, "sync.merge_tie_break must be source or target")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(errors.ErrorTypeConfig, "logging.level must be debug, info, warn or error")
	}
	return nil
}

// EncryptionKeyBytes decodes the configured key into raw bytes.
// Accepts 64 hex characters or base64 for a 32-byte key.
func (c *CredentialsConfig) EncryptionKeyBytes() ([]byte, error) {
	return decodeKey(c.EncryptionKey)
}
