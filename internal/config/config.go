// Package config defines the worker configuration and its loaders.
package config

import "time"

// Config represents the top-level worker configuration.
type Config struct {
	Postgres    PostgresConfig    `yaml:"postgres" mapstructure:"postgres" validate:"required"`
	Redis       RedisConfig       `yaml:"redis" mapstructure:"redis" validate:"required"`
	Lock        LockConfig        `yaml:"lock" mapstructure:"lock"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" mapstructure:"telemetry"`
	Maintenance MaintenanceConfig `yaml:"maintenance" mapstructure:"maintenance"`
}

// PostgresConfig holds the durable store connection settings.
type PostgresConfig struct {
	// URL is a pgx connection string or DSN.
	URL string `yaml:"url" mapstructure:"url" validate:"required"`

	// MaxConns caps the pool; zero takes the pgxpool default.
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
}

// RedisConfig holds the fast store and lock backend settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr" validate:"required"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"gte=0"`
}

// LockConfig tunes distributed lock acquisition.
type LockConfig struct {
	// DefaultTimeout bounds both the blocking wait and the lock TTL when a
	// caller does not specify one.
	DefaultTimeout time.Duration `yaml:"default_timeout" mapstructure:"default_timeout" validate:"gte=0"`
}

// TelemetryConfig holds the OTLP export settings.
type TelemetryConfig struct {
	// Endpoint is the OTLP gRPC collector address; empty disables export.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`

	// SampleRate is the trace sampling probability in [0, 1].
	SampleRate float64 `yaml:"sample_rate" mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

// MaintenanceConfig toggles the background cleanup jobs.
type MaintenanceConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// Default lock timeout when the config leaves it unset.
const defaultLockTimeout = 30 * time.Second

// normalize fills in defaults for optional fields left at their zero value.
func (c *Config) normalize() {
	if c.Lock.DefaultTimeout == 0 {
		c.Lock.DefaultTimeout = defaultLockTimeout
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1
	}
}
