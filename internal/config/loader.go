package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files, environment
// variables, or remote configuration services.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	// It returns the parsed configuration or an error if loading fails.
	Load(ctx context.Context) (*Config, error)
}

// envPrefix namespaces the environment overrides, e.g.
// TASKCORE_POSTGRES_URL overrides postgres.url.
const envPrefix = "TASKCORE"

// FileLoader loads configuration from a YAML file with environment variable
// overrides layered on top. It implements the Loader interface.
type FileLoader struct {
	// path is the filesystem path to the configuration file. Empty means
	// environment-only configuration.
	path string

	validate *validator.Validate
}

var _ Loader = (*FileLoader)(nil)

// NewFileLoader creates a FileLoader for the given config file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path, validate: validator.New()}
}

// Load reads the configuration file, applies environment overrides, fills
// defaults, and validates the result.
func (l *FileLoader) Load(ctx context.Context) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// AutomaticEnv only resolves keys viper knows about; binding each key
	// explicitly makes env-only configuration work without a file.
	for _, key := range []string{
		"postgres.url", "postgres.max_conns",
		"redis.addr", "redis.password", "redis.db",
		"lock.default_timeout",
		"telemetry.endpoint", "telemetry.sample_rate",
		"maintenance.enabled",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.normalize()
	if err := l.validate.StructCtx(ctx, cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
