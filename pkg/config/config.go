package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/idrelay/idrelay/pkg/engine"
	"github.com/idrelay/idrelay/pkg/telemetry"
)

// Config is the root configuration for the idrelay daemon.
type Config struct {
	// Engine configures the synchronization engine.
	Engine EngineConfig `yaml:"engine"`

	// Repository configures the identity repository.
	Repository RepositoryConfig `yaml:"repository"`

	// Templates configures the identity template store.
	Templates TemplatesConfig `yaml:"templates"`

	// Policies configures the reaction policy rules.
	Policies PoliciesConfig `yaml:"policies"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// EngineConfig configures the synchronization engine.
type EngineConfig struct {
	// Workers is the number of concurrent event workers.
	Workers int `yaml:"workers" validate:"gte=0"`

	// QueueSize bounds the inbound event queue.
	QueueSize int `yaml:"queue_size" validate:"gte=0"`

	// LockWait bounds the advisory lock wait per key.
	LockWait time.Duration `yaml:"lock_wait"`

	// RepositoryTimeout bounds each repository round trip.
	RepositoryTimeout time.Duration `yaml:"repository_timeout"`

	// DefaultTemplateID is the identity template applied when an event does
	// not name one. Empty means no template is applied.
	DefaultTemplateID string `yaml:"default_template_id"`

	// ExpressionTimeout bounds each mapping or template expression.
	ExpressionTimeout time.Duration `yaml:"expression_timeout"`

	// Mappings are the inbound attribute mappings, evaluated in order.
	Mappings []engine.InboundMapping `yaml:"mappings" validate:"dive"`
}

// RepositoryConfig configures the identity repository.
type RepositoryConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" validate:"required"`

	// NaturalKey is the identity attribute enforced unique.
	NaturalKey string `yaml:"natural_key"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TemplatesConfig configures the identity template store.
type TemplatesConfig struct {
	// Dir is the directory of YAML template files.
	Dir string `yaml:"dir"`

	// Watch reloads templates when files change.
	Watch bool `yaml:"watch"`
}

// PoliciesConfig configures the reaction policy rules.
type PoliciesConfig struct {
	// Dir is a directory of .rego rule files layered over the built-in
	// rule set. Empty keeps only the built-in rules.
	Dir string `yaml:"dir"`
}

// Default returns a development-friendly configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers:           4,
			QueueSize:         256,
			LockWait:          10 * time.Second,
			RepositoryTimeout: 5 * time.Second,
			ExpressionTimeout: 5 * time.Second,
		},
		Repository: RepositoryConfig{
			Path:       "idrelay.db",
			NaturalKey: "name",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads a YAML configuration file over the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	for i, m := range c.Engine.Mappings {
		if m.Source == "" && m.Expression == "" {
			return fmt.Errorf("mapping %d (target %q): one of source or expression must be set", i, m.Target)
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry config: %w", err)
	}
	return nil
}
