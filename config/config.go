// Package config loads the daemon configuration and the bootstrap catalogue
// of contracts, stages, modules and fallback policies.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/stagectl/eventlog"
	"github.com/GoCodeAlone/stagectl/health"
	"github.com/GoCodeAlone/stagectl/store"
)

// Static errors for the config package
var (
	ErrConfigNil                  = errors.New("config cannot be nil")
	ErrConfigNotPointer           = errors.New("config must be a pointer to a struct")
	ErrConfigRequiredFieldMissing = errors.New("required configuration field missing")
	ErrUnsupportedTypeForDefault  = errors.New("unsupported type for default value")
	ErrUnsupportedFormat          = errors.New("unsupported configuration file format")
	ErrInvalidConfig              = errors.New("invalid configuration")
)

// Config is the daemon configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http" toml:"http" json:"http"`
	Store     StoreConfig     `yaml:"store" toml:"store" json:"store"`
	Bootstrap BootstrapConfig `yaml:"bootstrap" toml:"bootstrap" json:"bootstrap"`
	Log       LogConfig       `yaml:"log" toml:"log" json:"log"`
	EventLog  eventlog.Config `yaml:"eventlog" toml:"eventlog" json:"eventlog"`
	Health    HealthConfig    `yaml:"health" toml:"health" json:"health"`
	Fallback  FallbackConfig  `yaml:"fallback" toml:"fallback" json:"fallback"`
	Pipeline  PipelineConfig  `yaml:"pipeline" toml:"pipeline" json:"pipeline"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth" json:"auth"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" toml:"addr" json:"addr" default:":8080" required:"true" desc:"Listen address"`
	ReadTimeout     time.Duration `yaml:"readTimeout" toml:"readTimeout" json:"readTimeout" default:"15s" desc:"Request read timeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" toml:"writeTimeout" json:"writeTimeout" default:"30s" desc:"Response write timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" toml:"shutdownTimeout" json:"shutdownTimeout" default:"10s" desc:"Graceful shutdown bound"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver" toml:"driver" json:"driver" default:"memory" desc:"memory, sqlite or postgres"`
	DSN    string `yaml:"dsn" toml:"dsn" json:"dsn" desc:"Data source name for sqlite or postgres"`
}

// BootstrapConfig points at the static catalogue.
type BootstrapConfig struct {
	Path  string `yaml:"path" toml:"path" json:"path" required:"true" desc:"Bootstrap catalogue file"`
	Watch bool   `yaml:"watch" toml:"watch" json:"watch" desc:"Apply module availability changes from the file"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level" default:"info" desc:"debug, info, warn or error"`
	Format string `yaml:"format" toml:"format" json:"format" default:"text" desc:"text or json"`
}

// HealthConfig configures module probing.
type HealthConfig struct {
	Schedule    string        `yaml:"schedule" toml:"schedule" json:"schedule" default:"@every 30s" desc:"Cron spec for probe rounds"`
	Timeout     time.Duration `yaml:"timeout" toml:"timeout" json:"timeout" default:"5s" desc:"Per-probe timeout"`
	Concurrency int           `yaml:"concurrency" toml:"concurrency" json:"concurrency" default:"4" desc:"Probes run at once"`
}

// FallbackConfig configures the per-module circuit breaker.
type FallbackConfig struct {
	FailureThreshold int           `yaml:"failureThreshold" toml:"failureThreshold" json:"failureThreshold" default:"5" desc:"Consecutive failures that open a module's circuit"`
	ResetTimeout     time.Duration `yaml:"resetTimeout" toml:"resetTimeout" json:"resetTimeout" default:"30s" desc:"Open circuit wait before a trial invocation"`
}

// PipelineConfig configures document runs.
type PipelineConfig struct {
	StageTimeout time.Duration `yaml:"stageTimeout" toml:"stageTimeout" json:"stageTimeout" default:"60s" desc:"Bound on one module invocation"`
}

// AuthConfig configures role extraction at the API boundary.
type AuthConfig struct {
	JWTSecret        string `yaml:"jwtSecret" toml:"jwtSecret" json:"jwtSecret" desc:"HS256 secret for bearer tokens"`
	AllowHeaderRoles bool   `yaml:"allowHeaderRoles" toml:"allowHeaderRoles" json:"allowHeaderRoles" desc:"Trust X-Stagectl-Role and X-Stagectl-Actor headers"`
}

// Validate checks values that tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case store.DriverMemory:
	case store.DriverSQLite, store.DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: %w", c.Store.Driver, store.ErrUnknownDriver))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}

	if err := c.EventLog.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("eventlog: %w", err))
	}
	if err := health.ValidateSchedule(c.Health.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("health.schedule: %w", err))
	}
	if c.Health.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("health.concurrency must be at least 1"))
	}
	if c.Fallback.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("fallback.failureThreshold must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
