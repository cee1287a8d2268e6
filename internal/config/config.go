// Package config provides configuration management for appstrap.
//
// Configuration is read from environment variables carrying the APP_ prefix.
// Nested keys map to variable names by upper-casing and replacing dots with
// underscores, so "tick.interval" is read from APP_TICK_INTERVAL. Any key
// whose variable is absent falls back to the value in DefaultConfig.
//
// Load parses the environment once per process and caches the result; Get
// returns the cached value to call sites that cannot handle an error.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	apperrors "github.com/bebsworthy/appstrap/internal/errors"
)

// EnvPrefix is prepended (with an underscore) to every configuration key.
const EnvPrefix = "APP"

// Config represents the complete appstrap configuration
type Config struct {
	SomePath        string        `mapstructure:"some_path" validate:"required,nonul"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	Tick            TickConfig    `mapstructure:"tick"`
	Logging         LoggingConfig `mapstructure:"logging"`
	Metrics         MetricsConfig `mapstructure:"metrics"`
}

// TickConfig controls the sample tick subsystem
type TickConfig struct {
	Count    int           `mapstructure:"count" validate:"min=0"`
	Interval time.Duration `mapstructure:"interval" validate:"min=0"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=text json"`
	OutputFile string `mapstructure:"output_file"`
	Verbose    bool   `mapstructure:"verbose"`
}

// MetricsConfig contains metrics endpoint configuration.
// An empty Addr disables the endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		SomePath:        "/some/path",
		ShutdownTimeout: 1000 * time.Millisecond,
		Tick: TickConfig{
			Count:    3,
			Interval: 1 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Keys returns every configuration key in display order
func Keys() []string {
	return []string{
		"some_path",
		"shutdown_timeout",
		"tick.count",
		"tick.interval",
		"logging.level",
		"logging.format",
		"logging.output_file",
		"logging.verbose",
		"metrics.addr",
	}
}

// LoadFromEnvironment extracts the configuration from environment variables.
// It never consults the cache.
func LoadFromEnvironment() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, apperrors.ConfigError(apperrors.CodeConfigLoad, "Failed to load config from env", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, apperrors.ConfigError(apperrors.CodeConfigInvalid, "Invalid configuration", err)
	}

	return &config, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("some_path", defaults.SomePath)
	v.SetDefault("shutdown_timeout", defaults.ShutdownTimeout)

	v.SetDefault("tick.count", defaults.Tick.Count)
	v.SetDefault("tick.interval", defaults.Tick.Interval)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output_file", defaults.Logging.OutputFile)
	v.SetDefault("logging.verbose", defaults.Logging.Verbose)

	v.SetDefault("metrics.addr", defaults.Metrics.Addr)
}

var validate = newValidator()

// newValidator reports fields by their configuration key and adds the
// "nonul" tag rejecting strings that contain a NUL byte.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		return field.Tag.Get("mapstructure")
	})
	if err := v.RegisterValidation("nonul", func(fl validator.FieldLevel) bool {
		return !strings.ContainsRune(fl.Field().String(), 0)
	}); err != nil {
		panic(err)
	}
	return v
}

// validateConfig normalizes the case of enumerated values and validates the
// loaded configuration
func validateConfig(config *Config) error {
	config.Logging.Level = strings.ToLower(config.Logging.Level)
	config.Logging.Format = strings.ToLower(config.Logging.Format)

	err := validate.Struct(config)

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		// Namespace is "Config.tick.count"; drop the root type name.
		_, key, _ := strings.Cut(fe.Namespace(), ".")
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		msgs = append(msgs, fmt.Sprintf("%s must satisfy %q, got %q", key, rule, fmt.Sprint(fe.Value())))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// GetEnvVarName returns the environment variable name for a config key
func GetEnvVarName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Process-wide cache

var cached = newCache()

func newCache() func() (*Config, error) {
	return sync.OnceValues(LoadFromEnvironment)
}

// Load returns the process-wide configuration, reading the environment on the
// first call only. Every later call returns the same *Config and error.
func Load() (*Config, error) {
	return cached()
}

// Get returns the cached configuration. It panics if loading failed, so the
// entry point should call Load first to report errors cleanly.
func Get() *Config {
	config, err := cached()
	if err != nil {
		panic(fmt.Sprintf("config: Get called after failed load: %v", err))
	}
	return config
}
