/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcmiddleware

import (
	"time"

	"github.com/acronis/go-appkit/config"
)

const cfgDefaultKeyPrefix = "grpcMiddleware"

const (
	cfgKeyTracingEnabled       = "tracing.enabled"
	cfgKeyLogCallStart         = "log.callStart"
	cfgKeyLogExcludedMethods   = "log.excludedMethods"
	cfgKeyLogSlowCallThreshold = "log.slowCallThreshold"
)

// Config represents a set of configuration parameters for Dispatcher.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
	Log     LogConfig     `mapstructure:"log" yaml:"log" json:"log"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		keyPrefix: opts.keyPrefix,
		Log: LogConfig{
			SlowCallThreshold: config.TimeDuration(defaultSlowCallThreshold),
		},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for Dispatcher in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyTracingEnabled, false)
	dp.SetDefault(cfgKeyLogCallStart, false)
	dp.SetDefault(cfgKeyLogSlowCallThreshold, defaultSlowCallThreshold)
}

// Set sets Dispatcher configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	if err := c.Tracing.Set(dp); err != nil {
		return err
	}
	return c.Log.Set(dp)
}

// TracingConfig represents a set of configuration parameters relating to tracing headers relay.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// Set sets tracing configuration values from config.DataProvider.
func (t *TracingConfig) Set(dp config.DataProvider) error {
	var err error
	if t.Enabled, err = dp.GetBool(cfgKeyTracingEnabled); err != nil {
		return err
	}
	return nil
}

// LogConfig represents a set of configuration parameters relating to call logging.
type LogConfig struct {
	CallStart         bool                `mapstructure:"callStart" yaml:"callStart" json:"callStart"`
	ExcludedMethods   []string            `mapstructure:"excludedMethods" yaml:"excludedMethods" json:"excludedMethods"`
	SlowCallThreshold config.TimeDuration `mapstructure:"slowCallThreshold" yaml:"slowCallThreshold" json:"slowCallThreshold"`
}

// Set sets log configuration values from config.DataProvider.
func (l *LogConfig) Set(dp config.DataProvider) error {
	var err error

	if l.CallStart, err = dp.GetBool(cfgKeyLogCallStart); err != nil {
		return err
	}
	if l.ExcludedMethods, err = dp.GetStringSlice(cfgKeyLogExcludedMethods); err != nil {
		return err
	}

	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyLogSlowCallThreshold); err != nil {
		return err
	}
	l.SlowCallThreshold = config.TimeDuration(dur)

	return nil
}
