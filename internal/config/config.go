// Package config loads and validates pgwireemu's runtime configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for a pgwireemu server.
type Config struct {
	Listen  ListenConfig  `mapstructure:"listen"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Version string        `mapstructure:"version"`
}

// ListenConfig controls the TCP listener and per-connection limits.
type ListenConfig struct {
	Address             string        `mapstructure:"address"`
	MaxConnections      int           `mapstructure:"max_connections"`
	MaxMessageSize      int           `mapstructure:"max_message_size"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	TLSCertFile         string        `mapstructure:"tls_cert_file"`
	TLSKeyFile          string        `mapstructure:"tls_key_file"`
}

// AuthConfig selects the authentication strategy advertised to clients.
type AuthConfig struct {
	// Method is one of "trust" (no authentication), "cleartext", or "md5".
	Method   string `mapstructure:"method"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// LogConfig controls slog's handler and minimum level.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// DefaultConfig returns sensible defaults, overridden by whatever Load finds
// in a config file or the environment.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:             "0.0.0.0:5432",
			MaxConnections:       100,
			MaxMessageSize:       1 << 20,
			ShutdownGracePeriod:  10 * time.Second,
		},
		Auth: AuthConfig{
			Method: "trust",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "127.0.0.1:9090",
		},
		Version: "15.1.0",
	}
}

// Load reads configuration from the defaults above, an optional file, and
// environment variables (prefixed PGWIREEMU_, with "." replaced by "_"), in
// increasing order of precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	bindDefaults(v, DefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("pgwireemu")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pgwireemu")
	}

	v.SetEnvPrefix("pgwireemu")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func bindDefaults(v *viper.Viper, defaults *Config) {
	v.SetDefault("listen.address", defaults.Listen.Address)
	v.SetDefault("listen.max_connections", defaults.Listen.MaxConnections)
	v.SetDefault("listen.max_message_size", defaults.Listen.MaxMessageSize)
	v.SetDefault("listen.shutdown_grace_period", defaults.Listen.ShutdownGracePeriod)
	v.SetDefault("auth.method", defaults.Auth.Method)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	v.SetDefault("metrics.address", defaults.Metrics.Address)
	v.SetDefault("version", defaults.Version)
}

// Validate rejects configurations that would leave the server unable to
// start or in an ambiguous authentication state.
func (c *Config) Validate() error {
	if c.Listen.Address == "" {
		return errors.New("listen.address is required")
	}

	switch c.Auth.Method {
	case "trust", "cleartext", "md5":
	default:
		return fmt.Errorf("auth.method must be one of trust, cleartext, md5, got %q", c.Auth.Method)
	}

	if c.Auth.Method != "trust" && c.Auth.Username == "" {
		return fmt.Errorf("auth.username is required when auth.method is %q", c.Auth.Method)
	}

	if (c.Listen.TLSCertFile == "") != (c.Listen.TLSKeyFile == "") {
		return errors.New("listen.tls_cert_file and listen.tls_key_file must be set together")
	}

	return nil
}
