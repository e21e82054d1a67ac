// Package server provides configuration helpers that define runtime defaults,
// validation, and loading for the chatcanvas service.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the server reads, e.g.
// CHATCANVAS_AUTH_SECRET.
const EnvPrefix = "CHATCANVAS"

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// AuthConfig holds the token verification settings.
type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"`
	PoolSize int    `mapstructure:"pool_size"`
}

// CanvasConfig bounds canvas room state.
type CanvasConfig struct {
	MaxHistory int `mapstructure:"max_history"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string          `mapstructure:"port"`
	AllowedOrigins  []string        `mapstructure:"allowed_origins"`
	MaxMessageSize  int64           `mapstructure:"max_message_size"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	Auth            AuthConfig      `mapstructure:"auth"`
	Database        DatabaseConfig  `mapstructure:"database"`
	Canvas          CanvasConfig    `mapstructure:"canvas"`
	Log             LogConfig       `mapstructure:"log"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 16 * 1024,
		RateLimit: RateLimitConfig{
			Burst:          120,
			RefillInterval: time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Database: DatabaseConfig{
			Path: "chatcanvas.db",
		},
		Canvas: CanvasConfig{
			MaxHistory: 5000,
		},
		Log: LogConfig{
			Level: "info",
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = def.Auth.TokenTTL
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = def.Database.Path
	}
	if cfg.Canvas.MaxHistory <= 0 {
		cfg.Canvas.MaxHistory = def.Canvas.MaxHistory
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	cfg.AllowedOrigins = parseOrigins(cfg.AllowedOrigins)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig reads the configuration from defaults, the file at path (if
// path is not empty), CHATCANVAS_* environment variables and flags, later
// sources winning. flags may be nil.
func LoadConfig(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()

	def := defaultConfig()
	v.SetDefault("port", def.Port)
	v.SetDefault("allowed_origins", def.AllowedOrigins)
	v.SetDefault("max_message_size", def.MaxMessageSize)
	v.SetDefault("rate_limit.burst", def.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", def.RateLimit.RefillInterval)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", def.Auth.TokenTTL)
	v.SetDefault("database.path", def.Database.Path)
	v.SetDefault("database.pool_size", 0)
	v.SetDefault("canvas.max_history", def.Canvas.MaxHistory)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.development", false)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		bindings := map[string]string{
			"port":          "addr",
			"database.path": "db",
			"log.level":     "log-level",
		}
		for key, name := range bindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg = sanitizeConfig(cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required (set %s_AUTH_SECRET)", EnvPrefix)
	}
	return nil
}

// parseOrigins trims entries and splits any comma-separated ones, which is
// how a list arrives from a single environment variable.
func parseOrigins(origins []string) []string {
	var out []string
	for _, entry := range origins {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
