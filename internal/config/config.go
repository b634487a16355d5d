package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
	Outlets  OutletsConfig  `mapstructure:"outlets"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host" validate:"required"`
	Port           int    `mapstructure:"port" validate:"gt=0"`
	Name           string `mapstructure:"name" validate:"required"`
	User           string `mapstructure:"user" validate:"required"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode" validate:"oneof=disable require verify-ca verify-full"`
	MaxConnections int    `mapstructure:"max_connections" validate:"gte=4"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration. Redis is optional; leave Host empty to disable it.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis host is configured
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text console"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	Tokens       TokenConfig        `mapstructure:"tokens"`
	Password     PasswordConfig     `mapstructure:"password"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	CSRF         CSRFConfig         `mapstructure:"csrf"`
	APIKeys      APIKeyConfig       `mapstructure:"api_keys"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Sweep        SweepConfig        `mapstructure:"sweep"`
	CORS         CORSConfig         `mapstructure:"cors"`
}

// TokenConfig holds JWT configuration. Tokens are HS256-signed with Secret,
// which has no default and must be supplied.
type TokenConfig struct {
	Secret         string        `mapstructure:"secret" validate:"required,min=32"`
	Issuer         string        `mapstructure:"issuer" validate:"required"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl" validate:"gt=0"`
}

// PasswordConfig holds Argon2id parameters for login verification of newly hashed passwords
type PasswordConfig struct {
	Argon2Memory      uint32 `mapstructure:"argon2_memory" validate:"gt=0"`
	Argon2Iterations  uint32 `mapstructure:"argon2_iterations" validate:"gt=0"`
	Argon2Parallelism uint8  `mapstructure:"argon2_parallelism" validate:"gt=0"`
}

// RateLimitingConfig holds sliding-window rate limiting configuration
type RateLimitingConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	PerMinute     int           `mapstructure:"per_minute" validate:"gt=0"`
	PerHour       int           `mapstructure:"per_hour" validate:"gtefield=PerMinute"`
	AuthPerHour   int           `mapstructure:"auth_per_hour" validate:"gt=0"`
	BlockDuration time.Duration `mapstructure:"block_duration" validate:"gt=0"`
	AuthPatterns  []string      `mapstructure:"auth_patterns" validate:"dive,required"`
}

// CSRFConfig holds CSRF token configuration
type CSRFConfig struct {
	TokenTTL         time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	MaxTokensPerUser int           `mapstructure:"max_tokens_per_user" validate:"gt=0"`
}

// APIKeyConfig holds API key lifecycle configuration
type APIKeyConfig struct {
	Lifetime         time.Duration `mapstructure:"lifetime" validate:"gt=0"`
	GracePeriod      time.Duration `mapstructure:"grace_period" validate:"gt=0"`
	RotationWarnDays int           `mapstructure:"rotation_warn_days" validate:"gt=0"`
}

// AuditConfig holds audit store configuration
type AuditConfig struct {
	Capacity int `mapstructure:"capacity" validate:"gt=0"`
	// RedisStream mirrors every entry into this Redis stream when set and Redis is enabled
	RedisStream string `mapstructure:"redis_stream"`
	// RedisStreamMaxLen caps the mirrored stream (approximate trimming)
	RedisStreamMaxLen int64 `mapstructure:"redis_stream_max_len" validate:"gte=0"`
}

// SweepConfig controls the periodic maintenance sweep. Expiry is evaluated lazily
// regardless; the sweep only reclaims memory.
type SweepConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

// CORSConfig holds the allowed browser origins
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// OutletsConfig holds outlet directory configuration
type OutletsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
}

// Load reads configuration from .env, config file and environment variables
func Load() (*Config, error) {
	// .env is optional; variables already set in the environment win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/cafeguard")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("CAFEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration built from defaults only, with a random
// token secret so that tokens signed under it cannot be forged elsewhere.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode
	_ = v.Unmarshal(&cfg)

	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	cfg.Security.Tokens.Secret = hex.EncodeToString(secret)
	return &cfg
}

// Validate checks the configuration against its validate tags
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "cafeguard")
	v.SetDefault("database.user", "cafeguard")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)

	// Redis defaults (disabled unless a host is set)
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Security defaults
	// Registered empty so the environment binds; Validate rejects it unset
	v.SetDefault("security.tokens.secret", "")
	v.SetDefault("security.tokens.issuer", "cafeguard")
	v.SetDefault("security.tokens.access_token_ttl", "8h")

	v.SetDefault("security.password.argon2_memory", 65536)
	v.SetDefault("security.password.argon2_iterations", 3)
	v.SetDefault("security.password.argon2_parallelism", 4)

	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.per_minute", 600)
	v.SetDefault("security.rate_limiting.per_hour", 10000)
	v.SetDefault("security.rate_limiting.auth_per_hour", 10)
	v.SetDefault("security.rate_limiting.block_duration", "5m")
	v.SetDefault("security.rate_limiting.auth_patterns", []string{"login", "register"})

	v.SetDefault("security.csrf.token_ttl", "60m")
	v.SetDefault("security.csrf.max_tokens_per_user", 10)

	v.SetDefault("security.api_keys.lifetime", "2160h")
	v.SetDefault("security.api_keys.grace_period", "720h")
	v.SetDefault("security.api_keys.rotation_warn_days", 7)

	v.SetDefault("security.audit.capacity", 10000)
	v.SetDefault("security.audit.redis_stream", "")
	v.SetDefault("security.audit.redis_stream_max_len", 100000)

	v.SetDefault("security.sweep.enabled", true)
	v.SetDefault("security.sweep.interval", "5m")

	v.SetDefault("security.cors.allowed_origins", []string{"http://localhost:4200"})

	// Outlet directory defaults
	v.SetDefault("outlets.cache_ttl", "1m")
}
