// Package config handles application configuration.
package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends selectable through RATE_LIMIT_STORE.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	App      AppConfig
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Rate     RateLimitConfig
	Admin    AdminConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Env      string
	LogLevel string
}

// IsDevelopment returns true if the app is running in development mode.
func (a AppConfig) IsDevelopment() bool {
	return a.Env == "development" || a.Env == "dev"
}

// IsProduction returns true if the app is running in production mode.
func (a AppConfig) IsProduction() bool {
	return a.Env == "production" || a.Env == "prod"
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Address returns the server address in host:port format.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

// Address returns the Redis address in host:port format.
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Store           string
	SQLitePath      string
	FailClosed      bool
	TrustProxy      bool     // Resolve identity from proxy headers rather than the peer address
	TrustedProxies  []string // Peers allowed to set proxy headers; empty trusts all
	CleanupInterval time.Duration
	CheckTimeout    time.Duration
}

// AdminConfig holds management API configuration.
type AdminConfig struct {
	// Token is the bearer token for /admin routes. Empty disables them.
	Token string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{}

	// App config
	cfg.App.Env = strings.ToLower(v.GetString("APP_ENV"))
	cfg.App.LogLevel = strings.ToLower(v.GetString("LOG_LEVEL"))

	// Server config
	cfg.Server.Host = v.GetString("SERVER_HOST")

	port, err := getInt(v, "SERVER_PORT")
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}
	cfg.Server.Port = port

	readTimeout, err := getDuration(v, "SERVER_READ_TIMEOUT")
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_READ_TIMEOUT: %w", err)
	}
	cfg.Server.ReadTimeout = readTimeout

	writeTimeout, err := getDuration(v, "SERVER_WRITE_TIMEOUT")
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_WRITE_TIMEOUT: %w", err)
	}
	cfg.Server.WriteTimeout = writeTimeout

	shutdownTimeout, err := getDuration(v, "SERVER_SHUTDOWN_TIMEOUT")
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_SHUTDOWN_TIMEOUT: %w", err)
	}
	cfg.Server.ShutdownTimeout = shutdownTimeout

	// Database config
	cfg.Database.Host = v.GetString("DB_HOST")
	dbPort, err := getInt(v, "DB_PORT")
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	cfg.Database.Port = dbPort
	cfg.Database.User = v.GetString("DB_USER")
	cfg.Database.Password = v.GetString("DB_PASSWORD")
	cfg.Database.DBName = v.GetString("DB_NAME")
	cfg.Database.SSLMode = v.GetString("DB_SSLMODE")

	maxOpenConns, err := getInt(v, "DB_MAX_OPEN_CONNS")
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}
	cfg.Database.MaxOpenConns = maxOpenConns

	maxIdleConns, err := getInt(v, "DB_MAX_IDLE_CONNS")
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}
	cfg.Database.MaxIdleConns = maxIdleConns

	connMaxLifetime, err := getDuration(v, "DB_CONN_MAX_LIFETIME")
	if err != nil {
		return nil, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}
	cfg.Database.ConnMaxLifetime = connMaxLifetime

	// Redis config
	cfg.Redis.Host = v.GetString("REDIS_HOST")
	redisPort, err := getInt(v, "REDIS_PORT")
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.Redis.Port = redisPort
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	redisDB, err := getInt(v, "REDIS_DB")
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.Redis.DB = redisDB
	redisPoolSize, err := getInt(v, "REDIS_POOL_SIZE")
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_POOL_SIZE: %w", err)
	}
	cfg.Redis.PoolSize = redisPoolSize
	cfg.Redis.KeyPrefix = v.GetString("REDIS_KEY_PREFIX")

	// Rate limit config
	cfg.Rate.Store = strings.ToLower(v.GetString("RATE_LIMIT_STORE"))
	cfg.Rate.SQLitePath = v.GetString("RATE_LIMIT_SQLITE_PATH")

	failClosed, err := getBool(v, "RATE_LIMIT_FAIL_CLOSED")
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_FAIL_CLOSED: %w", err)
	}
	cfg.Rate.FailClosed = failClosed

	trustProxy, err := getBool(v, "TRUST_PROXY")
	if err != nil {
		return nil, fmt.Errorf("invalid TRUST_PROXY: %w", err)
	}
	cfg.Rate.TrustProxy = trustProxy
	cfg.Rate.TrustedProxies = getList(v, "RATE_LIMIT_TRUSTED_PROXIES")

	cleanupInterval, err := getDuration(v, "RATE_LIMIT_CLEANUP_INTERVAL")
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_CLEANUP_INTERVAL: %w", err)
	}
	cfg.Rate.CleanupInterval = cleanupInterval

	checkTimeout, err := getDuration(v, "RATE_LIMIT_CHECK_TIMEOUT")
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_CHECK_TIMEOUT: %w", err)
	}
	cfg.Rate.CheckTimeout = checkTimeout

	// Admin config
	cfg.Admin.Token = strings.TrimSpace(v.GetString("ADMIN_API_TOKEN"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	switch c.Rate.Store {
	case StorePostgres, StoreRedis, StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("config: RATE_LIMIT_STORE must be one of postgres, redis, sqlite, memory; got %q", c.Rate.Store)
	}
	if c.Rate.Store == StoreSQLite && c.Rate.SQLitePath == "" {
		return fmt.Errorf("config: RATE_LIMIT_SQLITE_PATH is required for the sqlite store")
	}
	if c.Rate.CleanupInterval < 0 {
		return fmt.Errorf("config: RATE_LIMIT_CLEANUP_INTERVAL must not be negative")
	}
	for _, p := range c.Rate.TrustedProxies {
		if !validProxy(p) {
			return fmt.Errorf("config: RATE_LIMIT_TRUSTED_PROXIES entry %q is not an address or CIDR prefix", p)
		}
	}
	if c.Admin.Token == "change-me" {
		return fmt.Errorf("config: ADMIN_API_TOKEN must be changed from default value")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.App.LogLevel] {
		return fmt.Errorf("config: LOG_LEVEL must be one of: debug, info, warn, error; got %q", c.App.LogLevel)
	}

	return nil
}

// DatabaseEnabled returns true if database configuration is provided.
func (c *Config) DatabaseEnabled() bool {
	return c.Database.Host != "" && c.Database.Password != ""
}

// RedisEnabled returns true if Redis configuration is provided.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

// StoreConfigured reports whether the selected rate limit store has the
// connection details it needs.
func (c *Config) StoreConfigured() bool {
	switch c.Rate.Store {
	case StorePostgres:
		return c.DatabaseEnabled()
	case StoreRedis:
		return c.RedisEnabled()
	case StoreSQLite:
		return c.Rate.SQLitePath != ""
	case StoreMemory:
		return true
	default:
		return false
	}
}

// RateLimitEnabled returns true when the limiter should be enforced: the
// store is configured and the app runs in production. Outside production the
// limiter is inert.
func (c *Config) RateLimitEnabled() bool {
	return c.StoreConfigured() && c.App.IsProduction()
}

// AdminEnabled returns true if the management API should be mounted.
func (c *Config) AdminEnabled() bool {
	return c.Admin.Token != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_READ_TIMEOUT", "5s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	v.SetDefault("SERVER_SHUTDOWN_TIMEOUT", "30s")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "slotkeeper")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_NAME", "slotkeeper")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", "25")
	v.SetDefault("DB_MAX_IDLE_CONNS", "5")
	v.SetDefault("DB_CONN_MAX_LIFETIME", "5m")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", "0")
	v.SetDefault("REDIS_POOL_SIZE", "10")
	v.SetDefault("REDIS_KEY_PREFIX", "ratelimit")

	v.SetDefault("RATE_LIMIT_STORE", StorePostgres)
	v.SetDefault("RATE_LIMIT_SQLITE_PATH", "")
	v.SetDefault("RATE_LIMIT_FAIL_CLOSED", "false")
	v.SetDefault("TRUST_PROXY", "true")
	v.SetDefault("RATE_LIMIT_TRUSTED_PROXIES", "")
	v.SetDefault("RATE_LIMIT_CLEANUP_INTERVAL", "15m")
	v.SetDefault("RATE_LIMIT_CHECK_TIMEOUT", "2s")

	v.SetDefault("ADMIN_API_TOKEN", "")
}

// getInt returns the value as an integer.
func getInt(v *viper.Viper, key string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(v.GetString(key)))
}

// getBool returns the value as a boolean.
func getBool(v *viper.Viper, key string) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(v.GetString(key)))
}

// getDuration returns the value as a duration.
func getDuration(v *viper.Viper, key string) (time.Duration, error) {
	return time.ParseDuration(strings.TrimSpace(v.GetString(key)))
}

// getList returns a comma separated value as trimmed, non-empty entries.
func getList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range strings.Split(v.GetString(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func validProxy(s string) bool {
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
