package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Backend     BackendConfig  `mapstructure:"backend"`
	Cache       CacheConfig    `mapstructure:"cache"`
	History     HistoryConfig  `mapstructure:"history"`
	Database    DatabaseConfig `mapstructure:"database"`
	Intake      IntakeConfig   `mapstructure:"intake"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	CORS        CORSConfig     `mapstructure:"cors"`
	MCP         MCPConfig      `mapstructure:"mcp"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxUploadMB  int           `mapstructure:"max_upload_mb"`
}

// BackendConfig represents the prediction backend API configuration
type BackendConfig struct {
	BaseURL        string               `mapstructure:"base_url"`
	Timeout        time.Duration        `mapstructure:"timeout"`
	UploadTimeout  time.Duration        `mapstructure:"upload_timeout"`
	RateLimit      int                  `mapstructure:"rate_limit"`
	RetryCount     int                  `mapstructure:"retry_count"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig represents circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

// CacheConfig represents prediction cache configuration.
// An empty RedisURL disables the distributed tier.
type CacheConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MemorySize  int           `mapstructure:"memory_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// HistoryConfig selects the prediction history backend
type HistoryConfig struct {
	Driver     string `mapstructure:"driver"` // "sqlite", "postgres", "none"
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// IntakeConfig tunes the reconciliation workflow
type IntakeConfig struct {
	MinExtractedFeatures int           `mapstructure:"min_extracted_features"`
	SessionLimit         int           `mapstructure:"session_limit"`
	OperationTimeout     time.Duration `mapstructure:"operation_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// CORSConfig lists the browser origins allowed to call the API
type CORSConfig struct {
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	MaxAge         time.Duration `mapstructure:"max_age"`
}

// MCPConfig represents MCP server configuration
type MCPConfig struct {
	ServerName    string `mapstructure:"server_name"`
	ServerVersion string `mapstructure:"server_version"`
	DefaultUserID string `mapstructure:"default_user_id"`
}
