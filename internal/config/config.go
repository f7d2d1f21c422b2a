// Package config loads application settings from config.yaml, .env files
// and MEDIGUARD_* environment variables.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mediguard-intake/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. MEDIGUARD_BACKEND_BASE_URL
const EnvPrefix = "MEDIGUARD"

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v          *viper.Viper
	configFile string
	config     *domain.Config
}

// NewManager creates a new configuration manager reading config.yaml
// from the standard search paths
func NewManager() (*Manager, error) {
	return NewManagerFromFile("")
}

// NewManagerFromFile creates a manager reading an explicit config file.
// An empty path searches ., ./config and /etc/mediguard-intake/.
func NewManagerFromFile(path string) (*Manager, error) {
	// .env is optional
	_ = godotenv.Load()

	m := &Manager{configFile: path}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	v := viper.New()

	if m.configFile != "" {
		v.SetConfigFile(m.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/mediguard-intake/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// comma separated when set from the environment
	config.CORS.AllowedOrigins = splitList(strings.Join(config.CORS.AllowedOrigins, ","))

	m.v = v
	m.config = config
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// setDefaults sets default configuration values. Every key needs a default
// so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "150s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.max_upload_mb", 20)

	// Backend defaults
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("backend.upload_timeout", "120s")
	v.SetDefault("backend.rate_limit", 10)
	v.SetDefault("backend.retry_count", 2)
	v.SetDefault("backend.circuit_breaker.max_requests", 3)
	v.SetDefault("backend.circuit_breaker.interval", "30s")
	v.SetDefault("backend.circuit_breaker.timeout", "60s")
	v.SetDefault("backend.circuit_breaker.failure_threshold", 5)

	// Cache defaults
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.default_ttl", "1h")
	v.SetDefault("cache.memory_size", 256)
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "4s")

	// History defaults
	v.SetDefault("history.driver", "sqlite")
	v.SetDefault("history.sqlite_path", "data/history.db")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "mediguard")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.migrations_path", "migrations")

	// Intake defaults
	v.SetDefault("intake.min_extracted_features", 1)
	v.SetDefault("intake.session_limit", 1000)
	v.SetDefault("intake.operation_timeout", "150s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// CORS defaults
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("cors.max_age", "12h")

	// MCP defaults
	v.SetDefault("mcp.server_name", "mediguard-intake")
	v.SetDefault("mcp.server_version", "1.0.0")
	v.SetDefault("mcp.default_user_id", "mcp-client")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetBackendConfig returns prediction backend configuration
func (m *Manager) GetBackendConfig() *domain.BackendConfig {
	return &m.config.Backend
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Backend.BaseURL == "" {
		return fmt.Errorf("backend base URL is required")
	}
	u, err := url.Parse(config.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid backend base URL: %s", config.Backend.BaseURL)
	}
	if config.Backend.RetryCount < 0 {
		return fmt.Errorf("backend retry count cannot be negative")
	}

	switch config.History.Driver {
	case "sqlite":
		if config.History.SQLitePath == "" {
			return fmt.Errorf("history sqlite path is required")
		}
	case "postgres":
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if config.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if config.Database.Username == "" {
			return fmt.Errorf("database username is required")
		}
	case "none":
	default:
		return fmt.Errorf("invalid history driver: %s", config.History.Driver)
	}

	if config.Intake.MinExtractedFeatures < 1 {
		return fmt.Errorf("intake min_extracted_features must be at least 1")
	}
	if config.Intake.SessionLimit < 1 {
		return fmt.Errorf("intake session_limit must be at least 1")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the database URL used by migrations
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(db.Username, db.Password),
		Host:     fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:     "/" + db.Database,
		RawQuery: "sslmode=" + db.SSLMode,
	}
	return u.String()
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.config.Environment) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(m.config.Environment)
	return env == "development" || env == "dev" || env == ""
}
