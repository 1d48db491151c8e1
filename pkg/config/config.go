package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/permsync/permsync/pkg/observability"
)

// Config holds all application configuration. Server, database, and
// observability settings come from the environment; the policy sources
// (admins, default role, file path, providers) come from a YAML file named
// by PERMSYNC_POLICY_CONFIG.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Observability ObservabilityConfig
	Policy        PolicyConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds policy store database configuration
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite3"
	Driver string

	// URL is the postgres connection string, or the sqlite file path
	URL string

	MaxOpenConns int
	MaxIdleConns int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	// AuditLogPath enables file audit logging when non-empty
	AuditLogPath string
}

// PolicyConfig declares the policy sources reconciled at startup
type PolicyConfig struct {
	// Admin lists the members of the built-in admin role
	Admin AdminPolicyConfig `yaml:"admin"`

	// DefaultRole seeds one role on first startup
	DefaultRole *DefaultRoleConfig `yaml:"defaultRole"`

	// File is the declarative policy file to watch; empty disables it
	File string `yaml:"file"`

	// Providers configures the external role provider refresh
	Providers ProvidersConfig `yaml:"providers"`

	// ValidationCacheSize bounds the entity reference validation cache
	ValidationCacheSize int `yaml:"validationCacheSize"`
}

// AdminPolicyConfig lists the configured admin role members
type AdminPolicyConfig struct {
	Users []string `yaml:"users"`
}

// DefaultRoleConfig seeds one role on first startup
type DefaultRoleConfig struct {
	Name        string                  `yaml:"name"`
	Description string                  `yaml:"description"`
	Members     []string                `yaml:"members"`
	Permissions []DefaultRolePermission `yaml:"permissions"`
}

// DefaultRolePermission is one grant of the seeded role
type DefaultRolePermission struct {
	Resource string `yaml:"resource"`
	Action   string `yaml:"action"`
	Effect   string `yaml:"effect"`
}

// ProvidersConfig configures external role providers
type ProvidersConfig struct {
	// RefreshSchedule is a cron expression; empty disables refresh
	RefreshSchedule string `yaml:"refreshSchedule"`
}

// LoadConfig loads configuration from environment variables and, when
// PERMSYNC_POLICY_CONFIG is set, the policy source file it names.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Observability: loadObservabilityConfig(),
	}

	if path := getEnv("PERMSYNC_POLICY_CONFIG", ""); path != "" {
		policy, err := LoadPolicyConfig(path)
		if err != nil {
			return nil, err
		}
		cfg.Policy = *policy
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadPolicyConfig reads the YAML policy source file at path
func LoadPolicyConfig(path string) (*PolicyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy config %q: %w", path, err)
	}

	var policy PolicyConfig
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy config %q: %w", path, err)
	}
	return &policy, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PERMSYNC_HOST", "0.0.0.0"),
		Port:            getEnv("PERMSYNC_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PERMSYNC_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PERMSYNC_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("PERMSYNC_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PERMSYNC_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("PERMSYNC_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:       getEnv("PERMSYNC_DB_DRIVER", "postgres"),
		URL:          getEnv("PERMSYNC_DB_URL", ""),
		MaxOpenConns: getEnvInt("PERMSYNC_DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns: getEnvInt("PERMSYNC_DB_MAX_IDLE_CONNS", 5),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("PERMSYNC_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("PERMSYNC_METRICS_ENABLED", true),
		AuditLogPath:   getEnv("PERMSYNC_AUDIT_LOG", ""),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database URL is required for the postgres driver")
		}
	case "sqlite3":
		if c.Database.URL == "" {
			return fmt.Errorf("database file path is required for the sqlite3 driver")
		}
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}

	if c.Policy.DefaultRole != nil && c.Policy.DefaultRole.Name == "" {
		return fmt.Errorf("default role name is required when a default role is configured")
	}
	if c.Policy.File != "" {
		if _, err := os.Stat(c.Policy.File); err != nil {
			return fmt.Errorf("policy file %q is not readable: %w", c.Policy.File, err)
		}
	}
	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
