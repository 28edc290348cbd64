// Package config loads the coordinator's configuration from a YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host        string   `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port        int      `json:"port" yaml:"port" env:"SERVER_PORT"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins"`
}

// DatabaseType selects the persistence backend.
type DatabaseType string

const (
	DatabaseInternal   DatabaseType = "internal"
	DatabasePostgreSQL DatabaseType = "postgresql"
)

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Type        DatabaseType `json:"type" yaml:"type" env:"DATABASE_TYPE"`
	URL         string       `json:"url" yaml:"url" env:"DATABASE_URL"`
	PoolMinSize int          `json:"pool_min_size" yaml:"pool_min_size" env:"DATABASE_POOL_MIN_SIZE"`
	PoolMaxSize int          `json:"pool_max_size" yaml:"pool_max_size" env:"DATABASE_POOL_MAX_SIZE"`
}

// SecurityConfig controls auth token signing.
type SecurityConfig struct {
	JWTSecretKey     string `json:"jwt_secret_key" yaml:"jwt_secret_key" env:"SECURITY_JWT_SECRET_KEY"`
	TokenExpiryHours int    `json:"token_expiry_hours" yaml:"token_expiry_hours" env:"SECURITY_TOKEN_EXPIRY_HOURS"`
	AdminTokens      []string `json:"admin_tokens" yaml:"admin_tokens"`
}

// APIConfig controls HTTP surface behavior not covered elsewhere.
type APIConfig struct {
	RateLimitPerMinute int `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute" env:"API_RATE_LIMIT_PER_MINUTE"`
}

// FeaturesConfig toggles optional subsystems.
type FeaturesConfig struct {
	RepositoryAnalysis bool `json:"repository_analysis" yaml:"repository_analysis" env:"FEATURES_REPOSITORY_ANALYSIS"`
	AutoCleanup        bool `json:"auto_cleanup" yaml:"auto_cleanup" env:"FEATURES_AUTO_CLEANUP"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Structured bool   `json:"structured" yaml:"structured" env:"LOG_STRUCTURED"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Security SecurityConfig `json:"security" yaml:"security"`
	API      APIConfig      `json:"api" yaml:"api"`
	Features FeaturesConfig `json:"features" yaml:"features"`
	Log      LoggingConfig  `json:"log" yaml:"log"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Type:        DatabaseInternal,
			PoolMinSize: 2,
			PoolMaxSize: 10,
		},
		Security: SecurityConfig{
			TokenExpiryHours: 30 * 24,
		},
		API: APIConfig{
			RateLimitPerMinute: 120,
		},
		Features: FeaturesConfig{
			RepositoryAnalysis: true,
			AutoCleanup:        true,
		},
		Log: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file, applying defaults first.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// placeholderSecrets are values operators sometimes leave in checked-in
// sample configs; none of them are acceptable at startup.
var placeholderSecrets = map[string]bool{
	"":                  true,
	"changeme":          true,
	"change-me":         true,
	"secret":            true,
	"your-secret-here":  true,
}

// Validate enforces the fatal configuration invariants: a missing,
// placeholder or under-32-byte JWT secret is refused, the database type must
// be known, and postgresql requires a url.
func (c *Config) Validate() error {
	secret := strings.TrimSpace(c.Security.JWTSecretKey)
	if placeholderSecrets[strings.ToLower(secret)] {
		return fmt.Errorf("security.jwt_secret_key is missing or a placeholder value")
	}
	if len(secret) < 32 {
		return fmt.Errorf("security.jwt_secret_key must be at least 32 bytes, got %d", len(secret))
	}
	switch c.Database.Type {
	case DatabaseInternal, DatabasePostgreSQL:
	default:
		return fmt.Errorf("database.type must be %q or %q, got %q", DatabaseInternal, DatabasePostgreSQL, c.Database.Type)
	}
	if c.Database.Type == DatabasePostgreSQL && strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("database.url is required when database.type is %q", DatabasePostgreSQL)
	}
	return nil
}
