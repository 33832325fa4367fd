package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Server ServerConfig
	App    AppConfig
	Cache  CacheConfig
	SyncDB SyncDBConfig
	Sync   SyncConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Name        string `envconfig:"APP_NAME" default:"carelink-sync-api"`
	Environment string `envconfig:"APP_ENV" default:"development"`
	Debug       bool   `envconfig:"APP_DEBUG" default:"false"`
	Version     string `envconfig:"APP_VERSION" default:"1.0.0"`
}

// CacheConfig holds watermark cache settings.
type CacheConfig struct {
	Type string `envconfig:"CACHE_TYPE" default:"memory"` // memory or redis

	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
}

// SyncDBConfig holds sync store settings.
type SyncDBConfig struct {
	Type string `envconfig:"SYNC_DB_TYPE" default:"sqlite"` // sqlite, mysql, or postgres
	Path string `envconfig:"SYNC_DB_PATH" default:"./data/sync.db"`
	// MySQL / PostgreSQL settings
	Host     string `envconfig:"SYNC_DB_HOST" default:"localhost"`
	Port     int    `envconfig:"SYNC_DB_PORT" default:"3306"`
	Name     string `envconfig:"SYNC_DB_NAME" default:"carelink"`
	User     string `envconfig:"SYNC_DB_USER" default:"root"`
	Password string `envconfig:"SYNC_DB_PASS" default:""`
	SSLMode  string `envconfig:"SYNC_DB_SSLMODE" default:"disable"`
}

// SyncConfig holds sync engine tuning.
type SyncConfig struct {
	// EntityTypes are bound to in-memory entity services at startup.
	// Domain modules replace these bindings with their own services.
	EntityTypes       []string      `envconfig:"SYNC_ENTITY_TYPES" default:"patients,appointments,care_notes"`
	BatchSize         int           `envconfig:"SYNC_BATCH_SIZE" default:"50"`
	ItemTimeout       time.Duration `envconfig:"SYNC_ITEM_TIMEOUT" default:"30s"`
	ChecksumWindow    time.Duration `envconfig:"SYNC_CHECKSUM_WINDOW" default:"5m"`
	RetentionMaxAge   time.Duration `envconfig:"SYNC_RETENTION_MAX_AGE" default:"720h"`
	RetentionInterval time.Duration `envconfig:"SYNC_RETENTION_INTERVAL" default:"1h"`
	RetentionEnabled  bool          `envconfig:"SYNC_RETENTION_ENABLED" default:"true"`
}

// MySQLDSN returns the MySQL data source name.
func (s *SyncDBConfig) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		s.User, s.Password, s.Host, s.Port, s.Name)
}

// PostgresDSN returns the PostgreSQL connection string.
func (s *SyncDBConfig) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		s.User, s.Password, s.Host, s.Port, s.Name, s.SSLMode)
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisAddress returns the Redis address in host:port format.
func (c *CacheConfig) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// IsDevelopment returns true if running in development mode.
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (a *AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
