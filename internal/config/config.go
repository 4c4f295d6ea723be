// Package config loads configuration from environment variables. In
// development a .env file is loaded if present.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the chat node.
type Config struct {
	Env      string
	Username string

	// ListenAddr is the peer TCP listener bind address; AdvertiseAddr is
	// what gets published to the directory (defaults to ListenAddr).
	ListenAddr    string
	AdvertiseAddr string

	DataDir string

	DirectoryURL   string
	DirectoryToken string

	HeartbeatInterval time.Duration
	DrainInterval     time.Duration
	DialTimeout       time.Duration
	DirectoryTimeout  time.Duration

	// ContactTTL is how long a cached contact is trusted before a send
	// refreshes it from the directory.
	ContactTTL time.Duration

	// ShutdownGrace is how long open links get to flush pending writes
	// before being force-closed.
	ShutdownGrace time.Duration
}

// Load reads node configuration from environment variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Env:               getEnv("ENV", "development"),
		Username:          os.Getenv("USERNAME"),
		ListenAddr:        getEnv("LISTEN_ADDR", ":7420"),
		DataDir:           getEnv("DATA_DIR", "./data"),
		DirectoryURL:      getEnv("DIRECTORY_URL", "http://localhost:8080"),
		DirectoryToken:    os.Getenv("DIRECTORY_TOKEN"),
		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		DrainInterval:     getDuration("DRAIN_INTERVAL", 60*time.Second),
		DialTimeout:       getDuration("DIAL_TIMEOUT", 5*time.Second),
		DirectoryTimeout:  getDuration("DIRECTORY_TIMEOUT", 10*time.Second),
		ContactTTL:        getDuration("CONTACT_TTL", 5*time.Minute),
		ShutdownGrace:     getDuration("SHUTDOWN_GRACE", 5*time.Second),
	}
	cfg.AdvertiseAddr = getEnv("ADVERTISE_ADDR", cfg.ListenAddr)

	if cfg.Env == "production" {
		if cfg.Username == "" {
			panic("USERNAME is required in production")
		}
		if cfg.DirectoryToken == "" {
			panic("DIRECTORY_TOKEN is required in production")
		}
	}

	return cfg
}

// ServerConfig holds configuration for the directory server.
type ServerConfig struct {
	Env  string
	Port string

	// DatabaseURL selects the Postgres store; empty selects SQLite at
	// SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// RedisURL enables the optional presence cache.
	RedisURL string

	// OnlineWindow is how recently a heartbeat must have arrived for a
	// user to be reported online.
	OnlineWindow time.Duration
}

// LoadServer reads directory server configuration from environment
// variables.
func LoadServer() *ServerConfig {
	_ = godotenv.Load()

	cfg := &ServerConfig{
		Env:          getEnv("ENV", "development"),
		Port:         getEnv("PORT", "8080"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		SQLitePath:   getEnv("SQLITE_PATH", "./data/directory.db"),
		RedisURL:     os.Getenv("REDIS_URL"),
		OnlineWindow: getDuration("ONLINE_WINDOW", 90*time.Second),
	}

	if cfg.Env == "production" && cfg.DatabaseURL == "" {
		panic("DATABASE_URL is required in production")
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsDevelopment returns true if running in development mode.
func (c *ServerConfig) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
