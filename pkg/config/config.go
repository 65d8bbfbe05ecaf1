package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the server configuration
type Config struct {
	ServerHost string
	ServerPort string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// StoreDriver is one of postgres, bolt or memory.
	StoreDriver string
	BoltPath    string

	FlushInterval    time.Duration
	CompactThreshold int
	LockTimeout      time.Duration
	MemoryCapacity   int
	SnapshotEvery    int

	LogLevel  string
	LogFormat string
}

// Load reads .env if present, then the environment
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("could not read .env")
	}

	return &Config{
		ServerHost: getEnv("SERVER_HOST", ""),
		ServerPort: getEnv("SERVER_PORT", "8080"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "collab_sync"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		StoreDriver: getEnv("STORE_DRIVER", "memory"),
		BoltPath:    getEnv("BOLT_PATH", "data/revisions.db"),

		FlushInterval:    getDuration("FLUSH_INTERVAL", 600*time.Millisecond),
		CompactThreshold: getInt("COMPACT_THRESHOLD", 5),
		LockTimeout:      getDuration("LOCK_TIMEOUT", 300*time.Millisecond),
		MemoryCapacity:   getInt("MEMORY_CAPACITY", 512),
		SnapshotEvery:    getInt("SNAPSHOT_EVERY", 100),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

// GetServerAddr returns the address the server listens on
func (c *Config) GetServerAddr() string {
	return c.ServerHost + ":" + c.ServerPort
}

// GetDatabaseConnectionString returns the PostgreSQL connection string
func (c *Config) GetDatabaseConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		logrus.WithField("key", key).WithField("value", v).Warnf("invalid value, using %d", def)
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		logrus.WithField("key", key).WithField("value", v).Warnf("invalid value, using %s", def)
		return def
	}
	return d
}
