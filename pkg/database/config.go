package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Environment variables understood by LoadConfigFromEnv.
const (
	EnvDialect = "CIRIS_DB_DIALECT"
	EnvPath    = "CIRIS_DB_PATH"
)

// LoadConfigFromEnv loads database configuration from environment variables.
// The default is an embedded SQLite file under dataDir; setting
// CIRIS_DB_DIALECT=postgres switches to the DB_* connection variables.
func LoadConfigFromEnv(dataDir string) (Config, error) {
	dialect := Dialect(getEnvOrDefault(EnvDialect, string(DialectSQLite)))
	if !dialect.IsValid() {
		return Config{}, fmt.Errorf("invalid %s: %q", EnvDialect, dialect)
	}

	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	maxOpen, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "10"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "5"))

	return Config{
		Dialect:         dialect,
		Path:            getEnvOrDefault(EnvPath, filepath.Join(dataDir, "ciris.db")),
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("DB_USER", "ciris"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        getEnvOrDefault("DB_NAME", "ciris"),
		SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
