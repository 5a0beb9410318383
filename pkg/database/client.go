// Package database provides the SQL client, migrations, and dialect helpers.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	_ "modernc.org/sqlite"             // Register sqlite driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds database configuration
type Config struct {
	Dialect Dialect

	// SQLite settings
	Path string

	// PostgreSQL settings
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// SearchPath scopes all pooled connections to one schema. Tests use this
	// for per-test isolation on a shared server; leave empty in production.
	SearchPath string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Client wraps the SQL connection pool and remembers which dialect it speaks
type Client struct {
	db      *sql.DB
	dialect Dialect
}

// DB returns the underlying database connection for health checks and direct queries
func (c *Client) DB() *sql.DB {
	return c.db
}

// Dialect returns the SQL dialect the client is connected with
func (c *Client) Dialect() Dialect {
	return c.dialect
}

// Rebind converts `?` placeholders into the connected dialect's native form
func (c *Client) Rebind(query string) string {
	return c.dialect.Rebind(query)
}

// Close closes the underlying connection pool
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClientFromDB wraps an existing connection (useful for testing)
func NewClientFromDB(db *sql.DB, dialect Dialect) *Client {
	return &Client{
		db:      db,
		dialect: dialect,
	}
}

// NewClient creates a new database client with connection pooling and migrations
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if !cfg.Dialect.IsValid() {
		return nil, fmt.Errorf("unsupported database dialect: %q", cfg.Dialect)
	}

	// Build the driver-specific connection string
	driverName, dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	// Open database connection
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool. SQLite serializes writers, so the pool is
	// capped at a single connection to avoid lock contention inside the driver.
	if cfg.Dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Run migrations
	if err := runMigrations(db, cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{
		db:      db,
		dialect: cfg.Dialect,
	}, nil
}

// buildDSN renders the database/sql driver name and DSN for the configured dialect
func buildDSN(cfg Config) (string, string, error) {
	switch cfg.Dialect {
	case DialectSQLite:
		if cfg.Path == "" {
			return "", "", fmt.Errorf("sqlite database path is required")
		}
		if cfg.Path == ":memory:" {
			return "sqlite", "file::memory:?cache=shared", nil
		}
		// WAL keeps readers unblocked during writes; busy_timeout retries
		// instead of failing with SQLITE_BUSY; immediate transactions avoid
		// deadlocking on read-to-write lock upgrades.
		dsn := "file:" + cfg.Path +
			"?_txlock=immediate" +
			"&_pragma=busy_timeout(10000)" +
			"&_pragma=journal_mode(WAL)" +
			"&_pragma=foreign_keys(1)"
		return "sqlite", dsn, nil

	case DialectPostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		)
		if cfg.SearchPath != "" {
			// pgx forwards unrecognized key/value pairs as runtime parameters
			dsn += " search_path=" + cfg.SearchPath
		}
		return "pgx", dsn, nil
	}
	return "", "", fmt.Errorf("unsupported database dialect: %q", cfg.Dialect)
}

// runMigrations runs database migrations using golang-migrate with embedded
// migration files.
//
// Migration files are embedded into the binary using go:embed, ensuring they're
// available in production deployments without requiring external files. Each
// dialect carries its own directory (migrations/sqlite, migrations/postgres)
// because column types and index DDL differ; the step numbering is kept in
// lockstep between the two.
func runMigrations(db *sql.DB, cfg Config) error {
	migrationsDir := "migrations/" + string(cfg.Dialect)

	// Check if embedded migrations exist
	hasMigrations, err := hasEmbeddedMigrations(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}

	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found for dialect %q", cfg.Dialect)
	}

	// Pick the golang-migrate database driver matching the dialect
	var driver migratedb.Driver
	var dbName string
	switch cfg.Dialect {
	case DialectPostgres:
		drv, derr := postgres.WithInstance(db, &postgres.Config{})
		if derr != nil {
			return fmt.Errorf("failed to create postgres migrate driver: %w", derr)
		}
		driver, dbName = drv, cfg.Database
	default:
		drv, derr := sqlite.WithInstance(db, &sqlite.Config{})
		if derr != nil {
			return fmt.Errorf("failed to create sqlite migrate driver: %w", derr)
		}
		driver, dbName = drv, cfg.Path
	}

	// Create source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	// Apply all pending migrations
	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source driver. We must NOT call m.Close() because
	// that also closes the database driver, which calls db.Close() on the shared
	// *sql.DB passed via WithInstance().
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// hasEmbeddedMigrations checks if the embedded FS contains any .sql migration files
func hasEmbeddedMigrations(dir string) (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		// If the migrations directory doesn't exist in the embed, no migrations
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	// Check if there are any .sql files
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}

	return false, nil
}
