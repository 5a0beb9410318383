// Package util provides test utilities and helper functions for database testing.
package util

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cirisai/ciris-engine/pkg/database"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	// Shared connection string for all tests in local dev
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestDatabase returns a database.Config pointing at a fresh, isolated
// test store. Migrations run when the caller opens the client.
//   - Default: SQLite file under t.TempDir(); hermetic, no external services.
//   - CIRIS_TEST_DIALECT=postgres or CI_DATABASE_URL set: per-test schema on a
//     shared PostgreSQL instance (external service container in CI, shared
//     testcontainer in local dev).
//
// Schema cleanup is registered via t.Cleanup; the SQLite file lives in the
// test's temp dir and is removed with it.
func SetupTestDatabase(t *testing.T) database.Config {
	t.Helper()

	if usePostgres() {
		return setupPostgresSchema(t)
	}

	return database.Config{
		Dialect: database.DialectSQLite,
		Path:    filepath.Join(t.TempDir(), "ciris-test.db"),
	}
}

// usePostgres reports whether tests should run against PostgreSQL instead of
// the default SQLite store.
func usePostgres() bool {
	return os.Getenv("CI_DATABASE_URL") != "" || os.Getenv("CIRIS_TEST_DIALECT") == "postgres"
}

// setupPostgresSchema creates a unique schema on the shared PostgreSQL
// instance and returns a config whose search_path is pinned to it.
func setupPostgresSchema(t *testing.T) database.Config {
	ctx := context.Background()

	// Get connection string (from CI env var or shared container)
	connStr := getOrCreateSharedDatabase(t)

	// Generate unique schema name for this test
	schemaName := GenerateSchemaName(t)

	// Connect to the base database to create the schema.
	// The pgx driver is registered by the database package's blank import.
	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	_ = db.Close()

	t.Logf("Created test schema: %s", schemaName)

	// Drop the schema when the test completes. Cleanups run LIFO, so client
	// pools registered after this point close before the schema is dropped.
	t.Cleanup(func() {
		cleanDB, err := stdsql.Open("pgx", connStr)
		if err != nil {
			t.Logf("Warning: could not connect to drop schema %s: %v", schemaName, err)
			return
		}
		defer func() { _ = cleanDB.Close() }()
		_, err = cleanDB.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schemaName, err)
		}
	})

	cfg, err := ParsePostgresURL(connStr)
	require.NoError(t, err)
	cfg.SearchPath = schemaName
	cfg.MaxOpenConns = 10
	cfg.MaxIdleConns = 5
	return cfg
}

// GetBaseConnectionString returns the base PostgreSQL connection string
// (without schema search_path). Used by tests that manage their own schemas,
// e.g. SharedTestDB. Fails the test when PostgreSQL is not in play.
func GetBaseConnectionString(t *testing.T) string {
	t.Helper()
	require.True(t, usePostgres(), "GetBaseConnectionString requires CIRIS_TEST_DIALECT=postgres or CI_DATABASE_URL")
	return getOrCreateSharedDatabase(t)
}

// getOrCreateSharedDatabase returns a connection string to the shared database.
// In CI, uses CI_DATABASE_URL. In local dev, creates a shared testcontainer once.
func getOrCreateSharedDatabase(t *testing.T) string {
	// Check if we're in CI with an external database
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	// Local dev: ensure shared container is started (once per package)
	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer for all tests")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		// Get connection string
		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}

		sharedConnStr = connStr
		t.Logf("Shared container ready: %s", sharedConnStr)
	})

	require.NoError(t, containerErr, "Failed to setup shared test container")
	return sharedConnStr
}

// GenerateSchemaName creates a unique, PostgreSQL-safe schema name for the test.
// Format: test_<sanitized_test_name>_<random_hex>
func GenerateSchemaName(t *testing.T) string {
	// Get test name and sanitize it (lowercase, replace invalid chars with _)
	testName := strings.ToLower(t.Name())
	testName = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, testName)

	// Limit length to avoid PostgreSQL's 63 char identifier limit
	if len(testName) > 40 {
		testName = testName[:40]
	}

	// Add random suffix for uniqueness
	randomBytes := make([]byte, 4)
	_, err := rand.Read(randomBytes)
	if err != nil {
		// crypto/rand.Read should never fail, but handle it defensively
		t.Fatalf("failed to generate random bytes for schema name: %v", err)
	}
	randomHex := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("test_%s_%s", testName, randomHex)
}

// ParsePostgresURL converts a postgres:// connection URL (the form emitted by
// testcontainers and CI service containers) into a database.Config.
func ParsePostgresURL(connStr string) (database.Config, error) {
	u, err := url.Parse(connStr)
	if err != nil {
		return database.Config{}, fmt.Errorf("failed to parse connection string: %w", err)
	}

	cfg := database.Config{
		Dialect: database.DialectPostgres,
		SSLMode: "disable",
	}
	cfg.Host = u.Hostname()
	if port := u.Port(); port != "" {
		cfg.Port, err = strconv.Atoi(port)
		if err != nil {
			return database.Config{}, fmt.Errorf("invalid port in connection string: %w", err)
		}
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		if password, ok := u.User.Password(); ok {
			cfg.Password = password
		}
	}
	cfg.Database = strings.TrimPrefix(u.Path, "/")
	if sslMode := u.Query().Get("sslmode"); sslMode != "" {
		cfg.SSLMode = sslMode
	}
	return cfg, nil
}
