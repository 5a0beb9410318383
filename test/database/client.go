package database

import (
	"context"
	"testing"

	"github.com/cirisai/ciris-engine/pkg/database"
	"github.com/cirisai/ciris-engine/test/util"
	"github.com/stretchr/testify/require"
)

// NewTestClient creates a test database client with migrations applied.
// Default: hermetic SQLite under t.TempDir().
// With CIRIS_TEST_DIALECT=postgres or CI_DATABASE_URL set: per-test schema on
// a shared PostgreSQL instance (external service container in CI, shared
// testcontainer in local dev).
// Connections are closed automatically when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	// Use shared test database setup
	cfg := util.SetupTestDatabase(t)

	// NewClient runs migrations on open
	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}
