package database

import (
	"context"
	"testing"

	"github.com/cirisai/ciris-engine/pkg/database"
	"github.com/cirisai/ciris-engine/test/util"
	"github.com/stretchr/testify/require"
)

// SharedTestDB provisions a single store that multiple clients share. Each
// client gets its own connection pool via NewClient, but all pools point at
// the same database, enabling cross-occurrence tests where several runtime
// instances compete over one task queue.
type SharedTestDB struct {
	cfg database.Config
}

// NewSharedTestDB creates the shared store and registers cleanup for it.
// Call NewClient to create an independent database client per occurrence.
func NewSharedTestDB(t *testing.T) *SharedTestDB {
	t.Helper()
	return &SharedTestDB{cfg: util.SetupTestDatabase(t)}
}

// NewClient creates an independent *database.Client backed by a fresh
// connection pool to the shared store. Migrations are idempotent, so each
// client may run them on open; only the first does real work. The pool is
// closed via t.Cleanup.
func (s *SharedTestDB) NewClient(t *testing.T) *database.Client {
	t.Helper()

	client, err := database.NewClient(context.Background(), s.cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}
