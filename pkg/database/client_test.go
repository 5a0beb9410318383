package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSQLiteClient creates a migrated client backed by a throwaway SQLite file.
// PostgreSQL coverage lives in test/database where a real server is available.
func newSQLiteClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	client, err := NewClient(ctx, Config{
		Dialect: DialectSQLite,
		Path:    filepath.Join(t.TempDir(), "ciris.db"),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestNewClientSQLiteRunsMigrations(t *testing.T) {
	client := newSQLiteClient(t)
	ctx := context.Background()

	// Every table from the init migration should exist
	for _, table := range []string{
		"tasks", "thoughts", "graph_nodes", "graph_edges", "correlations",
		"audit_entries", "consent_records", "consent_audit",
		"credit_accounts", "credit_ledger", "dsar_requests",
		"users", "auth_tokens", "channel_messages", "processor_state",
	} {
		var name string
		err := client.DB().QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestNewClientSQLiteIdempotentMigrations(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ciris.db")

	first, err := NewClient(ctx, Config{Dialect: DialectSQLite, Path: path})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Reopening the same file must tolerate already-applied migrations
	second, err := NewClient(ctx, Config{Dialect: DialectSQLite, Path: path})
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestNewClientRejectsBadConfig(t *testing.T) {
	ctx := context.Background()

	_, err := NewClient(ctx, Config{Dialect: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database dialect")

	_, err = NewClient(ctx, Config{Dialect: DialectSQLite})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestClientRoundTrip(t *testing.T) {
	client := newSQLiteClient(t)
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := client.DB().ExecContext(ctx, client.Rebind(
		`INSERT INTO tasks (id, occurrence_id, kind, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		"task-1", "default", "standard", "pending", now, now)
	require.NoError(t, err)

	var status string
	err = client.DB().QueryRowContext(ctx, client.Rebind(
		`SELECT status FROM tasks WHERE id = ?`), "task-1").Scan(&status)
	require.NoError(t, err)
	assert.Equal(t, "pending", status)
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		query   string
		want    string
	}{
		{
			name:    "sqlite passes through",
			dialect: DialectSQLite,
			query:   "SELECT * FROM tasks WHERE id = ? AND status = ?",
			want:    "SELECT * FROM tasks WHERE id = ? AND status = ?",
		},
		{
			name:    "postgres numbers placeholders",
			dialect: DialectPostgres,
			query:   "SELECT * FROM tasks WHERE id = ? AND status = ?",
			want:    "SELECT * FROM tasks WHERE id = $1 AND status = $2",
		},
		{
			name:    "postgres ignores question marks in literals",
			dialect: DialectPostgres,
			query:   "SELECT '?' , id FROM tasks WHERE id = ?",
			want:    "SELECT '?' , id FROM tasks WHERE id = $1",
		},
		{
			name:    "postgres no placeholders",
			dialect: DialectPostgres,
			query:   "SELECT 1",
			want:    "SELECT 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dialect.Rebind(tt.query))
		})
	}
}

func TestLockSuffix(t *testing.T) {
	assert.Equal(t, " FOR UPDATE SKIP LOCKED", DialectPostgres.LockSuffix())
	assert.Equal(t, "", DialectSQLite.LockSuffix())
}

func TestJSONExtract(t *testing.T) {
	assert.Equal(t, "content->>'input'", DialectPostgres.JSONExtract("content", "input"))
	assert.Equal(t, "json_extract(content, '$.input')", DialectSQLite.JSONExtract("content", "input"))
}

func TestClientHealth(t *testing.T) {
	client := newSQLiteClient(t)
	ctx := context.Background()

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "sqlite", health.Dialect)
	assert.GreaterOrEqual(t, health.ResponseTime, int64(0))

	// Durations must serialize as millisecond numbers
	jsonBytes, err := json.Marshal(health)
	require.NoError(t, err)

	var jsonData map[string]interface{}
	require.NoError(t, json.Unmarshal(jsonBytes, &jsonData))

	responseTime, ok := jsonData["response_time_ms"].(float64)
	require.True(t, ok, "response_time_ms should be a number")
	assert.Less(t, responseTime, float64(1000000), "response_time_ms should be in milliseconds, not nanoseconds")
}

func TestLoadConfigFromEnv(t *testing.T) {
	tests := []struct {
		name        string
		envVars     map[string]string
		check       func(t *testing.T, cfg Config)
		wantErr     bool
		errContains string
	}{
		{
			name:    "defaults to sqlite under data dir",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, DialectSQLite, cfg.Dialect)
				assert.Equal(t, filepath.Join("/var/lib/ciris", "ciris.db"), cfg.Path)
			},
		},
		{
			name: "postgres with custom values",
			envVars: map[string]string{
				EnvDialect:    "postgres",
				"DB_HOST":     "db.example.com",
				"DB_PORT":     "5433",
				"DB_USER":     "admin",
				"DB_PASSWORD": "secret",
				"DB_NAME":     "production",
				"DB_SSLMODE":  "require",
			},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, DialectPostgres, cfg.Dialect)
				assert.Equal(t, "db.example.com", cfg.Host)
				assert.Equal(t, 5433, cfg.Port)
				assert.Equal(t, "admin", cfg.User)
				assert.Equal(t, "production", cfg.Database)
				assert.Equal(t, "require", cfg.SSLMode)
			},
		},
		{
			name: "explicit sqlite path wins over data dir",
			envVars: map[string]string{
				EnvPath: "/tmp/other.db",
			},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, "/tmp/other.db", cfg.Path)
			},
		},
		{
			name:        "invalid dialect",
			envVars:     map[string]string{EnvDialect: "mysql"},
			wantErr:     true,
			errContains: "invalid CIRIS_DB_DIALECT",
		},
		{
			name:        "invalid DB_PORT",
			envVars:     map[string]string{EnvDialect: "postgres", "DB_PORT": "invalid"},
			wantErr:     true,
			errContains: "invalid DB_PORT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{
				EnvDialect, EnvPath,
				"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
				"DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS",
			} {
				t.Setenv(key, "")
			}
			for key, val := range tt.envVars {
				t.Setenv(key, val)
			}

			cfg, err := LoadConfigFromEnv("/var/lib/ciris")

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}
