//go:build integration

package postgres_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chainloom/subgraph-mirror/internal/store/postgres"
)

// testDB returns a migrated database. TEST_DB_URL selects an external
// database; otherwise an ephemeral container is started.
func testDB(t *testing.T) *postgres.DB {
	t.Helper()
	if url := os.Getenv("TEST_DB_URL"); url != "" {
		db, err := postgres.New(postgres.Config{
			URL:             url,
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Minute,
		})
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		require.NoError(t, db.RunMigrations(migrationsDir()))
		return db
	}
	return setupTestContainer(t)
}

// setupTestContainer starts a PostgreSQL container, runs the migrations and
// returns a connected *postgres.DB. Cleaned up when the test ends.
func setupTestContainer(t *testing.T) *postgres.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("test_subgraph_mirror"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := postgres.New(postgres.Config{
		URL:             connStr,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.RunMigrations(migrationsDir()))
	return db
}

func migrationsDir() string {
	_, currentFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(currentFile), "..", "..", "..", "migrations")
}

// createEntityTables provisions the mirrored entity tables the manifest would
// normally describe.
func createEntityTables(t *testing.T, db *postgres.DB) {
	t.Helper()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS "Builder" (
			"id" TEXT PRIMARY KEY,
			"totalAllocation" NUMERIC,
			"rewardShares" TEXT[]
		)`,
		`CREATE TABLE IF NOT EXISTS "BuilderState" (
			"id" TEXT PRIMARY KEY,
			"builder" TEXT,
			"paused" BOOLEAN
		)`,
	}
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		_, _ = db.Exec(`DROP TABLE IF EXISTS "BuilderState", "Builder"`)
	})
}
