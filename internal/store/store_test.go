package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/foldqueue/internal/config"
	"github.com/kiranshivaraju/foldqueue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns the
// connection string.
func setupTestDB(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("foldqueue_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Run migrations
	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	return connStr
}

func newPostgresStore(t *testing.T, connStr string) *store.PostgresStore {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return store.NewPostgresStore(pool)
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	connStr := setupTestDB(t)

	runStoreSuite(t, func(t *testing.T) store.Store {
		return newPostgresStore(t, connStr)
	})
}

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := newPostgresStore(t, setupTestDB(t))

	err := s.Ping(context.Background())
	assert.NoError(t, err)
}

func TestConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	connStr := setupTestDB(t)

	pool, err := store.Connect(context.Background(), config.DatabaseConfig{
		URL:             connStr,
		MaxOpenConns:    4,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	}, 3)
	require.NoError(t, err)
	defer pool.Close()
	assert.NoError(t, pool.Ping(context.Background()))
	assert.Equal(t, int32(7), pool.Config().MaxConns)
	assert.Equal(t, int32(3), pool.Config().MinConns)
}

func TestMigrations_RollbackAndReapply(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	connStr := setupTestDB(t)

	require.NoError(t, store.RollbackMigrations(connStr, migrationsDir(), 1))
	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))
	// A second run with nothing pending is not an error.
	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))
}

func TestConnect_BadURL(t *testing.T) {
	_, err := store.Connect(context.Background(), config.DatabaseConfig{URL: "://nope"}, 0)
	assert.ErrorContains(t, err, "parse database URL")
}

func TestPoolSize(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.DatabaseConfig
		workers  int
		wantMax  int32
		wantIdle int32
	}{
		{"workers on top of request conns", config.DatabaseConfig{MaxOpenConns: 10, MaxIdleConns: 2}, 5, 15, 5},
		{"idle setting above workers", config.DatabaseConfig{MaxOpenConns: 10, MaxIdleConns: 8}, 2, 12, 8},
		{"unset open conns", config.DatabaseConfig{}, 4, 29, 4},
		{"cli without workers", config.DatabaseConfig{MaxOpenConns: 4, MaxIdleConns: 1}, 0, 4, 1},
		{"idle capped by max", config.DatabaseConfig{MaxOpenConns: 2, MaxIdleConns: 50}, 1, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotMax, gotIdle := store.PoolSize(tt.cfg, tt.workers)
			assert.Equal(t, tt.wantMax, gotMax)
			assert.Equal(t, tt.wantIdle, gotIdle)
		})
	}
}
