// Package testutil provides helpers for tests that need a real
// PostgreSQL database.
package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/conveyorhq/conveyor/internal/migrate"
)

// DatabaseURLEnv names the environment variable pointing at a PostgreSQL
// server used for integration tests. Tests skip when it is unset.
const DatabaseURLEnv = "TEST_DATABASE_URL"

// DatabaseAvailable reports whether a test database server is configured
func DatabaseAvailable() bool {
	return os.Getenv(DatabaseURLEnv) != ""
}

// TestDB holds an isolated, fully migrated test database
type TestDB struct {
	Pool *pgxpool.Pool
	DB   *bun.DB
	Name string

	cleanup func()
}

// Close drops the test database and releases its connections
func (t *TestDB) Close() {
	if t.cleanup != nil {
		t.cleanup()
	}
}

// SetupTestDB creates a uniquely named database on the server named by
// TEST_DATABASE_URL and runs all migrations against it. Each caller gets
// its own database, so tests can run in parallel without interfering.
func SetupTestDB(ctx context.Context, suffix string) (*TestDB, error) {
	baseURL := os.Getenv(DatabaseURLEnv)
	if baseURL == "" {
		return nil, fmt.Errorf("%s is not set", DatabaseURLEnv)
	}

	adminConfig, err := pgxpool.ParseConfig(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", DatabaseURLEnv, err)
	}

	adminPool, err := pgxpool.NewWithConfig(ctx, adminConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database server: %w", err)
	}

	testDBName := fmt.Sprintf("conveyor_test_%s_%d", suffix, time.Now().UnixNano())

	if _, err := adminPool.Exec(ctx, "CREATE DATABASE "+testDBName); err != nil {
		adminPool.Close()
		return nil, fmt.Errorf("create test database: %w", err)
	}
	adminPool.Close()

	testConfig, err := pgxpool.ParseConfig(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", DatabaseURLEnv, err)
	}
	testConfig.ConnConfig.Database = testDBName
	testConfig.MaxConns = 5

	testPool, err := pgxpool.NewWithConfig(ctx, testConfig)
	if err != nil {
		dropTestDB(baseURL, testDBName)
		return nil, fmt.Errorf("connect to test database: %w", err)
	}

	db := bun.NewDB(stdlib.OpenDBFromPool(testPool), pgdialect.New())

	if err := migrate.RunWithDB(ctx, db.DB); err != nil {
		db.Close()
		testPool.Close()
		dropTestDB(baseURL, testDBName)
		return nil, fmt.Errorf("migrate test database: %w", err)
	}

	cleanup := func() {
		db.Close()
		testPool.Close()
		dropTestDB(baseURL, testDBName)
	}

	return &TestDB{
		Pool:    testPool,
		DB:      db,
		Name:    testDBName,
		cleanup: cleanup,
	}, nil
}

// dropTestDB removes a test database, terminating any lingering
// connections first
func dropTestDB(baseURL, dbName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, baseURL)
	if err != nil {
		return
	}
	defer pool.Close()

	_, _ = pool.Exec(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()
	`, dbName)

	_, _ = pool.Exec(ctx, "DROP DATABASE IF EXISTS "+dbName)
}
