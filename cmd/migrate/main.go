// Package main provides the schema migration CLI.
//
// Usage:
//
//	migrate [up|down|status|version]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/migrate"
	"github.com/conveyorhq/conveyor/internal/version"
)

func main() {
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "up"
	}

	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, cleanup, err := openDB(ctx)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer cleanup()

	migrator := migrate.NewMigrator(db, logger)

	switch command {
	case "up":
		err = migrator.Up(ctx)
	case "down":
		err = migrator.Down(ctx)
	case "status":
		err = migrator.Status(ctx)
	case "version":
		fmt.Println(version.Info())
		var dbVersion int64
		dbVersion, err = migrator.Version(ctx)
		if err == nil {
			fmt.Printf("database version: %d\n", dbVersion)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected up, down, status or version)\n", command)
		os.Exit(1)
	}

	if err != nil {
		logger.Fatal("migration failed", zap.String("command", command), zap.Error(err))
	}
}

func openDB(ctx context.Context) (*bun.DB, func(), error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=%s",
			getEnv("POSTGRES_USER", "conveyor"),
			os.Getenv("POSTGRES_PASSWORD"),
			getEnv("POSTGRES_HOST", "localhost"),
			getEnv("POSTGRES_PORT", "5432"),
			getEnv("POSTGRES_DB", "conveyor"),
			getEnv("POSTGRES_SSL_MODE", "disable"),
		)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	db := bun.NewDB(stdlib.OpenDBFromPool(pool), pgdialect.New())

	cleanup := func() {
		db.Close()
		pool.Close()
	}

	return db, cleanup, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
