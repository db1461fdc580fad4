// Package db provides the Postgres pool, schema migrations and the agent
// state repository.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// NewPool creates a new pgx connection pool from the given database URL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}

	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

// schemaVersions records which migrations have run. Migration N is the Nth
// file in name order.
const schemaVersions = `CREATE TABLE IF NOT EXISTS schema_versions (
    version  INTEGER PRIMARY KEY,
    applied  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// RunMigrations applies the migrations that have not run yet, each in its own
// transaction together with its version row.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrationFiles []string) error {
	if _, err := pool.Exec(ctx, schemaVersions); err != nil {
		return fmt.Errorf("%s - create schema_versions: %w", logPrefix, err)
	}
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	ran := 0
	for i, sql := range migrationFiles {
		version := i + 1
		if applied[version] {
			continue
		}
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, sql); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_versions (version) VALUES ($1)`, version)
			return err
		})
		if err != nil {
			return fmt.Errorf("%s - migration %d failed: %w", logPrefix, version, err)
		}
		ran++
	}

	slog.Info(fmt.Sprintf("%s - Migrations complete: %d applied now, %d total", logPrefix, ran, len(migrationFiles)))
	return nil
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[int]bool, error) {
	rows, err := pool.Query(ctx, `SELECT version FROM schema_versions`)
	if err != nil {
		return nil, fmt.Errorf("%s - read schema_versions: %w", logPrefix, err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, fmt.Errorf("%s - read schema_versions: %w", logPrefix, err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

// MigrationStatus prints how many of the known migrations have run.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string) error {
	const statusLogPrefix = "db:MigrationStatus"

	files, err := LoadMigrationFiles(migrationPath)
	if err != nil {
		return fmt.Errorf("%s - load migration list: %w", statusLogPrefix, err)
	}
	source := migrationPath
	if source == "" {
		source = "embedded"
	}

	var tracked bool
	err = pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'schema_versions')`).Scan(&tracked)
	if err != nil {
		return fmt.Errorf("%s - failed to check schema: %w", statusLogPrefix, err)
	}
	if !tracked {
		fmt.Printf("Migration status: not applied (run 'agenthost migrate up'). %d migration files in %s\n", len(files), source)
		return nil
	}

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}
	pending := 0
	for i := range files {
		if !applied[i+1] {
			pending++
		}
	}
	fmt.Printf("Migration status: %d of %d applied, %d pending (%s)\n", len(files)-pending, len(files), pending, source)
	return nil
}

// MigrationDown is a no-op: migrations are forward-only.
func MigrationDown(_ context.Context, _ *pgxpool.Pool, _ string) error {
	fmt.Println("Migration down: not supported (migrations are forward-only). Use 'agenthost clear' or a database backup.")
	return nil
}
