// Package schema owns the database layout: embedded migrations, matrix
// table partitions and maintenance statements.
package schema

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID is the advisory lock key serializing migration runs.
const migrationLockID = 4711301

// Migrate runs all pending SQL migrations in lexicographic order and records
// each applied file in schema_migrations. The run is one transaction holding
// a transaction-level advisory lock, so concurrent runs wait for each other
// and the lock is released on the connection that took it.
func Migrate(ctx context.Context, pool db.Pool) error {
	log := zap.L().With(zap.String("component", "schema.migrate"))

	names, err := migrationNames()
	if err != nil {
		return err
	}

	return db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
			return eris.Wrap(err, "schema: acquire migration advisory lock")
		}

		if err := ensureMigrationTable(ctx, tx); err != nil {
			return err
		}

		applied, err := appliedMigrations(ctx, tx)
		if err != nil {
			return err
		}

		for _, name := range names {
			if applied[name] {
				continue
			}

			data, err := migrationFS.ReadFile("migrations/" + name)
			if err != nil {
				return eris.Wrapf(err, "schema: read migration %s", name)
			}

			log.Info("applying migration", zap.String("file", name))

			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return eris.Wrapf(err, "schema: apply migration %s", name)
			}

			if _, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now())",
				name,
			); err != nil {
				return eris.Wrapf(err, "schema: record migration %s", name)
			}
		}
		return nil
	})
}

// Pending returns the migration files not yet applied.
func Pending(ctx context.Context, pool db.Pool) ([]string, error) {
	if err := ensureMigrationTable(ctx, pool); err != nil {
		return nil, err
	}
	names, err := migrationNames()
	if err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, n := range names {
		if !applied[n] {
			pending = append(pending, n)
		}
	}
	return pending, nil
}

// migrationNames lists embedded migrations sorted by filename.
func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "schema: read migration dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func ensureMigrationTable(ctx context.Context, q db.Querier) error {
	sql := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := q.Exec(ctx, sql); err != nil {
		return eris.Wrap(err, "schema: ensure migration table")
	}
	return nil
}

func appliedMigrations(ctx context.Context, q db.Querier) (map[string]bool, error) {
	rows, err := q.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "schema: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "schema: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
