package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// migrationLockID keys the advisory lock that serialises API replicas
// starting at the same time.
const migrationLockID = 0x6c6e75726c

// RunMigrations applies the embedded *.up.sql files that schema_migrations
// has not recorded, in lexical order. Each file runs in its own transaction
// together with its schema_migrations row.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations fs.FS, log *zap.Logger) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockID)
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return err
	}

	files, err := fs.Glob(migrations, "*.up.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		version := strings.TrimSuffix(name, ".up.sql")
		ok, err := applyMigration(ctx, conn.Conn(), migrations, name, version)
		if err != nil {
			return fmt.Errorf("migration %s: %w", version, err)
		}
		if ok {
			applied++
			log.Info("migration applied", zap.String("version", version))
		}
	}

	log.Info("schema up to date", zap.Int("applied", applied), zap.Int("known", len(files)))
	return nil
}

// applyMigration reports false when version was already recorded.
func applyMigration(ctx context.Context, conn *pgx.Conn, migrations fs.FS, name, version string) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	sql, err := fs.ReadFile(migrations, name)
	if err != nil {
		return false, err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return false, errors.Join(err, tx.Rollback(ctx))
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return false, errors.Join(err, tx.Rollback(ctx))
	}
	return true, tx.Commit(ctx)
}
