package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// A migration is a pair of SQL files named {version}_{name}.up.sql and
// {version}_{name}.down.sql under the migrations directory. Applied versions
// are tracked in dsc_ledger.schema_migrations; the migrator also owns the
// dsc_ledger schema itself, so migration files can assume it exists.
type migration struct {
	version int64
	name    string
	upFile  string
}

// Migrator applies and rolls back the ledger schema migrations.
type Migrator struct {
	db  *sql.DB
	dir string
	log zerolog.Logger
}

func NewMigrator(db *sql.DB, dir string, logger zerolog.Logger) *Migrator {
	return &Migrator{
		db:  db,
		dir: dir,
		log: logger.With().Str("component", "migrator").Logger(),
	}
}

// Up applies every pending migration in version order, each in its own
// transaction together with its version record.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.bootstrap(ctx); err != nil {
		return err
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}

	pending, err := m.pendingMigrations(applied)
	if err != nil {
		return err
	}

	for _, mig := range pending {
		sqlText, err := os.ReadFile(filepath.Join(m.dir, mig.upFile))
		if err != nil {
			return fmt.Errorf("read %s: %w", mig.upFile, err)
		}

		err = m.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(sqlText)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO dsc_ledger.schema_migrations (version, name) VALUES ($1, $2)`,
				mig.version, mig.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", mig.upFile, err)
		}

		m.log.Info().Int64("version", mig.version).Str("name", mig.name).Msg("migration applied")
	}

	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.bootstrap(ctx); err != nil {
		return err
	}

	var (
		version int64
		name    string
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT version, name FROM dsc_ledger.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &name)
	if err == sql.ErrNoRows {
		m.log.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest applied migration: %w", err)
	}

	downFile := fmt.Sprintf("%06d_%s.down.sql", version, name)
	sqlText, err := os.ReadFile(filepath.Join(m.dir, downFile))
	if err != nil {
		return fmt.Errorf("read %s: %w", downFile, err)
	}

	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(sqlText)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM dsc_ledger.schema_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return fmt.Errorf("roll back %s: %w", downFile, err)
	}

	m.log.Info().Int64("version", version).Str("name", name).Msg("migration rolled back")
	return nil
}

// bootstrap creates the dsc_ledger schema and the version table.
func (m *Migrator) bootstrap(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE SCHEMA IF NOT EXISTS dsc_ledger;
		CREATE TABLE IF NOT EXISTS dsc_ledger.schema_migrations (
			version    BIGINT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("bootstrap migration schema: %w", err)
	}
	return nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int64]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM dsc_ledger.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) pendingMigrations(applied map[int64]bool) ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	var pending []migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		mig, ok := parseMigrationName(e.Name())
		if !ok || applied[mig.version] {
			continue
		}
		pending = append(pending, mig)
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })
	return pending, nil
}

// parseMigrationName splits "000001_event_log.up.sql" into version 1 and
// name "event_log". Files that do not match the pattern are skipped.
func parseMigrationName(filename string) (migration, bool) {
	base, ok := strings.CutSuffix(filename, ".up.sql")
	if !ok {
		return migration{}, false
	}
	prefix, name, ok := strings.Cut(base, "_")
	if !ok {
		return migration{}, false
	}
	version, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return migration{}, false
	}
	return migration{version: version, name: name, upFile: filename}, true
}

func (m *Migrator) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
