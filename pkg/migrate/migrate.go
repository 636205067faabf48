// Package migrate applies embedded SQL schema migrations in version order.
// Files are named "NNN_description.sql" and carry their up and down statements
// separated by "-- +migrate Up" / "-- +migrate Down" markers.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/config"
)

// Migration is one parsed schema change
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// Runner applies migrations from an embedded filesystem against Postgres
type Runner struct {
	db  *sql.DB
	src fs.FS
	dir string
}

// NewRunner connects to the database and prepares a migration runner
func NewRunner(cfg *config.DatabaseConfig, src fs.FS, dir string) (*Runner, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Runner{db: db, src: src, dir: dir}, nil
}

// Close closes the database connection
func (r *Runner) Close() error {
	return r.db.Close()
}

// Up applies every migration not yet recorded in schema_migrations
func (r *Runner) Up(ctx context.Context) error {
	if err := r.ensureTable(ctx); err != nil {
		return err
	}

	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return err
	}

	migrations, err := r.load()
	if err != nil {
		return err
	}

	var pending []*Migration
	for _, m := range migrations {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}

	if len(pending) == 0 {
		log.Info().Msg("No pending migrations")
		return nil
	}

	log.Info().Int("count", len(pending)).Msg("Running pending migrations")
	for _, m := range pending {
		if err := r.apply(ctx, m); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", m.Version, m.Name, err)
		}
		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("Applied migration")
	}
	return nil
}

// Down rolls back the most recently applied migration
func (r *Runner) Down(ctx context.Context) error {
	if err := r.ensureTable(ctx); err != nil {
		return err
	}

	var last int
	err := r.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to find last applied migration: %w", err)
	}
	if last == 0 {
		log.Info().Msg("No migrations to roll back")
		return nil
	}

	migrations, err := r.load()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version == last {
			if err := r.revert(ctx, m); err != nil {
				return fmt.Errorf("failed to roll back migration %d (%s): %w", m.Version, m.Name, err)
			}
			log.Info().Int("version", m.Version).Str("name", m.Name).Msg("Rolled back migration")
			return nil
		}
	}
	return fmt.Errorf("migration file for version %d not found", last)
}

func (r *Runner) ensureTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (r *Runner) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (r *Runner) load() ([]*Migration, error) {
	entries, err := fs.ReadDir(r.src, r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []*Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		m, err := r.parse(entry.Name())
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping invalid migration file")
			continue
		}
		migrations = append(migrations, m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (r *Runner) parse(filename string) (*Migration, error) {
	base, found := strings.CutSuffix(filename, ".sql")
	if !found {
		return nil, fmt.Errorf("not a migration file: %s", filename)
	}

	prefix, name, found := strings.Cut(base, "_")
	if !found {
		return nil, fmt.Errorf("invalid migration filename format: %s", filename)
	}

	var version int
	if _, err := fmt.Sscanf(prefix, "%d", &version); err != nil {
		return nil, fmt.Errorf("failed to parse version from filename %s: %w", filename, err)
	}

	content, err := fs.ReadFile(r.src, path.Join(r.dir, filename))
	if err != nil {
		return nil, fmt.Errorf("failed to read migration file %s: %w", filename, err)
	}

	up, down := splitSections(string(content))
	return &Migration{
		Version: version,
		Name:    name,
		UpSQL:   up,
		DownSQL: down,
	}, nil
}

func splitSections(content string) (up, down string) {
	var upLines, downLines []string
	inDown := false

	for _, line := range strings.Split(content, "\n") {
		switch strings.TrimSpace(line) {
		case "-- +migrate Up":
			inDown = false
		case "-- +migrate Down":
			inDown = true
		default:
			if inDown {
				downLines = append(downLines, line)
			} else {
				upLines = append(upLines, line)
			}
		}
	}
	return strings.Join(upLines, "\n"), strings.Join(downLines, "\n")
}

func (r *Runner) apply(ctx context.Context, m *Migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", m.Version, m.Name); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

func (r *Runner) revert(ctx context.Context, m *Migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", m.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	return tx.Commit()
}
