package state

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLStore persists the disabled set in sqlite or postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// OpenSQLite opens the database at dataDir/state.db, creating dataDir if
// needed. It enables WAL mode and runs pending migrations. Caller must
// call Close when done.
func OpenSQLite(dataDir string) (*SQLStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("state: data_dir is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	dbPath := filepath.Join(dataDir, "state.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("state: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state: WAL: %w", err)
	}
	s := &SQLStore{db: db, dialect: "sqlite"}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to postgres with the given DSN and runs pending
// migrations.
func OpenPostgres(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("state: dsn is required for postgres")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("state: open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state: ping: %w", err)
	}
	s := &SQLStore{db: db, dialect: "postgres"}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Disabled(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM disabled_plugins ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("state: list disabled: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("state: scan: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SetDisabled(ctx context.Context, name string, disabled bool) error {
	if name == "" {
		return fmt.Errorf("state: plugin name is required")
	}
	if disabled {
		now := time.Now().UTC().Format(time.RFC3339)
		var query string
		if s.dialect == "postgres" {
			query = "INSERT INTO disabled_plugins (name, disabled_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING"
		} else {
			query = "INSERT INTO disabled_plugins (name, disabled_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING"
		}
		if _, err := s.db.ExecContext(ctx, query, name, now); err != nil {
			return fmt.Errorf("state: disable %s: %w", name, err)
		}
		return nil
	}
	query := "DELETE FROM disabled_plugins WHERE name = ?"
	if s.dialect == "postgres" {
		query = "DELETE FROM disabled_plugins WHERE name = $1"
	}
	if _, err := s.db.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("state: enable %s: %w", name, err)
	}
	return nil
}

func (s *SQLStore) runMigrations() error {
	// Ensure schema_version exists (idempotent).
	if _, err := s.db.Exec("CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL PRIMARY KEY)"); err != nil {
		return fmt.Errorf("migrations: create schema_version: %w", err)
	}
	current, err := s.currentVersion()
	if err != nil {
		return err
	}
	names, err := migrationNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		n, err := migrationNumber(name)
		if err != nil || n <= 0 {
			continue
		}
		if n <= current {
			continue
		}
		stmt, err := migrationSQL(name)
		if err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("migration %s: begin: %w", name, err)
		}
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.Exec("DELETE FROM schema_version"); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: clear version: %w", name, err)
		}
		insert := "INSERT INTO schema_version (version) VALUES (?)"
		if s.dialect == "postgres" {
			insert = "INSERT INTO schema_version (version) VALUES ($1)"
		}
		if _, err := tx.Exec(insert, n); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: set version: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %s: commit: %w", name, err)
		}
	}
	return nil
}

func (s *SQLStore) currentVersion() (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if err == sql.ErrNoRows || (err == nil && !v.Valid) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("migrations: read version: %w", err)
	}
	return int(v.Int64), nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func migrationNumber(name string) (int, error) {
	base := strings.TrimSuffix(name, ".sql")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) < 2 {
		return 0, fmt.Errorf("invalid migration name")
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	return n, nil
}

func migrationSQL(name string) (string, error) {
	data, err := fs.ReadFile(migrationsFS, "migrations/"+name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
