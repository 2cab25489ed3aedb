package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/michaelbrown/stratus/internal/registry"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements registry.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs
// migrations. The default deployment uses ":memory:", so registrations do
// not survive a restart.
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection; keep a single one so
	// every caller sees the same registry.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateModule(ctx context.Context, m *registry.Module) error {
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO modules (id, name, location, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Location,
		m.CreatedAt.Format(time.RFC3339), m.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", registry.ErrDuplicate, m.Name)
		}
		return fmt.Errorf("inserting module: %w", err)
	}

	// Initialize the stats row alongside the registration
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO module_stats (module_id, invocation_count, total_time_ms) VALUES (?, 0, 0)`,
		m.ID,
	)
	return err
}

func (s *SQLiteStore) GetModule(ctx context.Context, name string) (*registry.Module, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, location, created_at, updated_at
		FROM modules WHERE name = ?`, name)

	m, err := scanModule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("querying module: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) ListModules(ctx context.Context, opts registry.ModuleListOptions) ([]registry.Module, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, location, created_at, updated_at
		FROM modules ORDER BY name LIMIT ? OFFSET ?`, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing modules: %w", err)
	}
	defer rows.Close()

	var modules []registry.Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		modules = append(modules, *m)
	}
	return modules, rows.Err()
}

func (s *SQLiteStore) DeleteModule(ctx context.Context, name string) error {
	m, err := s.GetModule(ctx, name)
	if err != nil {
		return err
	}

	// Stats first (foreign key), then the registration
	if _, err := s.db.ExecContext(ctx, `DELETE FROM module_stats WHERE module_id = ?`, m.ID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM modules WHERE id = ?`, m.ID)
	return err
}

func (s *SQLiteStore) RecordInvocation(ctx context.Context, name string, elapsed time.Duration) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE module_stats
		SET invocation_count = invocation_count + 1,
		    total_time_ms = total_time_ms + ?,
		    last_invoked_at = ?
		WHERE module_id = (SELECT id FROM modules WHERE name = ?)`,
		elapsed.Milliseconds(), now, name,
	)
	if err != nil {
		return fmt.Errorf("recording invocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", registry.ErrNotFound, name)
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context, name string) (*registry.UsageStats, error) {
	var stats registry.UsageStats
	var last sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT st.invocation_count, st.total_time_ms, st.last_invoked_at
		FROM module_stats st JOIN modules m ON m.id = st.module_id
		WHERE m.name = ?`, name).Scan(&stats.InvocationCount, &stats.TotalTimeMs, &last)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	if last.Valid {
		stats.LastInvokedAt, _ = time.Parse(time.RFC3339, last.String)
	}
	return &stats, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// IsNotFound reports whether err is a missing-module error.
func IsNotFound(err error) bool {
	return errors.Is(err, registry.ErrNotFound)
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanModule(s scanner) (*registry.Module, error) {
	var m registry.Module
	var createdAt, updatedAt string
	err := s.Scan(&m.ID, &m.Name, &m.Location, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &m, nil
}
