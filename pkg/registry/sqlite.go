package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/QYUbit/replicate/pkg/ids"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS instances_created_at ON instances(created_at);
`

// SQLite is a Registry backed by a sqlite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (id, created_at) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET created_at = excluded.created_at`,
		r.Id.String(), r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save instance %s: %w", r.Id, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at FROM instances ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			raw     string
			created int64
		)
		if err := rows.Scan(&raw, &created); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		id, err := ids.ParseInstanceId(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt instance id %q: %w", raw, err)
		}
		out = append(out, Record{Id: id, CreatedAt: time.Unix(0, created)})
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, id ids.InstanceId) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
