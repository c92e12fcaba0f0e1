package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const documentsSchema = `CREATE TABLE IF NOT EXISTS documents (
	kind       TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLiteBackend stores collection documents as rows of a single table.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLiteBackend opens (or creates) the database at path and ensures the schema.
func OpenSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("repository: create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes ordered.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, documentsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: create documents table: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) Read(ctx context.Context, kind Kind) ([]byte, bool, error) {
	var body string
	err := b.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE kind = ?`, string(kind)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("repository: Read %s: %w", kind, err)
	}
	return []byte(body), true, nil
}

func (b *SQLiteBackend) Write(ctx context.Context, kind Kind, data []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO documents (kind, body, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(kind) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		string(kind), string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("repository: Write %s: %w", kind, err)
	}
	return nil
}
