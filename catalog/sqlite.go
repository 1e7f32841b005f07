// Package catalog keeps snapshots of discovered tool lists so they can be
// inspected without launching the sources again.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petal-labs/petalvoice/tool"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tool_catalog (
	source TEXT NOT NULL,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	description TEXT NOT NULL,
	parameters BLOB NOT NULL,
	discovered_at TEXT NOT NULL,
	PRIMARY KEY (source, name)
);`

const (
	defaultDir = ".petalvoice"
	defaultDB  = "catalog.db"
)

// Entry is one cached tool.
type Entry struct {
	Source       string
	Tool         tool.Tool
	DiscoveredAt time.Time
}

// SQLiteStore persists tool snapshots in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultPath returns ~/.petalvoice/catalog.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("catalog: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultDir, defaultDB), nil
}

// Open opens (or creates) the catalog at dsn. A file path gets its parent
// directory created.
func Open(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("catalog: sqlite dsn is required")
	}
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
			return nil, fmt.Errorf("catalog: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: sqlite open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: sqlite set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: sqlite create schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// SaveTools replaces the snapshot for source.
func (s *SQLiteStore) SaveTools(ctx context.Context, source string, kind tool.SourceKind, tools []tool.Tool) error {
	if s == nil || s.db == nil {
		return errors.New("catalog: sqlite store is nil")
	}
	if strings.TrimSpace(source) == "" {
		return errors.New("catalog: source is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_catalog WHERE source = ?`, source); err != nil {
		return fmt.Errorf("catalog: clear %q: %w", source, err)
	}
	stamp := s.now().UTC().Format(time.RFC3339Nano)
	for _, t := range tools {
		params, err := json.Marshal(tool.NormalizeParameters(t.Parameters))
		if err != nil {
			return fmt.Errorf("catalog: encode parameters for %q: %w", t.Name, err)
		}
		toolKind := t.Kind
		if toolKind == "" {
			toolKind = kind
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO tool_catalog (source, name, kind, description, parameters, discovered_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(source, name) DO UPDATE SET
	kind = excluded.kind,
	description = excluded.description,
	parameters = excluded.parameters,
	discovered_at = excluded.discovered_at`,
			source, t.Name, string(toolKind), t.Description, params, stamp)
		if err != nil {
			return fmt.Errorf("catalog: save %q: %w", t.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit: %w", err)
	}
	return nil
}

// List returns every cached tool ordered by source then name.
func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("catalog: sqlite store is nil")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT source, name, kind, description, parameters, discovered_at
FROM tool_catalog
ORDER BY source ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry   Entry
			kind    string
			params  []byte
			stamped string
		)
		if err := rows.Scan(&entry.Source, &entry.Tool.Name, &kind, &entry.Tool.Description, &params, &stamped); err != nil {
			return nil, fmt.Errorf("catalog: scan: %w", err)
		}
		entry.Tool.Kind = tool.SourceKind(kind)
		if err := json.Unmarshal(params, &entry.Tool.Parameters); err != nil {
			return nil, fmt.Errorf("catalog: decode parameters for %q: %w", entry.Tool.Name, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, stamped); err == nil {
			entry.DiscoveredAt = t
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: rows: %w", err)
	}
	return entries, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
