package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists the document in an embedded SQLite database,
// one row per (namespace, key) with the value stored as JSON text. It
// serves deployments whose session cannot host remote storage and local
// setups that prefer a file over a data chat.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (and if needed creates) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection sidesteps SQLITE_BUSY; the store serializes writes
	// anyway.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS config (
			namespace TEXT NOT NULL,
			key       TEXT NOT NULL,
			value     TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create config table: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Load(ctx context.Context) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT namespace, key, value FROM config ORDER BY namespace, key`)
	if err != nil {
		return nil, fmt.Errorf("load config rows: %w", err)
	}
	defer rows.Close()

	doc := make(Document)
	count := 0
	for rows.Next() {
		var namespace, key, raw string
		if err := rows.Scan(&namespace, &key, &raw); err != nil {
			return nil, fmt.Errorf("scan config row: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("%w: row %s/%s: %v", ErrCorrupt, namespace, key, err)
		}
		doc.Set(namespace, key, value)
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate config rows: %w", err)
	}
	if count == 0 {
		return nil, ErrNoDocument
	}
	return doc.Marshal()
}

func (s *SQLiteBackend) Store(ctx context.Context, docBytes []byte) error {
	doc, err := ParseDocument(docBytes)
	if err != nil {
		return fmt.Errorf("decode document for sqlite: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin config transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM config`); err != nil {
		return fmt.Errorf("clear config rows: %w", err)
	}

	for namespace, entries := range doc {
		for key, value := range entries {
			raw, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("marshal %s/%s: %w", namespace, key, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO config (namespace, key, value) VALUES (?, ?, ?)`,
				namespace, key, string(raw)); err != nil {
				return fmt.Errorf("insert %s/%s: %w", namespace, key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit config transaction: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
