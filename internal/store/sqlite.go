package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// sqliteBackend keeps all dataset documents in one table. Useful when the
// bot runs somewhere a directory of JSON files is awkward (single volume
// mounts, backup tooling that prefers one file).
type sqliteBackend struct {
	db *sql.DB
}

func openSQLite(cfg Config) (Backend, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS datasets (
		name       TEXT PRIMARY KEY,
		doc        BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Load(ctx context.Context, name string) ([]byte, bool, error) {
	var doc []byte
	err := b.db.QueryRowContext(ctx, "SELECT doc FROM datasets WHERE name = ?", name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (b *sqliteBackend) Save(ctx context.Context, name string, doc []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO datasets (name, doc, updated_at) VALUES (?, ?, unixepoch())
		ON CONFLICT(name) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		name, doc)
	return err
}

func (b *sqliteBackend) Close() error { return b.db.Close() }
