// Package sqlite implements the client-side local index (§4.6) as an
// embedded key-value store: a kv table keyed by namespaced text keys plus a
// meta table holding last_update_number, supporting range scans (prefix
// queries) and atomic batched writes, backed
// by the pure-Go modernc.org/sqlite driver the teacher uses for its own
// "lighter local store" role.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a *sql.DB opened against the pure-Go sqlite driver.
type DB struct {
	*sql.DB
}

// Open creates or opens the local index database at path and ensures its
// schema exists.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open local index db: %w", err)
	}
	conn.SetMaxOpenConns(1) // one writer: the sync engine never runs two goroutines against one source's index.

	db := &DB{DB: conn}
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate local index schema: %w", err)
	}
	return nil
}
