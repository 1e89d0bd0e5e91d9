// Package store provides SQLite-backed persistence for the cascade journal.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/anthropics/cascade-engine/internal/domain"
)

// schemaV1 defines the journal schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS cascade_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source       TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_source ON cascade_events(source, id);

CREATE TABLE IF NOT EXISTS injection_log (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	score      REAL NOT NULL DEFAULT 0.0,
	chars      INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_injections_source ON injection_log(source, created_at);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, domain.WrapStackError(domain.ErrStoreInit.Code, "open database", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, domain.WrapStackError(domain.ErrStoreInit.Code, "migrate schema", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
