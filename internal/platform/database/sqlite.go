package database

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (or creates) the agent's sqlite store and applies the
// schema. WAL keeps the stream ingest writer from blocking API reads.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func Migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			route_id TEXT NOT NULL,
			content TEXT NOT NULL,
			aes TEXT NOT NULL,
			iv TEXT NOT NULL,
			tag TEXT NOT NULL,
			state TEXT NOT NULL,
			last_error TEXT,
			received_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_state ON items(state, received_at)`,
		`CREATE TABLE IF NOT EXISTS routes (
			id TEXT PRIMARY KEY,
			destination_url TEXT NOT NULL,
			description TEXT,
			created_at INTEGER NOT NULL,
			last_used_at INTEGER
		)`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
