package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	source TEXT NOT NULL,
	handle TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	progress REAL NOT NULL DEFAULT 0,
	seeders INTEGER NOT NULL DEFAULT 0,
	download_speed INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'queued',
	error TEXT NOT NULL DEFAULT '',
	shareable_link TEXT NOT NULL DEFAULT '',
	remote_id TEXT NOT NULL DEFAULT '',
	payload_path TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs (user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
`

// InitDB opens the SQLite database at path and creates the jobs table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY under concurrent tasks.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
