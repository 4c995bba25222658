package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database and creates the daemon's tables when they
// do not exist yet. The returned handle must only be used through Store,
// which serializes access: the underlying store is not assumed safe for
// concurrent handles.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS clients (
		package TEXT PRIMARY KEY,
		pid INTEGER,
		uid INTEGER,
		gid INTEGER,
		security_label TEXT,
		last_access_at TEXT
	);

	CREATE TABLE IF NOT EXISTS requests (
		id INTEGER PRIMARY KEY,
		package TEXT NOT NULL,
		url TEXT NOT NULL,
		destination TEXT,
		filename TEXT,
		headers TEXT,
		network INTEGER DEFAULT 0,
		state INTEGER DEFAULT 0,
		error_code TEXT DEFAULT '',
		received_bytes INTEGER DEFAULT 0,
		file_size INTEGER DEFAULT 0,
		content_type TEXT DEFAULT '',
		temp_path TEXT DEFAULT '',
		saved_path TEXT DEFAULT '',
		etag TEXT DEFAULT '',
		start_count INTEGER DEFAULT 0,
		created_at TEXT,
		updated_at TEXT
	);

	CREATE TABLE IF NOT EXISTS logging (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id INTEGER NOT NULL,
		state INTEGER NOT NULL,
		error_code TEXT DEFAULT '',
		logged_at TEXT
	);

	CREATE TABLE IF NOT EXISTS notification (
		request_id INTEGER PRIMARY KEY,
		enabled INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY,
		package TEXT NOT NULL,
		url TEXT NOT NULL,
		filename TEXT,
		saved_path TEXT,
		content_type TEXT,
		file_size INTEGER DEFAULT 0,
		state INTEGER NOT NULL,
		error_code TEXT DEFAULT '',
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_requests_package ON requests(package);
	CREATE INDEX IF NOT EXISTS idx_requests_state ON requests(state);
	CREATE INDEX IF NOT EXISTS idx_logging_request ON logging(request_id);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
