// Package store persists the video library and run history in SQLite.
package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
)

// Database manages the SQLite database for state persistence
type Database struct {
	db     *sql.DB
	dbPath string
}

// NewDatabase creates a new database connection
func NewDatabase(dbPath string) (*Database, error) {
	if err := ensureDir(filepath.Dir(dbPath)); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes well
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	database := &Database{
		db:     db,
		dbPath: dbPath,
	}

	if err := database.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}

	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// GetDB returns the underlying database connection
func (d *Database) GetDB() *sql.DB {
	return d.db
}

// Path returns the database file path
func (d *Database) Path() string {
	return d.dbPath
}

func (d *Database) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS system_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		original_path TEXT NOT NULL,
		processed_path TEXT,
		showing_processed BOOLEAN DEFAULT 0,
		thumbnail BLOB,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- Append-only per video
	CREATE TABLE IF NOT EXISTS timecodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		video_id TEXT NOT NULL,
		seconds REAL NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (video_id) REFERENCES videos(id) ON DELETE CASCADE
	);

	-- Run history outlives the videos it refers to
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL,
		source_path TEXT NOT NULL,
		output_path TEXT,
		state TEXT NOT NULL,
		error TEXT,
		frames INTEGER DEFAULT 0,
		submissions INTEGER DEFAULT 0,
		timecodes INTEGER DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_videos_position ON videos(position);
	CREATE INDEX IF NOT EXISTS idx_timecodes_video ON timecodes(video_id, id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}

	return nil
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
