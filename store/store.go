// Package store persists scheduler session snapshots in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoSession is returned by Latest when nothing has been saved yet.
var ErrNoSession = errors.New("no saved session")

// defaultKeep is how many snapshots survive pruning when New is given zero.
const defaultKeep = 10

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    saved_at TIMESTAMP NOT NULL,
    active_tasks INTEGER NOT NULL DEFAULT 0,
    completed_tasks INTEGER NOT NULL DEFAULT 0,
    data BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_saved_at ON sessions(saved_at);
`

// Snapshot is one saved session blob with its bookkeeping columns.
type Snapshot struct {
	ID             int64     `json:"id"`
	SavedAt        time.Time `json:"saved_at"`
	ActiveTasks    int       `json:"active_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	Data           []byte    `json:"-"`
}

// SessionStore keeps the most recent session snapshots.
type SessionStore struct {
	db   *sql.DB
	keep int
}

// New opens (creating if needed) the database at path. ":memory:" is
// accepted for tests. keep bounds the number of retained snapshots.
func New(path string, keep int) (*SessionStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// WAL is not available for in-memory databases; failure is not fatal.
	db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
	`)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if keep <= 0 {
		keep = defaultKeep
	}
	return &SessionStore{db: db, keep: keep}, nil
}

// Close closes the database connection
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// Save stores a snapshot and prunes older ones beyond the retention limit.
func (s *SessionStore) Save(data []byte, active, completed int) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO sessions (saved_at, active_tasks, completed_tasks, data) VALUES (?, ?, ?, ?)`,
		time.Now().UTC(), active, completed, data,
	)
	if err != nil {
		return 0, fmt.Errorf("saving session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := s.db.Exec(
		`DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY id DESC LIMIT ?)`,
		s.keep,
	); err != nil {
		return id, fmt.Errorf("pruning sessions: %w", err)
	}
	return id, nil
}

// Latest returns the most recently saved snapshot.
func (s *SessionStore) Latest() (*Snapshot, error) {
	row := s.db.QueryRow(`
		SELECT id, saved_at, active_tasks, completed_tasks, data
		FROM sessions ORDER BY id DESC LIMIT 1
	`)
	return scanSnapshot(row)
}

// Get returns the snapshot with the given id.
func (s *SessionStore) Get(id int64) (*Snapshot, error) {
	row := s.db.QueryRow(`
		SELECT id, saved_at, active_tasks, completed_tasks, data
		FROM sessions WHERE id = ?
	`, id)
	return scanSnapshot(row)
}

// List returns snapshot metadata, newest first. Data is left empty.
func (s *SessionStore) List() ([]Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, saved_at, active_tasks, completed_tasks
		FROM sessions ORDER BY id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.SavedAt, &snap.ActiveTasks, &snap.CompletedTasks); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanSnapshot(row *sql.Row) (*Snapshot, error) {
	var snap Snapshot
	err := row.Scan(&snap.ID, &snap.SavedAt, &snap.ActiveTasks, &snap.CompletedTasks, &snap.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
