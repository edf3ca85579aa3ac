package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStore persists the session in a single-row sqlite table, for
// clients that already carry a local database. Semantics are identical to
// FileStore: one well-known record, lazy expiry on Load.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// session table exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return NewSQLiteStoreFromDB(db)
}

// NewSQLiteStoreFromDB wraps an existing database connection.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	query := `CREATE TABLE IF NOT EXISTS auth_session (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(query); err != nil {
		return nil, fmt.Errorf("failed to create session table: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Save(sess *Session) error {
	query := `INSERT INTO auth_session (id, token, refresh_token, expires_at)
			  VALUES (1, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  token = excluded.token,
			  refresh_token = excluded.refresh_token,
			  expires_at = excluded.expires_at`

	if _, err := s.db.Exec(query, sess.Token, sess.RefreshToken, sess.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load() (*Session, error) {
	var sess Session
	err := s.db.QueryRow("SELECT token, refresh_token, expires_at FROM auth_session WHERE id = 1").
		Scan(&sess.Token, &sess.RefreshToken, &sess.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if sess.Token == "" || sess.Expired(s.now()) {
		if err := s.Clear(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &sess, nil
}

func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec("DELETE FROM auth_session WHERE id = 1"); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
