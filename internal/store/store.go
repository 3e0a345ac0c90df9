// Package store is the daemon's persistence layer: durable share records
// and a small key-value table for daemon-wide state, backed by SQLite.
//
// The store is the only component that opens the database file. All access
// funnels through a single connection guarded by one mutex; the statements
// involved are small, so contention stays short.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/tracecast/tracecast/internal/protocol"
)

// Error wraps any database failure with the operation that produced it.
// Callers convert it to a request-level error response; it never takes the
// daemon down.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("database %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func dbErr(op string, err error) error { return &Error{Op: op, Err: err} }

// Store holds the single database connection.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the database file and ensures the schema exists.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, dbErr("open", err)
	}
	return open(path)
}

// OpenInMemory opens a private in-memory database, used by tests.
func OpenInMemory() (*Store, error) {
	return open(":memory:")
}

func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, dbErr("open", err)
	}
	// The sqlite connection does not tolerate concurrent writers; keep a
	// single connection and serialize access through the store mutex.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, dbErr("set journal mode", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return dbErr("begin schema", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS shares (
			id            TEXT PRIMARY KEY,
			session_path  TEXT NOT NULL,
			session_name  TEXT NOT NULL,
			public_url    TEXT NOT NULL,
			provider_name TEXT NOT NULL,
			local_port    INTEGER NOT NULL,
			started_at    TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE TABLE IF NOT EXISTS daemon_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return dbErr("create tables", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return dbErr("commit schema", err)
	}
	return nil
}

// InsertShare writes a new share record. The id must not already exist.
func (s *Store) InsertShare(info protocol.ShareInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO shares (id, session_path, session_name, public_url, provider_name, local_port, started_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID.String(), info.SessionPath, info.SessionName, info.PublicURL,
		info.ProviderName, info.LocalPort, info.StartedAt.UTC().Format(time.RFC3339Nano),
		string(info.Status),
	)
	if err != nil {
		return dbErr("insert share", err)
	}
	return nil
}

// UpdateShareStatus rewrites the status of an existing record.
func (s *Store) UpdateShareStatus(id protocol.ShareID, status protocol.ShareStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE shares SET status = ? WHERE id = ?`, string(status), id.String()); err != nil {
		return dbErr("update share status", err)
	}
	return nil
}

// UpdateShareURL rewrites the public URL of an existing record.
func (s *Store) UpdateShareURL(id protocol.ShareID, publicURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE shares SET public_url = ? WHERE id = ?`, publicURL, id.String()); err != nil {
		return dbErr("update share url", err)
	}
	return nil
}

// UpdateSharePort rewrites the local port of an existing record.
func (s *Store) UpdateSharePort(id protocol.ShareID, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE shares SET local_port = ? WHERE id = ?`, port, id.String()); err != nil {
		return dbErr("update share port", err)
	}
	return nil
}

// DeleteShare removes a record; deleting an unknown id is a no-op.
func (s *Store) DeleteShare(id protocol.ShareID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM shares WHERE id = ?`, id.String()); err != nil {
		return dbErr("delete share", err)
	}
	return nil
}

// GetShare fetches one record by id; nil when absent.
func (s *Store) GetShare(id protocol.ShareID) (*protocol.ShareInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT id, session_path, session_name, public_url, provider_name, local_port, started_at, status
		 FROM shares WHERE id = ?`, id.String())

	info, err := scanShare(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("get share", err)
	}
	return &info, nil
}

// ListShares returns every record, newest first.
func (s *Store) ListShares() ([]protocol.ShareInfo, error) {
	return s.listWhere("", nil)
}

// ListSharesByStatus returns records with the given status, newest first.
func (s *Store) ListSharesByStatus(status protocol.ShareStatus) ([]protocol.ShareInfo, error) {
	return s.listWhere("WHERE status = ?", []any{string(status)})
}

// ListActiveShares returns only active records.
func (s *Store) ListActiveShares() ([]protocol.ShareInfo, error) {
	return s.ListSharesByStatus(protocol.StatusActive)
}

func (s *Store) listWhere(where string, args []any) ([]protocol.ShareInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, session_path, session_name, public_url, provider_name, local_port, started_at, status
		 FROM shares ` + where + ` ORDER BY started_at DESC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, dbErr("list shares", err)
	}
	defer func() { _ = rows.Close() }()

	shares := []protocol.ShareInfo{}
	for rows.Next() {
		info, err := scanShare(rows)
		if err != nil {
			return nil, dbErr("list shares", err)
		}
		shares = append(shares, info)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list shares", err)
	}
	return shares, nil
}

// GetState fetches a daemon-state value; empty string and false if unset.
func (s *Store) GetState(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM daemon_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, dbErr("get state", err)
	}
	return value, true, nil
}

// SetState upserts a daemon-state value.
func (s *Store) SetState(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO daemon_state (key, value) VALUES (?, ?)`, key, value); err != nil {
		return dbErr("set state", err)
	}
	return nil
}

// DeleteState removes a daemon-state value; unknown keys are a no-op.
func (s *Store) DeleteState(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM daemon_state WHERE key = ?`, key); err != nil {
		return dbErr("delete state", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShare(row rowScanner) (protocol.ShareInfo, error) {
	var (
		info      protocol.ShareInfo
		id        string
		startedAt string
		status    string
	)
	err := row.Scan(&id, &info.SessionPath, &info.SessionName, &info.PublicURL,
		&info.ProviderName, &info.LocalPort, &startedAt, &status)
	if err != nil {
		return info, err
	}

	if info.ID, err = protocol.ParseShareID(id); err != nil {
		return info, err
	}
	if info.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return info, fmt.Errorf("invalid started_at %q: %w", startedAt, err)
	}
	if info.Status, err = protocol.ParseShareStatus(status); err != nil {
		return info, err
	}
	return info, nil
}
