// Package usercache implements the process-global embedded store
// mapping a source username to a resolved target identity, with
// is_empty/is_pending tombstone states. Same storage shape and
// migration style as pkg/processinglog.
package usercache

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Entry is one user_mappings row.
type Entry struct {
	Username  string
	LarkEmail string
	LarkUser  string
	LarkName  string
	IsEmpty   bool
	IsPending bool
}

// Resolved reports whether the entry represents a successful mapping
// (non-empty identity fields, neither tombstone state set).
func (e Entry) Resolved() bool {
	return !e.IsEmpty && !e.IsPending && e.LarkUser != "" && e.LarkEmail != "" && e.LarkName != ""
}

// Store is the process-global user identity cache.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) the sqlite file at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening user cache %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS user_mappings (
			username TEXT PRIMARY KEY,
			lark_email TEXT,
			lark_user_id TEXT,
			lark_name TEXT,
			is_empty INTEGER NOT NULL DEFAULT 0,
			is_pending INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("migrating user cache: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored entry for username, or nil if absent.
func (s *Store) Get(username string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e Entry
	var email, userID, name sql.NullString
	var isEmpty, isPending int
	err := s.db.QueryRow(`
		SELECT username, lark_email, lark_user_id, lark_name, is_empty, is_pending
		FROM user_mappings WHERE username = ?
	`, username).Scan(&e.Username, &email, &userID, &name, &isEmpty, &isPending)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading user cache entry for %s: %w", username, err)
	}
	e.LarkEmail = email.String
	e.LarkUser = userID.String
	e.LarkName = name.String
	e.IsEmpty = isEmpty != 0
	e.IsPending = isPending != 0
	return &e, nil
}

// Set upserts a fully-resolved or tombstoned entry, clearing whichever
// tombstone bit does not apply.
func (s *Store) Set(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	isEmpty, isPending := 0, 0
	if e.IsEmpty {
		isEmpty = 1
	}
	if e.IsPending {
		isPending = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO user_mappings (username, lark_email, lark_user_id, lark_name, is_empty, is_pending)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			lark_email = excluded.lark_email,
			lark_user_id = excluded.lark_user_id,
			lark_name = excluded.lark_name,
			is_empty = excluded.is_empty,
			is_pending = excluded.is_pending
	`, e.Username, e.LarkEmail, e.LarkUser, e.LarkName, isEmpty, isPending)
	if err != nil {
		return fmt.Errorf("writing user cache entry for %s: %w", e.Username, err)
	}
	return nil
}

// SetPending writes (or overwrites) a pending tombstone for username,
// used on first sight.
func (s *Store) SetPending(username string) error {
	return s.Set(Entry{Username: username, IsPending: true})
}

// SetEmpty writes (or overwrites) an empty tombstone for username,
// used when performLookup exhausts every domain candidate.
func (s *Store) SetEmpty(username string) error {
	return s.Set(Entry{Username: username, IsEmpty: true})
}

// SetResolved writes a successfully-resolved identity, clearing both
// tombstone bits.
func (s *Store) SetResolved(username, email, userID, name string) error {
	return s.Set(Entry{Username: username, LarkEmail: email, LarkUser: userID, LarkName: name})
}

// Delete removes a username's entry entirely.
func (s *Store) Delete(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM user_mappings WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("deleting user cache entry for %s: %w", username, err)
	}
	return nil
}

// ListPending returns every username currently marked pending.
func (s *Store) ListPending() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT username FROM user_mappings WHERE is_pending = 1`)
	if err != nil {
		return nil, fmt.Errorf("listing pending users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usernames []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scanning pending user: %w", err)
		}
		usernames = append(usernames, u)
	}
	return usernames, nil
}

// ClearPending deletes every currently-pending row without resolving
// it, so each of those usernames is treated as unseen (and marked
// pending again) the next time it is mapped; used as a cache-rebuild
// safety valve.
func (s *Store) ClearPending() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM user_mappings WHERE is_pending = 1`)
	if err != nil {
		return fmt.Errorf("clearing pending users: %w", err)
	}
	return nil
}

// Stats summarizes the cache's contents.
type Stats struct {
	Total     int64
	Resolved  int64
	Empty     int64
	Pending   int64
}

// Stats computes Stats over the whole table.
func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	err := s.db.QueryRow(`SELECT COUNT(*) FROM user_mappings`).Scan(&st.Total)
	if err != nil {
		return st, fmt.Errorf("counting user cache rows: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM user_mappings WHERE is_empty = 1`).Scan(&st.Empty); err != nil {
		return st, fmt.Errorf("counting empty rows: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM user_mappings WHERE is_pending = 1`).Scan(&st.Pending); err != nil {
		return st, fmt.Errorf("counting pending rows: %w", err)
	}
	st.Resolved = st.Total - st.Empty - st.Pending
	return st, nil
}

// Vacuum reclaims space.
func (s *Store) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`VACUUM`)
	return err
}
