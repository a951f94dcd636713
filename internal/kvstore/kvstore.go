// Package kvstore is the durable byte store every other component writes
// through: a single (key, value) table on SQLite, with atomic multi-key
// batch writes and lexicographic prefix scans, in the teacher's
// database/sql + modernc.org/sqlite idiom (worker_list_store.go).
package kvstore

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"
)

// Store is the KV store exclusively owning durable bytes per spec.md §3
// Ownership.
type Store struct {
	db     *sql.DB
	ownsDB bool
}

// Open creates or opens the SQLite-backed store at path, matching the
// teacher's newWorkerListStore/sql.Open pattern (foreign keys + WAL).
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir for kvstore %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_foreign_keys=1&_journal=WAL")
	if err != nil {
		return nil, fmt.Errorf("open kvstore %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping kvstore %s: %w", path, err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			k BLOB NOT NULL PRIMARY KEY,
			v BLOB NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	return &Store{db: db, ownsDB: true}, nil
}

// Close releases the underlying connection if this Store opened it.
func (s *Store) Close() error {
	if !s.ownsDB || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the value for key, or (nil, false) if absent. The read path
// never returns an error on a miss; only genuine I/O failures do, and those
// are logged by the caller rather than propagated as a miss.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore get: %w", err)
	}
	return v, true, nil
}

// Entry is one row in a batch write. A nil Value tombstones the key (writes
// an empty value) rather than deleting the row, matching spec.md §4.7's
// "empty value iff tombstoned" convention for index entries.
type Entry struct {
	Key   []byte
	Value []byte
}

// WriteBatch writes every entry atomically: readers observe either the
// pre- or post-batch state, never a partial write, per spec.md §4.3/§5.
func (s *Store) WriteBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("kvstore batch begin: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("kvstore batch prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		v := e.Value
		if v == nil {
			v = []byte{}
		}
		if _, err := stmt.Exec(e.Key, v); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("kvstore batch write %q: %w", e.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kvstore batch commit: %w", err)
	}
	return nil
}

// Put writes a single key, as a one-entry WriteBatch.
func (s *Store) Put(key, value []byte) error {
	return s.WriteBatch([]Entry{{Key: key, Value: value}})
}

// ScanPrefix returns up to limit entries with keys starting with prefix, in
// ascending lexicographic key order, starting strictly after cursor (or
// from the beginning when cursor is nil). This is the primitive behind the
// recent-games and pending-settlement indexes (spec.md §4.7).
func (s *Store) ScanPrefix(prefix, cursor []byte, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 1
	}

	// modernc.org/sqlite compares BLOBs byte-lexicographically, matching
	// the big-endian composite key layout spec.md §6 requires.
	upperBound := prefixUpperBound(prefix)

	var rows *sql.Rows
	var err error
	switch {
	case len(cursor) > 0 && upperBound != nil:
		rows, err = s.db.Query(`SELECT k, v FROM kv WHERE k > ? AND k < ? ORDER BY k ASC LIMIT ?`, cursor, upperBound, limit)
	case len(cursor) > 0:
		rows, err = s.db.Query(`SELECT k, v FROM kv WHERE k > ? AND k >= ? ORDER BY k ASC LIMIT ?`, cursor, prefix, limit)
	case upperBound != nil:
		rows, err = s.db.Query(`SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k ASC LIMIT ?`, prefix, upperBound, limit)
	default:
		rows, err = s.db.Query(`SELECT k, v FROM kv WHERE k >= ? ORDER BY k ASC LIMIT ?`, prefix, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore scan prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("kvstore scan prefix %q: %w", prefix, err)
		}
		if !bytes.HasPrefix(k, prefix) {
			continue
		}
		out = append(out, Entry{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out, rows.Err()
}

// prefixUpperBound returns the smallest byte string greater than every
// string with the given prefix, or nil if prefix is all 0xFF (no bound
// needed; spec.md's prefixes never hit this case).
func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
