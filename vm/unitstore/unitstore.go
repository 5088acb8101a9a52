// Package unitstore keeps compiled units in a SQLite database, addressed
// by their content hash.
package unitstore

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/passer/vm"
	"github.com/chazu/passer/vm/unitfile"
	"github.com/tliron/commonlog"

	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("passer.unitstore")

// ErrUnitNotFound indicates no unit is stored under the requested hash.
var ErrUnitNotFound = errors.New("unit not found")

// Hash is the content hash of a unit.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes the hex form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("unitstore: invalid hash %q", s)
	}
	copy(h[:], b)
	return h, nil
}

// Entry describes one stored unit.
type Entry struct {
	Hash   Hash
	Name   string
	Size   int
	Stored time.Time
}

// Store is a content-addressed unit store.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the store at path. ":memory:" gives a private
// in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("unitstore: opening database: %w", err)
	}
	// An in-memory database lives as long as its connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("unitstore: setting busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS units (
		hash   TEXT PRIMARY KEY,
		name   TEXT NOT NULL,
		data   BLOB NOT NULL,
		stored INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("unitstore: creating table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores u and returns its hash. Storing the same unit twice keeps
// the first copy.
func (s *Store) Put(u *vm.CompiledUnit) (Hash, error) {
	data, err := unitfile.Marshal(u)
	if err != nil {
		return Hash{}, err
	}
	h, err := unitfile.Hash(u)
	if err != nil {
		return Hash{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		"INSERT OR IGNORE INTO units (hash, name, data, stored) VALUES (?, ?, ?, ?)",
		Hash(h).String(), u.Name, data, time.Now().Unix(),
	)
	if err != nil {
		return Hash{}, fmt.Errorf("unitstore: saving %s: %w", u.Name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Debugf("stored unit %s as %s (%d bytes)", u.Name, Hash(h), len(data))
	}
	return Hash(h), nil
}

// Get returns the unit stored under h.
func (s *Store) Get(h Hash) (*vm.CompiledUnit, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM units WHERE hash = ?", h.String()).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unitstore: %s: %w", h, ErrUnitNotFound)
		}
		return nil, fmt.Errorf("unitstore: querying %s: %w", h, err)
	}
	u, err := unitfile.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if got, err := unitfile.Hash(u); err != nil || Hash(got) != h {
		return nil, fmt.Errorf("unitstore: %s: stored data does not match its hash", h)
	}
	return u, nil
}

// Has reports whether a unit is stored under h.
func (s *Store) Has(h Hash) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM units WHERE hash = ?", h.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("unitstore: querying %s: %w", h, err)
	}
	return n > 0, nil
}

// Lookup returns the most recently stored unit with the given name.
func (s *Store) Lookup(name string) (Hash, error) {
	var text string
	err := s.db.QueryRow(
		"SELECT hash FROM units WHERE name = ? ORDER BY stored DESC, rowid DESC LIMIT 1", name,
	).Scan(&text)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Hash{}, fmt.Errorf("unitstore: %q: %w", name, ErrUnitNotFound)
		}
		return Hash{}, fmt.Errorf("unitstore: querying %q: %w", name, err)
	}
	return ParseHash(text)
}

// List returns every stored unit, oldest first.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query("SELECT hash, name, length(data), stored FROM units ORDER BY stored, rowid")
	if err != nil {
		return nil, fmt.Errorf("unitstore: listing: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			text   string
			e      Entry
			stored int64
		)
		if err := rows.Scan(&text, &e.Name, &e.Size, &stored); err != nil {
			return nil, fmt.Errorf("unitstore: listing: %w", err)
		}
		if e.Hash, err = ParseHash(text); err != nil {
			return nil, err
		}
		e.Stored = time.Unix(stored, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes the unit stored under h.
func (s *Store) Delete(h Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM units WHERE hash = ?", h.String())
	if err != nil {
		return fmt.Errorf("unitstore: deleting %s: %w", h, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unitstore: %s: %w", h, ErrUnitNotFound)
	}
	return nil
}
