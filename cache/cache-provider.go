package cache

import (
	"database/sql"
	"net/http"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Provider is a store of named response buckets.
// A bucket holds HTTP request→response pairs keyed by exact request.
// Buckets are the only unit of eviction: the lifecycle manager deletes
// whole buckets by name when their generation goes stale.
//
// Implementations must be thread-safe!
type Provider interface {
	// Open returns the bucket with the given name,
	// creating it if it does not exist yet.
	Open(name string) (Bucket, error)
	// Delete removes the named bucket and all of its entries.
	// Deleting a bucket that does not exist is not an error.
	Delete(name string) error
	// Names returns the names of all buckets that currently hold entries.
	Names() ([]string, error)
}

// Bucket stores serialized HTTP responses keyed by exact request.
// A Put for an existing key replaces the whole entry.
type Bucket interface {
	Name() string
	// Match returns the entry for the given key, if one exists.
	Match(key string) (Entry, bool, error)
	// Put stores the entry, replacing any previous entry with the same key.
	Put(e Entry) error
}

// Entry is a single cached response.
// Bytes is the HTTP/1.1 wire representation of the response.
type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

// Key returns the bucket key for a request: method and canonical URL.
func Key(r *http.Request) string {
	return r.Method + " " + r.URL.String()
}

type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider creates a bucket provider with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
// The schema is created lazily if absent.
func NewSQLiteProvider(filename string) (*SQLiteProvider, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS buckets (
		bucket TEXT,
		key TEXT,
		stored_at INTEGER,
		bytes BLOB,
		PRIMARY KEY (bucket, key)
	)`)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	return &SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteProvider) Open(name string) (Bucket, error) {
	return &sqliteBucket{provider: s, name: name}, nil
}

func (s *SQLiteProvider) Delete(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM buckets WHERE bucket = ?", name)
	return err
}

func (s *SQLiteProvider) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT bucket FROM buckets ORDER BY bucket")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}

type sqliteBucket struct {
	provider *SQLiteProvider
	name     string
}

func (b *sqliteBucket) Name() string {
	return b.name
}

func (b *sqliteBucket) Match(key string) (Entry, bool, error) {
	var entry Entry
	var storedAt int64
	err := b.provider.db.QueryRow(
		"SELECT key, stored_at, bytes FROM buckets WHERE bucket = ? AND key = ?",
		b.name, key,
	).Scan(&entry.Key, &storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.StoredAt = time.Unix(storedAt, 0)
	return entry, true, nil
}

func (b *sqliteBucket) Put(e Entry) error {
	b.provider.writeMutex.Lock()
	defer b.provider.writeMutex.Unlock()
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	_, err := b.provider.db.Exec(
		"INSERT OR REPLACE INTO buckets (bucket, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		b.name, e.Key, e.StoredAt.Unix(), e.Bytes,
	)
	return err
}

// MemProvider is an in-memory bucket provider.
// It counts reads and writes, which the dispatcher tests use to assert
// when exactly zero cache I/O must happen.
type MemProvider struct {
	mutex   *sync.RWMutex
	buckets map[string]map[string]Entry

	Reads  int
	Writes int
}

func NewMemProvider() *MemProvider {
	return &MemProvider{
		mutex:   &sync.RWMutex{},
		buckets: make(map[string]map[string]Entry),
	}
}

func (m *MemProvider) Open(name string) (Bucket, error) {
	return &memBucket{provider: m, name: name}, nil
}

func (m *MemProvider) Delete(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.buckets, name)
	return nil
}

func (m *MemProvider) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type memBucket struct {
	provider *MemProvider
	name     string
}

func (b *memBucket) Name() string {
	return b.name
}

func (b *memBucket) Match(key string) (Entry, bool, error) {
	b.provider.mutex.Lock()
	defer b.provider.mutex.Unlock()
	b.provider.Reads++
	entries, ok := b.provider.buckets[b.name]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := entries[key]
	return entry, ok, nil
}

func (b *memBucket) Put(e Entry) error {
	b.provider.mutex.Lock()
	defer b.provider.mutex.Unlock()
	b.provider.Writes++
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	entries, ok := b.provider.buckets[b.name]
	if !ok {
		entries = make(map[string]Entry)
		b.provider.buckets[b.name] = entries
	}
	entries[e.Key] = e
	return nil
}
