package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ErrNotFound is returned by Get when no record exists for the url.
var ErrNotFound = errors.New("blobstore: not found")

// Store is a durable url→blob table for cover images.
// A Put for an existing url fully replaces the prior record.
//
// Callers on the caching path treat Put as best-effort: a failed write
// is logged and ignored, never surfaced as a failure of the request
// that triggered it.
type Store interface {
	Put(ctx context.Context, url string, blob []byte) error
	Get(ctx context.Context, url string) (Record, error)
	Close() error
}

// Record is a stored blob, unique per canonical URL.
type Record struct {
	URL      string
	Blob     []byte
	StoredAt time.Time
}

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens the blob store with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
// The schema is created lazily if absent.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS covers (
		url TEXT PRIMARY KEY,
		blob BLOB,
		stored_at INTEGER
	)`)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Put upserts the record for url inside a single transaction.
func (s *SQLiteStore) Put(ctx context.Context, url string, blob []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO covers (url, blob, stored_at) VALUES (?, ?, ?)",
		url, blob, time.Now().Unix(),
	)
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, url string) (Record, error) {
	var rec Record
	var storedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT url, blob, stored_at FROM covers WHERE url = ?", url,
	).Scan(&rec.URL, &rec.Blob, &storedAt)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.StoredAt = time.Unix(storedAt, 0)
	return rec, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MemStore is an in-memory blob store for tests.
// It counts operations so dispatcher tests can assert cache-first
// behavior (zero network) and opaque behavior (zero writes).
type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]Record

	Gets int
	Puts int
}

func NewMemStore() *MemStore {
	return &MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]Record),
	}
}

func (m *MemStore) Put(ctx context.Context, url string, blob []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Puts++
	m.db[url] = Record{URL: url, Blob: blob, StoredAt: time.Now()}
	return nil
}

func (m *MemStore) Get(ctx context.Context, url string) (Record, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Gets++
	rec, ok := m.db[url]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemStore) Close() error {
	return nil
}

// Len reports the number of stored records.
func (m *MemStore) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}
