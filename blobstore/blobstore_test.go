package blobstore

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "covers.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"sqlite": sqlite,
		"mem":    NewMemStore(),
	}
}

func TestPutAndGet(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			url := "https://covers.openlibrary.org/b/id/42-L.jpg"
			blob := []byte("jpeg bytes")

			if err := store.Put(ctx, url, blob); err != nil {
				t.Fatal(err)
			}
			rec, err := store.Get(ctx, url)
			if err != nil {
				t.Fatal(err)
			}
			if rec.URL != url {
				t.Fatalf("Record url is %s", rec.URL)
			}
			if !bytes.Equal(rec.Blob, blob) {
				t.Fatalf("Record blob is %s", rec.Blob)
			}
			if rec.StoredAt.IsZero() {
				t.Fatal("StoredAt not set")
			}
		})
	}
}

func TestGetNotFound(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "https://covers.openlibrary.org/b/id/1-L.jpg")
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("Error is %v", err)
			}
		})
	}
}

func TestPutUpserts(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			url := "https://covers.openlibrary.org/b/id/42-L.jpg"

			if err := store.Put(ctx, url, []byte("blob A")); err != nil {
				t.Fatal(err)
			}
			if err := store.Put(ctx, url, []byte("blob B")); err != nil {
				t.Fatal(err)
			}
			rec, err := store.Get(ctx, url)
			if err != nil {
				t.Fatal(err)
			}
			if string(rec.Blob) != "blob B" {
				t.Fatalf("Record blob is %s, last write should win", rec.Blob)
			}
		})
	}
	// exactly one record for the url after two puts
	mem := NewMemStore()
	ctx := context.Background()
	mem.Put(ctx, "u", []byte("a"))
	mem.Put(ctx, "u", []byte("b"))
	if mem.Len() != 1 {
		t.Fatalf("Store has %d records", mem.Len())
	}
}
