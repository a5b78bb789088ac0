package shelfcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/shelf-cache/shelf-cache/blobstore"
	"github.com/shelf-cache/shelf-cache/cache"

	"github.com/rs/zerolog"
)

func TestCurrentBuckets(t *testing.T) {
	wk, _, _ := newTestWorker(t, "http://localhost:9", Config{Generation: 3})
	want := []string{"shelf-static-v3", "shelf-dynamic-v3", "shelf-covers-v3"}
	if got := wk.CurrentBuckets(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Buckets are %v", got)
	}
}

func TestInstallPopulatesStaticBucket(t *testing.T) {
	assets := map[string]string{
		"/index.html":                         "<html>shelf</html>",
		"/assets/images/book-placeholder.png": "png bytes placeholder",
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := assets[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, body)
	}))

	wk, buckets, _ := newTestWorker(t, server.URL, Config{
		Manifest: []string{"/index.html", "/assets/images/book-placeholder.png"},
	})

	if err := wk.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	bucket, _ := buckets.Open(wk.staticBucket())
	for path := range assets {
		if _, ok, _ := bucket.Match("GET " + path); !ok {
			t.Fatalf("Manifest asset %s not installed", path)
		}
	}

	// installed assets survive the origin going away
	server.Close()
	rr := do(wk, "GET", "/index.html")
	if rr.Code != http.StatusOK || rr.Body.String() != assets["/index.html"] {
		t.Fatalf("Status %d, body %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get(cacheStatusHeader) != statusHit {
		t.Fatalf("Cache status is %s", rr.Header().Get(cacheStatusHeader))
	}
}

func TestInstallFailsWhenAssetMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	wk, _, _ := newTestWorker(t, server.URL, Config{Manifest: []string{"/index.html"}})
	if err := wk.Install(context.Background()); err == nil {
		t.Fatal("Expected error")
	}
}

func TestActivateSweepsStaleGenerations(t *testing.T) {
	wk, buckets, _ := newTestWorker(t, "http://localhost:9", Config{Generation: 2})

	seed := func(name string) {
		bucket, _ := buckets.Open(name)
		bucket.Put(cache.Entry{Key: "GET /", Bytes: []byte("x")})
	}
	seed("shelf-static-v1")
	seed("shelf-dynamic-v1")
	seed("shelf-covers-v1")
	seed("some-other-cache")
	seed("shelf-static-v2")
	seed("shelf-dynamic-v2")

	if err := wk.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	names, _ := buckets.Names()
	want := []string{"shelf-dynamic-v2", "shelf-static-v2"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("Buckets after activation are %v", names)
	}
}

func TestActivateContinuesPastFailedDeletion(t *testing.T) {
	provider := &flakyProvider{
		MemProvider: cache.NewMemProvider(),
		failDelete:  "shelf-static-v1",
	}
	logger := zerolog.Nop()
	wk := New(Config{
		Buckets:    provider,
		Covers:     blobstore.NewMemStore(),
		OriginURL:  *mustParse(t, "http://localhost:9"),
		Generation: 2,
		Logger:     &logger,
	})

	seed := func(name string) {
		bucket, _ := provider.Open(name)
		bucket.Put(cache.Entry{Key: "GET /", Bytes: []byte("x")})
	}
	seed("shelf-static-v1")
	seed("shelf-dynamic-v1")
	seed("shelf-static-v2")

	if err := wk.Activate(context.Background()); err != nil {
		t.Fatalf("One failed deletion aborted the sweep: %v", err)
	}

	names, _ := provider.Names()
	want := []string{"shelf-static-v1", "shelf-static-v2"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("Buckets after activation are %v", names)
	}
}
