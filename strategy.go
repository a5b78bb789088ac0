package shelfcache

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shelf-cache/shelf-cache/blobstore"
	"github.com/shelf-cache/shelf-cache/cache"
	"github.com/shelf-cache/shelf-cache/covers"
	"github.com/shelf-cache/shelf-cache/fetch"
	serializer "github.com/shelf-cache/shelf-cache/pkg/response-serializer"
)

// sentinelBody marks a "not available" response synthesized by the
// engine, distinguishable from a genuine upstream 404 by body and by
// the cache-status header. The engine never fabricates image bytes;
// callers substitute their local placeholder asset.
const sentinelBody = "Cover image not available"

// networkFailedBody is the structured error returned when an API fetch
// fails and nothing is cached for the request.
const networkFailedBody = `{"error": "Network request failed"}`

// serveCover is the cache-first strategy for cover images:
// blob store hit → synthesized response, no network. Miss → validated
// fetch; confirmed-good bytes go to the blob store and, best-effort,
// to the covers bucket. Unusable fetches answer with the sentinel.
func (wk *Worker) serveCover(w http.ResponseWriter, r *http.Request, coverURL string) {
	ctx := r.Context()

	rec, err := wk.covers.Get(ctx, coverURL)
	if err == nil {
		wk.log.Debug().Str("url", coverURL).Msg("Serving cover from blob store")
		w.Header().Set("Content-Type", http.DetectContentType(rec.Blob))
		w.Header().Set(cacheStatusHeader, statusHit)
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(rec.Blob); err != nil {
			wk.log.Error().Err(err).Msg("Could not write response body to client")
		}
		return
	}
	if !errors.Is(err, blobstore.ErrNotFound) {
		// storage errors never fail the request
		wk.log.Error().Err(err).Str("url", coverURL).Msg("Could not read from blob store")
	}

	result, verdict := wk.validator.Fetch(ctx, coverURL)
	if !verdict.Usable {
		wk.log.Debug().Str("url", coverURL).Str("reason", string(verdict.Reason)).
			Msg("Cover not usable")
		wk.sendSentinel(w)
		return
	}

	if verdict.Persistable {
		if err := wk.covers.Put(ctx, coverURL, result.Body); err != nil {
			wk.log.Error().Err(err).Str("url", coverURL).Msg("Could not write to blob store")
		}
		// secondary tier fill runs detached from the request: a client
		// cancel does not cancel an already scheduled write
		go wk.fillCoverBucket(coverURL, result)
	}

	status := result.Status
	contentType := http.DetectContentType(result.Body)
	if result.Opaque {
		// opaque: status unknown, displayable, never persisted
		status = http.StatusOK
	} else if ct := result.Header.Get("Content-Type"); ct != "" {
		contentType = ct
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(cacheStatusHeader, statusMiss)
	w.WriteHeader(status)
	if _, err := w.Write(result.Body); err != nil {
		wk.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

func (wk *Worker) fillCoverBucket(coverURL string, result *fetch.Result) {
	bts, err := serializer.Synthesize(result.Status, result.Header, result.Body)
	if err != nil {
		wk.log.Error().Err(err).Str("url", coverURL).Msg("Could not serialize cover response")
		return
	}
	wk.storeEntry(wk.coversBucket(), "GET "+coverURL, bts)
}

// serveAPI is the network-first strategy: live response preferred,
// successful GET responses stored for offline fallback. On transport
// failure the dynamic bucket is consulted; if that also misses, a
// structured error response is synthesized instead of propagating the
// failure.
func (wk *Worker) serveAPI(w http.ResponseWriter, r *http.Request) {
	key := cache.Key(r)

	res, err := wk.fetchOrigin(r)
	if err != nil {
		wk.log.Debug().Err(err).Str("key", key).Msg("API fetch failed, trying cache")
		if entry, ok := wk.matchBucket(wk.dynamicBucket(), key); ok {
			if wk.replay(w, entry, statusStale) {
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(cacheStatusHeader, statusMiss)
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, networkFailedBody)
		return
	}

	if r.Method == http.MethodGet && res.StatusCode >= 200 && res.StatusCode <= 299 {
		if bts, err := serializer.ResponseToBytes(res); err != nil {
			wk.log.Error().Err(err).Str("key", key).Msg("Could not serialize response")
		} else {
			wk.storeEntry(wk.dynamicBucket(), key, bts)
		}
	}
	w.Header().Set(cacheStatusHeader, statusMiss)
	wk.send(w, res)
}

// serveDefault is the cache-falling-back-to-network strategy for
// static assets: bucket hit served immediately, misses fetched from
// the origin and stored when the response is a successful, same-origin,
// non-redirected one. Anything else is returned without caching so
// partial or error responses never poison the cache.
func (wk *Worker) serveDefault(w http.ResponseWriter, r *http.Request) {
	key := cache.Key(r)

	for _, name := range []string{wk.staticBucket(), wk.dynamicBucket()} {
		if entry, ok := wk.matchBucket(name, key); ok {
			if wk.replay(w, entry, statusHit) {
				return
			}
		}
	}

	res, err := wk.fetchOrigin(r)
	if err != nil {
		wk.log.Debug().Err(err).Str("key", key).Msg("Fetch failed with nothing cached")
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set(cacheStatusHeader, statusMiss)
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "Network error occurred")
		return
	}

	if res.StatusCode == http.StatusOK && !isRedirect(res.StatusCode) && wk.sameOrigin(res) {
		if bts, err := serializer.ResponseToBytes(res); err != nil {
			wk.log.Error().Err(err).Str("key", key).Msg("Could not serialize response")
		} else {
			wk.storeEntry(wk.dynamicBucket(), key, bts)
		}
	}
	w.Header().Set(cacheStatusHeader, statusMiss)
	wk.send(w, res)
}

func (wk *Worker) sameOrigin(res *http.Response) bool {
	return res.Request == nil || res.Request.URL.Host == wk.origin.Host
}

func isRedirect(statusCode int) bool {
	switch statusCode {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

// matchBucket looks up a key in a named bucket. Storage errors are
// absorbed and logged, reported as a miss.
func (wk *Worker) matchBucket(name, key string) (cache.Entry, bool) {
	bucket, err := wk.buckets.Open(name)
	if err != nil {
		wk.log.Error().Err(err).Str("bucket", name).Msg("Could not open bucket")
		return cache.Entry{}, false
	}
	entry, ok, err := bucket.Match(key)
	if err != nil {
		wk.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return cache.Entry{}, false
	}
	return entry, ok
}

// storeEntry writes a serialized response to a named bucket.
// Always best-effort: a failed write is logged, never surfaced.
func (wk *Worker) storeEntry(name, key string, bts []byte) {
	bucket, err := wk.buckets.Open(name)
	if err != nil {
		wk.log.Error().Err(err).Str("bucket", name).Msg("Could not open bucket")
		return
	}
	if err := bucket.Put(cache.Entry{Key: key, StoredAt: time.Now(), Bytes: bts}); err != nil {
		wk.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return
	}
	wk.log.Debug().Str("bucket", name).Str("key", key).Msg("Cache write")
}

// replay sends a stored entry to the client. Returns false if the
// entry could not be deserialized, so the caller can fall through.
func (wk *Worker) replay(w http.ResponseWriter, entry cache.Entry, status string) bool {
	res, err := serializer.BytesToResponse(entry.Bytes)
	if err != nil {
		wk.log.Error().Err(err).Str("key", entry.Key).Msg("Could not read from cache")
		return false
	}
	w.Header().Set(cacheStatusHeader, status)
	wk.send(w, res)
	return true
}

func (wk *Worker) sendSentinel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set(cacheStatusHeader, statusSentinel)
	w.WriteHeader(http.StatusNotFound)
	io.WriteString(w, sentinelBody)
}

// handleCoverSearch answers GET /covers/search?q=<subject> with the
// resolver's candidate list. The search path performs no caching.
func (wk *Worker) handleCoverSearch(w http.ResponseWriter, r *http.Request) {
	subject := strings.TrimSpace(r.URL.Query().Get("q"))
	w.Header().Set("Content-Type", "application/json")
	if subject == "" {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error": "Missing search query"}`)
		return
	}
	candidates, err := wk.resolver.Search(r.Context(), subject)
	if err != nil {
		wk.log.Error().Err(err).Str("q", subject).Msg("Cover search failed")
		candidates = []covers.Candidate{}
	}
	if candidates == nil {
		candidates = []covers.Candidate{}
	}
	if err := json.NewEncoder(w).Encode(map[string][]covers.Candidate{"covers": candidates}); err != nil {
		wk.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

// handleCoverResolve answers GET /covers/resolve?ref=<reference>:
// the reference is classified, resolved, and served through the cover
// strategy. Invalid references are rejected before any I/O.
func (wk *Worker) handleCoverResolve(w http.ResponseWriter, r *http.Request) {
	ref := covers.ParseReference(r.URL.Query().Get("ref"))
	resolved, err := wk.resolver.Resolve(ref)
	if err != nil {
		wk.log.Debug().Err(err).Str("ref", ref.Raw).Msg("Rejecting cover reference")
		wk.sendSentinel(w)
		return
	}
	if ref.Kind == covers.KindDataURL {
		// displayable as-is; carries no fetchable identity, never persisted
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set(cacheStatusHeader, statusBypass)
		io.WriteString(w, resolved)
		return
	}
	if !strings.HasPrefix(resolved, "http://") && !strings.HasPrefix(resolved, "https://") {
		wk.log.Debug().Str("url", resolved).Msg("Rejecting unsupported cover scheme")
		wk.sendSentinel(w)
		return
	}
	wk.serveCover(w, r, resolved)
}
