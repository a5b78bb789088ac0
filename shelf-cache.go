// Package shelfcache is an offline-resilient, multi-tier asset cache
// for a reading-library client. It intercepts every outgoing request,
// classifies it, and applies a per-class caching strategy backed by two
// storage tiers: named, versioned response buckets and a durable blob
// store for cover art.
package shelfcache

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shelf-cache/shelf-cache/blobstore"
	"github.com/shelf-cache/shelf-cache/cache"
	"github.com/shelf-cache/shelf-cache/covers"
	"github.com/shelf-cache/shelf-cache/fetch"

	"github.com/rs/zerolog"
)

// Reserved prefix for backend API traffic.
const apiPrefix = "/api/"

// cacheStatusHeader reports the strategy outcome on every response.
const cacheStatusHeader = "X-Shelf-Cache"

const (
	statusHit      = "hit"
	statusMiss     = "miss"
	statusStale    = "stale"
	statusSentinel = "sentinel"
	statusBypass   = "bypass"
)

// defaultCoverHosts are the cover-art providers handled by the
// cover-image strategy.
var defaultCoverHosts = []string{
	"covers.openlibrary.org",
	"openlibrary.org",
	"covers.librarything.com",
}

type Config struct {
	// Buckets is the ephemeral response-cache tier.
	Buckets cache.Provider
	// Covers is the durable blob tier for cover images.
	Covers blobstore.Store
	// URL of the origin server for API and static traffic.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hosts handled by the cover strategy. Defaults to the known
	// cover providers if nil.
	CoverHosts []string
	// Cache generation. Bumping it and re-activating is the only
	// eviction mechanism. Defaults to 1.
	Generation int
	// Paths precached from the origin into the static bucket at
	// install time.
	Manifest []string
	// Client used for origin fetches. Redirects are not followed,
	// so redirect responses reach the strategies unconsumed.
	Client *http.Client
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Optional resolver and validator overrides, mainly for tests.
	Resolver  *covers.Resolver
	Validator *fetch.Validator
}

// Worker is the strategy dispatcher. It implements http.Handler and is
// the single entry point for every intercepted request.
type Worker struct {
	buckets    cache.Provider
	covers     blobstore.Store
	resolver   *covers.Resolver
	validator  *fetch.Validator
	client     *http.Client
	origin     url.URL
	coverHosts []string
	generation int
	manifest   []string
	log        zerolog.Logger
}

// New initializes the worker from constructor-injected services.
// Lifecycle is explicit: call Install and Activate before serving.
func New(config Config) *Worker {
	var logger zerolog.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().Str("origin", config.OriginURL.String()).Logger()

	client := config.Client
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	coverHosts := config.CoverHosts
	if coverHosts == nil {
		coverHosts = defaultCoverHosts
	}

	generation := config.Generation
	if generation == 0 {
		generation = 1
	}

	resolver := config.Resolver
	if resolver == nil {
		resolver = covers.NewResolver(covers.Config{Logger: &logger})
	}
	validator := config.Validator
	if validator == nil {
		validator = fetch.NewValidator(fetch.Config{
			Logger:       &logger,
			TrustedHosts: coverHosts,
		})
	}

	return &Worker{
		buckets:    config.Buckets,
		covers:     config.Covers,
		resolver:   resolver,
		validator:  validator,
		client:     client,
		origin:     config.OriginURL,
		coverHosts: coverHosts,
		generation: generation,
		manifest:   config.Manifest,
		log:        logger,
	}
}

type class int

const (
	classBypass class = iota
	classCover
	classAPI
	classDefault
)

func (c class) String() string {
	switch c {
	case classBypass:
		return "bypass"
	case classCover:
		return "cover"
	case classAPI:
		return "api"
	default:
		return "default"
	}
}

// classify places a request in exactly one class, first match wins:
// unsupported scheme → bypass, cover host → cover, API prefix → api,
// everything else → default.
func (wk *Worker) classify(r *http.Request) class {
	if r.URL.Scheme != "" && r.URL.Scheme != "http" && r.URL.Scheme != "https" {
		return classBypass
	}
	if wk.isCoverHost(wk.targetURL(r).Host) {
		return classCover
	}
	if strings.HasPrefix(r.URL.Path, apiPrefix) {
		return classAPI
	}
	return classDefault
}

func (wk *Worker) isCoverHost(host string) bool {
	for _, coverHost := range wk.coverHosts {
		if host == coverHost || hostname(host) == hostname(coverHost) {
			return true
		}
	}
	return false
}

// hostname strips the port, if any, from a host.
func hostname(host string) string {
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i+1:], "]") {
		return host[:i]
	}
	return host
}

// targetURL returns the absolute URL a request is aimed at:
// the URL itself for absolute-form (proxy) requests, the URL resolved
// against the origin otherwise.
func (wk *Worker) targetURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}
	return wk.origin.ResolveReference(r.URL)
}

// ServeHTTP implements the http.Handler interface.
// It is the main entry point for every intercepted request.
func (wk *Worker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// engine-owned cover endpoints
	if !r.URL.IsAbs() {
		switch r.URL.Path {
		case "/covers/search":
			wk.handleCoverSearch(w, r)
			return
		case "/covers/resolve":
			wk.handleCoverResolve(w, r)
			return
		}
	}

	c := wk.classify(r)
	wk.log.Debug().Str("method", r.Method).Str("url", r.URL.String()).
		Stringer("class", c).Msg("Dispatching request")

	switch c {
	case classBypass:
		wk.bypass(w, r)
	case classCover:
		wk.serveCover(w, r, wk.targetURL(r).String())
	case classAPI:
		wk.serveAPI(w, r)
	default:
		wk.serveDefault(w, r)
	}
}

// bypass forwards the request without touching either cache tier.
func (wk *Worker) bypass(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(cacheStatusHeader, statusBypass)
	req, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
	if err != nil {
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	copyHeader(req.Header, r.Header)
	res, err := wk.client.Do(req)
	if err != nil {
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	wk.send(w, res)
}

// fetchOrigin forwards the request upstream: absolute-form requests go
// to their own target, everything else to the origin server. Only
// origin responses are ever cached by the default strategy.
func (wk *Worker) fetchOrigin(r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method,
		wk.targetURL(r).String(), r.Body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	if !r.URL.IsAbs() {
		req.Host = wk.origin.Host
	}
	return wk.client.Do(req)
}

func (wk *Worker) send(w http.ResponseWriter, res *http.Response) {
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		wk.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// strip forwarding headers added by an upstream proxy
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
