// Package covers resolves loosely typed cover references into
// fetchable URLs and searches external providers for cover candidates.
package covers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// coverByIDTemplate is the fixed provider URL for cover images by
// numeric id. Large size, jpg.
const coverByIDTemplate = "https://covers.openlibrary.org/b/id/%d-L.jpg"

// Default search endpoints: the primary bibliographic index and the
// secondary encyclopedic fallback.
const (
	defaultSearchURL   = "https://openlibrary.org/search.json"
	defaultFallbackURL = "https://en.wikipedia.org/w/api.php"
)

// maxSearchResults caps the candidates taken from each provider.
const maxSearchResults = 5

var (
	// ErrNoReference is returned for a null/absent reference.
	// The caller substitutes its local placeholder asset.
	ErrNoReference = errors.New("covers: no reference")
	// ErrInvalidID is returned for a provider id of zero or less.
	// Zero is a known-bad sentinel in upstream data, not a valid id;
	// it must be rejected before any network I/O.
	ErrInvalidID = errors.New("covers: invalid cover id")
)

// Candidate is one cover image option returned by Search.
type Candidate struct {
	ID     int64  `json:"id,omitempty"`
	Title  string `json:"title"`
	Author string `json:"author,omitempty"`
	URL    string `json:"url"`
}

type Config struct {
	// HTTP client for search requests. http.DefaultClient if nil.
	Client *http.Client
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Overrides for the search endpoints, used in tests.
	SearchURL   string
	FallbackURL string
}

// Resolver turns cover references into canonical fetchable URLs and
// queries external providers for cover candidates by subject.
type Resolver struct {
	client      *http.Client
	log         zerolog.Logger
	searchURL   string
	fallbackURL string
}

func NewResolver(config Config) *Resolver {
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	var logger zerolog.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	searchURL := config.SearchURL
	if searchURL == "" {
		searchURL = defaultSearchURL
	}
	fallbackURL := config.FallbackURL
	if fallbackURL == "" {
		fallbackURL = defaultFallbackURL
	}
	return &Resolver{
		client:      client,
		log:         logger.With().Str("component", "resolver").Logger(),
		searchURL:   searchURL,
		fallbackURL: fallbackURL,
	}
}

// URLForID returns the provider URL for a numeric cover id.
// Ids of zero or less are rejected.
func URLForID(id int64) (string, error) {
	if id <= 0 {
		return "", ErrInvalidID
	}
	return fmt.Sprintf(coverByIDTemplate, id), nil
}

// Resolve turns a reference into a canonical fetchable URL, or rejects it.
// Data URLs pass through unchanged: they are displayable but carry no
// independently fetchable identity, so they are never persisted.
// Unrecognized references pass through as-is; downstream validation
// rejects them if unfetchable.
func (rv *Resolver) Resolve(ref Reference) (string, error) {
	switch ref.Kind {
	case KindNone:
		return "", ErrNoReference
	case KindURL, KindDataURL:
		return ref.URL, nil
	case KindNumericID:
		return URLForID(ref.ID)
	default:
		rv.log.Debug().Str("ref", ref.Raw).Msg("Passing through unrecognized reference")
		return ref.Raw, nil
	}
}

// Search queries the primary bibliographic index and the encyclopedic
// fallback concurrently for cover candidates matching a human-readable
// subject (title, author, or both). Candidates are de-duplicated by
// resolved URL, primary results first. One provider failing does not
// fail the search; Search only errors when both providers fail.
// Search performs no caching.
func (rv *Resolver) Search(ctx context.Context, subject string) ([]Candidate, error) {
	var primary, fallback []Candidate
	var primaryErr, fallbackErr error

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		primary, primaryErr = rv.searchPrimary(ctx, subject)
		if primaryErr != nil {
			rv.log.Warn().Err(primaryErr).Msg("Primary cover search failed")
		}
		return nil
	})
	g.Go(func() error {
		fallback, fallbackErr = rv.searchFallback(ctx, subject)
		if fallbackErr != nil {
			rv.log.Warn().Err(fallbackErr).Msg("Fallback cover search failed")
		}
		return nil
	})
	g.Wait()

	if primaryErr != nil && fallbackErr != nil {
		return nil, primaryErr
	}

	seen := make(map[string]struct{})
	candidates := make([]Candidate, 0, len(primary)+len(fallback))
	for _, c := range append(primary, fallback...) {
		if _, ok := seen[c.URL]; ok {
			continue
		}
		seen[c.URL] = struct{}{}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

type searchDoc struct {
	CoverID    int64    `json:"cover_i"`
	Title      string   `json:"title"`
	AuthorName []string `json:"author_name"`
}

type searchResult struct {
	Docs []searchDoc `json:"docs"`
}

func (rv *Resolver) searchPrimary(ctx context.Context, subject string) ([]Candidate, error) {
	reqURL := rv.searchURL + "?q=" + url.QueryEscape(subject)
	var result searchResult
	if err := rv.getJSON(ctx, reqURL, &result); err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, maxSearchResults)
	for _, doc := range result.Docs {
		if doc.CoverID == 0 {
			continue
		}
		coverURL, err := URLForID(doc.CoverID)
		if err != nil {
			continue
		}
		author := "Unknown"
		if len(doc.AuthorName) > 0 {
			author = doc.AuthorName[0]
		}
		candidates = append(candidates, Candidate{
			ID:     doc.CoverID,
			Title:  doc.Title,
			Author: author,
			URL:    coverURL,
		})
		if len(candidates) == maxSearchResults {
			break
		}
	}
	return candidates, nil
}

type pageImage struct {
	Title    string `json:"title"`
	Original struct {
		Source string `json:"source"`
	} `json:"original"`
}

type pageImageResult struct {
	Query struct {
		Pages map[string]pageImage `json:"pages"`
	} `json:"query"`
}

func (rv *Resolver) searchFallback(ctx context.Context, subject string) ([]Candidate, error) {
	query := url.Values{
		"action":    {"query"},
		"format":    {"json"},
		"generator": {"search"},
		"gsrsearch": {subject},
		"gsrlimit":  {fmt.Sprint(maxSearchResults)},
		"prop":      {"pageimages"},
		"piprop":    {"original"},
	}
	var result pageImageResult
	if err := rv.getJSON(ctx, rv.fallbackURL+"?"+query.Encode(), &result); err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(result.Query.Pages))
	for _, page := range result.Query.Pages {
		if page.Original.Source == "" {
			continue
		}
		candidates = append(candidates, Candidate{
			Title: page.Title,
			URL:   page.Original.Source,
		})
	}
	return candidates, nil
}

func (rv *Resolver) getJSON(ctx context.Context, reqURL string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return err
	}
	res, err := rv.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("covers: search returned status %d", res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(v)
}
