// Package fetch executes validated network fetches for cover images.
// It chooses a cross-origin mode per target host and judges whether the
// response is usable and safe to persist.
package fetch

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Mode is the cross-origin fetch mode for a target host.
type Mode int

const (
	// ModeCORS is the credentialed/standard mode, used for hosts on
	// the trusted allow-list.
	ModeCORS Mode = iota
	// ModeNoCORS is the restricted mode for all other external hosts.
	// The response is opaque: usable for display, but its status and
	// body cannot be verified, so it is never persisted.
	ModeNoCORS
)

func (m Mode) String() string {
	if m == ModeNoCORS {
		return "no-cors"
	}
	return "cors"
}

// Reason explains why a fetched response is or is not usable.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonNetworkError Reason = "network-error"
	ReasonHTTPError    Reason = "http-error"
	ReasonOpaque       Reason = "opaque-unverifiable"
	ReasonTooSmall     Reason = "too-small"
	ReasonInvalidID    Reason = "invalid-id"
)

// Verdict is the judgement on one fetch attempt. It is computed per
// attempt and never persisted; it drives whether bytes are cached or
// the caller substitutes a placeholder.
type Verdict struct {
	// Usable means the bytes may be shown to the user.
	Usable bool
	// Persistable means the bytes may be written to a cache tier.
	// Opaque responses are usable but never persistable.
	Persistable bool
	Reason      Reason
}

// Result is the outcome of a fetch. For opaque results the status is
// reported as zero and headers are withheld, matching what a
// restricted cross-origin fetch exposes.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
	Opaque bool
}

// minCoverBytes is the smallest body accepted as a real cover image.
// The primary provider answers requests for unknown ids with a tiny
// blank image instead of an error status; anything under this size is
// judged to be that blank, not a cover.
const minCoverBytes = 100

// defaultTrustedHosts are the cover providers known to grant
// cross-origin access.
var defaultTrustedHosts = []string{
	"covers.openlibrary.org",
	"openlibrary.org",
	"covers.librarything.com",
}

type Config struct {
	// HTTP client to fetch with. A 15s-timeout client if nil.
	Client *http.Client
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Hosts fetched in standard mode. Defaults to the known cover
	// providers if nil.
	TrustedHosts []string
	// Minimum accepted body size. Defaults to minCoverBytes if zero.
	MinBytes int
}

type Validator struct {
	client   *http.Client
	log      zerolog.Logger
	trusted  []string
	minBytes int
}

func NewValidator(config Config) *Validator {
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	var logger zerolog.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	trusted := config.TrustedHosts
	if trusted == nil {
		trusted = defaultTrustedHosts
	}
	minBytes := config.MinBytes
	if minBytes == 0 {
		minBytes = minCoverBytes
	}
	return &Validator{
		client:   client,
		log:      logger.With().Str("component", "validator").Logger(),
		trusted:  trusted,
		minBytes: minBytes,
	}
}

// ModeFor selects the fetch mode for a host. Hosts on the trusted
// allow-list get the standard mode; everything else is fetched
// restricted, since many third-party image hosts grant no explicit
// cross-origin permission but their images are still displayable.
func (v *Validator) ModeFor(host string) Mode {
	host = hostname(host)
	for _, trusted := range v.trusted {
		trusted = hostname(trusted)
		if host == trusted || strings.HasSuffix(host, "."+trusted) {
			return ModeCORS
		}
	}
	return ModeNoCORS
}

// hostname strips the port, if any, from a host.
func hostname(host string) string {
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i+1:], "]") {
		return host[:i]
	}
	return host
}

// Fetch retrieves the URL and computes a verdict:
//   - transport failure → NetworkError, unusable
//   - restricted mode → opaque: usable for display, never persisted
//   - non-2xx status → HTTPError, unusable
//   - 2xx body under the minimum size → TooSmall, unusable
//
// Only a usable, persistable verdict may trigger cache writes. The
// validator never fabricates image bytes; on an unusable verdict the
// caller substitutes its local placeholder.
func (v *Validator) Fetch(ctx context.Context, rawURL string) (*Result, Verdict) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, Verdict{Reason: ReasonNetworkError}
	}
	mode := v.ModeFor(req.URL.Host)
	v.log.Debug().Str("url", rawURL).Stringer("mode", mode).Msg("Fetching cover")

	res, err := v.client.Do(req)
	if err != nil {
		v.log.Debug().Err(err).Str("url", rawURL).Msg("Cover fetch failed")
		return nil, Verdict{Reason: ReasonNetworkError}
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, Verdict{Reason: ReasonNetworkError}
	}

	if mode == ModeNoCORS {
		// restricted fetch: status and headers are not exposed
		return &Result{Status: 0, Body: body, Opaque: true},
			Verdict{Usable: true, Persistable: false, Reason: ReasonOpaque}
	}

	result := &Result{Status: res.StatusCode, Header: res.Header, Body: body}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return result, Verdict{Reason: ReasonHTTPError}
	}
	if len(body) < v.minBytes {
		return result, Verdict{Reason: ReasonTooSmall}
	}
	return result, Verdict{Usable: true, Persistable: true}
}
