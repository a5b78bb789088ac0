package covers

import (
	"strconv"
	"strings"
)

// Kind tags the concrete shape of a cover reference.
type Kind int

const (
	// KindNone means the reference is null or absent.
	KindNone Kind = iota
	// KindURL is a full http(s) URL.
	KindURL
	// KindNumericID is a provider cover id.
	KindNumericID
	// KindDataURL is an inline base64/data-URI payload.
	KindDataURL
	// KindUnrecognized is any other shape, passed through best-effort.
	KindUnrecognized
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindURL:
		return "url"
	case KindNumericID:
		return "numeric-id"
	case KindDataURL:
		return "data-url"
	default:
		return "unrecognized"
	}
}

// Reference is the loosely typed value describing how to locate cover
// art, before resolution to a concrete URL. It is transient: parsed,
// resolved, and discarded, never persisted.
type Reference struct {
	Kind Kind
	// URL is set for KindURL and KindDataURL.
	URL string
	// ID is set for KindNumericID. It may be zero or negative;
	// Resolve rejects those before any I/O.
	ID int64
	// Raw is the original input, kept for KindUnrecognized pass-through.
	Raw string
}

// ParseReference classifies a raw cover reference.
// It is total: every input maps to exactly one Kind.
func ParseReference(raw string) Reference {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{Kind: KindNone}
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return Reference{Kind: KindURL, URL: raw, Raw: raw}
	}
	if strings.HasPrefix(raw, "data:") {
		return Reference{Kind: KindDataURL, URL: raw, Raw: raw}
	}
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return Reference{Kind: KindNumericID, ID: id, Raw: raw}
	}
	return Reference{Kind: KindUnrecognized, Raw: raw}
}
