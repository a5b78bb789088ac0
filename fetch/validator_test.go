package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func coverBytes(n int) []byte {
	return bytes.Repeat([]byte{0xff}, n)
}

func TestModeFor(t *testing.T) {
	v := NewValidator(Config{})
	cases := map[string]Mode{
		"covers.openlibrary.org":      ModeCORS,
		"openlibrary.org":             ModeCORS,
		"covers.librarything.com":     ModeCORS,
		"covers.openlibrary.org:8080": ModeCORS,
		"images.example.com":          ModeNoCORS,
		"example.com":                 ModeNoCORS,
	}
	for host, want := range cases {
		if mode := v.ModeFor(host); mode != want {
			t.Fatalf("ModeFor(%q) is %s, want %s", host, mode, want)
		}
	}
}

func TestFetchNetworkError(t *testing.T) {
	down := httptest.NewServer(nil)
	down.Close()

	v := NewValidator(Config{TrustedHosts: []string{hostOf(t, down.URL)}})
	_, verdict := v.Fetch(context.Background(), down.URL+"/img.jpg")
	if verdict.Usable {
		t.Fatal("Verdict should not be usable")
	}
	if verdict.Reason != ReasonNetworkError {
		t.Fatalf("Reason is %s", verdict.Reason)
	}
}

func TestFetchUnfetchableURL(t *testing.T) {
	v := NewValidator(Config{})
	_, verdict := v.Fetch(context.Background(), "::not a url::")
	if verdict.Usable || verdict.Reason != ReasonNetworkError {
		t.Fatalf("Verdict is %+v", verdict)
	}
}

func TestFetchHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	v := NewValidator(Config{TrustedHosts: []string{hostOf(t, server.URL)}})
	result, verdict := v.Fetch(context.Background(), server.URL+"/img.jpg")
	if verdict.Usable {
		t.Fatal("Verdict should not be usable")
	}
	if verdict.Reason != ReasonHTTPError {
		t.Fatalf("Reason is %s", verdict.Reason)
	}
	if result.Status != http.StatusNotFound {
		t.Fatalf("Status is %d", result.Status)
	}
}

func TestFetchTooSmall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the provider's blank image for unknown ids
		w.Write(coverBytes(43))
	}))
	defer server.Close()

	v := NewValidator(Config{TrustedHosts: []string{hostOf(t, server.URL)}})
	_, verdict := v.Fetch(context.Background(), server.URL+"/img.jpg")
	if verdict.Usable {
		t.Fatal("Verdict should not be usable")
	}
	if verdict.Reason != ReasonTooSmall {
		t.Fatalf("Reason is %s", verdict.Reason)
	}
}

func TestFetchUsableAndPersistable(t *testing.T) {
	body := coverBytes(500)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer server.Close()

	v := NewValidator(Config{TrustedHosts: []string{hostOf(t, server.URL)}})
	result, verdict := v.Fetch(context.Background(), server.URL+"/img.jpg")
	if !verdict.Usable || !verdict.Persistable {
		t.Fatalf("Verdict is %+v", verdict)
	}
	if !bytes.Equal(result.Body, body) {
		t.Fatal("Body does not match")
	}
	if result.Opaque {
		t.Fatal("Result should not be opaque")
	}
}

func TestFetchOpaque(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(coverBytes(500))
	}))
	defer server.Close()

	// server host not on the allow-list: restricted mode
	v := NewValidator(Config{TrustedHosts: []string{"covers.openlibrary.org"}})
	result, verdict := v.Fetch(context.Background(), server.URL+"/img.jpg")
	if !verdict.Usable {
		t.Fatal("Opaque result should be usable for display")
	}
	if verdict.Persistable {
		t.Fatal("Opaque result must never be persistable")
	}
	if verdict.Reason != ReasonOpaque {
		t.Fatalf("Reason is %s", verdict.Reason)
	}
	if !result.Opaque || result.Status != 0 {
		t.Fatalf("Result is %+v", result)
	}
	if len(result.Body) != 500 {
		t.Fatal("Opaque body should still carry the bytes for display")
	}
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(u.Host, ":")[0]
}
