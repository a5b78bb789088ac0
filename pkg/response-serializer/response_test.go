package serializer

import (
	"io"
	"net/http"
	"testing"
)

func TestSynthesizeRoundTrip(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	body := []byte(`[{"id": 1, "title": "Dune"}]`)

	bts, err := Synthesize(http.StatusOK, header, body)
	if err != nil {
		t.Fatal(err)
	}
	res, err := BytesToResponse(bts)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content type is %s", ct)
	}
	got, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(body) {
		t.Fatalf("Body is %s", got)
	}
}

func TestResponseToBytesRestoresBody(t *testing.T) {
	bts, err := Synthesize(http.StatusOK, http.Header{}, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	res, err := BytesToResponse(bts)
	if err != nil {
		t.Fatal(err)
	}
	// serializing drains the body; it must be readable afterwards
	if _, err := ResponseToBytes(res); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("Body is %s", got)
	}
}
