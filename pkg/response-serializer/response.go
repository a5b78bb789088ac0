// Package serializer converts HTTP responses to and from their
// HTTP/1.1 wire representation, which is what the bucket tier stores.
package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// ResponseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// The response body is restored so the caller can still read it.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	// res.Write drained the body; set it back from the serialized copy
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	return bts, nil
}

// BytesToResponse converts a byte slice back to a http.Response.
func BytesToResponse(b []byte) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
}

// Synthesize builds the wire representation of a response from its parts.
// It is used for storing responses whose body has already been buffered.
func Synthesize(status int, header http.Header, body []byte) ([]byte, error) {
	res := &http.Response{
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        cloneHeader(header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	res.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return ResponseToBytes(res)
}

func cloneHeader(h http.Header) http.Header {
	cloned := make(http.Header, len(h))
	for k, vv := range h {
		for _, v := range vv {
			cloned.Add(k, v)
		}
	}
	return cloned
}
