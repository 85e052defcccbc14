package store

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Snapshot is a stored copy of a network response.
type Snapshot struct {
	Key      string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// hopHeaders are not meaningful once a response has been stored.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Set-Cookie",
}

// NewSnapshot captures resp with an already-read body under key.
func NewSnapshot(key string, resp *http.Response, body []byte, now time.Time) *Snapshot {
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Del("Content-Length")

	u := ""
	if resp.Request != nil && resp.Request.URL != nil {
		u = resp.Request.URL.String()
	}

	return &Snapshot{
		Key:      key,
		URL:      u,
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: now.UTC(),
	}
}

// Response builds a fresh http.Response from the snapshot.
// Each call returns an independent body reader.
func (s *Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}
