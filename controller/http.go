package controller

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/wolfeidau/offline-cache/download"
)

var (
	_ http.Handler      = (*Controller)(nil)
	_ http.RoundTripper = (*Controller)(nil)
)

// ServeHTTP serves the app through the fetch policy. Relative request URLs
// are resolved against the app origin; absolute ones (forward proxy use) are
// fetched as given.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	out, err := c.outboundRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp, err := c.HandleFetch(r.Context(), out)
	if err != nil {
		download.HandleDownloadError(w, c.logger, err)
		return
	}
	download.WriteResponse(w, r, resp, c.logger)
}

// RoundTrip implements http.RoundTripper so clients in the same process get
// the same policy as the gateway.
func (c *Controller) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.HandleFetch(req.Context(), req)
}

func (c *Controller) outboundRequest(r *http.Request) (*http.Request, error) {
	target := r.URL
	if !target.IsAbs() {
		// Paths are relative to the origin so an app hosted under a prefix
		// keeps it.
		target = c.origin.ResolveReference(&url.URL{
			Path:     strings.TrimPrefix(r.URL.Path, "/"),
			RawQuery: r.URL.RawQuery,
		})
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}
	download.CopyHeader(out.Header, r.Header)
	out.ContentLength = r.ContentLength
	return out, nil
}
