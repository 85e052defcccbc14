package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// hopHeaders are connection-specific and never copied between hops.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HandleDownloadError writes an HTTP error for a fetch that produced no
// response: 504 when the caller's context ended, 502 otherwise.
func HandleDownloadError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
		return
	}
	logger.Error("fetch failed", "error", err)
	http.Error(w, "upstream error", http.StatusBadGateway)
}

// WriteResponse copies resp to w and closes its body. HEAD requests get
// headers only.
func WriteResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, logger *slog.Logger) int64 {
	defer func() { _ = resp.Body.Close() }()

	CopyHeader(w.Header(), resp.Header)
	if resp.ContentLength >= 0 && w.Header().Get("Content-Length") == "" {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", resp.ContentLength))
	}
	w.WriteHeader(resp.StatusCode)

	if r.Method == http.MethodHead {
		return 0
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		logger.Error("failed to stream response", "error", err)
	}
	return n
}

// CopyHeader copies src into dst, skipping hop-by-hop headers.
func CopyHeader(dst, src http.Header) {
	for k, vs := range src {
		dst[k] = append([]string(nil), vs...)
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

// ForgetOnDownloadError calls Forget on the downloader if the error represents
// a real fetch failure (not a caller context timeout).
func ForgetOnDownloadError(d *Downloader, key string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}

func newResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
