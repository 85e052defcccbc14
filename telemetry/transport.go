package telemetry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// Network fetch outcomes.
const (
	FetchOK       = "ok"
	FetchClient   = "4xx"
	FetchServer   = "5xx"
	FetchOffline  = "offline"
	FetchTimeout  = "timeout"
	FetchCanceled = "canceled"
)

// InstrumentedTransport records every request that leaves the gateway. The
// class label comes from the request context and falls back to the
// transport's default.
type InstrumentedTransport struct {
	base  http.RoundTripper
	class string
}

// NewInstrumentedTransport wraps base, or http.DefaultTransport when base is nil.
func NewInstrumentedTransport(base http.RoundTripper, class string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, class: class}
}

// RoundTrip implements http.RoundTripper. Failed round trips are recorded
// immediately; responses are recorded when their body is closed so the
// byte count is complete.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	class := ClassFromContext(ctx)
	if class == "" {
		class = t.class
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		RecordNetworkFetch(ctx, class, time.Since(start), 0, ErrorOutcome(err))
		return nil, err
	}

	resp.Body = &meteredBody{
		ReadCloser: resp.Body,
		done: func(n int64) {
			RecordNetworkFetch(ctx, class, time.Since(start), n, StatusOutcome(resp.StatusCode))
		},
	}
	return resp, nil
}

// StatusOutcome maps a response status to a fetch outcome.
func StatusOutcome(status int) string {
	switch {
	case status >= http.StatusInternalServerError:
		return FetchServer
	case status >= http.StatusBadRequest:
		return FetchClient
	default:
		return FetchOK
	}
}

// ErrorOutcome maps a round trip error to a fetch outcome. Anything that is
// neither a cancellation nor a timeout counts as the network being unreachable.
func ErrorOutcome(err error) string {
	if errors.Is(err, context.Canceled) {
		return FetchCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FetchTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return FetchTimeout
	}
	return FetchOffline
}

// meteredBody counts bytes read and reports them once on Close.
type meteredBody struct {
	io.ReadCloser
	n    int64
	once sync.Once
	done func(n int64)
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *meteredBody) Close() error {
	b.once.Do(func() { b.done(b.n) })
	return b.ReadCloser.Close()
}
