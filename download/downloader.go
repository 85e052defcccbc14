// Package download provides singleflight-based deduplication for concurrent
// network fetches. When several requests need the same uncached resource, or
// several background refreshes target the same key, only one fetch runs.
package download

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/sync/singleflight"
)

// Result holds a fetched response with its body fully read.
type Result struct {
	Status int
	Header http.Header
	Body   []byte

	// Stored is true when the response was written to the cache.
	Stored bool
}

// Response builds an http.Response from the result for req.
func (r *Result) Response(req *http.Request) *http.Response {
	return newResponse(req, r.Status, r.Header, r.Body)
}

// FetchFunc performs one network fetch and may store what it got.
type FetchFunc func(ctx context.Context) (*Result, error)

// Downloader collapses concurrent fetches of one request key into a single
// network round trip.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "download")
	return d
}

// Do runs fn once per key among concurrent callers and reports whether the
// result was shared. fn runs on a context that ignores the caller's
// cancellation, so a caller that gives up early gets ctx.Err() while the
// fetch still completes for everyone else waiting on the key.
func (d *Downloader) Do(ctx context.Context, key string, fn FetchFunc) (*Result, bool, error) {
	detached := context.WithoutCancel(ctx)
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})

	select {
	case res := <-ch:
		if res.Shared {
			d.logger.Debug("fetch shared", "key", key, "error", res.Err)
		}
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		d.logger.Debug("caller abandoned fetch", "key", key, "error", ctx.Err())
		return nil, false, ctx.Err()
	}
}

// Forget drops key so the next Do starts a fresh fetch instead of joining
// one that already failed.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}
