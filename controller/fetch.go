package controller

import (
	"context"
	"errors"
	"net/http"
	"strings"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/asset"
	"github.com/wolfeidau/offline-cache/download"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// offlineBody is returned for API requests when the network is unreachable.
const offlineBody = `{"success":false,"offline":true}`

// HandleFetch answers req according to its asset class.
//
// Non-GET requests go to the network untouched. API requests are network
// only and degrade to a synthetic offline response, whatever the lifecycle
// state. Before activation everything else goes to the network untouched;
// after it, assets are served stale-while-revalidate from the cache
// generations, falling back to the network and then to the shell.
func (c *Controller) HandleFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		telemetry.SetCacheResult(ctx, telemetry.CacheBypass)
		return c.passthrough(ctx, req, "")
	}

	class := c.classifier.Classify(req.URL)
	if class == asset.RemoteAPI {
		telemetry.SetClass(ctx, class.String())
		return c.fetchAPI(ctx, req)
	}

	if _, ok := c.activeCache(); !ok {
		telemetry.SetCacheResult(ctx, telemetry.CacheBypass)
		return c.passthrough(ctx, req, "")
	}

	telemetry.SetClass(ctx, class.String())
	return c.fetchAsset(ctx, req, class)
}

func (c *Controller) passthrough(ctx context.Context, req *http.Request, class string) (*http.Response, error) {
	if class != "" {
		ctx = telemetry.WithClassContext(ctx, class)
	}
	return c.transport.RoundTrip(req.WithContext(ctx))
}

func (c *Controller) fetchAPI(ctx context.Context, req *http.Request) (*http.Response, error) {
	class := asset.RemoteAPI.String()

	resp, err := c.passthrough(ctx, req, class)
	if err != nil {
		c.logger.Debug("api unreachable", "url", req.URL.String(), "error", err)
		telemetry.SetCacheResult(ctx, telemetry.CacheOffline)
		telemetry.RecordFetch(ctx, class, telemetry.CacheOffline)
		return offlineResponse(req), nil
	}
	telemetry.SetCacheResult(ctx, telemetry.CacheBypass)
	telemetry.RecordFetch(ctx, class, telemetry.CacheBypass)
	return resp, nil
}

func (c *Controller) fetchAsset(ctx context.Context, req *http.Request, class asset.Class) (*http.Response, error) {
	key := offlinecache.RequestKey(req.URL)

	snap, err := c.storage.Match(ctx, key)
	switch {
	case err == nil:
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
		telemetry.RecordFetch(ctx, class.String(), telemetry.CacheHit)
		c.refresh(req, key, class)
		return snap.Response(req), nil
	case !errors.Is(err, store.ErrNotFound):
		c.logger.Warn("cache lookup failed", "key", key, "error", err)
	}

	res, _, err := c.downloader.Do(ctx, key, c.fetchAndStore(req, key, class))
	if err == nil {
		telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
		telemetry.RecordFetch(ctx, class.String(), telemetry.CacheMiss)
		return res.Response(req), nil
	}
	download.ForgetOnDownloadError(c.downloader, key, err)

	if isNavigation(req) {
		if snap, ferr := c.storage.Match(ctx, c.fallbackKey); ferr == nil {
			c.logger.Debug("serving shell fallback", "url", req.URL.String(), "error", err)
			telemetry.SetCacheResult(ctx, telemetry.CacheFallback)
			telemetry.RecordFetch(ctx, class.String(), telemetry.CacheFallback)
			return snap.Response(req), nil
		}
	}

	// A concurrent fetch may have stored the entry since the first lookup.
	if snap, merr := c.storage.Match(ctx, key); merr == nil {
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
		telemetry.RecordFetch(ctx, class.String(), telemetry.CacheHit)
		return snap.Response(req), nil
	}

	telemetry.SetCacheResult(ctx, telemetry.CacheOffline)
	telemetry.RecordFetch(ctx, class.String(), telemetry.CacheOffline)
	return nil, err
}

// fetchAndStore returns a fetch that stores status 200 responses in the
// current generation. The fetch runs for at most the refresh timeout and is
// cancelled by Close.
func (c *Controller) fetchAndStore(req *http.Request, key string, class asset.Class) download.FetchFunc {
	return func(ctx context.Context) (*download.Result, error) {
		if !c.track() {
			return nil, ErrClosed
		}
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, c.refreshTimeout)
		defer cancel()
		stop := context.AfterFunc(c.ctx, cancel)
		defer stop()

		out := req.Clone(telemetry.WithClassContext(ctx, class.String()))
		resp, err := c.transport.RoundTrip(out)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := readBody(resp.Body)
		if err != nil {
			return nil, err
		}

		res := &download.Result{
			Status: resp.StatusCode,
			Header: resp.Header.Clone(),
			Body:   body,
		}
		if resp.StatusCode != http.StatusOK {
			return res, nil
		}

		cache, ok := c.activeCache()
		if !ok {
			return res, nil
		}
		if err := cache.Put(ctx, store.NewSnapshot(key, resp, body, c.now())); err != nil {
			c.logger.Warn("failed to store response", "key", key, "error", err)
			return res, nil
		}
		res.Stored = true
		return res, nil
	}
}

// refresh updates the cached entry for key in the background.
func (c *Controller) refresh(req *http.Request, key string, class asset.Class) {
	if !c.track() {
		return
	}

	// The caller's request is done with once the response is returned.
	out := req.Clone(context.Background())

	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(c.ctx, c.refreshTimeout)
		defer cancel()

		res, _, err := c.downloader.Do(ctx, key, c.fetchAndStore(out, key, class))
		switch {
		case err != nil:
			download.ForgetOnDownloadError(c.downloader, key, err)
			c.logger.Debug("background refresh failed", "key", key, "error", err)
			telemetry.RecordRefresh(ctx, "error")
		case res.Stored:
			telemetry.RecordRefresh(ctx, "stored")
		default:
			c.logger.Debug("background refresh not stored", "key", key, "status", res.Status)
			telemetry.RecordRefresh(ctx, "skipped")
		}
	}()
}

// isNavigation reports whether req loads a page.
func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

func offlineResponse(req *http.Request) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return (&download.Result{
		Status: http.StatusOK,
		Header: header,
		Body:   []byte(offlineBody),
	}).Response(req)
}
