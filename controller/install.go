package controller

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/asset"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// InstallResult reports what an install stored.
type InstallResult struct {
	Version  string   `json:"version"`
	Required []string `json:"required"`
	Optional []string `json:"optional"`

	// OptionalErrors accumulates external assets that could not be cached.
	OptionalErrors *multierror.Error `json:"-"`

	// SkipWaiting asks the dispatcher to activate straight away.
	SkipWaiting bool `json:"skip_waiting"`
}

// Install precaches the manifest into the generation named by the version.
// Every core shell asset must be fetched with status 200 or the install fails
// and nothing is stored. External assets are cached individually; their
// failures are collected in OptionalErrors and never fail the install.
func (c *Controller) Install(ctx context.Context) (*InstallResult, error) {
	c.mu.Lock()
	prev := c.state
	if prev == StateInstalling || prev == StateActivating {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: state %s", ErrBusy, prev)
	}
	c.state = StateInstalling
	c.mu.Unlock()

	res, err := c.install(ctx)
	if err != nil {
		c.setState(prev)
		c.logger.Error("install failed", "error", err)
		return nil, err
	}

	if prev == StateActivated {
		// Reinstalling the active version refreshes it in place.
		c.setState(StateActivated)
	} else {
		c.setState(StateInstalled)
	}
	c.logger.Info("installed",
		"required", len(res.Required),
		"optional", len(res.Optional),
		"optional_failures", optionalFailures(res))
	return res, nil
}

func (c *Controller) install(ctx context.Context) (*InstallResult, error) {
	assets, err := c.manifest.Resolve(c.origin)
	if err != nil {
		return nil, err
	}

	var required, optional []asset.Asset
	for _, a := range assets {
		if a.Required {
			required = append(required, a)
		} else {
			optional = append(optional, a)
		}
	}

	snaps, err := c.fetchRequired(ctx, required)
	if err != nil {
		return nil, err
	}

	if c.manifest.DiscoverExternal {
		optional = c.discoverExternal(snaps, optional)
	}

	cache, err := c.storage.OpenCache(ctx, c.manifest.Version)
	if err != nil {
		return nil, err
	}
	if err := cache.PutAll(ctx, snaps); err != nil {
		return nil, fmt.Errorf("storing core shell: %w", err)
	}

	res := &InstallResult{
		Version:     c.manifest.Version,
		SkipWaiting: true,
	}
	for _, s := range snaps {
		res.Required = append(res.Required, s.Key)
	}

	stored, errs := c.fetchOptional(ctx, cache, optional)
	res.Optional = stored
	res.OptionalErrors = errs
	return res, nil
}

// fetchRequired fetches all core shell assets, failing on the first error.
func (c *Controller) fetchRequired(ctx context.Context, assets []asset.Asset) ([]*store.Snapshot, error) {
	snaps := make([]*store.Snapshot, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.installWorkers)
	for i, a := range assets {
		g.Go(func() error {
			snap, err := c.precache(gctx, a)
			if err != nil {
				telemetry.RecordInstallAsset(ctx, "required", "error")
				return fmt.Errorf("required asset %s: %w", a.URL, err)
			}
			telemetry.RecordInstallAsset(ctx, "required", "stored")
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snaps, nil
}

// fetchOptional caches each asset independently.
func (c *Controller) fetchOptional(ctx context.Context, cache *store.Cache, assets []asset.Asset) ([]string, *multierror.Error) {
	var (
		mu     sync.Mutex
		stored []string
		errs   *multierror.Error
	)

	g := new(errgroup.Group)
	g.SetLimit(c.installWorkers)
	for _, a := range assets {
		g.Go(func() error {
			snap, err := c.precache(ctx, a)
			if err == nil {
				err = cache.Put(ctx, snap)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				telemetry.RecordInstallAsset(ctx, "optional", "error")
				c.logger.Warn("optional asset not cached", "url", a.URL.String(), "error", err)
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", a.URL, err))
				return nil
			}
			telemetry.RecordInstallAsset(ctx, "optional", "stored")
			stored = append(stored, snap.Key)
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(stored)
	return stored, errs
}

// precache fetches one manifest asset and requires status 200.
func (c *Controller) precache(ctx context.Context, a asset.Asset) (*store.Snapshot, error) {
	ctx = telemetry.WithClassContext(ctx, a.Class.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := readBody(resp.Body)
	if err != nil {
		return nil, err
	}
	return store.NewSnapshot(offlinecache.RequestKey(a.URL), resp, body, c.now()), nil
}

// discoverExternal adds scripts and stylesheets referenced by HTML shell
// assets to the optional set.
func (c *Controller) discoverExternal(snaps []*store.Snapshot, optional []asset.Asset) []asset.Asset {
	known := make(map[string]struct{}, len(optional))
	for _, a := range optional {
		known[offlinecache.RequestKey(a.URL)] = struct{}{}
	}

	for _, s := range snaps {
		mt, _, _ := mime.ParseMediaType(s.Header.Get("Content-Type"))
		if mt != "text/html" {
			continue
		}
		found, err := asset.DiscoverExternal(s.Body, c.origin)
		if err != nil {
			c.logger.Debug("asset discovery failed", "url", s.URL, "error", err)
			continue
		}
		for _, raw := range found {
			u, err := url.Parse(raw)
			if err != nil {
				continue
			}
			a := asset.Asset{URL: u, Class: c.classifier.Classify(u)}
			key := offlinecache.RequestKey(u)
			if _, ok := known[key]; ok {
				continue
			}
			known[key] = struct{}{}
			optional = append(optional, a)
			c.logger.Debug("discovered external asset", "url", raw)
		}
	}
	return optional
}

func readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, store.MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if len(body) > store.MaxBodySize {
		return nil, store.ErrBodyTooLarge
	}
	return body, nil
}

func optionalFailures(res *InstallResult) int {
	if res.OptionalErrors == nil {
		return 0
	}
	return len(res.OptionalErrors.Errors)
}

// ActivateResult reports what activation changed.
type ActivateResult struct {
	Kept    string   `json:"kept"`
	Deleted []string `json:"deleted"`
	Claimed int      `json:"claimed"`
}

// Activate deletes every generation except the current version and claims
// all connected sessions.
func (c *Controller) Activate(ctx context.Context) (*ActivateResult, error) {
	c.mu.Lock()
	prev := c.state
	switch prev {
	case StateParsed:
		c.mu.Unlock()
		return nil, ErrNotInstalled
	case StateInstalling, StateActivating:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: state %s", ErrBusy, prev)
	}
	c.state = StateActivating
	c.mu.Unlock()

	res, cache, err := c.activate(ctx)
	if err != nil {
		c.setState(prev)
		return nil, err
	}

	c.mu.Lock()
	c.current = cache
	c.state = StateActivated
	c.mu.Unlock()

	res.Claimed = c.hub.Claim()
	c.logger.Info("activated", "deleted", res.Deleted, "claimed", res.Claimed)
	return res, nil
}

func (c *Controller) activate(ctx context.Context) (*ActivateResult, *store.Cache, error) {
	names, err := c.storage.Names(ctx)
	if err != nil {
		return nil, nil, err
	}

	res := &ActivateResult{Kept: c.manifest.Version}
	var errs *multierror.Error
	for _, name := range names {
		if name == c.manifest.Version {
			continue
		}
		if _, err := c.storage.Delete(ctx, name); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		res.Deleted = append(res.Deleted, name)
	}
	telemetry.RecordGenerationsDeleted(ctx, len(res.Deleted))
	if err := errs.ErrorOrNil(); err != nil {
		return nil, nil, fmt.Errorf("deleting stale generations: %w", err)
	}
	if _, err := c.storage.Sweep(ctx); err != nil {
		c.logger.Warn("sweeping orphaned snapshots failed", "error", err)
	}

	cache, err := c.storage.OpenCache(ctx, c.manifest.Version)
	if err != nil {
		return nil, nil, err
	}
	return res, cache, nil
}
