// Package controller decides how each request for the purchase order app is
// answered: from the current cache generation, from the network, or from a
// synthesised offline response. It also owns the generation lifecycle and
// relays sync signals to the sessions it controls.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/asset"
	"github.com/wolfeidau/offline-cache/download"
	"github.com/wolfeidau/offline-cache/message"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// State is the lifecycle state of the controller.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

// SyncTag is the background sync tag that triggers a queue drain.
const SyncTag = "sync-orders"

const (
	defaultRefreshTimeout = 30 * time.Second
	defaultInstallWorkers = 4
)

var (
	// ErrNotInstalled is returned when activating before any install succeeded.
	ErrNotInstalled = errors.New("no installed generation")

	// ErrBusy is returned while another lifecycle transition is running.
	ErrBusy = errors.New("lifecycle transition in progress")

	// ErrClosed is returned for fetches started after Close.
	ErrClosed = errors.New("controller closed")
)

// Controller is the asset cache controller.
type Controller struct {
	manifest    *asset.Manifest
	origin      *url.URL
	classifier  *asset.Classifier
	fallbackKey string

	storage    *store.Storage
	hub        *message.Hub
	transport  http.RoundTripper
	downloader *download.Downloader
	logger     *slog.Logger
	now        func() time.Time

	refreshTimeout time.Duration
	installWorkers int

	mu      sync.RWMutex
	state   State
	current *store.Cache

	// Background refreshes and network fetches
	closeMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger for the controller.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithTransport sets the round tripper used to reach the network.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Controller) {
		c.transport = rt
	}
}

// WithHub sets the message hub used to reach controlled sessions.
func WithHub(h *message.Hub) Option {
	return func(c *Controller) {
		c.hub = h
	}
}

// WithRefreshTimeout bounds each background cache refresh.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.refreshTimeout = d
	}
}

// WithInstallWorkers sets how many assets are fetched concurrently on install.
func WithInstallWorkers(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.installWorkers = n
		}
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// New creates a controller for the app served at origin.
func New(storage *store.Storage, manifest *asset.Manifest, origin *url.URL, opts ...Option) (*Controller, error) {
	if manifest == nil {
		manifest = asset.DefaultManifest()
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	if err := store.ValidateName(manifest.Version); err != nil {
		return nil, err
	}
	if origin == nil || !origin.IsAbs() {
		return nil, fmt.Errorf("app origin must be an absolute url")
	}

	fallback, err := manifest.FallbackURL(origin)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		manifest:       manifest,
		origin:         origin,
		classifier:     manifest.Classifier(origin),
		fallbackKey:    offlinecache.RequestKey(fallback),
		storage:        storage,
		logger:         slog.Default(),
		now:            time.Now,
		refreshTimeout: defaultRefreshTimeout,
		installWorkers: defaultInstallWorkers,
		state:          StateParsed,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "controller", "version", manifest.Version)
	if c.transport == nil {
		c.transport = telemetry.NewInstrumentedTransport(http.DefaultTransport, "")
	}
	if c.hub == nil {
		c.hub = message.NewHub(message.WithLogger(c.logger))
	}
	c.hub.SetReceiver(c)
	c.downloader = download.New(download.WithLogger(c.logger))

	return c, nil
}

// Close cancels background refreshes and in-flight fetches and waits for
// them to finish.
func (c *Controller) Close() {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// track registers one unit of background work. It returns false once the
// controller is closed.
func (c *Controller) track() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Version returns the name of the generation this controller installs.
func (c *Controller) Version() string {
	return c.manifest.Version
}

// Hub returns the message hub.
func (c *Controller) Hub() *message.Hub {
	return c.hub
}

// Classifier returns the request classifier.
func (c *Controller) Classifier() *asset.Classifier {
	return c.classifier
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug("state changed", "from", prev, "to", s)
	}
}

// activeCache returns the current generation once activated.
func (c *Controller) activeCache() (*store.Cache, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.state == StateActivated && c.current != nil
}

// Stats describes the controller for the stats endpoint.
type Stats struct {
	State       State                  `json:"state"`
	Version     string                 `json:"version"`
	Origin      string                 `json:"origin"`
	Generations []store.GenerationInfo `json:"generations"`
	Clients     int                    `json:"clients"`
}

// Stats returns the current lifecycle and storage state.
func (c *Controller) Stats(ctx context.Context) (*Stats, error) {
	gens, err := c.storage.Generations(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		State:       c.State(),
		Version:     c.manifest.Version,
		Origin:      c.origin.String(),
		Generations: gens,
		Clients:     len(c.hub.MatchAll()),
	}, nil
}
