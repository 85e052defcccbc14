// Package server provides the HTTP servers: the offline gateway in front of
// the purchase order app and the sheets-backed order API.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/offline-cache/asset"
	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/connectivity"
	"github.com/wolfeidau/offline-cache/controller"
	"github.com/wolfeidau/offline-cache/message"
	"github.com/wolfeidau/offline-cache/queue"
	"github.com/wolfeidau/offline-cache/remoteapi"
	"github.com/wolfeidau/offline-cache/session"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// Config holds gateway configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the root path for the cache index, snapshots and queue.
	StoragePath string

	// Origin is the URL the purchase order app is served from.
	Origin string

	// ManifestPath is an optional YAML asset manifest.
	// The built-in manifest is used when empty.
	ManifestPath string

	// APIURL is the order API endpoint used by the session.
	APIURL string

	// LookupsTTL is how long lookups are cached by the session.
	// Default: 5 minutes. Negative disables caching.
	LookupsTTL time.Duration

	// ProbeInterval is how often the API host is probed for connectivity.
	// Default: 30 seconds.
	ProbeInterval time.Duration

	// RefreshTimeout bounds each background cache refresh.
	// Default: 30 seconds.
	RefreshTimeout time.Duration

	// InstallWorkers is how many assets are fetched at once on install.
	InstallWorkers int

	// AuthToken protects the management routes when set.
	AuthToken string

	// Transport is the network round tripper. Default: http.DefaultTransport.
	Transport http.RoundTripper

	// Logger for the server
	Logger *slog.Logger
}

// Server is the offline gateway.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	backend    backend.Backend
	storage    *store.Storage
	controller *controller.Controller
	queue      *queue.Queue
	session    *session.Session
	monitor    *connectivity.Monitor

	// Background session loop
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a new gateway with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./cache"
	}
	if cfg.LookupsTTL == 0 {
		cfg.LookupsTTL = remoteapi.DefaultLookupsTTL
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.Origin == "" {
		return nil, fmt.Errorf("app origin is required")
	}

	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("parsing origin: %w", err)
	}

	manifest := asset.DefaultManifest()
	if cfg.ManifestPath != "" {
		if manifest, err = asset.LoadManifest(cfg.ManifestPath); err != nil {
			return nil, err
		}
	}

	// Requests to the configured API are never cached, whatever the
	// manifest names.
	if cfg.APIURL != "" {
		apiURL, err := url.Parse(cfg.APIURL)
		if err != nil {
			return nil, fmt.Errorf("parsing api url: %w", err)
		}
		if host := apiURL.Hostname(); host != "" && host != manifest.APIHost {
			cfg.Logger.Info("api host taken from api url",
				"manifest_api_host", manifest.APIHost, "api_host", host)
			manifest.APIHost = host
		}
	}

	// Initialize storage backend
	fsBackend, err := backend.NewFilesystem(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	instrumented := backend.NewInstrumentedBackend(fsBackend, "filesystem")

	storage, err := store.Open(filepath.Join(cfg.StoragePath, "cache.db"), instrumented,
		store.WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}

	transport := telemetry.NewInstrumentedTransport(cfg.Transport, "")
	hub := message.NewHub(message.WithLogger(cfg.Logger))

	ctrlOpts := []controller.Option{
		controller.WithLogger(cfg.Logger),
		controller.WithTransport(transport),
		controller.WithHub(hub),
		controller.WithInstallWorkers(cfg.InstallWorkers),
	}
	if cfg.RefreshTimeout > 0 {
		ctrlOpts = append(ctrlOpts, controller.WithRefreshTimeout(cfg.RefreshTimeout))
	}
	ctrl, err := controller.New(storage, manifest, origin, ctrlOpts...)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	q, err := queue.Open(filepath.Join(cfg.StoragePath, "queue.db"),
		queue.WithLogger(cfg.Logger), queue.WithName("gateway"))
	if err != nil {
		ctrl.Close()
		_ = storage.Close()
		return nil, err
	}

	// The session reaches the API through the controller, like the app does.
	api := remoteapi.NewClient(
		remoteapi.WithBaseURL(cfg.APIURL),
		remoteapi.WithHTTPClient(&http.Client{Transport: ctrl, Timeout: 30 * time.Second}),
		remoteapi.WithLookupsTTL(cfg.LookupsTTL),
		remoteapi.WithLogger(cfg.Logger),
	)
	sess := session.New(q, api, hub, session.WithLogger(cfg.Logger), session.WithID("gateway"))

	// Probes go straight to the network so the offline synthesis cannot
	// mask an outage.
	var monitor *connectivity.Monitor
	if cfg.APIURL != "" {
		prober := &connectivity.HTTPProber{URL: cfg.APIURL, Client: &http.Client{Transport: transport}}
		monitor = connectivity.NewMonitor(prober, connectivity.Config{
			Interval: cfg.ProbeInterval,
			Logger:   cfg.Logger,
		})
		monitor.OnChange(sess.OnConnectivityChange)
	}

	s := &Server{
		config:     cfg,
		logger:     cfg.Logger,
		backend:    instrumented,
		storage:    storage,
		controller: ctrl,
		queue:      q,
		session:    sess,
		monitor:    monitor,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      loggingMiddleware(s.logger, mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Controller and session state
	mux.Handle("GET /stats", s.authMiddleware(http.HandlerFunc(s.handleStats)))

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.Handle("POST /controller/install", s.authMiddleware(http.HandlerFunc(s.handleInstall)))

	// Session endpoints used by the UI
	mux.Handle("POST /session/orders", s.authMiddleware(http.HandlerFunc(s.handleCreateOrder)))
	mux.Handle("PUT /session/orders/{poNumber}", s.authMiddleware(http.HandlerFunc(s.handleUpdateOrder)))
	mux.Handle("GET /session/orders", s.authMiddleware(http.HandlerFunc(s.handleListOrders)))
	mux.Handle("GET /session/queue", s.authMiddleware(http.HandlerFunc(s.handleQueue)))
	mux.Handle("DELETE /session/queue/{id}", s.authMiddleware(http.HandlerFunc(s.handleDiscard)))
	mux.Handle("POST /session/sync", s.authMiddleware(http.HandlerFunc(s.handleSync)))
	mux.Handle("GET /session/lookups", s.authMiddleware(http.HandlerFunc(s.handleLookups)))

	// Everything else is the app, served through the controller
	mux.Handle("/", s.controller)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	Controller *controller.Stats `json:"controller"`
	Session    *session.Status   `json:"session"`
}

// handleStats reports the controller lifecycle and the session queue.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "stats")

	ctrlStats, err := s.controller.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sessStatus, err := s.session.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Controller: ctrlStats, Session: sessStatus})
}

type installResponse struct {
	Install        *controller.InstallResult  `json:"install"`
	Activate       *controller.ActivateResult `json:"activate,omitempty"`
	OptionalErrors []string                   `json:"optional_errors,omitempty"`
}

// handleInstall installs and activates the current manifest version.
func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "install")

	out, err := s.controller.Dispatch(r.Context(), controller.Event{Kind: controller.EventInstall})
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	resp := installResponse{Install: out.Install, Activate: out.Activate}
	if out.Install.OptionalErrors != nil {
		for _, e := range out.Install.OptionalErrors.Errors {
			resp.OptionalErrors = append(resp.OptionalErrors, e.Error())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// install runs the install event at startup. A failure leaves the gateway
// passing requests through to the network.
func (s *Server) install(ctx context.Context) {
	out, err := s.controller.Dispatch(ctx, controller.Event{Kind: controller.EventInstall})
	if err != nil {
		s.logger.Error("asset cache install failed, serving from network", "error", err)
		return
	}
	s.logger.Info("asset cache ready",
		"version", out.Install.Version,
		"required", len(out.Install.Required),
		"optional", len(out.Install.Optional))
}

// startBackground installs the asset cache and starts the session loop and
// connectivity monitor.
func (s *Server) startBackground(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.install(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.session.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("session stopped", "error", err)
		}
	}()

	if s.monitor != nil {
		s.logger.Info("starting connectivity monitor",
			"api_url", s.config.APIURL,
			"interval", s.config.ProbeInterval,
		)
		if err := s.monitor.Start(ctx); err != nil {
			return fmt.Errorf("starting connectivity monitor: %w", err)
		}
	}
	return nil
}

// Start installs the asset cache, starts background work and serves HTTP.
func (s *Server) Start() error {
	if err := s.startBackground(context.Background()); err != nil {
		return err
	}

	s.logger.Info("starting server", "address", s.config.Address, "origin", s.config.Origin)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.monitor != nil {
		s.monitor.Stop()
	}

	err := s.httpServer.Shutdown(ctx)

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.controller.Close()
	s.session.Close()

	if qerr := s.queue.Close(); qerr != nil && err == nil {
		err = qerr
	}
	if serr := s.storage.Close(); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set class, cache_result, endpoint.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", deriveRoute(r.URL.Path),

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Class != "" {
			attrs = append(attrs, "class", tags.Class)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		logger.Info("http request", attrs...)

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveRoute groups request paths for log filtering.
func deriveRoute(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, "/controller/"):
		return "controller"
	case strings.HasPrefix(path, "/session/"):
		return "session"
	case strings.HasPrefix(path, "/exec"):
		return "api"
	default:
		return "app"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}
