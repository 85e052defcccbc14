package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/sheets"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// SheetsConfig holds configuration for the sheets-backed order API.
type SheetsConfig struct {
	// Address to listen on (e.g., ":8081")
	Address string

	// StoragePath is where the workbook is persisted.
	StoragePath string

	// SeedPath is an optional YAML workbook loaded on first start.
	SeedPath string

	// Logger for the server
	Logger *slog.Logger
}

// SheetsServer serves the order API the gateway session talks to.
type SheetsServer struct {
	config     SheetsConfig
	httpServer *http.Server
	logger     *slog.Logger
	handler    *sheets.Handler
}

// NewSheets creates the order API server.
func NewSheets(ctx context.Context, cfg SheetsConfig) (*SheetsServer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8081"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./sheets"
	}

	fsBackend, err := backend.NewFilesystem(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}

	wb, err := sheets.OpenWorkbook(ctx, backend.NewInstrumentedBackend(fsBackend, "filesystem"), cfg.SeedPath,
		sheets.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}

	s := &SheetsServer{
		config:  cfg,
		logger:  cfg.Logger,
		handler: sheets.NewHandler(wb, sheets.WithHandlerLogger(cfg.Logger)),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
	mux.Handle("/exec", s.handler)
	mux.Handle("/", s.handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      loggingMiddleware(s.logger, mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *SheetsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Handler returns the root HTTP handler.
func (s *SheetsServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves HTTP until Shutdown.
func (s *SheetsServer) Start() error {
	s.logger.Info("starting sheets server", "address", s.config.Address, "storage", s.config.StoragePath)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *SheetsServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down sheets server")
	return s.httpServer.Shutdown(ctx)
}
