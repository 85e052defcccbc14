// Command offline-cache runs the offline gateway for the farm purchase order
// app, and optionally the sheets-backed order API it talks to.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/offline-cache/secrets"
	"github.com/wolfeidau/offline-cache/server"
	"github.com/wolfeidau/offline-cache/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json"`

	OTLPEndpoint string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)."`
	Prometheus   bool          `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
	MetricsFlush time.Duration `help:"How often metrics are exported." default:"10s"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// CLI is the command line of offline-cache.
type CLI struct {
	Globals

	Serve  ServeCmd  `cmd:"" default:"withargs" help:"Run the offline gateway."`
	Sheets SheetsCmd `cmd:"" help:"Run the sheets-backed order API."`
}

// runtime carries what commands need once flags are parsed.
type runtime struct {
	ctx    context.Context
	logger *slog.Logger
}

// ServeCmd runs the gateway.
type ServeCmd struct {
	Address        string        `help:"Address to listen on." default:":8080"`
	Storage        string        `help:"Storage directory path." default:"./cache" type:"path"`
	Origin         string        `help:"URL the purchase order app is served from." required:""`
	Manifest       string        `help:"YAML asset manifest (built-in manifest when empty)." type:"existingfile"`
	APIURL         string        `name:"api-url" help:"Order API endpoint."`
	LookupsTTL     time.Duration `help:"How long lookups are cached (negative disables)." default:"5m"`
	ProbeInterval  time.Duration `help:"How often the order API is probed for connectivity." default:"30s"`
	RefreshTimeout time.Duration `help:"Timeout for each background cache refresh." default:"30s"`
	InstallWorkers int           `help:"Assets fetched concurrently during install." default:"4"`
	AuthToken      string        `help:"Bearer token protecting management and session routes."`
	Secrets        string        `help:"YAML secrets template supplying auth_token and api_url." type:"existingfile"`
}

// Run starts the gateway and blocks until the context is cancelled.
func (c *ServeCmd) Run(rt *runtime) error {
	if c.Secrets != "" {
		resolver := secrets.NewResolver(secrets.WithLogger(rt.logger), secrets.OnePassword())
		sec, err := resolver.ResolveFile(rt.ctx, c.Secrets)
		if err != nil {
			return fmt.Errorf("resolving secrets: %w", err)
		}
		if c.AuthToken == "" {
			c.AuthToken = sec.AuthToken
		}
		if c.APIURL == "" {
			c.APIURL = sec.APIURL
		}
	}

	srv, err := server.New(server.Config{
		Address:        c.Address,
		StoragePath:    c.Storage,
		Origin:         c.Origin,
		ManifestPath:   c.Manifest,
		APIURL:         c.APIURL,
		LookupsTTL:     c.LookupsTTL,
		ProbeInterval:  c.ProbeInterval,
		RefreshTimeout: c.RefreshTimeout,
		InstallWorkers: c.InstallWorkers,
		AuthToken:      c.AuthToken,
		Logger:         rt.logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	rt.logger.Info("gateway starting",
		"address", srv.Address(),
		"origin", c.Origin,
		"api_url", c.APIURL,
		"auth", c.AuthToken != "",
	)
	return serve(rt, srv.Start, srv.Shutdown)
}

// SheetsCmd runs the order API.
type SheetsCmd struct {
	Address string `help:"Address to listen on." default:":8081"`
	Storage string `help:"Workbook storage directory." default:"./sheets" type:"path"`
	Seed    string `help:"YAML workbook loaded when storage is empty." type:"existingfile"`
}

// Run starts the order API and blocks until the context is cancelled.
func (c *SheetsCmd) Run(rt *runtime) error {
	srv, err := server.NewSheets(rt.ctx, server.SheetsConfig{
		Address:     c.Address,
		StoragePath: c.Storage,
		SeedPath:    c.Seed,
		Logger:      rt.logger,
	})
	if err != nil {
		return fmt.Errorf("creating sheets server: %w", err)
	}
	return serve(rt, srv.Start, srv.Shutdown)
}

func serve(rt *runtime, start func() error, shutdown func(context.Context) error) error {
	errCh := make(chan error, 1)
	go func() {
		if err := start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rt.ctx.Done():
		rt.logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(g *Globals) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", g.LogLevel)
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", g.LogFormat)
	}
	return slog.New(handler), nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("offline-cache"),
		kong.Description("Offline gateway and order API for the farm purchase order app."),
		kong.UsageOnError(),
		kong.DefaultEnvars("OFFLINE_CACHE"),
		kong.Vars{"version": version},
	)

	if err := run(kctx, &cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(kctx *kong.Context, cli *CLI) error {
	logger, err := newLogger(&cli.Globals)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "offline-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
		FlushInterval:    cli.MetricsFlush,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	return kctx.Run(&runtime{ctx: ctx, logger: logger})
}
