// Package connectivity watches whether the order API is reachable and reports
// transitions between online and offline.
package connectivity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Status is the last observed reachability.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Prober checks reachability once.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context) error

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// HTTPProber treats any response below 500 from URL as reachable.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe issues a GET against p.URL.
func (p *HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("creating probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// ChangeFunc is called after the status changes.
type ChangeFunc func(ctx context.Context, prev, next Status)

// Config holds monitor configuration.
type Config struct {
	// Interval is how often to probe. Default is 30 seconds.
	Interval time.Duration

	// Timeout bounds a single probe. Default is 5 seconds.
	Timeout time.Duration

	// Logger for transition events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Logger:   slog.Default(),
	}
}

// Monitor probes periodically and reports transitions.
type Monitor struct {
	config Config
	prober Prober
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	status    Status
	since     time.Time
	listeners []ChangeFunc
	running   bool
	stopped   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewMonitor creates a monitor using p.
func NewMonitor(p Prober, cfg Config) *Monitor {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Monitor{
		config: cfg,
		prober: p,
		logger: cfg.Logger.With("component", "connectivity"),
		now:    time.Now,
		status: StatusUnknown,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// OnChange registers fn to be called on every transition.
func (m *Monitor) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Status returns the current status and when it was entered.
func (m *Monitor) Status() (Status, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.since
}

// Online reports whether the last probe succeeded.
func (m *Monitor) Online() bool {
	s, _ := m.Status()
	return s == StatusOnline
}

// Start begins background probing.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	// Probe immediately on start
	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce probes once, records the result and notifies listeners on change.
func (m *Monitor) RunOnce(ctx context.Context) Status {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	err := m.prober.Probe(probeCtx)
	cancel()

	next := StatusOnline
	if err != nil {
		next = StatusOffline
	}
	m.Set(ctx, next)
	if err != nil {
		m.logger.Debug("probe failed", "error", err)
	}
	return next
}

// Set records status s, as if a probe had observed it.
func (m *Monitor) Set(ctx context.Context, s Status) {
	m.mu.Lock()
	prev := m.status
	if prev == s {
		m.mu.Unlock()
		return
	}
	m.status = s
	m.since = m.now()
	listeners := append([]ChangeFunc(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "from", prev, "to", s)
	for _, fn := range listeners {
		fn(ctx, prev, s)
	}
}
