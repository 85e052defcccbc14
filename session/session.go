// Package session is the headless UI session of the gateway. It owns the
// offline write queue, submits orders to the API through the controller and
// drains the queue when the controller signals that a sync should run.
package session

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wolfeidau/offline-cache/connectivity"
	"github.com/wolfeidau/offline-cache/message"
	"github.com/wolfeidau/offline-cache/queue"
	"github.com/wolfeidau/offline-cache/remoteapi"
)

// DefaultReportBuffer is the capacity of the drain report channel.
const DefaultReportBuffer = 8

// SubmitResult describes what happened to a submitted write.
type SubmitResult struct {
	ID       string `json:"id"`
	PONumber string `json:"poNumber"`

	// Queued is true when the write was stored for later replay.
	Queued bool `json:"queued"`

	// Duplicate is true when a write with the same id was already queued.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Status is a point-in-time view of the session.
type Status struct {
	ID         string             `json:"id"`
	Online     bool               `json:"online"`
	Controlled bool               `json:"controlled"`
	Syncing    bool               `json:"syncing"`
	Pending    []queue.Write      `json:"pending"`
	LastReport *queue.DrainReport `json:"last_report,omitempty"`
	LastSyncAt time.Time          `json:"last_sync_at,omitzero"`
}

// Session owns one offline write queue.
type Session struct {
	queue  *queue.Queue
	api    *remoteapi.Client
	hub    *message.Hub
	client *message.Client
	logger *slog.Logger
	now    func() time.Time

	id           string
	reportBuffer int

	online  atomic.Bool
	syncing atomic.Bool
	trigger chan struct{}
	reports chan *queue.DrainReport

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	mu         sync.Mutex
	lastReport *queue.DrainReport
	lastSyncAt time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger for the session.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithID sets the client id the session connects to the hub with.
func WithID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithReportBuffer sets the capacity of the drain report channel.
func WithReportBuffer(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.reportBuffer = n
		}
	}
}

// New creates a session and connects it to hub. The session starts online.
func New(q *queue.Queue, api *remoteapi.Client, hub *message.Hub, opts ...Option) *Session {
	s := &Session{
		queue:        q,
		api:          api,
		hub:          hub,
		logger:       slog.Default(),
		now:          time.Now,
		reportBuffer: DefaultReportBuffer,
		trigger:      make(chan struct{}, 1),
		entropy:      ulid.Monotonic(crand.Reader, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reports = make(chan *queue.DrainReport, s.reportBuffer)
	s.client = hub.Connect(s.id)
	s.id = s.client.ID()
	s.logger = s.logger.With("component", "session", "session_id", s.id)
	s.online.Store(true)
	return s
}

// ID returns the session's hub client id.
func (s *Session) ID() string {
	return s.id
}

// Close disconnects the session from the hub.
func (s *Session) Close() {
	s.hub.Disconnect(s.client)
}

// Reports delivers the outcome of every drain cycle.
func (s *Session) Reports() <-chan *queue.DrainReport {
	return s.reports
}

// Online reports whether the session believes the API is reachable.
func (s *Session) Online() bool {
	return s.online.Load()
}

// SetOnline records connectivity without triggering a sync.
func (s *Session) SetOnline(online bool) {
	if s.online.Swap(online) != online {
		s.logger.Info("connectivity updated", "online", online)
	}
}

// NewID returns a monotonic ULID for use as a correlation id.
func (s *Session) NewID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

// Submit sends a create or update to the API. While offline, or while earlier
// writes are still queued, the write is queued without being attempted so it
// cannot overtake them. A write that fails because the API is unreachable is
// queued silently. Rejections by the API are returned as *remoteapi.APIError.
func (s *Session) Submit(ctx context.Context, kind queue.Kind, order remoteapi.PurchaseOrder, id string) (*SubmitResult, error) {
	if id == "" {
		id = s.NewID()
	}
	w := queue.Write{ID: id, Kind: kind, Order: order}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	pending, err := s.queue.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading queue length: %w", err)
	}
	if !s.Online() || pending > 0 {
		return s.enqueue(ctx, w)
	}

	poNumber, err := s.send(ctx, &w)
	switch {
	case err == nil:
		return &SubmitResult{ID: id, PONumber: poNumber}, nil
	case remoteapi.IsOffline(err):
		s.logger.Info("api unreachable, queueing write", "id", id, "kind", kind, "po_number", order.PONumber)
		w.Unconfirmed = true
		return s.enqueue(ctx, w)
	default:
		return nil, err
	}
}

func (s *Session) enqueue(ctx context.Context, w queue.Write) (*SubmitResult, error) {
	added, err := s.queue.Enqueue(ctx, w)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{
		ID:        w.ID,
		PONumber:  w.Order.PONumber,
		Queued:    true,
		Duplicate: !added,
	}, nil
}

// Discard removes a queued write that can never succeed.
func (s *Session) Discard(ctx context.Context, id string) error {
	removed, err := s.queue.Remove(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return queue.ErrNotFound
	}
	s.logger.Warn("queued write discarded", "id", id)
	return nil
}

// Orders lists orders from the API.
func (s *Session) Orders(ctx context.Context) ([]remoteapi.PurchaseOrder, error) {
	return s.api.GetOrders(ctx)
}

// Lookups returns the order form reference data.
func (s *Session) Lookups(ctx context.Context) (*remoteapi.Lookups, error) {
	return s.api.GetLookups(ctx)
}

// Status returns the session state and the writes still queued.
func (s *Session) Status(ctx context.Context) (*Status, error) {
	pending, err := s.queue.Pending(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Status{
		ID:         s.id,
		Online:     s.Online(),
		Controlled: s.client.Controlled(),
		Syncing:    s.syncing.Load(),
		Pending:    pending,
		LastReport: s.lastReport,
		LastSyncAt: s.lastSyncAt,
	}, nil
}

// Reconnected marks the session online and asks the controller to start a
// sync. Without a controller the queue is drained directly.
func (s *Session) Reconnected(ctx context.Context) error {
	s.SetOnline(true)

	err := s.client.PostToController(ctx, message.New(message.SyncOrders))
	if errors.Is(err, message.ErrNoController) {
		s.logger.Debug("no controller, draining directly")
		s.RequestSync()
		return nil
	}
	return err
}

// OnConnectivityChange adapts the session to a connectivity.Monitor.
func (s *Session) OnConnectivityChange(ctx context.Context, _, next connectivity.Status) {
	switch next {
	case connectivity.StatusOnline:
		if err := s.Reconnected(ctx); err != nil {
			s.logger.Warn("failed to request sync", "error", err)
		}
	case connectivity.StatusOffline:
		s.SetOnline(false)
	}
}

// RequestSync schedules a drain. Requests made while a drain is already
// scheduled are merged into it.
func (s *Session) RequestSync() {
	select {
	case s.trigger <- struct{}{}:
	default:
		s.logger.Debug("sync already scheduled")
	}
}

// Run handles controller messages and performs scheduled drains until ctx
// is done or the session is disconnected.
func (s *Session) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.drainLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.client.Messages():
			if !ok {
				return nil
			}
			s.handleMessage(msg)
		}
	}
}

func (s *Session) handleMessage(msg message.Message) {
	switch msg.Type {
	case message.SyncingStarted:
		s.logger.Info("sync starting")
	case message.TriggerSync:
		s.RequestSync()
	default:
		s.logger.Debug("ignoring message", "type", msg.Type)
	}
}

func (s *Session) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
			if _, err := s.Drain(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("drain failed", "error", err)
			}
		}
	}
}

// Drain replays the queue now and publishes the report.
func (s *Session) Drain(ctx context.Context) (*queue.DrainReport, error) {
	s.syncing.Store(true)
	defer s.syncing.Store(false)

	report, err := s.queue.Drain(ctx, s)
	if report == nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastReport = report
	s.lastSyncAt = s.now()
	s.mu.Unlock()

	if len(report.Results) > 0 {
		s.logger.Info("drain finished",
			"committed", len(report.Committed()),
			"halted", report.Halted,
			"remaining", report.Remaining)
	}

	select {
	case s.reports <- report:
	default:
		s.logger.Warn("report channel full, dropping drain report")
	}
	return report, err
}
