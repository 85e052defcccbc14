// Package message carries sync signals between the cache controller and the
// sessions it controls.
package message

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/wolfeidau/offline-cache/telemetry"
)

// Type identifies a message.
type Type string

const (
	// SyncingStarted tells sessions that a sync is about to run.
	SyncingStarted Type = "SYNCING_STARTED"
	// TriggerSync asks sessions to drain their offline queues.
	TriggerSync Type = "TRIGGER_SYNC"
	// SyncOrders is posted by a session to the controller after reconnecting.
	SyncOrders Type = "SYNC_ORDERS"
)

// DefaultBufferSize is the inbox capacity of each client.
const DefaultBufferSize = 16

// ErrNoController is returned when a client posts before a controller is registered.
var ErrNoController = errors.New("no controller registered")

// Message is a single typed signal.
type Message struct {
	Type   Type      `json:"type"`
	SentAt time.Time `json:"sent_at"`
}

// New returns a message of type t stamped with the current time.
func New(t Type) Message {
	return Message{Type: t, SentAt: time.Now().UTC()}
}

// Receiver handles messages posted to the controller.
type Receiver interface {
	Receive(ctx context.Context, from *Client, msg Message)
}

// Hub tracks connected clients and routes messages between them and the
// registered controller.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	controlled mapset.Set[string]
	claimed    bool
	receiver   Receiver
	bufferSize int
	logger     *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger for the hub.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithBufferSize sets the inbox capacity of new clients.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		controlled: mapset.NewThreadUnsafeSet[string](),
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "message")
	return h
}

// SetReceiver registers the controller that receives client posts.
func (h *Hub) SetReceiver(r Receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.receiver = r
}

// Connect registers a new client. An empty id gets a generated one.
// Clients that connect after Claim are controlled straight away.
func (h *Hub) Connect(id string) *Client {
	if id == "" {
		id = uuid.NewString()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.clients[id]; ok {
		return existing
	}

	c := &Client{
		id:    id,
		hub:   h,
		inbox: make(chan Message, h.bufferSize),
	}
	h.clients[id] = c
	if h.claimed {
		h.controlled.Add(id)
	}
	h.logger.Debug("client connected", "client_id", id, "controlled", h.claimed)
	return c
}

// Disconnect removes c and closes its inbox.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	h.controlled.Remove(c.id)
	close(c.inbox)
	h.logger.Debug("client disconnected", "client_id", c.id)
}

// Claim takes control of every connected client and of clients connecting
// later. It returns the number of clients claimed.
func (h *Hub) Claim() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.claimed = true
	for id := range h.clients {
		h.controlled.Add(id)
	}
	return h.controlled.Cardinality()
}

// MatchAll returns the controlled clients.
func (h *Hub) MatchAll() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0, h.controlled.Cardinality())
	for _, id := range h.controlled.ToSlice() {
		if c, ok := h.clients[id]; ok {
			clients = append(clients, c)
		}
	}
	return clients
}

// Broadcast delivers msg to every controlled client without blocking.
// A client whose inbox is full misses the message; queued writes stay
// persisted so the next signal picks them up. Returns the delivery count.
func (h *Hub) Broadcast(ctx context.Context, msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, id := range h.controlled.ToSlice() {
		c, ok := h.clients[id]
		if !ok {
			continue
		}
		select {
		case c.inbox <- msg:
			delivered++
		default:
			h.logger.Warn("client inbox full, dropping message", "client_id", id, "type", msg.Type)
		}
	}
	telemetry.RecordSyncSignal(ctx, string(msg.Type), delivered)
	return delivered
}

// post hands msg to the registered receiver.
func (h *Hub) post(ctx context.Context, from *Client, msg Message) error {
	h.mu.RLock()
	r := h.receiver
	h.mu.RUnlock()

	if r == nil {
		return ErrNoController
	}
	telemetry.RecordSyncSignal(ctx, string(msg.Type), 1)
	r.Receive(ctx, from, msg)
	return nil
}

// Client is one connected session.
type Client struct {
	id    string
	hub   *Hub
	inbox chan Message
}

// ID returns the client identifier.
func (c *Client) ID() string {
	return c.id
}

// Messages returns the client's inbox. It is closed on Disconnect.
func (c *Client) Messages() <-chan Message {
	return c.inbox
}

// Controlled reports whether the controller has claimed this client.
func (c *Client) Controlled() bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.hub.controlled.Contains(c.id)
}

// PostToController sends msg to the controller.
func (c *Client) PostToController(ctx context.Context, msg Message) error {
	return c.hub.post(ctx, c, msg)
}
