package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/offline-cache/connectivity"
	"github.com/wolfeidau/offline-cache/message"
	"github.com/wolfeidau/offline-cache/queue"
	"github.com/wolfeidau/offline-cache/remoteapi"
)

// fakeAPI is an in-memory order API. While down it answers 503 like an
// unreachable deployment.
type fakeAPI struct {
	mu     sync.Mutex
	orders map[string]remoteapi.PurchaseOrder
	calls  []string
	down   atomic.Bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.down.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	action := r.URL.Query().Get("action")
	var order remoteapi.PurchaseOrder
	if raw := r.URL.Query().Get("order"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &order)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action+":"+order.PONumber)

	w.Header().Set("Content-Type", "application/json")
	env := remoteapi.Envelope{Success: true}
	switch action {
	case remoteapi.ActionAddOrder:
		if _, ok := f.orders[order.PONumber]; ok {
			env = remoteapi.Envelope{Error: "Order number already exists"}
			break
		}
		f.orders[order.PONumber] = order
		env.PONumber = order.PONumber
	case remoteapi.ActionUpdateOrder:
		if _, ok := f.orders[order.PONumber]; !ok {
			env = remoteapi.Envelope{Error: "Order not found"}
			break
		}
		f.orders[order.PONumber] = order
		env.PONumber = order.PONumber
	case remoteapi.ActionGetOrders:
		for _, o := range f.orders {
			env.Orders = append(env.Orders, o)
		}
	default:
		env = remoteapi.Envelope{Error: "Unknown action"}
	}
	_ = json.NewEncoder(w).Encode(env)
}

func (f *fakeAPI) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type testEnv struct {
	session *Session
	queue   *queue.Queue
	hub     *message.Hub
	api     *fakeAPI
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	api := &fakeAPI{orders: make(map[string]remoteapi.PurchaseOrder)}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), queue.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	hub := message.NewHub()
	client := remoteapi.NewClient(remoteapi.WithBaseURL(srv.URL + "/exec"))
	s := New(q, client, hub, opts...)
	t.Cleanup(s.Close)

	return &testEnv{session: s, queue: q, hub: hub, api: api}
}

func order(po string) remoteapi.PurchaseOrder {
	return remoteapi.PurchaseOrder{PONumber: po, Supplier: "Acme Feeds", Quantity: "2"}
}

func waitReport(t *testing.T, s *Session) *queue.DrainReport {
	t.Helper()
	select {
	case r := <-s.Reports():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drain report")
		return nil
	}
}

func TestSubmitOnlineSendsImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.session.Submit(ctx, queue.KindCreate, order("PO-1"), "")
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, "PO-1", res.PONumber)
	assert.NotEmpty(t, res.ID)

	n, err := env.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"addOrder:PO-1"}, env.api.callLog())
}

func TestSubmitQueuesWhenAPIUnreachable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.api.down.Store(true)

	res, err := env.session.Submit(ctx, queue.KindCreate, order("PO-1"), "c1")
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, "c1", res.ID)

	// The API is back but the earlier create is still queued, so the update
	// must queue behind it.
	env.api.down.Store(false)
	res, err = env.session.Submit(ctx, queue.KindUpdate, order("PO-1"), "c2")
	require.NoError(t, err)
	assert.True(t, res.Queued)

	pending, err := env.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "c1", pending[0].ID)
	assert.True(t, pending[0].Unconfirmed)
	assert.Equal(t, "c2", pending[1].ID)
	assert.False(t, pending[1].Unconfirmed)
	assert.Empty(t, env.api.callLog())
}

func TestSubmitReturnsRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.session.Submit(ctx, queue.KindCreate, order("PO-1"), "")
	require.NoError(t, err)

	_, err = env.session.Submit(ctx, queue.KindCreate, order("PO-1"), "")
	var apiErr *remoteapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Order number already exists", apiErr.Message)

	n, err := env.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitRejectsInvalidWrites(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.session.Submit(context.Background(), queue.KindCreate, remoteapi.PurchaseOrder{}, "")
	require.ErrorIs(t, err, queue.ErrInvalidWrite)
}

func TestSubmitWhileOfflineDoesNotCallAPI(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.session.OnConnectivityChange(ctx, connectivity.StatusOnline, connectivity.StatusOffline)
	require.False(t, env.session.Online())

	res, err := env.session.Submit(ctx, queue.KindCreate, order("PO-1"), "same")
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.False(t, res.Duplicate)

	res, err = env.session.Submit(ctx, queue.KindCreate, order("PO-1"), "same")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	n, err := env.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, env.api.callLog())
}

func TestDrainReplaysInOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.session.SetOnline(false)

	for _, w := range []struct {
		kind queue.Kind
		po   string
	}{
		{queue.KindCreate, "PO-1"},
		{queue.KindUpdate, "PO-1"},
		{queue.KindCreate, "PO-2"},
	} {
		_, err := env.session.Submit(ctx, w.kind, order(w.po), "")
		require.NoError(t, err)
	}

	report, err := env.session.Drain(ctx)
	require.NoError(t, err)
	assert.False(t, report.Halted)
	assert.Len(t, report.Committed(), 3)
	assert.Zero(t, report.Remaining)
	assert.Equal(t, []string{"addOrder:PO-1", "updateOrder:PO-1", "addOrder:PO-2"}, env.api.callLog())

	status, err := env.session.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, status.Pending)
	assert.Same(t, report, status.LastReport)
}

func TestDrainHaltsOnFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.session.SetOnline(false)

	_, err := env.session.Submit(ctx, queue.KindCreate, order("PO-1"), "w1")
	require.NoError(t, err)
	_, err = env.session.Submit(ctx, queue.KindUpdate, order("PO-404"), "w2")
	require.NoError(t, err)
	_, err = env.session.Submit(ctx, queue.KindCreate, order("PO-3"), "w3")
	require.NoError(t, err)

	report, err := env.session.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Halted)
	assert.Equal(t, 2, report.Remaining)
	require.Len(t, report.Results, 2)
	assert.Equal(t, queue.StatePending, report.Results[1].State)
	assert.Contains(t, report.Results[1].Error, "Order not found")

	pending, err := env.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "w2", pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "w3", pending[1].ID)
	assert.Zero(t, pending[1].Attempts)

	// A stuck write can be discarded so the rest can drain.
	require.NoError(t, env.session.Discard(ctx, "w2"))
	require.ErrorIs(t, env.session.Discard(ctx, "w2"), queue.ErrNotFound)

	report, err = env.session.Drain(ctx)
	require.NoError(t, err)
	assert.False(t, report.Halted)
	assert.Len(t, report.Committed(), 1)
}

func TestReplayCommitsUnconfirmedCreateAlreadyApplied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.session.Submit(ctx, queue.KindCreate, order("PO-1"), "")
	require.NoError(t, err)

	w := &queue.Write{ID: "retry", Kind: queue.KindCreate, Order: order("PO-1"), Attempts: 2, Unconfirmed: true}
	require.NoError(t, env.session.Replay(ctx, w))

	// Without an unanswered earlier send the rejection stands.
	w.Unconfirmed = false
	var apiErr *remoteapi.APIError
	require.ErrorAs(t, env.session.Replay(ctx, w), &apiErr)

	w.Kind = "delete"
	require.ErrorIs(t, env.session.Replay(ctx, w), queue.ErrInvalidWrite)
}

func TestDrainKeepsCollidingCreateQueued(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.api.orders["PO-7"] = remoteapi.PurchaseOrder{PONumber: "PO-7", Supplier: "Someone Else"}

	mine := remoteapi.PurchaseOrder{PONumber: "PO-7", Supplier: "Mine"}
	env.session.SetOnline(false)
	_, err := env.session.Submit(ctx, queue.KindCreate, mine, "w7")
	require.NoError(t, err)

	// A failed send leaves the write unconfirmed.
	env.api.down.Store(true)
	report, err := env.session.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Halted)
	env.api.down.Store(false)

	for i := range 2 {
		report, err = env.session.Drain(ctx)
		require.NoError(t, err, "drain %d", i)
		assert.True(t, report.Halted, "drain %d", i)
		assert.Equal(t, 1, report.Remaining, "drain %d", i)
		require.Len(t, report.Results, 1)
		assert.Equal(t, queue.StatePending, report.Results[0].State)
		assert.Contains(t, report.Results[0].Error, "Order number already exists")
	}

	pending, err := env.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "w7", pending[0].ID)
	assert.True(t, pending[0].Unconfirmed)

	env.api.mu.Lock()
	defer env.api.mu.Unlock()
	assert.Equal(t, "Someone Else", env.api.orders["PO-7"].Supplier)
}

func TestReconnectedDrainsWithoutController(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.session.SetOnline(false)
	_, err := env.session.Submit(ctx, queue.KindCreate, order("PO-1"), "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- env.session.Run(ctx) }()

	require.NoError(t, env.session.Reconnected(ctx))
	assert.True(t, env.session.Online())

	report := waitReport(t, env.session)
	assert.Len(t, report.Committed(), 1)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// relay stands in for the controller: it answers SYNC_ORDERS with the
// two-message sync signal.
type relay struct {
	hub *message.Hub
}

func (r *relay) Receive(ctx context.Context, _ *message.Client, msg message.Message) {
	if msg.Type == message.SyncOrders {
		r.hub.Broadcast(ctx, message.New(message.SyncingStarted))
		r.hub.Broadcast(ctx, message.New(message.TriggerSync))
	}
}

func TestSyncProtocolThroughController(t *testing.T) {
	env := newTestEnv(t, WithID("ui-1"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.hub.SetReceiver(&relay{hub: env.hub})
	env.hub.Claim()
	assert.Equal(t, "ui-1", env.session.ID())

	env.api.down.Store(true)
	_, err := env.session.Submit(ctx, queue.KindCreate, order("PO-7"), "")
	require.NoError(t, err)
	env.api.down.Store(false)

	go func() { _ = env.session.Run(ctx) }()

	env.session.OnConnectivityChange(ctx, connectivity.StatusOffline, connectivity.StatusOnline)

	report := waitReport(t, env.session)
	require.Len(t, report.Committed(), 1)
	assert.Equal(t, "PO-7", report.Committed()[0].PONumber)

	status, err := env.session.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Controlled)
	assert.True(t, status.Online)
	assert.False(t, status.LastSyncAt.IsZero())
}

func TestRunStopsOnDisconnect(t *testing.T) {
	env := newTestEnv(t)

	done := make(chan error, 1)
	go func() { done <- env.session.Run(context.Background()) }()

	env.session.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after disconnect")
	}
}

func TestNewIDIsMonotonic(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(t, WithNow(func() time.Time { return fixed }))

	ids := make([]string, 50)
	for i := range ids {
		ids[i] = env.session.NewID()
	}
	assert.True(t, sort.StringsAreSorted(ids))
	assert.Len(t, ids[0], 26)
}

func TestLookupsAndOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.session.Submit(ctx, queue.KindCreate, order("PO-1"), "")
	require.NoError(t, err)

	orders, err := env.session.Orders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	_, err = env.session.Lookups(ctx)
	var apiErr *remoteapi.APIError
	require.ErrorAs(t, err, &apiErr)
}
