package remoteapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(append([]Option{WithBaseURL(srv.URL + "/exec")}, opts...)...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestGetOrders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/exec", r.URL.Path)
		assert.Equal(t, ActionGetOrders, r.URL.Query().Get("action"))
		writeJSON(w, map[string]any{
			"success": true,
			"orders":  []PurchaseOrder{{PONumber: "PO-1001", Supplier: "Acme"}},
		})
	})

	orders, err := c.GetOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "PO-1001", orders[0].PONumber)
}

func TestGetOrdersEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, Envelope{Success: true, Orders: []PurchaseOrder{}})
	})

	orders, err := c.GetOrders(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, orders)
	assert.Empty(t, orders)

	data, err := json.Marshal(Envelope{Success: true, Orders: []PurchaseOrder{}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"orders":[]`)
}

func TestAddOrderSendsPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ActionAddOrder, r.URL.Query().Get("action"))
		var order PurchaseOrder
		assert.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("order")), &order))
		assert.Equal(t, "PO-2001", order.PONumber)
		assert.Equal(t, "12", order.Quantity)
		writeJSON(w, map[string]any{"success": true, "poNumber": order.PONumber})
	})

	po, err := c.AddOrder(context.Background(), PurchaseOrder{PONumber: "PO-2001", Quantity: "12"})
	require.NoError(t, err)
	assert.Equal(t, "PO-2001", po)
}

func TestUpdateOrderNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": false, "error": "Order not found"})
	})

	_, err := c.UpdateOrder(context.Background(), PurchaseOrder{PONumber: "PO-1001"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ActionUpdateOrder, apiErr.Action)
	assert.Equal(t, "Order not found", apiErr.Message)
	assert.False(t, IsOffline(err))
}

func TestSendCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, ActionSendCode, q.Get("action"))
		assert.Equal(t, "sam@farm.local", q.Get("email"))
		assert.Equal(t, "Sam", q.Get("name"))
		assert.Equal(t, "123456", q.Get("code"))
		writeJSON(w, map[string]any{"success": true})
	})

	require.NoError(t, c.SendCode(context.Background(), "sam@farm.local", "Sam", "123456"))
}

func TestOfflineClassification(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"synthetic offline body", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{"success": false, "offline": true})
		}},
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			_, err := c.AddOrder(context.Background(), PurchaseOrder{PONumber: "PO-1"})
			require.ErrorIs(t, err, ErrOffline)
		})
	}
}

func TestNetworkErrorIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	c := NewClient(WithBaseURL(base))
	_, err := c.GetOrders(context.Background())
	require.ErrorIs(t, err, ErrOffline)
}

func TestInvalidJSONIsAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>login required</html>"))
	})

	_, err := c.GetOrders(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
}

func TestMissingBaseURL(t *testing.T) {
	_, err := NewClient().GetOrders(context.Background())
	require.Error(t, err)
	require.False(t, IsOffline(err))
}

func TestGetLookupsCached(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"success":true,"lookups":{"users":[],"suppliers":["Acme"],"vehicles":[{"id":"V1","name":"Ute"}],"equipment":[],"tractors":[],"farms":null,"departments":["Dairy"]},"timestamp":"2026-01-01T00:00:00Z"}`))
	})

	ctx := context.Background()
	l, err := c.GetLookups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Acme"}, l.Suppliers)
	assert.Equal(t, []Item{{ID: "V1", Name: "Ute"}}, l.Vehicles)
	assert.Nil(t, l.Farms)
	assert.NotNil(t, l.Users)

	_, err = c.GetLookups(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())

	c.InvalidateLookups()
	_, err = c.GetLookups(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestGetLookupsErrorsAreNotCached(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"success": true, "lookups": Lookups{Suppliers: []string{}}})
	})

	_, err := c.GetLookups(context.Background())
	require.ErrorIs(t, err, ErrOffline)

	l, err := c.GetLookups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, l.Suppliers)
}

func TestGetLookupsUncached(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, map[string]any{"success": true, "lookups": Lookups{}})
	}, WithLookupsTTL(0))

	for range 3 {
		_, err := c.GetLookups(context.Background())
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, calls.Load())
}
