package sheets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/wolfeidau/offline-cache/remoteapi"
)

type recordingMailer struct {
	mu    sync.Mutex
	codes []string
}

func (m *recordingMailer) SendCode(_ context.Context, email, _, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes = append(m.codes, email+":"+code)
	return nil
}

func doAction(t *testing.T, h http.Handler, params url.Values) gjson.Result {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/exec?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.True(t, gjson.Valid(rec.Body.String()), rec.Body.String())
	return gjson.Parse(rec.Body.String())
}

func orderParam(t *testing.T, o remoteapi.PurchaseOrder) string {
	t.Helper()
	b, err := json.Marshal(o)
	require.NoError(t, err)
	return string(b)
}

func TestHandlerOrders(t *testing.T) {
	wb, _ := newTestWorkbook(t)
	h := NewHandler(wb, WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }))

	res := doAction(t, h, url.Values{"action": {"getOrders"}})
	assert.True(t, res.Get("success").Bool())
	assert.Equal(t, "PO-0001", res.Get("orders.0.poNumber").String())

	res = doAction(t, h, url.Values{"action": {"addOrder"}, "order": {orderParam(t, remoteapi.PurchaseOrder{PONumber: "PO-0009"})}})
	assert.True(t, res.Get("success").Bool())
	assert.Equal(t, "PO-0009", res.Get("poNumber").String())

	res = doAction(t, h, url.Values{"action": {"addOrder"}, "order": {orderParam(t, remoteapi.PurchaseOrder{PONumber: "PO-0009"})}})
	assert.False(t, res.Get("success").Bool())
	assert.Equal(t, "Order number already exists", res.Get("error").String())

	res = doAction(t, h, url.Values{"action": {"updateOrder"}, "order": {orderParam(t, remoteapi.PurchaseOrder{PONumber: "PO-0009", Item: "Diesel"})}})
	assert.True(t, res.Get("success").Bool())

	orders, err := GetOrders(context.Background(), wb)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z", orders[1].EditedAt)
}

func TestHandlerUpdateMissingOrder(t *testing.T) {
	wb, _ := newTestWorkbook(t)
	h := NewHandler(wb)

	res := doAction(t, h, url.Values{"action": {"updateOrder"}, "order": {`{"poNumber":"PO-1001"}`}})
	assert.False(t, res.Get("success").Bool())
	assert.Equal(t, "Order not found", res.Get("error").String())
}

func TestHandlerErrors(t *testing.T) {
	wb, _ := newTestWorkbook(t)
	h := NewHandler(wb)

	res := doAction(t, h, url.Values{"action": {"deleteOrder"}})
	assert.False(t, res.Get("success").Bool())
	assert.Equal(t, "Unknown action", res.Get("error").String())

	res = doAction(t, h, url.Values{})
	assert.Equal(t, "Unknown action", res.Get("error").String())

	res = doAction(t, h, url.Values{"action": {"addOrder"}, "order": {"{not json"}})
	assert.False(t, res.Get("success").Bool())
	assert.Contains(t, res.Get("error").String(), "parsing order")
}

func TestHandlerSendCode(t *testing.T) {
	wb, _ := newTestWorkbook(t)
	m := &recordingMailer{}
	h := NewHandler(wb, WithMailer(m))

	res := doAction(t, h, url.Values{"action": {"sendCode"}, "email": {"sam@example.com"}, "name": {"Sam"}, "code": {"123456"}})
	assert.True(t, res.Get("success").Bool())
	assert.Equal(t, []string{"sam@example.com:123456"}, m.codes)

	res = doAction(t, h, url.Values{"action": {"sendCode"}, "email": {"not-an-email"}, "code": {"1"}})
	assert.Equal(t, "Invalid email address", res.Get("error").String())
}

func TestHandlerLookups(t *testing.T) {
	wb, _ := newTestWorkbook(t)
	h := NewHandler(wb)

	res := doAction(t, h, url.Values{"action": {"getLookups"}})
	assert.True(t, res.Get("success").Bool())
	assert.Equal(t, gjson.Null, res.Get("lookups.farms").Type)
	assert.True(t, res.Get("lookups.equipment").IsArray())
	assert.Empty(t, res.Get("lookups.equipment").Array())
	assert.Equal(t, "Acme Feeds", res.Get("lookups.suppliers.0").String())
	assert.NotEmpty(t, res.Get("timestamp").String())
}

func TestHandlerWithClient(t *testing.T) {
	wb, _ := newTestWorkbook(t)
	srv := httptest.NewServer(NewHandler(wb))
	defer srv.Close()

	client := remoteapi.NewClient(remoteapi.WithBaseURL(srv.URL + "/exec"))
	ctx := context.Background()

	_, err := client.UpdateOrder(ctx, remoteapi.PurchaseOrder{PONumber: "PO-1001"})
	var apiErr *remoteapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Order not found", apiErr.Message)

	lookups, err := client.GetLookups(ctx)
	require.NoError(t, err)
	assert.Nil(t, lookups.Farms)
	assert.Len(t, lookups.Suppliers, 4)
}
