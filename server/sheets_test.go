package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestSheetsServer(t *testing.T) {
	dir := t.TempDir()
	cfg := SheetsConfig{StoragePath: dir, Logger: slog.New(slog.DiscardHandler)}

	s, err := NewSheets(context.Background(), cfg)
	require.NoError(t, err)

	call := func(h http.Handler, params url.Values) string {
		req := httptest.NewRequest(http.MethodGet, "/exec?"+params.Encode(), nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		return rec.Body.String()
	}

	body := call(s.Handler(), url.Values{
		"action": {"addOrder"},
		"order":  {`{"poNumber":"PO-5001","supplier":"Acme Feeds"}`},
	})
	require.True(t, gjson.Get(body, "success").Bool(), body)

	// A second server over the same storage sees the persisted order.
	reopened, err := NewSheets(context.Background(), cfg)
	require.NoError(t, err)

	body = call(reopened.Handler(), url.Values{"action": {"getOrders"}})
	assert.Equal(t, "PO-5001", gjson.Get(body, "orders.0.poNumber").String())

	body = call(reopened.Handler(), url.Values{"action": {"dance"}})
	assert.False(t, gjson.Get(body, "success").Bool())
	assert.Equal(t, "Unknown action", gjson.Get(body, "error").String())

	rec := httptest.NewRecorder()
	reopened.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
