package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/wolfeidau/offline-cache/remoteapi"
	"github.com/wolfeidau/offline-cache/sheets"
)

const testIndex = `<!doctype html><html><body><div id="root"></div></body></html>`

const testManifest = `version: farm-po-gateway
api_host: api.test
core_shell:
  - ./
  - ./index.html
external: []
fallback: ./index.html
`

// fakeNet routes requests by host to in-process handlers.
type fakeNet struct {
	mu       sync.Mutex
	handlers map[string]http.Handler
	down     map[string]bool
}

func (n *fakeNet) setDown(host string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[host] = down
}

func (n *fakeNet) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	h, ok := n.handlers[req.URL.Host]
	down := n.down[req.URL.Host]
	n.mu.Unlock()

	if !ok || down {
		return nil, errors.New("dial tcp: connect: network is unreachable")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

func appHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, testIndex)
		default:
			http.NotFound(w, r)
		}
	})
}

type testGateway struct {
	server   *Server
	net      *fakeNet
	workbook *sheets.MemoryWorkbook
}

func newTestGateway(t *testing.T, token string) *testGateway {
	t.Helper()
	return newTestGatewayWithManifest(t, token, testManifest)
}

func newTestGatewayWithManifest(t *testing.T, token, manifest string) *testGateway {
	t.Helper()
	dir := t.TempDir()

	manifestPath := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0o644))

	wb := sheets.NewMemoryWorkbook(nil, nil)
	fn := &fakeNet{
		handlers: map[string]http.Handler{
			"app.test": appHandler(),
			"api.test": sheets.NewHandler(wb),
		},
		down: make(map[string]bool),
	}

	s, err := New(Config{
		StoragePath:   filepath.Join(dir, "cache"),
		Origin:        "http://app.test/",
		ManifestPath:  manifestPath,
		APIURL:        "http://api.test/exec",
		LookupsTTL:    -1,
		ProbeInterval: time.Hour,
		AuthToken:     token,
		Transport:     fn,
		Logger:        slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.startBackground(ctx))
	// Stop after the initial probe so later outages are driven by the test.
	s.monitor.Stop()
	t.Cleanup(func() {
		cancel()
		_ = s.Shutdown(context.Background())
	})

	return &testGateway{server: s, net: fn, workbook: wb}
}

func (g *testGateway) do(t *testing.T, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (g *testGateway) pending(t *testing.T) int64 {
	t.Helper()
	rec := g.do(t, http.MethodGet, "/session/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	return gjson.Get(rec.Body.String(), "pending.#").Int()
}

func orderJSON(t *testing.T, po string) string {
	t.Helper()
	data, err := json.Marshal(remoteapi.PurchaseOrder{PONumber: po, Supplier: "Acme Feeds", Quantity: "4"})
	require.NoError(t, err)
	return string(data)
}

func TestServerHealth(t *testing.T) {
	g := newTestGateway(t, "")

	rec := g.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServerStatsAfterStartupInstall(t *testing.T) {
	g := newTestGateway(t, "")

	rec := g.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, "activated", gjson.Get(body, "controller.state").String())
	assert.Equal(t, "farm-po-gateway", gjson.Get(body, "controller.version").String())
	assert.Equal(t, "gateway", gjson.Get(body, "session.id").String())
}

func TestServerServesShellOffline(t *testing.T) {
	g := newTestGateway(t, "")

	g.net.setDown("app.test", true)

	rec := g.do(t, http.MethodGet, "/index.html", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testIndex, rec.Body.String())

	rec = g.do(t, http.MethodGet, "/orders/new", "", "Accept", "text/html")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testIndex, rec.Body.String())
}

func TestServerReinstall(t *testing.T) {
	g := newTestGateway(t, "")

	rec := g.do(t, http.MethodPost, "/controller/install", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "farm-po-gateway", gjson.Get(rec.Body.String(), "install.version").String())

	g.net.setDown("app.test", true)
	rec = g.do(t, http.MethodPost, "/controller/install", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// The previous generation keeps serving.
	rec = g.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testIndex, rec.Body.String())
}

func TestServerCreateOrderOnline(t *testing.T) {
	g := newTestGateway(t, "")

	rec := g.do(t, http.MethodPost, "/session/orders", orderJSON(t, "PO-2001"), "X-Correlation-ID", "corr-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "corr-1", gjson.Get(rec.Body.String(), "id").String())
	assert.False(t, gjson.Get(rec.Body.String(), "queued").Bool())

	rec = g.do(t, http.MethodGet, "/session/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PO-2001", gjson.Get(rec.Body.String(), "0.poNumber").String())

	rec = g.do(t, http.MethodPost, "/session/orders", orderJSON(t, "PO-2001"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, gjson.Get(rec.Body.String(), "error").String(), "Order number already exists")
}

func TestServerNeverCachesAPIHostFromURL(t *testing.T) {
	manifest := `version: farm-po-gateway
core_shell:
  - ./
  - ./index.html
external: []
`
	g := newTestGatewayWithManifest(t, "", manifest)

	rec := g.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := gjson.Get(rec.Body.String(), "controller.generations.0.entries").Int()
	require.NotZero(t, entries)

	rec = g.do(t, http.MethodGet, "/session/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	_, err := sheets.AddOrder(context.Background(), g.workbook,
		remoteapi.PurchaseOrder{PONumber: "PO-1", Supplier: "Acme Feeds"})
	require.NoError(t, err)

	rec = g.do(t, http.MethodGet, "/session/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PO-1", gjson.Get(rec.Body.String(), "0.poNumber").String())

	rec = g.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, entries, gjson.Get(rec.Body.String(), "controller.generations.0.entries").Int(),
		"api responses are never cached")
}

func TestServerUpdateMissingOrder(t *testing.T) {
	g := newTestGateway(t, "")

	rec := g.do(t, http.MethodPut, "/session/orders/PO-404", orderJSON(t, ""))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "Order not found")
}

func TestServerRejectsBadOrders(t *testing.T) {
	g := newTestGateway(t, "")

	rec := g.do(t, http.MethodPost, "/session/orders", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = g.do(t, http.MethodPost, "/session/orders", `{"supplier":"Acme Feeds"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerQueuesWhileOfflineAndSyncs(t *testing.T) {
	g := newTestGateway(t, "")

	g.net.setDown("api.test", true)

	rec := g.do(t, http.MethodPost, "/session/orders", orderJSON(t, "PO-3001"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.True(t, gjson.Get(rec.Body.String(), "queued").Bool())
	assert.Equal(t, int64(1), g.pending(t))

	rec = g.do(t, http.MethodGet, "/session/orders", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	g.net.setDown("api.test", false)

	rec = g.do(t, http.MethodPost, "/session/sync", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool { return g.pending(t) == 0 }, 5*time.Second, 20*time.Millisecond)

	rec = g.do(t, http.MethodGet, "/session/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PO-3001", gjson.Get(rec.Body.String(), "0.poNumber").String())
}

func TestServerDiscard(t *testing.T) {
	g := newTestGateway(t, "")

	rec := g.do(t, http.MethodDelete, "/session/queue/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	g.net.setDown("api.test", true)
	rec = g.do(t, http.MethodPost, "/session/orders", orderJSON(t, "PO-4001"), "X-Correlation-ID", "stuck-1")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = g.do(t, http.MethodDelete, "/session/queue/stuck-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(0), g.pending(t))
}

func TestServerAuthProtectsManagementRoutes(t *testing.T) {
	g := newTestGateway(t, "farm-secret")

	assert.Equal(t, http.StatusOK, g.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, g.do(t, http.MethodGet, "/", "").Code)

	assert.Equal(t, http.StatusUnauthorized, g.do(t, http.MethodGet, "/stats", "").Code)
	assert.Equal(t, http.StatusUnauthorized, g.do(t, http.MethodGet, "/session/queue", "").Code)
	assert.Equal(t, http.StatusUnauthorized, g.do(t, http.MethodPost, "/controller/install", "").Code)

	rec := g.do(t, http.MethodGet, "/session/queue", "", "Authorization", "Bearer farm-secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRequiresOrigin(t *testing.T) {
	_, err := New(Config{StoragePath: t.TempDir()})
	require.Error(t, err)
}

func TestDeriveRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "internal"},
		{"/metrics", "internal"},
		{"/controller/install", "controller"},
		{"/session/orders", "session"},
		{"/exec", "api"},
		{"/index.html", "app"},
		{"/", "app"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveRoute(tt.path))
		})
	}
}
