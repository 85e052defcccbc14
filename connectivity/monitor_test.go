package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transition struct {
	prev, next Status
}

type recorder struct {
	mu          sync.Mutex
	transitions []transition
}

func (r *recorder) record(_ context.Context, prev, next Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition{prev, next})
}

func (r *recorder) get() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.transitions...)
}

func TestRunOnceReportsTransitions(t *testing.T) {
	var fail atomic.Bool
	m := NewMonitor(ProbeFunc(func(context.Context) error {
		if fail.Load() {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	}), Config{})

	rec := &recorder{}
	m.OnChange(rec.record)
	ctx := context.Background()

	status, _ := m.Status()
	require.Equal(t, StatusUnknown, status)

	require.Equal(t, StatusOnline, m.RunOnce(ctx))
	require.Equal(t, StatusOnline, m.RunOnce(ctx))
	require.True(t, m.Online())

	fail.Store(true)
	require.Equal(t, StatusOffline, m.RunOnce(ctx))
	require.False(t, m.Online())

	fail.Store(false)
	m.RunOnce(ctx)

	assert.Equal(t, []transition{
		{StatusUnknown, StatusOnline},
		{StatusOnline, StatusOffline},
		{StatusOffline, StatusOnline},
	}, rec.get())
}

func TestStartProbesImmediately(t *testing.T) {
	probed := make(chan struct{}, 1)
	m := NewMonitor(ProbeFunc(func(context.Context) error {
		select {
		case probed <- struct{}{}:
		default:
		}
		return nil
	}), Config{Interval: time.Hour})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	select {
	case <-probed:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not probe on start")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m := NewMonitor(ProbeFunc(func(context.Context) error { return nil }), Config{Interval: time.Hour})
	m.Stop()
	require.NoError(t, m.Start(context.Background()))
	m.Stop()
	m.Stop()
}

func TestHTTPProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := &HTTPProber{URL: srv.URL}
	require.NoError(t, p.Probe(context.Background()))

	status.Store(http.StatusNotFound)
	require.NoError(t, p.Probe(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	require.Error(t, p.Probe(context.Background()))

	srv.Close()
	require.Error(t, p.Probe(context.Background()))
}
