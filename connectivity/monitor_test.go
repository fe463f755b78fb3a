package connectivity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drainNotify(m *Monitor) int {
	n := 0
	for {
		select {
		case <-m.Notify():
			n++
		default:
			return n
		}
	}
}

func TestSetOnlineEdgeTrigger(t *testing.T) {
	m := NewMonitor(nil, time.Second, testLogger())
	require.False(t, m.Online())

	m.SetOnline(true)
	require.True(t, m.Online())
	require.Equal(t, 1, drainNotify(m), "false-to-true fires one token")

	m.SetOnline(true)
	require.Equal(t, 0, drainNotify(m), "no edge, no token")

	m.SetOnline(false)
	require.False(t, m.Online())
	require.Equal(t, 0, drainNotify(m), "going offline never fires")

	m.SetOnline(true)
	require.Equal(t, 1, drainNotify(m))
}

func TestEdgesCoalesceWhileUnconsumed(t *testing.T) {
	m := NewMonitor(nil, time.Second, testLogger())

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(true)

	require.Equal(t, 1, drainNotify(m), "pending edges collapse into one token")
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Even an error status means the network is reachable.
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx := context.Background()
	require.True(t, HTTPProber(srv.URL, time.Second)(ctx))
	require.False(t, HTTPProber("http://127.0.0.1:1", 300*time.Millisecond)(ctx))
}

func TestStartPollsProber(t *testing.T) {
	var calls int32
	probe := func(ctx context.Context) bool {
		atomic.AddInt32(&calls, 1)
		return true
	}
	m := NewMonitor(probe, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.Online() && atomic.LoadInt32(&calls) >= 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, drainNotify(m), "repeated online probes fire a single edge")
}

func TestStartWithoutProberIsNoop(t *testing.T) {
	m := NewMonitor(nil, time.Second, testLogger())
	m.Start(context.Background())
	m.Stop()
	m.Stop()
	require.False(t, m.Online())
}
