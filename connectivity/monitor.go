// Package connectivity exposes an edge-triggered online/offline signal.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Prober reports whether the network currently looks reachable.
type Prober func(ctx context.Context) bool

// HTTPProber probes reachability with a HEAD request against the server base
// address. Any response at all counts as online; only transport failures
// count as offline.
func HTTPProber(baseURL string, timeout time.Duration) Prober {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}
}

// Monitor polls a Prober and turns the boolean into an edge-triggered
// signal: only the false-to-true transition is an event.
type Monitor struct {
	probe    Prober
	interval time.Duration
	logger   *slog.Logger

	online int32
	notify chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
}

// NewMonitor creates a monitor. probe may be nil, in which case the monitor
// only changes state through SetOnline (manual/test mode).
func NewMonitor(probe Prober, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		logger:   logger,
		notify:   make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

// Online reports the current connectivity belief.
func (m *Monitor) Online() bool {
	return atomic.LoadInt32(&m.online) == 1
}

// Notify delivers one token per offline-to-online edge. The channel is
// buffered with capacity one; edges that arrive while a previous token is
// unconsumed coalesce.
func (m *Monitor) Notify() <-chan struct{} {
	return m.notify
}

// SetOnline records the connectivity state and fires the edge signal on a
// false-to-true transition.
func (m *Monitor) SetOnline(online bool) {
	var next int32
	if online {
		next = 1
	}
	prev := atomic.SwapInt32(&m.online, next)
	if prev == 0 && next == 1 {
		m.logger.Info("connectivity restored")
		select {
		case m.notify <- struct{}{}:
		default:
		}
	}
	if prev == 1 && next == 0 {
		m.logger.Info("connectivity lost")
	}
}

// Start begins polling the prober until ctx is cancelled or Stop is called.
// It is a no-op when no prober is configured.
func (m *Monitor) Start(ctx context.Context) {
	if m.probe == nil {
		return
	}
	m.startOnce.Do(func() {
		go m.loop(ctx)
	})
}

// Stop halts polling. The monitor keeps its last state.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.quit) })
}

func (m *Monitor) loop(ctx context.Context) {
	// Probe immediately so the first interval does not delay startup sync.
	m.SetOnline(m.probe(ctx))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		case <-ticker.C:
			m.SetOnline(m.probe(ctx))
		}
	}
}
