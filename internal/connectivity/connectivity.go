// Package connectivity tracks whether the backend network path is up and
// announces transitions.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	httpclient "github.com/binomepay/binomepay-go/internal/platform/http/client"
	"github.com/binomepay/binomepay-go/internal/platform/logutil"
)

// Prober reports whether the network path is reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// Always reports a fixed state. Used in mock mode.
type Always bool

func (a Always) Probe(context.Context) bool { return bool(a) }

// HTTPProber issues GET <base>/health; any HTTP response counts as reachable.
type HTTPProber struct {
	URL     string
	Client  *httpclient.Client
	Timeout time.Duration
}

// NewHTTPProber builds a prober for baseURL with a short timeout.
func NewHTTPProber(baseURL string, client *httpclient.Client) *HTTPProber {
	if client == nil {
		client = httpclient.New(&httpclient.Config{TimeoutMS: 3000, ConnectTimeoutMS: 1500})
	}
	return &HTTPProber{
		URL:     strings.TrimRight(baseURL, "/") + "/health",
		Client:  client,
		Timeout: 3 * time.Second,
	}
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(ctx, req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Monitor holds the current state and fans transitions out to subscribers.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
	subs   []chan bool
}

// NewMonitor starts in the initial state. interval <= 0 uses 10s.
func NewMonitor(prober Prober, interval time.Duration, initial bool, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		logger:   logutil.NoopIfNil(logger),
		online:   initial,
	}
}

// Online returns the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a state. Subscribers are notified only on change.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]chan bool, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, ch := range subs {
		// Drop the stale pending value so the latest state wins.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- online:
		default:
		}
	}
}

// Subscribe returns a channel receiving the new state after each transition.
// The channel holds at most one pending value.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Check probes once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	ok := m.prober != nil && m.prober.Probe(ctx)
	m.Set(ok)
	return ok
}

// Run probes every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
