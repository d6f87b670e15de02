// Package network tracks reachability of the remote API.
package network

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor holds the current online state and fans out transitions.
// It implements domain.NetworkMonitor.
type Monitor struct {
	logger *slog.Logger

	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(online bool)
}

// NewMonitor creates a monitor with an initial state.
func NewMonitor(initiallyOnline bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger: logger,
		online: initiallyOnline,
		subs:   make(map[int]func(bool)),
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the platform-reported state. Subscribers are notified
// only when the state actually changes, outside the lock.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.Info("network state changed", "online", online)
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn for transitions. The returned func is safe to call more than once.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions
func (m *Monitor) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Prober actively checks reachability with HEAD requests and feeds a Monitor.
type Prober struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration

	monitor    *Monitor
	httpClient *http.Client
	logger     *slog.Logger
}

// NewProber creates a prober. Zero durations fall back to 30s interval / 5s timeout.
func NewProber(url string, interval, timeout time.Duration, monitor *Monitor, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		URL:        url,
		Interval:   interval,
		Timeout:    timeout,
		monitor:    monitor,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Probe performs one reachability check and updates the monitor.
// Any HTTP response, even an error status, means the server is reachable.
func (p *Prober) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, p.URL, nil)
	if err == nil {
		resp, doErr := p.httpClient.Do(req)
		if doErr == nil {
			resp.Body.Close()
			online = true
		} else {
			p.logger.Debug("reachability probe failed", "url", p.URL, "error", doErr)
		}
	} else {
		p.logger.Error("invalid probe url", "url", p.URL, "error", err)
	}

	// A cancelled caller says nothing about reachability
	if ctx.Err() == nil {
		p.monitor.SetOnline(online)
	}
	return online
}

// Run probes immediately and then every Interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	if p.URL == "" {
		return
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
