// Package netmon tracks backend reachability for the mutation pipeline.
// The offline-to-online transition is the pipeline's main trigger: flush
// passes are driven by connectivity events, never by timers in the engine
// itself.
//
// Reachability changes arrive two ways: the host can report them directly
// with SetOnline (platform network callbacks, a UI toggle), or Run can
// probe a health URL on an interval and feed the result in. Both paths
// meet in SetOnline, which detects the transition and fans out callbacks.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Options tunes a Monitor. The zero value gives a manual monitor that only
// changes state through SetOnline.
type Options struct {
	// ProbeURL is fetched by Run to decide reachability. Empty disables
	// probing; the monitor then relies on SetOnline alone.
	ProbeURL string

	// Interval between probes. Default 30s.
	Interval time.Duration

	// Timeout bounds one probe. Default 5s.
	Timeout time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Monitor caches the last known reachability and notifies listeners on
// every change. It starts offline: the first successful probe or
// SetOnline(true) produces the initial online transition.
type Monitor struct {
	opts Options

	online      atomic.Bool
	lastCheck   atomic.Int64 // unix ms
	lastLatMs   atomic.Int64
	checks      atomic.Int64
	fails       atomic.Int64
	transitions atomic.Int64

	mu   sync.Mutex
	subs map[int]func(bool)
	next int
}

// New creates a monitor. Call Run in a goroutine when Options.ProbeURL is
// set, or drive it manually with SetOnline.
func New(opts Options) *Monitor {
	opts.defaults()
	return &Monitor{opts: opts}
}

// Online returns the cached reachability. False until the first positive
// signal.
func (m *Monitor) Online() bool { return m.online.Load() }

// SetOnline reports a reachability observation. Repeating the current
// state is a no-op; a change notifies every listener synchronously, on
// the caller's goroutine.
func (m *Monitor) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	m.transitions.Add(1)
	if online {
		m.opts.Logger.Info("backend reachable, going online")
	} else {
		m.opts.Logger.Info("backend unreachable, going offline")
	}

	m.mu.Lock()
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

// OnChange registers a listener for every transition. The returned func
// unsubscribes.
func (m *Monitor) OnChange(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs == nil {
		m.subs = make(map[int]func(bool))
	}
	id := m.next
	m.next++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// OnOnline registers a listener for the offline-to-online transition only.
func (m *Monitor) OnOnline(fn func()) func() {
	return m.OnChange(func(online bool) {
		if online {
			fn()
		}
	})
}

// Run probes ProbeURL immediately and then on every interval, feeding
// results into SetOnline. Blocks until ctx is cancelled. Run it in a
// goroutine:
//
//	go mon.Run(ctx)
func (m *Monitor) Run(ctx context.Context) {
	if m.opts.ProbeURL == "" {
		m.opts.Logger.Warn("netmon: no probe url configured, monitor is manual only")
		return
	}

	m.SetOnline(m.probe(ctx))

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	m.opts.Logger.Debug("netmon probe loop started", "url", m.opts.ProbeURL, "interval", m.opts.Interval)

	for {
		select {
		case <-ctx.Done():
			m.opts.Logger.Debug("netmon probe loop stopped")
			return
		case <-ticker.C:
			m.SetOnline(m.probe(ctx))
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	m.checks.Add(1)
	m.lastCheck.Store(time.Now().UnixMilli())

	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.opts.ProbeURL, nil)
	if err != nil {
		m.fails.Add(1)
		return false
	}

	start := time.Now()
	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		m.fails.Add(1)
		m.opts.Logger.Debug("netmon probe failed", "error", err, "url", m.opts.ProbeURL)
		return false
	}
	resp.Body.Close()

	// Any response below 500 proves the backend is there, even when the
	// probe endpoint itself is grumpy.
	ok := resp.StatusCode >= 200 && resp.StatusCode < 500
	if ok {
		m.lastLatMs.Store(time.Since(start).Milliseconds())
	} else {
		m.fails.Add(1)
	}
	return ok
}

// Stats returns a JSON-serializable summary.
func (m *Monitor) Stats() map[string]any {
	return map[string]any{
		"online":      m.online.Load(),
		"last_check":  m.lastCheck.Load(),
		"latency_ms":  m.lastLatMs.Load(),
		"checks":      m.checks.Load(),
		"fails":       m.fails.Load(),
		"transitions": m.transitions.Load(),
	}
}
