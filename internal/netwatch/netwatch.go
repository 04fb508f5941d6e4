// Package netwatch tracks connectivity to the remote service by probing its
// health endpoint. Raw probe results are debounced before an edge is
// published: a single dropped probe on flaky wifi must not flap the whole
// engine between online and offline modes.
package netwatch

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Defaults.
const (
	DefaultInterval     = 15 * time.Second
	DefaultDebounce     = 2 * time.Second
	DefaultProbeTimeout = 5 * time.Second
)

// Listener receives debounced connectivity edges. Invoked from the watcher
// goroutine; implementations must not block.
type Listener func(online bool)

// Watcher probes the remote health endpoint and publishes debounced
// online/offline edges to registered listeners.
type Watcher struct {
	probeURL string
	client   *http.Client
	logger   *slog.Logger

	interval time.Duration
	debounce time.Duration

	probeFunc func(ctx context.Context) bool // injectable for testing

	mu         sync.Mutex
	online     bool
	pending    *bool     // raw state awaiting debounce confirmation
	pendingAt  time.Time // when the raw state first diverged
	listeners  []Listener
	cancelLoop context.CancelFunc
	done       chan struct{}

	nowFunc func() time.Time
}

// Options configures a Watcher. Zero values select defaults.
type Options struct {
	Interval     time.Duration
	Debounce     time.Duration
	ProbeTimeout time.Duration
}

// New creates a Watcher probing probeURL. The watcher starts in the online
// state optimistically; the first probe corrects it if needed.
func New(probeURL string, opts Options, logger *slog.Logger) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}

	w := &Watcher{
		probeURL: probeURL,
		client:   &http.Client{Timeout: opts.ProbeTimeout},
		logger:   logger,
		interval: opts.Interval,
		debounce: opts.Debounce,
		online:   true,
		nowFunc:  time.Now,
	}
	w.probeFunc = w.probeHTTP

	return w
}

// Online reports the current debounced connectivity state.
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.online
}

// Subscribe registers a listener for connectivity edges. Listeners added
// after an edge only see subsequent edges.
func (w *Watcher) Subscribe(fn Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.listeners = append(w.listeners, fn)
}

// Start launches the probe loop. Stop() or cancelling ctx ends it.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()

	if w.cancelLoop != nil {
		w.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx)
}

// Stop ends the probe loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancelLoop
	done := w.done
	w.cancelLoop = nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Immediate first probe so startup state is accurate within one timeout
	// rather than one interval.
	w.Report(w.probeFunc(ctx))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Report(w.probeFunc(ctx))
		}
	}
}

// Report feeds one raw connectivity observation into the debouncer. Exposed
// so transports that learn about connectivity as a side effect (a failed
// sync request, a dropped background socket) can feed the same state
// machine as the periodic probe.
func (w *Watcher) Report(online bool) {
	w.mu.Lock()

	if online == w.online {
		// Raw state agrees with published state; drop any pending edge.
		w.pending = nil
		w.mu.Unlock()

		return
	}

	now := w.nowFunc()

	if w.pending == nil || *w.pending != online {
		// State just diverged; start the debounce window.
		v := online
		w.pending = &v
		w.pendingAt = now
		w.mu.Unlock()

		return
	}

	if now.Sub(w.pendingAt) < w.debounce {
		w.mu.Unlock()
		return
	}

	// Divergence held for the full window: publish the edge.
	w.online = online
	w.pending = nil
	listeners := append([]Listener(nil), w.listeners...)
	w.mu.Unlock()

	w.logger.Info("netwatch: connectivity changed", slog.Bool("online", online))

	for _, fn := range listeners {
		fn(online)
	}
}

// probeHTTP performs one HEAD request against the health endpoint. Any
// 2xx–4xx response proves the network path works; only transport errors
// and server errors count as offline.
func (w *Watcher) probeHTTP(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.probeURL, nil)
	if err != nil {
		return false
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}

	defer resp.Body.Close()

	return resp.StatusCode < 500
}
