// Package network watches reachability of the remote endpoint and
// notifies subscribers when connectivity changes.
package network

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"tasksync/internal/utils"
)

const (
	// DefaultProbeTimeout bounds a single reachability probe.
	DefaultProbeTimeout = 2500 * time.Millisecond
	// DefaultPollInterval is how often the monitor re-probes.
	DefaultPollInterval = 30 * time.Second
)

// State is the monitor's view of connectivity.
type State int

const (
	StateOffline State = iota
	StateOnline
)

func (s State) String() string {
	if s == StateOnline {
		return "online"
	}
	return "offline"
}

// Listener receives connectivity transitions. Called from the monitor's
// goroutine; implementations must not block.
type Listener func(online bool)

// Doer is the HTTP client surface the monitor needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Monitor polls a probe URL and tracks online/offline state. Listeners
// are notified on transitions only, never on repeated confirmations of
// the same state.
type Monitor struct {
	probeURL     string
	client       Doer
	pollInterval time.Duration
	probeTimeout time.Duration
	log          *utils.Logger

	online atomic.Bool

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
	stop      chan struct{}
	done      chan struct{}
	running   bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClient overrides the HTTP client used for probes.
func WithClient(c Doer) Option {
	return func(m *Monitor) { m.client = c }
}

// WithPollInterval overrides the polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) { m.pollInterval = d }
}

// WithProbeTimeout overrides the per-probe deadline.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.probeTimeout = d }
}

// NewMonitor creates a monitor probing the given URL. The monitor
// starts in the online state; the first probe corrects it if needed.
func NewMonitor(probeURL string, log *utils.Logger, opts ...Option) *Monitor {
	if log == nil {
		log = utils.GetLogger()
	}
	m := &Monitor{
		probeURL:     probeURL,
		pollInterval: DefaultPollInterval,
		probeTimeout: DefaultProbeTimeout,
		log:          log,
		listeners:    make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: m.probeTimeout}
	}
	m.online.Store(true)
	return m
}

// IsOnline returns the last observed connectivity state.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// Subscribe registers a transition listener and returns an unsubscribe
// function.
func (m *Monitor) Subscribe(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Probe performs one reachability check and updates the monitor state,
// notifying listeners if the state changed. Returns the observed state.
func (m *Monitor) Probe(ctx context.Context) bool {
	online := m.probe(ctx)
	m.setOnline(online)
	return online
}

// probe issues a HEAD request against the probe URL. Any HTTP response,
// regardless of status code, proves reachability; only transport errors
// count as offline.
func (m *Monitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.log.Warn("network: bad probe URL %q: %v", m.probeURL, err)
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// setOnline records the observed state and fires listeners on change.
func (m *Monitor) setOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	m.log.Info("network: connectivity changed to %s", State(boolToState(online)))

	m.mu.Lock()
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.mu.Unlock()

	for _, l := range ls {
		l(online)
	}
}

func boolToState(online bool) State {
	if online {
		return StateOnline
	}
	return StateOffline
}

// Start begins periodic probing until Stop is called or ctx is
// cancelled. An initial probe runs immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.Probe(ctx)

		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Probe(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts periodic probing and waits for the poll goroutine to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()
	<-done
}
