// Package startup sequences application bring-up: authentication
// check, cache warm-up with a bounded wait, sync engine attachment, and
// periodic storage maintenance.
package startup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tasksync/internal/budget"
	"tasksync/internal/cache"
	"tasksync/internal/engine"
	"tasksync/internal/network"
	"tasksync/internal/utils"
)

// DefaultLoadTimeout bounds how long first-launch callers block waiting
// for the initial data load.
const DefaultLoadTimeout = 10 * time.Second

// DefaultMaintenanceInterval is how often storage maintenance runs.
const DefaultMaintenanceInterval = time.Hour

// Authenticator is the external auth/session collaborator. Token
// acquisition and refresh live outside this subsystem.
type Authenticator interface {
	IsAuthenticated(ctx context.Context) bool
}

// Status is a point-in-time report of the startup pipeline.
type Status struct {
	Initialized   bool
	Authenticated bool
	HasCachedData bool
	Ready         bool
}

// Orchestrator wires the components together at application start. All
// dependencies are injected; Initialize is called exactly once per
// lifecycle (Reset starts a new one).
type Orchestrator struct {
	auth    Authenticator
	cache   *cache.Store
	engine  *engine.Engine
	budget  *budget.Manager
	monitor *network.Monitor
	log     *utils.Logger

	loadTimeout         time.Duration
	maintenanceInterval time.Duration

	initialized atomic.Bool

	mu            sync.Mutex
	authenticated bool
	ready         chan struct{}
	readyOnce     *sync.Once
	stopMaint     chan struct{}
	maintDone     chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLoadTimeout overrides the bounded initial-load wait.
func WithLoadTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.loadTimeout = d }
}

// WithMaintenanceInterval overrides the storage-maintenance cadence.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.maintenanceInterval = d }
}

// NewOrchestrator creates an orchestrator over the given components.
func NewOrchestrator(auth Authenticator, c *cache.Store, e *engine.Engine, bm *budget.Manager, m *network.Monitor, log *utils.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = utils.GetLogger()
	}
	o := &Orchestrator{
		auth:                auth,
		cache:               c,
		engine:              e,
		budget:              bm,
		monitor:             m,
		log:                 log,
		loadTimeout:         DefaultLoadTimeout,
		maintenanceInterval: DefaultMaintenanceInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Initialize runs the startup pipeline. Idempotent: a second call is a
// no-op until Reset.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if !o.initialized.CompareAndSwap(false, true) {
		return nil
	}

	o.mu.Lock()
	o.ready = make(chan struct{})
	o.readyOnce = &sync.Once{}
	o.mu.Unlock()

	o.monitor.Start(ctx)

	authenticated := o.auth.IsAuthenticated(ctx)
	o.mu.Lock()
	o.authenticated = authenticated
	o.mu.Unlock()

	hasCache := o.cache.HasCachedData(ctx)

	if !authenticated {
		// Unauthenticated sessions serve whatever the cache holds and
		// never sync.
		if hasCache {
			o.log.Info("startup: unauthenticated, serving cached data")
		} else {
			o.log.Info("startup: unauthenticated, no cached data")
		}
		o.markReady()
		o.startMaintenance(ctx)
		return nil
	}

	o.engine.Start(ctx)

	switch {
	case !hasCache:
		// First launch: load in the background; WaitReady lets callers
		// block briefly instead of flashing an empty screen.
		o.log.Info("startup: no cached data, loading from remote")
		go func() {
			o.engine.StartSync(ctx, false)
			o.markReady()
		}()
	case o.cache.IsStale(ctx, 0):
		o.log.Info("startup: cached data stale, refreshing in background")
		o.markReady()
		go o.engine.StartSync(ctx, false)
	default:
		o.markReady()
	}

	if pending := len(o.cache.GetOfflineChanges(ctx)); pending > 0 {
		o.log.Info("startup: %d pending offline change(s), syncing in background", pending)
		go o.engine.StartSync(ctx, false)
	}

	o.startMaintenance(ctx)
	return nil
}

func (o *Orchestrator) markReady() {
	o.mu.Lock()
	once, ready := o.readyOnce, o.ready
	o.mu.Unlock()
	if once != nil {
		once.Do(func() { close(ready) })
	}
}

// WaitReady blocks until the initial data load completed, the load
// timeout elapsed, or ctx was cancelled. A timeout is not an error for
// the caller's data path (the cache may simply still be empty) but is
// reported so callers can show a loading state.
func (o *Orchestrator) WaitReady(ctx context.Context) error {
	o.mu.Lock()
	ready := o.ready
	o.mu.Unlock()
	if ready == nil {
		return fmt.Errorf("not initialized")
	}

	select {
	case <-ready:
		return nil
	case <-time.After(o.loadTimeout):
		return fmt.Errorf("initial load timed out after %s", o.loadTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startMaintenance registers the periodic storage-maintenance timer.
func (o *Orchestrator) startMaintenance(ctx context.Context) {
	o.mu.Lock()
	o.stopMaint = make(chan struct{})
	o.maintDone = make(chan struct{})
	stop, done := o.stopMaint, o.maintDone
	o.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.runMaintenance(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// runMaintenance enforces the storage budget outside the write path.
func (o *Orchestrator) runMaintenance(ctx context.Context) {
	report, err := o.budget.CheckStorageLimit(ctx)
	if err != nil {
		o.log.Warn("startup: storage check failed: %v", err)
		return
	}
	if !report.IsNearLimit {
		return
	}
	o.log.Info("startup: storage at %.1f%%, running cleanup", report.UsagePercent)
	if _, err := o.budget.CleanupOldData(ctx, budget.DefaultCleanupMaxAge); err != nil {
		o.log.Warn("startup: cleanup failed: %v", err)
	}
}

// Status reports the current pipeline state.
func (o *Orchestrator) Status(ctx context.Context) Status {
	o.mu.Lock()
	authenticated := o.authenticated
	ready := o.ready
	o.mu.Unlock()

	isReady := false
	if ready != nil {
		select {
		case <-ready:
			isReady = true
		default:
		}
	}

	return Status{
		Initialized:   o.initialized.Load(),
		Authenticated: authenticated,
		HasCachedData: o.cache.HasCachedData(ctx),
		Ready:         isReady,
	}
}

// Reset clears the cache and all non-system storage, stops background
// work, and re-runs the whole pipeline. Debug/troubleshooting entry
// point.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.log.Info("startup: reset requested")
	o.Shutdown()
	o.cache.Clear(ctx)
	if _, err := o.budget.PurgeAppData(ctx); err != nil {
		o.log.Warn("startup: storage purge failed: %v", err)
	}
	o.initialized.Store(false)
	return o.Initialize(ctx)
}

// Shutdown stops the maintenance timer and detaches the engine and
// monitor. Safe to call more than once.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	stop, done := o.stopMaint, o.maintDone
	o.stopMaint, o.maintDone = nil, nil
	o.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	o.engine.Cleanup()
	o.monitor.Stop()
}
