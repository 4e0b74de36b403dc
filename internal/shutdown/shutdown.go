// Package shutdown coordinates graceful teardown: cleanup registration,
// LIFO execution, and OS signal handling.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"tasksync/internal/utils"
)

// CleanupFunc performs one piece of teardown. It receives a context
// that is cancelled when the shutdown deadline passes.
type CleanupFunc func(ctx context.Context) error

type cleanupEntry struct {
	name string
	fn   CleanupFunc
}

// Manager coordinates shutdown across the application's components.
type Manager struct {
	mu       sync.Mutex
	cleanups []cleanupEntry
	log      *utils.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	done     chan struct{}
}

// NewManager creates a shutdown manager.
func NewManager(log *utils.Logger) *Manager {
	if log == nil {
		log = utils.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// RegisterCleanup adds a named cleanup. Cleanups run in LIFO order
// (last registered, first called), mirroring construction order.
func (m *Manager) RegisterCleanup(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanupEntry{name: name, fn: fn})
}

// Shutdown initiates teardown. Safe to call multiple times; only the
// first call has effect.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.cancel()
	})
}

// Context is cancelled once Shutdown is called; long-running operations
// should watch it.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// IsShutdown reports whether shutdown has been initiated.
func (m *Manager) IsShutdown() bool {
	select {
	case <-m.ctx.Done():
		return true
	default:
		return false
	}
}

// Wait runs all registered cleanups in LIFO order, bounded by ctx.
// Cleanup errors are logged and do not stop the remaining cleanups.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	cleanups := make([]cleanupEntry, len(m.cleanups))
	copy(cleanups, m.cleanups)
	m.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i].fn(ctx); err != nil {
				m.log.Warn("shutdown: cleanup %q failed: %v", cleanups[i].name, err)
			}
		}
	}()

	select {
	case <-finished:
		close(m.done)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleSignals initiates shutdown on SIGINT or SIGTERM. Returns a stop
// function that detaches the signal handler.
func (m *Manager) HandleSignals() func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-ch:
			m.log.Info("shutdown: received %s", sig)
			m.Shutdown()
		case <-m.ctx.Done():
		}
	}()

	return func() { signal.Stop(ch) }
}
