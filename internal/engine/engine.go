// Package engine reconciles local offline state with the remote task
// service: it replays the offline change log, pulls fresh snapshots,
// and runs a retry queue with escalating backoff.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tasksync/internal/cache"
	"tasksync/internal/network"
	"tasksync/internal/utils"
	"tasksync/remote"
)

// DefaultPeriodicInterval is how often the engine considers an
// automatic sync.
const DefaultPeriodicInterval = 5 * time.Minute

// DefaultSettleDelay is how long the engine waits after a reconnection
// before syncing, letting the link stabilize.
const DefaultSettleDelay = time.Second

// DefaultBackoffTable spaces out retries of a failing queued operation.
// Once exhausted the operation is dropped as a terminal failure.
var DefaultBackoffTable = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

// OpType identifies what a queued operation does.
type OpType string

const (
	OpCreate  OpType = "CREATE"
	OpUpdate  OpType = "UPDATE"
	OpDelete  OpType = "DELETE"
	OpRefresh OpType = "REFRESH" // re-pull the remote snapshot
)

// Operation is an in-memory job description. Operations are not
// persisted: the durable record of local edits is the cache's offline
// change log, and the queue is rebuilt from it on each sync.
type Operation struct {
	ID         string
	Type       OpType
	Entity     cache.EntityType
	Payload    json.RawMessage
	RetryCount int
	Timestamp  int64
}

// Status is the engine's broadcast state, recomputed on demand.
type Status struct {
	IsOnline       bool
	IsSyncing      bool
	LastSync       *time.Time
	PendingChanges int
	Errors         []string
}

// StatusListener receives a Status after every state-affecting
// operation. Called synchronously; implementations must not block.
type StatusListener func(Status)

// DataListener receives the fresh task and category collections after
// every successful snapshot pull.
type DataListener func(tasks []remote.Task, categories []remote.Category)

// Engine owns synchronization between the local cache and the remote
// service. All dependencies are injected; the engine holds no global
// state.
type Engine struct {
	cache   *cache.Store
	svc     remote.Service
	monitor *network.Monitor
	breaker *CircuitBreaker
	log     *utils.Logger

	periodicInterval time.Duration
	settleDelay      time.Duration
	staleAge         time.Duration
	backoff          []time.Duration
	sleep            func(time.Duration)

	syncing atomic.Bool
	runMu   sync.Mutex // serializes sync bodies; forced syncs queue behind in-flight ones

	queueMu  sync.Mutex
	queue    []Operation
	draining atomic.Bool

	mu            sync.Mutex
	listeners     map[int]StatusListener
	dataListeners map[int]DataListener
	nextID        int
	lastErrors    []string
	unsub         func()
	stop          chan struct{}
	done          chan struct{}
	running       bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithPeriodicInterval overrides the automatic sync cadence.
func WithPeriodicInterval(d time.Duration) Option {
	return func(e *Engine) { e.periodicInterval = d }
}

// WithSettleDelay overrides the post-reconnect settle delay.
func WithSettleDelay(d time.Duration) Option {
	return func(e *Engine) { e.settleDelay = d }
}

// WithStaleAge overrides the cache age that makes a periodic sync
// worthwhile.
func WithStaleAge(d time.Duration) Option {
	return func(e *Engine) { e.staleAge = d }
}

// WithBackoffTable overrides the retry delay table.
func WithBackoffTable(table []time.Duration) Option {
	return func(e *Engine) { e.backoff = table }
}

// WithSleep overrides the blocking delay function. Test hook.
func WithSleep(fn func(time.Duration)) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithBreaker overrides the remote-call circuit breaker.
func WithBreaker(cb *CircuitBreaker) Option {
	return func(e *Engine) { e.breaker = cb }
}

// NewEngine creates an engine over the given cache, remote service, and
// network monitor.
func NewEngine(c *cache.Store, svc remote.Service, monitor *network.Monitor, log *utils.Logger, opts ...Option) *Engine {
	if log == nil {
		log = utils.GetLogger()
	}
	e := &Engine{
		cache:            c,
		svc:              svc,
		monitor:          monitor,
		log:              log,
		periodicInterval: DefaultPeriodicInterval,
		settleDelay:      DefaultSettleDelay,
		staleAge:         cache.DefaultMaxAge,
		backoff:          DefaultBackoffTable,
		sleep:            time.Sleep,
		listeners:        make(map[int]StatusListener),
		dataListeners:    make(map[int]DataListener),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breaker == nil {
		e.breaker = NewCircuitBreaker(DefaultBreakerThreshold, DefaultBreakerCooldown)
	}
	return e
}

// Subscribe registers a status listener and returns an unsubscribe
// function.
func (e *Engine) Subscribe(l StatusListener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// SubscribeData registers a listener for freshly pulled snapshots and
// returns an unsubscribe function.
func (e *Engine) SubscribeData(l DataListener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.dataListeners[id] = l
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.dataListeners, id)
	}
}

func (e *Engine) notifyData(tasks []remote.Task, categories []remote.Category) {
	e.mu.Lock()
	ls := make([]DataListener, 0, len(e.dataListeners))
	for _, l := range e.dataListeners {
		ls = append(ls, l)
	}
	e.mu.Unlock()
	for _, l := range ls {
		l(tasks, categories)
	}
}

// Status recomputes the current sync status from cache state and engine
// flags.
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.Lock()
	errs := make([]string, len(e.lastErrors))
	copy(errs, e.lastErrors)
	e.mu.Unlock()

	return Status{
		IsOnline:       e.monitor.IsOnline(),
		IsSyncing:      e.syncing.Load(),
		LastSync:       e.cache.LastSync(ctx),
		PendingChanges: len(e.cache.GetOfflineChanges(ctx)),
		Errors:         errs,
	}
}

func (e *Engine) notify(ctx context.Context) {
	status := e.Status(ctx)
	e.mu.Lock()
	ls := make([]StatusListener, 0, len(e.listeners))
	for _, l := range e.listeners {
		ls = append(ls, l)
	}
	e.mu.Unlock()
	for _, l := range ls {
		l(status)
	}
}

func (e *Engine) appendError(msg string) {
	e.mu.Lock()
	e.lastErrors = append(e.lastErrors, msg)
	e.mu.Unlock()
}

func (e *Engine) resetErrors() {
	e.mu.Lock()
	e.lastErrors = nil
	e.mu.Unlock()
}

// StartSync reconciles local state with the remote service: replays the
// offline change log oldest-first, keeps whatever failed for the next
// pass, then pulls a fresh snapshot. A second concurrent non-forced
// call is a no-op; a forced call always proceeds, waiting for any
// in-flight sync to finish. Offline calls are deferred to the next
// reconnection. All failures are absorbed into the returned Status.
func (e *Engine) StartSync(ctx context.Context, force bool) Status {
	if !e.monitor.IsOnline() {
		e.log.Debug("sync: skipped, offline")
		return e.Status(ctx)
	}

	if !force && !e.syncing.CompareAndSwap(false, true) {
		e.log.Debug("sync: already in progress, skipping")
		return e.Status(ctx)
	}

	e.runMu.Lock()
	e.syncing.Store(true)
	defer func() {
		e.syncing.Store(false)
		e.runMu.Unlock()
		e.notify(ctx)
	}()

	e.resetErrors()
	e.notify(ctx)

	e.replayOfflineChanges(ctx)
	if err := e.pullSnapshot(ctx); err != nil {
		e.log.Warn("sync: snapshot pull failed: %v", err)
		e.appendError(fmt.Sprintf("snapshot pull failed: %v", err))
		e.enqueue(ctx, Operation{Type: OpRefresh})
	}

	return e.Status(ctx)
}

// replayOfflineChanges applies the offline log oldest-first, then
// truncates the log and re-appends only the failed subset.
func (e *Engine) replayOfflineChanges(ctx context.Context) {
	changes := e.cache.GetOfflineChanges(ctx)
	if len(changes) == 0 {
		return
	}

	var failed []cache.OfflineChange
	for _, change := range changes {
		if err := e.applyChange(ctx, change); err != nil {
			e.log.Warn("sync: change %s (%s %s) failed: %v", change.ID, change.Type, change.Entity, err)
			failed = append(failed, change)
			continue
		}
		e.log.Debug("sync: change %s (%s %s) applied", change.ID, change.Type, change.Entity)
	}

	if !e.cache.ReplaceOfflineChanges(ctx, failed) {
		e.log.Error("sync: failed to rewrite offline log, %d entries may be replayed again", len(changes)-len(failed))
	}
	if len(failed) > 0 {
		e.appendError(fmt.Sprintf("%d offline change(s) not yet applied", len(failed)))
	}
}

// applyChange dispatches one offline change to the remote service by
// its type and entity kind.
func (e *Engine) applyChange(ctx context.Context, change cache.OfflineChange) error {
	return e.callRemote(func() error {
		switch change.Entity {
		case cache.EntityTask:
			var task remote.Task
			if err := json.Unmarshal(change.Payload, &task); err != nil {
				return fmt.Errorf("undecodable task payload: %w", err)
			}
			switch change.Type {
			case cache.ChangeCreate:
				// A retried create after a transient failure may
				// duplicate a record that actually landed server-side;
				// the remote contract offers no idempotency key.
				_, err := e.svc.CreateTask(ctx, &task)
				return err
			case cache.ChangeUpdate:
				_, err := e.svc.UpdateTask(ctx, taskRemoteID(&task), &task)
				return err
			case cache.ChangeDelete:
				return e.svc.DeleteTask(ctx, taskRemoteID(&task))
			}
		case cache.EntityCategory:
			var cat remote.Category
			if err := json.Unmarshal(change.Payload, &cat); err != nil {
				return fmt.Errorf("undecodable category payload: %w", err)
			}
			switch change.Type {
			case cache.ChangeCreate:
				_, err := e.svc.CreateCategory(ctx, &cat)
				return err
			case cache.ChangeUpdate:
				_, err := e.svc.UpdateCategory(ctx, cat.ID, &cat)
				return err
			case cache.ChangeDelete:
				return e.svc.DeleteCategory(ctx, cat.ID)
			}
		}
		return fmt.Errorf("unknown change kind %s/%s", change.Type, change.Entity)
	})
}

// taskRemoteID prefers the service-assigned identifier when present.
func taskRemoteID(task *remote.Task) string {
	if task.RemoteID != "" {
		return task.RemoteID
	}
	return task.ID
}

// callRemote routes a remote call through the circuit breaker.
func (e *Engine) callRemote(fn func() error) error {
	if !e.breaker.Allow() {
		return utils.ErrRemoteUnreachable("circuit open after repeated failures")
	}
	if err := fn(); err != nil {
		e.breaker.RecordFailure()
		return err
	}
	e.breaker.RecordSuccess()
	return nil
}

// pullSnapshot fetches the remote dataset and replaces the cached
// snapshot wholesale.
func (e *Engine) pullSnapshot(ctx context.Context) error {
	var tasks []remote.Task
	var cats []remote.Category

	err := e.callRemote(func() error {
		var err error
		tasks, err = e.svc.ListTasks(ctx)
		if err != nil {
			return err
		}
		cats, err = e.svc.ListCategories(ctx)
		return err
	})
	if err != nil {
		return err
	}

	if !e.cache.SaveTasks(ctx, tasks, cats) {
		return fmt.Errorf("cache write failed")
	}
	e.notifyData(tasks, cats)
	return nil
}

// ForceFullSync clears the entire local cache, including the offline
// change log, then runs a forced sync. Debug/reset flows only.
func (e *Engine) ForceFullSync(ctx context.Context) Status {
	e.log.Info("sync: forced full sync, clearing cache")
	e.cache.Clear(ctx)
	return e.StartSync(ctx, true)
}

// AddSyncOperation enqueues a background job. If the engine is online
// and idle the queue drain starts immediately.
func (e *Engine) AddSyncOperation(ctx context.Context, op Operation) {
	e.enqueue(ctx, op)
	if e.monitor.IsOnline() && !e.syncing.Load() {
		go e.drainQueue(ctx)
	}
}

func (e *Engine) enqueue(ctx context.Context, op Operation) {
	if op.ID == "" {
		op.ID = remote.GenerateID()
	}
	if op.Timestamp == 0 {
		op.Timestamp = time.Now().UnixMilli()
	}
	e.queueMu.Lock()
	e.queue = append(e.queue, op)
	e.queueMu.Unlock()
}

// QueueLen returns the number of queued operations.
func (e *Engine) QueueLen() int {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return len(e.queue)
}

// drainQueue pops and executes operations front-first. A failed
// operation is re-inserted at the front so it retries ahead of newer
// jobs, after a backoff delay indexed by its retry count; exhausting
// the table drops the operation as a terminal failure.
func (e *Engine) drainQueue(ctx context.Context) {
	if !e.draining.CompareAndSwap(false, true) {
		return
	}
	defer e.draining.Store(false)

	for {
		if ctx.Err() != nil || !e.monitor.IsOnline() {
			return
		}

		e.queueMu.Lock()
		if len(e.queue) == 0 {
			e.queueMu.Unlock()
			return
		}
		op := e.queue[0]
		e.queue = e.queue[1:]
		e.queueMu.Unlock()

		if err := e.executeOperation(ctx, op); err != nil {
			op.RetryCount++
			if op.RetryCount > len(e.backoff) {
				e.log.Error("sync: operation %s (%s) dropped after %d attempts: %v", op.ID, op.Type, op.RetryCount, err)
				e.appendError(fmt.Sprintf("operation %s failed terminally: %v", op.Type, err))
				e.notify(ctx)
				continue
			}
			delay := e.backoff[op.RetryCount-1]
			e.log.Warn("sync: operation %s (%s) failed (attempt %d), retrying in %s: %v", op.ID, op.Type, op.RetryCount, delay, err)
			e.sleep(delay)

			e.queueMu.Lock()
			e.queue = append([]Operation{op}, e.queue...)
			e.queueMu.Unlock()
		}
	}
}

// executeOperation runs one queued job against the remote service.
func (e *Engine) executeOperation(ctx context.Context, op Operation) error {
	if op.Type == OpRefresh {
		return e.pullSnapshot(ctx)
	}
	return e.applyChange(ctx, cache.OfflineChange{
		ID:        op.ID,
		Type:      cache.ChangeType(op.Type),
		Entity:    op.Entity,
		Payload:   op.Payload,
		Timestamp: op.Timestamp,
	})
}

// Start wires the engine to its triggers: the reconnection listener and
// the periodic timer. Idempotent until Cleanup.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	stop, done := e.stop, e.done
	e.unsub = e.monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			e.sleep(e.settleDelay)
			e.StartSync(ctx, false)
		}()
	})
	e.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.periodicInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.SyncIfNeeded(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// SyncIfNeeded runs a sync only when it would do useful work: online
// and either pending changes exist or the cache has gone stale. The
// periodic ticker and external store-write triggers go through here;
// a completed sync leaves no pending work, so the engine's own store
// writes cannot re-trigger it.
func (e *Engine) SyncIfNeeded(ctx context.Context) {
	if !e.monitor.IsOnline() {
		return
	}
	pending := len(e.cache.GetOfflineChanges(ctx))
	if pending == 0 && !e.cache.IsStale(ctx, e.staleAge) {
		return
	}
	e.StartSync(ctx, false)
}

// Cleanup detaches the engine from its triggers and discards listeners
// and queued operations. Queue contents are in-memory only and are lost.
// An in-flight sync is not aborted.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	unsub := e.unsub
	e.unsub = nil
	close(e.stop)
	done := e.done
	e.listeners = make(map[int]StatusListener)
	e.dataListeners = make(map[int]DataListener)
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	<-done

	e.queueMu.Lock()
	e.queue = nil
	e.queueMu.Unlock()
}
