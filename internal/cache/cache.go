// Package cache persists a versioned snapshot of tasks and categories
// plus an append-only log of unsynchronized local mutations, making the
// app usable without connectivity.
//
// The cache never propagates storage errors to its callers: read and
// write failures are logged and surface only as missing data. The
// offline change log is the durable record of local edits; an entry
// leaves the log only after the corresponding remote write succeeded.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"tasksync/internal/budget"
	"tasksync/internal/kvstore"
	"tasksync/internal/utils"
	"tasksync/remote"
)

// SchemaVersion is the snapshot layout version expected by this build.
// A persisted snapshot with any other version is invalidated and
// cleared; there is no migration path.
const SchemaVersion = 2

const (
	snapshotKey = "cache:snapshot"
	lastSyncKey = "cache:last_sync"
	changesKey  = "cache:offline_changes"
)

// DefaultMaxAge is the staleness threshold used when callers pass no
// explicit maximum age.
const DefaultMaxAge = time.Hour

// corruptCategoryLink is the placeholder value that marks a corrupted
// record. A single occurrence invalidates the whole snapshot.
const corruptCategoryLink = "undefined"

// Snapshot is the single authoritative local copy of all tasks and
// categories, replaced wholesale on each save.
type Snapshot struct {
	Tasks         []remote.Task     `json:"tasks"`
	Categories    []remote.Category `json:"categories"`
	LastSync      int64             `json:"lastSyncTimestamp"` // epoch milliseconds
	SchemaVersion int               `json:"schemaVersion"`
}

// ChangeType identifies the kind of local mutation recorded offline.
type ChangeType string

const (
	ChangeCreate ChangeType = "CREATE"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// EntityType identifies which record kind a change applies to.
type EntityType string

const (
	EntityTask     EntityType = "TASK"
	EntityCategory EntityType = "CATEGORY"
)

// OfflineChange is one recorded local mutation awaiting confirmation by
// the remote service.
type OfflineChange struct {
	ID        string          `json:"id"`
	Type      ChangeType      `json:"type"`
	Entity    EntityType      `json:"entityType"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // epoch milliseconds
}

// Stats is an aggregate cache report.
type Stats struct {
	TaskCount      int
	CategoryCount  int
	LastSync       *time.Time
	PendingChanges int
	ApproxBytes    int64
}

// Store is the offline-first cache over the persistent key-value store.
// A single Store instance is the only writer of its keys; all mutations
// are serialized by an internal mutex.
type Store struct {
	kv     kvstore.Store
	budget *budget.Manager
	log    *utils.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// NewStore creates a cache store over the given key-value store,
// persisting through the storage budget manager.
func NewStore(kv kvstore.Store, bm *budget.Manager, log *utils.Logger) *Store {
	if log == nil {
		log = utils.GetLogger()
	}
	return &Store{kv: kv, budget: bm, log: log, now: time.Now}
}

// loadSnapshot reads and validates the persisted snapshot. Decode
// failures, schema mismatches, and corrupted records all invalidate the
// snapshot and report it as absent.
func (s *Store) loadSnapshot(ctx context.Context) *Snapshot {
	raw, err := s.kv.Get(ctx, snapshotKey)
	if err != nil {
		if !kvstore.IsNotFound(err) {
			s.log.Warn("cache: snapshot read failed: %v", err)
		}
		return nil
	}

	var snap Snapshot
	if err := json.Unmarshal(budget.ExpandPayload(raw), &snap); err != nil {
		s.log.Warn("cache: snapshot undecodable, invalidating: %v", err)
		s.invalidate(ctx)
		return nil
	}

	if snap.SchemaVersion != SchemaVersion {
		s.log.Info("cache: schema version %d != expected %d, invalidating", snap.SchemaVersion, SchemaVersion)
		s.invalidate(ctx)
		return nil
	}

	for i := range snap.Tasks {
		if snap.Tasks[i].ID == "" || snap.Tasks[i].CategoryID == corruptCategoryLink {
			s.log.Warn("cache: corrupted task record detected, invalidating snapshot")
			s.invalidate(ctx)
			return nil
		}
	}

	return &snap
}

// saveSnapshot persists a snapshot wholesale through the budget manager.
func (s *Store) saveSnapshot(ctx context.Context, snap *Snapshot) bool {
	raw, err := json.Marshal(snap)
	if err != nil {
		s.log.Error("cache: snapshot encode failed: %v", err)
		return false
	}
	return s.budget.SetItemSafely(ctx, snapshotKey, budget.CompactPayload(raw))
}

// invalidate removes the snapshot and its last-sync mirror. The offline
// change log is left intact: recorded local edits survive invalidation.
func (s *Store) invalidate(ctx context.Context) {
	if err := s.kv.Delete(ctx, snapshotKey); err != nil {
		s.log.Warn("cache: failed to delete snapshot: %v", err)
	}
	if err := s.kv.Delete(ctx, lastSyncKey); err != nil {
		s.log.Warn("cache: failed to delete last-sync mirror: %v", err)
	}
}

// GetCachedTasks returns the cached tasks, or an empty slice when no
// valid snapshot exists.
func (s *Store) GetCachedTasks(ctx context.Context) []remote.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.loadSnapshot(ctx)
	if snap == nil || snap.Tasks == nil {
		return []remote.Task{}
	}
	return snap.Tasks
}

// GetCachedCategories returns the cached categories, or an empty slice
// when no valid snapshot exists.
func (s *Store) GetCachedCategories(ctx context.Context) []remote.Category {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.loadSnapshot(ctx)
	if snap == nil || snap.Categories == nil {
		return []remote.Category{}
	}
	return snap.Categories
}

// SaveTasks replaces the snapshot wholesale and stamps the last-sync
// timestamp. Returns false when the write was absorbed as a failure.
func (s *Store) SaveTasks(ctx context.Context, tasks []remote.Task, categories []remote.Category) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	snap := &Snapshot{
		Tasks:         tasks,
		Categories:    categories,
		LastSync:      now,
		SchemaVersion: SchemaVersion,
	}

	if !s.saveSnapshot(ctx, snap) {
		return false
	}

	if err := s.kv.Set(ctx, lastSyncKey, []byte(strconv.FormatInt(now, 10))); err != nil {
		s.log.Warn("cache: failed to write last-sync mirror: %v", err)
	}
	return true
}

// UpdateTaskInCache upserts a task into the snapshot by primary ID,
// falling back to the service-assigned RemoteID, and writes the whole
// snapshot back. The last-sync timestamp is not advanced: a local edit
// is not a sync.
func (s *Store) UpdateTaskInCache(ctx context.Context, task remote.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.loadSnapshot(ctx)
	if snap == nil {
		snap = &Snapshot{SchemaVersion: SchemaVersion}
	}

	replaced := false
	for i := range snap.Tasks {
		if matchesTask(&snap.Tasks[i], &task) {
			snap.Tasks[i] = task
			replaced = true
			break
		}
	}
	if !replaced {
		snap.Tasks = append(snap.Tasks, task)
	}

	return s.saveSnapshot(ctx, snap)
}

// RemoveTaskFromCache filters a task out of the snapshot and writes the
// snapshot back.
func (s *Store) RemoveTaskFromCache(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.loadSnapshot(ctx)
	if snap == nil {
		return true
	}

	kept := snap.Tasks[:0]
	for i := range snap.Tasks {
		if snap.Tasks[i].ID == id || (snap.Tasks[i].RemoteID != "" && snap.Tasks[i].RemoteID == id) {
			continue
		}
		kept = append(kept, snap.Tasks[i])
	}
	snap.Tasks = kept

	return s.saveSnapshot(ctx, snap)
}

// matchesTask matches by primary ID with a fallback to the secondary
// service-assigned identifier.
func matchesTask(existing, incoming *remote.Task) bool {
	if existing.ID != "" && existing.ID == incoming.ID {
		return true
	}
	if existing.RemoteID != "" && existing.RemoteID == incoming.RemoteID {
		return true
	}
	return false
}

// SaveOfflineChange appends a change to the offline log, assigning an ID
// and timestamp when absent.
func (s *Store) SaveOfflineChange(ctx context.Context, change OfflineChange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if change.ID == "" {
		change.ID = remote.GenerateID()
	}
	if change.Timestamp == 0 {
		change.Timestamp = s.now().UnixMilli()
	}

	changes := s.loadChanges(ctx)
	changes = append(changes, change)
	return s.saveChanges(ctx, changes)
}

// GetOfflineChanges returns the offline change log, oldest first.
func (s *Store) GetOfflineChanges(ctx context.Context) []OfflineChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadChanges(ctx)
}

// ClearOfflineChanges truncates the offline change log. The store only
// supports replace-whole-log writes; callers that processed a subset
// must follow up with ReplaceOfflineChanges for the failed remainder.
func (s *Store) ClearOfflineChanges(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveChanges(ctx, []OfflineChange{})
}

// ReplaceOfflineChanges truncates the log and re-appends the given
// changes, preserving their order.
func (s *Store) ReplaceOfflineChanges(ctx context.Context, changes []OfflineChange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if changes == nil {
		changes = []OfflineChange{}
	}
	return s.saveChanges(ctx, changes)
}

func (s *Store) loadChanges(ctx context.Context) []OfflineChange {
	raw, err := s.kv.Get(ctx, changesKey)
	if err != nil {
		if !kvstore.IsNotFound(err) {
			s.log.Warn("cache: offline log read failed: %v", err)
		}
		return []OfflineChange{}
	}

	var changes []OfflineChange
	if err := json.Unmarshal(raw, &changes); err != nil {
		s.log.Warn("cache: offline log undecodable, truncating: %v", err)
		return []OfflineChange{}
	}
	if changes == nil {
		changes = []OfflineChange{}
	}
	return changes
}

func (s *Store) saveChanges(ctx context.Context, changes []OfflineChange) bool {
	raw, err := json.Marshal(changes)
	if err != nil {
		s.log.Error("cache: offline log encode failed: %v", err)
		return false
	}
	return s.budget.SetItemSafely(ctx, changesKey, raw)
}

// HasCachedData reports whether a snapshot exists, without validating it.
func (s *Store) HasCachedData(ctx context.Context) bool {
	_, err := s.kv.Get(ctx, snapshotKey)
	return err == nil
}

// GetCacheStats returns aggregate counts and the approximate serialized
// size of the cache keys.
func (s *Store) GetCacheStats(ctx context.Context) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	snap := s.loadSnapshot(ctx)
	if snap != nil {
		st.TaskCount = len(snap.Tasks)
		st.CategoryCount = len(snap.Categories)
		if snap.LastSync > 0 {
			t := time.UnixMilli(snap.LastSync)
			st.LastSync = &t
		}
	}
	st.PendingChanges = len(s.loadChanges(ctx))

	for _, key := range []string{snapshotKey, changesKey, lastSyncKey} {
		if raw, err := s.kv.Get(ctx, key); err == nil {
			st.ApproxBytes += int64(len(raw))
		}
	}
	return st
}

// IsStale reports whether the time since the last successful sync
// exceeds maxAge. A cache that has never synced is stale. maxAge <= 0
// selects DefaultMaxAge.
func (s *Store) IsStale(ctx context.Context, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	last := s.lastSync(ctx)
	if last == nil {
		return true
	}
	return s.now().Sub(*last) > maxAge
}

// lastSync reads the cheap last-sync mirror, falling back to the
// snapshot field.
func (s *Store) lastSync(ctx context.Context) *time.Time {
	if raw, err := s.kv.Get(ctx, lastSyncKey); err == nil {
		if ms, err := strconv.ParseInt(string(raw), 10, 64); err == nil && ms > 0 {
			t := time.UnixMilli(ms)
			return &t
		}
	}

	snap := s.loadSnapshot(ctx)
	if snap == nil || snap.LastSync <= 0 {
		return nil
	}
	t := time.UnixMilli(snap.LastSync)
	return &t
}

// LastSync returns the time of the last successful sync, or nil.
func (s *Store) LastSync(ctx context.Context) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync(ctx)
}

// Invalidate clears the snapshot and last-sync mirror, keeping the
// offline change log.
func (s *Store) Invalidate(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidate(ctx)
}

// Clear removes the snapshot, the last-sync mirror, and the offline
// change log. Used by the debug/reset flows and forced full sync.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalidate(ctx)
	if err := s.kv.Delete(ctx, changesKey); err != nil {
		s.log.Warn("cache: failed to delete offline log: %v", err)
	}
}

// SetClock overrides the store's time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}
