// Package budget enforces the local storage budget. It tracks per-key
// byte usage in the key-value store, classifies keys into system,
// essential, and evictable, and evicts stale or oversized data when the
// store approaches its configured limit.
package budget

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"tasksync/internal/kvstore"
	"tasksync/internal/utils"
)

const (
	// DefaultMaxBytes is the default storage budget.
	DefaultMaxBytes = 50 * 1024 * 1024

	// NearLimitPercent is the usage percentage above which the store is
	// considered near its limit and soft cleanup is triggered.
	NearLimitPercent = 80.0

	// ForcedCleanupPercent is the usage percentage above which forced
	// eviction is triggered when soft cleanup was insufficient.
	ForcedCleanupPercent = 90.0

	// DefaultCleanupMaxAge is the staleness threshold for soft cleanup.
	DefaultCleanupMaxAge = 7 * 24 * time.Hour

	// ForcedCleanupMaxAge is the narrowed staleness threshold used by
	// forced cleanup.
	ForcedCleanupMaxAge = 24 * time.Hour
)

// Class is a storage key classification.
type Class string

const (
	// ClassSystem keys hold auth/session state and are exempt from every
	// eviction path, regardless of age or parse failure.
	ClassSystem Class = "system"
	// ClassEssential keys hold the cache snapshot and sync metadata and
	// survive ordinary cleanup.
	ClassEssential Class = "essential"
	// ClassOther keys are eviction candidates.
	ClassOther Class = "other"
)

// systemPrefixes mark keys holding auth/session state.
var systemPrefixes = []string{"auth:", "session:"}

// essentialKeys are the cache snapshot and its sync metadata.
var essentialKeys = map[string]bool{
	"cache:snapshot":        true,
	"cache:last_sync":       true,
	"cache:offline_changes": true,
}

// KeyInfo describes one stored key.
type KeyInfo struct {
	Key   string
	Bytes int64
	Class Class
}

// Info is a full storage accounting report.
type Info struct {
	Keys       []KeyInfo
	TotalBytes int64
}

// LimitReport is the result of a storage limit check.
type LimitReport struct {
	IsNearLimit  bool
	CurrentBytes int64
	MaxBytes     int64
	UsagePercent float64
}

// Manager wraps a kvstore.Store with byte accounting and eviction.
type Manager struct {
	store    kvstore.Store
	maxBytes int64
	log      *utils.Logger
}

// NewManager creates a Manager over the given store. maxBytes <= 0
// selects the default budget.
func NewManager(store kvstore.Store, maxBytes int64, log *utils.Logger) *Manager {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if log == nil {
		log = utils.GetLogger()
	}
	return &Manager{store: store, maxBytes: maxBytes, log: log}
}

// IsSystemKey reports whether key holds auth/session state.
func (m *Manager) IsSystemKey(key string) bool {
	for _, p := range systemPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// IsEssentialKey reports whether key must survive ordinary cleanup.
func (m *Manager) IsEssentialKey(key string) bool {
	return essentialKeys[key]
}

// Classify returns the classification for a key.
func (m *Manager) Classify(key string) Class {
	if m.IsSystemKey(key) {
		return ClassSystem
	}
	if m.IsEssentialKey(key) {
		return ClassEssential
	}
	return ClassOther
}

// GetStorageInfo enumerates all persisted keys with per-key sizes and
// the total.
func (m *Manager) GetStorageInfo(ctx context.Context) (*Info, error) {
	keys, err := m.store.Keys(ctx)
	if err != nil {
		return nil, err
	}

	info := &Info{Keys: make([]KeyInfo, 0, len(keys))}
	for _, k := range keys {
		v, err := m.store.Get(ctx, k)
		if err != nil {
			if kvstore.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		size := int64(len(k) + len(v))
		info.Keys = append(info.Keys, KeyInfo{Key: k, Bytes: size, Class: m.Classify(k)})
		info.TotalBytes += size
	}
	return info, nil
}

// CheckStorageLimit reports current usage against the configured budget.
func (m *Manager) CheckStorageLimit(ctx context.Context) (*LimitReport, error) {
	info, err := m.GetStorageInfo(ctx)
	if err != nil {
		return nil, err
	}

	usage := float64(info.TotalBytes) / float64(m.maxBytes) * 100
	return &LimitReport{
		IsNearLimit:  usage > NearLimitPercent,
		CurrentBytes: info.TotalBytes,
		MaxBytes:     m.maxBytes,
		UsagePercent: usage,
	}, nil
}

// CleanupOldData removes evictable keys whose payload carries a
// recognizable timestamp older than maxAge, and evictable keys whose
// payload cannot be parsed at all. System and essential keys are never
// touched.
func (m *Manager) CleanupOldData(ctx context.Context, maxAge time.Duration) (int, error) {
	keys, err := m.store.Keys(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, k := range keys {
		if m.Classify(k) != ClassOther {
			continue
		}

		v, err := m.store.Get(ctx, k)
		if err != nil {
			continue
		}

		stale, parsable := payloadStale(v, cutoff)
		if !parsable || stale {
			if err := m.store.Delete(ctx, k); err != nil {
				m.log.Warn("cleanup: failed to delete key %q: %v", k, err)
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		m.log.Debug("cleanup removed %d stale keys (maxAge=%v)", removed, maxAge)
	}
	return removed, nil
}

// payloadStale inspects a JSON payload for a timestamp or lastSync
// field. Returns (stale, parsable); an unparsable payload reports
// parsable=false and is an eviction candidate.
func payloadStale(value []byte, cutoff time.Time) (bool, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal(value, &obj); err != nil {
		return false, false
	}

	for _, field := range []string{"timestamp", "lastSync", "last_sync"} {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		if ts, ok := parseTimestamp(raw); ok {
			return ts.Before(cutoff), true
		}
	}

	// Parsable but carries no recognizable timestamp: keep it.
	return false, true
}

// parseTimestamp interprets a JSON value as a point in time. Numbers are
// epoch seconds or milliseconds; strings must be RFC3339.
func parseTimestamp(raw interface{}) (time.Time, bool) {
	switch v := raw.(type) {
	case float64:
		n := int64(v)
		if n <= 0 {
			return time.Time{}, false
		}
		if n > 1e12 { // epoch milliseconds
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ForcedCleanup is the aggressive eviction path: it narrows the
// staleness window to one day, then evicts the largest half of the
// remaining evictable keys, ranked by size descending.
func (m *Manager) ForcedCleanup(ctx context.Context) (int, error) {
	removed, err := m.CleanupOldData(ctx, ForcedCleanupMaxAge)
	if err != nil {
		return removed, err
	}

	info, err := m.GetStorageInfo(ctx)
	if err != nil {
		return removed, err
	}

	var candidates []KeyInfo
	for _, ki := range info.Keys {
		if ki.Class == ClassOther {
			candidates = append(candidates, ki)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Bytes > candidates[j].Bytes
	})

	evict := candidates[:len(candidates)/2]
	for _, ki := range evict {
		if err := m.store.Delete(ctx, ki.Key); err != nil {
			m.log.Warn("forced cleanup: failed to delete key %q: %v", ki.Key, err)
			continue
		}
		removed++
	}

	m.log.Info("forced cleanup removed %d keys", removed)
	return removed, nil
}

// PurgeAppData deletes every non-system key, essential keys included.
// Auth and session state survive. Reset flows only.
func (m *Manager) PurgeAppData(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, k := range keys {
		if m.Classify(k) == ClassSystem {
			continue
		}
		if err := m.store.Delete(ctx, k); err != nil {
			m.log.Warn("purge: failed to delete key %q: %v", k, err)
			continue
		}
		removed++
	}

	m.log.Info("purge removed %d keys", removed)
	return removed, nil
}

// SetItemSafely writes a value after ensuring the store is within
// budget, escalating from soft cleanup to forced cleanup as needed.
// Returns false instead of an error when the write ultimately fails.
func (m *Manager) SetItemSafely(ctx context.Context, key string, value []byte) bool {
	report, err := m.CheckStorageLimit(ctx)
	if err != nil {
		m.log.Warn("storage limit check failed: %v", err)
	} else if report.IsNearLimit {
		if _, err := m.CleanupOldData(ctx, DefaultCleanupMaxAge); err != nil {
			m.log.Warn("storage cleanup failed: %v", err)
		}

		report, err = m.CheckStorageLimit(ctx)
		if err == nil && report.UsagePercent > ForcedCleanupPercent {
			if _, err := m.ForcedCleanup(ctx); err != nil {
				m.log.Warn("forced cleanup failed: %v", err)
			}
		}
	}

	if err := m.store.Set(ctx, key, value); err != nil {
		m.log.Error("failed to write key %q: %v", key, err)
		return false
	}
	return true
}

// MaxBytes returns the configured budget.
func (m *Manager) MaxBytes() int64 {
	return m.maxBytes
}
