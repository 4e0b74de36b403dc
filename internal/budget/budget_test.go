package budget_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"tasksync/internal/budget"
	"tasksync/internal/kvstore"
	"tasksync/internal/utils"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newManager(t *testing.T, maxBytes int64) (*budget.Manager, *kvstore.MemoryStore) {
	t.Helper()
	kv := kvstore.NewMemory()
	log := utils.NewLogger(testWriter{t}, false)
	return budget.NewManager(kv, maxBytes, log), kv
}

func stalePayload(age time.Duration) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"timestamp": time.Now().Add(-age).Unix(),
		"data":      "x",
	})
	return raw
}

func TestClassification(t *testing.T) {
	m, _ := newManager(t, 0)

	tests := []struct {
		key  string
		want budget.Class
	}{
		{"auth:token", budget.ClassSystem},
		{"session:user", budget.ClassSystem},
		{"cache:snapshot", budget.ClassEssential},
		{"cache:last_sync", budget.ClassEssential},
		{"cache:offline_changes", budget.ClassEssential},
		{"cache:thumbnails", budget.ClassOther},
		{"misc", budget.ClassOther},
	}
	for _, tt := range tests {
		if got := m.Classify(tt.key); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.key, got, tt.want)
		}
	}
}

func TestStorageInfoAccounting(t *testing.T) {
	m, kv := newManager(t, 0)
	ctx := context.Background()

	kv.Set(ctx, "a", []byte("12345"))
	kv.Set(ctx, "bb", []byte("123"))

	info, err := m.GetStorageInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Keys) != 2 {
		t.Fatalf("keys = %d", len(info.Keys))
	}
	// Size counts key and value bytes.
	if info.TotalBytes != int64(1+5+2+3) {
		t.Errorf("total = %d, want 11", info.TotalBytes)
	}
}

func TestQuotaSignalThresholds(t *testing.T) {
	const maxBytes = 50 * 1024 * 1024
	ctx := context.Background()

	fill := func(kv *kvstore.MemoryStore, mb int) {
		// 1 MB chunks keep the memory profile predictable.
		chunk := make([]byte, 1024*1024)
		for i := 0; i < mb; i++ {
			kv.Set(ctx, fmt.Sprintf("blob:%03d", i), chunk)
		}
	}

	m, kv := newManager(t, maxBytes)
	fill(kv, 41)
	report, err := m.CheckStorageLimit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.IsNearLimit {
		t.Errorf("41MB/50MB: IsNearLimit = false (%.1f%%)", report.UsagePercent)
	}

	m2, kv2 := newManager(t, maxBytes)
	fill(kv2, 35)
	report, err = m2.CheckStorageLimit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.IsNearLimit {
		t.Errorf("35MB/50MB: IsNearLimit = true (%.1f%%)", report.UsagePercent)
	}
}

func TestCleanupRemovesStaleOtherKeysOnly(t *testing.T) {
	m, kv := newManager(t, 0)
	ctx := context.Background()

	kv.Set(ctx, "report:old", stalePayload(48*time.Hour))
	kv.Set(ctx, "auth:old", stalePayload(48*time.Hour))
	kv.Set(ctx, "cache:snapshot", stalePayload(48*time.Hour))
	kv.Set(ctx, "report:fresh", stalePayload(time.Minute))

	removed, err := m.CleanupOldData(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if _, err := kv.Get(ctx, "report:old"); !kvstore.IsNotFound(err) {
		t.Error("stale other key survived")
	}
	for _, protected := range []string{"auth:old", "cache:snapshot", "report:fresh"} {
		if _, err := kv.Get(ctx, protected); err != nil {
			t.Errorf("key %q was evicted", protected)
		}
	}
}

func TestCleanupEvictsUnparsableOtherKeys(t *testing.T) {
	m, kv := newManager(t, 0)
	ctx := context.Background()

	kv.Set(ctx, "junk", []byte("\x00 not json"))
	kv.Set(ctx, "auth:junk", []byte("\x00 not json"))
	kv.Set(ctx, "ok", []byte(`{"data":"no timestamp"}`))

	removed, err := m.CleanupOldData(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := kv.Get(ctx, "auth:junk"); err != nil {
		t.Error("unparsable system key was evicted")
	}
	if _, err := kv.Get(ctx, "ok"); err != nil {
		t.Error("parsable key without timestamp was evicted")
	}
}

func TestForcedCleanupEvictsLargestHalf(t *testing.T) {
	m, kv := newManager(t, 0)
	ctx := context.Background()

	// Four fresh evictable keys of ascending size; forced cleanup must
	// drop the two largest.
	fresh := time.Now().Unix()
	for i, size := range []int{10, 100, 1000, 10000} {
		payload, _ := json.Marshal(map[string]interface{}{
			"timestamp": fresh,
			"data":      string(make([]byte, size)),
		})
		kv.Set(ctx, fmt.Sprintf("item:%d", i), payload)
	}
	kv.Set(ctx, "auth:token", []byte("keep"))
	kv.Set(ctx, "cache:snapshot", []byte("keep"))

	removed, err := m.ForcedCleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	for _, gone := range []string{"item:2", "item:3"} {
		if _, err := kv.Get(ctx, gone); !kvstore.IsNotFound(err) {
			t.Errorf("large key %q survived forced cleanup", gone)
		}
	}
	for _, kept := range []string{"item:0", "item:1", "auth:token", "cache:snapshot"} {
		if _, err := kv.Get(ctx, kept); err != nil {
			t.Errorf("key %q was evicted", kept)
		}
	}
}

func TestPurgeAppDataKeepsSystemKeys(t *testing.T) {
	m, kv := newManager(t, 0)
	ctx := context.Background()

	kv.Set(ctx, "cache:snapshot", []byte("snap"))
	kv.Set(ctx, "cache:offline_changes", []byte("[]"))
	kv.Set(ctx, "scratch:tmp", []byte("x"))
	kv.Set(ctx, "auth:token", []byte("secret"))
	kv.Set(ctx, "session:user", []byte("u1"))

	removed, err := m.PurgeAppData(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
	for _, gone := range []string{"cache:snapshot", "cache:offline_changes", "scratch:tmp"} {
		if _, err := kv.Get(ctx, gone); !kvstore.IsNotFound(err) {
			t.Errorf("key %q survived purge", gone)
		}
	}
	for _, kept := range []string{"auth:token", "session:user"} {
		if _, err := kv.Get(ctx, kept); err != nil {
			t.Errorf("system key %q was purged", kept)
		}
	}
}

func TestSetItemSafely(t *testing.T) {
	m, kv := newManager(t, 0)
	ctx := context.Background()

	if !m.SetItemSafely(ctx, "k", []byte("v")) {
		t.Error("write under budget failed")
	}

	kv.FailWrites = true
	if m.SetItemSafely(ctx, "k2", []byte("v")) {
		t.Error("failed write reported success")
	}
}

func TestSetItemSafelyCleansWhenNearLimit(t *testing.T) {
	// Tiny budget so the store starts near its limit.
	m, kv := newManager(t, 100)
	ctx := context.Background()

	kv.Set(ctx, "old", stalePayload(30*24*time.Hour))
	kv.Set(ctx, "pad", make([]byte, 80))

	if !m.SetItemSafely(ctx, "new", []byte("x")) {
		t.Fatal("write failed")
	}
	if _, err := kv.Get(ctx, "old"); !kvstore.IsNotFound(err) {
		t.Error("stale key not cleaned before a near-limit write")
	}
	if _, err := kv.Get(ctx, "new"); err != nil {
		t.Error("new value missing after write")
	}
}

func TestCompactionRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	original, _ := json.Marshal(map[string]interface{}{
		"title":       "Task",
		"description": "",
		"notes":       nil,
		"tags":        []string{},
		"created":     now.Format(time.RFC3339),
		"priority":    3,
	})

	compacted := budget.CompactPayload(original)

	var obj map[string]interface{}
	if err := json.Unmarshal(compacted, &obj); err != nil {
		t.Fatal(err)
	}
	if _, ok := obj["description"]; ok {
		t.Error("empty string field survived compaction")
	}
	if _, ok := obj["notes"]; ok {
		t.Error("null field survived compaction")
	}
	if _, ok := obj["tags"]; ok {
		t.Error("empty array survived compaction")
	}
	if _, ok := obj["created"].(float64); !ok {
		t.Errorf("created not reduced to an integer: %T", obj["created"])
	}

	expanded := budget.ExpandPayload(compacted)
	if err := json.Unmarshal(expanded, &obj); err != nil {
		t.Fatal(err)
	}
	got, ok := obj["created"].(string)
	if !ok {
		t.Fatalf("created not re-expanded: %T", obj["created"])
	}
	parsed, err := time.Parse(time.RFC3339, got)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(now) {
		t.Errorf("created = %s, want %s", parsed, now)
	}
}

func TestCompactionLeavesZeroTimesAlone(t *testing.T) {
	original := []byte(`{"created":"0001-01-01T00:00:00Z","title":"x"}`)
	compacted := budget.CompactPayload(original)

	var obj map[string]interface{}
	json.Unmarshal(compacted, &obj)
	if _, ok := obj["created"].(string); !ok {
		t.Errorf("zero time mangled: %v", obj["created"])
	}
}

func TestCompactionPassesThroughNonJSON(t *testing.T) {
	raw := []byte("not json at all")
	if got := budget.CompactPayload(raw); string(got) != string(raw) {
		t.Errorf("CompactPayload changed non-JSON input: %q", got)
	}
	if got := budget.ExpandPayload(raw); string(got) != string(raw) {
		t.Errorf("ExpandPayload changed non-JSON input: %q", got)
	}
}
