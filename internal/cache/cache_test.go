package cache_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"tasksync/internal/budget"
	"tasksync/internal/cache"
	"tasksync/internal/kvstore"
	"tasksync/internal/utils"
	"tasksync/remote"
)

func newTestStore(t *testing.T) (*cache.Store, *kvstore.MemoryStore) {
	t.Helper()
	kv := kvstore.NewMemory()
	log := utils.NewLogger(testWriter{t}, false)
	bm := budget.NewManager(kv, budget.DefaultMaxBytes, log)
	return cache.NewStore(kv, bm, log), kv
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func sampleTasks() []remote.Task {
	return []remote.Task{
		{ID: "t1", Title: "Buy groceries", Status: remote.StatusPending, CategoryID: "c1"},
		{ID: "t2", Title: "File taxes", Status: remote.StatusInProgress, CategoryID: "c1"},
	}
}

func sampleCategories() []remote.Category {
	return []remote.Category{{ID: "c1", Name: "Home", Color: "#ff0000"}}
}

func TestSaveAndGetTasks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if !s.SaveTasks(ctx, sampleTasks(), sampleCategories()) {
		t.Fatal("SaveTasks returned false")
	}

	tasks := s.GetCachedTasks(ctx)
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	if tasks[0].Title != "Buy groceries" {
		t.Errorf("task[0].Title = %q", tasks[0].Title)
	}

	cats := s.GetCachedCategories(ctx)
	if len(cats) != 1 || cats[0].Name != "Home" {
		t.Errorf("unexpected categories: %+v", cats)
	}
}

func TestEmptyCacheReturnsEmptySlices(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if tasks := s.GetCachedTasks(ctx); tasks == nil || len(tasks) != 0 {
		t.Errorf("GetCachedTasks on empty cache = %v, want empty slice", tasks)
	}
	if s.HasCachedData(ctx) {
		t.Error("HasCachedData on empty cache = true")
	}
}

func TestReadFailureIsAbsorbed(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	s.SaveTasks(ctx, sampleTasks(), nil)
	kv.FailReads = true

	if tasks := s.GetCachedTasks(ctx); len(tasks) != 0 {
		t.Errorf("got %d tasks while reads fail, want 0", len(tasks))
	}
}

func TestWriteFailureIsAbsorbed(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	kv.FailWrites = true
	if s.SaveTasks(ctx, sampleTasks(), nil) {
		t.Error("SaveTasks returned true while writes fail")
	}
}

func TestSchemaVersionMismatchInvalidates(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	s.SaveTasks(ctx, sampleTasks(), nil)

	// Rewrite the snapshot with a stale schema version.
	raw, err := kv.Get(ctx, "cache:snapshot")
	if err != nil {
		t.Fatal(err)
	}
	var snap map[string]interface{}
	if err := json.Unmarshal(budget.ExpandPayload(raw), &snap); err != nil {
		t.Fatal(err)
	}
	snap["schemaVersion"] = cache.SchemaVersion - 1
	stale, _ := json.Marshal(snap)
	kv.Set(ctx, "cache:snapshot", stale)

	if tasks := s.GetCachedTasks(ctx); len(tasks) != 0 {
		t.Errorf("stale-schema snapshot served %d tasks", len(tasks))
	}
	if s.HasCachedData(ctx) {
		t.Error("snapshot not cleared after schema mismatch")
	}
}

func TestCorruptedLinkageInvalidates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	tasks := sampleTasks()
	tasks[1].CategoryID = "undefined"
	s.SaveTasks(ctx, tasks, nil)

	if got := s.GetCachedTasks(ctx); len(got) != 0 {
		t.Errorf("corrupted snapshot served %d tasks", len(got))
	}
	if s.HasCachedData(ctx) {
		t.Error("snapshot not cleared after corruption")
	}
}

func TestUndecodableSnapshotInvalidates(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	kv.Set(ctx, "cache:snapshot", []byte("not json"))

	if got := s.GetCachedTasks(ctx); len(got) != 0 {
		t.Errorf("undecodable snapshot served %d tasks", len(got))
	}
}

func TestUpdateTaskInCache(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SaveTasks(ctx, sampleTasks(), sampleCategories())
	before := s.LastSync(ctx)

	updated := remote.Task{ID: "t1", Title: "Buy groceries and milk", Status: remote.StatusCompleted, CategoryID: "c1"}
	if !s.UpdateTaskInCache(ctx, updated) {
		t.Fatal("UpdateTaskInCache returned false")
	}

	tasks := s.GetCachedTasks(ctx)
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	var found bool
	for _, tk := range tasks {
		if tk.ID == "t1" {
			found = true
			if tk.Title != "Buy groceries and milk" {
				t.Errorf("update not applied: %q", tk.Title)
			}
		}
	}
	if !found {
		t.Fatal("updated task missing")
	}

	// A local edit does not advance the sync timestamp.
	after := s.LastSync(ctx)
	if before == nil || after == nil || !after.Equal(*before) {
		t.Errorf("LastSync changed on local edit: %v -> %v", before, after)
	}
}

func TestUpdateTaskUpsertsWhenMissing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.UpdateTaskInCache(ctx, remote.Task{ID: "t9", Title: "New"})
	tasks := s.GetCachedTasks(ctx)
	if len(tasks) != 1 || tasks[0].ID != "t9" {
		t.Errorf("upsert result: %+v", tasks)
	}
}

func TestRemoveTaskFromCache(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SaveTasks(ctx, sampleTasks(), nil)
	if !s.RemoveTaskFromCache(ctx, "t1") {
		t.Fatal("RemoveTaskFromCache returned false")
	}

	tasks := s.GetCachedTasks(ctx)
	if len(tasks) != 1 || tasks[0].ID != "t2" {
		t.Errorf("after removal: %+v", tasks)
	}
}

func TestOfflineChangeLog(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	payload, _ := json.Marshal(remote.Task{ID: "t1", Title: "Local edit"})
	ok := s.SaveOfflineChange(ctx, cache.OfflineChange{
		Type:    cache.ChangeUpdate,
		Entity:  cache.EntityTask,
		Payload: payload,
	})
	if !ok {
		t.Fatal("SaveOfflineChange returned false")
	}

	changes := s.GetOfflineChanges(ctx)
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	if changes[0].ID == "" {
		t.Error("change ID not assigned")
	}
	if changes[0].Timestamp == 0 {
		t.Error("change timestamp not assigned")
	}
	if changes[0].Type != cache.ChangeUpdate || changes[0].Entity != cache.EntityTask {
		t.Errorf("change kind = %s/%s", changes[0].Type, changes[0].Entity)
	}
}

func TestOfflineChangeOrderPreserved(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, title := range []string{"first", "second", "third"} {
		payload, _ := json.Marshal(remote.Task{Title: title})
		s.SaveOfflineChange(ctx, cache.OfflineChange{Type: cache.ChangeCreate, Entity: cache.EntityTask, Payload: payload})
	}

	changes := s.GetOfflineChanges(ctx)
	if len(changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(changes))
	}
	for i, want := range []string{"first", "second", "third"} {
		var task remote.Task
		json.Unmarshal(changes[i].Payload, &task)
		if task.Title != want {
			t.Errorf("change[%d] = %q, want %q", i, task.Title, want)
		}
	}
}

func TestReplaceOfflineChanges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.SaveOfflineChange(ctx, cache.OfflineChange{Type: cache.ChangeCreate, Entity: cache.EntityTask})
	}

	all := s.GetOfflineChanges(ctx)
	if !s.ReplaceOfflineChanges(ctx, all[1:2]) {
		t.Fatal("ReplaceOfflineChanges returned false")
	}

	remaining := s.GetOfflineChanges(ctx)
	if len(remaining) != 1 || remaining[0].ID != all[1].ID {
		t.Errorf("after replace: %+v", remaining)
	}
}

func TestClearKeepsNothingInvalidateKeepsLog(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SaveTasks(ctx, sampleTasks(), nil)
	s.SaveOfflineChange(ctx, cache.OfflineChange{Type: cache.ChangeDelete, Entity: cache.EntityTask})

	s.Invalidate(ctx)
	if s.HasCachedData(ctx) {
		t.Error("snapshot survived Invalidate")
	}
	if len(s.GetOfflineChanges(ctx)) != 1 {
		t.Error("offline log did not survive Invalidate")
	}

	s.Clear(ctx)
	if len(s.GetOfflineChanges(ctx)) != 0 {
		t.Error("offline log survived Clear")
	}
}

func TestIsStale(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if !s.IsStale(ctx, time.Hour) {
		t.Error("never-synced cache should be stale")
	}

	base := time.Now()
	s.SetClock(func() time.Time { return base })
	s.SaveTasks(ctx, sampleTasks(), nil)

	if s.IsStale(ctx, time.Hour) {
		t.Error("fresh cache reported stale")
	}

	s.SetClock(func() time.Time { return base.Add(2 * time.Hour) })
	if !s.IsStale(ctx, time.Hour) {
		t.Error("2h-old cache not reported stale")
	}
}

func TestCacheStats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SaveTasks(ctx, sampleTasks(), sampleCategories())
	s.SaveOfflineChange(ctx, cache.OfflineChange{Type: cache.ChangeCreate, Entity: cache.EntityTask})

	st := s.GetCacheStats(ctx)
	if st.TaskCount != 2 || st.CategoryCount != 1 || st.PendingChanges != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.LastSync == nil {
		t.Error("stats missing LastSync")
	}
	if st.ApproxBytes <= 0 {
		t.Error("stats missing size estimate")
	}
}
