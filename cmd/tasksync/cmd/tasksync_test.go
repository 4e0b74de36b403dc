package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tasksync/internal/budget"
	"tasksync/internal/cache"
	"tasksync/internal/credentials"
	"tasksync/internal/kvstore"
	"tasksync/internal/utils"
)

// newCLIEnv writes a config file pointing at server and returns a CLI
// config with per-test storage. The probe URL is overridden so network
// checks hit the test server too.
func newCLIEnv(t *testing.T, server *httptest.Server) *Config {
	t.Helper()
	dir := t.TempDir()

	configPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`remote:
  base_url: %q
storage:
  max_mb: 10
logging:
  background_enabled: false
`, server.URL)
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	return &Config{
		NoPrompt:    true,
		ConfigPath:  configPath,
		StoragePath: filepath.Join(dir, "store.db"),
		ProbeURL:    server.URL,
	}
}

// newRemoteServer serves a fixed snapshot of two tasks and one category.
func newRemoteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id":"t1","title":"Write report","status":"PENDING","priority":1,"category_id":"c1","created":"2026-01-10T09:00:00Z","modified":"2026-01-10T09:00:00Z"},
			{"id":"t2","title":"Review PR","status":"COMPLETED","priority":2,"category_id":"c1","created":"2026-01-11T09:00:00Z","modified":"2026-01-12T10:00:00Z"}
		]`))
	})
	mux.HandleFunc("/categories", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"c1","name":"Work","modified":"2026-01-10T09:00:00Z"}]`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestHelpFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Execute([]string{"--help"}, &stdout, &stderr, nil)

	if exitCode != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", exitCode, stderr.String())
	}
	output := stdout.String()
	if !strings.Contains(output, "tasksync") {
		t.Errorf("help output should contain 'tasksync', got: %s", output)
	}
	if !strings.Contains(output, "Usage:") {
		t.Errorf("help output should contain 'Usage:', got: %s", output)
	}
}

func TestVersionFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Execute([]string{"--version"}, &stdout, &stderr, nil)

	if exitCode != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", exitCode, stderr.String())
	}
	if !strings.Contains(stdout.String(), "tasksync") {
		t.Errorf("version output should contain 'tasksync', got: %s", stdout.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Execute([]string{"frobnicate"}, &stdout, &stderr, nil)

	if exitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", exitCode)
	}
	if !strings.Contains(stderr.String(), "Error:") {
		t.Errorf("stderr should contain error, got: %s", stderr.String())
	}
}

func TestStatusEmptyCache(t *testing.T) {
	server := newRemoteServer(t)
	cfg := newCLIEnv(t, server)
	var stdout, stderr bytes.Buffer

	exitCode := Execute([]string{"status"}, &stdout, &stderr, cfg)

	if exitCode != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", exitCode, stderr.String())
	}
	output := stdout.String()
	if !strings.Contains(output, "tasksync status") {
		t.Errorf("status output should contain header, got: %s", output)
	}
	if !strings.Contains(output, "online") {
		t.Errorf("status output should report online, got: %s", output)
	}
	if !strings.Contains(output, "0 task(s)") {
		t.Errorf("empty cache should report 0 tasks, got: %s", output)
	}
	if !strings.Contains(output, "not started") {
		t.Errorf("one-shot command should report startup not started, got: %s", output)
	}
	if !strings.Contains(output, ResultInfoOnly) {
		t.Errorf("no-prompt mode should emit %s, got: %s", ResultInfoOnly, output)
	}
}

func TestStatusOfflineServer(t *testing.T) {
	server := newRemoteServer(t)
	cfg := newCLIEnv(t, server)
	server.Close()
	var stdout, stderr bytes.Buffer

	exitCode := Execute([]string{"status"}, &stdout, &stderr, cfg)

	if exitCode != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", exitCode, stderr.String())
	}
	if !strings.Contains(stdout.String(), "offline") {
		t.Errorf("status should report offline when probe fails, got: %s", stdout.String())
	}
}

func TestStatusJSON(t *testing.T) {
	server := newRemoteServer(t)
	cfg := newCLIEnv(t, server)
	var stdout, stderr bytes.Buffer

	exitCode := Execute([]string{"status", "--json"}, &stdout, &stderr, cfg)

	if exitCode != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", exitCode, stderr.String())
	}

	var result map[string]interface{}
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		t.Fatalf("expected valid JSON output, got: %s, error: %v", stdout.String(), err)
	}
	if online, ok := result["online"].(bool); !ok || !online {
		t.Errorf("expected online=true, got: %v", result["online"])
	}
	if tasks, ok := result["tasks"].(float64); !ok || tasks != 0 {
		t.Errorf("expected tasks=0, got: %v", result["tasks"])
	}
	if initialized, ok := result["initialized"].(bool); !ok || initialized {
		t.Errorf("expected initialized=false for a one-shot command, got: %v", result["initialized"])
	}
	if hasData, ok := result["hasCachedData"].(bool); !ok || hasData {
		t.Errorf("expected hasCachedData=false for an empty cache, got: %v", result["hasCachedData"])
	}
}

func TestSyncPullsSnapshot(t *testing.T) {
	t.Setenv(credentials.EnvToken, "test-token")
	server := newRemoteServer(t)
	cfg := newCLIEnv(t, server)

	var stdout, stderr bytes.Buffer
	exitCode := Execute([]string{"sync"}, &stdout, &stderr, cfg)
	if exitCode != 0 {
		t.Fatalf("sync failed with exit code %d: %s\n%s", exitCode, stderr.String(), stdout.String())
	}
	if !strings.Contains(stdout.String(), "Sync completed") {
		t.Errorf("expected sync confirmation, got: %s", stdout.String())
	}

	// The snapshot must survive into a second invocation.
	stdout.Reset()
	stderr.Reset()
	exitCode = Execute([]string{"status", "--json"}, &stdout, &stderr, cfg)
	if exitCode != 0 {
		t.Fatalf("status failed with exit code %d: %s", exitCode, stderr.String())
	}

	var result map[string]interface{}
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		t.Fatalf("expected valid JSON output, got: %s, error: %v", stdout.String(), err)
	}
	if tasks, _ := result["tasks"].(float64); tasks != 2 {
		t.Errorf("expected 2 cached tasks after sync, got: %v", result["tasks"])
	}
	if categories, _ := result["categories"].(float64); categories != 1 {
		t.Errorf("expected 1 cached category after sync, got: %v", result["categories"])
	}
	if _, ok := result["lastSync"].(string); !ok {
		t.Errorf("expected lastSync to be set after sync, got: %v", result["lastSync"])
	}
}

func TestSyncJSON(t *testing.T) {
	t.Setenv(credentials.EnvToken, "test-token")
	server := newRemoteServer(t)
	cfg := newCLIEnv(t, server)

	var stdout, stderr bytes.Buffer
	exitCode := Execute([]string{"sync", "--json"}, &stdout, &stderr, cfg)
	if exitCode != 0 {
		t.Fatalf("sync failed with exit code %d: %s", exitCode, stderr.String())
	}

	var result map[string]interface{}
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		t.Fatalf("expected valid JSON output, got: %s, error: %v", stdout.String(), err)
	}
	if online, _ := result["online"].(bool); !online {
		t.Errorf("expected online=true, got: %v", result["online"])
	}
	if errs, ok := result["errors"].([]interface{}); !ok || len(errs) != 0 {
		t.Errorf("expected empty errors array, got: %v", result["errors"])
	}
}

func TestPendingEmpty(t *testing.T) {
	server := newRemoteServer(t)
	cfg := newCLIEnv(t, server)

	var stdout, stderr bytes.Buffer
	exitCode := Execute([]string{"pending"}, &stdout, &stderr, cfg)
	if exitCode != 0 {
		t.Fatalf("pending failed with exit code %d: %s", exitCode, stderr.String())
	}
	if !strings.Contains(stdout.String(), "No pending changes") {
		t.Errorf("expected empty pending message, got: %s", stdout.String())
	}
}

func TestPendingJSONEmpty(t *testing.T) {
	server := newRemoteServer(t)
	cfg := newCLIEnv(t, server)

	var stdout, stderr bytes.Buffer
	exitCode := Execute([]string{"pending", "--json"}, &stdout, &stderr, cfg)
	if exitCode != 0 {
		t.Fatalf("pending failed with exit code %d: %s", exitCode, stderr.String())
	}

	var result []interface{}
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		t.Fatalf("expected JSON array, got: %s, error: %v", stdout.String(), err)
	}
	if len(result) != 0 {
		t.Errorf("expected empty array, got: %v", result)
	}
}

// seedOfflineChanges writes change records straight into the store
// file, the way another process sharing the store would.
func seedOfflineChanges(t *testing.T, cfg *Config, changes ...cache.OfflineChange) {
	t.Helper()
	kv, err := kvstore.NewSQLite(cfg.StoragePath)
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()

	log := utils.NewLogger(io.Discard, false)
	bm := budget.NewManager(kv, budget.DefaultMaxBytes, log)
	c := cache.NewStore(kv, bm, log)
	ctx := context.Background()
	for _, change := range changes {
		if !c.SaveOfflineChange(ctx, change) {
			t.Fatalf("seeding change %s failed", change.ID)
		}
	}
}

func TestPendingCategoryFilter(t *testing.T) {
	t.Setenv(credentials.EnvToken, "test-token")
	server := newRemoteServer(t)
	cfg := newCLIEnv(t, server)

	// A sync populates the cached categories the filter resolves against.
	var stdout, stderr bytes.Buffer
	if exitCode := Execute([]string{"sync"}, &stdout, &stderr, cfg); exitCode != 0 {
		t.Fatalf("sync failed with exit code %d: %s", exitCode, stderr.String())
	}

	seedOfflineChanges(t, cfg,
		cache.OfflineChange{
			ID:        "ch1",
			Type:      cache.ChangeUpdate,
			Entity:    cache.EntityTask,
			Payload:   []byte(`{"id":"t1","title":"Write report","category_id":"c1"}`),
			Timestamp: time.Now().UnixMilli(),
		},
		cache.OfflineChange{
			ID:        "ch2",
			Type:      cache.ChangeCreate,
			Entity:    cache.EntityTask,
			Payload:   []byte(`{"id":"x1","title":"Uncategorized"}`),
			Timestamp: time.Now().UnixMilli(),
		},
	)

	// Category names resolve case-insensitively.
	stdout.Reset()
	stderr.Reset()
	exitCode := Execute([]string{"pending", "--category", "work"}, &stdout, &stderr, cfg)
	if exitCode != 0 {
		t.Fatalf("pending failed with exit code %d: %s", exitCode, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Pending changes (1)") {
		t.Errorf("expected one filtered change, got: %s", stdout.String())
	}
}

func TestPendingUnknownCategory(t *testing.T) {
	server := newRemoteServer(t)
	cfg := newCLIEnv(t, server)

	var stdout, stderr bytes.Buffer
	exitCode := Execute([]string{"pending", "--category", "Nonexistent"}, &stdout, &stderr, cfg)
	if exitCode != 1 {
		t.Fatalf("expected exit code 1, got %d: %s", exitCode, stdout.String())
	}
	if !strings.Contains(stderr.String(), "unknown category") {
		t.Errorf("expected unknown category error, got: %s", stderr.String())
	}
}

func TestStorageReportJSON(t *testing.T) {
	server := newRemoteServer(t)
	cfg := newCLIEnv(t, server)

	var stdout, stderr bytes.Buffer
	exitCode := Execute([]string{"storage", "report", "--json"}, &stdout, &stderr, cfg)
	if exitCode != 0 {
		t.Fatalf("storage report failed with exit code %d: %s", exitCode, stderr.String())
	}

	var result map[string]interface{}
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		t.Fatalf("expected valid JSON output, got: %s, error: %v", stdout.String(), err)
	}
	// max_mb: 10 in the test config.
	if maxBytes, _ := result["maxBytes"].(float64); maxBytes != 10*1024*1024 {
		t.Errorf("expected maxBytes=10MB, got: %v", result["maxBytes"])
	}
	if nearLimit, _ := result["nearLimit"].(bool); nearLimit {
		t.Errorf("fresh store should not be near limit: %v", result)
	}
}

func TestStorageCleanup(t *testing.T) {
	server := newRemoteServer(t)
	cfg := newCLIEnv(t, server)

	var stdout, stderr bytes.Buffer
	exitCode := Execute([]string{"storage", "cleanup"}, &stdout, &stderr, cfg)
	if exitCode != 0 {
		t.Fatalf("storage cleanup failed with exit code %d: %s", exitCode, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Removed 0 key(s)") {
		t.Errorf("fresh store cleanup should remove nothing, got: %s", stdout.String())
	}
	if !strings.Contains(stdout.String(), ResultActionCompleted) {
		t.Errorf("no-prompt mode should emit %s, got: %s", ResultActionCompleted, stdout.String())
	}
}

func TestCacheClear(t *testing.T) {
	t.Setenv(credentials.EnvToken, "test-token")
	server := newRemoteServer(t)
	cfg := newCLIEnv(t, server)

	var stdout, stderr bytes.Buffer
	if code := Execute([]string{"sync"}, &stdout, &stderr, cfg); code != 0 {
		t.Fatalf("sync failed: %s", stderr.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := Execute([]string{"cache", "clear"}, &stdout, &stderr, cfg); code != 0 {
		t.Fatalf("cache clear failed: %s", stderr.String())
	}
	if !strings.Contains(stdout.String(), "Cache cleared") {
		t.Errorf("expected clear confirmation, got: %s", stdout.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := Execute([]string{"status", "--json"}, &stdout, &stderr, cfg); code != 0 {
		t.Fatalf("status failed: %s", stderr.String())
	}
	var result map[string]interface{}
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if tasks, _ := result["tasks"].(float64); tasks != 0 {
		t.Errorf("expected empty cache after clear, got: %v", result["tasks"])
	}
}

func TestErrorJSONOutput(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Execute([]string{"frobnicate", "--json"}, &stdout, &stderr, nil)

	if exitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", exitCode)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		t.Fatalf("expected JSON error output, got: %s", stdout.String())
	}
	if result["result"] != ResultError {
		t.Errorf("expected result=%s, got: %v", ResultError, result["result"])
	}
}
