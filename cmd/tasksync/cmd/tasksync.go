package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"tasksync/internal/budget"
	"tasksync/internal/cache"
	"tasksync/internal/config"
	"tasksync/internal/credentials"
	"tasksync/internal/engine"
	"tasksync/internal/kvstore"
	"tasksync/internal/network"
	"tasksync/internal/ratelimit"
	"tasksync/internal/shutdown"
	"tasksync/internal/startup"
	"tasksync/internal/utils"
	"tasksync/internal/watcher"
	"tasksync/remote"
	"tasksync/remote/rest"
)

// Version is set at build time
var Version = "dev"

// Result codes for CLI output (used in no-prompt mode)
const (
	ResultActionCompleted = "ACTION_COMPLETED"
	ResultInfoOnly        = "INFO_ONLY"
	ResultError           = "ERROR"
)

// Config holds application configuration
type Config struct {
	NoPrompt    bool
	Verbose     bool
	ConfigPath  string // Path to config file (for testing)
	StoragePath string // Path to store file (for testing)
	ProbeURL    string // Probe endpoint override (for testing)
}

// Execute runs the CLI with the given arguments and IO writers
func Execute(args []string, stdout, stderr io.Writer, cfg *Config) int {
	rootCmd := NewTaskSync(stdout, stderr, cfg)

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		if containsJSONFlag(args) {
			outputErrorJSON(err, stdout)
		} else {
			_, _ = fmt.Fprintln(stderr, "Error:", err)
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultError)
			}
		}
		return 1
	}
	return 0
}

// containsJSONFlag checks if args contain --json flag
func containsJSONFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--json" {
			return true
		}
	}
	return false
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   int    `json:"code"`
	Result string `json:"result"`
}

func outputErrorJSON(err error, stdout io.Writer) {
	response := errorResponse{
		Error:  err.Error(),
		Code:   1,
		Result: ResultError,
	}

	jsonBytes, _ := json.Marshal(response)
	_, _ = fmt.Fprintln(stdout, string(jsonBytes))
}

// NewTaskSync creates the root command with injectable IO
func NewTaskSync(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	if cfg == nil {
		cfg = &Config{}
	}

	cmd := &cobra.Command{
		Use:     "tasksync",
		Short:   "An offline-first task cache and sync agent",
		Long:    "tasksync keeps a local task cache in sync with a remote task service,\nqueueing changes made offline and replaying them on reconnect.",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("no-prompt", "y", false, "Disable interactive prompts")
	cmd.PersistentFlags().BoolP("verbose", "V", false, "Enable verbose/debug output")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().String("config", "", "Path to config file")

	cmd.AddCommand(newSyncCmd(stdout, stderr, cfg))
	cmd.AddCommand(newStatusCmd(stdout, stderr, cfg))
	cmd.AddCommand(newPendingCmd(stdout, stderr, cfg))
	cmd.AddCommand(newStorageCmd(stdout, stderr, cfg))
	cmd.AddCommand(newCacheCmd(stdout, stderr, cfg))
	cmd.AddCommand(newResetCmd(stdout, stderr, cfg))
	cmd.AddCommand(newCredentialsCmd(stdout, stderr, cfg))
	cmd.AddCommand(newRunCmd(stdout, stderr, cfg))

	return cmd
}

// updateConfigFromFlags merges persistent flags into cfg
func updateConfigFromFlags(cmd *cobra.Command, cfg *Config) {
	if noPrompt, _ := cmd.Flags().GetBool("no-prompt"); noPrompt {
		cfg.NoPrompt = true
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Verbose = true
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg.ConfigPath = path
	}
}

// noAuthService is the remote service used when no API token is stored.
// The sync engine is never started without authentication, so these
// methods are only reachable through explicit sync commands.
type noAuthService struct{}

var errNotAuthenticated = utils.ErrNotAuthenticated()

func (noAuthService) ListTasks(context.Context) ([]remote.Task, error) {
	return nil, errNotAuthenticated
}
func (noAuthService) ListCategories(context.Context) ([]remote.Category, error) {
	return nil, errNotAuthenticated
}
func (noAuthService) CreateTask(context.Context, *remote.Task) (*remote.Task, error) {
	return nil, errNotAuthenticated
}
func (noAuthService) UpdateTask(context.Context, string, *remote.Task) (*remote.Task, error) {
	return nil, errNotAuthenticated
}
func (noAuthService) DeleteTask(context.Context, string) error { return errNotAuthenticated }
func (noAuthService) CreateCategory(context.Context, *remote.Category) (*remote.Category, error) {
	return nil, errNotAuthenticated
}
func (noAuthService) UpdateCategory(context.Context, string, *remote.Category) (*remote.Category, error) {
	return nil, errNotAuthenticated
}
func (noAuthService) DeleteCategory(context.Context, string) error { return errNotAuthenticated }
func (noAuthService) Close() error                                 { return nil }

// app bundles the wired components behind every command.
type app struct {
	cfg     *config.Config
	log     *utils.Logger
	store   *kvstore.SQLiteStore
	budget  *budget.Manager
	cache   *cache.Store
	creds   *credentials.Manager
	svc     remote.Service
	monitor *network.Monitor
	engine  *engine.Engine
	orch    *startup.Orchestrator
	rlStats *ratelimit.Stats
}

// newApp loads configuration and wires the full component stack.
func newApp(ctx context.Context, cliCfg *Config, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := utils.NewLogger(stderr, cliCfg.Verbose)

	storagePath := cliCfg.StoragePath
	if storagePath == "" {
		storagePath = cfg.GetStoragePath()
	}
	if err := os.MkdirAll(filepath.Dir(storagePath), 0755); err != nil {
		return nil, fmt.Errorf("could not create data directory: %w", err)
	}

	store, err := kvstore.NewSQLite(storagePath)
	if err != nil {
		return nil, fmt.Errorf("could not open store: %w", err)
	}

	bm := budget.NewManager(store, cfg.GetMaxStorageBytes(), log)
	cacheStore := cache.NewStore(store, bm, log)
	creds := credentials.NewManager()

	rlStats := ratelimit.NewStats()
	var svc remote.Service = noAuthService{}
	if info, err := creds.GetToken(ctx); err == nil && info.Found {
		svc, err = rest.New(rest.Config{
			BaseURL:        cfg.Remote.BaseURL,
			APIToken:       info.Token,
			Timeout:        cfg.GetRemoteTimeout(),
			RateLimitStats: rlStats,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	probeURL := cliCfg.ProbeURL
	if probeURL == "" {
		probeURL = cfg.GetProbeURL()
	}
	monitor := network.NewMonitor(probeURL, log,
		network.WithPollInterval(cfg.GetPollInterval()),
		network.WithProbeTimeout(cfg.GetProbeTimeout()),
	)

	eng := engine.NewEngine(cacheStore, svc, monitor, log,
		engine.WithPeriodicInterval(cfg.GetPeriodicInterval()),
		engine.WithStaleAge(cfg.GetStaleAge()),
		engine.WithSettleDelay(cfg.GetSettleDelay()),
	)

	orch := startup.NewOrchestrator(creds, cacheStore, eng, bm, monitor, log)

	return &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		budget:  bm,
		cache:   cacheStore,
		creds:   creds,
		svc:     svc,
		monitor: monitor,
		engine:  eng,
		orch:    orch,
		rlStats: rlStats,
	}, nil
}

// Close tears the stack down in reverse order.
func (a *app) Close() {
	a.orch.Shutdown()
	_ = a.svc.Close()
	_ = a.store.Close()
}

// newSyncCmd creates the 'sync' subcommand
func newSyncCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local cache with the remote service",
		Long:  "Replay pending offline changes and refresh the cached snapshot from the remote service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			updateConfigFromFlags(cmd, cfg)

			app, err := newApp(cmd.Context(), cfg, stderr)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			if err := app.orch.Initialize(ctx); err != nil {
				return err
			}

			full, _ := cmd.Flags().GetBool("full")
			jsonOutput, _ := cmd.Flags().GetBool("json")

			var status engine.Status
			if full {
				status = app.engine.ForceFullSync(ctx)
			} else {
				status = app.engine.StartSync(ctx, true)
			}

			return printSyncResult(status, cfg, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().Bool("full", false, "Discard the local cache and pull everything from the remote")
	return cmd
}

func printSyncResult(status engine.Status, cfg *Config, stdout io.Writer, jsonOutput bool) error {
	if jsonOutput {
		jsonBytes, err := json.Marshal(statusJSON(status))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, string(jsonBytes))
		return nil
	}

	if !status.IsOnline {
		_, _ = fmt.Fprintln(stdout, "Offline: changes queued locally, sync will run on reconnect")
		if cfg != nil && cfg.NoPrompt {
			_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
		}
		return nil
	}

	if len(status.Errors) > 0 {
		_, _ = fmt.Fprintf(stdout, "Sync finished with %d error(s):\n", len(status.Errors))
		for _, e := range status.Errors {
			_, _ = fmt.Fprintf(stdout, "  - %s\n", e)
		}
	} else {
		_, _ = fmt.Fprintln(stdout, "Sync completed")
	}
	if status.PendingChanges > 0 {
		_, _ = fmt.Fprintf(stdout, "%d change(s) still pending\n", status.PendingChanges)
	}
	if cfg != nil && cfg.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
	}
	return nil
}

type syncStatusJSON struct {
	Online   bool     `json:"online"`
	Syncing  bool     `json:"syncing"`
	LastSync string   `json:"lastSync,omitempty"`
	Pending  int      `json:"pending"`
	Errors   []string `json:"errors"`
}

func statusJSON(status engine.Status) syncStatusJSON {
	out := syncStatusJSON{
		Online:  status.IsOnline,
		Syncing: status.IsSyncing,
		Pending: status.PendingChanges,
		Errors:  status.Errors,
	}
	if out.Errors == nil {
		out.Errors = []string{}
	}
	if status.LastSync != nil {
		out.LastSync = status.LastSync.UTC().Format("2006-01-02T15:04:05Z")
	}
	return out
}

// newStatusCmd creates the 'status' subcommand
func newStatusCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cache, network, and sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			updateConfigFromFlags(cmd, cfg)

			app, err := newApp(cmd.Context(), cfg, stderr)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			online := app.monitor.Probe(ctx)
			stats := app.cache.GetCacheStats(ctx)
			authenticated := app.creds.IsAuthenticated(ctx)
			init := app.orch.Status(ctx)

			jsonOutput, _ := cmd.Flags().GetBool("json")
			if jsonOutput {
				type statusOut struct {
					Online        bool   `json:"online"`
					Authenticated bool   `json:"authenticated"`
					Tasks         int    `json:"tasks"`
					Categories    int    `json:"categories"`
					Pending       int    `json:"pending"`
					LastSync      string `json:"lastSync,omitempty"`
					CacheBytes    int64  `json:"cacheBytes"`
					Initialized   bool   `json:"initialized"`
					Ready         bool   `json:"ready"`
					HasCachedData bool   `json:"hasCachedData"`
				}
				out := statusOut{
					Online:        online,
					Authenticated: authenticated,
					Tasks:         stats.TaskCount,
					Categories:    stats.CategoryCount,
					Pending:       stats.PendingChanges,
					CacheBytes:    stats.ApproxBytes,
					Initialized:   init.Initialized,
					Ready:         init.Ready,
					HasCachedData: init.HasCachedData,
				}
				if stats.LastSync != nil {
					out.LastSync = stats.LastSync.UTC().Format("2006-01-02T15:04:05Z")
				}
				jsonBytes, err := json.Marshal(out)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(stdout, string(jsonBytes))
				return nil
			}

			printStatus(stdout, online, authenticated, stats, init)
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func printStatus(stdout io.Writer, online, authenticated bool, stats cache.Stats, init startup.Status) {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212"))
	okStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))
	warnStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))
	dimStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	_, _ = fmt.Fprintln(stdout, titleStyle.Render("tasksync status"))

	networkLine := okStyle.Render("online")
	if !online {
		networkLine = warnStyle.Render("offline")
	}
	_, _ = fmt.Fprintf(stdout, "%-16s %s\n", "Network:", networkLine)

	authLine := okStyle.Render("authenticated")
	if !authenticated {
		authLine = warnStyle.Render("no credentials")
	}
	_, _ = fmt.Fprintf(stdout, "%-16s %s\n", "Auth:", authLine)

	_, _ = fmt.Fprintf(stdout, "%-16s %d task(s), %d categor(y/ies)\n", "Cache:", stats.TaskCount, stats.CategoryCount)

	lastSync := dimStyle.Render("never")
	if stats.LastSync != nil {
		lastSync = stats.LastSync.Local().Format("2006-01-02 15:04")
	}
	_, _ = fmt.Fprintf(stdout, "%-16s %s\n", "Last sync:", lastSync)

	pendingLine := fmt.Sprintf("%d", stats.PendingChanges)
	if stats.PendingChanges > 0 {
		pendingLine = warnStyle.Render(pendingLine)
	}
	_, _ = fmt.Fprintf(stdout, "%-16s %s\n", "Pending:", pendingLine)

	startupLine := dimStyle.Render("not started")
	switch {
	case init.Ready:
		startupLine = okStyle.Render("ready")
	case init.Initialized:
		startupLine = "initializing"
	}
	_, _ = fmt.Fprintf(stdout, "%-16s %s\n", "Startup:", startupLine)
}

// newPendingCmd creates the 'pending' subcommand
func newPendingCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List offline changes waiting to be synced",
		RunE: func(cmd *cobra.Command, args []string) error {
			updateConfigFromFlags(cmd, cfg)

			app, err := newApp(cmd.Context(), cfg, stderr)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			changes := app.cache.GetOfflineChanges(ctx)

			categoryName, _ := cmd.Flags().GetString("category")
			if categoryName != "" {
				cat := remote.FindCategoryByName(app.cache.GetCachedCategories(ctx), categoryName)
				if cat == nil {
					return fmt.Errorf("unknown category: %s", categoryName)
				}
				changes = filterChangesByCategory(changes, cat.ID)
			}

			jsonOutput, _ := cmd.Flags().GetBool("json")
			if jsonOutput {
				type changeJSON struct {
					ID        string `json:"id"`
					Type      string `json:"type"`
					Entity    string `json:"entityType"`
					Timestamp string `json:"timestamp"`
				}
				output := make([]changeJSON, 0, len(changes))
				for _, c := range changes {
					output = append(output, changeJSON{
						ID:        c.ID,
						Type:      string(c.Type),
						Entity:    string(c.Entity),
						Timestamp: time.UnixMilli(c.Timestamp).UTC().Format("2006-01-02T15:04:05Z"),
					})
				}
				jsonBytes, err := json.Marshal(output)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(stdout, string(jsonBytes))
				return nil
			}

			if len(changes) == 0 {
				_, _ = fmt.Fprintln(stdout, "No pending changes")
				if cfg != nil && cfg.NoPrompt {
					_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
				}
				return nil
			}

			_, _ = fmt.Fprintf(stdout, "Pending changes (%d):\n\n", len(changes))
			_, _ = fmt.Fprintf(stdout, "%-8s %-10s %s\n", "TYPE", "ENTITY", "QUEUED")
			for _, c := range changes {
				queued := time.UnixMilli(c.Timestamp).Local().Format("2006-01-02 15:04")
				_, _ = fmt.Fprintf(stdout, "%-8s %-10s %s\n", c.Type, c.Entity, queued)
			}
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pendingCmd.Flags().String("category", "", "only show changes for this category (by name)")
	return pendingCmd
}

// filterChangesByCategory keeps changes touching the given category:
// task changes linked to it and edits of the category itself.
func filterChangesByCategory(changes []cache.OfflineChange, categoryID string) []cache.OfflineChange {
	out := make([]cache.OfflineChange, 0, len(changes))
	for _, c := range changes {
		switch c.Entity {
		case cache.EntityTask:
			var task remote.Task
			if json.Unmarshal(c.Payload, &task) == nil && task.CategoryID == categoryID {
				out = append(out, c)
			}
		case cache.EntityCategory:
			var cat remote.Category
			if json.Unmarshal(c.Payload, &cat) == nil && cat.ID == categoryID {
				out = append(out, c)
			}
		}
	}
	return out
}

// newStorageCmd creates the 'storage' subcommand
func newStorageCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	storageCmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect and maintain the local storage budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	storageCmd.AddCommand(newStorageReportCmd(stdout, stderr, cfg))
	storageCmd.AddCommand(newStorageCleanupCmd(stdout, stderr, cfg))

	return storageCmd
}

// newStorageReportCmd creates the 'storage report' subcommand
func newStorageReportCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Show per-key storage usage against the budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			updateConfigFromFlags(cmd, cfg)

			app, err := newApp(cmd.Context(), cfg, stderr)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			info, err := app.budget.GetStorageInfo(ctx)
			if err != nil {
				return err
			}
			report, err := app.budget.CheckStorageLimit(ctx)
			if err != nil {
				return err
			}

			jsonOutput, _ := cmd.Flags().GetBool("json")
			if jsonOutput {
				type keyJSON struct {
					Key   string `json:"key"`
					Bytes int64  `json:"bytes"`
					Class string `json:"class"`
				}
				type reportJSON struct {
					TotalBytes   int64     `json:"totalBytes"`
					MaxBytes     int64     `json:"maxBytes"`
					UsagePercent float64   `json:"usagePercent"`
					NearLimit    bool      `json:"nearLimit"`
					Keys         []keyJSON `json:"keys"`
				}
				out := reportJSON{
					TotalBytes:   report.CurrentBytes,
					MaxBytes:     report.MaxBytes,
					UsagePercent: report.UsagePercent,
					NearLimit:    report.IsNearLimit,
					Keys:         []keyJSON{},
				}
				for _, k := range info.Keys {
					out.Keys = append(out.Keys, keyJSON{Key: k.Key, Bytes: k.Bytes, Class: string(k.Class)})
				}
				jsonBytes, err := json.Marshal(out)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(stdout, string(jsonBytes))
				return nil
			}

			_, _ = fmt.Fprintf(stdout, "Storage: %s of %s (%.1f%%)\n",
				formatBytes(report.CurrentBytes), formatBytes(report.MaxBytes), report.UsagePercent)
			if report.IsNearLimit {
				_, _ = fmt.Fprintln(stdout, utils.ErrStorageNearLimit(report.CurrentBytes, report.MaxBytes))
			}
			if len(info.Keys) > 0 {
				_, _ = fmt.Fprintf(stdout, "\n%-28s %-10s %s\n", "KEY", "CLASS", "SIZE")
				for _, k := range info.Keys {
					_, _ = fmt.Fprintf(stdout, "%-28s %-10s %s\n", k.Key, k.Class, formatBytes(k.Bytes))
				}
			}
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// formatBytes renders a byte count in a human-readable unit
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for x := n / unit; x >= unit; x /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}

// newStorageCleanupCmd creates the 'storage cleanup' subcommand
func newStorageCleanupCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Evict stale data from local storage",
		Long:  "Remove evictable keys older than the staleness threshold. With --forced, additionally evict the largest half of the remaining evictable keys.",
		RunE: func(cmd *cobra.Command, args []string) error {
			updateConfigFromFlags(cmd, cfg)

			app, err := newApp(cmd.Context(), cfg, stderr)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			forced, _ := cmd.Flags().GetBool("forced")
			maxAge, _ := cmd.Flags().GetDuration("max-age")

			var removed int
			if forced {
				removed, err = app.budget.ForcedCleanup(ctx)
			} else {
				removed, err = app.budget.CleanupOldData(ctx, maxAge)
			}
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(stdout, "Removed %d key(s)\n", removed)
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().Bool("forced", false, "Also evict the largest half of evictable keys")
	cmd.Flags().Duration("max-age", budget.DefaultCleanupMaxAge, "Staleness threshold for eviction")
	return cmd
}

// newCacheCmd creates the 'cache' subcommand
func newCacheCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the local task cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop the cached snapshot and the offline change log",
		RunE: func(cmd *cobra.Command, args []string) error {
			updateConfigFromFlags(cmd, cfg)

			app, err := newApp(cmd.Context(), cfg, stderr)
			if err != nil {
				return err
			}
			defer app.Close()

			app.cache.Clear(cmd.Context())
			_, _ = fmt.Fprintln(stdout, "Cache cleared")
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "invalidate",
		Short: "Drop the cached snapshot, keeping pending offline changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			updateConfigFromFlags(cmd, cfg)

			app, err := newApp(cmd.Context(), cfg, stderr)
			if err != nil {
				return err
			}
			defer app.Close()

			app.cache.Invalidate(cmd.Context())
			_, _ = fmt.Fprintln(stdout, "Cache invalidated, pending changes kept")
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	return cacheCmd
}

// newResetCmd creates the 'reset' subcommand
func newResetCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear all local state and re-run the startup pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			updateConfigFromFlags(cmd, cfg)

			app, err := newApp(cmd.Context(), cfg, stderr)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			if err := app.orch.Initialize(ctx); err != nil {
				return err
			}
			if err := app.orch.Reset(ctx); err != nil {
				return err
			}
			if err := app.orch.WaitReady(ctx); err != nil {
				_, _ = fmt.Fprintf(stdout, "Reset done, initial load still running: %v\n", err)
			} else {
				_, _ = fmt.Fprintln(stdout, "Reset done")
			}
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newCredentialsCmd creates the 'credentials' subcommand
func newCredentialsCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	credentialsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the remote service API token",
		Long:  "Store, inspect, and delete the API token in the system keyring (macOS Keychain, Windows Credential Manager, or Linux Secret Service).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	credentialsCmd.AddCommand(&cobra.Command{
		Use:   "set [token]",
		Short: "Store the API token in the system keyring",
		Long:  "Store the API token. With no argument the token is read from stdin, which keeps it out of shell history.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
			} else {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 4096))
				if err != nil {
					return err
				}
				token = strings.TrimSpace(string(data))
			}

			manager := credentials.NewManager()
			if err := manager.SetToken(cmd.Context(), token); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, "Token stored")
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	credentialsCmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show where credentials come from (token is never printed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager := credentials.NewManager()
			info, err := manager.GetToken(cmd.Context())
			if err != nil {
				return err
			}

			jsonOutput, _ := cmd.Flags().GetBool("json")
			if jsonOutput {
				jsonBytes, err := info.JSON()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(stdout, string(jsonBytes))
				return nil
			}

			if !info.Found {
				_, _ = fmt.Fprintln(stdout, "No credentials stored")
				return nil
			}
			_, _ = fmt.Fprintf(stdout, "Token found (source: %s)\n", info.Source)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	credentialsCmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Remove the API token from the system keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager := credentials.NewManager()
			if err := manager.DeleteToken(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, "Token deleted")
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	return credentialsCmd
}

// newRunCmd creates the 'run' subcommand: a foreground sync agent.
func newRunCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync agent in the foreground",
		Long:  "Start the full startup pipeline and keep syncing until interrupted. Reacts to network changes, the periodic sync timer, and writes to the store file made by other processes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			updateConfigFromFlags(cmd, cfg)

			app, err := newApp(cmd.Context(), cfg, stderr)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()

			var bgLog *utils.BackgroundLogger
			if app.cfg.IsBackgroundLoggingEnabled() {
				bgLog, err = utils.NewBackgroundLogger()
				if err != nil {
					app.log.Warn("background log unavailable: %v", err)
				} else {
					defer bgLog.Close()
					bgLog.Printf("agent started (version %s)", Version)
				}
			}

			if err := app.orch.Initialize(ctx); err != nil {
				return err
			}

			mgr := shutdown.NewManager(app.log)
			detach := mgr.HandleSignals()
			defer detach()

			mgr.RegisterCleanup("orchestrator", func(ctx context.Context) error {
				app.orch.Shutdown()
				return nil
			})

			// Another process writing the store means new offline changes
			// may be waiting in the log. The gated trigger keeps the
			// engine's own store writes from re-arming the watcher.
			storagePath := cfg.StoragePath
			if storagePath == "" {
				storagePath = app.cfg.GetStoragePath()
			}
			w, err := watcher.New(storagePath, func() {
				app.engine.SyncIfNeeded(ctx)
			}, app.log)
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return err
			}
			mgr.RegisterCleanup("watcher", func(ctx context.Context) error {
				w.Stop()
				return nil
			})

			_, _ = fmt.Fprintln(stdout, "Sync agent running, press Ctrl+C to stop")
			<-mgr.Context().Done()

			waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := mgr.Wait(waitCtx); err != nil {
				return err
			}
			if bgLog != nil {
				bgLog.Printf("agent stopped")
			}
			_, _ = fmt.Fprintln(stdout, "Stopped")
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
