package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/optrail/optrail/internal/alert"
	"github.com/optrail/optrail/internal/api"
	"github.com/optrail/optrail/internal/auth"
	"github.com/optrail/optrail/internal/config"
	"github.com/optrail/optrail/internal/ingest"
	"github.com/optrail/optrail/internal/op"
	"github.com/optrail/optrail/internal/redact"
	"github.com/optrail/optrail/internal/tracker"
	"github.com/optrail/optrail/internal/watch"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "optrail",
		Short: "Operation tracking and audit service for CLI tooling",
		Long:  "OpTrail — Record. Query. Verify.\nAn audit service that records command operations from producers and serves queries, statistics and a tamper-evident hash chain.",
	}

	var configFile string
	var port int
	var ingestPort int
	var devMode bool

	// ─── start ───
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the OpTrail tracking server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, ingestPort, devMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: optrail.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override management API port (default: 6710)")
	startCmd.Flags().IntVar(&ingestPort, "ingest-port", 0, "Override ingest API port (default: 6711)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show running status and tracking statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("OpTrail %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	// ─── ops ───
	opsCmd := &cobra.Command{
		Use:   "ops",
		Short: "Operation inspection commands",
	}

	opsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpsList(port, cmd)
		},
	}
	opsListCmd.Flags().String("command", "", "Filter by command name")
	opsListCmd.Flags().String("type", "", "Filter by operation type")
	opsListCmd.Flags().String("status", "", "Filter by status (STARTED, COMPLETED, FAILED)")
	opsListCmd.Flags().String("user", "", "Filter by user")
	opsListCmd.Flags().Int("limit", 20, "Maximum rows to show")

	opsShowCmd := &cobra.Command{
		Use:     "show [operation-id]",
		Aliases: []string{"view"},
		Short:   "Show one operation with its children",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpsShow(port, args[0])
		},
	}

	opsRecentCmd := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recent operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return runOpsRecent(port, limit)
		},
	}
	opsRecentCmd.Flags().Int("limit", 20, "Maximum rows to show")

	opsStatsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show operation statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			groupBy, _ := cmd.Flags().GetString("group-by")
			return runOpsStats(port, groupBy)
		},
	}
	opsStatsCmd.Flags().String("group-by", "", "Group counts by: type, command, status, user")

	opsCleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove operations older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpsClean(port, cmd)
		},
	}
	opsCleanCmd.Flags().Int("days", 90, "Remove operations older than this many days")
	opsCleanCmd.Flags().Bool("dry-run", false, "Report what would be removed without removing it")
	opsCleanCmd.Flags().String("type", "", "Restrict to one operation type")
	opsCleanCmd.Flags().String("command", "", "Restrict to one command name")

	opsCmd.AddCommand(opsListCmd, opsShowCmd, opsRecentCmd, opsStatsCmd, opsCleanCmd)

	// ─── ratelimit ───
	ratelimitCmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Aggregation rate limit commands",
	}

	ratelimitListCmd := &cobra.Command{
		Use:   "list",
		Short: "Show the aggregation window and thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRateLimitList(port)
		},
	}

	ratelimitSetCmd := &cobra.Command{
		Use:   "set [command] [threshold]",
		Short: "Set the aggregation threshold for a command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRateLimitSet(port, args[0], args[1])
		},
	}

	ratelimitCmd.AddCommand(ratelimitListCmd, ratelimitSetCmd)

	// ─── rules ───
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Watch rule commands",
	}

	rulesListCmd := &cobra.Command{
		Use:   "list",
		Short: "Show the loaded watch rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesList(port)
		},
	}

	rulesValidateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config and compile watch rule expressions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesValidate(configFile)
		},
	}
	rulesValidateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")

	rulesCmd.AddCommand(rulesListCmd, rulesValidateCmd)

	// ─── config ───
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Config management commands",
	}

	configReloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Hot-reload the server config without restart",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := resolvePort(port)
			resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/config/reload", p), "application/json", nil)
			if err != nil {
				return fmt.Errorf("failed to connect to OpTrail: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode == 200 {
				fmt.Println("✓ Config reloaded")
			} else {
				fmt.Printf("✗ Reload failed (HTTP %d)\n", resp.StatusCode)
			}
			return nil
		},
	}

	configCmd.AddCommand(configReloadCmd)

	// ─── verify ───
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify hash chain integrity of the tracked operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := resolvePort(port)
			resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/verify", p))
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			var result map[string]interface{}
			if err := decodeJSON(resp, &result); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			if valid, _ := result["valid"].(bool); valid {
				fmt.Println("✓ Hash chain intact")
			} else {
				fmt.Printf("✗ Hash chain broken at operation index %v\n", result["broken_at_index"])
			}
			return nil
		},
	}

	// ─── doctor ───
	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check config, storage and server connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(port, ingestPort, configFile)
		},
	}
	doctorCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")

	// ─── mock ───
	mockCmd := &cobra.Command{
		Use:   "mock",
		Short: "Send mock operations to a running server (testing)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMock(ingestPort)
		},
	}
	mockCmd.Flags().IntVar(&ingestPort, "ingest-port", 0, "Ingest API port (default: 6711)")

	rootCmd.AddCommand(startCmd, initCmd, statusCmd, versionCmd, opsCmd, ratelimitCmd, rulesCmd, configCmd, verifyCmd, doctorCmd, mockCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(configFile string, portOverride, ingestOverride int, devMode bool) error {
	// Resolve and load the config file
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	cfg := cfgLoader.Get()

	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if ingestOverride > 0 {
		cfg.Server.IngestPort = ingestOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	// Logger level comes from config, overridden by --dev
	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	var handler slog.Handler
	if strings.EqualFold(cfg.Server.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	// Initialize storage driver. Memory mode runs without a write-behind
	// store; everything lives in the tracker's table.
	var driver op.Store
	if strings.ToLower(cfg.Storage.Driver) != "memory" {
		store, err := op.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		if err := store.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer func() { _ = store.Close() }()
		driver = store
	}

	// Initialize redactor
	redactor := redact.New(redact.Config{
		Level:         redact.Level(cfg.Tracking.DetailLevel),
		Keys:          cfg.Tracking.RedactParameters,
		Rules:         redactRules(cfg.Tracking.RedactionRules),
		MaxResultSize: cfg.Tracking.MaxResultSize,
		IdentityKeys:  cfg.Tracking.IdentityParameters,
	}, logger)

	// Initialize tracker
	trk, err := tracker.New(tracker.Config{
		QueueCapacity:        cfg.Tracking.QueueCapacity,
		BatchSize:            cfg.Tracking.BatchSize,
		FlushInterval:        cfg.Tracking.FlushInterval,
		StatsTTL:             cfg.Tracking.StatsTTL,
		RecentLimit:          cfg.Tracking.RecentLimit,
		RateWindow:           cfg.RateLimits.Window,
		DefaultThreshold:     cfg.RateLimits.DefaultThreshold,
		PerCommandThresholds: cfg.RateLimits.PerCommand,
		CascadeChildren:      strings.ToLower(cfg.Storage.ChildPolicy) == "cascade",
		ReloadOnStart:        cfg.Storage.ReloadOnStart,
		ReloadLimit:          cfg.Storage.ReloadLimit,
	}, driver, redactor, logger)
	if err != nil {
		return fmt.Errorf("failed to create tracker: %w", err)
	}

	// Initialize retention sweeper. Sweeps no-op when both retention_days
	// and stale_after are unset.
	retention := tracker.NewRetentionManager(trk, tracker.RetentionConfig{
		RetentionDays: cfg.Storage.RetentionDays,
		StaleAfter:    cfg.Storage.StaleAfter,
		SweepInterval: cfg.Storage.SweepInterval,
	}, logger)
	retention.Start()

	// Initialize alert manager and watch rules
	alertMgr := alert.NewManager(cfg.Alerts, logger)
	rulesEngine, err := watch.NewEngine(alertMgr, logger)
	if err != nil {
		return fmt.Errorf("failed to create watch engine: %w", err)
	}
	if n := rulesEngine.SetRules(cfg.WatchRules); n > 0 {
		logger.Info("watch rules loaded", "count", n)
	}

	// Initialize token auth
	var tokenManager *auth.TokenManager
	if cfg.Auth.Enabled {
		tokenManager = auth.NewTokenManager(cfg.Auth.TokenTTL, logger)
		if cfg.Auth.AdminToken != "" {
			tokenManager.SetAdminToken(cfg.Auth.AdminToken)
		}
	}

	// Initialize API servers
	apiServer := api.NewServer(cfg.Server, cfg.Auth, trk, cfgLoader, rulesEngine, tokenManager, logger)
	ingestServer := ingest.NewServer(trk, tokenManager, cfg.Auth.Enabled, logger)

	// Feed terminal and lifecycle events to WebSocket clients and the
	// watch rules.
	trk.SetEventSink(func(ev op.Event) {
		apiServer.BroadcastEvent(ev)
		rulesEngine.HandleEvent(ev)
	})

	// Startup banner
	fmt.Println()
	fmt.Println("  ╔══════════════════════════════════════════╗")
	fmt.Println("  ║            OpTrail v" + version + "                ║")
	fmt.Println("  ║   Operation tracking for CLI tooling     ║")
	fmt.Println("  ╚══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  → API:       http://%s:%d/api\n", cfg.Server.Host, cfg.Server.Port)
	if cfg.Server.IngestPort > 0 {
		fmt.Printf("  → Ingest:    http://%s:%d/v1\n", cfg.Server.Host, cfg.Server.IngestPort)
	}
	fmt.Printf("  → Storage:   %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Printf("  → Detail:    %s\n", cfg.Tracking.DetailLevel)
	fmt.Printf("  → Retention: %d days\n", cfg.Storage.RetentionDays)
	fmt.Printf("  → Rules:     %d loaded\n", len(rulesEngine.Rules()))
	fmt.Printf("  → Auth:      %v\n", cfg.Auth.Enabled)
	fmt.Println()

	// Re-read rules and rate limits when the config file changes on disk
	watchLoader := watch.NewLoader(logger)
	if configFile != "" {
		if err := watchLoader.WatchConfig(configFile, func(path string) {
			if err := cfgLoader.Reload(); err != nil {
				logger.Error("hot-reload failed", "error", err)
				return
			}
			next := cfgLoader.Get()
			rulesEngine.SetRules(next.WatchRules)
			for command, threshold := range next.RateLimits.PerCommand {
				trk.SetRateLimit(command, threshold)
			}
			logger.Info("config reloaded", "path", path)
		}); err != nil {
			logger.Error("failed to watch config for hot-reload", "error", err)
		}
		defer watchLoader.StopWatch()
	}

	// Shut down cleanly on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = ingestServer.Shutdown(shutCtx)
		_ = apiServer.Shutdown(shutCtx)
	}()

	// Start ingest server
	if cfg.Server.IngestPort > 0 {
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.IngestPort)
			if err := ingestServer.Start(addr); err != nil && err != http.ErrServerClosed {
				logger.Error("ingest server error", "addr", addr, "error", err)
			}
		}()
	}

	// Start management API server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := apiServer.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}

	// Servers are down; stop retention and drain the write-behind pipeline
	// before the deferred store close.
	retention.Stop()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if err := trk.Shutdown(drainCtx); err != nil {
		logger.Warn("tracker shutdown incomplete", "error", err)
	}

	return nil
}

// redactRules converts config redaction rules to the redact package form.
func redactRules(rules []config.RedactionRule) []redact.Rule {
	out := make([]redact.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, redact.Rule{
			Name:        r.Name,
			Pattern:     r.Pattern,
			Replacement: r.Replacement,
			Keys:        r.Keys,
		})
	}
	return out
}

// ─── Init ───

func runInit() error {
	configPath := "optrail.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
	} else {
		if err := config.GenerateDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("  ✓ Generated %s\n", configPath)
	}

	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    optrail start          # Start the tracking server")
	fmt.Println("    optrail status         # Check it is running")
	fmt.Println("    optrail ops list       # Inspect tracked operations")
	return nil
}

// ─── Status ───

func runStatus(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/stats", p))
	if err != nil {
		fmt.Printf("OpTrail is not running on port %d\n", p)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	var stats map[string]interface{}
	if err := decodeJSON(resp, &stats); err != nil {
		return err
	}

	fmt.Println("OpTrail Status")
	fmt.Println("─────────────")
	for _, k := range []string{"total_operations", "started_operations", "completed_operations", "failed_operations", "success_rate", "avg_duration_ms"} {
		if v, ok := stats[k]; ok {
			fmt.Printf("  %-22s %v\n", k+":", v)
		}
	}
	return nil
}

// ─── Ops ───

func runOpsList(port int, cmd *cobra.Command) error {
	p := resolvePort(port)
	limit, _ := cmd.Flags().GetInt("limit")
	url := fmt.Sprintf("http://localhost:%d/api/operations?limit=%d", p, limit)
	for _, f := range []string{"command", "type", "status", "user"} {
		if v, _ := cmd.Flags().GetString(f); v != "" {
			url += "&" + f + "=" + v
		}
	}

	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	ops, ok := result["operations"].([]interface{})
	if !ok || len(ops) == 0 {
		fmt.Println("No operations found.")
		return nil
	}

	printOperationTable(ops)
	fmt.Printf("\n%v total\n", result["total"])
	return nil
}

func runOpsRecent(port, limit int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/operations/recent?limit=%d", p, limit))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	ops, ok := result["operations"].([]interface{})
	if !ok || len(ops) == 0 {
		fmt.Println("No operations found.")
		return nil
	}

	printOperationTable(ops)
	return nil
}

func printOperationTable(ops []interface{}) {
	fmt.Printf("%-26s %-8s %-10s %-20s %-5s %s\n", "ID", "TYPE", "STATUS", "STARTED", "AGG", "COMMAND")
	fmt.Println(strings.Repeat("─", 95))
	for _, o := range ops {
		m := o.(map[string]interface{})
		agg := str(m["aggregated_count"])
		if agg == "" {
			agg = "-"
		}
		fmt.Printf("%-26v %-8v %-10v %-20v %-5s %v\n",
			m["id"], m["operation_type"], m["status"],
			truncate(str(m["start_time"]), 20), agg, m["command_name"])
	}
}

func runOpsShow(port int, id string) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/operations/%s", p, id))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		fmt.Printf("Operation %s not found.\n", id)
		return nil
	}

	var o map[string]interface{}
	if err := decodeJSON(resp, &o); err != nil {
		return err
	}

	fmt.Printf("Operation: %s\n", o["id"])
	fmt.Printf("Command:   %s\n", o["command_name"])
	fmt.Printf("Type:      %s\n", o["operation_type"])
	fmt.Printf("Status:    %s\n", o["status"])
	fmt.Printf("User:      %s\n", str(o["user"]))
	fmt.Printf("Started:   %s\n", o["start_time"])
	if end, ok := o["end_time"]; ok {
		fmt.Printf("Ended:     %s\n", end)
	}
	if parent := str(o["parent_id"]); parent != "" {
		fmt.Printf("Parent:    %s\n", parent)
	}
	if agg := num(o["aggregated_count"]); agg > 1 {
		fmt.Printf("Collapsed: %v occurrences\n", o["aggregated_count"])
	}
	if res := str(o["result"]); res != "" {
		fmt.Printf("Result:    %s\n", truncate(res, 200))
	}
	if errMsg := str(o["error"]); errMsg != "" {
		fmt.Printf("Error:     %s\n", truncate(errMsg, 200))
	}
	if params, ok := o["parameters"].(map[string]interface{}); ok && len(params) > 0 {
		fmt.Println("Parameters:")
		for k, v := range params {
			fmt.Printf("  %-20s %v\n", k+":", v)
		}
	}

	// Children
	resp2, err := http.Get(fmt.Sprintf("http://localhost:%d/api/operations/%s/children", p, id))
	if err != nil {
		return nil
	}
	defer func() { _ = resp2.Body.Close() }()
	var children map[string]interface{}
	_ = decodeJSON(resp2, &children)
	if list, ok := children["children"].([]interface{}); ok && len(list) > 0 {
		fmt.Printf("\nChildren (%d):\n", len(list))
		for i, c := range list {
			m := c.(map[string]interface{})
			fmt.Printf("  %d. [%s] %s %s → %s\n", i+1, m["start_time"], m["operation_type"], m["command_name"], m["status"])
		}
	}
	return nil
}

func runOpsStats(port int, groupBy string) error {
	p := resolvePort(port)
	url := fmt.Sprintf("http://localhost:%d/api/stats", p)
	if groupBy != "" {
		url += "?group_by=" + groupBy
	}

	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		var body map[string]interface{}
		_ = decodeJSON(resp, &body)
		fmt.Printf("✗ Stats failed (HTTP %d): %v\n", resp.StatusCode, body["error"])
		return nil
	}

	var stats map[string]interface{}
	if err := decodeJSON(resp, &stats); err != nil {
		return err
	}

	fmt.Printf("Total:      %v\n", stats["total_operations"])
	fmt.Printf("Started:    %v\n", stats["started_operations"])
	fmt.Printf("Completed:  %v\n", stats["completed_operations"])
	fmt.Printf("Failed:     %v\n", stats["failed_operations"])
	fmt.Printf("Success:    %.1f%%\n", num(stats["success_rate"]))
	fmt.Printf("Avg time:   %.1fms\n", num(stats["avg_duration_ms"]))

	if grouped, ok := stats["grouped"].(map[string]interface{}); ok && len(grouped) > 0 {
		fmt.Printf("\nBy %s:\n", groupBy)
		for k, v := range grouped {
			fmt.Printf("  %-25s %v\n", k+":", v)
		}
	}
	return nil
}

func runOpsClean(port int, cmd *cobra.Command) error {
	p := resolvePort(port)
	days, _ := cmd.Flags().GetInt("days")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	typ, _ := cmd.Flags().GetString("type")
	command, _ := cmd.Flags().GetString("command")

	body, _ := json.Marshal(map[string]interface{}{
		"older_than_days": days,
		"dry_run":         dryRun,
		"type":            typ,
		"command":         command,
	})
	resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/operations/clean", p), "application/json", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		fmt.Printf("✗ Clean failed (HTTP %d): %v\n", resp.StatusCode, result["error"])
		return nil
	}

	if dryRun {
		fmt.Printf("Would remove %v operations older than %d days\n", result["removed"], days)
	} else {
		fmt.Printf("✓ Removed %v operations older than %d days\n", result["removed"], days)
	}
	return nil
}

// ─── Rate Limits ───

func runRateLimitList(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/ratelimits", p))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	fmt.Printf("Window:            %v\n", result["window"])
	fmt.Printf("Default threshold: %v\n", result["default_threshold"])

	perCommand, ok := result["per_command"].(map[string]interface{})
	if !ok || len(perCommand) == 0 {
		fmt.Println("No per-command overrides.")
		return nil
	}
	fmt.Println("\nPer-command overrides:")
	for k, v := range perCommand {
		fmt.Printf("  %-25s %v\n", k+":", v)
	}
	return nil
}

func runRateLimitSet(port int, command, threshold string) error {
	p := resolvePort(port)
	body := fmt.Sprintf(`{"threshold": %s}`, threshold)
	req, err := http.NewRequest(http.MethodPut,
		fmt.Sprintf("http://localhost:%d/api/ratelimits/%s", p, command),
		strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == 200 {
		fmt.Printf("✓ Threshold for %q set to %s\n", command, threshold)
	} else {
		fmt.Printf("✗ Update failed (HTTP %d)\n", resp.StatusCode)
	}
	return nil
}

// ─── Rules ───

func runRulesList(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/rules", p))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	_ = decodeJSON(resp, &result)
	rules, _ := result["rules"].([]interface{})
	if len(rules) == 0 {
		fmt.Println("No watch rules loaded.")
		return nil
	}

	fmt.Printf("%-25s %-10s %s\n", "NAME", "SEVERITY", "CONDITION")
	fmt.Println(strings.Repeat("─", 80))
	for _, r := range rules {
		m := r.(map[string]interface{})
		fmt.Printf("%-25v %-10v %v\n", m["name"], m["severity"], truncate(str(m["condition"]), 40))
	}
	return nil
}

func runRulesValidate(configFile string) error {
	path := configFile
	if path == "" {
		path = findConfigFile()
	}
	if path == "" {
		return fmt.Errorf("no config file found, run 'optrail init' to create one")
	}

	loader := config.NewLoader()
	if err := loader.Load(path); err != nil {
		fmt.Printf("✗ Invalid config: %s\n", err)
		return err
	}

	cfg := loader.Get()
	fmt.Printf("✓ Config file valid: %s\n", path)
	fmt.Printf("  Rules:    %d\n", len(cfg.WatchRules))
	fmt.Printf("  Storage:  %s\n", cfg.Storage.Driver)
	fmt.Printf("  Port:     %d\n", cfg.Server.Port)

	// Validate watch rule expressions
	evaluator, err := watch.NewEvaluator(nil)
	if err != nil {
		return fmt.Errorf("failed to create rule evaluator: %w", err)
	}
	for _, r := range cfg.WatchRules {
		if r.Condition == "" {
			fmt.Printf("  ✗ Rule %q: empty condition\n", r.Name)
			continue
		}
		if _, err := evaluator.CompileExpression(r.Condition); err != nil {
			fmt.Printf("  ✗ Rule %q: invalid expression: %s\n", r.Name, err)
		} else {
			fmt.Printf("  ✓ Rule %q: expression valid\n", r.Name)
		}
	}

	return nil
}

// ─── Doctor ───

func runDoctor(port, ingestPort int, configFile string) error {
	fmt.Println("OpTrail Doctor")
	fmt.Println("─────────────")

	// Config file presence and validity
	path := configFile
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		fmt.Printf("✓ Config file found: %s\n", path)
	} else {
		fmt.Println("⚠ No config file found (will use defaults)")
	}

	// Storage check
	storagePath := "./optrail.db"
	if path != "" {
		loader := config.NewLoader()
		if err := loader.Load(path); err == nil {
			storagePath = loader.Get().Storage.Path
		}
	}
	if _, err := os.Stat(storagePath); err == nil {
		fmt.Printf("✓ Storage file exists: %s\n", storagePath)
	} else {
		fmt.Printf("⚠ Storage file not created yet: %s\n", storagePath)
	}

	// Is a server answering on the management port?
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/health", p))
	if err != nil {
		fmt.Printf("✗ OpTrail not running on port %d\n", p)
	} else {
		_ = resp.Body.Close()
		fmt.Printf("✓ Management API running on port %d\n", p)
	}

	ip := resolveIngestPort(ingestPort)
	resp, err = http.Get(fmt.Sprintf("http://localhost:%d/v1/health", ip))
	if err != nil {
		fmt.Printf("✗ Ingest API not running on port %d\n", ip)
	} else {
		_ = resp.Body.Close()
		fmt.Printf("✓ Ingest API running on port %d\n", ip)
	}

	return nil
}

// ─── Mock ───

func runMock(ingestPort int) error {
	p := resolveIngestPort(ingestPort)
	fmt.Printf("Sending mock operations to localhost:%d...\n\n", p)

	client := &http.Client{Timeout: 5 * time.Second}

	operations := []map[string]interface{}{
		{"command_name": "list", "type": "SEARCH", "parameters": map[string]string{"status": "OPEN"}},
		{"command_name": "update", "type": "UPDATE", "parameters": map[string]string{"itemId": "ITEM-42", "status": "DONE"}},
		{"command_name": "view", "type": "READ", "parameters": map[string]string{"itemId": "ITEM-42"}},
		{"command_name": "backup", "type": "ADMIN", "parameters": map[string]string{"target": "/tmp/backup"}},
	}

	for i, payload := range operations {
		body, _ := json.Marshal(payload)
		resp, err := client.Post(fmt.Sprintf("http://localhost:%d/v1/operations", p), "application/json", strings.NewReader(string(body)))
		if err != nil {
			return fmt.Errorf("failed to connect (is OpTrail running?): %w", err)
		}
		var ack map[string]interface{}
		_ = decodeJSON(resp, &ack)
		_ = resp.Body.Close()

		id := str(ack["operation_id"])
		fmt.Printf("  ✓ Started %s (%s)\n", payload["command_name"], id)

		// Fail one of them so the stats show both outcomes.
		if id == "" {
			continue
		}
		var terminal string
		if i == 3 {
			terminal = fmt.Sprintf("http://localhost:%d/v1/operations/%s/fail", p, id)
			body, _ = json.Marshal(map[string]string{"error": "disk full"})
		} else {
			terminal = fmt.Sprintf("http://localhost:%d/v1/operations/%s/complete", p, id)
			body, _ = json.Marshal(map[string]interface{}{"result": "ok"})
		}
		resp, err = client.Post(terminal, "application/json", strings.NewReader(string(body)))
		if err != nil {
			fmt.Printf("  ✗ %s: %s\n", payload["command_name"], err)
			continue
		}
		_ = resp.Body.Close()
	}

	fmt.Println("\n  ✓ Mock operations sent. Try 'optrail ops list' or 'optrail status'.")
	return nil
}

// ─── Shared Helpers ───

func findConfigFile() string {
	candidates := []string{
		"optrail.yaml",
		"optrail.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "optrail", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(port int) int {
	if port == 0 {
		return 6710
	}
	return port
}

func resolveIngestPort(port int) int {
	if port == 0 {
		return 6711
	}
	return port
}

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func num(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
