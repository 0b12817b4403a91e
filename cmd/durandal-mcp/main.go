// Command durandal-mcp is the Durandal memory server: an MCP server speaking
// JSON-RPC 2.0 over stdio, backed by an embedded SQLite store with a tiered
// cache. Besides serving, it provides maintenance subcommand flags for
// discovering stray database files, consolidating them, and editing the
// persisted configuration.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Wawtawsha/durandal-mcp/internal/api/mcp"
	"github.com/Wawtawsha/durandal-mcp/internal/cache"
	"github.com/Wawtawsha/durandal-mcp/internal/config"
	"github.com/Wawtawsha/durandal-mcp/internal/discovery"
	"github.com/Wawtawsha/durandal-mcp/internal/logging"
	"github.com/Wawtawsha/durandal-mcp/internal/maintenance"
	"github.com/Wawtawsha/durandal-mcp/internal/migration"
	"github.com/Wawtawsha/durandal-mcp/internal/ramr"
	"github.com/Wawtawsha/durandal-mcp/internal/storage"
	"github.com/Wawtawsha/durandal-mcp/internal/storage/sqlite"
	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

var (
	flagVersion   bool
	flagTest      bool
	flagStatus    bool
	flagDiscover  bool
	flagMigrate   bool
	flagConfigure bool
	flagUpdate    bool
	flagDebug     bool
	flagVerbose   bool
	flagYes       bool
	flagDBPath    string
	flagLogFile   string
	flagLogLevel  string
)

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	failMark = color.New(color.FgRed).SprintFunc()
	heading  = color.New(color.Bold).SprintFunc()
)

func main() {
	root := &cobra.Command{
		Use:           "durandal-mcp",
		Short:         "Durandal MCP memory server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	root.Flags().BoolVar(&flagVersion, "version", false, "print the version and exit")
	root.Flags().BoolVar(&flagTest, "test", false, "run the self-test suite and exit")
	root.Flags().BoolVar(&flagStatus, "status", false, "print the resolved configuration and exit")
	root.Flags().BoolVar(&flagDiscover, "discover", false, "scan the host for database files and print a YAML report")
	root.Flags().BoolVar(&flagMigrate, "migrate", false, "consolidate discovered databases into the canonical one")
	root.Flags().BoolVar(&flagConfigure, "configure", false, "interactively edit the persisted configuration")
	root.Flags().BoolVar(&flagUpdate, "update", false, "check for a newer release")
	root.Flags().BoolVar(&flagDebug, "debug", false, "force debug logging on both sinks")
	root.Flags().BoolVar(&flagVerbose, "verbose", false, "raise info logging to debug")
	root.Flags().BoolVar(&flagYes, "yes", false, "skip confirmation prompts")
	root.Flags().StringVar(&flagDBPath, "db", "", "database file path (overrides DATABASE_PATH and discovery)")
	root.Flags().StringVar(&flagLogFile, "log-file", "", "JSON-lines log file path")
	root.Flags().StringVar(&flagLogLevel, "log-level", "", "log level for both sinks: error|warn|info|debug")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, failMark("error:"), err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if flagVersion {
		fmt.Printf("durandal-mcp v%s\n", mcp.Version)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg)

	switch {
	case flagDiscover:
		return runDiscover(cmd.Context())
	case flagMigrate:
		return runMigrate(cmd.Context(), cfg)
	case flagConfigure:
		return runConfigure()
	case flagUpdate:
		return runUpdate(cfg)
	case flagStatus:
		return runStatus(cmd.Context(), cfg)
	case flagTest:
		return runSelfTest(cmd.Context(), cfg)
	default:
		return serve(cfg)
	}
}

// applyFlagOverrides folds command-line flags into the loaded configuration.
// Flags beat both the environment and the persisted env file.
func applyFlagOverrides(cfg *config.Config) {
	if flagDBPath != "" {
		cfg.Database.Path = flagDBPath
	}
	if flagLogFile != "" {
		cfg.Logging.LogFile = flagLogFile
	}
	if flagLogLevel != "" {
		cfg.Logging.ConsoleLevel = flagLogLevel
		cfg.Logging.FileLevel = flagLogLevel
	}
	if flagVerbose && cfg.Logging.ConsoleLevel == "info" {
		cfg.Logging.ConsoleLevel = "debug"
	}
	if flagDebug {
		cfg.Logging.ConsoleLevel = "debug"
		cfg.Logging.FileLevel = "debug"
	}
}

// serve runs the MCP server until stdin closes or a signal arrives.
func serve(cfg *config.Config) error {
	log, err := logging.New(logging.Options{
		ConsoleLevel: cfg.Logging.ConsoleLevel,
		FileLevel:    cfg.Logging.FileLevel,
		LogFile:      cfg.Logging.LogFile,
		ErrorLogFile: cfg.Logging.ErrorLogFile,
		Dir:          config.LogsDir(),
	})
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolution, err := storage.ResolvePath(ctx, cfg.Database.Path, log.Logger)
	if err != nil {
		return err
	}
	if resolution.Fresh {
		log.Info("no existing database found, creating a fresh one",
			zap.String("path", resolution.Path))
	}

	store, err := sqlite.Open(resolution.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := store.RunStartupChecks(ctx, log.Logger)
	if err != nil {
		return err
	}

	tier1 := cache.New(cache.Options{
		MaxSize:             cfg.Cache.MaxSize,
		TTL:                 cfg.Cache.DefaultTTL,
		ImportanceThreshold: cfg.Cache.ImportanceThreshold,
	})

	var tier2 *ramr.RAMR
	if cfg.RAMR.Enabled {
		path := cfg.RAMR.Path
		if path == "" {
			path = filepath.Join(config.UserDir(), "ramr.db")
		}
		tier2, err = ramr.Open(path)
		if err != nil {
			// Tier-2 is an accelerator; losing it must not block startup.
			log.Warn("tier-2 cache unavailable, continuing without it", zap.Error(err))
		} else {
			defer tier2.Close()
		}
	}

	loop := &maintenance.Loop{
		Cache:    tier1,
		RAMR:     tier2,
		Tick:     cfg.Maintenance.Tick,
		Interval: cfg.Maintenance.Interval,
		Log:      log.Logger,
	}
	go loop.Run(ctx)

	// Live env-file edits retune the log levels without a restart.
	err = config.WatchEnvFile(ctx, config.EnvFilePath(), func(values map[string]string) {
		console, file := values["CONSOLE_LOG_LEVEL"], values["FILE_LOG_LEVEL"]
		if console == "" && file == "" {
			return
		}
		if err := log.SetLevels(console, file); err != nil {
			log.Warn("ignoring invalid log level from env file", zap.Error(err))
		}
	})
	if err != nil {
		log.Warn("env file watcher unavailable", zap.Error(err))
	}

	opts := []mcp.ServerOption{
		mcp.WithStartupReport(report),
		mcp.WithMaintenanceLoop(loop),
	}
	if tier2 != nil {
		opts = append(opts, mcp.WithRAMR(tier2))
	}
	server := mcp.NewServer(store, tier1, cfg, log, opts...)

	log.Info("server ready",
		zap.String("version", mcp.Version),
		zap.String("database", resolution.Path),
		zap.Bool("tier2", tier2 != nil))

	transport := mcp.NewTransport(server, os.Stdin, os.Stdout, log.Logger)
	return transport.Serve(ctx)
}

// runStatus prints the resolved configuration without starting the server.
func runStatus(ctx context.Context, cfg *config.Config) error {
	log := zap.NewNop()
	resolution, err := storage.ResolvePath(ctx, cfg.Database.Path, log)
	if err != nil {
		return err
	}

	fmt.Println(heading("durandal-mcp v" + mcp.Version))
	fmt.Printf("Database:     %s", resolution.Path)
	if resolution.Fresh {
		fmt.Printf(" (would be created)")
	} else if info, err := os.Stat(resolution.Path); err == nil {
		fmt.Printf(" (%.1f MB)", float64(info.Size())/(1024*1024))
	}
	fmt.Println()
	if !resolution.Fresh {
		if rec, err := discovery.Verify(resolution.Path); err == nil {
			fmt.Printf("Memories:     %d (%s schema)\n", rec.RecordCount, rec.Status)
		}
	}
	fmt.Printf("Config file:  %s\n", config.EnvFilePath())
	fmt.Printf("Logs:         %s\n", config.LogsDir())
	fmt.Printf("Log levels:   console=%s file=%s\n", cfg.Logging.ConsoleLevel, cfg.Logging.FileLevel)
	fmt.Printf("Cache:        %d entries max, TTL %s\n", cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
	fmt.Printf("Tier-2 cache: %v\n", cfg.RAMR.Enabled)

	if len(resolution.Candidates) > 1 {
		fmt.Println(failMark("\nMultiple database files found; run --migrate to consolidate:"))
		for _, rec := range resolution.Candidates {
			fmt.Printf("  %s (%d memories)\n", rec.Path, rec.RecordCount)
		}
	}
	return nil
}

// runSelfTest exercises the full store path against a throwaway database and
// reports each step. Exit status reflects the outcome.
func runSelfTest(ctx context.Context, cfg *config.Config) error {
	fmt.Println(heading("durandal-mcp self-test"))

	dir, err := os.MkdirTemp("", "durandal-selftest-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	step := func(name string, fn func() error) error {
		if err := fn(); err != nil {
			fmt.Printf("%s %s: %v\n", failMark("✗"), name, err)
			return err
		}
		fmt.Printf("%s %s\n", okMark("✓"), name)
		return nil
	}

	var store *sqlite.Store
	if err := step("open database", func() error {
		store, err = sqlite.Open(filepath.Join(dir, "selftest.db"))
		return err
	}); err != nil {
		return err
	}
	defer store.Close()

	if err := step("startup checks", func() error {
		_, err := store.RunStartupChecks(ctx, zap.NewNop())
		return err
	}); err != nil {
		return err
	}

	if err := step("store and search round trip", func() error {
		meta := types.Metadata{Project: "selftest", Importance: types.Float64Ptr(0.9)}
		if err := store.StoreMemory(ctx, "mem_selftest_1", "self-test memory content", meta); err != nil {
			return err
		}
		results, err := store.SearchMemories(ctx, "self-test", storage.SearchFilters{}, 10)
		if err != nil {
			return err
		}
		if len(results) != 1 {
			return fmt.Errorf("expected 1 result, got %d", len(results))
		}
		mem, err := store.GetMemoryByID(ctx, "mem_selftest_1")
		if err != nil {
			return err
		}
		if mem.Content != "self-test memory content" {
			return fmt.Errorf("round trip content mismatch")
		}
		return nil
	}); err != nil {
		return err
	}

	if err := step("tier-2 cache round trip", func() error {
		tier2, err := ramr.Open(filepath.Join(dir, "ramr.db"))
		if err != nil {
			return err
		}
		defer tier2.Close()
		if err := tier2.Set(ctx, "k1", []byte("v1"), ramr.SetOptions{Priority: 8}); err != nil {
			return err
		}
		entry, err := tier2.Get(ctx, "k1")
		if err != nil {
			return err
		}
		if entry == nil || string(entry.Data) != "v1" {
			return fmt.Errorf("tier-2 round trip mismatch")
		}
		return nil
	}); err != nil {
		return err
	}

	fmt.Println(okMark("all checks passed"))
	return nil
}

// runDiscover scans the host for candidate database files and prints a YAML
// report. The scan opens files read-only and modifies nothing.
func runDiscover(ctx context.Context) error {
	fmt.Fprintln(os.Stderr, heading("scanning for Durandal database files..."))

	scanner := &discovery.Scanner{}
	records, err := scanner.Scan(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("databases: []")
		return nil
	}

	out, err := yaml.Marshal(map[string]any{
		"scanned_at": time.Now().Format(time.RFC3339),
		"databases":  records,
	})
	if err != nil {
		return err
	}
	fmt.Print(string(out))

	reportPath := "discovery-report.yaml"
	if err := os.WriteFile(reportPath, out, 0o600); err != nil {
		fmt.Fprintln(os.Stderr, failMark("could not write"), reportPath+":", err)
		return nil
	}
	fmt.Fprintln(os.Stderr, "report written to", reportPath)
	return nil
}

// runMigrate consolidates every discovered database into the canonical one.
// Sources are never modified; the user confirms before anything is written.
func runMigrate(ctx context.Context, cfg *config.Config) error {
	target := cfg.Database.Path
	if target == "" {
		target = config.DefaultDatabasePath()
	}

	scanner := &discovery.Scanner{}
	records, err := scanner.Scan(ctx)
	if err != nil {
		return err
	}

	var sources []string
	for _, rec := range records {
		if rec.Status == types.SchemaInvalid {
			continue
		}
		if sameFile(rec.Path, target) {
			continue
		}
		sources = append(sources, rec.Path)
	}
	if len(sources) == 0 {
		fmt.Println("Nothing to migrate: no other database files found.")
		return nil
	}

	fmt.Println(heading("Migration plan"))
	fmt.Printf("Target: %s\n", target)
	for _, src := range sources {
		fmt.Printf("Source: %s\n", src)
	}
	fmt.Println("Sources are opened read-only and left untouched.")
	if !flagYes && !confirm("Proceed with migration?") {
		fmt.Println("Aborted.")
		return nil
	}

	log, err := logging.New(logging.Options{
		ConsoleLevel: "warn",
		FileLevel:    "info",
		Dir:          config.LogsDir(),
	})
	if err != nil {
		return err
	}
	defer log.Close()

	migrator := &migration.Migrator{Log: log.Logger}
	report, err := migrator.Run(ctx, target, sources)
	if err != nil {
		return err
	}

	fmt.Println(heading("\nMigration complete"))
	fmt.Printf("Examined:   %d rows\n", report.Stats.Total)
	fmt.Printf("Migrated:   %d\n", report.Stats.Migrated)
	fmt.Printf("Duplicates: %d skipped\n", report.Stats.Duplicates)
	if report.Stats.Errors > 0 {
		fmt.Println(failMark(fmt.Sprintf("Errors:     %d rows skipped", report.Stats.Errors)))
	}
	fmt.Printf("Target now holds %d memories from %d sources\n",
		report.TargetRowCount, report.DistinctSources)
	return nil
}

// runConfigure prompts for the common settings and persists them to the user
// env file. Empty input keeps the current value.
func runConfigure() error {
	fmt.Println(heading("durandal-mcp configuration"))
	fmt.Printf("Writing to %s; press Enter to keep a current value.\n\n", config.EnvFilePath())

	current, err := config.ReadEnvFile(config.EnvFilePath())
	if err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(key, description string) {
		fmt.Printf("%s [%s]: ", description, current[key])
		line, _ := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			current[key] = line
		}
	}

	prompt("DATABASE_PATH", "Database path")
	prompt("CONSOLE_LOG_LEVEL", "Console log level (error|warn|info|debug)")
	prompt("FILE_LOG_LEVEL", "File log level (error|warn|info|debug)")
	prompt("CACHE_MAX_SIZE", "Cache max entries")
	prompt("RAMR_ENABLED", "Tier-2 cache enabled (true|false)")

	values := make(map[string]string, len(current))
	for k, v := range current {
		if v != "" {
			values[k] = v
		}
	}
	if err := config.SaveEnvValues(config.EnvFilePath(), values); err != nil {
		return err
	}
	fmt.Println(okMark("\nConfiguration saved."))
	return nil
}

// runUpdate reports the running version. This build ships without an update
// channel, so no network request is made.
func runUpdate(cfg *config.Config) error {
	fmt.Printf("durandal-mcp v%s\n", mcp.Version)
	if !cfg.Update.Enabled {
		fmt.Println("Update checks are disabled (NO_UPDATE_CHECK).")
		return nil
	}
	fmt.Println("No update channel is configured for this build.")
	return nil
}

func confirm(question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func sameFile(a, b string) bool {
	ra, err := filepath.Abs(a)
	if err != nil {
		return false
	}
	rb, err := filepath.Abs(b)
	if err != nil {
		return false
	}
	return ra == rb
}
