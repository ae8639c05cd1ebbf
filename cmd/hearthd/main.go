// Hearthd is a smart-home hub companion daemon.
//
// It maintains a resilient WebSocket session to the hub, mirrors the
// hub's area/device/entity registries into a local SQLite catalog, and
// resolves natural-language target phrases against that catalog. An
// optional MQTT bridge republishes state changes for other household
// systems. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	hearthd serve               Run the daemon
//	hearthd sync                Run a one-shot registry sync
//	hearthd resolve <phrase>    Resolve a phrase against the catalog
//	hearthd status              Check hub reachability and catalog counts
//	hearthd version             Print version and build information
//	hearthd -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"hearth/internal/bridge"
	"hearth/internal/buildinfo"
	"hearth/internal/catalog"
	"hearth/internal/config"
	"hearth/internal/hub"
	"hearth/internal/mqtt"
	"hearth/internal/registry"
	"hearth/internal/resolver"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the hearthd command. All OS-level
// dependencies are injected as parameters: ctx controls the lifetime of
// the process, stdout and stderr receive all output, and args is
// os.Args[1:]. run returns nil on clean shutdown.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "sync":
		return runSync(ctx, stdout, configPath, outputFmt)
	case "resolve":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: hearthd resolve <phrase>")
		}
		return runResolve(stdout, configPath, outputFmt, cmdArgs)
	case "status":
		return runStatus(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// hearthd is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Hearth - Smart-Home Hub Companion")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hearthd [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve             Run the daemon")
	fmt.Fprintln(w, "  sync              Run a one-shot registry sync")
	fmt.Fprintln(w, "  resolve <phrase>  Resolve a phrase against the catalog")
	fmt.Fprintln(w, "  status            Check hub reachability and catalog counts")
	fmt.Fprintln(w, "  version           Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/hearth/config.yaml, /etc/hearth/config.yaml")
	return nil
}

// runServe handles the "hearthd serve" subcommand. It is the primary
// operating mode: loads config, opens the catalog, starts the hub
// session with its reconnect loop, runs an initial registry sync,
// optionally starts the MQTT bridge, and blocks until a shutdown
// signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT publisher announces "offline" and disconnects
//  3. The hub session and catalog are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Hearth", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level. The initial
	// Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		// ParseLogLevel is already validated by config validation, so
		// this error path should be unreachable in practice.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"hub_url", cfg.Hub.URL,
		"catalog", cfg.Catalog.Path,
		"tenant", cfg.Tenant,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Catalog ---
	// SQLite mirror of the hub registries. Persists across restarts so
	// resolution works even while the hub session is down.
	store, err := catalog.NewStore(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("open catalog %s: %w", cfg.Catalog.Path, err)
	}
	defer store.Close()
	logger.Info("catalog opened", "path", cfg.Catalog.Path)

	// --- Hub session ---
	// The catalog doubles as the REST fallback's area/device expander;
	// wiring it here keeps the hub client free of a store dependency.
	client := hub.NewClient(cfg.Hub.URL, cfg.Hub.Token, cfg.Tenant, logger)
	defer client.Close()
	client.SetTargetExpander(store)

	go client.ReconnectLoop(ctx)

	// Give the first connection attempt a moment so the startup sync
	// usually runs against a live session. The sync degrades gracefully
	// when it doesn't.
	waitForConnection(ctx, client, 15*time.Second)

	// --- Registry sync ---
	syncer := registry.New(client, store, cfg.Tenant, logger)

	meta := syncer.SyncEntityMetadata(ctx)
	if meta.Error != "" {
		logger.Warn("startup entity metadata sync incomplete", "error", meta.Error)
	}
	summary := syncer.SyncAll(ctx)
	if summary.Areas.Error != "" || summary.Devices.Error != "" || summary.Mappings.Error != "" {
		logger.Warn("startup registry sync incomplete",
			"areas_error", summary.Areas.Error,
			"devices_error", summary.Devices.Error,
			"mappings_error", summary.Mappings.Error,
		)
	}

	if cfg.Sync.IntervalMinutes > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(cfg.Sync.IntervalMinutes) * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					syncer.SyncEntityMetadata(ctx)
					syncer.SyncAll(ctx)
				}
			}
		}()
		logger.Info("periodic registry sync enabled", "interval_minutes", cfg.Sync.IntervalMinutes)
	}

	// --- MQTT bridge ---
	// Optional. Republishes filtered, rate-limited state changes so
	// other household systems can consume them without a hub session.
	var publisher *mqtt.Publisher
	if cfg.MQTT.Broker != "" {
		instanceID := uuid.NewString()[:8]
		publisher = mqtt.New(cfg.MQTT, instanceID, logger)
		if err := publisher.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt publisher: %w", err)
		}

		filter := bridge.NewEntityFilter(cfg.MQTT.EntityGlobs, logger)
		limiter := bridge.NewEntityRateLimiter(cfg.MQTT.EventsPerMinute)
		br := bridge.New(filter, limiter, publisher.PublishChange, logger)

		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					limiter.Cleanup()
				}
			}
		}()

		subCtx, subCancel := context.WithTimeout(ctx, 30*time.Second)
		if _, err := client.Subscribe(subCtx, "state_changed", br.HandleEvent); err != nil {
			// The subscription stays recorded as desired and is
			// established on the next successful (re)connect.
			logger.Warn("subscribe to state_changed deferred", "error", err)
		}
		subCancel()

		logger.Info("mqtt bridge started",
			"broker", cfg.MQTT.Broker,
			"globs", cfg.MQTT.EntityGlobs,
			"events_per_minute", cfg.MQTT.EventsPerMinute,
		)
	}

	logger.Info("hearthd running")
	<-ctx.Done()

	logger.Info("shutting down")
	if publisher != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := publisher.Stop(stopCtx); err != nil {
			logger.Warn("mqtt shutdown incomplete", "error", err)
		}
		stopCancel()
	}
	return nil
}

// runSync handles the "hearthd sync" subcommand: a one-shot registry
// sync against a fresh hub session. Useful from cron or for seeding a
// new catalog.
func runSync(ctx context.Context, stdout io.Writer, configPath string, outputFmt string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := catalog.NewStore(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("open catalog %s: %w", cfg.Catalog.Path, err)
	}
	defer store.Close()

	client := hub.NewClient(cfg.Hub.URL, cfg.Hub.Token, cfg.Tenant, logger)
	defer client.Close()

	if !client.Connect(ctx) {
		return fmt.Errorf("hub connection failed: %s", cfg.Hub.URL)
	}

	syncer := registry.New(client, store, cfg.Tenant, logger)
	meta := syncer.SyncEntityMetadata(ctx)
	summary := syncer.SyncAll(ctx)

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Entities registry.MetadataResult `json:"entities"`
			registry.Summary
		}{meta, summary})
	}

	fmt.Fprintf(stdout, "entities: %d synced, %d disabled, %d errors\n",
		meta.Synced, meta.Disabled, meta.Errors)
	fmt.Fprintf(stdout, "registries: %s\n", summary)
	return nil
}

// runResolve handles the "hearthd resolve <phrase>" subcommand. It
// resolves entirely from the local catalog; no hub session is needed.
func runResolve(stdout io.Writer, configPath string, outputFmt string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	phrase := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := catalog.NewStore(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("open catalog %s: %w", cfg.Catalog.Path, err)
	}
	defer store.Close()

	res := resolver.New(store, resolver.Options{
		MatchThreshold:   cfg.Resolver.MatchThreshold,
		ConfirmThreshold: cfg.Resolver.ConfirmThreshold,
	}, logger)

	result := res.Resolve(phrase, "", cfg.Tenant)

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if result.TargetType == resolver.TargetNone {
		fmt.Fprintln(stdout, result.Error)
		return nil
	}
	fmt.Fprintf(stdout, "%s %s (%q, confidence %.0f", result.TargetType, result.TargetID, result.MatchedName, result.Confidence)
	if result.Suggestion {
		fmt.Fprint(stdout, ", needs confirmation")
	}
	fmt.Fprintln(stdout, ")")
	return nil
}

// runStatus handles the "hearthd status" subcommand: pings the hub's
// REST API and reports catalog row counts.
func runStatus(ctx context.Context, stdout io.Writer, configPath string, outputFmt string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	client := hub.NewClient(cfg.Hub.URL, cfg.Hub.Token, cfg.Tenant, logger)
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	hubErr := client.Ping(pingCtx)

	store, err := catalog.NewStore(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("open catalog %s: %w", cfg.Catalog.Path, err)
	}
	defer store.Close()

	areas, _ := store.Areas(cfg.Tenant)
	devices, _ := store.Devices(cfg.Tenant)
	entities, _ := store.Entities(cfg.Tenant, "")

	if outputFmt == "json" {
		out := map[string]any{
			"hub_url":       cfg.Hub.URL,
			"hub_reachable": hubErr == nil,
			"areas":         len(areas),
			"devices":       len(devices),
			"entities":      len(entities),
		}
		if hubErr != nil {
			out["hub_error"] = hubErr.Error()
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if hubErr == nil {
		fmt.Fprintf(stdout, "hub: reachable (%s)\n", cfg.Hub.URL)
	} else {
		fmt.Fprintf(stdout, "hub: UNREACHABLE (%s): %s\n", cfg.Hub.URL, hubErr)
	}
	fmt.Fprintf(stdout, "catalog: %d areas, %d devices, %d entities\n",
		len(areas), len(devices), len(entities))
	return nil
}

// waitForConnection blocks until the hub session is up, the timeout
// elapses, or ctx is cancelled. Best effort; callers proceed either way.
func waitForConnection(ctx context.Context, client *hub.Client, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for !client.Connected() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// newLogger builds the structured text logger used by every subcommand.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
