package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	// register gs:// and s3:// overlay locations
	_ "github.com/viant/afsc/gs"
	_ "github.com/viant/afsc/s3"

	"github.com/schaermu/overlaysync/internal/cache"
	"github.com/schaermu/overlaysync/internal/config"
	"github.com/schaermu/overlaysync/internal/remote"
	"github.com/schaermu/overlaysync/internal/sync"
	"github.com/schaermu/overlaysync/internal/systemduser"
	"github.com/schaermu/overlaysync/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	logFile   string
	dryRun    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "overlaysync",
	Short: "Synchronize a local installation with remote overlays",
	Long: `overlaysync keeps a local installation in sync with one or more remote
overlays. Each overlay publishes a manifest of file sizes and hashes; only
files that differ from the local copy are downloaded.

It can run as a oneshot sync (via systemd timer) or as a long-running daemon
that syncs whenever an overlay publisher notifies it.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync of all configured overlays",
	Long: `Sync fetches the manifest of every configured overlay, compares it with the
local cache, deletes files the overlay no longer ships and downloads files that
are missing or changed. Overlays are applied in configuration order, so later
overlays win where they overlap.

After syncing files, it optionally restarts systemd user units based on the
configured restart policy.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync daemon",
	Long: `Serve performs an initial sync and then listens for signed publish
notifications. Each accepted notification triggers a debounced sync.

With serve.watch_drift enabled, local modifications below an overlay install
path trigger a sync as well.`,
	RunE: runServe,
}

var cachePathCmd = &cobra.Command{
	Use:   "cache-path",
	Short: "Print the local cache file of each configured overlay",
	RunE:  runCachePath,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("overlaysync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/overlaysync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to a rotated file instead of stdout")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cachePathCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := sync.NewEngine(cfg, remote.NewAFSSource(), systemduser.NewClient(), logger, dryRun)

	logger.Info("starting sync operation")
	report, err := engine.Run(ctx)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	if dryRun {
		return nil
	}
	if report.Changed() {
		logger.Info("installation updated")
	} else {
		logger.Info("installation already up to date")
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve mode is not enabled in configuration (set serve.enabled: true)")
	}

	server, err := webhook.NewServer(cfg, remote.NewAFSSource(), systemduser.NewClient(), logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return server.Start(ctx)
}

func runCachePath(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	printCachePaths(cmd.OutOrStdout(), cfg)
	return nil
}

func printCachePaths(w io.Writer, cfg *config.Config) {
	for _, o := range cfg.Overlays {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", o.URL, cache.Path(cfg.InstallRoot, o.URL))
	}
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "overlaysync", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"install_root", cfg.InstallRoot,
		"overlays", len(cfg.Overlays),
		"restart_policy", cfg.Restart.Policy)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
