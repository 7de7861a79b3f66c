package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/schaermu/overlaysync/internal/config"
	"github.com/schaermu/overlaysync/internal/remote"
	"github.com/schaermu/overlaysync/internal/systemduser"
)

// Engine orchestrates the sync process
type Engine struct {
	cfg     *config.Config
	source  remote.Source
	systemd systemduser.Systemd
	logger  *slog.Logger
	dryRun  bool
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, source remote.Source, systemd systemduser.Systemd, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:     cfg,
		source:  source,
		systemd: systemd,
		logger:  logger,
		dryRun:  dryRun,
	}
}

// Run executes one sync session and then restarts payload units according
// to the restart policy. Units are never restarted after a failed session.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.logger.Info("starting sync",
		"install_root", e.cfg.InstallRoot,
		"overlays", len(e.cfg.Overlays),
		"dry_run", e.dryRun)

	if !e.dryRun {
		if err := os.MkdirAll(e.cfg.InstallRoot, 0755); err != nil {
			return nil, fmt.Errorf("failed to create install root: %w", err)
		}
	}

	report, err := NewSession(e.cfg, e.source, e.logger, e.dryRun).Run(ctx)
	e.logReport(report)
	if err != nil {
		return report, fmt.Errorf("failed to sync overlays: %w", err)
	}

	if e.dryRun {
		e.logger.Info("dry-run complete, no changes applied")
		return report, nil
	}

	if err := e.handleRestarts(ctx, report); err != nil {
		e.logger.Warn("restart operations had issues", "error", err)
		// Don't fail the entire sync for restart issues
	}

	e.logger.Info("sync completed successfully", "duration", report.Duration)
	return report, nil
}

// handleRestarts restarts units based on the configured policy
func (e *Engine) handleRestarts(ctx context.Context, report *Report) error {
	switch e.cfg.Restart.Policy {
	case config.RestartNone, "":
		e.logger.Debug("restart policy: none, skipping restarts")
		return nil
	case config.RestartChanged:
		if !report.Changed() {
			e.logger.Info("installation unchanged, skipping restarts")
			return nil
		}
	case config.RestartAlways:
		// restart regardless of changes
	default:
		return fmt.Errorf("unknown restart policy: %s", e.cfg.Restart.Policy)
	}

	units := e.cfg.Restart.Units
	if len(units) == 0 {
		e.logger.Info("no units configured for restart")
		return nil
	}

	available, err := e.systemd.IsAvailable(ctx)
	if err != nil {
		return fmt.Errorf("systemd user session not available: %w", err)
	}
	if !available {
		return fmt.Errorf("systemd user session not available")
	}

	if err := e.systemd.DaemonReload(ctx); err != nil {
		return err
	}

	e.logger.Info("restarting units", "count", len(units), "units", units)
	if err := e.systemd.TryRestartUnits(ctx, units); err != nil {
		return err
	}

	for _, unit := range units {
		e.logger.Info("unit state after restart", "unit", unit, "state", e.systemd.UnitStatus(ctx, unit))
	}
	return nil
}

// logReport logs a per-overlay summary of a session
func (e *Engine) logReport(report *Report) {
	if report == nil {
		return
	}
	for _, o := range report.Overlays {
		if o.Err != nil {
			e.logger.Error("overlay failed", "overlay", o.Location, "error", o.Err)
			continue
		}
		e.logger.Info("overlay synced",
			"overlay", o.Location,
			"install_path", o.InstallPath,
			"fetched", o.Fetched,
			"deleted", o.Deleted,
			"unchanged", o.Unchanged,
			"bytes", o.Bytes)
	}
}
