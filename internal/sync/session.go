package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/schaermu/overlaysync/internal/cache"
	"github.com/schaermu/overlaysync/internal/config"
	"github.com/schaermu/overlaysync/internal/remote"
)

// Session synchronizes every configured overlay of one installation.
// Load and Clean run concurrently across overlays; Apply runs one overlay at
// a time in configuration order so later overlays win on shared paths.
type Session struct {
	cfg    *config.Config
	source remote.Source
	store  *cache.Store
	logger *slog.Logger
	dryRun bool
}

// NewSession creates a session for cfg
func NewSession(cfg *config.Config, source remote.Source, logger *slog.Logger, dryRun bool) *Session {
	return &Session{
		cfg:    cfg,
		source: source,
		store:  cache.NewStore(logger, cfg.Sync.StrictRepair),
		logger: logger,
		dryRun: dryRun,
	}
}

// Run executes the session. A failing overlay is recorded in the report and
// skipped for later phases; the other overlays still complete. The returned
// error joins all overlay errors.
func (s *Session) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	overlays := make([]*Overlay, len(s.cfg.Overlays))
	report := &Report{Overlays: make([]OverlayReport, len(s.cfg.Overlays))}
	for i, oc := range s.cfg.Overlays {
		overlays[i] = NewOverlay(oc, s.cfg.InstallRoot, s.source, s.store, s.logger, s.cfg.Sync.Concurrency)
		report.Overlays[i] = OverlayReport{Location: oc.URL, InstallPath: overlays[i].InstallPath()}
	}

	// Load all overlays concurrently
	s.forEach(overlays, report, func(i int, o *Overlay) {
		if err := o.Load(ctx); err != nil {
			report.Overlays[i].Err = fmt.Errorf("overlay %s: %w", s.cfg.Overlays[i].URL, err)
			s.logger.Error("failed to load overlay", "overlay", s.cfg.Overlays[i].URL, "error", err)
		}
	})

	if s.dryRun {
		for i, o := range overlays {
			if report.Overlays[i].Err != nil {
				continue
			}
			plan := o.Plan()
			report.Overlays[i].Unchanged = plan.Unchanged
			s.logPlanDetails(o, plan)
		}
		report.Duration = time.Since(start)
		return report, report.Err()
	}

	// Clean all overlays concurrently
	s.forEach(overlays, report, func(i int, o *Overlay) {
		report.Overlays[i].Deleted = o.Clean(ctx)
	})

	// Apply one overlay at a time
	for i, o := range overlays {
		r := &report.Overlays[i]
		if r.Err != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			r.Err = fmt.Errorf("overlay %s: apply not started: %w", r.Location, err)
			continue
		}

		res, err := o.Apply(ctx)
		r.Fetched, r.Unchanged, r.Bytes = res.Fetched, res.Unchanged, res.Bytes
		if err != nil {
			r.Err = fmt.Errorf("overlay %s: %w", r.Location, err)
			s.logger.Error("apply failed, local cache left untouched", "overlay", r.Location, "error", err)
			continue
		}

		if err := o.Persist(); err != nil {
			r.Err = fmt.Errorf("overlay %s: %w", r.Location, err)
			s.logger.Error("failed to persist local cache", "overlay", r.Location, "error", err)
		}
	}

	report.Duration = time.Since(start)
	return report, report.Err()
}

// forEach runs fn for every overlay that has not failed yet, concurrently,
// and waits for all of them.
func (s *Session) forEach(overlays []*Overlay, report *Report, fn func(i int, o *Overlay)) {
	var wg stdsync.WaitGroup
	for i, o := range overlays {
		if report.Overlays[i].Err != nil {
			continue
		}
		i, o := i, o
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(i, o)
		}()
	}
	wg.Wait()
}

// logPlanDetails logs detailed plan information for dry-run
func (s *Session) logPlanDetails(o *Overlay, plan *Plan) {
	s.logger.Info("sync plan",
		"overlay", o.cfg.URL,
		"fetch", len(plan.Fetch),
		"delete", len(plan.Delete),
		"unchanged", plan.Unchanged)
	for _, fp := range plan.Fetch {
		s.logger.Info("[dry-run] would fetch", "overlay", o.cfg.URL, "path", fp.Path, "size", fp.Size)
	}
	for _, p := range plan.Delete {
		s.logger.Info("[dry-run] would delete", "overlay", o.cfg.URL, "path", p)
	}
}
