package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/overlaysync/internal/cache"
	"github.com/schaermu/overlaysync/internal/config"
	"github.com/schaermu/overlaysync/internal/manifest"
	"github.com/schaermu/overlaysync/internal/remote"
)

// ErrFilesystem marks failures writing or hashing files in the installation.
var ErrFilesystem = errors.New("filesystem error")

// ApplyResult counts the work done by one Apply phase
type ApplyResult struct {
	Fetched   int
	Unchanged int
	Bytes     uint64
}

// Overlay drives one overlay through load, clean, apply and persist.
type Overlay struct {
	cfg         config.OverlayConfig
	installPath string
	cachePath   string
	source      remote.Source
	store       *cache.Store
	logger      *slog.Logger
	concurrency int

	remote *manifest.Manifest

	mu    stdsync.Mutex // guards local
	local *manifest.Manifest
}

// NewOverlay creates the runtime state for one configured overlay.
// concurrency caps parallel transfers; zero means unbounded.
func NewOverlay(cfg config.OverlayConfig, installRoot string, source remote.Source, store *cache.Store, logger *slog.Logger, concurrency int) *Overlay {
	return &Overlay{
		cfg:         cfg,
		installPath: filepath.Join(installRoot, filepath.FromSlash(cfg.Path)),
		cachePath:   cache.Path(installRoot, cfg.URL),
		source:      source,
		store:       store,
		logger:      logger.With("overlay", cfg.URL),
		concurrency: concurrency,
	}
}

// InstallPath returns the absolute directory the overlay is mounted at
func (o *Overlay) InstallPath() string {
	return o.installPath
}

// CachePath returns the local manifest file of this overlay
func (o *Overlay) CachePath() string {
	return o.cachePath
}

// Load fetches the remote manifest and loads the repaired local manifest
// concurrently. Only a remote failure is returned.
func (o *Overlay) Load(ctx context.Context) error {
	var remoteManifest, localManifest *manifest.Manifest

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := o.source.FetchManifest(gctx, o.cfg.URL)
		if err != nil {
			return fmt.Errorf("failed to fetch remote manifest: %w", err)
		}
		remoteManifest = m
		return nil
	})
	g.Go(func() error {
		localManifest = o.store.LoadLocal(o.cachePath, o.installPath)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	o.mu.Lock()
	o.remote = remoteManifest
	o.local = localManifest
	o.mu.Unlock()

	o.logger.Info("overlay loaded",
		"install_path", o.installPath,
		"remote_files", remoteManifest.Len(),
		"local_files", localManifest.Len())
	return nil
}

// Plan computes the diff between the local and remote manifests without
// touching the installation.
func (o *Overlay) Plan() *Plan {
	o.mu.Lock()
	defer o.mu.Unlock()

	plan := &Plan{}
	for _, fp := range o.local.Entries() {
		if _, ok := o.remote.Get(fp.Path); !ok {
			plan.Delete = append(plan.Delete, fp.Path)
		}
	}
	for _, want := range o.remote.Entries() {
		if have, ok := o.local.Get(want.Path); ok && have.Matches(want) {
			plan.Unchanged++
			continue
		}
		plan.Fetch = append(plan.Fetch, want)
	}
	return plan
}

// Clean deletes files the remote no longer lists and returns how many were
// removed. Failures are logged and skipped; the entry then stays in the local
// manifest so the next run retries.
func (o *Overlay) Clean(ctx context.Context) int {
	o.mu.Lock()
	var stale []string
	for _, fp := range o.local.Entries() {
		if _, ok := o.remote.Get(fp.Path); !ok {
			stale = append(stale, fp.Path)
		}
	}
	o.mu.Unlock()

	deleted := 0
	for _, p := range stale {
		if ctx.Err() != nil {
			break
		}
		removed, err := o.removeFile(p)
		if err != nil {
			o.logger.Warn("failed to delete stale file", "path", p, "error", err)
			continue
		}

		o.mu.Lock()
		o.local.Remove(p)
		o.mu.Unlock()

		if removed {
			o.logger.Debug("deleted stale file", "path", p)
			deleted++
		}
	}

	if o.cfg.PruneUntracked && ctx.Err() == nil {
		deleted += o.pruneUntracked()
	}

	if deleted > 0 {
		o.logger.Info("overlay cleaned", "deleted", deleted)
	}
	return deleted
}

// pruneUntracked removes files under the install path that the remote does
// not list, including files the local cache never knew about.
func (o *Overlay) pruneUntracked() int {
	files, err := discoverFiles(o.installPath)
	if err != nil {
		if !os.IsNotExist(err) {
			o.logger.Warn("failed to walk install path for pruning", "error", err)
		}
		return 0
	}

	deleted := 0
	for _, full := range files {
		rel, err := filepath.Rel(o.installPath, full)
		if err != nil {
			continue
		}
		p := filepath.ToSlash(rel)
		if _, ok := o.remote.Get(p); ok {
			continue
		}
		removed, err := o.removeFile(p)
		if err != nil {
			o.logger.Warn("failed to prune untracked file", "path", p, "error", err)
			continue
		}
		if removed {
			o.logger.Debug("pruned untracked file", "path", p)
			deleted++
		}
	}
	return deleted
}

// removeFile deletes one file and any parent directories it leaves empty.
// It reports false if the file was already gone.
func (o *Overlay) removeFile(p string) (bool, error) {
	diskPath := o.diskPath(p)
	if err := os.Remove(diskPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	for dir := filepath.Dir(diskPath); dir != o.installPath && len(dir) > len(o.installPath); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return true, nil
}

// Apply fetches every remote entry that is missing or different locally.
// Transfers run concurrently; the first failure fails the phase.
func (o *Overlay) Apply(ctx context.Context) (ApplyResult, error) {
	var (
		result  ApplyResult
		fetched atomic.Int64
		bytes   atomic.Uint64
	)

	g, gctx := errgroup.WithContext(ctx)
	if o.concurrency > 0 {
		g.SetLimit(o.concurrency)
	}

	for _, want := range o.remote.Entries() {
		if o.upToDate(want) {
			o.logger.Debug("file unchanged", "path", want.Path)
			result.Unchanged++
			continue
		}

		want := want
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			got, err := o.transfer(gctx, want)
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", want.Path, err)
			}
			fetched.Add(1)
			bytes.Add(got.Size)
			return nil
		})
	}

	err := g.Wait()
	result.Fetched = int(fetched.Load())
	result.Bytes = bytes.Load()
	if err != nil {
		return result, err
	}

	o.logger.Info("overlay applied",
		"fetched", result.Fetched,
		"unchanged", result.Unchanged,
		"bytes", result.Bytes)
	return result, nil
}

func (o *Overlay) upToDate(want manifest.FileFingerprint) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	have, ok := o.local.Get(want.Path)
	return ok && have.Matches(want)
}

// Persist writes the local manifest to the cache file. Call it only after
// Apply succeeded, otherwise the cache would claim files that were never fetched.
func (o *Overlay) Persist() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.store.SaveLocal(o.local, o.cachePath); err != nil {
		return fmt.Errorf("failed to persist local manifest: %w", err)
	}
	return nil
}

func (o *Overlay) diskPath(p string) string {
	return filepath.Join(o.installPath, filepath.FromSlash(p))
}
