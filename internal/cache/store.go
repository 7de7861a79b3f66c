package cache

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/overlaysync/internal/manifest"
)

// ErrNotFound is returned by Read when no cache file exists yet.
var ErrNotFound = errors.New("cache file not found")

// Store loads, repairs and persists local manifests.
type Store struct {
	logger *slog.Logger
	strict bool
}

// NewStore creates a cache store. When strict is set, Repair rehashes files
// even if their size matches the cached entry.
func NewStore(logger *slog.Logger, strict bool) *Store {
	return &Store{logger: logger, strict: strict}
}

// Read decodes the cache file at path.
func (s *Store) Read(path string) (*manifest.Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	return manifest.Decode(f)
}

// LoadLocal returns the local manifest stored at cachePath with every entry
// repaired against installPath. A missing or unreadable cache yields an empty
// manifest: first run and corruption both mean nothing is known yet.
func (s *Store) LoadLocal(cachePath, installPath string) *manifest.Manifest {
	cached, err := s.Read(cachePath)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Debug("no local cache yet", "cache", cachePath)
		} else {
			s.logger.Debug("discarding unreadable local cache", "cache", cachePath, "error", err)
		}
		return manifest.New()
	}

	for _, fp := range cached.Entries() {
		repaired, err := s.Repair(fp, installPath)
		if err != nil {
			s.logger.Debug("repair failed, treating file as absent", "path", fp.Path, "error", err)
			repaired = manifest.FileFingerprint{Path: fp.Path}
		}
		cached.Put(repaired)
	}

	return cached
}

// Repair brings fp in line with the file it describes under installPath.
// A missing file yields the absent sentinel. A file whose size still matches
// keeps its cached hash unless the store is strict; same-size corruption is
// therefore not detected in the default mode.
func (s *Store) Repair(fp manifest.FileFingerprint, installPath string) (manifest.FileFingerprint, error) {
	diskPath := filepath.Join(installPath, filepath.FromSlash(fp.Path))

	info, err := os.Stat(diskPath)
	if err != nil {
		if os.IsNotExist(err) {
			return manifest.FileFingerprint{Path: fp.Path}, nil
		}
		return fp, err
	}
	if !info.Mode().IsRegular() {
		return manifest.FileFingerprint{Path: fp.Path}, nil
	}

	if uint64(info.Size()) == fp.Size && len(fp.Hash) > 0 && !s.strict {
		return fp, nil
	}

	size, hash, err := manifest.HashFile(diskPath)
	if err != nil {
		return fp, fmt.Errorf("failed to hash %s: %w", diskPath, err)
	}
	return manifest.FileFingerprint{Path: fp.Path, Size: size, Hash: hash}, nil
}

// SaveLocal writes m to cachePath, creating parent directories. The file is
// replaced by rename so readers never observe a partial cache.
func (s *Store) SaveLocal(m *manifest.Manifest, cachePath string) error {
	var buf bytes.Buffer
	if err := manifest.Encode(&buf, m); err != nil {
		return err
	}

	dir := filepath.Dir(cachePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".cache-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(buf.Bytes()); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, cachePath); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}

	s.logger.Debug("local cache saved", "cache", cachePath, "entries", m.Len())
	return nil
}
