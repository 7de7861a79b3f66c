package sync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schaermu/overlaysync/internal/manifest"
	"github.com/schaermu/overlaysync/internal/remote"
)

// transfer downloads one file into the installation and records the
// fingerprint of what was actually written in the local manifest.
func (o *Overlay) transfer(ctx context.Context, want manifest.FileFingerprint) (manifest.FileFingerprint, error) {
	rc, err := o.source.Open(ctx, o.cfg.URL, want.Path)
	if err != nil {
		return manifest.FileFingerprint{}, err
	}
	defer func() {
		_ = rc.Close()
	}()

	src := &sourceReader{r: rc}
	size, hash, err := writeFile(o.diskPath(want.Path), src)
	if err != nil {
		if src.err != nil {
			return manifest.FileFingerprint{}, fmt.Errorf("%w: reading %s: %v", remote.ErrTransfer, want.Path, src.err)
		}
		return manifest.FileFingerprint{}, fmt.Errorf("%w: %v", ErrFilesystem, err)
	}

	got := manifest.FileFingerprint{Path: want.Path, Size: size, Hash: hash}
	if !got.Matches(want) {
		o.logger.Warn("fetched file does not match remote manifest",
			"path", want.Path,
			"want_size", want.Size,
			"got_size", got.Size,
			"want_hash", want.HashString(),
			"got_hash", got.HashString())
	}

	o.mu.Lock()
	o.local.Put(got)
	o.mu.Unlock()

	o.logger.Debug("fetched file", "path", want.Path, "size", size)
	return got, nil
}

// sourceReader remembers read errors so they can be told apart from write errors.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// writeFile streams src into dst with an atomic rename and returns the size
// and hash of the bytes written.
func writeFile(dst string, src io.Reader) (uint64, []byte, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, nil, err
	}

	// Create temp file in destination directory
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".overlaysync-tmp-*")
	if err != nil {
		return 0, nil, err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	size, hash, err := manifest.HashReader(io.TeeReader(src, tmpFile))
	if err != nil {
		_ = tmpFile.Close()
		return 0, nil, err
	}

	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return 0, nil, err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return 0, nil, err
	}
	if err := tmpFile.Close(); err != nil {
		return 0, nil, err
	}

	// Atomic rename
	if err := os.Rename(tmpPath, dst); err != nil {
		return 0, nil, err
	}

	return size, hash, nil
}
