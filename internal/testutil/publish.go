package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/overlaysync/internal/manifest"
	"github.com/schaermu/overlaysync/internal/remote"
)

// Overlay is a published overlay living in a temporary directory, laid out
// the way a remote location is: the files plus overlay-manifest.yaml.
type Overlay struct {
	t     testing.TB
	Dir   string
	files map[string]string
}

// PublishOverlay writes files and their manifest into a new temp directory
func PublishOverlay(t testing.TB, files map[string]string) *Overlay {
	t.Helper()
	o := &Overlay{t: t, Dir: t.TempDir(), files: make(map[string]string)}
	for path, content := range files {
		o.files[path] = content
		o.writeFile(path, content)
	}
	o.writeManifest()
	return o
}

// Location returns the overlay location understood by remote.AFSSource
func (o *Overlay) Location() string {
	return o.Dir
}

// Set adds or replaces a file and republishes the manifest
func (o *Overlay) Set(path, content string) {
	o.t.Helper()
	o.files[path] = content
	o.writeFile(path, content)
	o.writeManifest()
}

// Delete drops a file from the overlay and republishes the manifest
func (o *Overlay) Delete(path string) {
	o.t.Helper()
	delete(o.files, path)
	if err := os.Remove(filepath.Join(o.Dir, filepath.FromSlash(path))); err != nil {
		o.t.Fatal(err)
	}
	o.writeManifest()
}

// Manifest returns the manifest describing the current overlay content
func (o *Overlay) Manifest() *manifest.Manifest {
	m := manifest.New()
	for path, content := range o.files {
		m.Put(Fingerprint(path, content))
	}
	return m
}

// Fingerprint computes the fingerprint of content stored under path
func Fingerprint(path, content string) manifest.FileFingerprint {
	size, hash, _ := manifest.HashReader(strings.NewReader(content))
	return manifest.FileFingerprint{Path: path, Size: size, Hash: hash}
}

func (o *Overlay) writeFile(path, content string) {
	o.t.Helper()
	full := filepath.Join(o.Dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		o.t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		o.t.Fatal(err)
	}
}

func (o *Overlay) writeManifest() {
	o.t.Helper()
	f, err := os.Create(filepath.Join(o.Dir, remote.ManifestName))
	if err != nil {
		o.t.Fatal(err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := manifest.Encode(f, o.Manifest()); err != nil {
		o.t.Fatal(err)
	}
}
