package manifest

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// HashSize is the length in bytes of a SHA-1 content hash.
const HashSize = 20

// ReservedDir is the directory under the install root that holds local
// state. Manifest paths may not point into it.
const ReservedDir = ".overlaysync"

// ErrParse is returned when a manifest document cannot be decoded.
var ErrParse = errors.New("manifest parse error")

// FileFingerprint identifies the content of one file by size and SHA-1 hash.
// A fingerprint with zero size and no hash marks a file that is absent on disk.
type FileFingerprint struct {
	Path string // slash-separated, relative to the overlay install path
	Size uint64
	Hash []byte
}

// Absent reports whether fp is the absent sentinel produced by repair.
func (fp FileFingerprint) Absent() bool {
	return fp.Size == 0 && len(fp.Hash) == 0
}

// Matches reports whether fp and other describe identical content.
func (fp FileFingerprint) Matches(other FileFingerprint) bool {
	return fp.Size == other.Size && bytes.Equal(fp.Hash, other.Hash)
}

// HashString returns the lowercase hex form of the hash.
func (fp FileFingerprint) HashString() string {
	return hex.EncodeToString(fp.Hash)
}

// Manifest maps relative file paths to fingerprints.
// It is not safe for concurrent use; owners must provide their own locking.
type Manifest struct {
	entries map[string]FileFingerprint
}

// New returns an empty manifest.
func New() *Manifest {
	return &Manifest{entries: make(map[string]FileFingerprint)}
}

// Get returns the fingerprint stored for p.
func (m *Manifest) Get(p string) (FileFingerprint, bool) {
	fp, ok := m.entries[p]
	return fp, ok
}

// Put inserts or replaces the entry for fp.Path.
func (m *Manifest) Put(fp FileFingerprint) {
	m.entries[fp.Path] = fp
}

// Remove deletes the entry for p, if any.
func (m *Manifest) Remove(p string) {
	delete(m.entries, p)
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	return len(m.entries)
}

// Entries returns a snapshot of all entries sorted by path. Callers may
// mutate the manifest while iterating the returned slice.
func (m *Manifest) Entries() []FileFingerprint {
	out := make([]FileFingerprint, 0, len(m.entries))
	for _, fp := range m.entries {
		out = append(out, fp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// CleanPath normalizes a manifest path to slash form and rejects paths that
// are empty, absolute, escape the directory they are relative to, or point
// into ReservedDir.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") || (len(p) > 1 && p[1] == ':') {
		return "", fmt.Errorf("path %q is absolute", p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes the install directory", p)
	}
	if cleaned == ReservedDir || strings.HasPrefix(cleaned, ReservedDir+"/") {
		return "", fmt.Errorf("path %q is inside the reserved %s directory", p, ReservedDir)
	}
	return cleaned, nil
}
