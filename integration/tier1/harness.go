//go:build integration

package tier1

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/overlaysync/internal/config"
	"github.com/schaermu/overlaysync/internal/remote"
	"github.com/schaermu/overlaysync/internal/sync"
	"github.com/schaermu/overlaysync/internal/systemduser"
	"github.com/schaermu/overlaysync/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// shimScript stands in for systemctl and records every invocation.
// {{LOG}} is replaced with the log path.
const shimScript = `#!/bin/sh
echo "$(date -u +%Y-%m-%dT%H:%M:%S) $*" >> "{{LOG}}"
exit 0
`

// Harness serves published overlays over HTTP and runs the real sync engine
// against them, with systemctl replaced by a logging shim.
type Harness struct {
	t           *testing.T
	InstallRoot string
	shimLog     string
	overlays    map[string]*testutil.Overlay
	urls        map[string]string
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	shimDir := t.TempDir()
	shimLog := filepath.Join(shimDir, "systemctl.log")
	script := strings.ReplaceAll(shimScript, "{{LOG}}", shimLog)
	if err := os.WriteFile(filepath.Join(shimDir, "systemctl"), []byte(script), 0755); err != nil {
		t.Fatalf("write systemctl shim: %v", err)
	}
	t.Setenv("PATH", shimDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	return &Harness{
		t:           t,
		InstallRoot: filepath.Join(t.TempDir(), "install"),
		shimLog:     shimLog,
		overlays:    make(map[string]*testutil.Overlay),
		urls:        make(map[string]string),
	}
}

// Publish serves files as overlay name over HTTP and returns its location
func (h *Harness) Publish(name string, files map[string]string) string {
	h.t.Helper()
	o := testutil.PublishOverlay(h.t, files)
	srv := httptest.NewServer(http.FileServer(http.Dir(o.Dir)))
	h.t.Cleanup(srv.Close)

	h.overlays[name] = o
	h.urls[name] = srv.URL + "/"
	return h.urls[name]
}

// Overlay returns the published overlay so tests can change it
func (h *Harness) Overlay(name string) *testutil.Overlay {
	return h.overlays[name]
}

// Config builds a configuration mounting the named overlays in order
func (h *Harness) Config(policy config.RestartPolicy, mounts map[string]string, order ...string) *config.Config {
	cfg := &config.Config{
		InstallRoot: h.InstallRoot,
		Restart:     config.RestartConfig{Policy: policy, Units: []string{"game-server.service"}},
	}
	for _, name := range order {
		cfg.Overlays = append(cfg.Overlays, config.OverlayConfig{URL: h.urls[name], Path: mounts[name]})
	}
	if err := cfg.Validate(); err != nil {
		h.t.Fatalf("invalid test config: %v", err)
	}
	return cfg
}

// Sync runs one engine pass
func (h *Harness) Sync(ctx context.Context, cfg *config.Config, dryRun bool) (*sync.Report, error) {
	h.t.Helper()
	logger := slog.New(slog.NewTextHandler(&testWriter{t: h.t, prefix: "[sync] "}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return sync.NewEngine(cfg, remote.NewAFSSource(), systemduser.NewClient(), logger, dryRun).Run(ctx)
}

// MustSync runs one engine pass and fails the test on error
func (h *Harness) MustSync(ctx context.Context, cfg *config.Config) *sync.Report {
	h.t.Helper()
	report, err := h.Sync(ctx, cfg, false)
	if err != nil {
		h.t.Fatalf("sync failed: %v", err)
	}
	return report
}

// ReadFile reads a file relative to the install root
func (h *Harness) ReadFile(rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.InstallRoot, filepath.FromSlash(rel)))
	return string(data), err
}

// FileExists checks if a file exists relative to the install root
func (h *Harness) FileExists(rel string) bool {
	info, err := os.Stat(filepath.Join(h.InstallRoot, filepath.FromSlash(rel)))
	return err == nil && info.Mode().IsRegular()
}

// ReadShimLog reads and parses the systemctl shim log
func (h *Harness) ReadShimLog() ([]ShimLogEntry, error) {
	h.t.Helper()
	content, err := os.ReadFile(h.shimLog)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []ShimLogEntry
	scanner := bufio.NewScanner(strings.NewReader(string(content)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		// Parse: "2024-01-01T12:00:00 --user daemon-reload"
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		entries = append(entries, ShimLogEntry{
			Timestamp: parts[0],
			Args:      strings.Fields(parts[1]),
		})
	}

	return entries, scanner.Err()
}

// ClearShimLog clears the systemctl shim log
func (h *Harness) ClearShimLog() {
	h.t.Helper()
	if err := os.Remove(h.shimLog); err != nil && !os.IsNotExist(err) {
		h.t.Fatalf("clear shim log: %v", err)
	}
}

// Restarted reports whether the shim saw a try-restart of unit
func (h *Harness) Restarted(unit string) bool {
	h.t.Helper()
	entries, err := h.ReadShimLog()
	if err != nil {
		h.t.Fatalf("read shim log: %v", err)
	}
	for _, e := range entries {
		if e.HasArgs("--user", "try-restart") && e.ContainsArg(unit) {
			return true
		}
	}
	return false
}

// ShimLogEntry represents a parsed systemctl shim log entry
type ShimLogEntry struct {
	Timestamp string
	Args      []string
}

// String returns a human-readable representation
func (e ShimLogEntry) String() string {
	return fmt.Sprintf("%s: systemctl %s", e.Timestamp, strings.Join(e.Args, " "))
}

// HasArgs checks if the entry starts with the given arguments
func (e ShimLogEntry) HasArgs(args ...string) bool {
	if len(e.Args) < len(args) {
		return false
	}
	for i, arg := range args {
		if e.Args[i] != arg {
			return false
		}
	}
	return true
}

// ContainsArg checks if the entry contains a specific argument anywhere
func (e ShimLogEntry) ContainsArg(arg string) bool {
	for _, a := range e.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// testWriter wraps test logging for engine output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

func writeInstallFile(h *Harness, rel, content string) error {
	return os.WriteFile(filepath.Join(h.InstallRoot, filepath.FromSlash(rel)), []byte(content), 0644)
}
