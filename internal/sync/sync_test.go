package sync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	stdsync "sync"
	"testing"

	"github.com/schaermu/overlaysync/internal/cache"
	"github.com/schaermu/overlaysync/internal/config"
	"github.com/schaermu/overlaysync/internal/manifest"
	"github.com/schaermu/overlaysync/internal/remote"
	"github.com/schaermu/overlaysync/internal/testutil"
)

// mockSource implements remote.Source on top of a real AFSSource and lets
// tests inject failures and observe which files were opened.
type mockSource struct {
	inner *remote.AFSSource

	mu          stdsync.Mutex
	opened      []string
	failOpen    map[string]error
	failRead    map[string]bool
	inFlight    int
	maxInFlight int
}

func newMockSource() *mockSource {
	return &mockSource{
		inner:    remote.NewAFSSource(),
		failOpen: make(map[string]error),
		failRead: make(map[string]bool),
	}
}

func (m *mockSource) FetchManifest(ctx context.Context, location string) (*manifest.Manifest, error) {
	return m.inner.FetchManifest(ctx, location)
}

func (m *mockSource) Open(ctx context.Context, location, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	m.opened = append(m.opened, path)
	openErr := m.failOpen[path]
	failRead := m.failRead[path]
	m.mu.Unlock()

	if openErr != nil {
		return nil, openErr
	}
	rc, err := m.inner.Open(ctx, location, path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	m.mu.Unlock()

	var r io.Reader = rc
	if failRead {
		r = io.MultiReader(io.LimitReader(rc, 1), errReader{})
	}
	return &trackedReader{Reader: r, closer: rc, done: func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}}, nil
}

func (m *mockSource) openedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.opened...)
	sort.Strings(out)
	return out
}

func (m *mockSource) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = nil
}

type trackedReader struct {
	io.Reader
	closer io.Closer
	done   func()
}

func (t *trackedReader) Close() error {
	t.done()
	return t.closer.Close()
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

// mockSystemd implements systemduser.Systemd for testing.
type mockSystemd struct {
	available      bool
	availableErr   error
	reloadErr      error
	restartErr     error
	reloadCalled   bool
	restartCalled  bool
	restartedUnits []string
	statusQueried  []string
}

func (m *mockSystemd) IsAvailable(_ context.Context) (bool, error) {
	return m.available, m.availableErr
}

func (m *mockSystemd) DaemonReload(_ context.Context) error {
	m.reloadCalled = true
	return m.reloadErr
}

func (m *mockSystemd) TryRestartUnits(_ context.Context, units []string) error {
	m.restartCalled = true
	m.restartedUnits = units
	return m.restartErr
}

func (m *mockSystemd) UnitStatus(_ context.Context, unit string) string {
	m.statusQueried = append(m.statusQueried, unit)
	return "active"
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(root string, overlays ...config.OverlayConfig) *config.Config {
	return &config.Config{
		InstallRoot: root,
		Overlays:    overlays,
		Restart:     config.RestartConfig{Policy: config.RestartNone},
	}
}

func runSession(t *testing.T, cfg *config.Config, src remote.Source) (*Report, error) {
	t.Helper()
	return NewSession(cfg, src, testLogger(), false).Run(context.Background())
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func readCache(t *testing.T, root, location string) *manifest.Manifest {
	t.Helper()
	m, err := cache.NewStore(testLogger(), false).Read(cache.Path(root, location))
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	return m
}

func assertSameManifest(t *testing.T, got, want *manifest.Manifest) {
	t.Helper()
	if got.Len() != want.Len() {
		t.Fatalf("manifest has %d entries, want %d", got.Len(), want.Len())
	}
	for _, w := range want.Entries() {
		g, ok := got.Get(w.Path)
		if !ok || !g.Matches(w) {
			t.Errorf("%s: got %+v (present=%v), want %+v", w.Path, g, ok, w)
		}
	}
}

func TestRun_FreshInstallFetchesEverything(t *testing.T) {
	overlay := testutil.PublishOverlay(t, map[string]string{"a.txt": "abc", "b.txt": "hello"})
	root := t.TempDir()
	src := newMockSource()
	cfg := testConfig(root, config.OverlayConfig{URL: overlay.Location(), Path: "."})

	report, err := runSession(t, cfg, src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := src.openedPaths(); len(got) != 2 {
		t.Errorf("expected 2 downloads, got %v", got)
	}
	if readFile(t, filepath.Join(root, "a.txt")) != "abc" || readFile(t, filepath.Join(root, "b.txt")) != "hello" {
		t.Error("installed content does not match remote")
	}
	if r := report.Overlays[0]; r.Fetched != 2 || r.Bytes != 8 || r.Unchanged != 0 {
		t.Errorf("unexpected report %+v", r)
	}
	if !report.Changed() {
		t.Error("report should record changes")
	}

	assertSameManifest(t, readCache(t, root, overlay.Location()), overlay.Manifest())
}

func TestRun_FetchesOnlyChangedFiles(t *testing.T) {
	overlay := testutil.PublishOverlay(t, map[string]string{"a.txt": "abc", "b.txt": "hello"})
	root := t.TempDir()
	src := newMockSource()
	cfg := testConfig(root, config.OverlayConfig{URL: overlay.Location(), Path: "."})

	if _, err := runSession(t, cfg, src); err != nil {
		t.Fatal(err)
	}

	// same size, different hash
	overlay.Set("b.txt", "HELLO")
	src.reset()

	report, err := runSession(t, cfg, src)
	if err != nil {
		t.Fatal(err)
	}
	if got := src.openedPaths(); len(got) != 1 || got[0] != "b.txt" {
		t.Errorf("expected only b.txt to be fetched, got %v", got)
	}
	if r := report.Overlays[0]; r.Fetched != 1 || r.Unchanged != 1 {
		t.Errorf("unexpected report %+v", r)
	}
	if readFile(t, filepath.Join(root, "b.txt")) != "HELLO" {
		t.Error("b.txt not updated")
	}
	assertSameManifest(t, readCache(t, root, overlay.Location()), overlay.Manifest())
}

func TestRun_Idempotent(t *testing.T) {
	overlay := testutil.PublishOverlay(t, map[string]string{"a.txt": "abc", "dir/b.txt": "hello", "dir/deep/c.bin": "xyz"})
	root := t.TempDir()
	src := newMockSource()
	cfg := testConfig(root, config.OverlayConfig{URL: overlay.Location(), Path: "game"})

	if _, err := runSession(t, cfg, src); err != nil {
		t.Fatal(err)
	}
	src.reset()

	report, err := runSession(t, cfg, src)
	if err != nil {
		t.Fatal(err)
	}
	if got := src.openedPaths(); len(got) != 0 {
		t.Errorf("second run should not download anything, got %v", got)
	}
	if report.Changed() {
		t.Errorf("second run should report no changes: %+v", report.Overlays[0])
	}
	if report.Overlays[0].Unchanged != 3 {
		t.Errorf("expected 3 unchanged files, got %d", report.Overlays[0].Unchanged)
	}
}

func TestRun_Convergence(t *testing.T) {
	overlay := testutil.PublishOverlay(t, map[string]string{
		"keep.txt":      "keep",
		"grown.txt":     "grown",
		"vanished.txt":  "vanished",
		"old/stale.txt": "stale",
	})
	root := t.TempDir()
	src := newMockSource()
	cfg := testConfig(root, config.OverlayConfig{URL: overlay.Location(), Path: "."})

	if _, err := runSession(t, cfg, src); err != nil {
		t.Fatal(err)
	}

	// remote drops a file, local disk drifts
	overlay.Delete("old/stale.txt")
	overlay.Set("new.txt", "brand new")
	if err := os.WriteFile(filepath.Join(root, "grown.txt"), []byte("grown and then some"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(root, "vanished.txt")); err != nil {
		t.Fatal(err)
	}
	src.reset()

	report, err := runSession(t, cfg, src)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"grown.txt", "new.txt", "vanished.txt"}
	got := src.openedPaths()
	if len(got) != len(want) {
		t.Fatalf("fetched %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("fetched %v, want %v", got, want)
		}
	}

	if report.Overlays[0].Deleted != 1 {
		t.Errorf("expected 1 deletion, got %d", report.Overlays[0].Deleted)
	}
	if _, err := os.Stat(filepath.Join(root, "old")); !os.IsNotExist(err) {
		t.Error("stale file and its empty directory should be gone")
	}

	for _, fp := range overlay.Manifest().Entries() {
		size, hash, err := manifest.HashFile(filepath.Join(root, filepath.FromSlash(fp.Path)))
		if err != nil {
			t.Fatalf("%s: %v", fp.Path, err)
		}
		if size != fp.Size || !bytes.Equal(hash, fp.Hash) {
			t.Errorf("%s does not match remote", fp.Path)
		}
	}
	assertSameManifest(t, readCache(t, root, overlay.Location()), overlay.Manifest())
}

func TestRun_PartialFailureLeavesCacheUntouched(t *testing.T) {
	overlay := testutil.PublishOverlay(t, map[string]string{"a.txt": "abc", "b.txt": "hello", "c.txt": "see"})
	root := t.TempDir()
	src := newMockSource()
	cfg := testConfig(root, config.OverlayConfig{URL: overlay.Location(), Path: "."})

	if _, err := runSession(t, cfg, src); err != nil {
		t.Fatal(err)
	}
	cachePath := cache.Path(root, overlay.Location())
	before, err := os.ReadFile(cachePath)
	if err != nil {
		t.Fatal(err)
	}

	overlay.Set("a.txt", "abcd")
	overlay.Set("b.txt", "hello, world")
	src.failOpen["b.txt"] = remote.ErrTransfer

	report, err := runSession(t, cfg, src)
	if !errors.Is(err, remote.ErrTransfer) {
		t.Fatalf("expected ErrTransfer, got %v", err)
	}
	if report.Overlays[0].Err == nil {
		t.Error("overlay report should carry the error")
	}

	after, err := os.ReadFile(cachePath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("cache file changed after a failed apply")
	}

	// The next run recovers: a.txt was written and is recognized by repair,
	// b.txt is fetched again.
	delete(src.failOpen, "b.txt")
	src.reset()
	if _, err := runSession(t, cfg, src); err != nil {
		t.Fatal(err)
	}
	if got := src.openedPaths(); len(got) == 0 || got[len(got)-1] != "b.txt" {
		t.Errorf("expected b.txt to be re-fetched, got %v", got)
	}
	assertSameManifest(t, readCache(t, root, overlay.Location()), overlay.Manifest())
}

func TestRun_FirstRunFailureWritesNoCache(t *testing.T) {
	overlay := testutil.PublishOverlay(t, map[string]string{"a.txt": "abc", "b.txt": "hello"})
	root := t.TempDir()
	src := newMockSource()
	src.failRead["a.txt"] = true
	cfg := testConfig(root, config.OverlayConfig{URL: overlay.Location(), Path: "."})

	_, err := runSession(t, cfg, src)
	if !errors.Is(err, remote.ErrTransfer) {
		t.Fatalf("expected ErrTransfer for a broken stream, got %v", err)
	}
	if _, err := os.Stat(cache.Path(root, overlay.Location())); !os.IsNotExist(err) {
		t.Error("no cache file should exist after a failed first run")
	}
	if _, err := os.Stat(filepath.Join(root, "a.txt")); !os.IsNotExist(err) {
		t.Error("a half-written file must not be visible under its final name")
	}
}

func TestRun_FilesystemErrorFailsOverlay(t *testing.T) {
	overlay := testutil.PublishOverlay(t, map[string]string{"sub/x.txt": "x"})
	root := t.TempDir()
	// a regular file where the overlay needs a directory
	if err := os.WriteFile(filepath.Join(root, "sub"), []byte("in the way"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(root, config.OverlayConfig{URL: overlay.Location(), Path: "."})

	_, err := runSession(t, cfg, newMockSource())
	if !errors.Is(err, ErrFilesystem) {
		t.Fatalf("expected ErrFilesystem, got %v", err)
	}
}

func TestRun_RemoteManifestMissing(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root, config.OverlayConfig{URL: t.TempDir(), Path: "."})

	report, err := runSession(t, cfg, newMockSource())
	if !errors.Is(err, remote.ErrTransfer) {
		t.Fatalf("expected ErrTransfer, got %v", err)
	}
	if report.Overlays[0].Fetched != 0 {
		t.Error("nothing should be fetched without a manifest")
	}
}

func TestRun_OverlayFailureIsolated(t *testing.T) {
	good := testutil.PublishOverlay(t, map[string]string{"good.txt": "good"})
	root := t.TempDir()
	cfg := testConfig(root,
		config.OverlayConfig{URL: t.TempDir(), Path: "broken"},
		config.OverlayConfig{URL: good.Location(), Path: "good"},
	)

	report, err := runSession(t, cfg, newMockSource())
	if err == nil {
		t.Fatal("expected error from the broken overlay")
	}
	if report.Overlays[0].Err == nil || report.Overlays[1].Err != nil {
		t.Errorf("unexpected per-overlay errors: %v / %v", report.Overlays[0].Err, report.Overlays[1].Err)
	}
	if readFile(t, filepath.Join(root, "good", "good.txt")) != "good" {
		t.Error("healthy overlay should still be applied")
	}
	assertSameManifest(t, readCache(t, root, good.Location()), good.Manifest())
}

func TestRun_ApplyOrderLaterOverlayWins(t *testing.T) {
	base := testutil.PublishOverlay(t, map[string]string{"shared.cfg": "base", "base.txt": "b"})
	mods := testutil.PublishOverlay(t, map[string]string{"shared.cfg": "modded"})
	root := t.TempDir()
	cfg := testConfig(root,
		config.OverlayConfig{URL: base.Location(), Path: "."},
		config.OverlayConfig{URL: mods.Location(), Path: "."},
	)

	if _, err := runSession(t, cfg, newMockSource()); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, filepath.Join(root, "shared.cfg")); got != "modded" {
		t.Errorf("expected the later overlay to win, got %q", got)
	}
	if cache.Path(root, base.Location()) == cache.Path(root, mods.Location()) {
		t.Error("overlays must not share a cache file")
	}
}

func TestRun_DryRun(t *testing.T) {
	overlay := testutil.PublishOverlay(t, map[string]string{"a.txt": "abc"})
	root := t.TempDir()
	src := newMockSource()
	cfg := testConfig(root, config.OverlayConfig{URL: overlay.Location(), Path: "."})

	report, err := NewSession(cfg, src, testLogger(), true).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(src.openedPaths()) != 0 {
		t.Error("dry-run must not download files")
	}
	if _, err := os.Stat(filepath.Join(root, "a.txt")); !os.IsNotExist(err) {
		t.Error("dry-run must not write files")
	}
	if _, err := os.Stat(cache.Path(root, overlay.Location())); !os.IsNotExist(err) {
		t.Error("dry-run must not write the cache")
	}
	if report.Changed() {
		t.Error("dry-run report should not claim changes")
	}
}

func TestRun_ConcurrencyLimit(t *testing.T) {
	files := make(map[string]string)
	for _, name := range []string{"1", "2", "3", "4", "5", "6", "7", "8"} {
		files["f"+name+".txt"] = "content " + name
	}
	overlay := testutil.PublishOverlay(t, files)
	root := t.TempDir()
	src := newMockSource()
	cfg := testConfig(root, config.OverlayConfig{URL: overlay.Location(), Path: "."})
	cfg.Sync.Concurrency = 2

	report, err := runSession(t, cfg, src)
	if err != nil {
		t.Fatal(err)
	}
	if report.Overlays[0].Fetched != len(files) {
		t.Errorf("expected %d fetches, got %d", len(files), report.Overlays[0].Fetched)
	}
	if src.maxInFlight > 2 {
		t.Errorf("at most 2 transfers may run at once, saw %d", src.maxInFlight)
	}
}

func TestRun_PruneUntracked(t *testing.T) {
	overlay := testutil.PublishOverlay(t, map[string]string{"a.txt": "abc"})
	root := t.TempDir()
	install := filepath.Join(root, "mods")
	if err := os.MkdirAll(filepath.Join(install, "leftover"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(install, "leftover", "old.txt"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(install, ".hidden"), []byte("keep"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(root, config.OverlayConfig{URL: overlay.Location(), Path: "mods", PruneUntracked: true})
	report, err := runSession(t, cfg, newMockSource())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(install, "leftover")); !os.IsNotExist(err) {
		t.Error("untracked file and its directory should be pruned")
	}
	if _, err := os.Stat(filepath.Join(install, ".hidden")); err != nil {
		t.Error("hidden files are not pruned")
	}
	if report.Overlays[0].Deleted != 1 {
		t.Errorf("expected 1 deletion, got %d", report.Overlays[0].Deleted)
	}
}

func TestRun_StaleDeleteFailureKeepsEntry(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}

	overlay := testutil.PublishOverlay(t, map[string]string{"a.txt": "abc", "locked/stale.txt": "stale"})
	root := t.TempDir()
	src := newMockSource()
	cfg := testConfig(root, config.OverlayConfig{URL: overlay.Location(), Path: "."})

	if _, err := runSession(t, cfg, src); err != nil {
		t.Fatal(err)
	}

	overlay.Delete("locked/stale.txt")
	overlay.Set("a.txt", "abcd")

	locked := filepath.Join(root, "locked")
	if err := os.Chmod(locked, 0555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = os.Chmod(locked, 0755)
	})

	report, err := runSession(t, cfg, src)
	if err != nil {
		t.Fatalf("a failed delete must not fail the run: %v", err)
	}
	if report.Overlays[0].Deleted != 0 {
		t.Errorf("expected no deletions, got %d", report.Overlays[0].Deleted)
	}
	if got := readFile(t, filepath.Join(root, "a.txt")); got != "abcd" {
		t.Errorf("overlay should still be applied, a.txt = %q", got)
	}
	if _, err := os.Stat(filepath.Join(locked, "stale.txt")); err != nil {
		t.Errorf("stale file should still exist: %v", err)
	}

	cached := readCache(t, root, overlay.Location())
	if _, ok := cached.Get("locked/stale.txt"); !ok {
		t.Error("local entry for the undeleted file must be kept so the next run retries")
	}
	if fp, ok := cached.Get("a.txt"); !ok || fp.Size != 4 {
		t.Errorf("a.txt entry not updated: %+v", fp)
	}

	// once the directory is writable again the next run finishes the delete
	if err := os.Chmod(locked, 0755); err != nil {
		t.Fatal(err)
	}
	report, err = runSession(t, cfg, src)
	if err != nil {
		t.Fatal(err)
	}
	if report.Overlays[0].Deleted != 1 {
		t.Errorf("expected the retried delete, got %d deletions", report.Overlays[0].Deleted)
	}
	assertSameManifest(t, readCache(t, root, overlay.Location()), overlay.Manifest())
}

func TestOverlayPlan(t *testing.T) {
	overlay := testutil.PublishOverlay(t, map[string]string{"same.txt": "same", "changed.txt": "new", "added.txt": "added"})
	o := NewOverlay(config.OverlayConfig{URL: overlay.Location(), Path: "."}, t.TempDir(), newMockSource(), cache.NewStore(testLogger(), false), testLogger(), 0)
	if err := o.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	o.local.Put(testutil.Fingerprint("same.txt", "same"))
	o.local.Put(testutil.Fingerprint("changed.txt", "old"))
	o.local.Put(testutil.Fingerprint("removed.txt", "bye"))

	plan := o.Plan()
	if plan.Unchanged != 1 {
		t.Errorf("expected 1 unchanged, got %d", plan.Unchanged)
	}
	if len(plan.Fetch) != 2 || plan.Fetch[0].Path != "added.txt" || plan.Fetch[1].Path != "changed.txt" {
		t.Errorf("unexpected fetch list %+v", plan.Fetch)
	}
	if len(plan.Delete) != 1 || plan.Delete[0] != "removed.txt" {
		t.Errorf("unexpected delete list %v", plan.Delete)
	}
}

func TestTransfer_RecordsMeasuredFingerprint(t *testing.T) {
	overlay := testutil.PublishOverlay(t, map[string]string{"a.txt": "abc"})
	o := NewOverlay(config.OverlayConfig{URL: overlay.Location(), Path: "."}, t.TempDir(), newMockSource(), cache.NewStore(testLogger(), false), testLogger(), 0)
	o.local = manifest.New()

	claimed := manifest.FileFingerprint{Path: "a.txt", Size: 99, Hash: bytes.Repeat([]byte{1}, manifest.HashSize)}
	got, err := o.transfer(context.Background(), claimed)
	if err != nil {
		t.Fatal(err)
	}
	want := testutil.Fingerprint("a.txt", "abc")
	if !got.Matches(want) {
		t.Errorf("expected measured fingerprint %+v, got %+v", want, got)
	}
	if recorded, _ := o.local.Get("a.txt"); !recorded.Matches(want) {
		t.Errorf("local manifest should hold the measured fingerprint, got %+v", recorded)
	}
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "sub", "dst.txt")

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("previous content that is longer"), 0600); err != nil {
		t.Fatal(err)
	}

	size, hash, err := writeFile(dst, bytes.NewReader([]byte("hello world")))
	if err != nil {
		t.Fatalf("writeFile: %v", err)
	}
	if size != 11 {
		t.Errorf("expected size 11, got %d", size)
	}
	if !testutil.Fingerprint("x", "hello world").Matches(manifest.FileFingerprint{Size: size, Hash: hash}) {
		t.Error("returned hash does not match content")
	}
	if readFile(t, dst) != "hello world" {
		t.Error("content not replaced")
	}

	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("expected mode 0644, got %v", info.Mode().Perm())
	}

	entries, err := os.ReadDir(filepath.Dir(dst))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestDiscoverFiles(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"a.txt", "sub/b.txt", ".overlaysync/cache.yaml", ".hidden"} {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(p), 0644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := discoverFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Errorf("expected 2 visible files, got %v", files)
	}

	if _, err := discoverFiles(filepath.Join(dir, "missing")); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestEngine_Restarts(t *testing.T) {
	tests := []struct {
		name        string
		policy      config.RestartPolicy
		secondRun   bool
		wantRestart bool
	}{
		{name: "none", policy: config.RestartNone, wantRestart: false},
		{name: "changed after changes", policy: config.RestartChanged, wantRestart: true},
		{name: "changed without changes", policy: config.RestartChanged, secondRun: true, wantRestart: false},
		{name: "always without changes", policy: config.RestartAlways, secondRun: true, wantRestart: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			overlay := testutil.PublishOverlay(t, map[string]string{"a.txt": "abc"})
			root := t.TempDir()
			cfg := testConfig(root, config.OverlayConfig{URL: overlay.Location(), Path: "."})
			cfg.Restart = config.RestartConfig{Policy: tc.policy, Units: []string{"game.service"}}

			if tc.secondRun {
				if _, err := NewEngine(cfg, newMockSource(), &mockSystemd{available: true}, testLogger(), false).Run(context.Background()); err != nil {
					t.Fatal(err)
				}
			}

			sd := &mockSystemd{available: true}
			if _, err := NewEngine(cfg, newMockSource(), sd, testLogger(), false).Run(context.Background()); err != nil {
				t.Fatal(err)
			}
			if sd.restartCalled != tc.wantRestart {
				t.Errorf("restartCalled = %v, want %v", sd.restartCalled, tc.wantRestart)
			}
			if tc.wantRestart && (!sd.reloadCalled || len(sd.restartedUnits) != 1) {
				t.Errorf("expected daemon-reload and one unit restart, got reload=%v units=%v", sd.reloadCalled, sd.restartedUnits)
			}
			if tc.wantRestart && (len(sd.statusQueried) != 1 || sd.statusQueried[0] != "game.service") {
				t.Errorf("expected unit state to be checked after restart, got %v", sd.statusQueried)
			}
		})
	}
}

func TestEngine_NoRestartAfterFailure(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root, config.OverlayConfig{URL: t.TempDir(), Path: "."})
	cfg.Restart = config.RestartConfig{Policy: config.RestartAlways, Units: []string{"game.service"}}

	sd := &mockSystemd{available: true}
	if _, err := NewEngine(cfg, newMockSource(), sd, testLogger(), false).Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if sd.restartCalled {
		t.Error("units must not be restarted after a failed sync")
	}
}

func TestEngine_RestartIssuesAreNotFatal(t *testing.T) {
	overlay := testutil.PublishOverlay(t, map[string]string{"a.txt": "abc"})
	root := t.TempDir()
	cfg := testConfig(root, config.OverlayConfig{URL: overlay.Location(), Path: "."})
	cfg.Restart = config.RestartConfig{Policy: config.RestartAlways, Units: []string{"game.service"}}

	for _, sd := range []*mockSystemd{
		{available: false},
		{available: true, reloadErr: errors.New("reload failed")},
		{available: true, restartErr: errors.New("restart failed")},
	} {
		if _, err := NewEngine(cfg, newMockSource(), sd, testLogger(), false).Run(context.Background()); err != nil {
			t.Errorf("restart problems should not fail the sync: %v", err)
		}
		if len(sd.statusQueried) != 0 {
			t.Errorf("unit state should only be checked after a successful restart, got %v", sd.statusQueried)
		}
	}
}

func TestEngine_DryRunSkipsRestarts(t *testing.T) {
	overlay := testutil.PublishOverlay(t, map[string]string{"a.txt": "abc"})
	root := filepath.Join(t.TempDir(), "not-created")
	cfg := testConfig(root, config.OverlayConfig{URL: overlay.Location(), Path: "."})
	cfg.Restart = config.RestartConfig{Policy: config.RestartAlways, Units: []string{"game.service"}}

	sd := &mockSystemd{available: true}
	if _, err := NewEngine(cfg, newMockSource(), sd, testLogger(), true).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sd.restartCalled {
		t.Error("dry-run must not restart units")
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Error("dry-run must not create the install root")
	}
}

func TestHandleRestarts_UnknownPolicy(t *testing.T) {
	cfg := &config.Config{Restart: config.RestartConfig{Policy: "bogus", Units: []string{"x.service"}}}
	engine := &Engine{cfg: cfg, systemd: &mockSystemd{available: true}, logger: testLogger()}
	if err := engine.handleRestarts(context.Background(), &Report{}); err == nil {
		t.Error("expected error for unknown policy")
	}
}
