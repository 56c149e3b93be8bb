package patch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"cdpe/internal/cache"
	"cdpe/internal/download"
	"cdpe/internal/downloadsvc"
	"cdpe/internal/pathresolver"
	"cdpe/internal/state"
	"cdpe/internal/versionprobe"
)

// patchServer fakes the CDN's .pwr tree: it 200s HEAD/GET for any (from, to)
// pair present in builds, and 404s everything else.
type patchServer struct {
	mu     sync.Mutex
	builds map[string]bool
}

func newPatchServer() *patchServer {
	return &patchServer{builds: make(map[string]bool)}
}

func (p *patchServer) allow(from, to uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.builds[fmt.Sprintf("%d/%d", from, to)] = true
}

func (p *patchServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := filepathSplit(r.URL.Path)
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	key := parts[len(parts)-2] + "/" + parts[len(parts)-1]
	key = key[:len(key)-len(".pwr")]

	p.mu.Lock()
	ok := p.builds[key]
	p.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write([]byte("patch-blob-" + key))
	}
}

func filepathSplit(path string) []string {
	var parts []string
	for _, p := range splitNonEmpty(path, '/') {
		parts = append(parts, p)
	}
	return parts
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// writeFakeTool writes a fake external patch tool to resolver.ToolPath(). fail
// names a "<from>-<to>.pwr" suffix the script exits nonzero for; every other
// invocation creates the channel executable and exits 0.
func writeFakeTool(t *testing.T, resolver *pathresolver.Resolver, fail string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(resolver.ToolsDir(), 0o755))

	script := fmt.Sprintf(`#!/bin/sh
patchfile="$3"
gamedir="$4"
mkdir -p "$gamedir"
case "$patchfile" in
  *%s) exit 1 ;;
  *) touch "$gamedir/Client"; exit 0 ;;
esac
`, fail)
	path := resolver.ToolPath()
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
}

func newTestOrchestrator(t *testing.T, root, serverURL string) (*Orchestrator, *pathresolver.Resolver, *state.Store) {
	t.Helper()
	resolver := pathresolver.New(root)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "index.db")), &gorm.Config{})
	require.NoError(t, err)
	cacheStore, err := cache.Open(db, cache.Options{})
	require.NoError(t, err)

	engine := download.New(nil, nil)
	svc := downloadsvc.New(engine, cacheStore, nil, 4)

	store, err := state.Open(resolver.SettingsPath(), resolver.BuildRecordPath())
	require.NoError(t, err)

	prober := versionprobe.New(http.DefaultClient, serverURL)

	orch := New(svc, store, prober, resolver, nil, nil, nil, "")
	return orch, resolver, store
}

func TestFreshInstallAppliesBaseAndRecordsBuild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake tool is a shell script")
	}
	srv := newPatchServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()
	for b := uint64(1); b <= 7; b++ {
		srv.allow(0, b)
	}

	root := t.TempDir()
	orch, resolver, store := newTestOrchestrator(t, root, ts.URL)
	writeFakeTool(t, resolver, "never-fails")

	require.NoError(t, orch.InstallOrUpdate(context.Background(), "latest", ChannelConfig{}))

	rec, ok := store.BuildRecord("latest")
	require.True(t, ok)
	require.Equal(t, uint64(7), rec.Build)
	_, err := os.Stat(resolver.ExecutablePath("latest"))
	require.NoError(t, err)
}

func TestIncrementalPatchWalksForwardUntilNoneLeft(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake tool is a shell script")
	}
	srv := newPatchServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()
	for b := uint64(1); b <= 5; b++ {
		srv.allow(0, b)
	}
	srv.allow(5, 6)
	srv.allow(6, 7)

	root := t.TempDir()
	orch, resolver, store := newTestOrchestrator(t, root, ts.URL)
	writeFakeTool(t, resolver, "never-fails")

	require.NoError(t, orch.InstallOrUpdate(context.Background(), "latest", ChannelConfig{}))

	rec, ok := store.BuildRecord("latest")
	require.True(t, ok)
	require.Equal(t, uint64(7), rec.Build)
}

func TestRescueFallbackWhenIncrementalPatchToolFails(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake tool is a shell script")
	}
	srv := newPatchServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()
	srv.allow(0, 1)
	srv.allow(7, 8) // incremental exists...
	srv.allow(0, 8) // ...but the tool refuses it, so the rescue must exist too

	root := t.TempDir()
	orch, resolver, store := newTestOrchestrator(t, root, ts.URL)

	// Pre-seed build 7 as already installed, with the executable present so
	// the on-disk ground truth check doesn't force-demote to build 0.
	require.NoError(t, os.MkdirAll(resolver.GameDir("latest"), 0o755))
	require.NoError(t, os.WriteFile(resolver.ExecutablePath("latest"), []byte("old-client"), 0o755))
	require.NoError(t, store.SetBuildRecord("latest", state.BuildRecord{Build: 7, Channel: "latest"}))

	// The fake tool fails on any patch file named "...-7-8.pwr" (the
	// incremental), so InstallOrUpdate must fall back to the "...-0-8.pwr"
	// rescue patch.
	writeFakeTool(t, resolver, "-7-8.pwr")

	require.NoError(t, orch.InstallOrUpdate(context.Background(), "latest", ChannelConfig{}))

	rec, ok := store.BuildRecord("latest")
	require.True(t, ok)
	require.Equal(t, uint64(8), rec.Build)
}

func TestRescueFailureIsNotRecursivelyRescued(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake tool is a shell script")
	}
	srv := newPatchServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()
	srv.allow(7, 8)
	srv.allow(0, 8)

	root := t.TempDir()
	orch, resolver, store := newTestOrchestrator(t, root, ts.URL)

	require.NoError(t, os.MkdirAll(resolver.GameDir("latest"), 0o755))
	require.NoError(t, os.WriteFile(resolver.ExecutablePath("latest"), []byte("old-client"), 0o755))
	require.NoError(t, store.SetBuildRecord("latest", state.BuildRecord{Build: 7, Channel: "latest"}))

	// Both the incremental and the rescue fail: the tool exits nonzero
	// unconditionally.
	require.NoError(t, os.MkdirAll(resolver.ToolsDir(), 0o755))
	require.NoError(t, os.WriteFile(resolver.ToolPath(), []byte("#!/bin/sh\nexit 1\n"), 0o755))

	err := orch.InstallOrUpdate(context.Background(), "latest", ChannelConfig{})
	require.Error(t, err)

	// The build record must still reflect the last known-good build, not a
	// half-applied patch.
	rec, ok := store.BuildRecord("latest")
	require.True(t, ok)
	require.Equal(t, uint64(7), rec.Build)
}

func TestChannelIsolationAllowsConcurrentDifferentChannels(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake tool is a shell script")
	}
	srv := newPatchServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()
	srv.allow(0, 1)
	srv.allow(0, 3)

	root := t.TempDir()
	orch, resolver, store := newTestOrchestrator(t, root, ts.URL)
	writeFakeTool(t, resolver, "never-fails")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	channels := []string{"latest", "beta"}
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch string) {
			defer wg.Done()
			errs[i] = orch.InstallOrUpdate(context.Background(), ch, ChannelConfig{})
		}(i, ch)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, ch := range channels {
		rec, ok := store.BuildRecord(ch)
		require.True(t, ok)
		require.Equal(t, uint64(3), rec.Build)
	}
}

func TestRepairRemovesGameDirectoryThenReinstallReachesLatest(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake tool is a shell script")
	}
	srv := newPatchServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()
	for b := uint64(1); b <= 4; b++ {
		srv.allow(0, b)
	}

	root := t.TempDir()
	orch, resolver, store := newTestOrchestrator(t, root, ts.URL)
	writeFakeTool(t, resolver, "never-fails")

	require.NoError(t, orch.InstallOrUpdate(context.Background(), "latest", ChannelConfig{}))

	require.NoError(t, orch.Repair("latest"))
	_, err := os.Stat(resolver.GameDir("latest"))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, orch.InstallOrUpdate(context.Background(), "latest", ChannelConfig{}))
	rec, ok := store.BuildRecord("latest")
	require.True(t, ok)
	require.Equal(t, uint64(4), rec.Build)
}

func TestFreshInstallRecordsFileManifest(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake tool is a shell script")
	}
	srv := newPatchServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()
	srv.allow(0, 1)
	srv.allow(0, 3)

	root := t.TempDir()
	orch, resolver, store := newTestOrchestrator(t, root, ts.URL)
	writeFakeTool(t, resolver, "never-fails")

	require.NoError(t, orch.InstallOrUpdate(context.Background(), "latest", ChannelConfig{}))

	rec, ok := store.BuildRecord("latest")
	require.True(t, ok)
	require.NotEmpty(t, rec.Files)

	var sawExecutable bool
	for _, f := range rec.Files {
		if f.Path == "Client" {
			sawExecutable = true
			require.NotEmpty(t, f.Hash)
		}
	}
	require.True(t, sawExecutable, "expected the installed executable in the recorded manifest")
}

func TestGroundTruthOverridesRecordedStateWhenExecutableMissing(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake tool is a shell script")
	}
	srv := newPatchServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()
	for b := uint64(1); b <= 9; b++ {
		srv.allow(0, b)
	}

	root := t.TempDir()
	orch, resolver, store := newTestOrchestrator(t, root, ts.URL)
	writeFakeTool(t, resolver, "never-fails")

	// A stale BuildRecord claims build 5 installed, but the executable was
	// never written (e.g. a prior repair without a follow-up install).
	require.NoError(t, store.SetBuildRecord("latest", state.BuildRecord{Build: 5, Channel: "latest"}))

	require.NoError(t, orch.InstallOrUpdate(context.Background(), "latest", ChannelConfig{}))

	rec, ok := store.BuildRecord("latest")
	require.True(t, ok)
	require.Equal(t, uint64(9), rec.Build)
}
