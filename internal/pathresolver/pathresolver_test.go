package pathresolver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGameDirLayout(t *testing.T) {
	r := New("/srv/launcher")
	require.Equal(t, filepath.Join("/srv/launcher", "install", "release", "package", "game", "beta"), r.GameDir("beta"))
}

func TestLocalArchiveOverridePicksNewest(t *testing.T) {
	root := t.TempDir()
	cdn := filepath.Join(root, "cdn")
	require.NoError(t, os.MkdirAll(cdn, 0o755))

	old := filepath.Join(cdn, "old.zip")
	newer := filepath.Join(cdn, "new.zip")
	require.NoError(t, os.WriteFile(old, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("b"), 0o644))

	now := time.Now()
	require.NoError(t, os.Chtimes(old, now.Add(-time.Hour), now.Add(-time.Hour)))
	require.NoError(t, os.Chtimes(newer, now, now))

	r := New(root)
	got, err := r.LocalArchiveOverride()
	require.NoError(t, err)
	require.Equal(t, newer, got)
}

func TestLocalArchiveOverrideMissingDir(t *testing.T) {
	r := New(t.TempDir())
	got, err := r.LocalArchiveOverride()
	require.NoError(t, err)
	require.Empty(t, got)
}
