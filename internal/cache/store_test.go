package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"cdpe/internal/hasher"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "index.db")), &gorm.Config{})
	require.NoError(t, err)
	s, err := Open(db, opts)
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestPutThenGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Options{})
	h := hasher.New()

	path := writeFile(t, dir, "f1.bin", []byte("data"))
	digest, err := h.Hash(path, hasher.SHA256)
	require.NoError(t, err)

	require.NoError(t, s.Put("https://example.com/f1", path, digest))

	got, ok, err := s.Get("https://example.com/f1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, path, got)
}

func TestGetMissingReturnsNotOK(t *testing.T) {
	s := openTestStore(t, Options{})
	_, ok, err := s.Get("https://example.com/missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTamperedFileEvictedOnGet(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Options{})
	h := hasher.New()

	path := writeFile(t, dir, "f1.bin", []byte("original data"))
	digest, err := h.Hash(path, hasher.SHA256)
	require.NoError(t, err)
	require.NoError(t, s.Put("https://example.com/f1", path, digest))

	// change the content while keeping the same length
	require.NoError(t, os.WriteFile(path, []byte("ORIGINAL data"), 0o644))

	_, ok, err := s.Get("https://example.com/f1")
	require.NoError(t, err)
	require.False(t, ok)

	var count int64
	require.NoError(t, s.db.Model(&Entry{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestEvictionKeepsWithinBudget(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Options{MaxBytes: 15})
	h := hasher.New()

	for i, name := range []string{"a.bin", "b.bin", "c.bin"} {
		path := writeFile(t, dir, name, []byte("0123456789")) // 10 bytes each
		digest, err := h.Hash(path, hasher.SHA256)
		require.NoError(t, err)
		require.NoError(t, s.Put(name, path, digest))
		if i == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}

	var entries []Entry
	require.NoError(t, s.db.Find(&entries).Error)
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	require.LessOrEqual(t, total, int64(15))
}

func TestVerifyIntegrityPrunesMissingFiles(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Options{})
	h := hasher.New()

	path := writeFile(t, dir, "f1.bin", []byte("data"))
	digest, err := h.Hash(path, hasher.SHA256)
	require.NoError(t, err)
	require.NoError(t, s.Put("https://example.com/f1", path, digest))

	require.NoError(t, os.Remove(path))
	require.NoError(t, s.VerifyIntegrity())

	_, ok, err := s.Get("https://example.com/f1")
	require.NoError(t, err)
	require.False(t, ok)
}
