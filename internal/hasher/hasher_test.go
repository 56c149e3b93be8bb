package hasher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashDeterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("the quick brown fox"), 0o644))

	h := New()
	a, err := h.Hash(path)
	require.NoError(t, err)
	b, err := h.Hash(path)
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.EqualValues(t, 19, a.Size)
	require.NotEmpty(t, a.MD5)
	require.NotEmpty(t, a.SHA1)
	require.NotEmpty(t, a.SHA256)
}

func TestVerifySHA256(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	h := New()
	d, err := h.Hash(path, SHA256)
	require.NoError(t, err)

	ok, err := h.VerifySHA256(path, d.SHA256)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.VerifySHA256(path, "deadbeef")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHashPartialSelection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	h := New()
	d, err := h.Hash(path, MD5)
	require.NoError(t, err)
	require.NotEmpty(t, d.MD5)
	require.Empty(t, d.SHA1)
	require.Empty(t, d.SHA256)
}
