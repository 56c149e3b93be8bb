package download

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"cdpe/internal/hasher"
)

func TestFetchFullDownload(t *testing.T) {
	content := []byte("hello world, this is a test payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	eng := New(nil, nil)
	res, err := eng.Fetch(t.Context(), Task{URL: srv.URL, DestPath: dest})
	require.NoError(t, err)
	require.EqualValues(t, len(content), res.Size)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestFetchResume(t *testing.T) {
	content := []byte("0123456789ABCDEFGHIJ")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			w.Write(content)
			return
		}
		start, ok := parseRangeStart(rangeHdr)
		if !ok {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start:])
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(dest+".part", content[:10], 0o644))

	eng := New(nil, nil)
	res, err := eng.Fetch(t.Context(), Task{URL: srv.URL, DestPath: dest, Resume: true})
	require.NoError(t, err)
	require.EqualValues(t, len(content), res.Size)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestFetchHashMismatchDeletesFile(t *testing.T) {
	content := []byte("payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	eng := New(nil, nil)
	_, err := eng.Fetch(t.Context(), Task{URL: srv.URL, DestPath: dest, ExpectedHash: "deadbeef"})
	require.Error(t, err)

	_, statErr := os.Stat(dest)
	require.True(t, os.IsNotExist(statErr))
}

func TestFetchVerifiesGoodHash(t *testing.T) {
	content := []byte("verified payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	h := hasher.New()
	tmp := filepath.Join(t.TempDir(), "ref.bin")
	require.NoError(t, os.WriteFile(tmp, content, 0o644))
	digest, err := h.Hash(tmp, hasher.SHA256)
	require.NoError(t, err)

	eng := New(nil, nil)
	res, err := eng.Fetch(t.Context(), Task{URL: srv.URL, DestPath: dest, ExpectedHash: digest.SHA256})
	require.NoError(t, err)
	require.Equal(t, digest.SHA256, res.SHA256)
}

// parseRangeStart parses "bytes=N-" test-server-side, mirroring the shape
// of request the engine itself sends.
func parseRangeStart(header string) (int, bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, false
	}
	rest := strings.TrimPrefix(header, prefix)
	rest = strings.TrimSuffix(rest, "-")
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}
