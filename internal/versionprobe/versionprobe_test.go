package versionprobe

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// serverWithBuilds returns a test server serving HEAD 200 for every
// 0/N.pwr with N <= maxBuild, and for every incremental from->from+1 pair
// listed in incrementals.
func serverWithBuilds(maxBuild uint64, incrementals map[uint64]bool) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if !strings.HasSuffix(path, ".pwr") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		parts := strings.Split(strings.TrimSuffix(path, ".pwr"), "/")
		if len(parts) < 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		from, err1 := strconv.ParseUint(parts[len(parts)-2], 10, 64)
		to, err2 := strconv.ParseUint(parts[len(parts)-1], 10, 64)
		if err1 != nil || err2 != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if from == 0 && to <= maxBuild {
			w.WriteHeader(http.StatusOK)
			return
		}
		if incrementals[from] && to == from+1 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	return httptest.NewServer(mux)
}

func TestFindLatestBaseBinarySearch(t *testing.T) {
	srv := serverWithBuilds(7, nil)
	defer srv.Close()

	p := New(nil, srv.URL)
	info, err := p.FindLatestBase(t.Context(), "latest")
	require.NoError(t, err)
	require.NotNil(t, info)
	require.EqualValues(t, 0, info.FromBuild)
	require.EqualValues(t, 7, info.ToBuild)
	require.True(t, info.IsFull)
}

func TestFindLatestBaseNoBuildsAvailable(t *testing.T) {
	srv := serverWithBuilds(0, nil)
	defer srv.Close()

	// maxBuild=0 means even 0/1.pwr does not exist, so the sanity probe
	// must fail and FindLatestBase must return nil, nil.
	p := New(nil, srv.URL)
	info, err := p.FindLatestBase(t.Context(), "latest")
	require.NoError(t, err)
	require.Nil(t, info)
}

func TestFindNextPatch(t *testing.T) {
	srv := serverWithBuilds(7, map[uint64]bool{7: true})
	defer srv.Close()

	p := New(nil, srv.URL)
	info, err := p.FindNextPatch(t.Context(), "latest", 7)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.EqualValues(t, 7, info.FromBuild)
	require.EqualValues(t, 8, info.ToBuild)
	require.False(t, info.IsFull)

	none, err := p.FindNextPatch(t.Context(), "latest", 99)
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestBetaUsesPrereleasePath(t *testing.T) {
	p := New(nil, "https://cdn.example.com")
	require.Contains(t, p.basePath("beta"), "pre-release")
	require.Contains(t, p.basePath("latest"), "/release")
}
