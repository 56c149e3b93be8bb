// Package netdiag sizes the first-run max_parallel_downloads suggestion
// from a one-shot connection speed test, grounded on
// internal/network/speedtest.go's RunSpeedTest/RunSpeedTestWithEvents
// (FetchUserInfo -> FetchServers -> FindServer -> ping/download/upload
// phases over speedtest-go). Sizing a download concurrency default only
// needs the ping and download phases, so the upload test is dropped.
package netdiag

import (
	"context"
	"fmt"
	"time"

	"github.com/showwin/speedtest-go/speedtest"
)

// Result is the subset of a speed test CDPE's sizing heuristic needs.
type Result struct {
	DownloadMbps float64
	PingMs       int64
	ServerName   string
}

// SuggestedParallelism maps a measured download speed to a
// max_parallel_downloads default: fast connections get more concurrent
// fetches, slow ones get fewer to avoid starving any single transfer.
func (r Result) SuggestedParallelism() int {
	switch {
	case r.DownloadMbps >= 200:
		return 8
	case r.DownloadMbps >= 50:
		return 4
	case r.DownloadMbps >= 10:
		return 2
	default:
		return 1
	}
}

// Probe runs a download-only speed test against the nearest available
// server and returns a Result, or an error if no server could be reached.
func Probe(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if _, err := speedtest.FetchUserInfo(); err != nil {
		return Result{}, fmt.Errorf("no internet connection: %w", err)
	}

	serverList, err := speedtest.FetchServers()
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch speed test servers: %w", err)
	}

	targets, err := serverList.FindServer([]int{})
	if err != nil || len(targets) == 0 {
		return Result{}, fmt.Errorf("no speed test servers available")
	}
	server := targets[0]

	if err := server.PingTestContext(ctx, nil); err != nil {
		return Result{}, fmt.Errorf("ping test failed: %w", err)
	}
	if err := server.DownloadTestContext(ctx); err != nil {
		return Result{}, fmt.Errorf("download test failed: %w", err)
	}

	return Result{
		DownloadMbps: float64(server.DLSpeed) / 1000 / 1000 * 8,
		PingMs:       server.Latency.Milliseconds(),
		ServerName:   server.Name,
	}, nil
}
