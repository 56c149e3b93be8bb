// Package downloadsvc implements spec component F: the orchestration layer
// over DownloadEngine (D) and CacheStore (E) — in-flight dedup, cache-first
// lookups, bounded-concurrency fan-out, and a missing-file sweep. The
// in-flight tracking internal/engine/manager.go does by hand with an
// "activeDownloads" map is replaced here by golang.org/x/sync/singleflight,
// the standard primitive for exactly this job. The bounded fan-out
// generalizes internal/queue/scheduler.go's SmartScheduler (per-host
// concurrency limiting for a live download queue) down to a single
// max-parallel semaphore, since spec §4.F only requires one global
// concurrency bound rather than per-host scheduling.
package downloadsvc

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"cdpe/internal/cache"
	"cdpe/internal/download"
	"cdpe/internal/hasher"
	"cdpe/internal/progress"
)

// Task is a single requested download.
type Task struct {
	URL          string
	DestPath     string
	ExpectedHash string
	Priority     string // "high", "normal", "low" — advisory ordering only
}

// Result mirrors the DownloadResult shape in spec §6.
type Result struct {
	Success   bool
	Path      string
	Size      int64
	Hash      string
	Duration  time.Duration
	FromCache bool
	Err       error
}

// Stats is a snapshot of service-wide counters.
type Stats struct {
	Active    int64
	Completed int64
	Failed    int64
	Bytes     int64
	CacheHits int64
	CacheMiss int64
}

// Service orchestrates downloads over a single DownloadEngine and
// CacheStore, deduplicating concurrent requests for the same URL.
type Service struct {
	engine        *download.Engine
	cache         *cache.Store
	hasher        *hasher.Hasher
	bus           *progress.Bus
	group         singleflight.Group
	maxParallel   int
	sem           chan struct{}
	active        atomic.Int64
	completed     atomic.Int64
	failed        atomic.Int64
	bytes         atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
}

// New builds a Service. maxParallel bounds download_files fan-out
// concurrency (spec §3 Settings.max_parallel_downloads, range [1,10]).
func New(engine *download.Engine, store *cache.Store, bus *progress.Bus, maxParallel int) *Service {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Service{
		engine:      engine,
		cache:       store,
		hasher:      hasher.New(),
		bus:         bus,
		maxParallel: maxParallel,
		sem:         make(chan struct{}, maxParallel),
	}
}

// DownloadFile fetches one task, consulting the cache first and
// deduplicating concurrent callers of the same URL (spec property 2).
func (s *Service) DownloadFile(ctx context.Context, task Task) Result {
	v, err, _ := s.group.Do(task.URL, func() (any, error) {
		return s.downloadOne(ctx, task)
	})
	if err != nil {
		return Result{Success: false, Err: err}
	}
	return v.(Result)
}

func (s *Service) downloadOne(ctx context.Context, task Task) (Result, error) {
	s.active.Add(1)
	defer s.active.Add(-1)

	if task.ExpectedHash != "" && s.cache != nil {
		if cachedPath, ok, err := s.cache.Get(task.URL); err == nil && ok {
			if err := copyFile(cachedPath, task.DestPath); err == nil {
				s.cacheHits.Add(1)
				s.completed.Add(1)
				return Result{Success: true, Path: task.DestPath, Hash: task.ExpectedHash, FromCache: true}, nil
			}
		}
		s.cacheMisses.Add(1)
	}

	start := time.Now()
	res, err := s.engine.Fetch(ctx, download.Task{
		URL:          task.URL,
		DestPath:     task.DestPath,
		ExpectedHash: task.ExpectedHash,
		Resume:       true,
	})
	if err != nil {
		s.failed.Add(1)
		return Result{Success: false, Err: err}, err
	}
	s.bytes.Add(res.Size)
	s.completed.Add(1)

	if s.cache != nil {
		digest, herr := s.hasher.Hash(task.DestPath)
		if herr == nil {
			s.cache.Put(task.URL, task.DestPath, digest)
		}
	}

	return Result{
		Success:  true,
		Path:     task.DestPath,
		Size:     res.Size,
		Hash:     res.SHA256,
		Duration: time.Since(start),
	}, nil
}

// DownloadFiles fans out across tasks bounded by maxParallel, returning one
// Result per task in input order.
func (s *Service) DownloadFiles(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))
	var wg sync.WaitGroup

	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = Result{Success: false, Err: ctx.Err()}
				return
			}
			defer func() { <-s.sem }()
			results[i] = s.DownloadFile(ctx, task)
		}(i, task)
	}
	wg.Wait()
	return results
}

// FileHashPair is one entry in a verify_files check or a missing-file sweep
// request. URL is only consulted by DownloadMissing; VerifyFiles never
// touches the network and ignores it.
type FileHashPair struct {
	Path         string
	ExpectedHash string
	URL          string
}

// VerifyFiles implements spec component F's pure verify_files(pairs) check:
// it re-hashes each path and reports whether it still matches its expected
// hash, with no download and no side effects. DownloadMissing is the
// distinct, side-effecting operation that repairs what this reports.
func (s *Service) VerifyFiles(ctx context.Context, pairs []FileHashPair) map[string]bool {
	results := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		select {
		case <-ctx.Done():
			results[p.Path] = false
			continue
		default:
		}
		ok, err := s.hasher.VerifySHA256(p.Path, p.ExpectedHash)
		results[p.Path] = err == nil && ok
	}
	return results
}

// SweepResult partitions a missing-file sweep's outcome, matching spec
// §4.F's download_missing contract.
type SweepResult struct {
	Downloaded []string
	Skipped    []string
	Failed     []string
}

// DownloadMissing verifies each destination against its expected hash and
// only re-downloads files that fail verification.
func (s *Service) DownloadMissing(ctx context.Context, files []FileHashPair) SweepResult {
	var result SweepResult
	var tasksToFetch []Task
	var indexForTask []int

	for i, f := range files {
		if ok, err := s.hasher.VerifySHA256(f.Path, f.ExpectedHash); err == nil && ok {
			result.Skipped = append(result.Skipped, f.Path)
			continue
		}
		tasksToFetch = append(tasksToFetch, Task{URL: f.URL, DestPath: f.Path, ExpectedHash: f.ExpectedHash})
		indexForTask = append(indexForTask, i)
	}

	if len(tasksToFetch) == 0 {
		return result
	}

	outcomes := s.DownloadFiles(ctx, tasksToFetch)
	for i, outcome := range outcomes {
		path := files[indexForTask[i]].Path
		if outcome.Success {
			result.Downloaded = append(result.Downloaded, path)
		} else {
			result.Failed = append(result.Failed, path)
		}
	}
	return result
}

// Snapshot returns the current counters.
func (s *Service) Snapshot() Stats {
	return Stats{
		Active:    s.active.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Bytes:     s.bytes.Load(),
		CacheHits: s.cacheHits.Load(),
		CacheMiss: s.cacheMisses.Load(),
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
