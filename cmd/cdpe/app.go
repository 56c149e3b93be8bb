package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"cdpe/internal/bandwidth"
	"cdpe/internal/cache"
	"cdpe/internal/download"
	"cdpe/internal/downloadsvc"
	"cdpe/internal/logger"
	"cdpe/internal/pathresolver"
	"cdpe/internal/patch"
	"cdpe/internal/progress"
	"cdpe/internal/security"
	"cdpe/internal/state"
	"cdpe/internal/versionprobe"
)

// appContext wires together every component a subcommand might need. Not
// every subcommand uses every field; unused fields cost nothing to build.
type appContext struct {
	logger       *slog.Logger
	resolver     *pathresolver.Resolver
	store        *state.Store
	cacheStore   *cache.Store
	bandwidth    *bandwidth.Limiter
	bus          *progress.Bus
	engine       *download.Engine
	downloads    *downloadsvc.Service
	prober       *versionprobe.Prober
	orchestrator *patch.Orchestrator
}

const cdnBaseURL = "https://cdn.example.invalid/cdpe"

// setup builds the shared dependency graph from PersistentFlags. Each CLI
// subcommand calls this once instead of going through a GUI bootstrap.
func setup(cmd *cobra.Command, opts *rootOptions) (*appContext, error) {
	resolver := pathresolver.New(opts.root)

	log, err := logger.New(resolver.Root(), cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if opts.verbose {
		log = log.With("verbose", true)
	}

	if err := os.MkdirAll(filepath.Dir(resolver.CacheIndexPath()), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(resolver.CacheIndexPath()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	cacheStore, err := cache.Open(db, cache.Options{MaxBytes: 10 << 30})
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}

	store, err := state.Open(resolver.SettingsPath(), resolver.BuildRecordPath())
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	settings := store.Settings()
	bw := bandwidth.New()
	if settings.MaxDownloadSpeedBps != nil {
		bw.SetLimit(int(*settings.MaxDownloadSpeedBps))
	}

	bus := progress.NewBus()
	engine := download.New(bw, bus)

	maxParallel := 4
	if settings.MaxParallelDownloads != nil {
		maxParallel = *settings.MaxParallelDownloads
	}
	downloads := downloadsvc.New(engine, cacheStore, bus, maxParallel)

	prober := versionprobe.New(nil, cdnBaseURL)
	scanner := security.NewScanner(log)

	orchestrator := patch.New(downloads, store, prober, resolver, scanner, bus, log, cdnBaseURL+"/tools/patcher")

	return &appContext{
		logger:       log,
		resolver:     resolver,
		store:        store,
		cacheStore:   cacheStore,
		bandwidth:    bw,
		bus:          bus,
		engine:       engine,
		downloads:    downloads,
		prober:       prober,
		orchestrator: orchestrator,
	}, nil
}
