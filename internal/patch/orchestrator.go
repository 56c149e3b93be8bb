// Package patch implements spec component I: PatchOrchestrator, the
// per-channel install/update/repair state machine. The step-numbered
// comment style and structured slog logging are grounded on
// internal/core/engine.go's executeTask; per-channel mutual exclusion
// generalizes internal/queue/scheduler.go's per-host active-count map (a
// map of locks keyed by name, rather than a map of counters) since spec
// §5 requires channel-level, not host-level, serialization.
package patch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"cdpe/internal/archive"
	"cdpe/internal/cdpeerr"
	"cdpe/internal/downloadsvc"
	"cdpe/internal/hasher"
	"cdpe/internal/pathresolver"
	"cdpe/internal/progress"
	"cdpe/internal/security"
	"cdpe/internal/state"
	"cdpe/internal/versionprobe"
)

const (
	stdoutBufferSize = 10 << 20 // 10 MiB, per spec §4.I
	repairRetries    = 3
	repairRetryDelay = time.Second
)

// ChannelConfig carries the per-channel overrides spec §4.I step 1 and
// §6's local-archive precedence need: an explicit remote URL takes
// priority over an explicit local path, which takes priority over
// PathResolver's newest-ZIP-under-cdn/ scan.
type ChannelConfig struct {
	LocalArchiveURL  string
	LocalArchivePath string
}

// Orchestrator manages the lifecycle of every channel's installed build.
type Orchestrator struct {
	downloads *downloadsvc.Service
	store     *state.Store
	prober    *versionprobe.Prober
	resolver  *pathresolver.Resolver
	scanner   security.Scanner
	hasher    *hasher.Hasher
	bus       *progress.Bus
	logger    *slog.Logger

	toolURL string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds an Orchestrator. scanner may be nil to skip post-install
// antivirus scanning entirely.
func New(downloads *downloadsvc.Service, store *state.Store, prober *versionprobe.Prober, resolver *pathresolver.Resolver, scanner security.Scanner, bus *progress.Bus, logger *slog.Logger, toolURL string) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		downloads: downloads,
		store:     store,
		prober:    prober,
		resolver:  resolver,
		scanner:   scanner,
		hasher:    hasher.New(),
		bus:       bus,
		logger:    logger,
		toolURL:   toolURL,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) channelLock(channel string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	lock, ok := o.locks[channel]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[channel] = lock
	}
	return lock
}

func (o *Orchestrator) emit(stage progress.Stage, percent float64, message string) {
	if o.bus == nil {
		return
	}
	o.bus.Emit(progress.Event{Stage: stage, Percent: percent, Message: message})
}

// InstallOrUpdate implements spec §4.I's install_or_update(channel),
// serialized per channel (different channels progress concurrently).
func (o *Orchestrator) InstallOrUpdate(ctx context.Context, channel string, cfg ChannelConfig) error {
	lock := o.channelLock(channel)
	lock.Lock()
	defer lock.Unlock()

	o.logger.Info("install_or_update starting", "channel", channel)
	o.emit(progress.StageChecking, 0, fmt.Sprintf("checking %s", channel))

	// Step 1: local archive precedence, per OQ-1: explicit URL > explicit
	// path > PathResolver's newest-ZIP-under-cdn/ scan.
	if installed, err := o.tryLocalArchive(ctx, channel, cfg); err != nil {
		return err
	} else if installed {
		o.logger.Info("installed from local archive", "channel", channel)
		return nil
	}

	// Step 2: ground truth on disk overrides the recorded state.
	rec, ok := o.store.BuildRecord(channel)
	if !ok || !o.executableExists(channel) {
		rec = state.BuildRecord{Build: 0, Channel: channel}
	}

	if rec.Build == 0 {
		if err := o.freshInstall(ctx, channel); err != nil {
			return err
		}
		rec, _ = o.store.BuildRecord(channel)
	}

	// Step 3: walk forward one incremental patch at a time.
	for {
		next, err := o.prober.FindNextPatch(ctx, channel, rec.Build)
		if err != nil {
			return cdpeerr.Wrap(cdpeerr.KindNetworkTransport, "find_next_patch", err).WithContext("channel", channel)
		}
		if next == nil {
			break
		}
		if err := o.applyOrRescue(ctx, channel, *next); err != nil {
			return err
		}
		rec = o.recordPatched(channel, next.ToBuild)
	}

	o.emit(progress.StageComplete, 100, fmt.Sprintf("%s up to date at build %d", channel, rec.Build))
	return nil
}

func (o *Orchestrator) tryLocalArchive(ctx context.Context, channel string, cfg ChannelConfig) (bool, error) {
	archivePath := ""
	fromRemote := false

	switch {
	case cfg.LocalArchiveURL != "":
		dest := filepath.Join(o.resolver.TempDir(), fmt.Sprintf("%s-archive.zip", channel))
		res := o.downloads.DownloadFile(ctx, downloadsvc.Task{URL: cfg.LocalArchiveURL, DestPath: dest})
		if !res.Success {
			return false, res.Err
		}
		archivePath = dest
		fromRemote = true
	case cfg.LocalArchivePath != "":
		archivePath = cfg.LocalArchivePath
	default:
		override, err := o.resolver.LocalArchiveOverride()
		if err != nil {
			return false, nil
		}
		archivePath = override
	}

	if archivePath == "" {
		return false, nil
	}

	gameDir := o.resolver.GameDir(channel)
	if err := os.MkdirAll(gameDir, 0o755); err != nil {
		return false, err
	}
	if err := archive.ExtractZip(archivePath, gameDir); err != nil {
		o.logger.Warn("local archive extraction failed, falling back to fresh install", "channel", channel, "error", err)
		return false, nil
	}
	if fromRemote {
		os.Remove(archivePath)
	}

	if !o.executableExists(channel) {
		return false, nil
	}

	// OQ-2: no BuildRecord exists yet for this archive-synthesized install,
	// so we assume the CDN's current latest base is what was just
	// extracted. This is a known approximation: if the archive is actually
	// older than the CDN's latest base, later incremental patches will be
	// applied to a stale tree and rely on apply_or_rescue to recover.
	latest, err := o.prober.FindLatestBase(ctx, channel)
	if err != nil {
		return false, cdpeerr.Wrap(cdpeerr.KindNetworkTransport, "find_latest_base after local archive", err)
	}
	build := uint64(0)
	if latest != nil {
		build = latest.ToBuild
	}
	o.recordPatched(channel, build)
	return true, nil
}

func (o *Orchestrator) freshInstall(ctx context.Context, channel string) error {
	o.logger.Info("fresh install starting", "channel", channel)
	base, err := o.prober.FindLatestBase(ctx, channel)
	if err != nil {
		return cdpeerr.Wrap(cdpeerr.KindNetworkTransport, "find_latest_base", err).WithContext("channel", channel)
	}
	if base == nil {
		return cdpeerr.New(cdpeerr.KindNetworkTransport, "no base build available").WithContext("channel", channel)
	}
	if err := o.applyPatch(ctx, channel, *base); err != nil {
		return err
	}
	o.recordPatched(channel, base.ToBuild)
	return nil
}

// applyOrRescue implements spec §4.I: try the incremental patch; on any
// failure, fall back to a full 0->to_build rescue patch exactly once (the
// rescue itself is never rescued).
func (o *Orchestrator) applyOrRescue(ctx context.Context, channel string, patchInfo versionprobe.PatchInfo) error {
	if err := o.applyPatch(ctx, channel, patchInfo); err != nil {
		o.logger.Warn("incremental patch failed, attempting rescue", "channel", channel, "from", patchInfo.FromBuild, "to", patchInfo.ToBuild, "error", err)
		o.emit(progress.StageRescueMode, 0, fmt.Sprintf("rescuing %s to build %d", channel, patchInfo.ToBuild))
		rescue := versionprobe.PatchInfo{FromBuild: 0, ToBuild: patchInfo.ToBuild, URL: o.prober.PatchURL(channel, 0, patchInfo.ToBuild), IsFull: true}
		if rescueErr := o.applyPatch(ctx, channel, rescue); rescueErr != nil {
			return cdpeerr.Wrap(cdpeerr.KindPatchApplyFailed, "rescue patch failed", rescueErr).WithContext("channel", channel).WithContext("to_build", patchInfo.ToBuild)
		}
	}
	return nil
}

// applyPatch implements spec §4.I's apply_patch: download the .pwr blob,
// ensure the game directory exists, invoke the external patch tool, and
// always clean up the blob and staging directory.
func (o *Orchestrator) applyPatch(ctx context.Context, channel string, patchInfo versionprobe.PatchInfo) error {
	o.emit(progress.StagePatching, 0, fmt.Sprintf("patching %s %d->%d", channel, patchInfo.FromBuild, patchInfo.ToBuild))

	blobPath := filepath.Join(o.resolver.CacheDir(), fmt.Sprintf("%s-%d-%d.pwr", channel, patchInfo.FromBuild, patchInfo.ToBuild))
	stagingDir := filepath.Join(o.resolver.TempDir(), fmt.Sprintf("staging-%s-%d-%d", channel, patchInfo.FromBuild, patchInfo.ToBuild))
	defer func() {
		os.Remove(blobPath)
		os.RemoveAll(stagingDir)
	}()

	res := o.downloads.DownloadFile(ctx, downloadsvc.Task{URL: patchInfo.URL, DestPath: blobPath})
	if !res.Success {
		return cdpeerr.Wrap(cdpeerr.KindNetworkTransport, "download patch blob", res.Err).WithContext("url", patchInfo.URL)
	}

	gameDir := o.resolver.GameDir(channel)
	if err := os.MkdirAll(gameDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return err
	}

	toolPath, err := o.ensureToolProvisioned(ctx)
	if err != nil {
		return cdpeerr.Wrap(cdpeerr.KindPatchApplyFailed, "provision patch tool", err)
	}

	if err := o.runPatchTool(ctx, toolPath, stagingDir, blobPath, gameDir); err != nil {
		return cdpeerr.Wrap(cdpeerr.KindPatchApplyFailed, "patch tool invocation", err).WithContext("from", patchInfo.FromBuild).WithContext("to", patchInfo.ToBuild)
	}

	if o.scanner != nil {
		target := security.ScanTarget{Path: o.resolver.ExecutablePath(channel), Channel: channel, Build: patchInfo.ToBuild}
		if err := o.scanner.ScanFile(ctx, target); err != nil {
			o.logger.Warn("post-install scan flagged installed build", "channel", channel, "build", patchInfo.ToBuild, "error", err)
		}
	}

	return nil
}

func (o *Orchestrator) runPatchTool(ctx context.Context, toolPath, stagingDir, blobPath, gameDir string) error {
	args := []string{"apply", "--staging-dir=" + stagingDir, blobPath, gameDir}
	cmd := exec.CommandContext(ctx, toolPath, args...)

	var stdout bytes.Buffer
	stdout.Grow(stdoutBufferSize)
	cmd.Stdout = &stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	o.logger.Info("invoking patch tool", "tool", toolPath, "args", args)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}

// ensureToolProvisioned implements spec §4.I's one-time external tool
// provisioning: download from toolURL, extract, and mark executable on
// non-Windows when the binary isn't already present under tools/.
func (o *Orchestrator) ensureToolProvisioned(ctx context.Context) (string, error) {
	toolPath := o.resolver.ToolPath()

	if _, err := os.Stat(toolPath); err == nil {
		return toolPath, nil
	}

	if o.toolURL == "" {
		return "", cdpeerr.New(cdpeerr.KindPermission, "patch tool missing and no provisioning URL configured")
	}

	if err := os.MkdirAll(o.resolver.ToolsDir(), 0o755); err != nil {
		return "", err
	}

	if archive.IsArchive(o.toolURL) {
		dest := filepath.Join(o.resolver.TempDir(), "tool-download.zip")
		res := o.downloads.DownloadFile(ctx, downloadsvc.Task{URL: o.toolURL, DestPath: dest})
		if !res.Success {
			return "", res.Err
		}
		defer os.Remove(dest)
		if err := archive.ExtractZip(dest, o.resolver.ToolsDir()); err != nil {
			return "", err
		}
	} else {
		res := o.downloads.DownloadFile(ctx, downloadsvc.Task{URL: o.toolURL, DestPath: toolPath})
		if !res.Success {
			return "", res.Err
		}
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(toolPath, 0o755); err != nil {
			return "", err
		}
	}
	return toolPath, nil
}

// Repair implements spec §4.I's repair operation: delete the channel's
// game directory, tolerating transient file locks left by a just-exited
// process with up to 3 retries spaced 1s apart.
func (o *Orchestrator) Repair(channel string) error {
	lock := o.channelLock(channel)
	lock.Lock()
	defer lock.Unlock()

	gameDir := o.resolver.GameDir(channel)
	var lastErr error
	for attempt := 0; attempt <= repairRetries; attempt++ {
		if err := os.RemoveAll(gameDir); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt < repairRetries {
			time.Sleep(repairRetryDelay)
		}
	}
	return cdpeerr.Wrap(cdpeerr.KindPermission, "repair: remove game directory", lastErr).WithContext("channel", channel)
}

func (o *Orchestrator) executableExists(channel string) bool {
	_, err := os.Stat(o.resolver.ExecutablePath(channel))
	return err == nil
}

func (o *Orchestrator) recordPatched(channel string, build uint64) state.BuildRecord {
	now := time.Now().UTC()
	rec := state.BuildRecord{Build: build, Channel: channel, InstalledAt: now, PatchedAt: &now, Files: o.buildManifest(channel)}
	if err := o.store.SetBuildRecord(channel, rec); err != nil {
		o.logger.Warn("failed to persist build record", "channel", channel, "error", err)
	}
	return rec
}

// buildManifest walks channel's game directory and hashes every regular
// file, giving verify_files and the scheduled sweep a concrete manifest to
// check the installed build against. Hashing failures are skipped rather
// than aborting the whole walk, so one unreadable file doesn't blank the
// manifest for every other file in the build.
func (o *Orchestrator) buildManifest(channel string) []state.FileEntry {
	gameDir := o.resolver.GameDir(channel)
	var files []state.FileEntry
	filepath.Walk(gameDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(gameDir, path)
		if relErr != nil {
			return nil
		}
		digest, hashErr := o.hasher.Hash(path, hasher.SHA256)
		if hashErr != nil {
			o.logger.Warn("could not hash installed file for manifest", "channel", channel, "path", rel, "error", hashErr)
			return nil
		}
		files = append(files, state.FileEntry{Path: rel, Hash: digest.SHA256})
		return nil
	})
	return files
}
