// Package schedule runs periodic maintenance jobs against the installed
// channels' game directories, grounded on internal/core/scheduler.go's
// robfig/cron wiring (a mutex-guarded *cron.Cron with swappable entries).
// That scheduler started and stopped a download queue on a wall-clock
// window; CDPE has no queue to pause, so the one job it schedules is a
// periodic file-integrity sweep instead.
package schedule

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"cdpe/internal/downloadsvc"
)

// VerifyTarget is one channel's installed-file manifest to re-verify: the
// path/hash pairs recorded in that channel's state.BuildRecord at the last
// install or patch.
type VerifyTarget struct {
	Channel string
	Files   []downloadsvc.FileHashPair
}

// TargetsFunc returns the current verify targets at sweep time, since the
// installed channel set (and each channel's manifest) can change between
// runs.
type TargetsFunc func() []VerifyTarget

// RepairFunc is invoked once per channel that the sweep finds drifted, so a
// caller with access to PatchOrchestrator can decide how to reconcile it
// (e.g. repair + reinstall). May be nil to only log drift.
type RepairFunc func(channel string) error

// Scheduler runs a verify_files sweep on a cron schedule.
type Scheduler struct {
	logger  *slog.Logger
	cron    *cron.Cron
	mu      sync.Mutex
	entryID cron.EntryID

	downloads *downloadsvc.Service
	targets   TargetsFunc
	repair    RepairFunc
}

// New builds a Scheduler. targets is called fresh on every sweep; repair
// may be nil.
func New(logger *slog.Logger, downloads *downloadsvc.Service, targets TargetsFunc, repair RepairFunc) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:    logger,
		cron:      cron.New(),
		downloads: downloads,
		targets:   targets,
		repair:    repair,
	}
}

// Start begins running the cron scheduler's goroutine. It does not, by
// itself, schedule any job; call SetInterval for that.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// SetInterval (re)schedules the verify_files sweep at the given standard
// 5-field cron spec (e.g. "0 */6 * * *" for every six hours), replacing any
// previously scheduled sweep. An empty spec disables the sweep.
func (s *Scheduler) SetInterval(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
		s.entryID = 0
	}
	if spec == "" {
		return nil
	}

	id, err := s.cron.AddFunc(spec, s.runSweep)
	if err != nil {
		return err
	}
	s.entryID = id
	return nil
}

// runSweep re-verifies every known channel's files against their expected
// hashes via the pure verify_files check, logs what drifted, and asks
// repair (if set) to reconcile any channel with at least one mismatch.
func (s *Scheduler) runSweep() {
	targets := s.targets()
	for _, target := range targets {
		if len(target.Files) == 0 {
			continue
		}
		statuses := s.downloads.VerifyFiles(context.Background(), target.Files)

		var drifted []string
		for _, f := range target.Files {
			if !statuses[f.Path] {
				drifted = append(drifted, f.Path)
			}
		}
		if len(drifted) == 0 {
			continue
		}

		s.logger.Info("verify_files sweep found drift", "channel", target.Channel, "paths", drifted)

		if s.repair == nil {
			continue
		}
		if err := s.repair(target.Channel); err != nil {
			s.logger.Warn("verify_files sweep could not repair channel", "channel", target.Channel, "error", err)
		}
	}
}
