// Package state implements spec component J: StateStore, the persisted
// Settings document and per-channel BuildRecord map. The lock-file +
// temp-then-rename write pattern is grounded on
// other_examples/baaaaaaaka-codex-helper's internal/config.Store; the
// forward-only schema migration chain and the legacy-form BuildRecord
// acceptance are new, since neither internal/engine/state.go (which only
// versions a download's resume metadata) nor internal/config/settings.go
// (which stores flat key/value pairs in a DB, not a schema-versioned
// document) needed one.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"cdpe/internal/cdpeerr"
)

// LatestSettingsVersion is the schema version new Settings are written at.
const LatestSettingsVersion = 2

// WindowBounds is the launcher window size, validated at >= 800x600.
type WindowBounds struct {
	Width  int `json:"w"`
	Height int `json:"h"`
}

// Settings is the v2 schema from spec §3.
type Settings struct {
	Version              int          `json:"version"`
	GameDir              string       `json:"game_dir"`
	GameChannel          string       `json:"game_channel"`
	UseCustomJava        bool         `json:"use_custom_java"`
	CustomJavaPath       string       `json:"custom_java_path,omitempty"`
	Language             string       `json:"language"`
	WindowBounds         WindowBounds `json:"window_bounds"`
	ModsEnabled          bool         `json:"mods_enabled"`
	MaxDownloadSpeedBps  *int64       `json:"max_download_speed_bps,omitempty"`
	MaxParallelDownloads *int         `json:"max_parallel_downloads,omitempty"`
	AnalyticsEnabled     bool         `json:"analytics_enabled"`
	AutoUpdateEnabled    bool         `json:"auto_update_enabled"`
	HideLauncher         bool         `json:"hide_launcher"`
	PlayerUUID           string       `json:"player_uuid,omitempty"`
	PlayerName           string       `json:"player_name"`
	SetupURL             string       `json:"setup_url,omitempty"`
}

// DefaultSettings returns a v2 document with safe defaults.
func DefaultSettings() Settings {
	return Settings{
		Version:           LatestSettingsVersion,
		GameChannel:       "latest",
		Language:          "en-US",
		WindowBounds:      WindowBounds{Width: 1280, Height: 800},
		AnalyticsEnabled:  true,
		AutoUpdateEnabled: true,
		PlayerName:        "Player",
	}
}

var validLanguages = map[string]bool{"pt-BR": true, "en-US": true, "es-ES": true}

// ValidateSettings enforces spec §3's Settings invariants.
func ValidateSettings(s Settings) error {
	if !validLanguages[s.Language] {
		return cdpeerr.New(cdpeerr.KindConfigCorrupt, fmt.Sprintf("invalid language %q", s.Language))
	}
	if s.WindowBounds.Width < 800 || s.WindowBounds.Height < 600 {
		return cdpeerr.New(cdpeerr.KindConfigCorrupt, "window bounds below minimum 800x600")
	}
	if s.MaxParallelDownloads != nil && (*s.MaxParallelDownloads < 1 || *s.MaxParallelDownloads > 10) {
		return cdpeerr.New(cdpeerr.KindConfigCorrupt, "max_parallel_downloads out of range [1,10]")
	}
	if s.MaxDownloadSpeedBps != nil && *s.MaxDownloadSpeedBps < 0 {
		return cdpeerr.New(cdpeerr.KindConfigCorrupt, "max_download_speed_bps must be >= 0")
	}
	if s.PlayerName == "" || len(s.PlayerName) > 16 {
		return cdpeerr.New(cdpeerr.KindConfigCorrupt, "player_name must be 1-16 characters")
	}
	return nil
}

// FileEntry is one installed file's path (relative to the channel's game
// directory) and SHA-256 hash, recorded at install/patch time so a later
// verify_files call or scheduled sweep has a manifest to check against.
type FileEntry struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// BuildRecord is one channel's installed-build bookkeeping, per spec §3.
type BuildRecord struct {
	Build       uint64      `json:"build"`
	Channel     string      `json:"channel"`
	InstalledAt time.Time   `json:"installed_at"`
	PatchedAt   *time.Time  `json:"patched_at,omitempty"`
	Files       []FileEntry `json:"files,omitempty"`
}

// BuildRecords is the gameVersion.json document: one record per channel.
type BuildRecords map[string]BuildRecord

// settingsMigrations maps a schema version to the pure function that
// upgrades a raw document from that version to version+1. Registered here
// so the chain stays forward-only and auditable as the schema grows.
var settingsMigrations = map[int]func(map[string]any) map[string]any{
	1: migrateSettingsV1ToV2,
}

// migrateSettingsV1ToV2 adds the v2 fields (analytics_enabled,
// auto_update_enabled, hide_launcher, mods_enabled) with their defaults
// when a v1 document predates them.
func migrateSettingsV1ToV2(raw map[string]any) map[string]any {
	setDefault(raw, "analytics_enabled", true)
	setDefault(raw, "auto_update_enabled", true)
	setDefault(raw, "hide_launcher", false)
	setDefault(raw, "mods_enabled", false)
	if raw["language"] == nil || raw["language"] == "" {
		raw["language"] = "en-US"
	}
	raw["version"] = 2
	return raw
}

func setDefault(raw map[string]any, key string, value any) {
	if _, ok := raw[key]; !ok {
		raw[key] = value
	}
}

// Store persists Settings and BuildRecords to disk, guarded by an
// in-process mutex and a cross-process flock per file.
type Store struct {
	mu sync.Mutex

	settingsPath string
	recordsPath  string
	settingsLock *flock.Flock
	recordsLock  *flock.Flock

	settings     Settings
	buildRecords BuildRecords
}

// Open loads (or defaults) both persisted documents, per spec §4.J steps
// 1-3: parse, migrate forward, validate, and fall back to in-memory
// defaults on any recoverable failure.
func Open(settingsPath, recordsPath string) (*Store, error) {
	s := &Store{
		settingsPath: settingsPath,
		recordsPath:  recordsPath,
		settingsLock: flock.New(settingsPath + ".lock"),
		recordsLock:  flock.New(recordsPath + ".lock"),
	}

	settings, err := loadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	s.settings = settings

	records, err := loadBuildRecords(recordsPath)
	if err != nil {
		return nil, err
	}
	s.buildRecords = records

	return s, nil
}

func loadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return DefaultSettings(), nil
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return DefaultSettings(), nil
	}

	version := 1
	if v, ok := raw["version"].(float64); ok {
		version = int(v)
	}
	if version > LatestSettingsVersion {
		return Settings{}, cdpeerr.New(cdpeerr.KindMigrationFailed, fmt.Sprintf("settings version %d newer than supported %d", version, LatestSettingsVersion))
	}
	for version < LatestSettingsVersion {
		migrate, ok := settingsMigrations[version]
		if !ok {
			return Settings{}, cdpeerr.New(cdpeerr.KindMigrationFailed, fmt.Sprintf("no migration registered from version %d", version))
		}
		raw = migrate(raw)
		version++
	}

	migrated, err := json.Marshal(raw)
	if err != nil {
		return DefaultSettings(), nil
	}
	var settings Settings
	if err := json.Unmarshal(migrated, &settings); err != nil {
		return DefaultSettings(), nil
	}
	if err := ValidateSettings(settings); err != nil {
		return DefaultSettings(), nil
	}
	return settings, nil
}

func loadBuildRecords(path string) (BuildRecords, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return BuildRecords{}, nil
		}
		return BuildRecords{}, nil
	}

	var records BuildRecords
	if err := json.Unmarshal(data, &records); err == nil {
		return records, nil
	}

	// Legacy single-record form: migrate to {"<channel>": record}, defaulting
	// to "latest" when the legacy record didn't carry a channel field.
	var legacy BuildRecord
	if err := json.Unmarshal(data, &legacy); err == nil {
		channel := legacy.Channel
		if channel == "" {
			channel = "latest"
		}
		return BuildRecords{channel: legacy}, nil
	}

	return BuildRecords{}, nil
}

// Settings returns a copy of the current in-memory Settings.
func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SaveSettings validates and atomically persists new Settings. On a
// permission error, the new Settings are still kept in memory and the
// error is returned for the caller to log, per spec §4.J's "must not block
// on a read-only disk" write semantics.
func (s *Store) SaveSettings(settings Settings) error {
	if err := ValidateSettings(settings); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := s.writeLocked(s.settingsLock, s.settingsPath, data); err != nil {
		if os.IsPermission(err) {
			s.settings = settings
		}
		return err
	}
	s.settings = settings
	return nil
}

// BuildRecord returns the record for channel, and whether one exists.
func (s *Store) BuildRecord(channel string) (BuildRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.buildRecords[channel]
	return rec, ok
}

// SetBuildRecord upserts one channel's record and persists the whole map.
func (s *Store) SetBuildRecord(channel string, rec BuildRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := make(BuildRecords, len(s.buildRecords)+1)
	for k, v := range s.buildRecords {
		updated[k] = v
	}
	updated[channel] = rec

	data, err := json.MarshalIndent(updated, "", "  ")
	if err != nil {
		return err
	}
	if err := s.writeLocked(s.recordsLock, s.recordsPath, data); err != nil {
		if os.IsPermission(err) {
			return nil
		}
		return err
	}
	s.buildRecords = updated
	return nil
}

func (s *Store) writeLocked(lock *flock.Flock, path string, data []byte) error {
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()
	return atomicWriteFile(path, data, 0o644)
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := f.Chmod(perm); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
