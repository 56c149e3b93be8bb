package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func paths(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "user-settings.json"), filepath.Join(dir, "gameVersion.json")
}

func TestOpenWithNoFilesYieldsDefaults(t *testing.T) {
	settingsPath, recordsPath := paths(t)
	s, err := Open(settingsPath, recordsPath)
	require.NoError(t, err)
	require.Equal(t, LatestSettingsVersion, s.Settings().Version)
	_, ok := s.BuildRecord("latest")
	require.False(t, ok)
}

func TestSaveSettingsRoundTrips(t *testing.T) {
	settingsPath, recordsPath := paths(t)
	s, err := Open(settingsPath, recordsPath)
	require.NoError(t, err)

	updated := s.Settings()
	updated.PlayerName = "Azura"
	require.NoError(t, s.SaveSettings(updated))

	reopened, err := Open(settingsPath, recordsPath)
	require.NoError(t, err)
	require.Equal(t, "Azura", reopened.Settings().PlayerName)
}

func TestSaveSettingsRejectsInvalidWindowBounds(t *testing.T) {
	settingsPath, recordsPath := paths(t)
	s, err := Open(settingsPath, recordsPath)
	require.NoError(t, err)

	bad := s.Settings()
	bad.WindowBounds = WindowBounds{Width: 100, Height: 100}
	require.Error(t, s.SaveSettings(bad))
}

func TestV1SettingsMigrateForward(t *testing.T) {
	settingsPath, recordsPath := paths(t)
	v1 := `{"version":1,"game_dir":"/games/x","game_channel":"latest","language":"en-US","window_bounds":{"w":1024,"h":768},"player_name":"Old"}`
	require.NoError(t, os.WriteFile(settingsPath, []byte(v1), 0o644))

	s, err := Open(settingsPath, recordsPath)
	require.NoError(t, err)
	settings := s.Settings()
	require.Equal(t, LatestSettingsVersion, settings.Version)
	require.True(t, settings.AnalyticsEnabled)
	require.True(t, settings.AutoUpdateEnabled)
	require.Equal(t, "Old", settings.PlayerName)
}

func TestBuildRecordUpsertAndPersist(t *testing.T) {
	settingsPath, recordsPath := paths(t)
	s, err := Open(settingsPath, recordsPath)
	require.NoError(t, err)

	rec := BuildRecord{Build: 7, Channel: "latest", InstalledAt: time.Now().UTC()}
	require.NoError(t, s.SetBuildRecord("latest", rec))

	got, ok := s.BuildRecord("latest")
	require.True(t, ok)
	require.EqualValues(t, 7, got.Build)

	reopened, err := Open(settingsPath, recordsPath)
	require.NoError(t, err)
	got2, ok := reopened.BuildRecord("latest")
	require.True(t, ok)
	require.EqualValues(t, 7, got2.Build)
}

func TestLegacyBuildRecordFormMigrates(t *testing.T) {
	settingsPath, recordsPath := paths(t)
	legacy := `{"build":5,"channel":"latest","installed_at":"2025-01-01T00:00:00Z"}`
	require.NoError(t, os.WriteFile(recordsPath, []byte(legacy), 0o644))

	s, err := Open(settingsPath, recordsPath)
	require.NoError(t, err)
	got, ok := s.BuildRecord("latest")
	require.True(t, ok)
	require.EqualValues(t, 5, got.Build)
}

func TestChannelIsolationDoesNotClobberOtherChannels(t *testing.T) {
	settingsPath, recordsPath := paths(t)
	s, err := Open(settingsPath, recordsPath)
	require.NoError(t, err)

	require.NoError(t, s.SetBuildRecord("latest", BuildRecord{Build: 7, Channel: "latest"}))
	require.NoError(t, s.SetBuildRecord("beta", BuildRecord{Build: 3, Channel: "beta"}))

	latest, ok := s.BuildRecord("latest")
	require.True(t, ok)
	require.EqualValues(t, 7, latest.Build)

	beta, ok := s.BuildRecord("beta")
	require.True(t, ok)
	require.EqualValues(t, 3, beta.Build)
}
