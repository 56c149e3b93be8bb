// Package pathresolver derives the canonical on-disk locations used by the
// rest of the engine from a single application root, the way
// internal/core/os_utils.go derives the default download directory and
// internal/filesystem/allocator.go resolves the volume backing a path.
// Every function here is pure beyond a stat/readdir; none of them open or
// write files.
package pathresolver

import (
	"os"
	"path/filepath"
	"runtime"
)

// Resolver derives paths rooted at a single application directory.
type Resolver struct {
	root string
}

// New returns a Resolver rooted at root. root is made absolute eagerly so
// every derived path is stable regardless of the process's working
// directory at call time.
func New(root string) *Resolver {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return &Resolver{root: abs}
}

// Root returns the application root directory.
func (r *Resolver) Root() string { return r.root }

// GameDir returns the directory a given channel's game files live in.
func (r *Resolver) GameDir(channel string) string {
	return filepath.Join(r.root, "install", "release", "package", "game", channel)
}

// ExecutablePath returns the conventional client executable path for a
// channel, matching the launcher's on-disk layout contract in spec §6.
func (r *Resolver) ExecutablePath(channel string) string {
	name := "Client"
	if isWindows() {
		name = "Client.exe"
	}
	return filepath.Join(r.GameDir(channel), name)
}

// ServerJarPath returns the conventional server jar path for a channel,
// the archive-target counterpart to ExecutablePath for patching purposes.
func (r *Resolver) ServerJarPath(channel string) string {
	return filepath.Join(r.GameDir(channel), "server.jar")
}

// JREDir returns the bundled Java runtime directory.
func (r *Resolver) JREDir() string {
	return filepath.Join(r.root, "install", "release", "package", "jre", "latest")
}

// CacheDir returns the download cache root.
func (r *Resolver) CacheDir() string {
	return filepath.Join(r.root, "cache")
}

// CacheIndexPath returns the manifest/database file backing the cache index.
func (r *Resolver) CacheIndexPath() string {
	return filepath.Join(r.CacheDir(), "index.db")
}

// ToolsDir returns the directory the external differential-patch tool
// binary is stored in.
func (r *Resolver) ToolsDir() string {
	return filepath.Join(r.root, "tools")
}

// ToolPath returns the path of the external patch tool binary for this
// platform.
func (r *Resolver) ToolPath() string {
	name := "patcher"
	if isWindows() {
		name = "patcher.exe"
	}
	return filepath.Join(r.ToolsDir(), name)
}

// TempDir returns a scratch directory for staging patch application and
// archive extraction.
func (r *Resolver) TempDir() string {
	return filepath.Join(r.root, "temp")
}

// UserDataDir returns the directory owned by the launcher collaborator for
// user profile data; the CDPE never writes here but needs to know where it
// is to avoid colliding with it during repair.
func (r *Resolver) UserDataDir() string {
	return filepath.Join(r.root, "UserData")
}

// SettingsPath returns the Settings document path.
func (r *Resolver) SettingsPath() string {
	return filepath.Join(r.root, "user-settings.json")
}

// BuildRecordPath returns the per-channel BuildRecord map document path.
func (r *Resolver) BuildRecordPath() string {
	return filepath.Join(r.root, "gameVersion.json")
}

// LocalArchiveOverride returns the newest .zip under <app>/cdn, or "" if
// none exists. This implements the fallback leg of the local-archive
// override precedence (spec §9, Open Question 1): explicit config URL,
// then explicit config file path, then this.
func (r *Resolver) LocalArchiveOverride() (string, error) {
	dir := filepath.Join(r.root, "cdn")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	var newestPath string
	var newestMod int64
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".zip" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mt := info.ModTime().UnixNano(); mt > newestMod {
			newestMod = mt
			newestPath = filepath.Join(dir, entry.Name())
		}
	}
	return newestPath, nil
}

func isWindows() bool {
	return runtime.GOOS == "windows"
}
