// Package cache implements spec component E: a content-addressed download
// cache with LRU+frequency eviction and an integrity self-check on start.
// spec §4.E describes the index as "a single manifest file"; this
// implementation persists it through gorm+sqlite instead (Open Question
// OQ-4 in SPEC_FULL.md), the same stack internal/storage/models.go uses for
// DownloadTask bookkeeping, while keeping the manifest's observable
// behavior: single-writer mutation, a full read on startup, and a
// verify_integrity sweep that silently drops corrupted entries.
package cache

import (
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"cdpe/internal/cdpeerr"
	"cdpe/internal/hasher"
)

// Entry mirrors spec §3's CacheEntry. GORM column tags follow the same
// convention internal/storage/models.go uses for DownloadTask.
type Entry struct {
	Key          string `gorm:"primaryKey"`
	Path         string
	Size         int64
	MD5          string
	SHA1         string
	SHA256       string
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  uint64
}

func (Entry) TableName() string { return "cache_entries" }

// score implements the eviction ranking spec §4.E defines: freshness in ms
// plus one minute of recency credit per access.
func (e Entry) score() int64 {
	return e.LastAccessed.UnixMilli() + int64(e.AccessCount)*60_000
}

// Store is a content-addressed cache rooted at a directory, indexed by URL.
type Store struct {
	mu      sync.Mutex
	db      *gorm.DB
	hasher  *hasher.Hasher
	maxByte int64
	maxAge  time.Duration
}

// Options configures eviction limits.
type Options struct {
	MaxBytes int64
	MaxAge   time.Duration
}

// Open opens (creating if absent) the cache index backed by db, which the
// caller constructs (glebarez/sqlite in production, an in-memory gorm.DB in
// tests).
func Open(db *gorm.DB, opts Options) (*Store, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &Store{
		db:      db,
		hasher:  hasher.New(),
		maxByte: opts.MaxBytes,
		maxAge:  opts.MaxAge,
	}, nil
}

// Get returns the cached path for url after re-validating size and SHA-256.
// A stale or tampered entry is evicted and ("", false, nil) is returned,
// never an error — integrity failures are CacheCorrupt, handled silently
// per spec §7.
func (s *Store) Get(url string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entry Entry
	if err := s.db.First(&entry, "key = ?", url).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}

	if !s.validate(entry) {
		s.removeLocked(entry)
		return "", false, nil
	}

	entry.LastAccessed = time.Now()
	entry.AccessCount++
	if err := s.db.Save(&entry).Error; err != nil {
		return "", false, err
	}
	return entry.Path, true, nil
}

// Put records url as cached at srcPath with the given digest, evicting
// older entries as needed to stay within MaxBytes. The cache indexes the
// file at its existing location rather than copying it, per spec §4.E.
func (s *Store) Put(url, srcPath string, digest hasher.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.hasher.VerifySHA256(srcPath, digest.SHA256)
	if err != nil {
		return err
	}
	if !ok {
		return cdpeerr.New(cdpeerr.KindCacheCorrupt, "source file does not match provided digest").WithContext("url", url)
	}

	if s.maxByte > 0 {
		if err := s.evictLocked(digest.Size); err != nil {
			return err
		}
	}

	now := time.Now()
	entry := Entry{
		Key:          url,
		Path:         srcPath,
		Size:         digest.Size,
		MD5:          digest.MD5,
		SHA1:         digest.SHA1,
		SHA256:       digest.SHA256,
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  1,
	}
	return s.db.Save(&entry).Error
}

// Remove deletes the referenced file (if present) and drops the entry.
func (s *Store) Remove(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entry Entry
	if err := s.db.First(&entry, "key = ?", url).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return s.removeLocked(entry)
}

// Clear removes every referenced file and empties the index.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []Entry
	if err := s.db.Find(&entries).Error; err != nil {
		return err
	}
	for _, e := range entries {
		os.Remove(e.Path)
	}
	return s.db.Where("1 = 1").Delete(&Entry{}).Error
}

// VerifyIntegrity iterates every entry and evicts any whose file is
// missing, resized, or hash-mismatched. Invoked on service start per spec
// §4.E. It also prunes entries older than maxAge.
func (s *Store) VerifyIntegrity() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []Entry
	if err := s.db.Find(&entries).Error; err != nil {
		return err
	}

	now := time.Now()
	for _, e := range entries {
		if s.maxAge > 0 && now.Sub(e.CreatedAt) > s.maxAge {
			s.removeLocked(e)
			continue
		}
		if !s.validate(e) {
			s.removeLocked(e)
		}
	}
	return nil
}

func (s *Store) validate(e Entry) bool {
	info, err := os.Stat(e.Path)
	if err != nil || info.Size() != e.Size {
		return false
	}
	ok, err := s.hasher.VerifySHA256(e.Path, e.SHA256)
	return err == nil && ok
}

func (s *Store) removeLocked(e Entry) error {
	os.Remove(e.Path)
	return s.db.Delete(&Entry{}, "key = ?", e.Key).Error
}

// evictLocked frees at least `additional` bytes of headroom below
// maxByte, evicting in ascending score order (lowest freshness+frequency
// first) per spec §4.E.
func (s *Store) evictLocked(additional int64) error {
	var entries []Entry
	if err := s.db.Find(&entries).Error; err != nil {
		return err
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	if total+additional <= s.maxByte {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].score() < entries[j].score() })
	for _, e := range entries {
		if total+additional <= s.maxByte {
			break
		}
		if err := s.removeLocked(e); err != nil {
			return err
		}
		total -= e.Size
	}
	return nil
}
