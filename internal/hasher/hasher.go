// Package hasher implements spec component A: a streaming multi-algorithm
// digest over a file in one pass. It generalizes
// internal/integrity/verifier.go's CalculateHash (one algorithm, one pass
// per call) into a single read producing any subset of {md5, sha1, sha256}
// at once, which is what DownloadEngine's post-verification and CacheStore's
// integrity sweep both need without re-reading large files per algorithm.
package hasher

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
)

// chunkSize matches the 8 MiB read size spec §4.A calls for.
const chunkSize = 8 * 1024 * 1024

// Algorithm names accepted by Hash to select which digests it computes.
const (
	MD5    = "md5"
	SHA1   = "sha1"
	SHA256 = "sha256"
)

// Digest holds the computed hashes and size of one pass over a file.
type Digest struct {
	Size   int64
	MD5    string
	SHA1   string
	SHA256 string
}

// Hasher computes Digests. It carries no state; a Hasher is safe for
// concurrent use across independent files.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash streams path once, computing every hash in want. An empty want
// defaults to all three, matching the cache and download engine's default
// need for a full FileHash record.
func (h *Hasher) Hash(path string, want ...string) (Digest, error) {
	if len(want) == 0 {
		want = []string{MD5, SHA1, SHA256}
	}

	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()

	hashers := make(map[string]hash.Hash, len(want))
	writers := make([]io.Writer, 0, len(want))
	for _, algo := range want {
		var hh hash.Hash
		switch algo {
		case MD5:
			hh = md5.New()
		case SHA1:
			hh = sha1.New()
		case SHA256:
			hh = sha256.New()
		default:
			continue
		}
		hashers[algo] = hh
		writers = append(writers, hh)
	}

	mw := io.MultiWriter(writers...)
	size, err := io.CopyBuffer(mw, f, make([]byte, chunkSize))
	if err != nil {
		return Digest{}, err
	}

	d := Digest{Size: size}
	if hh, ok := hashers[MD5]; ok {
		d.MD5 = hex.EncodeToString(hh.Sum(nil))
	}
	if hh, ok := hashers[SHA1]; ok {
		d.SHA1 = hex.EncodeToString(hh.Sum(nil))
	}
	if hh, ok := hashers[SHA256]; ok {
		d.SHA256 = hex.EncodeToString(hh.Sum(nil))
	}
	return d, nil
}

// VerifySHA256 re-hashes path and compares against expected, the single
// fast-path check CacheStore.get and DownloadEngine's post-verification
// both perform without needing MD5/SHA1.
func (h *Hasher) VerifySHA256(path string, expected string) (bool, error) {
	d, err := h.Hash(path, SHA256)
	if err != nil {
		return false, err
	}
	return d.SHA256 == expected, nil
}
