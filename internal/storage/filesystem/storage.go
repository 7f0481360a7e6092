// Package filesystem implements the content blob store (§3, §4.1) as a
// content-addressed directory tree of framed ciphertext, the way the
// teacher's object store lays out blobs under a sharded DataDir.
package filesystem

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash/maphash"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prn-tf/rammingen/internal/storage"
)

// shardCount bounds the number of mutexes hashLocks allocates; content
// hashes are distributed across them by a seeded maphash of the hash string
// so concurrent uploads of different blobs rarely contend.
const shardCount = 256

// hashLocks is a fixed-size array of mutexes indexed by a cheap hash of the
// blob's content hash, giving per-blob write exclusion without a global
// lock across the whole store.
type hashLocks struct {
	seed  maphash.Seed
	mus   [shardCount]sync.Mutex
}

func newHashLocks() *hashLocks {
	return &hashLocks{seed: maphash.MakeSeed()}
}

func (h *hashLocks) index(contentHash string) uint64 {
	var mh maphash.Hash
	mh.SetSeed(h.seed)
	_, _ = mh.WriteString(contentHash)
	return mh.Sum64() % shardCount
}

func (h *hashLocks) Lock(contentHash string)   { h.mus[h.index(contentHash)].Lock() }
func (h *hashLocks) Unlock(contentHash string) { h.mus[h.index(contentHash)].Unlock() }

// Config configures a Storage instance.
type Config struct {
	DataDir string
	TempDir string
}

// Storage is the unencrypted building block every backend in this package
// wraps: it knows only how to lay bytes out under a content-hash-sharded
// directory tree atomically (write to TempDir, rename into place).
type Storage struct {
	mu         sync.RWMutex
	dataDir    string
	tempDir    string
	pathConfig storage.PathConfig
	shards     *hashLocks
	logger     zerolog.Logger
}

// NewStorage creates the data and temp directories if missing and returns a
// ready Storage.
func NewStorage(cfg Config, logger zerolog.Logger) (*Storage, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &Storage{
		dataDir:    cfg.DataDir,
		tempDir:    cfg.TempDir,
		pathConfig: storage.DefaultPathConfig(cfg.DataDir),
		shards:     newHashLocks(),
		logger:     logger,
	}, nil
}

// Store writes r to a temp file while hashing it, then atomically renames it
// into its content-addressed location. Returns the hex SHA-256 of what was
// written; the hash is computed here, the caller supplies none.
func (s *Storage) Store(ctx context.Context, r io.Reader, size int64) (string, error) {
	tempFile, err := os.CreateTemp(s.tempDir, "blob-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer func() {
		tempFile.Close()
		os.Remove(tempPath)
	}()

	h := sha256.New()
	written, err := io.Copy(tempFile, io.TeeReader(r, h))
	if err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if size > 0 && written != size {
		return "", fmt.Errorf("size mismatch: expected %d, got %d", size, written)
	}
	if err := tempFile.Sync(); err != nil {
		return "", fmt.Errorf("sync blob: %w", err)
	}
	tempFile.Close()

	contentHash := fmt.Sprintf("%x", h.Sum(nil))

	s.shards.Lock(contentHash)
	defer s.shards.Unlock(contentHash)

	targetDir := storage.ComputeDir(s.pathConfig, contentHash)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}
	fullPath := storage.ComputePath(s.pathConfig, contentHash)
	if _, err := os.Stat(fullPath); err == nil {
		s.logger.Debug().Str("content_hash", contentHash).Msg("blob already exists, deduplicated")
		return contentHash, nil
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		return "", fmt.Errorf("finalize blob: %w", err)
	}
	return contentHash, nil
}

// Retrieve opens the raw (still encrypted) blob file.
func (s *Storage) Retrieve(ctx context.Context, contentHash string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(storage.ComputePath(s.pathConfig, contentHash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrBlobNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// Delete removes a blob. Missing blobs are not an error.
func (s *Storage) Delete(ctx context.Context, contentHash string) error {
	s.shards.Lock(contentHash)
	defer s.shards.Unlock(contentHash)

	if err := os.Remove(storage.ComputePath(s.pathConfig, contentHash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Exists reports whether a blob is present.
func (s *Storage) Exists(ctx context.Context, contentHash string) (bool, error) {
	_, err := os.Stat(storage.ComputePath(s.pathConfig, contentHash))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}

// GetSize returns the on-disk size of the blob.
func (s *Storage) GetSize(ctx context.Context, contentHash string) (int64, error) {
	info, err := os.Stat(storage.ComputePath(s.pathConfig, contentHash))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, storage.ErrBlobNotFound
		}
		return 0, fmt.Errorf("stat blob: %w", err)
	}
	return info.Size(), nil
}

// GetPath returns the full path a blob is stored at.
func (s *Storage) GetPath(contentHash string) string {
	return storage.ComputePath(s.pathConfig, contentHash)
}

// GetDataDir returns the storage root.
func (s *Storage) GetDataDir() string { return s.dataDir }

// GetTempDir returns the staging directory used for atomic writes.
func (s *Storage) GetTempDir() string { return s.tempDir }

// HealthCheck verifies DataDir is reachable and writable by staging and
// removing a throwaway file.
func (s *Storage) HealthCheck(ctx context.Context) error {
	f, err := os.CreateTemp(s.tempDir, "healthcheck-*")
	if err != nil {
		return fmt.Errorf("storage health check: %w", err)
	}
	path := f.Name()
	f.Close()
	return os.Remove(path)
}

var _ storage.Backend = (*Storage)(nil)
