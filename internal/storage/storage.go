// Package storage defines the content-addressed blob store port (§3, §4.1)
// that sits underneath the metadata store: entries reference blobs by
// content_hash, and a Backend is responsible only for storing and retrieving
// the already-encrypted bytes at that address.
package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
)

// ErrBlobNotFound indicates no blob is stored under the requested content hash.
var ErrBlobNotFound = errors.New("storage: blob not found")

// Backend stores and retrieves content-addressed, already-encrypted blobs.
// Content is addressed by the hex SHA-256 digest produced by
// crypto.EncryptStream over the framed ciphertext (§4.1), never the
// plaintext digest.
type Backend interface {
	// Store writes the framed ciphertext read from r under its content
	// hash and returns that hash. size, if positive, is the expected byte
	// count and is checked against what was actually written.
	Store(ctx context.Context, r io.Reader, size int64) (contentHash string, err error)

	// Retrieve opens the framed ciphertext stored under contentHash.
	// Returns ErrBlobNotFound if no blob exists at that address.
	Retrieve(ctx context.Context, contentHash string) (io.ReadCloser, error)

	// Delete removes the blob stored under contentHash. Deleting a
	// missing blob is not an error (retention GC may race a concurrent
	// delete, §4.8).
	Delete(ctx context.Context, contentHash string) error

	// Exists reports whether a blob is stored under contentHash.
	Exists(ctx context.Context, contentHash string) (bool, error)

	// GetSize returns the on-disk (encrypted) size of the blob.
	GetSize(ctx context.Context, contentHash string) (int64, error)

	// HealthCheck verifies the backend is reachable and writable.
	HealthCheck(ctx context.Context) error
}

// PathConfig controls how content hashes are sharded into directories, so
// that no single directory ends up holding every blob in the archive.
type PathConfig struct {
	// DataDir is the backend's storage root.
	DataDir string

	// ShardWidth is the number of leading hex characters used for each of
	// the two sharding levels (e.g. 2 -> "ab/cd/abcd...").
	ShardWidth int
}

// DefaultPathConfig shards two levels deep on the first four hex characters
// of the content hash, the same depth the teacher uses for its object store.
func DefaultPathConfig(dataDir string) PathConfig {
	return PathConfig{DataDir: dataDir, ShardWidth: 2}
}

// ComputeDir returns the two-level shard directory a blob with the given
// content hash belongs under.
func ComputeDir(cfg PathConfig, contentHash string) string {
	w := cfg.ShardWidth
	if len(contentHash) < 2*w {
		return cfg.DataDir
	}
	return filepath.Join(cfg.DataDir, contentHash[:w], contentHash[w:2*w])
}

// ComputePath returns the full path a blob with the given content hash is
// stored at.
func ComputePath(cfg PathConfig, contentHash string) string {
	return filepath.Join(ComputeDir(cfg, contentHash), contentHash)
}
