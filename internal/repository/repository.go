// Package repository defines the storage-backend-agnostic ports the service
// and sync-engine layers depend on. Concrete implementations live in
// repository/postgres (server metadata store) and repository/sqlite (client
// local index).
package repository

import (
	"context"
	"time"

	"github.com/prn-tf/rammingen/internal/domain"
)

// EntryRepository is the metadata-store port for Entry current-state and the
// query primitives §4.4 requires (get_entry, list_children, find_direct,
// updates_since, content_referenced).
type EntryRepository interface {
	// GetByPath returns the current Entry at path, or domain.ErrEntryNotFound.
	GetByPath(ctx context.Context, path domain.EncryptedArchivePath) (*domain.Entry, error)

	// GetByID returns the current Entry by id, or domain.ErrEntryNotFound.
	GetByID(ctx context.Context, id int64) (*domain.Entry, error)

	// Children returns the one-level listing of direct children of parentID.
	Children(ctx context.Context, parentID int64) ([]*domain.Entry, error)

	// UpdatesSince streams Entries with update_number > after, ordered by
	// update_number ascending (§4.4 updates_since).
	UpdatesSince(ctx context.Context, after int64, limit int) ([]*domain.Entry, error)

	// ContentReferenced reports whether any live Entry references hash.
	ContentReferenced(ctx context.Context, hash string) (bool, error)

	// RecordMutation inserts-or-updates the Entry at e.Path, drawing a fresh
	// update_number and appending the corresponding EntryVersion atomically
	// (the "mutation trigger" of §4.4, made explicit since Go code drives it
	// rather than relying solely on an opaque database trigger). Returns the
	// persisted Entry with its assigned id and update_number.
	RecordMutation(ctx context.Context, e *domain.Entry) (*domain.Entry, error)

	// Move atomically renames every Entry under src (inclusive) to the
	// corresponding path under dst, recording new versions for each
	// (§4.5 MoveEntry). Returns the new update_numbers assigned, in the same
	// order the affected entries were discovered.
	Move(ctx context.Context, src, dst domain.EncryptedArchivePath, sourceID int64) ([]int64, error)
}

// EntryVersionRepository is the metadata-store port for append-only history
// (§4.4 versions_of, versions_under, state_at).
type EntryVersionRepository interface {
	// VersionsOf returns the full history of one path, ordered by id.
	VersionsOf(ctx context.Context, path domain.EncryptedArchivePath) ([]*domain.EntryVersion, error)

	// VersionsUnder returns the full history of every path under prefix
	// (inclusive), ordered by id.
	VersionsUnder(ctx context.Context, prefix domain.EncryptedArchivePath) ([]*domain.EntryVersion, error)

	// StateAt returns, for every path under prefix, the last version with
	// recorded_at <= at (§4.4 state_at).
	StateAt(ctx context.Context, prefix domain.EncryptedArchivePath, at time.Time) ([]*domain.EntryVersion, error)

	// Get returns one version by id, or domain.ErrVersionNotFound.
	Get(ctx context.Context, id int64) (*domain.EntryVersion, error)

	// DeleteOldVersions deletes versions with recorded_at <= before and no
	// snapshot_id, returning content hashes that might now be orphaned
	// (§4.4 delete_old_versions; §4.8 retention).
	DeleteOldVersions(ctx context.Context, before time.Time) ([]string, error)

	// OrphanHashes returns, from candidates, those hashes no longer
	// referenced by any live Entry or surviving EntryVersion (§4.8 step 3).
	OrphanHashes(ctx context.Context, candidates []string) ([]string, error)
}

// SnapshotRepository is the metadata-store port for retention markers
// (§3 Snapshot, §4.8).
type SnapshotRepository interface {
	// Create inserts a new Snapshot(now) and pins the latest version of
	// every current-generation Entry to it.
	Create(ctx context.Context) (*domain.Snapshot, error)

	// Latest returns the most recently created Snapshot, or nil if none
	// exists yet.
	Latest(ctx context.Context) (*domain.Snapshot, error)

	// List returns every Snapshot, most recent first.
	List(ctx context.Context) ([]*domain.Snapshot, error)
}

// SourceRepository is the metadata-store port for client devices (§3 Source).
type SourceRepository interface {
	Create(ctx context.Context, name string, accessToken string) (*domain.Source, error)
	GetByToken(ctx context.Context, token string) (*domain.Source, error)
	GetByName(ctx context.Context, name string) (*domain.Source, error)
	List(ctx context.Context) ([]*domain.Source, error)
}

// LocalIndexEntry is the cached remote Entry snapshot stored under the
// `remote/{encrypted_path}` namespace (§4.6).
type LocalIndexEntry struct {
	Entry domain.Entry
}

// LocalFileCache is the cached local-file fingerprint stored under the
// `local/{sanitized_local_path}` namespace (§4.6), used to skip re-hashing
// unchanged files during Push.
type LocalFileCache struct {
	ContentHash   string
	ModifiedAt    time.Time
	EncryptedSize int64
}

// LocalIndex is the client-side embedded KV store port (§4.6): two
// namespaces with range-scan support, committed via atomic batches.
type LocalIndex interface {
	// LastUpdateNumber returns the last update_number persisted by a prior
	// successful Pull, or 0 if none.
	LastUpdateNumber(ctx context.Context) (int64, error)

	// GetRemote looks up the cached remote Entry at an encrypted path.
	GetRemote(ctx context.Context, path domain.EncryptedArchivePath) (*LocalIndexEntry, bool, error)

	// ScanRemoteUnder range-scans every `remote/` entry whose path is under
	// prefix (inclusive), used by Push's local-deletion detection.
	ScanRemoteUnder(ctx context.Context, prefix domain.EncryptedArchivePath) ([]*LocalIndexEntry, error)

	// GetLocalCache looks up the cached fingerprint for a sanitized local
	// path.
	GetLocalCache(ctx context.Context, sanitizedPath string) (*LocalFileCache, bool, error)

	// Batch opens an atomic write batch. Callers stage PutRemote/PutLocal/
	// Delete* calls against it and call Commit once; concurrent readers
	// never observe a partially-applied batch (§5 "Shared resources").
	Batch() LocalIndexBatch
}

// LocalIndexBatch accumulates local-index mutations for one atomic commit.
type LocalIndexBatch interface {
	PutRemote(path domain.EncryptedArchivePath, entry LocalIndexEntry)
	DeleteRemote(path domain.EncryptedArchivePath)
	PutLocalCache(sanitizedPath string, cache LocalFileCache)
	SetLastUpdateNumber(n int64)
	Commit(ctx context.Context) error
}
