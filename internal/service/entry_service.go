// Package service implements the server-side business logic that sits
// between the HTTP handlers and the metadata store / blob store, the way
// the teacher's service package mediates between handler and repository
// (session_service.go's shape, generalized to rammingen's mutation and
// query operations, §4.4, §4.5).
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/rammingen/internal/domain"
	"github.com/prn-tf/rammingen/internal/repository"
	"github.com/prn-tf/rammingen/internal/storage"
)

// Sentinel errors the handler layer maps onto HTTP status codes.
var (
	ErrInternal = errors.New("service: internal error")
)

// EntryService implements every metadata and content mutation/query
// operation the protocol layer exposes (§4.5's 13 endpoints map onto this
// service's methods one-to-one, plus Upload/Download driving the blob
// store too).
type EntryService struct {
	entries  repository.EntryRepository
	versions repository.EntryVersionRepository
	blobs    storage.Backend
	logger   zerolog.Logger
}

// NewEntryService creates an EntryService.
func NewEntryService(entries repository.EntryRepository, versions repository.EntryVersionRepository, blobs storage.Backend, logger zerolog.Logger) *EntryService {
	return &EntryService{
		entries:  entries,
		versions: versions,
		blobs:    blobs,
		logger:   logger.With().Str("service", "entry").Logger(),
	}
}

// GetEntries returns every Entry mutated after 'after' (§4.4 updates_since,
// the client's incremental Pull primitive).
func (s *EntryService) GetEntries(ctx context.Context, after int64, limit int) ([]*domain.Entry, error) {
	entries, err := s.entries.UpdatesSince(ctx, after, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: get entries: %v", ErrInternal, err)
	}
	return entries, nil
}

// GetEntry returns the current Entry at path.
func (s *EntryService) GetEntry(ctx context.Context, path domain.EncryptedArchivePath) (*domain.Entry, error) {
	entry, err := s.entries.GetByPath(ctx, path)
	if err != nil {
		if errors.Is(err, domain.ErrEntryNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: get entry: %v", ErrInternal, err)
	}
	return entry, nil
}

// GetChildren returns the one-level listing under a directory Entry.
func (s *EntryService) GetChildren(ctx context.Context, parentID int64) ([]*domain.Entry, error) {
	children, err := s.entries.Children(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("%w: get children: %v", ErrInternal, err)
	}
	return children, nil
}

// GetVersions returns the full history of one path.
func (s *EntryService) GetVersions(ctx context.Context, path domain.EncryptedArchivePath) ([]*domain.EntryVersion, error) {
	versions, err := s.versions.VersionsOf(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: get versions: %v", ErrInternal, err)
	}
	return versions, nil
}

// GetAllVersions returns the full history of every path under prefix.
func (s *EntryService) GetAllVersions(ctx context.Context, prefix domain.EncryptedArchivePath) ([]*domain.EntryVersion, error) {
	versions, err := s.versions.VersionsUnder(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: get all versions: %v", ErrInternal, err)
	}
	return versions, nil
}

// StateAt returns, for every path under prefix, the version current at a
// point in time (§4.4 state_at, used to browse a historical restore point).
func (s *EntryService) StateAt(ctx context.Context, prefix domain.EncryptedArchivePath, at time.Time) ([]*domain.EntryVersion, error) {
	versions, err := s.versions.StateAt(ctx, prefix, at)
	if err != nil {
		return nil, fmt.Errorf("%w: state at: %v", ErrInternal, err)
	}
	return versions, nil
}

// ContentExists reports whether a blob is already stored, letting the
// client skip re-uploading content it knows the server already has.
func (s *EntryService) ContentExists(ctx context.Context, hash string) (bool, error) {
	exists, err := s.blobs.Exists(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("%w: content exists: %v", ErrInternal, err)
	}
	return exists, nil
}

// UploadParams carries the metadata that accompanies a content upload.
type UploadParams struct {
	Path          domain.EncryptedArchivePath
	ParentID      *int64
	OriginalSize  []byte
	EncryptedSize int64
	ModifiedAt    time.Time
	UnixMode      uint32
	IsSymlink     bool
	SourceID      int64
}

// Upload stores r's already-encrypted content and records the resulting
// Entry mutation in one call (§4.5 Upload): the framed ciphertext is
// written to the blob store first (content-addressed, so storing twice is
// a safe no-op), then the Entry mutation references its content_hash.
func (s *EntryService) Upload(ctx context.Context, params UploadParams, r io.Reader) (*domain.Entry, error) {
	contentHash, err := s.blobs.Store(ctx, r, params.EncryptedSize)
	if err != nil {
		return nil, fmt.Errorf("%w: store blob: %v", ErrInternal, err)
	}

	entry := &domain.Entry{
		ParentDir: params.ParentID, Path: params.Path, RecordedAt: time.Now(),
		SourceID: params.SourceID, RecordTrigger: domain.TriggerUpload, Kind: domain.KindFile,
		IsSymlink: params.IsSymlink, OriginalSize: params.OriginalSize,
		EncryptedSize: params.EncryptedSize, ModifiedAt: params.ModifiedAt,
		ContentHash: contentHash, UnixMode: params.UnixMode,
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	persisted, err := s.entries.RecordMutation(ctx, entry)
	if err != nil {
		if errors.Is(err, domain.ErrParentMissing) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: record upload: %v", ErrInternal, err)
	}

	s.logger.Info().Str("path", params.Path.String()).Str("content_hash", contentHash).
		Int64("update_number", persisted.UpdateNumber).Msg("entry uploaded")
	return persisted, nil
}

// Download streams a blob's decrypted-on-read-by-the-client framed
// ciphertext (§4.5 Download). The server never decrypts content; it only
// moves bytes.
func (s *EntryService) Download(ctx context.Context, contentHash string) (io.ReadCloser, error) {
	r, err := s.blobs.Retrieve(ctx, contentHash)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			return nil, domain.ErrContentNotFound
		}
		return nil, fmt.Errorf("%w: download: %v", ErrInternal, err)
	}
	return r, nil
}

// MoveEntry renames a subtree (§4.5 MoveEntry).
func (s *EntryService) MoveEntry(ctx context.Context, src, dst domain.EncryptedArchivePath, sourceID int64) ([]int64, error) {
	updateNumbers, err := s.entries.Move(ctx, src, dst, sourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: move entry: %v", ErrInternal, err)
	}
	return updateNumbers, nil
}

// RemoveEntry records a deletion (KindAbsent mutation) at path (§4.5 RemoveEntry).
func (s *EntryService) RemoveEntry(ctx context.Context, path domain.EncryptedArchivePath, parentID *int64, sourceID int64) (*domain.Entry, error) {
	entry := &domain.Entry{
		ParentDir: parentID, Path: path, RecordedAt: time.Now(),
		SourceID: sourceID, RecordTrigger: domain.TriggerSync, Kind: domain.KindAbsent,
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	persisted, err := s.entries.RecordMutation(ctx, entry)
	if err != nil {
		if errors.Is(err, domain.ErrParentMissing) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: remove entry: %v", ErrInternal, err)
	}
	return persisted, nil
}

// ResetVersion restores a prior EntryVersion as the current state of its
// path (§4.5 ResetVersion, §3 TriggerReset).
func (s *EntryService) ResetVersion(ctx context.Context, versionID int64, sourceID int64) (*domain.Entry, error) {
	version, err := s.versions.Get(ctx, versionID)
	if err != nil {
		if errors.Is(err, domain.ErrVersionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: get version: %v", ErrInternal, err)
	}

	restored := version.Entry
	restored.ID = 0
	restored.RecordedAt = time.Now()
	restored.SourceID = sourceID
	restored.RecordTrigger = domain.TriggerReset

	persisted, err := s.entries.RecordMutation(ctx, &restored)
	if err != nil {
		return nil, fmt.Errorf("%w: reset version: %v", ErrInternal, err)
	}
	return persisted, nil
}

// AddVersion records entry as the current state of its path, inserting or
// updating by path through RecordMutation like the other mutations (§4.5
// AddVersion); push uses it for directories and for files whose content the
// server already holds. snapshotID is copied into the returned EntryVersion
// and is not stored.
func (s *EntryService) AddVersion(ctx context.Context, entry domain.Entry, snapshotID *int64) (*domain.EntryVersion, error) {
	persisted, err := s.entries.RecordMutation(ctx, &entry)
	if err != nil {
		return nil, fmt.Errorf("%w: add version: %v", ErrInternal, err)
	}
	return &domain.EntryVersion{EntryID: persisted.ID, Entry: *persisted, SnapshotID: snapshotID}, nil
}
