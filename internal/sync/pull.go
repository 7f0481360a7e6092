package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prn-tf/rammingen/internal/delta"
	"github.com/prn-tf/rammingen/internal/domain"
	"github.com/prn-tf/rammingen/internal/pkg/crypto"
	"github.com/prn-tf/rammingen/internal/protocol"
	"github.com/prn-tf/rammingen/internal/repository"
)

// pull implements the PULL state (§4.7): stream every Entry mutated since
// the last successful run, resolve each against its owning mount, and bring
// the local tree up to date following the Write/Conflict/Skip decision rule.
// The local index is checkpointed after every successfully-processed entry
// (not once at the end), so a run interrupted mid-stream resumes from
// last_update_number on its next invocation rather than replaying work.
func (e *Engine) pull(ctx context.Context, summary *Summary) error {
	after, err := e.localIndex.LastUpdateNumber(ctx)
	if err != nil {
		return fmt.Errorf("read last update number: %w", err)
	}

	consumer := delta.NewPullConsumer(e.client, e.pullPage)
	entries, errCh := consumer.Stream(ctx, after)

	for wire := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entry, convErr := protocol.FromWire(*wire)
		if convErr != nil {
			summary.recordError(wire.Path, ErrKindInvalidPath, convErr)
			continue
		}
		summary.EntriesPulled++

		if perr := e.applyPulledEntry(ctx, entry, summary); perr != nil {
			summary.recordError(entry.Path.String(), classifyErr(perr), perr)
			continue
		}
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("pull stream: %w", err)
	}
	return nil
}

// applyPulledEntry resolves one remote Entry against its mount and commits
// the corresponding local filesystem change plus a checkpointed local-index
// batch in one unit.
func (e *Engine) applyPulledEntry(ctx context.Context, entry *domain.Entry, summary *Summary) error {
	mount, relComponents, ok := e.findMount(entry.Path)
	if !ok {
		// Not under any configured mount; still advance the checkpoint so a
		// deployment-wide Entry this source has no mount for doesn't block
		// every future pull from progressing past it.
		return e.commitCheckpoint(ctx, nil, entry)
	}

	localPath := filepath.Join(append([]string{mount.LocalPath}, relComponents...)...)
	sanitized := sanitizedCacheKey(mount, relComponents)

	switch entry.Kind {
	case domain.KindDirectory:
		mode := os.FileMode(entry.UnixMode)
		if mode == 0 {
			mode = 0o755
		}
		if err := os.MkdirAll(localPath, mode); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
		summary.DirsCreated++
		return e.commitCheckpoint(ctx, &entry.Path, entry)

	case domain.KindAbsent:
		info, statErr := os.Lstat(localPath)
		if statErr == nil && entry.RecordedAt.After(info.ModTime()) {
			if rmErr := os.RemoveAll(localPath); rmErr != nil {
				return fmt.Errorf("remove local path: %w", rmErr)
			}
			summary.LocalDeletes++
		}
		return e.commitCheckpoint(ctx, &entry.Path, entry)

	case domain.KindFile:
		return e.applyPulledFile(ctx, entry, mount, localPath, sanitized, summary)

	default:
		return fmt.Errorf("%w: unknown entry kind %d", domain.ErrInvalidPath, entry.Kind)
	}
}

func (e *Engine) applyPulledFile(ctx context.Context, entry *domain.Entry, mount Mount, localPath, sanitized string, summary *Summary) error {
	info, statErr := os.Lstat(localPath)
	localExists := statErr == nil

	cache, cacheFound, cerr := e.localIndex.GetLocalCache(ctx, sanitized)
	if cerr != nil {
		return fmt.Errorf("read local cache: %w", cerr)
	}

	inSync := cacheFound && localExists && cache.ContentHash == entry.ContentHash && cache.ModifiedAt.Equal(info.ModTime())
	if inSync {
		return e.commitCheckpoint(ctx, &entry.Path, entry)
	}

	if localExists && info.ModTime().After(entry.ModifiedAt) {
		// Local copy is newer than what the server has: keep it. Push will
		// re-upload it and the server will record a new version (§4.7
		// Conflicts: last-writer-wins by modified_at, ties favor remote).
		summary.Conflicts++
		return e.commitCheckpoint(ctx, &entry.Path, entry)
	}

	if err := e.downloadInto(ctx, entry, localPath); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	summary.FilesWritten++

	newInfo, err := os.Lstat(localPath)
	if err != nil {
		return fmt.Errorf("stat downloaded file: %w", err)
	}
	batch := e.localIndex.Batch()
	batch.PutRemote(entry.Path, repository.LocalIndexEntry{Entry: *entry})
	batch.PutLocalCache(sanitized, repository.LocalFileCache{
		ContentHash:   entry.ContentHash,
		ModifiedAt:    newInfo.ModTime(),
		EncryptedSize: entry.EncryptedSize,
	})
	batch.SetLastUpdateNumber(entry.UpdateNumber)
	return batch.Commit(ctx)
}

// downloadInto fetches and decrypts entry's content, writing it to
// localPath. Symlinks are small enough to buffer in memory; regular files
// are streamed through a temp file in the same directory and renamed into
// place atomically, mirroring the teacher's durable-write pattern in its
// storage layer.
func (e *Engine) downloadInto(ctx context.Context, entry *domain.Entry, localPath string) error {
	body, err := e.client.Download(ctx, entry.ContentHash)
	if err != nil {
		return err
	}
	defer body.Close()

	if entry.IsSymlink {
		var buf bytes.Buffer
		if err := crypto.DecryptStream(&buf, body, e.keys.ContentKey); err != nil {
			return fmt.Errorf("decrypt symlink target: %w", err)
		}
		_ = os.Remove(localPath)
		return os.Symlink(buf.String(), localPath)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".rammingen-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := crypto.DecryptStream(tmp, body, e.keys.ContentKey); err != nil {
		tmp.Close()
		return fmt.Errorf("decrypt content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	mode := os.FileMode(entry.UnixMode)
	if mode == 0 {
		mode = 0o644
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("chmod downloaded file: %w", err)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	if !entry.ModifiedAt.IsZero() {
		_ = os.Chtimes(localPath, time.Now(), entry.ModifiedAt)
	}
	return nil
}

// commitCheckpoint advances last_update_number (and, when path is non-nil,
// the cached remote Entry) in one atomic batch.
func (e *Engine) commitCheckpoint(ctx context.Context, path *domain.EncryptedArchivePath, entry *domain.Entry) error {
	batch := e.localIndex.Batch()
	if path != nil {
		batch.PutRemote(*path, repository.LocalIndexEntry{Entry: *entry})
	}
	batch.SetLastUpdateNumber(entry.UpdateNumber)
	return batch.Commit(ctx)
}

// findMount returns the mount owning path and path's components relative to
// that mount's archive root.
func (e *Engine) findMount(path domain.EncryptedArchivePath) (Mount, []string, bool) {
	plain, err := e.siv.DecryptPath(path)
	if err != nil {
		return Mount{}, nil, false
	}
	for _, m := range e.mounts {
		if m.ArchiveRoot.IsPrefixOf(plain) {
			all := plain.Components()
			rel := append([]string{}, all[len(m.ArchiveRoot.Components()):]...)
			return m, rel, true
		}
	}
	return Mount{}, nil, false
}

// sanitizedCacheKey builds the local_cache namespace key for a path relative
// to its mount (§4.6): the mount's local root plus the '/'-joined relative
// components, so two mounts can never collide on the same key.
func sanitizedCacheKey(mount Mount, relComponents []string) string {
	return mount.LocalPath + "::" + strings.Join(relComponents, "/")
}

// classifyErr maps a pull/push failure to one of §7's error kinds for the
// run summary. Errors that don't match a known sentinel fall back to Io,
// the most conservative (still per-item, never fatal-for-the-run) kind.
func classifyErr(err error) ErrKind {
	switch {
	case err == nil:
		return ErrKindIO
	case errors.Is(err, domain.ErrInvalidPath):
		return ErrKindInvalidPath
	case errors.Is(err, domain.ErrContentHashMismatch):
		return ErrKindContentHashMismatch
	case errors.Is(err, crypto.ErrSIVAuthFailed), errors.Is(err, crypto.ErrFrameAuthFailed):
		return ErrKindCrypto
	default:
		return ErrKindIO
	}
}
