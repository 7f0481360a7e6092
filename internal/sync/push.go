package sync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prn-tf/rammingen/internal/domain"
	"github.com/prn-tf/rammingen/internal/pkg/crypto"
	"github.com/prn-tf/rammingen/internal/protocol"
	"github.com/prn-tf/rammingen/internal/repository"
	"github.com/prn-tf/rammingen/internal/syncclient"
)

// localFile is one node discovered while walking a mount, ordered so
// directories sort before the files and deletions beneath them (§4.7 Push
// ordering: "dirs top-down, then files, then deletions bottom-up").
type localFile struct {
	absPath       string
	relComponents []string
	isDir         bool
	isSymlink     bool
	info          os.FileInfo
}

// push implements the PUSH state (§4.7): walk every mount's local tree,
// skip ignored paths, upload changed file content (deduplicated against
// what the server already has), record directory/file versions, and detect
// local deletions by diffing the walk against the cached remote listing.
//
// Every mutation this source records is assigned a fresh global
// update_number by the server. Since PULL already ran earlier in this same
// Run, those numbers are always ahead of the local checkpoint pull left
// behind; if push didn't advance it too, the very next Run's pull would
// stream this source's own just-pushed entries back to itself and, for any
// path deleted locally in between, re-download content the user just
// removed. So push tracks the highest update_number it observes across
// every RPC response and checkpoints past it once the whole pass finishes.
func (e *Engine) push(ctx context.Context, summary *Summary) error {
	var maxUpdate int64
	for _, mount := range e.mounts {
		updated, err := e.pushMount(ctx, mount, summary)
		if err != nil {
			return fmt.Errorf("push mount %s: %w", mount.LocalPath, err)
		}
		if updated > maxUpdate {
			maxUpdate = updated
		}
	}
	if maxUpdate == 0 {
		return nil
	}

	after, err := e.localIndex.LastUpdateNumber(ctx)
	if err != nil {
		return fmt.Errorf("read last update number: %w", err)
	}
	if maxUpdate <= after {
		return nil
	}
	batch := e.localIndex.Batch()
	batch.SetLastUpdateNumber(maxUpdate)
	return batch.Commit(ctx)
}

func (e *Engine) pushMount(ctx context.Context, mount Mount, summary *Summary) (int64, error) {
	files, err := e.walkMount(mount)
	if err != nil {
		return 0, fmt.Errorf("walk: %w", err)
	}

	rootID, maxUpdate, err := e.ensureAncestorChain(ctx, mount)
	if err != nil {
		return 0, fmt.Errorf("resolve mount ancestors: %w", err)
	}
	parentIDs := map[string]int64{"": rootID}

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if ctx.Err() != nil {
			return maxUpdate, ctx.Err()
		}
		seen[joinComponents(f.relComponents)] = true

		archivePath, err := joinArchivePath(mount.ArchiveRoot, f.relComponents)
		if err != nil {
			summary.recordError(f.absPath, ErrKindInvalidPath, err)
			continue
		}
		encPath := e.siv.EncryptPath(archivePath)

		parentKey := joinComponents(f.relComponents[:len(f.relComponents)-1])
		parentID, ok := parentIDs[parentKey]
		if !ok {
			summary.recordError(archivePath.String(), ErrKindInvalidPath, fmt.Errorf("sync: no resolved parent for %s", f.absPath))
			continue
		}

		id, updated, err := e.pushOne(ctx, mount, f, archivePath, encPath, parentID, summary)
		if err != nil {
			summary.recordError(archivePath.String(), classifyErr(err), err)
			continue
		}
		if updated > maxUpdate {
			maxUpdate = updated
		}
		if f.isDir {
			parentIDs[joinComponents(f.relComponents)] = id
		}
	}

	deleted, err := e.pushDeletions(ctx, mount, seen, summary)
	if deleted > maxUpdate {
		maxUpdate = deleted
	}
	return maxUpdate, err
}

// ensureAncestorChain resolves, creating as needed, every directory Entry
// from the domain root (§3 Archive path, whose root has no parent and so is
// exempt from Validate's parent-dir requirement) down through mount's own
// ArchiveRoot, returning the ID of the Entry at mount.ArchiveRoot itself so
// pushMount can seed its parentIDs map before walking, plus the highest
// update_number observed while resolving the chain.
func (e *Engine) ensureAncestorChain(ctx context.Context, mount Mount) (int64, int64, error) {
	var maxUpdate int64
	current := domain.RootArchivePath()
	parentID, updated, err := e.ensureDirEntry(ctx, current, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("ensure archive root: %w", err)
	}
	if updated > maxUpdate {
		maxUpdate = updated
	}

	for _, component := range mount.ArchiveRoot.Components() {
		next, jerr := current.Join(component)
		if jerr != nil {
			return 0, 0, jerr
		}
		id, updated, derr := e.ensureDirEntry(ctx, next, &parentID)
		if derr != nil {
			return 0, 0, fmt.Errorf("ensure ancestor %s: %w", next.String(), derr)
		}
		if updated > maxUpdate {
			maxUpdate = updated
		}
		parentID = id
		current = next
	}
	return parentID, maxUpdate, nil
}

// ensureDirEntry fetches the current Entry at path, creating a directory
// Entry under parentID if none exists yet, returning its ID and
// update_number (zero if the Entry already existed and nothing was
// written).
func (e *Engine) ensureDirEntry(ctx context.Context, path domain.ArchivePath, parentID *int64) (int64, int64, error) {
	encPath := e.siv.EncryptPath(path)

	resp, err := e.client.GetEntry(ctx, encPath.String())
	if err == nil && resp.Entry != nil {
		return resp.Entry.ID, 0, nil
	}
	if err != nil && !syncclient.IsNotFound(err) {
		return 0, 0, err
	}

	addResp, err := e.client.AddVersion(ctx, protocol.EntryWire{
		ParentDir:     parentID,
		Path:          encPath.String(),
		Kind:          int16(domain.KindDirectory),
		RecordTrigger: string(domain.TriggerSync),
		ModifiedAt:    time.Now(),
	}, nil)
	if err != nil {
		return 0, 0, err
	}
	return addResp.Version.Entry.ID, addResp.Version.Entry.UpdateNumber, nil
}

// walkMount collects every non-ignored path under mount.LocalPath, ordered
// directories-first by depth so parents upload before their children.
func (e *Engine) walkMount(mount Mount) ([]localFile, error) {
	var out []localFile
	err := filepath.Walk(mount.LocalPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == mount.LocalPath {
			return nil
		}
		rel, rerr := filepath.Rel(mount.LocalPath, path)
		if rerr != nil {
			return rerr
		}
		components := splitRel(rel)
		if mount.Ignore.MatchesComponents(components) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		isSymlink := info.Mode()&os.ModeSymlink != 0
		out = append(out, localFile{
			absPath:       path,
			relComponents: components,
			isDir:         info.IsDir() && !isSymlink,
			isSymlink:     isSymlink,
			info:          info,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].isDir != out[j].isDir {
			return out[i].isDir // directories first
		}
		return len(out[i].relComponents) < len(out[j].relComponents)
	})
	return out, nil
}

// pushOne records one walked path's mutation, returning the Entry ID
// (directories only; children use it as their ParentDir/ParentID) and the
// update_number the server assigned (zero if nothing changed and no RPC was
// made).
func (e *Engine) pushOne(ctx context.Context, mount Mount, f localFile, archivePath domain.ArchivePath, encPath domain.EncryptedArchivePath, parentID int64, summary *Summary) (int64, int64, error) {
	if f.isDir {
		resp, err := e.client.AddVersion(ctx, protocol.EntryWire{
			ParentDir:     &parentID,
			Path:          encPath.String(),
			Kind:          int16(domain.KindDirectory),
			RecordTrigger: string(domain.TriggerSync),
			ModifiedAt:    f.info.ModTime(),
			UnixMode:      uint32(f.info.Mode().Perm()),
		}, nil)
		if err != nil {
			return 0, 0, err
		}
		return resp.Version.Entry.ID, resp.Version.Entry.UpdateNumber, nil
	}

	sanitized := sanitizedCacheKey(mount, f.relComponents)
	cache, cacheFound, err := e.localIndex.GetLocalCache(ctx, sanitized)
	if err != nil {
		return 0, 0, fmt.Errorf("read local cache: %w", err)
	}
	if cacheFound && cache.ModifiedAt.Equal(f.info.ModTime()) {
		return 0, 0, nil // unchanged since the last successful sync of this path
	}

	enc, encryptedSize, err := e.encryptToTemp(f)
	if err != nil {
		return 0, 0, fmt.Errorf("encrypt content: %w", err)
	}
	defer os.Remove(enc.tmpPath)

	exists, err := e.client.ContentExists(ctx, enc.hash)
	if err != nil {
		return 0, 0, fmt.Errorf("check content dedup: %w", err)
	}
	var updated int64
	if !exists {
		uploadResp, uerr := e.uploadTemp(ctx, encPath, enc, encryptedSize, f, parentID)
		if uerr != nil {
			return 0, 0, fmt.Errorf("upload: %w", uerr)
		}
		updated = uploadResp.Entry.UpdateNumber
	} else {
		addResp, aerr := e.client.AddVersion(ctx, protocol.EntryWire{
			ParentDir:     &parentID,
			Path:          encPath.String(),
			Kind:          int16(domain.KindFile),
			RecordTrigger: string(domain.TriggerSync),
			ModifiedAt:    f.info.ModTime(),
			ContentHash:   enc.hash,
			EncryptedSize: encryptedSize,
			UnixMode:      uint32(f.info.Mode().Perm()),
			IsSymlink:     f.isSymlink,
		}, nil)
		if aerr != nil {
			return 0, 0, aerr
		}
		updated = addResp.Version.Entry.UpdateNumber
	}

	summary.EntriesPushed++
	summary.BytesUploaded += encryptedSize

	batch := e.localIndex.Batch()
	batch.PutLocalCache(sanitized, repository.LocalFileCache{
		ContentHash:   enc.hash,
		ModifiedAt:    f.info.ModTime(),
		EncryptedSize: encryptedSize,
	})
	if err := batch.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return 0, updated, nil
}

type encryptedTemp struct {
	tmpPath string
	hash    string
}

// encryptToTemp streams a local file (or a symlink's target text) through
// the content cipher into a temp file, returning its content_hash and
// ciphertext size, ready to be dedup-checked and optionally uploaded.
func (e *Engine) encryptToTemp(f localFile) (encryptedTemp, int64, error) {
	tmp, err := os.CreateTemp("", "rammingen-push-*")
	if err != nil {
		return encryptedTemp{}, 0, fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()

	var src io.Reader
	if f.isSymlink {
		target, lerr := os.Readlink(f.absPath)
		if lerr != nil {
			os.Remove(tmp.Name())
			return encryptedTemp{}, 0, fmt.Errorf("readlink: %w", lerr)
		}
		src = strings.NewReader(target)
	} else {
		file, oerr := os.Open(f.absPath)
		if oerr != nil {
			os.Remove(tmp.Name())
			return encryptedTemp{}, 0, fmt.Errorf("open: %w", oerr)
		}
		defer file.Close()
		src = file
	}

	hash, err := crypto.EncryptStream(tmp, src, e.keys.ContentKey)
	if err != nil {
		os.Remove(tmp.Name())
		return encryptedTemp{}, 0, fmt.Errorf("encrypt stream: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		os.Remove(tmp.Name())
		return encryptedTemp{}, 0, fmt.Errorf("stat temp file: %w", err)
	}
	return encryptedTemp{tmpPath: tmp.Name(), hash: hash}, info.Size(), nil
}

func (e *Engine) uploadTemp(ctx context.Context, encPath domain.EncryptedArchivePath, tmp encryptedTemp, size int64, f localFile, parentID int64) (*protocol.UploadResponse, error) {
	r, err := os.Open(tmp.tmpPath)
	if err != nil {
		return nil, fmt.Errorf("reopen temp file: %w", err)
	}
	defer r.Close()

	return e.client.Upload(ctx, protocol.UploadRequest{
		ParentID:      &parentID,
		Path:          encPath.String(),
		OriginalSize:  e.sizeCodec.EncryptSize(f.info.Size()),
		EncryptedSize: size,
		ModifiedAt:    f.info.ModTime(),
		UnixMode:      uint32(f.info.Mode().Perm()),
		IsSymlink:     f.isSymlink,
	}, r, size)
}

// pushDeletions compares the cached remote listing against what the walk
// actually found and records a deletion for every path present remotely but
// missing locally (§4.7 Push: "deletions bottom-up"), returning the highest
// update_number assigned to any recorded deletion.
func (e *Engine) pushDeletions(ctx context.Context, mount Mount, seen map[string]bool, summary *Summary) (int64, error) {
	cached, err := e.localIndex.ScanRemoteUnder(ctx, e.siv.EncryptPath(mount.ArchiveRoot))
	if err != nil {
		return 0, fmt.Errorf("scan cached remote entries: %w", err)
	}

	type deletion struct {
		entry *repository.LocalIndexEntry
		depth int
	}
	var toDelete []deletion
	for _, c := range cached {
		if c.Entry.IsAbsent() {
			continue
		}
		plain, derr := e.siv.DecryptPath(c.Entry.Path)
		if derr != nil {
			continue
		}
		rel := plain.Components()[len(mount.ArchiveRoot.Components()):]
		if len(rel) == 0 {
			continue // the mount's own archive root; walkMount never visits it, so it's never a deletion candidate
		}
		if seen[joinComponents(rel)] {
			continue
		}
		toDelete = append(toDelete, deletion{entry: c, depth: len(rel)})
	}

	sort.SliceStable(toDelete, func(i, j int) bool { return toDelete[i].depth > toDelete[j].depth })

	var maxUpdate int64
	for _, d := range toDelete {
		resp, err := e.client.RemoveEntry(ctx, d.entry.Entry.Path.String(), d.entry.Entry.ParentDir)
		if err != nil {
			summary.recordError(d.entry.Entry.Path.String(), classifyErr(err), err)
			continue
		}
		if resp.Entry.UpdateNumber > maxUpdate {
			maxUpdate = resp.Entry.UpdateNumber
		}
		summary.LocalDeletes++
	}
	return maxUpdate, nil
}

func splitRel(rel string) []string {
	rel = filepath.ToSlash(rel)
	if rel == "" || rel == "." {
		return nil
	}
	return strings.Split(rel, "/")
}

func joinComponents(components []string) string {
	return strings.Join(components, "/")
}

func joinArchivePath(root domain.ArchivePath, relComponents []string) (domain.ArchivePath, error) {
	path := root
	for _, c := range relComponents {
		var err error
		path, err = path.Join(c)
		if err != nil {
			return domain.ArchivePath{}, err
		}
	}
	return path, nil
}

