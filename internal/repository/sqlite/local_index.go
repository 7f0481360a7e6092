package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prn-tf/rammingen/internal/domain"
	"github.com/prn-tf/rammingen/internal/repository"
)

const (
	remoteKeyPrefix = "remote/"
	localKeyPrefix  = "local/"
	lastUpdateKey   = "last_update_number"
)

// gobEntry is the persisted wire shape for the `remote/` namespace (§4.6);
// gob is used the way the protocol layer encodes values, so the local index
// reuses the same serialization the rest of the client already links
// against rather than adding a second codec.
type gobEntry struct {
	UpdateNumber  int64
	ParentDir     *int64
	Path          string
	RecordedAt    int64 // unix nano
	SourceID      int64
	RecordTrigger string
	Kind          int16
	IsSymlink     bool
	OriginalSize  []byte
	EncryptedSize int64
	ModifiedAt    int64
	ContentHash   string
	UnixMode      uint32
}

// localIndex implements repository.LocalIndex over the sqlite kv table.
type localIndex struct {
	db *DB
}

// NewLocalIndex creates a client-side local index backed by db (§4.6).
func NewLocalIndex(db *DB) repository.LocalIndex {
	return &localIndex{db: db}
}

func encodeEntry(e domain.Entry) ([]byte, error) {
	g := gobEntry{
		UpdateNumber: e.UpdateNumber, ParentDir: e.ParentDir, Path: e.Path.String(),
		RecordedAt: e.RecordedAt.UnixNano(), SourceID: e.SourceID,
		RecordTrigger: string(e.RecordTrigger), Kind: int16(e.Kind), IsSymlink: e.IsSymlink,
		OriginalSize: e.OriginalSize, EncryptedSize: e.EncryptedSize,
		ModifiedAt: e.ModifiedAt.UnixNano(), ContentHash: e.ContentHash, UnixMode: e.UnixMode,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(g); err != nil {
		return nil, fmt.Errorf("encode local index entry: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (*repository.LocalIndexEntry, error) {
	var g gobEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return nil, fmt.Errorf("decode local index entry: %w", err)
	}
	path, err := domain.ParseEncryptedArchivePath(g.Path)
	if err != nil {
		return nil, fmt.Errorf("parse cached entry path: %w", err)
	}
	return &repository.LocalIndexEntry{Entry: domain.Entry{
		UpdateNumber: g.UpdateNumber, ParentDir: g.ParentDir, Path: path,
		SourceID: g.SourceID, RecordTrigger: domain.RecordTrigger(g.RecordTrigger),
		Kind: domain.EntryKind(g.Kind), IsSymlink: g.IsSymlink, OriginalSize: g.OriginalSize,
		EncryptedSize: g.EncryptedSize, ContentHash: g.ContentHash, UnixMode: g.UnixMode,
	}}, nil
}

// LastUpdateNumber returns the last update_number persisted by a prior
// successful Pull, or 0 if none.
func (idx *localIndex) LastUpdateNumber(ctx context.Context) (int64, error) {
	var value string
	err := idx.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, lastUpdateKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last update number: %w", err)
	}
	var n int64
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse last update number: %w", err)
	}
	return n, nil
}

// GetRemote looks up the cached remote Entry at an encrypted path.
func (idx *localIndex) GetRemote(ctx context.Context, path domain.EncryptedArchivePath) (*repository.LocalIndexEntry, bool, error) {
	var data []byte
	err := idx.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, remoteKeyPrefix+path.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get remote cache entry: %w", err)
	}
	e, err := decodeEntry(data)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// ScanRemoteUnder range-scans every `remote/` entry whose path is under
// prefix (inclusive). GLOB (not LIKE) is used because encrypted path
// components are base64-url and may themselves contain '_', a LIKE wildcard.
func (idx *localIndex) ScanRemoteUnder(ctx context.Context, prefix domain.EncryptedArchivePath) ([]*repository.LocalIndexEntry, error) {
	key := remoteKeyPrefix + prefix.String()
	rows, err := idx.db.QueryContext(ctx,
		`SELECT value FROM kv WHERE key = ? OR key GLOB ? ORDER BY key ASC`,
		key, globEscape(key)+"/*",
	)
	if err != nil {
		return nil, fmt.Errorf("scan remote under prefix: %w", err)
	}
	defer rows.Close()

	var entries []*repository.LocalIndexEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan remote cache row: %w", err)
		}
		e, err := decodeEntry(data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remote cache: %w", err)
	}
	return entries, nil
}

func globEscape(s string) string {
	replacer := strings.NewReplacer("*", "[*]", "?", "[?]", "[", "[[]")
	return replacer.Replace(s)
}

// GetLocalCache looks up the cached fingerprint for a sanitized local path.
func (idx *localIndex) GetLocalCache(ctx context.Context, sanitizedPath string) (*repository.LocalFileCache, bool, error) {
	var data []byte
	err := idx.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, localKeyPrefix+sanitizedPath).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get local cache entry: %w", err)
	}

	var g struct {
		ContentHash   string
		ModifiedAt    int64
		EncryptedSize int64
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return nil, false, fmt.Errorf("decode local cache entry: %w", err)
	}
	return &repository.LocalFileCache{
		ContentHash:   g.ContentHash,
		ModifiedAt:    time.Unix(0, g.ModifiedAt),
		EncryptedSize: g.EncryptedSize,
	}, true, nil
}

// Batch opens an atomic write batch over a single sqlite transaction, so
// concurrent readers never observe a partially-applied batch (§5).
func (idx *localIndex) Batch() repository.LocalIndexBatch {
	return &localIndexBatch{db: idx.db}
}

type localIndexBatch struct {
	db  *DB
	ops []func(ctx context.Context, tx *sql.Tx) error
}

func (b *localIndexBatch) PutRemote(path domain.EncryptedArchivePath, entry repository.LocalIndexEntry) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		data, err := encodeEntry(entry.Entry)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`,
			remoteKeyPrefix+path.String(), data)
		return err
	})
}

func (b *localIndexBatch) DeleteRemote(path domain.EncryptedArchivePath) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, remoteKeyPrefix+path.String())
		return err
	})
}

func (b *localIndexBatch) PutLocalCache(sanitizedPath string, cache repository.LocalFileCache) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		var buf bytes.Buffer
		g := struct {
			ContentHash   string
			ModifiedAt    int64
			EncryptedSize int64
		}{cache.ContentHash, cache.ModifiedAt.UnixNano(), cache.EncryptedSize}
		if err := gob.NewEncoder(&buf).Encode(g); err != nil {
			return fmt.Errorf("encode local cache entry: %w", err)
		}
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`,
			localKeyPrefix+sanitizedPath, buf.Bytes())
		return err
	})
}

func (b *localIndexBatch) SetLastUpdateNumber(n int64) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`,
			lastUpdateKey, fmt.Sprintf("%d", n))
		return err
	})
}

// Commit applies every staged operation inside one sqlite transaction.
func (b *localIndexBatch) Commit(ctx context.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin local index batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range b.ops {
		if err := op(ctx, tx); err != nil {
			return fmt.Errorf("apply local index batch op: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit local index batch: %w", err)
	}
	return nil
}
