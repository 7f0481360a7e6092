package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/rammingen/internal/domain"
	"github.com/prn-tf/rammingen/internal/repository"
)

// versionRepository implements repository.EntryVersionRepository.
type versionRepository struct {
	db *DB
}

// NewEntryVersionRepository creates a new PostgreSQL entry-version repository.
func NewEntryVersionRepository(db *DB) repository.EntryVersionRepository {
	return &versionRepository{db: db}
}

const versionColumns = `id, entry_id, snapshot_id, update_number, parent_dir, path,
	recorded_at, source_id, record_trigger, kind, is_symlink, original_size,
	encrypted_size, modified_at, content_hash, unix_mode`

func scanVersion(row pgx.Row) (*domain.EntryVersion, error) {
	v := &domain.EntryVersion{}
	var path string
	var contentHash *string
	err := row.Scan(
		&v.ID, &v.EntryID, &v.SnapshotID, &v.Entry.UpdateNumber, &v.Entry.ParentDir, &path,
		&v.Entry.RecordedAt, &v.Entry.SourceID, &v.Entry.RecordTrigger, &v.Entry.Kind,
		&v.Entry.IsSymlink, &v.Entry.OriginalSize, &v.Entry.EncryptedSize, &v.Entry.ModifiedAt,
		&contentHash, &v.Entry.UnixMode,
	)
	if err != nil {
		return nil, err
	}
	parsed, perr := domain.ParseEncryptedArchivePath(path)
	if perr != nil {
		return nil, fmt.Errorf("parse stored version path %q: %w", path, perr)
	}
	v.Entry.Path = parsed
	v.Entry.ID = v.EntryID
	if contentHash != nil {
		v.Entry.ContentHash = *contentHash
	}
	return v, nil
}

func scanVersions(rows pgx.Rows) ([]*domain.EntryVersion, error) {
	var versions []*domain.EntryVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry versions: %w", err)
	}
	return versions, nil
}

// VersionsOf returns the full history of one path, ordered by id.
func (r *versionRepository) VersionsOf(ctx context.Context, path domain.EncryptedArchivePath) ([]*domain.EntryVersion, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+versionColumns+` FROM entry_versions WHERE path = $1 ORDER BY id ASC`,
		path.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list versions of path: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

// VersionsUnder returns the full history of every path under prefix
// (inclusive), ordered by id (§4.4 versions_under).
func (r *versionRepository) VersionsUnder(ctx context.Context, prefix domain.EncryptedArchivePath) ([]*domain.EntryVersion, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+versionColumns+` FROM entry_versions WHERE path = $1 OR path LIKE $2 ORDER BY id ASC`,
		prefix.String(), prefix.LikePrefix(),
	)
	if err != nil {
		return nil, fmt.Errorf("list versions under prefix: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

// StateAt returns, for every path under prefix, the last version with
// recorded_at <= at (§4.4 state_at).
func (r *versionRepository) StateAt(ctx context.Context, prefix domain.EncryptedArchivePath, at time.Time) ([]*domain.EntryVersion, error) {
	query := `
		SELECT DISTINCT ON (path) ` + versionColumns + `
		FROM entry_versions
		WHERE (path = $1 OR path LIKE $2) AND recorded_at <= $3
		ORDER BY path ASC, recorded_at DESC, id DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, prefix.String(), prefix.LikePrefix(), at)
	if err != nil {
		return nil, fmt.Errorf("state at: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

// Get returns one version by id.
func (r *versionRepository) Get(ctx context.Context, id int64) (*domain.EntryVersion, error) {
	v, err := scanVersion(r.db.Pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM entry_versions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrVersionNotFound
		}
		return nil, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

// DeleteOldVersions deletes versions with recorded_at <= before and no
// snapshot_id, returning the distinct content hashes of the deleted rows
// (§4.4 delete_old_versions, candidate GC set); OrphanHashes then filters
// out those still referenced elsewhere.
func (r *versionRepository) DeleteOldVersions(ctx context.Context, before time.Time) ([]string, error) {
	var candidates []string

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT DISTINCT content_hash FROM entry_versions
			 WHERE recorded_at <= $1 AND snapshot_id IS NULL AND content_hash IS NOT NULL`,
			before,
		)
		if err != nil {
			return fmt.Errorf("select candidate hashes: %w", err)
		}
		for rows.Next() {
			var hash string
			if err := rows.Scan(&hash); err != nil {
				rows.Close()
				return fmt.Errorf("scan candidate hash: %w", err)
			}
			candidates = append(candidates, hash)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate candidate hashes: %w", err)
		}
		rows.Close()

		_, err = tx.Exec(ctx,
			`DELETE FROM entry_versions WHERE recorded_at <= $1 AND snapshot_id IS NULL`, before,
		)
		if err != nil {
			return fmt.Errorf("delete old versions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// OrphanHashes returns, from candidates, the hashes no longer referenced by
// any live Entry or surviving EntryVersion (§4.8 step 3).
func (r *versionRepository) OrphanHashes(ctx context.Context, candidates []string) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var orphans []string
	for _, hash := range candidates {
		var referenced bool
		err := r.db.Pool.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM entries WHERE content_hash = $1)
				OR EXISTS(SELECT 1 FROM entry_versions WHERE content_hash = $1)
		`, hash).Scan(&referenced)
		if err != nil {
			return nil, fmt.Errorf("check orphan hash %q: %w", hash, err)
		}
		if !referenced {
			orphans = append(orphans, hash)
		}
	}
	return orphans, nil
}

// Ensure versionRepository implements repository.EntryVersionRepository.
var _ repository.EntryVersionRepository = (*versionRepository)(nil)
