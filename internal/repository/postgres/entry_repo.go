package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/rammingen/internal/domain"
	"github.com/prn-tf/rammingen/internal/repository"
)

// entryRepository implements repository.EntryRepository.
type entryRepository struct {
	db *DB
}

// NewEntryRepository creates a new PostgreSQL entry repository.
func NewEntryRepository(db *DB) repository.EntryRepository {
	return &entryRepository{db: db}
}

const entryColumns = `id, update_number, parent_dir, path, recorded_at, source_id,
	record_trigger, kind, is_symlink, original_size, encrypted_size, modified_at,
	content_hash, unix_mode`

func scanEntry(row pgx.Row) (*domain.Entry, error) {
	e := &domain.Entry{}
	var path string
	var contentHash *string
	err := row.Scan(
		&e.ID, &e.UpdateNumber, &e.ParentDir, &path, &e.RecordedAt, &e.SourceID,
		&e.RecordTrigger, &e.Kind, &e.IsSymlink, &e.OriginalSize, &e.EncryptedSize, &e.ModifiedAt,
		&contentHash, &e.UnixMode,
	)
	if err != nil {
		return nil, err
	}
	parsed, perr := domain.ParseEncryptedArchivePath(path)
	if perr != nil {
		return nil, fmt.Errorf("parse stored entry path %q: %w", path, perr)
	}
	e.Path = parsed
	if contentHash != nil {
		e.ContentHash = *contentHash
	}
	return e, nil
}

// GetByPath retrieves the current Entry at an encrypted path.
func (r *entryRepository) GetByPath(ctx context.Context, path domain.EncryptedArchivePath) (*domain.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries WHERE path = $1`

	e, err := scanEntry(r.db.Pool.QueryRow(ctx, query, path.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get entry by path: %w", err)
	}
	return e, nil
}

// GetByID retrieves the current Entry by id.
func (r *entryRepository) GetByID(ctx context.Context, id int64) (*domain.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries WHERE id = $1`

	e, err := scanEntry(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get entry by id: %w", err)
	}
	return e, nil
}

// Children returns the one-level listing of direct children of parentID
// (§4.4 list_children).
func (r *entryRepository) Children(ctx context.Context, parentID int64) ([]*domain.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries WHERE parent_dir = $1 ORDER BY path ASC`

	rows, err := r.db.Pool.Query(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// UpdatesSince streams Entries with update_number > after (§4.4 updates_since).
func (r *entryRepository) UpdatesSince(ctx context.Context, after int64, limit int) ([]*domain.Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + entryColumns + ` FROM entries WHERE update_number > $1 ORDER BY update_number ASC LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list updates since: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ContentReferenced reports whether any live Entry references hash
// (§4.4 content_referenced).
func (r *entryRepository) ContentReferenced(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM entries WHERE content_hash = $1)`, hash,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check content referenced: %w", err)
	}
	return exists, nil
}

// RecordMutation upserts the current Entry at e.Path and appends the
// corresponding entry_versions row, all in one transaction (§4.4's mutation
// trigger made explicit in application code).
func (r *entryRepository) RecordMutation(ctx context.Context, e *domain.Entry) (*domain.Entry, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var result *domain.Entry
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var updateNumber int64
		if err := tx.QueryRow(ctx, `SELECT nextval('update_number_seq')`).Scan(&updateNumber); err != nil {
			return fmt.Errorf("draw update_number: %w", err)
		}

		query := `
			INSERT INTO entries (update_number, parent_dir, path, recorded_at, source_id,
				record_trigger, kind, is_symlink, original_size, encrypted_size, modified_at,
				content_hash, unix_mode)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (path) DO UPDATE SET
				update_number = EXCLUDED.update_number,
				parent_dir = EXCLUDED.parent_dir,
				recorded_at = EXCLUDED.recorded_at,
				source_id = EXCLUDED.source_id,
				record_trigger = EXCLUDED.record_trigger,
				kind = EXCLUDED.kind,
				is_symlink = EXCLUDED.is_symlink,
				original_size = EXCLUDED.original_size,
				encrypted_size = EXCLUDED.encrypted_size,
				modified_at = EXCLUDED.modified_at,
				content_hash = EXCLUDED.content_hash,
				unix_mode = EXCLUDED.unix_mode
			RETURNING id
		`

		err := tx.QueryRow(ctx, query,
			updateNumber, e.ParentDir, e.Path.String(), e.RecordedAt, e.SourceID,
			e.RecordTrigger, e.Kind, e.IsSymlink, e.OriginalSize, e.EncryptedSize, e.ModifiedAt,
			nullString(e.ContentHash), e.UnixMode,
		).Scan(&e.ID)
		if err != nil {
			if isForeignKeyViolation(err) {
				return domain.ErrParentMissing
			}
			return fmt.Errorf("upsert entry: %w", err)
		}
		e.UpdateNumber = updateNumber

		versionQuery := `
			INSERT INTO entry_versions (entry_id, update_number, parent_dir, path, recorded_at,
				source_id, record_trigger, kind, is_symlink, original_size, encrypted_size,
				modified_at, content_hash, unix_mode)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`
		_, err = tx.Exec(ctx, versionQuery,
			e.ID, updateNumber, e.ParentDir, e.Path.String(), e.RecordedAt, e.SourceID,
			e.RecordTrigger, e.Kind, e.IsSymlink, e.OriginalSize, e.EncryptedSize, e.ModifiedAt,
			nullString(e.ContentHash), e.UnixMode,
		)
		if err != nil {
			return fmt.Errorf("append entry version: %w", err)
		}

		result = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Move atomically renames every Entry under src (inclusive) to the
// corresponding path under dst (§4.5 MoveEntry).
func (r *entryRepository) Move(ctx context.Context, src, dst domain.EncryptedArchivePath, sourceID int64) ([]int64, error) {
	var updateNumbers []int64

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+entryColumns+` FROM entries WHERE path = $1 OR path LIKE $2`,
			src.String(), src.LikePrefix())
		if err != nil {
			return fmt.Errorf("select move subtree: %w", err)
		}
		entries, err := scanEntries(rows)
		if err != nil {
			return err
		}

		for _, e := range entries {
			suffix := e.Path.String()[len(src.String()):]
			newPath, err := domain.ParseEncryptedArchivePath(dst.String() + suffix)
			if err != nil {
				return fmt.Errorf("compute move target: %w", err)
			}

			var updateNumber int64
			if err := tx.QueryRow(ctx, `SELECT nextval('update_number_seq')`).Scan(&updateNumber); err != nil {
				return fmt.Errorf("draw update_number: %w", err)
			}

			_, err = tx.Exec(ctx, `UPDATE entries SET update_number = $2, path = $3, source_id = $4,
				recorded_at = now() WHERE id = $1`,
				e.ID, updateNumber, newPath.String(), sourceID)
			if err != nil {
				return fmt.Errorf("update moved entry: %w", err)
			}

			_, err = tx.Exec(ctx, `INSERT INTO entry_versions (entry_id, update_number, parent_dir,
				path, recorded_at, source_id, record_trigger, kind, is_symlink, original_size,
				encrypted_size, modified_at, content_hash, unix_mode)
				VALUES ($1, $2, $3, $4, now(), $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				e.ID, updateNumber, e.ParentDir, newPath.String(), sourceID, domain.TriggerSync,
				e.Kind, e.IsSymlink, e.OriginalSize, e.EncryptedSize, e.ModifiedAt,
				nullString(e.ContentHash), e.UnixMode)
			if err != nil {
				return fmt.Errorf("append moved entry version: %w", err)
			}

			updateNumbers = append(updateNumbers, updateNumber)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updateNumbers, nil
}

func scanEntries(rows pgx.Rows) ([]*domain.Entry, error) {
	var entries []*domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Ensure entryRepository implements repository.EntryRepository.
var _ repository.EntryRepository = (*entryRepository)(nil)
