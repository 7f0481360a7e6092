package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/rammingen/internal/domain"
	"github.com/prn-tf/rammingen/internal/repository"
)

// snapshotRepository implements repository.SnapshotRepository.
type snapshotRepository struct {
	db *DB
}

// NewSnapshotRepository creates a new PostgreSQL snapshot repository.
func NewSnapshotRepository(db *DB) repository.SnapshotRepository {
	return &snapshotRepository{db: db}
}

// Create inserts a new Snapshot(now) and pins the latest version of every
// current-generation Entry to it (§3 Snapshot, §4.8 step 1).
func (r *snapshotRepository) Create(ctx context.Context) (*domain.Snapshot, error) {
	snap := &domain.Snapshot{}

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO snapshots (created_at) VALUES (now()) RETURNING id, created_at`,
		).Scan(&snap.ID, &snap.CreatedAt); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}

		// Pin each current Entry's latest version: the entry_versions row
		// whose update_number matches the entry's current update_number.
		_, err := tx.Exec(ctx, `
			UPDATE entry_versions v
			SET snapshot_id = $1
			FROM entries e
			WHERE v.entry_id = e.id AND v.update_number = e.update_number AND v.snapshot_id IS NULL
		`, snap.ID)
		if err != nil {
			return fmt.Errorf("pin latest versions to snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Latest returns the most recently created Snapshot, or nil if none exists.
func (r *snapshotRepository) Latest(ctx context.Context) (*domain.Snapshot, error) {
	snap := &domain.Snapshot{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, created_at FROM snapshots ORDER BY created_at DESC LIMIT 1`,
	).Scan(&snap.ID, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	return snap, nil
}

// List returns every Snapshot, most recent first.
func (r *snapshotRepository) List(ctx context.Context) ([]*domain.Snapshot, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id, created_at FROM snapshots ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*domain.Snapshot
	for rows.Next() {
		s := &domain.Snapshot{}
		if err := rows.Scan(&s.ID, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snapshots, nil
}

// Ensure snapshotRepository implements repository.SnapshotRepository.
var _ repository.SnapshotRepository = (*snapshotRepository)(nil)
