package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/rammingen/internal/domain"
	"github.com/prn-tf/rammingen/internal/repository"
)

// sourceRepository implements repository.SourceRepository.
type sourceRepository struct {
	db *DB
}

// NewSourceRepository creates a new PostgreSQL source repository.
func NewSourceRepository(db *DB) repository.SourceRepository {
	return &sourceRepository{db: db}
}

// Create registers a new Source with its bearer access token (§3 Source).
func (r *sourceRepository) Create(ctx context.Context, name string, accessToken string) (*domain.Source, error) {
	s := &domain.Source{Name: name, AccessToken: accessToken}

	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO sources (name, access_token) VALUES ($1, $2) RETURNING id`,
		s.Name, s.AccessToken,
	).Scan(&s.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: source %q already exists", domain.ErrSourceInUse, name)
		}
		return nil, fmt.Errorf("create source: %w", err)
	}
	return s, nil
}

// GetByToken authenticates a bearer token to its Source.
func (r *sourceRepository) GetByToken(ctx context.Context, token string) (*domain.Source, error) {
	s := &domain.Source{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, name, access_token FROM sources WHERE access_token = $1`, token,
	).Scan(&s.ID, &s.Name, &s.AccessToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSourceNotFound
		}
		return nil, fmt.Errorf("get source by token: %w", err)
	}
	return s, nil
}

// GetByName retrieves a Source by its human name.
func (r *sourceRepository) GetByName(ctx context.Context, name string) (*domain.Source, error) {
	s := &domain.Source{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, name, access_token FROM sources WHERE name = $1`, name,
	).Scan(&s.ID, &s.Name, &s.AccessToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSourceNotFound
		}
		return nil, fmt.Errorf("get source by name: %w", err)
	}
	return s, nil
}

// List returns every registered Source.
func (r *sourceRepository) List(ctx context.Context) ([]*domain.Source, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id, name, access_token FROM sources ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []*domain.Source
	for rows.Next() {
		s := &domain.Source{}
		if err := rows.Scan(&s.ID, &s.Name, &s.AccessToken); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return sources, nil
}

// Ensure sourceRepository implements repository.SourceRepository.
var _ repository.SourceRepository = (*sourceRepository)(nil)
