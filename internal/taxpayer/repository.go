package taxpayer

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates the taxpayer does not exist.
var ErrNotFound = errors.New("taxpayer: not found")

// Repository provides PostgreSQL backed access to taxpayer configuration.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetConfig loads one taxpayer's issuance configuration.
func (r *Repository) GetConfig(ctx context.Context, id int64) (Config, error) {
	const query = `
		SELECT id, name, cuit, active, point_of_sale, regime,
			authority_token, authority_sign
		FROM taxpayers
		WHERE id = $1`

	var cfg Config
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&cfg.ID, &cfg.Name, &cfg.CUIT, &cfg.Active, &cfg.PointOfSale, &cfg.Regime,
		&cfg.Credentials.Token, &cfg.Credentials.Sign,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Config{}, ErrNotFound
	}
	if err != nil {
		return Config{}, err
	}
	cfg.Credentials.CUIT = cfg.CUIT
	return cfg, nil
}

// ListActive returns every active taxpayer, used by the reconciliation sweep.
func (r *Repository) ListActive(ctx context.Context) ([]Config, error) {
	const query = `
		SELECT id, name, cuit, active, point_of_sale, regime,
			authority_token, authority_sign
		FROM taxpayers
		WHERE active
		ORDER BY id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		var cfg Config
		if err := rows.Scan(
			&cfg.ID, &cfg.Name, &cfg.CUIT, &cfg.Active, &cfg.PointOfSale, &cfg.Regime,
			&cfg.Credentials.Token, &cfg.Credentials.Sign,
		); err != nil {
			return nil, err
		}
		cfg.Credentials.CUIT = cfg.CUIT
		out = append(out, cfg)
	}
	return out, rows.Err()
}
