package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/tether/internal/domain"
)

// RelayKeyRepo implements secrets.SealedKeyRepository using PostgreSQL.
type RelayKeyRepo struct {
	pool *pgxpool.Pool
}

func NewRelayKeyRepo(pool *pgxpool.Pool) *RelayKeyRepo {
	return &RelayKeyRepo{pool: pool}
}

func (r *RelayKeyRepo) GetSealedKey(ctx context.Context, userID string) (string, error) {
	var sealed string

	err := r.pool.QueryRow(ctx,
		`SELECT sealed_key FROM relay_keys WHERE user_id = $1`,
		userID,
	).Scan(&sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("relayKeyRepo.GetSealedKey: %w", domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("relayKeyRepo.GetSealedKey: %w", err)
	}

	return sealed, nil
}

func (r *RelayKeyRepo) PutSealedKey(ctx context.Context, userID, sealed string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO relay_keys (user_id, sealed_key, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET sealed_key = EXCLUDED.sealed_key, updated_at = now()`,
		userID, sealed,
	)
	if err != nil {
		return fmt.Errorf("relayKeyRepo.PutSealedKey: %w", err)
	}

	return nil
}
