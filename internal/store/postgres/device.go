package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/tether/internal/domain"
)

type DeviceRepo struct {
	pool *pgxpool.Pool
}

func NewDeviceRepo(pool *pgxpool.Pool) *DeviceRepo {
	return &DeviceRepo{pool: pool}
}

// Register upserts a device; re-registering the same token refreshes its name.
func (r *DeviceRepo) Register(ctx context.Context, d *domain.Device) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO devices (id, user_id, platform, token, name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, platform, token) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id, created_at`,
		d.ID, d.UserID, d.Platform, d.Token, d.Name, d.CreatedAt,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("deviceRepo.Register: %w", err)
	}

	return nil
}

func (r *DeviceRepo) ListByUser(ctx context.Context, userID string) ([]*domain.Device, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, platform, token, name, created_at
		 FROM devices WHERE user_id = $1 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("deviceRepo.ListByUser: %w", err)
	}
	defer rows.Close()

	var devices []*domain.Device
	for rows.Next() {
		var d domain.Device

		scanErr := rows.Scan(&d.ID, &d.UserID, &d.Platform, &d.Token, &d.Name, &d.CreatedAt)
		if scanErr != nil {
			return nil, fmt.Errorf("deviceRepo.ListByUser: scan: %w", scanErr)
		}
		devices = append(devices, &d)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("deviceRepo.ListByUser: rows: %w", rowsErr)
	}

	return devices, nil
}

func (r *DeviceRepo) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM devices WHERE user_id = $1 AND id = $2`,
		userID, id,
	)
	if err != nil {
		return fmt.Errorf("deviceRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deviceRepo.Delete: %w", domain.ErrNotFound)
	}

	return nil
}
