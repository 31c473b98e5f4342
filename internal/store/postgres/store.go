package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/tether/internal/domain"
	"github.com/gosuda/tether/internal/secrets"
)

//go:embed schema.sql
var schema string

type Store struct {
	pool      *pgxpool.Pool
	sessions  *SessionRepo
	approvals *ApprovalRepo
	devices   *DeviceRepo
	relayKeys *RelayKeyRepo
}

func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: parse config: %w", err)
	}

	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: ping: %w", err)
	}

	return &Store{
		pool:      pool,
		sessions:  NewSessionRepo(pool),
		approvals: NewApprovalRepo(pool),
		devices:   NewDeviceRepo(pool),
		relayKeys: NewRelayKeyRepo(pool),
	}, nil
}

// Migrate applies the relay schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres.Store.Migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Sessions() domain.SessionRepository   { return s.sessions }
func (s *Store) Approvals() domain.ApprovalRepository { return s.approvals }
func (s *Store) Devices() domain.DeviceRepository     { return s.devices }
func (s *Store) SealedKeys() secrets.SealedKeyRepository {
	return s.relayKeys
}
