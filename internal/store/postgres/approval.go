package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/tether/internal/domain"
)

type ApprovalRepo struct {
	pool *pgxpool.Pool
}

func NewApprovalRepo(pool *pgxpool.Pool) *ApprovalRepo {
	return &ApprovalRepo{pool: pool}
}

func (r *ApprovalRepo) Create(ctx context.Context, a *domain.ApprovalRequest) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO approval_requests (request_id, session_id, user_id, tool, pattern, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (request_id) DO NOTHING`,
		a.RequestID, a.SessionID, a.UserID, a.Tool, a.Pattern, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("approvalRepo.Create: %w", err)
	}

	return nil
}

func (r *ApprovalRepo) GetByID(ctx context.Context, requestID string) (*domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest

	err := r.pool.QueryRow(ctx,
		`SELECT request_id, session_id, user_id, tool, pattern, approved, responded_at, created_at
		 FROM approval_requests WHERE request_id = $1`,
		requestID,
	).Scan(&a.RequestID, &a.SessionID, &a.UserID, &a.Tool, &a.Pattern, &a.Approved, &a.RespondedAt, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("approvalRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("approvalRepo.GetByID: %w", err)
	}

	return &a, nil
}

func (r *ApprovalRepo) Respond(ctx context.Context, requestID, userID string, approved bool) (*domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest

	err := r.pool.QueryRow(ctx,
		`UPDATE approval_requests SET approved = $1, responded_at = now()
		 WHERE request_id = $2 AND user_id = $3
		 RETURNING request_id, session_id, user_id, tool, pattern, approved, responded_at, created_at`,
		approved, requestID, userID,
	).Scan(&a.RequestID, &a.SessionID, &a.UserID, &a.Tool, &a.Pattern, &a.Approved, &a.RespondedAt, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("approvalRepo.Respond: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("approvalRepo.Respond: %w", err)
	}

	return &a, nil
}
