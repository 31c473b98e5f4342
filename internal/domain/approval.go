package domain

import (
	"context"
	"time"
)

// ApprovalRequest records a permission prompt seen by the hub and the remote
// answer to it. Approved and RespondedAt are nil until answered.
type ApprovalRequest struct {
	RequestID   string
	SessionID   string
	UserID      string
	Tool        string
	Pattern     string
	Approved    *bool
	RespondedAt *time.Time
	CreatedAt   time.Time
}

// Answered reports whether a response has been recorded.
func (a *ApprovalRequest) Answered() bool {
	return a.Approved != nil
}

type ApprovalRepository interface {
	// Create records a request. Re-creating an existing request id is a no-op.
	Create(ctx context.Context, a *ApprovalRequest) error
	GetByID(ctx context.Context, requestID string) (*ApprovalRequest, error)
	// Respond stores the outcome for a request owned by userID and returns
	// the updated record. Repeated responses overwrite: last write wins.
	Respond(ctx context.Context, requestID, userID string, approved bool) (*ApprovalRequest, error)
}
