package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/tether/internal/domain"
	"github.com/gosuda/tether/internal/server/middleware"
)

// Approval is the REST view of a recorded permission prompt.
type Approval struct {
	RequestID   string     `json:"requestId"`
	SessionID   string     `json:"sessionId"`
	Tool        string     `json:"tool"`
	Pattern     string     `json:"pattern,omitempty"`
	Approved    *bool      `json:"approved,omitempty" doc:"Absent until answered"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type GetApprovalInput struct {
	RequestID string `path:"requestId" doc:"Approval request ID"`
}

type GetApprovalOutput struct {
	Body Approval
}

func RegisterApprovalRoutes(api huma.API, store DataStore) {
	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{requestId}",
		Summary:     "Get the state of an approval request",
		Tags:        []string{"Approvals"},
	}, func(ctx context.Context, input *GetApprovalInput) (*GetApprovalOutput, error) {
		userID, ok := middleware.UserIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("missing user context")
		}

		a, err := store.Approvals().GetByID(ctx, input.RequestID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("approval not found")
			}
			return nil, huma.Error500InternalServerError("failed to get approval", err)
		}
		if a.UserID != userID {
			return nil, huma.Error404NotFound("approval not found")
		}

		return &GetApprovalOutput{Body: Approval{
			RequestID:   a.RequestID,
			SessionID:   a.SessionID,
			Tool:        a.Tool,
			Pattern:     a.Pattern,
			Approved:    a.Approved,
			RespondedAt: a.RespondedAt,
			CreatedAt:   a.CreatedAt,
		}}, nil
	})
}
