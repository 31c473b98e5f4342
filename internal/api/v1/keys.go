package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/tether/internal/domain"
	"github.com/gosuda/tether/internal/sealbox"
	"github.com/gosuda/tether/internal/server/middleware"
)

type PutRelayKeyInput struct {
	Body struct {
		Key string `json:"key" minLength:"1" doc:"Base64 encoded 32-byte relay key shared with the caller's daemons"`
	}
}

// RegisterKeyRoutes exposes relay key provisioning. The hub uses the key to
// recognise permission prompts inside sealed events; without one, events are
// still relayed but no approval notifications are raised.
func RegisterKeyRoutes(api huma.API, keys domain.KeyRepository) {
	huma.Register(api, huma.Operation{
		OperationID:   "put-relay-key",
		Method:        http.MethodPut,
		Path:          "/keys/relay",
		Summary:       "Set the caller's relay key",
		Tags:          []string{"Keys"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *PutRelayKeyInput) (*struct{}, error) {
		userID, ok := middleware.UserIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("missing user context")
		}

		key, err := sealbox.ParseKey(input.Body.Key)
		if err != nil {
			return nil, huma.Error400BadRequest("key must be a base64 encoded 32-byte value")
		}

		if err := keys.SetRelayKey(ctx, userID, key); err != nil {
			return nil, huma.Error500InternalServerError("failed to store relay key", err)
		}

		return nil, nil
	})
}
