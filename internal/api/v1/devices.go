package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/tether/internal/domain"
	"github.com/gosuda/tether/internal/server/middleware"
)

// Device is the REST view of a notification target. The delivery token is
// write-only.
type Device struct {
	ID        uuid.UUID `json:"id"`
	Platform  string    `json:"platform"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type RegisterDeviceInput struct {
	Body struct {
		Platform string `json:"platform" enum:"slack,log" doc:"Notification backend"`
		Token    string `json:"token" minLength:"1" maxLength:"512" doc:"Platform-specific delivery address"`
		Name     string `json:"name,omitempty" maxLength:"255" doc:"Human readable label"`
	}
}

type RegisterDeviceOutput struct {
	Body Device
}

type ListDevicesInput struct{}

type ListDevicesOutput struct {
	Body []Device
}

type DeleteDeviceInput struct {
	ID uuid.UUID `path:"id" doc:"Device ID"`
}

func RegisterDeviceRoutes(api huma.API, store DataStore) {
	huma.Register(api, huma.Operation{
		OperationID: "register-device",
		Method:      http.MethodPost,
		Path:        "/devices",
		Summary:     "Register a device for approval notifications",
		Tags:        []string{"Devices"},
	}, func(ctx context.Context, input *RegisterDeviceInput) (*RegisterDeviceOutput, error) {
		userID, ok := middleware.UserIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("missing user context")
		}

		d := &domain.Device{
			UserID:   userID,
			Platform: input.Body.Platform,
			Token:    input.Body.Token,
			Name:     input.Body.Name,
		}
		if err := store.Devices().Register(ctx, d); err != nil {
			return nil, huma.Error500InternalServerError("failed to register device", err)
		}

		return &RegisterDeviceOutput{Body: toDevice(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-devices",
		Method:      http.MethodGet,
		Path:        "/devices",
		Summary:     "List the caller's registered devices",
		Tags:        []string{"Devices"},
	}, func(ctx context.Context, _ *ListDevicesInput) (*ListDevicesOutput, error) {
		userID, ok := middleware.UserIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("missing user context")
		}

		devices, err := store.Devices().ListByUser(ctx, userID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list devices", err)
		}

		out := make([]Device, 0, len(devices))
		for _, d := range devices {
			out = append(out, toDevice(d))
		}
		return &ListDevicesOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-device",
		Method:        http.MethodDelete,
		Path:          "/devices/{id}",
		Summary:       "Remove a registered device",
		Tags:          []string{"Devices"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *DeleteDeviceInput) (*struct{}, error) {
		userID, ok := middleware.UserIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("missing user context")
		}

		if err := store.Devices().Delete(ctx, userID, input.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("device not found")
			}
			return nil, huma.Error500InternalServerError("failed to delete device", err)
		}

		return nil, nil
	})
}

func toDevice(d *domain.Device) Device {
	return Device{ID: d.ID, Platform: d.Platform, Name: d.Name, CreatedAt: d.CreatedAt}
}
