package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Device is a remote client registered to receive out-of-band
// notifications. Platform selects the notifier backend; Token is the
// platform-specific delivery address.
type Device struct {
	ID        uuid.UUID
	UserID    string
	Platform  string
	Token     string
	Name      string
	CreatedAt time.Time
}

type DeviceRepository interface {
	Register(ctx context.Context, d *Device) error
	ListByUser(ctx context.Context, userID string) ([]*Device, error)
	Delete(ctx context.Context, userID string, id uuid.UUID) error
}

// KeyRepository holds each user's relay key, the symmetric key shared with
// their daemons that lets the hub inspect sealed envelopes.
type KeyRepository interface {
	RelayKey(ctx context.Context, userID string) ([]byte, error)
	SetRelayKey(ctx context.Context, userID string, key []byte) error
}
