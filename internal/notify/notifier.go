// Package notify delivers out-of-band alerts to a user's registered devices.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tether/internal/domain"
)

// ErrPlatformNotFound is returned when a device platform has no registered sender.
var ErrPlatformNotFound = errors.New("notify: platform not found") //nolint:gochecknoglobals // sentinel error

// Payload is the content of one notification.
type Payload struct {
	Title     string
	Message   string
	SessionID string
	RequestID string
}

// Sender delivers a payload to one device address on a single platform.
type Sender interface {
	Notify(ctx context.Context, deviceToken string, p Payload) error
}

// SenderRegistry maps platform names to Senders.
type SenderRegistry interface {
	Get(platform string) (Sender, bool)
}

// DeviceLister finds the devices registered for a user.
type DeviceLister interface {
	ListByUser(ctx context.Context, userID string) ([]*domain.Device, error)
}

// Notifier fans a notification out to every device a user registered.
type Notifier struct {
	senders SenderRegistry
	devices DeviceLister
}

// New creates a Notifier with the given sender registry and device lister.
func New(senders SenderRegistry, devices DeviceLister) *Notifier {
	return &Notifier{
		senders: senders,
		devices: devices,
	}
}

// NotifyUser sends p to all of the user's devices. A failing device does not
// stop delivery to the others; all failures are returned joined.
func (n *Notifier) NotifyUser(ctx context.Context, userID string, p Payload) error {
	devices, err := n.devices.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("notify.Notifier.NotifyUser: list devices: %w", err)
	}

	if len(devices) == 0 {
		log.Debug().Str("user_id", userID).Str("title", p.Title).Msg("notify: no devices registered")
		return nil
	}

	var errs []error
	for _, d := range devices {
		if sendErr := n.NotifyVia(ctx, d.Platform, d.Token, p); sendErr != nil {
			log.Warn().Err(sendErr).Str("user_id", userID).Str("device_id", d.ID.String()).Msg("notify: device delivery failed")
			errs = append(errs, sendErr)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify.Notifier.NotifyUser: %w", errors.Join(errs...))
	}

	return nil
}

// NotifyVia sends a notification using a specific platform and device token directly.
func (n *Notifier) NotifyVia(ctx context.Context, platform, deviceToken string, p Payload) error {
	s, ok := n.senders.Get(platform)
	if !ok {
		return fmt.Errorf("notify.Notifier.NotifyVia: platform %q: %w", platform, ErrPlatformNotFound)
	}

	if err := s.Notify(ctx, deviceToken, p); err != nil {
		return fmt.Errorf("notify.Notifier.NotifyVia: send: %w", err)
	}

	return nil
}
