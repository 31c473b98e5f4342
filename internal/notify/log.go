package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// PlatformLog is served by LogSender.
const PlatformLog = "log"

// LogSender writes notifications to the structured log. It is registered
// when no push backend is configured so development setups still see them.
type LogSender struct{}

func (LogSender) Notify(_ context.Context, deviceToken string, p Payload) error {
	log.Info().
		Str("device", deviceToken).
		Str("session_id", p.SessionID).
		Str("request_id", p.RequestID).
		Str("title", p.Title).
		Msg(p.Message)
	return nil
}
