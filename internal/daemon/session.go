package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tether/internal/interceptor"
	"github.com/gosuda/tether/internal/wire"
)

// ErrUnknownCommand is returned for remote commands the daemon does not
// understand.
var ErrUnknownCommand = errors.New("daemon: unknown command") //nolint:gochecknoglobals // sentinel error

const stopTimeout = 10 * time.Second

// Session is one spawned agent as seen by the connection manager.
type Session struct {
	id       string
	proc     *interceptor.Process
	switcher *DeviceSwitcher
}

func (s *Session) ID() string {
	return s.id
}

// Done is closed when the agent process has exited.
func (s *Session) Done() <-chan struct{} {
	return s.proc.Done()
}

// HandleCommand applies a remote command. A stop runs in the background so
// the relay read loop is not held for the termination grace period.
func (s *Session) HandleCommand(ctx context.Context, cmd wire.Command) error {
	switch cmd.Type {
	case wire.CommandInput:
		if err := s.proc.Interceptor().WriteInput(cmd.Text); err != nil {
			return fmt.Errorf("daemon.Session.HandleCommand: %w", err)
		}
		return nil
	case wire.CommandStop:
		go func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
			defer cancel()
			if err := s.Stop(stopCtx); err != nil {
				log.Warn().Err(err).Str("session_id", s.id).Msg("daemon: remote stop")
			}
		}()
		return nil
	case wire.CommandSwitchDevice:
		if err := s.switcher.Switch(cmd.Device); err != nil {
			return fmt.Errorf("daemon.Session.HandleCommand: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("daemon.Session.HandleCommand: %q: %w", cmd.Type, ErrUnknownCommand)
	}
}

func (s *Session) HandleApproval(requestID string, approved bool) bool {
	return s.proc.Interceptor().HandleApproval(requestID, approved)
}

// Stop terminates the agent and denies its pending approvals.
func (s *Session) Stop(ctx context.Context) error {
	s.switcher.Stop()
	if err := s.proc.Stop(ctx); err != nil {
		return fmt.Errorf("daemon.Session.Stop: %w", err)
	}
	return nil
}
