package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tether/internal/domain"
	"github.com/gosuda/tether/internal/event"
	"github.com/gosuda/tether/internal/notify"
	"github.com/gosuda/tether/internal/sealbox"
	"github.com/gosuda/tether/internal/wire"
)

// HandleFrame dispatches one inbound frame from c. Failures are confined to
// the frame: they are logged and, for malformed input, reported back to the
// sender as an error frame. Authorization failures are silent.
func (h *Hub) HandleFrame(ctx context.Context, c *Conn, data []byte) {
	f, err := wire.DecodeFrame(data)
	if err != nil {
		h.replyError(c, "malformed frame")
		return
	}

	switch f.Type {
	case wire.TypeSessionEvent:
		err = h.handleSessionEvent(ctx, c, f)
	case wire.TypeSessionJoin, wire.TypeSessionSubscribe:
		err = h.handleJoin(ctx, c, f)
	case wire.TypeSessionLeave, wire.TypeSessionUnsubscribe:
		err = h.handleLeave(c, f)
	case wire.TypeRemoteCommand:
		err = h.handleRemoteCommand(ctx, c, f)
	case wire.TypeApprovalResponse:
		err = h.handleApprovalResponse(ctx, c, f)
	default:
		log.Debug().Str("conn_id", c.id).Str("type", string(f.Type)).Msg("hub: unknown frame type")
		return
	}

	if err == nil {
		return
	}
	if errors.Is(err, wire.ErrMalformedFrame) {
		h.replyError(c, "malformed "+string(f.Type))
	}
	log.Warn().Err(err).Str("conn_id", c.id).Str("user_id", c.userID).Str("type", string(f.Type)).Msg("hub: frame dropped")
}

func (h *Hub) handleSessionEvent(ctx context.Context, c *Conn, f wire.Frame) error {
	in, err := wire.DecodeData[wire.SessionEvent](f)
	if err != nil {
		return fmt.Errorf("hub.handleSessionEvent: %w", err)
	}
	if in.SessionID == "" || in.Payload == "" {
		return fmt.Errorf("hub.handleSessionEvent: %w", wire.ErrMalformedFrame)
	}

	session, err := h.ensureSession(ctx, c, in.SessionID)
	if err != nil {
		return fmt.Errorf("hub.handleSessionEvent: %w", err)
	}
	if !session.OwnedBy(c.userID) {
		return fmt.Errorf("hub.handleSessionEvent: session %s: %w", in.SessionID, domain.ErrForbidden)
	}

	// Inspect, persist and broadcast under the per-session lock so
	// subscribers see seq values in order and an approval record exists
	// before anyone can see the request it belongs to.
	var inspected event.Event
	err = h.sequencer.Do(in.SessionID, func() error {
		env, ok := h.inspect(ctx, session, in.Payload)
		if ok && env.SessionID != session.ID {
			return fmt.Errorf("payload sealed for session %q: %w", env.SessionID, domain.ErrForbidden)
		}

		msg := &domain.Message{SessionID: in.SessionID, Content: in.Payload}
		if appendErr := h.sessions.AppendMessage(ctx, msg); appendErr != nil {
			return appendErr
		}
		if ok {
			inspected = env.Event
			h.record(ctx, session, env.Event)
		}

		frame, encErr := wire.Encode(wire.TypeSessionEvent, wire.SessionEvent{
			SessionID: in.SessionID,
			Payload:   in.Payload,
			Message: &wire.Message{
				Seq:       msg.Seq,
				Content:   msg.Content,
				CreatedAt: msg.CreatedAt,
			},
		})
		if encErr != nil {
			return encErr
		}

		h.broadcaster.Broadcast(ctx, SessionRoom(in.SessionID), frame, c.id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("hub.handleSessionEvent: %w", err)
	}

	if req, ok := inspected.(event.PermissionRequest); ok {
		h.announce(ctx, c, session, req)
	}

	return nil
}

// ensureSession returns the stored session, creating it on first sight owned
// by the caller and bound to the caller's machine.
func (h *Hub) ensureSession(ctx context.Context, c *Conn, sessionID string) (*domain.Session, error) {
	s, err := h.sessions.GetByID(ctx, sessionID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	s = &domain.Session{
		ID:        sessionID,
		UserID:    c.userID,
		MachineID: c.machineID,
		CreatedAt: h.now(),
	}
	err = h.sessions.Create(ctx, s)
	if errors.Is(err, domain.ErrConflict) {
		// Lost the race against another connection; use the winner's row.
		return h.sessions.GetByID(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}

	log.Info().Str("session_id", sessionID).Str("user_id", c.userID).Str("machine_id", c.machineID).Msg("hub: session created")
	return s, nil
}

// inspect opens the sealed payload with the user's relay key. This is the
// only place the hub looks inside an envelope. It reports false when the
// user has no key or the payload cannot be opened; such events are still
// relayed.
func (h *Hub) inspect(ctx context.Context, session *domain.Session, payload string) (event.Envelope, bool) {
	if h.keys == nil {
		return event.Envelope{}, false
	}

	key, err := h.keys.RelayKey(ctx, session.UserID)
	if err != nil {
		log.Debug().Err(err).Str("user_id", session.UserID).Msg("hub: no relay key, skipping inspection")
		return event.Envelope{}, false
	}
	box, err := sealbox.New(key)
	if err != nil {
		log.Warn().Err(err).Str("user_id", session.UserID).Msg("hub: invalid relay key")
		return event.Envelope{}, false
	}

	env, err := box.OpenEnvelope(payload)
	if err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("hub: undecryptable payload")
		return event.Envelope{}, false
	}
	return env, true
}

// record stores what the hub learned from an inspected event.
func (h *Hub) record(ctx context.Context, session *domain.Session, ev event.Event) {
	switch ev := ev.(type) {
	case event.PermissionRequest:
		err := h.approvals.Create(ctx, &domain.ApprovalRequest{
			RequestID: ev.RequestID,
			SessionID: session.ID,
			UserID:    session.UserID,
			Tool:      ev.Tool,
			Pattern:   ev.Pattern,
			CreatedAt: h.now(),
		})
		if err != nil {
			log.Error().Err(err).Str("request_id", ev.RequestID).Msg("hub: record approval request")
		}
	case event.SessionStart:
		projectPath, toolKind := ev.Metadata[wire.MetadataProjectPath], ev.Metadata[wire.MetadataToolKind]
		if projectPath == "" && toolKind == "" {
			return
		}
		if err := h.sessions.UpdateInfo(ctx, session.ID, projectPath, toolKind); err != nil {
			log.Warn().Err(err).Str("session_id", session.ID).Msg("hub: update session info")
		}
	}
}

// announce tells the user's clients and devices that an approval is waiting.
func (h *Hub) announce(ctx context.Context, c *Conn, session *domain.Session, ev event.PermissionRequest) {
	n := wire.Notification{
		Type:      string(event.KindPermissionRequest),
		SessionID: session.ID,
		RequestID: ev.RequestID,
		Title:     "Approval needed",
		Message:   fmt.Sprintf("%s wants access to %s", ev.Tool, ev.Pattern),
	}

	frame, err := wire.Encode(wire.TypeNotification, n)
	if err != nil {
		log.Error().Err(err).Msg("hub: encode notification")
	} else {
		h.broadcaster.Broadcast(ctx, UserRoom(session.UserID), frame, c.id)
	}

	if h.notifier == nil {
		return
	}

	h.bg.Add(1)
	go func() {
		defer h.bg.Done()

		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.NotifyTimeout)
		defer cancel()

		err := h.notifier.NotifyUser(notifyCtx, session.UserID, notifyPayload(n))
		if err != nil {
			log.Warn().Err(err).Str("user_id", session.UserID).Str("request_id", ev.RequestID).Msg("hub: out-of-band notification failed")
		}
	}()
}

func (h *Hub) handleJoin(ctx context.Context, c *Conn, f wire.Frame) error {
	ref, err := wire.DecodeData[wire.SessionRef](f)
	if err != nil {
		return fmt.Errorf("hub.handleJoin: %w", err)
	}

	s, err := h.sessions.GetByID(ctx, ref.SessionID)
	if err != nil || !s.OwnedBy(c.userID) {
		// Refused without a reply so callers cannot discover sessions.
		log.Debug().Err(err).Str("conn_id", c.id).Str("session_id", ref.SessionID).Msg("hub: join refused")
		return nil
	}

	h.rooms.Join(SessionRoom(ref.SessionID), c)
	return nil
}

func (h *Hub) handleLeave(c *Conn, f wire.Frame) error {
	ref, err := wire.DecodeData[wire.SessionRef](f)
	if err != nil {
		return fmt.Errorf("hub.handleLeave: %w", err)
	}

	h.rooms.Leave(SessionRoom(ref.SessionID), c)
	return nil
}

func (h *Hub) handleRemoteCommand(ctx context.Context, c *Conn, f wire.Frame) error {
	cmd, err := wire.DecodeData[wire.RemoteCommand](f)
	if err != nil {
		return fmt.Errorf("hub.handleRemoteCommand: %w", err)
	}
	if cmd.SessionID == "" || cmd.Payload == "" {
		return fmt.Errorf("hub.handleRemoteCommand: %w", wire.ErrMalformedFrame)
	}

	s, err := h.sessions.GetByID(ctx, cmd.SessionID)
	if err != nil {
		return fmt.Errorf("hub.handleRemoteCommand: %w", err)
	}
	if !s.OwnedBy(c.userID) {
		return fmt.Errorf("hub.handleRemoteCommand: session %s: %w", cmd.SessionID, domain.ErrForbidden)
	}

	frame, err := wire.Encode(wire.TypeRemoteCommand, cmd)
	if err != nil {
		return fmt.Errorf("hub.handleRemoteCommand: %w", err)
	}

	h.broadcaster.Broadcast(ctx, MachineRoom(s.UserID, s.MachineID), frame, c.id)
	return nil
}

func (h *Hub) handleApprovalResponse(ctx context.Context, c *Conn, f wire.Frame) error {
	resp, err := wire.DecodeData[wire.ApprovalResponse](f)
	if err != nil {
		return fmt.Errorf("hub.handleApprovalResponse: %w", err)
	}
	if resp.RequestID == "" {
		return fmt.Errorf("hub.handleApprovalResponse: %w", wire.ErrMalformedFrame)
	}

	a, err := h.approvals.Respond(ctx, resp.RequestID, c.userID, resp.Approved)
	if err != nil {
		return fmt.Errorf("hub.handleApprovalResponse: request %s: %w", resp.RequestID, err)
	}

	s, err := h.sessions.GetByID(ctx, a.SessionID)
	if err != nil {
		return fmt.Errorf("hub.handleApprovalResponse: %w", err)
	}

	frame, err := wire.Encode(wire.TypeApprovalResponse, resp)
	if err != nil {
		return fmt.Errorf("hub.handleApprovalResponse: %w", err)
	}

	h.broadcaster.Broadcast(ctx, MachineRoom(s.UserID, s.MachineID), frame, c.id)
	return nil
}

func (h *Hub) replyError(c *Conn, msg string) {
	frame, err := wire.Encode(wire.TypeError, wire.ErrorPayload{Message: msg})
	if err != nil {
		return
	}
	c.Enqueue(frame)
}

func notifyPayload(n wire.Notification) notify.Payload {
	return notify.Payload{
		Title:     n.Title,
		Message:   n.Message,
		SessionID: n.SessionID,
		RequestID: n.RequestID,
	}
}
