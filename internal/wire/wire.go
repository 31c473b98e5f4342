// Package wire defines the frames exchanged over the relay websocket.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedFrame is returned when a frame cannot be decoded.
var ErrMalformedFrame = errors.New("wire: malformed frame") //nolint:gochecknoglobals // sentinel error

// Type names a logical wire message.
type Type string

const (
	TypeSessionEvent       Type = "session:event"
	TypeRemoteCommand      Type = "remote:command"
	TypeApprovalResponse   Type = "approval:response"
	TypeSessionJoin        Type = "session:join"
	TypeSessionSubscribe   Type = "session:subscribe"
	TypeSessionLeave       Type = "session:leave"
	TypeSessionUnsubscribe Type = "session:unsubscribe"
	TypeNotification       Type = "notification"
	TypeError              Type = "error"
)

// Handshake fields.
const (
	HeaderMachineID = "X-Machine-ID"
	QueryMachineID  = "machineId"
	QueryToken      = "token"
	RelayPath       = "/v1/relay"
	HealthPath      = "/health"
)

// Frame is the outer shape of every websocket message.
type Frame struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is the persisted form of a session event as seen by subscribers.
type Message struct {
	Seq       int64     `json:"seq"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionEvent carries one sealed envelope. Message is set by the hub when
// it broadcasts a persisted event.
type SessionEvent struct {
	SessionID string   `json:"sessionId"`
	Payload   string   `json:"event"`
	Message   *Message `json:"message,omitempty"`
}

// RemoteCommand carries a sealed Command for one session.
type RemoteCommand struct {
	SessionID string `json:"sessionId"`
	Payload   string `json:"command"`
}

// ApprovalResponse answers a permission request.
type ApprovalResponse struct {
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
}

// SessionRef names a session for join/leave requests.
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

// Notification is emitted into a user's room when an out-of-band alert fires.
type Notification struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId,omitempty"`
	Title     string `json:"title"`
	Message   string `json:"message"`
}

// ErrorPayload is sent for malformed input that the hub can attribute to the
// caller without leaking authorization state.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Session-start metadata keys the hub copies onto the stored session.
const (
	MetadataProjectPath = "projectPath"
	MetadataToolKind    = "toolKind"
)

// Command kinds carried inside a sealed RemoteCommand.
const (
	CommandInput        = "input"
	CommandStop         = "stop"
	CommandSwitchDevice = "switch-device"
)

// Command is the plaintext of a RemoteCommand payload.
type Command struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Device string `json:"device,omitempty"`
}

// Encode builds a frame for the given type and payload.
func Encode(t Type, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire.Encode(%s): %w", t, err)
	}
	out, err := json.Marshal(Frame{Type: t, Data: data})
	if err != nil {
		return nil, fmt.Errorf("wire.Encode(%s): %w", t, err)
	}
	return out, nil
}

// DecodeFrame parses the outer frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("wire.DecodeFrame: %w", ErrMalformedFrame)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("wire.DecodeFrame: missing type: %w", ErrMalformedFrame)
	}
	return f, nil
}

// DecodeData unmarshals a frame's payload into T.
func DecodeData[T any](f Frame) (T, error) {
	var v T
	if len(f.Data) == 0 {
		return v, fmt.Errorf("wire.DecodeData(%s): empty payload: %w", f.Type, ErrMalformedFrame)
	}
	if err := json.Unmarshal(f.Data, &v); err != nil {
		return v, fmt.Errorf("wire.DecodeData(%s): %w", f.Type, ErrMalformedFrame)
	}
	return v, nil
}
