package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Origin tells which side of the relay produced an envelope.
type Origin string

const (
	OriginAgent  Origin = "agent"
	OriginRemote Origin = "remote"
)

// Envelope wraps one Event with its routing metadata. It is sealed before it
// leaves the daemon and only opened by holders of the session key.
type Envelope struct {
	Origin    Origin
	SessionID string
	TurnID    string
	Event     Event
	TS        time.Time
}

// New returns an agent-origin envelope stamped with the current time.
func New(sessionID string, ev Event) Envelope {
	return Envelope{
		Origin:    OriginAgent,
		SessionID: sessionID,
		Event:     ev,
		TS:        time.Now(),
	}
}

type wireEnvelope struct {
	Origin    Origin          `json:"origin"`
	SessionID string          `json:"sessionId"`
	TurnID    string          `json:"turnId,omitempty"`
	Event     json.RawMessage `json:"event"`
	TS        int64           `json:"ts"`
}

// Marshal validates and encodes an envelope.
func Marshal(env Envelope) ([]byte, error) {
	if env.Origin != OriginAgent && env.Origin != OriginRemote {
		return nil, fmt.Errorf("event.Marshal: origin %q: %w", env.Origin, ErrInvalidEvent)
	}
	if env.SessionID == "" {
		return nil, fmt.Errorf("event.Marshal: missing sessionId: %w", ErrInvalidEvent)
	}

	body, err := MarshalEvent(env.Event)
	if err != nil {
		return nil, fmt.Errorf("event.Marshal: %w", err)
	}

	data, err := json.Marshal(wireEnvelope{
		Origin:    env.Origin,
		SessionID: env.SessionID,
		TurnID:    env.TurnID,
		Event:     body,
		TS:        env.TS.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("event.Marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes and validates an envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("event.Unmarshal: %w", err)
	}
	if w.Origin != OriginAgent && w.Origin != OriginRemote {
		return Envelope{}, fmt.Errorf("event.Unmarshal: origin %q: %w", w.Origin, ErrInvalidEvent)
	}
	if w.SessionID == "" {
		return Envelope{}, fmt.Errorf("event.Unmarshal: missing sessionId: %w", ErrInvalidEvent)
	}

	ev, err := UnmarshalEvent(w.Event)
	if err != nil {
		return Envelope{}, fmt.Errorf("event.Unmarshal: %w", err)
	}

	return Envelope{
		Origin:    w.Origin,
		SessionID: w.SessionID,
		TurnID:    w.TurnID,
		Event:     ev,
		TS:        time.UnixMilli(w.TS),
	}, nil
}

// MarshalEvent encodes an event as a flat JSON object tagged with "type".
func MarshalEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("event.MarshalEvent: nil event: %w", ErrInvalidEvent)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("event.MarshalEvent: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	kind, _ := json.Marshal(string(ev.Kind()))
	buf.Write(kind)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// UnmarshalEvent decodes a tagged event. Unknown types are rejected.
func UnmarshalEvent(data []byte) (Event, error) {
	var tag struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("event.UnmarshalEvent: %w", err)
	}

	switch tag.Type {
	case KindSessionStart:
		return decode[SessionStart](data)
	case KindSessionStop:
		return decode[SessionStop](data)
	case KindStatus:
		return decode[Status](data)
	case KindText:
		return decode[Text](data)
	case KindToolCallStart:
		return decode[ToolCallStart](data)
	case KindToolCallEnd:
		return decode[ToolCallEnd](data)
	case KindPermissionRequest:
		return decode[PermissionRequest](data)
	case KindPermissionResponse:
		return decode[PermissionResponse](data)
	case KindDeviceSwitch:
		return decode[DeviceSwitch](data)
	}
	return nil, fmt.Errorf("event.UnmarshalEvent: unknown type %q: %w", tag.Type, ErrInvalidEvent)
}

func decode[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("event.UnmarshalEvent: %w", err)
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}
