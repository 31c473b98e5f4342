// Package event defines the typed event stream produced by an intercepted
// agent session and the Envelope that carries one event over the relay.
package event

import (
	"errors"
	"fmt"
)

// ErrInvalidEvent is returned when an event or envelope fails validation at
// the serialization boundary.
var ErrInvalidEvent = errors.New("event: invalid event") //nolint:gochecknoglobals // sentinel error

// Kind identifies the variant of an Event.
type Kind string

const (
	KindSessionStart       Kind = "session-start"
	KindSessionStop        Kind = "session-stop"
	KindStatus             Kind = "status"
	KindText               Kind = "text"
	KindToolCallStart      Kind = "tool-call-start"
	KindToolCallEnd        Kind = "tool-call-end"
	KindPermissionRequest  Kind = "permission-request"
	KindPermissionResponse Kind = "permission-response"
	KindDeviceSwitch       Kind = "device-switch"
)

// Status states emitted by the interceptor.
const (
	StateError   = "error"
	StateIdle    = "idle"
	StateSuccess = "success"
)

// Event is one variant of the closed event union.
type Event interface {
	Kind() Kind
	Validate() error
}

type SessionStart struct {
	Metadata map[string]string `json:"metadata,omitempty"`
}

type SessionStop struct {
	Reason string `json:"reason"`
}

type Status struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

type Text struct {
	Text     string `json:"text"`
	Thinking bool   `json:"thinking"`
}

type ToolCallStart struct {
	CallID      string            `json:"callId"`
	Name        string            `json:"name"`
	Args        map[string]string `json:"args,omitempty"`
	Description string            `json:"description,omitempty"`
}

type ToolCallEnd struct {
	CallID string `json:"callId"`
	Result string `json:"result"`
}

type PermissionRequest struct {
	RequestID   string `json:"requestId"`
	Tool        string `json:"tool"`
	Pattern     string `json:"pattern"`
	Description string `json:"description,omitempty"`
}

type PermissionResponse struct {
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
}

type DeviceSwitch struct {
	Device string `json:"device"`
}

func (SessionStart) Kind() Kind       { return KindSessionStart }
func (SessionStop) Kind() Kind        { return KindSessionStop }
func (Status) Kind() Kind             { return KindStatus }
func (Text) Kind() Kind               { return KindText }
func (ToolCallStart) Kind() Kind      { return KindToolCallStart }
func (ToolCallEnd) Kind() Kind        { return KindToolCallEnd }
func (PermissionRequest) Kind() Kind  { return KindPermissionRequest }
func (PermissionResponse) Kind() Kind { return KindPermissionResponse }
func (DeviceSwitch) Kind() Kind       { return KindDeviceSwitch }

func (SessionStart) Validate() error { return nil }
func (SessionStop) Validate() error  { return nil }
func (Text) Validate() error         { return nil }

func (e Status) Validate() error {
	if e.State == "" {
		return fmt.Errorf("%w: status without state", ErrInvalidEvent)
	}
	return nil
}

func (e ToolCallStart) Validate() error {
	if e.CallID == "" || e.Name == "" {
		return fmt.Errorf("%w: tool-call-start requires callId and name", ErrInvalidEvent)
	}
	return nil
}

func (e ToolCallEnd) Validate() error {
	if e.CallID == "" {
		return fmt.Errorf("%w: tool-call-end requires callId", ErrInvalidEvent)
	}
	return nil
}

func (e PermissionRequest) Validate() error {
	if e.RequestID == "" || e.Tool == "" {
		return fmt.Errorf("%w: permission-request requires requestId and tool", ErrInvalidEvent)
	}
	return nil
}

func (e PermissionResponse) Validate() error {
	if e.RequestID == "" {
		return fmt.Errorf("%w: permission-response requires requestId", ErrInvalidEvent)
	}
	return nil
}

func (e DeviceSwitch) Validate() error {
	if e.Device == "" {
		return fmt.Errorf("%w: device-switch requires device", ErrInvalidEvent)
	}
	return nil
}
